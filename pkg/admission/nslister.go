// Copyright 2021 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package admission

import (
	"time"

	"k8s.io/client-go/informers"
	"k8s.io/client-go/kubernetes"
	corelisters "k8s.io/client-go/listers/core/v1"
	"k8s.io/client-go/tools/cache"
)

// NamespaceSyncInterval mirrors the teacher's pkg/operator informer
// resync period.
const NamespaceSyncInterval = 5 * time.Minute

// NamespaceLister is an informer-cached source of namespace labels,
// used to resolve the kubedb.monitor/skip safety rule (spec.md §4.2)
// without a live API call on every admission request.
type NamespaceLister struct {
	lister  corelisters.NamespaceLister
	factory informers.SharedInformerFactory
}

// NewNamespaceLister builds a NamespaceLister backed by a
// SharedInformerFactory. Call Start before relying on Get.
func NewNamespaceLister(client kubernetes.Interface) *NamespaceLister {
	factory := informers.NewSharedInformerFactory(client, NamespaceSyncInterval)
	return &NamespaceLister{
		lister:  factory.Core().V1().Namespaces().Lister(),
		factory: factory,
	}
}

// Start begins the informer and blocks until its cache has synced.
func (n *NamespaceLister) Start(stop <-chan struct{}) bool {
	n.factory.Start(stop)
	return cache.WaitForCacheSync(stop, n.factory.Core().V1().Namespaces().Informer().HasSynced)
}

// Get implements NamespaceLabelGetter.
func (n *NamespaceLister) Get(namespace string) map[string]string {
	ns, err := n.lister.Get(namespace)
	if err != nil {
		return nil
	}
	return ns.Labels
}
