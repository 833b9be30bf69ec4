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
	"context"
	"fmt"

	"github.com/pkg/errors"
	arv1 "k8s.io/api/admissionregistration/v1"
	k8serrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	v1 "k8s.io/client-go/kubernetes/typed/admissionregistration/v1"
	"k8s.io/utils/ptr"
)

// MutatingWebhookConfig returns a config for a webhook that listens for
// CREATE on pods and may mutate them (spec.md §4.2/§4.3). Unlike a
// validating webhook, failurePolicy is Ignore: a webhook outage must
// never block ordinary pod creation (spec.md §4.3 "never fail-closed").
func MutatingWebhookConfig(name, namespace, path string, caBundle []byte, ors ...metav1.OwnerReference) *arv1.MutatingWebhookConfiguration {
	return &arv1.MutatingWebhookConfiguration{
		ObjectMeta: metav1.ObjectMeta{
			Name:            name,
			OwnerReferences: ors,
		},
		Webhooks: []arv1.MutatingWebhook{
			{
				Name: fmt.Sprintf("%s.%s.svc", name, namespace),
				ClientConfig: arv1.WebhookClientConfig{
					Service: &arv1.ServiceReference{
						Name:      name,
						Namespace: namespace,
						Path:      ptr.To(path),
					},
					CABundle: caBundle,
				},
				Rules: []arv1.RuleWithOperations{
					{
						Operations: []arv1.OperationType{arv1.Create},
						Rule: arv1.Rule{
							APIGroups:   []string{""},
							APIVersions: []string{"v1"},
							Resources:   []string{"pods"},
						},
					},
				},
				FailurePolicy:           ptr.To(arv1.Ignore),
				SideEffects:             ptr.To(arv1.SideEffectClassNone),
				ReinvocationPolicy:      ptr.To(arv1.IfNeededReinvocationPolicy),
				AdmissionReviewVersions: []string{"v1"},
			},
		},
	}
}

// UpsertMutatingWebhookConfig creates or, if one already exists, updates
// the mutatingwebhookconfiguration resource — the CA bundle rotates with
// the serving certificate, so cmd/admission-controller calls this once the
// certificate is loaded and again every 5 minutes.
func UpsertMutatingWebhookConfig(ctx context.Context, api v1.MutatingWebhookConfigurationInterface, in *arv1.MutatingWebhookConfiguration) (*arv1.MutatingWebhookConfiguration, error) {
	out, err := api.Create(ctx, in, metav1.CreateOptions{})
	switch {
	case err == nil:
		return out, nil
	case k8serrors.IsAlreadyExists(err) && len(in.Name) > 0:
		existing, err := api.Get(ctx, in.Name, metav1.GetOptions{})
		if err != nil {
			return nil, errors.Wrapf(err, "getting existing config")
		}
		in.ResourceVersion = existing.ResourceVersion
		out, err = api.Update(ctx, in, metav1.UpdateOptions{})
		if err != nil {
			return nil, errors.Wrapf(err, "updating existing config")
		}
		return out, nil
	default:
		return nil, errors.Wrapf(err, "creating config")
	}
}
