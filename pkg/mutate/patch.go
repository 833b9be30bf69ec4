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

package mutate

import (
	"encoding/json"

	"github.com/pkg/errors"
	corev1 "k8s.io/api/core/v1"

	jsonpatch "gomodules.xyz/jsonpatch/v2"

	"github.com/kubedb-monitor/control-plane/pkg/injection"
)

// BuildPatch decodes rawPod, applies Mutate, and diffs the result back
// against rawPod as an RFC 6902 JSON patch (spec.md §4.2 "Output"). When
// nothing changes (already injected, config disabled, or an internal
// error recovered below) it returns a nil patch — callers should treat
// that as "allow, unchanged" rather than an error.
func BuildPatch(rawPod []byte, cfg *injection.InjectionConfig, namespaceLabels map[string]string, opts Options) (patch []byte, warnings []string, err error) {
	defer func() {
		if r := recover(); r != nil {
			// A mutator panic must never reject the pod (spec.md §4.3).
			patch = nil
			warnings = append(warnings, "mutation recovered from internal panic; pod left unchanged")
			err = nil
		}
	}()

	pod := &corev1.Pod{}
	if err := json.Unmarshal(rawPod, pod); err != nil {
		return nil, nil, errors.Wrap(err, "decoding pod for mutation")
	}

	if !injection.ShouldInject(cfg, namespaceLabels) {
		return nil, nil, nil
	}

	warnings = append(warnings, cfg.Warnings...)
	warnings = append(warnings, Mutate(pod, cfg, opts)...)

	mutatedRaw, err := json.Marshal(pod)
	if err != nil {
		return nil, warnings, errors.Wrap(err, "marshalling mutated pod")
	}

	ops, err := jsonpatch.CreatePatch(rawPod, mutatedRaw)
	if err != nil {
		return nil, warnings, errors.Wrap(err, "diffing mutated pod")
	}
	if len(ops) == 0 {
		return nil, warnings, nil
	}

	patch, err = json.Marshal(ops)
	if err != nil {
		return nil, warnings, errors.Wrap(err, "marshalling json patch")
	}
	return patch, warnings, nil
}
