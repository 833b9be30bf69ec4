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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"

	"github.com/kubedb-monitor/control-plane/pkg/injection"
	"github.com/kubedb-monitor/control-plane/pkg/wire"
)

func samplePod() *corev1.Pod {
	return &corev1.Pod{
		Spec: corev1.PodSpec{
			Containers: []corev1.Container{
				{Name: "app", Image: "example.com/app:v1"},
				{Name: "istio-proxy", Image: "istio/proxyv2:1.20"},
			},
		},
	}
}

func enabledConfig() *injection.InjectionConfig {
	return &injection.InjectionConfig{
		Enabled:              true,
		DbKinds:               map[injection.DbKind]struct{}{injection.DbMySQL: {}},
		SamplingRate:          1.0,
		SlowQueryThresholdMs:  1000,
		CollectorKind:         wire.CollectorLogging,
		ExtraOptions:          map[string]string{},
	}
}

func TestMutate_AddsVolumeInitContainerAndEnv(t *testing.T) {
	pod := samplePod()
	warnings := Mutate(pod, enabledConfig(), DefaultOptions())
	assert.Empty(t, warnings)

	require.Len(t, pod.Spec.Volumes, 1)
	assert.Equal(t, SharedVolumeName, pod.Spec.Volumes[0].Name)

	require.Len(t, pod.Spec.InitContainers, 1)
	assert.Equal(t, InitContainerName, pod.Spec.InitContainers[0].Name)

	app := pod.Spec.Containers[0]
	require.Len(t, app.VolumeMounts, 1)
	assert.True(t, app.VolumeMounts[0].ReadOnly)

	var javaOpts string
	for _, e := range app.Env {
		if e.Name == "JAVA_TOOL_OPTIONS" {
			javaOpts = e.Value
		}
	}
	assert.Contains(t, javaOpts, sentinelSubstring)

	assert.Equal(t, "true", pod.Annotations[injectedAnnotation])
}

func TestMutate_SkipsSidecarImages(t *testing.T) {
	pod := samplePod()
	Mutate(pod, enabledConfig(), DefaultOptions())

	proxy := pod.Spec.Containers[1]
	assert.Empty(t, proxy.VolumeMounts)
	for _, e := range proxy.Env {
		assert.NotEqual(t, "JAVA_TOOL_OPTIONS", e.Name)
	}
}

func TestMutate_IdempotentOnSecondCall(t *testing.T) {
	pod := samplePod()
	cfg := enabledConfig()
	Mutate(pod, cfg, DefaultOptions())
	firstEnv := len(pod.Spec.Containers[0].Env)

	Mutate(pod, cfg, DefaultOptions())
	assert.Len(t, pod.Spec.Containers[0].Env, firstEnv)
	assert.Len(t, pod.Spec.Volumes, 1)
	assert.Len(t, pod.Spec.InitContainers, 1)
}

func TestMutate_ScenarioOneExactEncoding(t *testing.T) {
	pod := &corev1.Pod{
		Spec: corev1.PodSpec{
			Containers: []corev1.Container{
				{Name: "app", Image: "example.com/app:v1"},
				{Name: "worker", Image: "example.com/worker:v1"},
			},
		},
	}
	cfg := &injection.InjectionConfig{
		Enabled:       true,
		DbKinds:       map[injection.DbKind]struct{}{},
		CollectorKind: wire.CollectorHTTP,
		CollectorEndpoint: "http://cp:8080/api/metrics",
		ExtraOptions:  map[string]string{},
	}
	Mutate(pod, cfg, DefaultOptions())

	want := "-javaagent:/opt/kubedb/agent/agent.jar=collector-type=http,collector-endpoint=http%3A%2F%2Fcp%3A8080%2Fapi%2Fmetrics"
	for _, name := range []string{"app", "worker"} {
		for _, c := range pod.Spec.Containers {
			if c.Name != name {
				continue
			}
			var javaOpts string
			for _, e := range c.Env {
				if e.Name == "JAVA_TOOL_OPTIONS" {
					javaOpts = e.Value
				}
			}
			assert.Equal(t, want, javaOpts)

			require.Len(t, c.VolumeMounts, 1)
			assert.Equal(t, MountPath, c.VolumeMounts[0].MountPath)
		}
	}
	require.Len(t, pod.Spec.InitContainers, 1)
	assert.Equal(t, InitContainerName, pod.Spec.InitContainers[0].Name)
	require.Len(t, pod.Spec.Volumes, 1)
	assert.Equal(t, SharedVolumeName, pod.Spec.Volumes[0].Name)
}

func TestAlreadyInjected(t *testing.T) {
	pod := samplePod()
	assert.False(t, AlreadyInjected(pod))
	Mutate(pod, enabledConfig(), DefaultOptions())
	assert.True(t, AlreadyInjected(pod))
}

func TestMutate_PreservesExistingJavaToolOptions(t *testing.T) {
	pod := samplePod()
	pod.Spec.Containers[0].Env = []corev1.EnvVar{
		{Name: "JAVA_TOOL_OPTIONS", Value: "-Xmx512m"},
	}
	Mutate(pod, enabledConfig(), DefaultOptions())

	var javaOpts string
	for _, e := range pod.Spec.Containers[0].Env {
		if e.Name == "JAVA_TOOL_OPTIONS" {
			javaOpts = e.Value
		}
	}
	assert.Contains(t, javaOpts, "-Xmx512m")
	assert.Contains(t, javaOpts, sentinelSubstring)
}
