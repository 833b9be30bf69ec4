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

// Package mutate builds the pod patch that attaches the kubedb-monitor
// interceptor to opted-in pods (spec.md §4.2, C2). It never rejects a
// pod: a failure to mutate degrades to an empty, allowed patch plus a
// structured warning (spec.md §4.2 "Failure semantics").
package mutate

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	corev1 "k8s.io/api/core/v1"

	"github.com/kubedb-monitor/control-plane/pkg/injection"
)

const (
	// SharedVolumeName is the ephemeral volume carrying the interceptor
	// artifact from the init container into every user container.
	SharedVolumeName = "kubedb-monitor-agent"
	// InitContainerName identifies the init container that copies the
	// interceptor artifact. Its presence (with a non-empty SharedVolumeName
	// volume) marks a pod as already injected (spec.md §4.2).
	InitContainerName = "kubedb-monitor-agent-init"
	// MountPath is where the shared volume is mounted, read-only, in every
	// user container (spec.md §6 "Injected pod shape").
	MountPath = "/opt/kubedb/agent"
	// agentJarName is the interceptor artifact's file name once copied
	// into the shared volume.
	agentJarName = "agent.jar"
	// DefaultArtifactSourcePath is where the init container image carries
	// the artifact before it is copied into the shared volume.
	DefaultArtifactSourcePath = "/opt/kubedb/agent.jar"
	// javaToolOptionsVar is appended to or merged into, never clobbered.
	javaToolOptionsVar = "JAVA_TOOL_OPTIONS"
	// sentinelSubstring detects a prior injection of our javaagent flag
	// so a repeated admission call never double-appends it.
	sentinelSubstring = "-javaagent:" + MountPath + "/" + agentJarName
	// injectedAnnotation marks a pod as processed, mirroring the
	// "keeper.security/injected" GitOps marker from the Keeper injector.
	injectedAnnotation = "kubedb.monitor/injected"
)

// DefaultArtifactImage is the image reference copied from by the init
// container, overridable via C9 config.
const DefaultArtifactImage = "ghcr.io/kubedb-monitor/agent-artifact:latest"

// InjectionPlan is C2's immutable work order, produced fresh per
// admission request and never persisted (spec.md §3).
type InjectionPlan struct {
	ArtifactSource   string
	ArtifactPath     string
	SharedVolumeName string
	EnvVars          []corev1.EnvVar
	JavaOptions      []string
}

// Options configures the mutator beyond what InjectionConfig carries:
// operator-wide choices that do not belong to a single pod's annotations.
type Options struct {
	ArtifactImage      string
	ArtifactSourcePath string
	// SkipImageSubstrings mutates no container whose image contains any
	// of these substrings (e.g. "istio/proxyv2", "envoyproxy/envoy").
	SkipImageSubstrings []string
}

// DefaultOptions mirrors the Keeper injector's DefaultWebhookConfig: safe
// defaults usable without any operator-supplied configuration.
func DefaultOptions() Options {
	return Options{
		ArtifactImage:      DefaultArtifactImage,
		ArtifactSourcePath: DefaultArtifactSourcePath,
		SkipImageSubstrings: []string{
			"istio/proxyv2",
			"envoyproxy/envoy",
			"linkerd-proxy",
		},
	}
}

// Mutate builds the patched pod in place given a non-nil, enabled
// InjectionConfig. Safety-rule checks happen before this is called (see
// injection.ShouldInject); Mutate itself returns without changes when
// AlreadyInjected reports the pod was already mutated.
func Mutate(pod *corev1.Pod, cfg *injection.InjectionConfig, opts Options) (warnings []string) {
	if AlreadyInjected(pod) {
		return nil
	}

	ensureSharedVolume(pod)
	ensureInitContainer(pod, opts)

	plan := buildPlan(cfg, opts)

	for i := range pod.Spec.Containers {
		c := &pod.Spec.Containers[i]
		if skipContainer(c, opts) {
			continue
		}
		ensureVolumeMount(c)
		applyEnvVars(c, plan)
	}

	if pod.Annotations == nil {
		pod.Annotations = map[string]string{}
	}
	pod.Annotations[injectedAnnotation] = "true"

	return warnings
}

// AlreadyInjected reports whether a pod carries the init container and
// shared volume already, per spec.md §4.2's idempotency rule.
func AlreadyInjected(pod *corev1.Pod) bool {
	hasVolume := false
	for _, v := range pod.Spec.Volumes {
		if v.Name == SharedVolumeName {
			hasVolume = true
			break
		}
	}
	if !hasVolume {
		return false
	}
	for _, c := range pod.Spec.InitContainers {
		if c.Name == InitContainerName {
			return true
		}
	}
	return false
}

func buildPlan(cfg *injection.InjectionConfig, opts Options) InjectionPlan {
	artifactPath := MountPath + "/" + agentJarName
	javaOpts := []string{fmt.Sprintf("-javaagent:%s=%s", artifactPath, encodeAgentConfig(cfg))}

	envVars := []corev1.EnvVar{
		{Name: "KUBEDB_MONITOR_COLLECTOR_TYPE", Value: string(cfg.CollectorKind)},
		{Name: "KUBEDB_MONITOR_SAMPLING_RATE", Value: fmt.Sprintf("%.4f", cfg.SamplingRate)},
		{Name: "KUBEDB_MONITOR_SLOW_QUERY_THRESHOLD_MS", Value: fmt.Sprintf("%d", cfg.SlowQueryThresholdMs)},
	}
	if cfg.CollectorEndpoint != "" {
		envVars = append(envVars, corev1.EnvVar{Name: "KUBEDB_MONITOR_COLLECTOR_ENDPOINT", Value: cfg.CollectorEndpoint})
	}
	for k, v := range cfg.ExtraOptions {
		envVars = append(envVars, corev1.EnvVar{Name: "KUBEDB_MONITOR_EXTRA_" + strings.ToUpper(strings.ReplaceAll(k, "-", "_")), Value: v})
	}

	return InjectionPlan{
		ArtifactSource:   opts.ArtifactImage,
		ArtifactPath:     artifactPath,
		SharedVolumeName: SharedVolumeName,
		EnvVars:          envVars,
		JavaOptions:      javaOpts,
	}
}

// encodeAgentConfig produces the comma-separated, URL-safe-encoded
// option string the javaagent reads off its -javaagent argument
// (spec.md §6), e.g.
// "collector-type=http,collector-endpoint=http%3A%2F%2Fcp%3A8080%2Fapi%2Fmetrics".
func encodeAgentConfig(cfg *injection.InjectionConfig) string {
	parts := []string{"collector-type=" + string(cfg.CollectorKind)}

	if len(cfg.DbKinds) > 0 {
		kinds := make([]string, 0, len(cfg.DbKinds))
		for k := range cfg.DbKinds {
			kinds = append(kinds, string(k))
		}
		sort.Strings(kinds)
		parts = append(parts, "db-types="+url.QueryEscape(strings.Join(kinds, "|")))
	}
	if cfg.CollectorEndpoint != "" {
		parts = append(parts, "collector-endpoint="+url.QueryEscape(cfg.CollectorEndpoint))
	}
	return strings.Join(parts, ",")
}

func ensureSharedVolume(pod *corev1.Pod) {
	for _, v := range pod.Spec.Volumes {
		if v.Name == SharedVolumeName {
			return
		}
	}
	pod.Spec.Volumes = append(pod.Spec.Volumes, corev1.Volume{
		Name: SharedVolumeName,
		VolumeSource: corev1.VolumeSource{
			EmptyDir: &corev1.EmptyDirVolumeSource{},
		},
	})
}

func ensureInitContainer(pod *corev1.Pod, opts Options) {
	for _, c := range pod.Spec.InitContainers {
		if c.Name == InitContainerName {
			return
		}
	}
	init := corev1.Container{
		Name:    InitContainerName,
		Image:   opts.ArtifactImage,
		Command: []string{"cp", opts.ArtifactSourcePath, MountPath + "/" + agentJarName},
		VolumeMounts: []corev1.VolumeMount{
			{Name: SharedVolumeName, MountPath: MountPath},
		},
	}
	pod.Spec.InitContainers = append([]corev1.Container{init}, pod.Spec.InitContainers...)
}

func ensureVolumeMount(c *corev1.Container) {
	for _, m := range c.VolumeMounts {
		if m.Name == SharedVolumeName {
			return
		}
	}
	c.VolumeMounts = append(c.VolumeMounts, corev1.VolumeMount{
		Name:      SharedVolumeName,
		MountPath: MountPath,
		ReadOnly:  true,
	})
}

func applyEnvVars(c *corev1.Container, plan InjectionPlan) {
	found := false
	for i := range c.Env {
		if c.Env[i].Name != javaToolOptionsVar {
			continue
		}
		found = true
		if strings.Contains(c.Env[i].Value, sentinelSubstring) {
			break
		}
		c.Env[i].Value = strings.TrimSpace(c.Env[i].Value + " " + strings.Join(plan.JavaOptions, " "))
	}
	if !found {
		c.Env = append(c.Env, corev1.EnvVar{
			Name:  javaToolOptionsVar,
			Value: strings.Join(plan.JavaOptions, " "),
		})
	}

	existing := map[string]bool{}
	for _, e := range c.Env {
		existing[e.Name] = true
	}
	for _, e := range plan.EnvVars {
		if existing[e.Name] {
			continue
		}
		c.Env = append(c.Env, e)
	}
}

// skipContainer reports whether a container's image matches the
// operator's skip list (e.g. service-mesh sidecars), per spec.md §4.2
// "Safety rules".
func skipContainer(c *corev1.Container, opts Options) bool {
	for _, substr := range opts.SkipImageSubstrings {
		if strings.Contains(c.Image, substr) {
			return true
		}
	}
	return false
}
