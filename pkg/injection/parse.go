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

package injection

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/kubedb-monitor/control-plane/pkg/wire"
)

// ParseAnnotations decodes a pod's annotation map into a fully-defaulted
// InjectionConfig. It never rejects a pod for an unrecognized key — those
// are preserved verbatim into ExtraOptions. A malformed recognized value
// yields an *InvalidAnnotation naming the offending key (spec.md §4.1).
func ParseAnnotations(annotations map[string]string) (*InjectionConfig, error) {
	cfg := &InjectionConfig{
		DbKinds:              map[DbKind]struct{}{},
		SamplingRate:         defaultSamplingRate,
		SlowQueryThresholdMs: defaultSlowQueryThresholdMs,
		CollectorKind:        defaultCollectorKind,
		ExtraOptions:         map[string]string{},
	}

	for key, rawValue := range annotations {
		if !strings.HasPrefix(key, AnnotationPrefix) {
			continue
		}
		name := strings.TrimPrefix(key, AnnotationPrefix)
		value := strings.TrimSpace(rawValue)

		switch name {
		case KeyEnable:
			enabled, err := strconv.ParseBool(value)
			if err != nil {
				return nil, &InvalidAnnotation{Key: name, Reason: fmt.Sprintf("not a bool: %q", value)}
			}
			cfg.Enabled = enabled

		case KeyDBTypes:
			kinds, err := parseDbKinds(value)
			if err != nil {
				return nil, &InvalidAnnotation{Key: name, Reason: err.Error()}
			}
			cfg.DbKinds = kinds

		case KeyCollectorType:
			kind, err := parseCollectorKind(value)
			if err != nil {
				return nil, &InvalidAnnotation{Key: name, Reason: err.Error()}
			}
			cfg.CollectorKind = kind

		case KeyCollectorEndpoint:
			if value != "" {
				if _, err := url.ParseRequestURI(value); err != nil {
					return nil, &InvalidAnnotation{Key: name, Reason: fmt.Sprintf("not a URL: %q", value)}
				}
			}
			cfg.CollectorEndpoint = value

		case KeySlowQueryThreshold:
			ms, err := strconv.ParseUint(value, 10, 32)
			if err != nil {
				return nil, &InvalidAnnotation{Key: name, Reason: fmt.Sprintf("not an unsigned int: %q", value)}
			}
			cfg.SlowQueryThresholdMs = uint32(ms)

		case KeySamplingRate:
			rate, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return nil, &InvalidAnnotation{Key: name, Reason: fmt.Sprintf("not a float: %q", value)}
			}
			if rate < 0 || rate > 1 {
				clamped := rate
				if clamped < 0 {
					clamped = 0
				} else if clamped > 1 {
					clamped = 1
				}
				cfg.Warnings = append(cfg.Warnings, fmt.Sprintf(
					"annotation %s%s=%v out of [0,1], clamped to %v", AnnotationPrefix, name, rate, clamped))
				rate = clamped
			}
			cfg.SamplingRate = rate

		default:
			cfg.ExtraOptions[name] = rawValue
		}
	}

	if cfg.CollectorEndpoint == "" && requiresEndpoint(cfg.CollectorKind) {
		// Not an InvalidAnnotation (not tied to a single malformed key):
		// recorded as a warning, which C3 surfaces in the admission response.
		cfg.Warnings = append(cfg.Warnings, fmt.Sprintf(
			"collector-type %s has no %s%s", cfg.CollectorKind, AnnotationPrefix, KeyCollectorEndpoint))
	}

	return cfg, nil
}

func requiresEndpoint(kind wire.CollectorKind) bool {
	return kind == wire.CollectorHTTP || kind == wire.CollectorComposite
}

func parseDbKinds(value string) (map[DbKind]struct{}, error) {
	result := map[DbKind]struct{}{}
	if value == "" {
		return result, nil
	}
	for _, part := range strings.Split(value, ",") {
		token := strings.ToLower(strings.TrimSpace(part))
		if token == "" {
			continue
		}
		if token == "all" {
			for _, k := range AllDbKinds {
				result[k] = struct{}{}
			}
			continue
		}
		kind := DbKind(token)
		if !isKnownDbKind(kind) {
			return nil, fmt.Errorf("unknown db-type %q", token)
		}
		result[kind] = struct{}{}
	}
	return result, nil
}

func isKnownDbKind(kind DbKind) bool {
	for _, k := range AllDbKinds {
		if k == kind {
			return true
		}
	}
	return false
}

func parseCollectorKind(value string) (wire.CollectorKind, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(wire.CollectorLogging):
		return wire.CollectorLogging, nil
	case string(wire.CollectorMemory):
		return wire.CollectorMemory, nil
	case string(wire.CollectorJmx):
		return wire.CollectorJmx, nil
	case string(wire.CollectorHTTP):
		return wire.CollectorHTTP, nil
	case string(wire.CollectorComposite):
		return wire.CollectorComposite, nil
	default:
		return "", fmt.Errorf("unknown collector-type %q", value)
	}
}

// ShouldInject reports whether a pod's annotations and its namespace's
// labels permit mutation (spec.md §4.2 "Safety rules"). It does not
// itself parse the InjectionConfig — callers run ParseAnnotations first
// and skip the mutation entirely when this returns false.
func ShouldInject(cfg *InjectionConfig, namespaceLabels map[string]string) bool {
	if cfg == nil || !cfg.Enabled {
		return false
	}
	if strings.EqualFold(namespaceLabels[NamespaceSkipLabel], "true") {
		return false
	}
	return true
}
