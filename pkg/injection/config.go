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

// Package injection decodes a pod's kubedb.monitor/* annotations into a
// typed, fully-defaulted InjectionConfig (spec.md §4.1, C1).
package injection

import (
	"fmt"

	"github.com/kubedb-monitor/control-plane/pkg/wire"
)

// AnnotationPrefix is prepended to every recognized key.
const AnnotationPrefix = "kubedb.monitor/"

// Recognized annotation keys, without the prefix.
const (
	KeyEnable             = "enable"
	KeyDBTypes             = "db-types"
	KeyCollectorType       = "collector-type"
	KeyCollectorEndpoint   = "collector-endpoint"
	KeySlowQueryThreshold  = "slow-query-threshold"
	KeySamplingRate        = "sampling-rate"
)

// NamespaceSkipLabel, when set to "true" on a pod's namespace, disables
// injection regardless of pod annotations (spec.md §4.2 "Safety rules").
const NamespaceSkipLabel = "kubedb.monitor/skip"

// DbKind is one of the database engines the interceptor can watch.
type DbKind string

const (
	DbMySQL      DbKind = "mysql"
	DbPostgres   DbKind = "postgresql"
	DbOracle     DbKind = "oracle"
	DbMSSQL      DbKind = "mssql"
	DbMariaDB    DbKind = "mariadb"
)

// AllDbKinds is the expansion of the "all" shorthand for db-types.
var AllDbKinds = []DbKind{DbMySQL, DbPostgres, DbOracle, DbMSSQL, DbMariaDB}

const (
	defaultSlowQueryThresholdMs = uint32(1000)
	defaultSamplingRate         = 1.0
	defaultCollectorKind        = wire.CollectorLogging
)

// InjectionConfig is the fully-defaulted, immutable result of parsing a
// pod's annotation map (spec.md §3).
type InjectionConfig struct {
	Enabled              bool
	DbKinds              map[DbKind]struct{}
	SamplingRate         float64
	SlowQueryThresholdMs uint32
	CollectorKind        wire.CollectorKind
	CollectorEndpoint    string
	ExtraOptions         map[string]string

	// Warnings accumulates non-fatal recoveries (e.g. a clamped sampling
	// rate) to surface in the admission response.
	Warnings []string
}

// InvalidAnnotation is returned when a value cannot be coerced to its
// expected type. Unknown keys never produce this error (spec.md §4.1).
type InvalidAnnotation struct {
	Key    string
	Reason string
}

func (e *InvalidAnnotation) Error() string {
	return fmt.Sprintf("invalid annotation %s%s: %s", AnnotationPrefix, e.Key, e.Reason)
}

// Validate re-checks the invariants spec.md §3 lists for InjectionConfig.
// ParseAnnotations always keeps SamplingRate within [0,1], but an http or
// composite collector without an endpoint parses successfully (with a
// warning) and fails here.
func (c *InjectionConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.SamplingRate < 0 || c.SamplingRate > 1 {
		return fmt.Errorf("samplingRate %f out of [0,1]", c.SamplingRate)
	}
	if c.CollectorKind == wire.CollectorHTTP || c.CollectorKind == wire.CollectorComposite {
		if c.CollectorEndpoint == "" {
			return fmt.Errorf("collectorKind %s requires collectorEndpoint", c.CollectorKind)
		}
	}
	return nil
}
