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

package config

import (
	"testing"

	"github.com/alecthomas/kingpin/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAdmissionFlags_Defaults(t *testing.T) {
	a := kingpin.New("test", "")
	cfg := RegisterAdmissionFlags(a)
	_, err := a.Parse([]string{"--agent-image=ghcr.io/example/agent:latest"})
	require.NoError(t, err)

	assert.Equal(t, ":8443", cfg.ListenAddress)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "ghcr.io/example/agent:latest", cfg.AgentImage)
	assert.Equal(t, "kubedb-monitor", cfg.Namespace)
}

func TestRegisterAdmissionFlags_MissingRequiredFails(t *testing.T) {
	a := kingpin.New("test", "")
	RegisterAdmissionFlags(a)
	_, err := a.Parse([]string{})
	assert.Error(t, err)
}

func TestRegisterControlPlaneFlags_CORSOriginsSplit(t *testing.T) {
	a := kingpin.New("test", "")
	cfg := RegisterControlPlaneFlags(a)
	_, err := a.Parse([]string{"--cors-allowed-origins=https://a.example, https://b.example"})
	require.NoError(t, err)

	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSAllowedOrigins)
	assert.Equal(t, 60, cfg.RollingWindowSeconds)
}
