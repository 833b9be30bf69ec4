// Copyright 2024 Google LLC
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

package certupdater

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/client-go/util/cert"
)

func writeSelfSigned(t *testing.T, dir string) {
	t.Helper()
	crt, key, err := cert.GenerateSelfSignedCertKey("test.local", nil, nil)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, corev1.TLSCertKey), crt, 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, corev1.TLSPrivateKeyKey), key, 0o600))
}

func TestSourceDirAndGetCertificate(t *testing.T) {
	dir := t.TempDir()
	writeSelfSigned(t, dir)

	source, err := SourceDir(dir)
	require.NoError(t, err)

	cu, err := New(source, WithPolling(time.Hour))
	require.NoError(t, err)

	assert.False(t, cu.Healthy())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, cu.Start(ctx))

	assert.True(t, cu.Healthy())
	certificate, err := cu.GetCertificate(nil)
	require.NoError(t, err)
	assert.NotNil(t, certificate)
}

func TestSourceGenerated(t *testing.T) {
	source, err := SourceGenerated("svc.cluster.local")
	require.NoError(t, err)

	cu, err := New(source, WithPolling(time.Hour))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, cu.Start(ctx))

	ca, err := cu.GetCA()
	require.NoError(t, err)
	assert.NotNil(t, ca)
}

func TestNew_NilSourceErrors(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)
}

func TestWithWatch_ReloadsOnFileChange(t *testing.T) {
	dir := t.TempDir()
	writeSelfSigned(t, dir)

	source, err := SourceDir(dir)
	require.NoError(t, err)

	cu, err := New(source, WithPolling(time.Hour), WithWatch(dir))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, cu.Start(ctx))

	first, err := cu.GetCertificate(nil)
	require.NoError(t, err)

	writeSelfSigned(t, dir)
	require.Eventually(t, func() bool {
		second, err := cu.GetCertificate(nil)
		return err == nil && second != first
	}, 2*time.Second, 20*time.Millisecond)
}
