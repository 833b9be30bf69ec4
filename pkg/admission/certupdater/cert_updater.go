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

// Package certupdater contains an implementation of `tls.GetCertificate`
// for the admission server's serving certificate (spec.md §4.3).
package certupdater

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/logr"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/client-go/util/cert"
)

const tlsCAKey = "ca.crt"

type certUpdater struct {
	mu sync.RWMutex

	logger logr.Logger

	source      CertSource
	currentCert *tls.Certificate
	currentCA   *x509.Certificate
	loadedOnce  bool

	pollingInterval time.Duration
	watchDir        string
}

// Option configures a new certUpdater.
type Option func(*certUpdater)

// WithLogging provides a logger to certUpdater.
func WithLogging(l logr.Logger) Option {
	return func(cu *certUpdater) {
		cu.logger = l.WithValues("package", "certupdater")
	}
}

// WithPolling causes certUpdater to check for changes to certificates
// periodically. This is the fallback path exercised when the fsnotify
// watch (WithWatch) misses an event or isn't configured.
func WithPolling(d time.Duration) Option {
	return func(cu *certUpdater) {
		cu.pollingInterval = d
	}
}

// WithWatch causes certUpdater to additionally fsnotify-watch dir and
// poll immediately on any write/create/rename event, rather than
// waiting out the polling interval (spec.md §4.3 "watch the files and
// hot-reload on change"). dir should be the directory containing the
// files the CertSource reads (e.g. the one passed to SourceDir).
func WithWatch(dir string) Option {
	return func(cu *certUpdater) {
		cu.watchDir = dir
	}
}

// New creates a new certUpdater.
//
//nolint:revive // Intentionally return unexported type, to use methods only.
func New(source CertSource, opts ...Option) (*certUpdater, error) {
	if source == nil {
		return nil, fmt.Errorf("source must not be nil")
	}
	cu := &certUpdater{
		source:          source,
		pollingInterval: 5 * time.Minute,
	}
	for _, opt := range opts {
		opt(cu)
	}
	return cu, nil
}

// Start loads the certificate once synchronously (so Healthy reports
// true as soon as Start returns) and then begins the background
// poll/watch loop that keeps it current.
func (cu *certUpdater) Start(ctx context.Context) error {
	if err := cu.poll(ctx); err != nil {
		return fmt.Errorf("initial cert load: %w", err)
	}

	var events <-chan fsnotify.Event
	var watchErrs <-chan error
	var watcher *fsnotify.Watcher
	if cu.watchDir != "" {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			return fmt.Errorf("starting cert directory watcher: %w", err)
		}
		if err := w.Add(cu.watchDir); err != nil {
			w.Close()
			return fmt.Errorf("watching %s: %w", cu.watchDir, err)
		}
		watcher = w
		events = w.Events
		watchErrs = w.Errors
	}

	go func() {
		if watcher != nil {
			defer watcher.Close()
		}
		ticker := time.NewTicker(cu.pollingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := cu.poll(ctx); err != nil {
					cu.logger.Error(err, "polling cert source failed")
				}
			case ev, ok := <-events:
				if !ok {
					events = nil
					continue
				}
				cu.logger.V(1).Info("cert directory changed, reloading", "event", ev.String())
				if err := cu.poll(ctx); err != nil {
					cu.logger.Error(err, "reloading cert after watch event failed")
				}
			case err, ok := <-watchErrs:
				if !ok {
					watchErrs = nil
					continue
				}
				cu.logger.Error(err, "cert directory watcher error")
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

func (cu *certUpdater) poll(ctx context.Context) error {
	cert, ca, err := cu.source(ctx)
	if err != nil {
		return fmt.Errorf("cert source: %w", err)
	}
	cu.mu.Lock()
	cu.currentCert = &cert
	cu.currentCA = ca
	cu.loadedOnce = true
	cu.mu.Unlock()

	return nil
}

// Healthy reports whether a certificate has been loaded at least once.
// The admission server's liveness endpoint is healthy exactly when this
// is true (spec.md §4.3).
func (cu *certUpdater) Healthy() bool {
	cu.mu.RLock()
	defer cu.mu.RUnlock()
	return cu.loadedOnce
}

// GetCA allows access to CA Bundle, if applicable.
func (cu *certUpdater) GetCA() (*x509.Certificate, error) {
	cu.mu.RLock()
	defer cu.mu.RUnlock()
	return cu.currentCA, nil
}

// GetCertificate implements tls.Config.GetCertificate. Certificates are updated asynchronously.
func (cu *certUpdater) GetCertificate(_ *tls.ClientHelloInfo) (*tls.Certificate, error) {
	cu.mu.RLock()
	defer cu.mu.RUnlock()
	if cu.currentCert == nil {
		return nil, fmt.Errorf("no certificate loaded yet")
	}
	return cu.currentCert, nil
}

// CertSource defines the common signature of functions that return certificates.
type CertSource func(ctx context.Context) (serving tls.Certificate, ca *x509.Certificate, err error)

// SourceBase64 sources certificates from base64 strings.
func SourceBase64(certString, keyString string, optionalCAString string) (CertSource, error) {
	cert, err := base64.StdEncoding.DecodeString(certString)
	if err != nil {
		return nil, err
	}
	key, err := base64.StdEncoding.DecodeString(keyString)
	if err != nil {
		return nil, err
	}

	if optionalCAString == "" {
		return sourcePEM(cert, key, nil)
	}

	ca, err := base64.StdEncoding.DecodeString(optionalCAString)
	if err != nil {
		return nil, err
	}
	return sourcePEM(cert, key, ca)
}

// SourceDir sources certificates from a directory on the host.
//
// Expected Certificate Name: `tls.crt`
// Expected Private Key Name: `tls.key`
// Expected CA Certificate Name: `ca.crt` [Optional]
//
// Invalid directories or missing files result in an error. Pair this
// with WithWatch(dir) to hot-reload on change.
func SourceDir(dir string) (CertSource, error) {
	if _, err := os.Stat(dir); err != nil {
		return nil, err
	}
	return SourceFS(os.DirFS(dir).(fs.ReadFileFS), dir)
}

// SourceFS sources certificates from an `io/fs.FS` abstraction.
// originalDir is recorded only for error messages; pass "" if unknown.
func SourceFS(fsys fs.ReadFileFS, originalDir string) (CertSource, error) {
	certPEM, err := fsys.ReadFile(corev1.TLSCertKey)
	if err != nil {
		return nil, err
	}
	keyPEM, err := fsys.ReadFile(corev1.TLSPrivateKeyKey)
	if err != nil {
		return nil, err
	}
	if _, err := tls.X509KeyPair(certPEM, keyPEM); err != nil {
		return nil, err
	}

	if caPEM, err := fsys.ReadFile(tlsCAKey); err == nil {
		if _, err := x509.ParseCertificate(pemToDER(caPEM)); err != nil {
			return nil, err
		}
	}

	return func(context.Context) (tls.Certificate, *x509.Certificate, error) {
		certPEM, err := fsys.ReadFile(corev1.TLSCertKey)
		if err != nil {
			return tls.Certificate{}, nil, fmt.Errorf("reading %s: %w", filepath.Join(originalDir, corev1.TLSCertKey), err)
		}
		keyPEM, err := fsys.ReadFile(corev1.TLSPrivateKeyKey)
		if err != nil {
			return tls.Certificate{}, nil, fmt.Errorf("reading %s: %w", filepath.Join(originalDir, corev1.TLSPrivateKeyKey), err)
		}
		cert, err := tls.X509KeyPair(certPEM, keyPEM)
		if err != nil {
			return tls.Certificate{}, nil, err
		}

		caPEM, err := fsys.ReadFile(tlsCAKey)
		if err != nil {
			//nolint:nilerr // Return nil for CA if it is missing. Not an error.
			return cert, nil, nil
		}

		ca, err := x509.ParseCertificate(pemToDER(caPEM))
		if err != nil {
			return tls.Certificate{}, nil, err
		}

		return cert, ca, nil
	}, nil
}

// SourceGenerated generates self-signed certificates, used when no CA
// is configured to sign a CSR (spec.md §4.3 falls back here for local
// development and tests).
func SourceGenerated(fqdn string) (CertSource, error) {
	crt, key, err := cert.GenerateSelfSignedCertKey(fqdn, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("generate self-signed TLS key pair: %w", err)
	}
	return sourcePEM(crt, key, crt)
}

func sourcePEM(certPEM, keyPEM, optionalCAPEM []byte) (CertSource, error) {
	certificate, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}

	var ca *x509.Certificate
	if len(optionalCAPEM) > 0 {
		ca, err = x509.ParseCertificate(pemToDER(optionalCAPEM))
		if err != nil {
			return nil, err
		}
	}

	return func(context.Context) (tls.Certificate, *x509.Certificate, error) {
		return certificate, ca, nil
	}, nil
}

func pemToDER(in []byte) []byte {
	p, _ := pem.Decode(in)
	return p.Bytes
}
