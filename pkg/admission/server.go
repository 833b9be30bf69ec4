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

// Package admission serves the cluster's mutating admission webhook
// (spec.md §4.3, C3): it wires C1 (pkg/injection) and C2 (pkg/mutate)
// behind an HTTPS endpoint with serving-certificate lifecycle. Built
// directly on the teacher's pkg/operator/admission.go admitFn/
// toAdmissionResponse shape, generalized from a validating webhook to a
// mutating one.
package admission

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-logr/logr"
	v1 "k8s.io/api/admission/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/scheme"

	"github.com/kubedb-monitor/control-plane/pkg/injection"
	"github.com/kubedb-monitor/control-plane/pkg/mutate"
)

// maxBodyBytes bounds the admission-review request body (spec.md §4.3).
const maxBodyBytes = 3 << 20 // 3 MiB

// admitDeadline bounds how long a single request may take before this
// server degrades to a permissive allow-with-warning (spec.md §4.3).
const admitDeadline = 10 * time.Second

type mutateFn func(*v1.AdmissionRequest) (*v1.AdmissionResponse, []string)

// NamespaceLabelGetter resolves a namespace's labels so ShouldInject can
// apply the `kubedb.monitor/skip` safety rule (spec.md §4.2). Backed by
// an informer-cached client in production; a map in tests.
type NamespaceLabelGetter func(namespace string) map[string]string

// Server serves Kubernetes mutating-admission requests over HTTPS.
type Server struct {
	logger        logr.Logger
	decoder       runtime.Decoder
	namespaceLabels NamespaceLabelGetter
	mutateOptions mutate.Options

	httpServer *http.Server
}

// Config configures a new Server.
type Config struct {
	Logger          logr.Logger
	NamespaceLabels NamespaceLabelGetter
	MutateOptions   mutate.Options
	// ListenAddr is the address the admission HTTPS listener binds,
	// e.g. ":8443" (spec.md §6 ADMISSION_LISTEN).
	ListenAddr string
	// GetCertificate backs tls.Config.GetCertificate, typically
	// pkg/admission/certupdater's certUpdater.GetCertificate.
	GetCertificate func(*tls.ClientHelloInfo) (*tls.Certificate, error)
}

// New builds a Server and its underlying *http.Server, not yet started.
func New(cfg Config) *Server {
	if cfg.NamespaceLabels == nil {
		cfg.NamespaceLabels = func(string) map[string]string { return nil }
	}
	s := &Server{
		logger:          cfg.Logger,
		decoder:         scheme.Codecs.UniversalDeserializer(),
		namespaceLabels: cfg.NamespaceLabels,
		mutateOptions:   cfg.MutateOptions,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/mutate", s.serveAdmission(s.mutatePod))
	mux.HandleFunc("/healthz", s.serveHealthz)

	s.httpServer = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
		TLSConfig: &tls.Config{
			GetCertificate: cfg.GetCertificate,
			MinVersion:     tls.VersionTLS12,
		},
	}
	return s
}

// ListenAndServeTLS starts the HTTPS listener. Cert/key paths are empty
// because the certificate is supplied dynamically via TLSConfig.GetCertificate.
func (s *Server) ListenAndServeTLS() error {
	return s.httpServer.ListenAndServeTLS("", "")
}

// Shutdown gracefully stops accepting new admission requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) serveHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// serveAdmission mirrors the teacher's AdmissionServer.serveAdmission:
// decode, evaluate, encode. A non-POST request gets 405 and a wrong
// content type or undecodable body gets 400; once a review is decoded,
// every failure path returns an allowed response with a warning rather
// than an admission error, since a rejected pod is strictly worse than
// an uninjected one (spec.md §4.3).
func (s *Server) serveAdmission(mutateFn mutateFn) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.logger.V(1).Info("admission request", "method", r.Method, "path", r.URL.Path)

		if r.Method != http.MethodPost {
			http.Error(w, "only POST is supported", http.StatusMethodNotAllowed)
			return
		}
		ct := r.Header.Get("Content-Type")
		if ct != "" && ct != "application/json" {
			http.Error(w, "content-type must be application/json", http.StatusBadRequest)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), admitDeadline)
		defer cancel()

		var req, resp v1.AdmissionReview
		data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			s.logger.Error(err, "reading admission request body")
			http.Error(w, "malformed request body", http.StatusBadRequest)
			return
		}
		if _, _, err := s.decoder.Decode(data, nil, &req); err != nil {
			s.logger.Error(err, "decoding admission review")
			http.Error(w, "malformed admission review", http.StatusBadRequest)
			return
		}

		resp.Response = s.runWithDeadline(ctx, &req, mutateFn)

		if req.Request != nil {
			resp.APIVersion = req.APIVersion
			resp.Kind = req.Kind
			resp.Response.UID = req.Request.UID
		}

		respBytes, err := json.Marshal(resp)
		if err != nil {
			s.logger.Error(err, "encoding admission response")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if _, err := w.Write(respBytes); err != nil {
			s.logger.Error(err, "writing admission response")
		}
	}
}

// runWithDeadline evaluates admit, recovering any panic and turning a
// deadline overrun into a permissive allow-with-warning — never
// fail-closed (spec.md §4.3).
func (s *Server) runWithDeadline(ctx context.Context, req *v1.AdmissionReview, admit mutateFn) (resp *v1.AdmissionResponse) {
	if req.Request == nil {
		return &v1.AdmissionResponse{Allowed: true}
	}

	done := make(chan *v1.AdmissionResponse, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error(nil, "recovered panic in admission handler", "panic", r)
				done <- allowWithWarning("internal error recovered, pod left unchanged")
			}
		}()
		r, warnings := admit(req.Request)
		if r == nil {
			r = &v1.AdmissionResponse{Allowed: true}
		}
		r.Warnings = append(r.Warnings, warnings...)
		done <- r
	}()

	select {
	case r := <-done:
		return r
	case <-ctx.Done():
		s.logger.Info("admission deadline exceeded, allowing unchanged")
		return allowWithWarning("admission deadline exceeded, pod left unchanged")
	}
}

func allowWithWarning(msg string) *v1.AdmissionResponse {
	return &v1.AdmissionResponse{Allowed: true, Warnings: []string{msg}}
}

// mutatePod is the admitFn that runs C1 then C2 (spec.md §2 admission
// dataflow: Cluster API → C3 → C1 → C2 → C3 → Cluster API).
func (s *Server) mutatePod(req *v1.AdmissionRequest) (*v1.AdmissionResponse, []string) {
	cfg, err := injection.ParseAnnotations(podAnnotations(req))
	if err != nil {
		return &v1.AdmissionResponse{Allowed: true}, []string{err.Error()}
	}

	nsLabels := s.namespaceLabels(req.Namespace)
	patch, warnings, err := mutate.BuildPatch(req.Object.Raw, cfg, nsLabels, s.mutateOptions)
	if err != nil {
		return &v1.AdmissionResponse{Allowed: true}, append(warnings, err.Error())
	}
	if patch == nil {
		return &v1.AdmissionResponse{Allowed: true}, warnings
	}

	patchType := v1.PatchTypeJSONPatch
	return &v1.AdmissionResponse{
		Allowed:   true,
		Patch:     patch,
		PatchType: &patchType,
	}, warnings
}

// podAnnotations extracts a pod's annotation map from the raw admission
// object without requiring a full corev1.Pod decode.
func podAnnotations(req *v1.AdmissionRequest) map[string]string {
	var partial struct {
		Metadata metav1.ObjectMeta `json:"metadata"`
	}
	if err := json.Unmarshal(req.Object.Raw, &partial); err != nil {
		return nil
	}
	return partial.Metadata.Annotations
}
