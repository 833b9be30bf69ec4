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

// Command admission-controller runs C1 (annotation parsing), C2 (pod
// mutation) and C3 (the admission server with its certificate
// lifecycle) as one deployment, independent from cmd/control-plane
// (spec.md §9, mirroring the teacher's split of cmd/operator from
// cmd/rule-evaluator/cmd/frontend).
package main

import (
	"context"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	admissionregistrationv1client "k8s.io/client-go/kubernetes/typed/admissionregistration/v1"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/homedir"

	admissionpkg "github.com/kubedb-monitor/control-plane/pkg/admission"
	"github.com/kubedb-monitor/control-plane/pkg/admission/certupdater"
	"github.com/kubedb-monitor/control-plane/pkg/config"
	"github.com/kubedb-monitor/control-plane/pkg/mutate"
	"github.com/kubedb-monitor/control-plane/pkg/supervisor"
)

// webhookRefreshInterval re-registers the MutatingWebhookConfiguration on
// this cadence so a rotated CA bundle reaches the cluster even if no
// other event triggers a refresh.
const webhookRefreshInterval = 5 * time.Minute

func main() {
	a := kingpin.New("admission-controller", "kubedb-monitor admission webhook server")
	a.HelpFlag.Short('h')

	var kubeconfig string
	if home := homedir.HomeDir(); home != "" {
		a.Flag("kubeconfig", "(optional) absolute path to the kubeconfig file").
			Default(filepath.Join(home, ".kube", "config")).StringVar(&kubeconfig)
	} else {
		a.Flag("kubeconfig", "absolute path to the kubeconfig file").StringVar(&kubeconfig)
	}
	var apiserverURL string
	a.Flag("apiserver", "URL to the Kubernetes API server.").StringVar(&apiserverURL)

	cfg := config.RegisterAdmissionFlags(a)

	if _, err := a.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "parsing flags: %s\n", err)
		os.Exit(supervisor.ExitConfigError)
	}

	logger := setupLogger(cfg.LogLevel)
	zapLogger, _ := zap.NewProduction()
	logrLogger := zapr.NewLogger(zapLogger)

	restCfg, err := clientcmd.BuildConfigFromFlags(apiserverURL, kubeconfig)
	if err != nil {
		_ = level.Error(logger).Log("msg", "building kubeconfig failed", "err", err)
		os.Exit(supervisor.ExitConfigError)
	}
	client, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		_ = level.Error(logger).Log("msg", "building clientset failed", "err", err)
		os.Exit(supervisor.ExitConfigError)
	}

	metrics := prometheus.NewRegistry()
	metrics.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	certSource, watchDir, err := loadCertSource(cfg, client, logrLogger)
	if err != nil {
		_ = level.Error(logger).Log("msg", "loading serving certificate failed", "err", err)
		os.Exit(supervisor.ExitCertLoadFailure)
	}

	cu, err := certupdater.New(certSource, certUpdaterOpts(logrLogger, watchDir)...)
	if err != nil {
		_ = level.Error(logger).Log("msg", "constructing certificate updater failed", "err", err)
		os.Exit(supervisor.ExitCertLoadFailure)
	}

	nsLister := admissionpkg.NewNamespaceLister(client)

	mutateOpts := mutate.DefaultOptions()
	mutateOpts.ArtifactImage = cfg.AgentImage

	server := admissionpkg.New(admissionpkg.Config{
		Logger:          logrLogger.WithName("admission"),
		NamespaceLabels: nsLister.Get,
		MutateOptions:   mutateOpts,
		ListenAddr:      cfg.ListenAddress,
		GetCertificate:  cu.GetCertificate,
	})

	grp := supervisor.New(logger)

	// Metrics server.
	{
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(metrics, promhttp.HandlerOpts{Registry: metrics}))
		metricsServer := &http.Server{Addr: cfg.MetricsAddress, Handler: mux}
		grp.Add(func() error {
			return metricsServer.ListenAndServe()
		}, func(error) {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			_ = metricsServer.Shutdown(ctx)
		})
	}

	// Namespace informer cache, backing the kubedb.monitor/skip rule.
	{
		stop := make(chan struct{})
		grp.Add(func() error {
			if !nsLister.Start(stop) {
				return fmt.Errorf("namespace informer cache never synced")
			}
			<-stop
			return nil
		}, func(error) {
			close(stop)
		})
	}

	// Certificate updater.
	{
		ctx, cancel := context.WithCancel(context.Background())
		grp.Add(func() error {
			if err := cu.Start(ctx); err != nil {
				return err
			}
			<-ctx.Done()
			return nil
		}, func(error) {
			cancel()
		})
	}

	// Admission HTTPS server.
	{
		grp.Add(func() error {
			return server.ListenAndServeTLS()
		}, func(error) {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			_ = server.Shutdown(ctx)
		})
	}

	// MutatingWebhookConfiguration registration, refreshed on a timer so a
	// rotated CA bundle reaches the cluster (spec.md §4.3).
	{
		ctx, cancel := context.WithCancel(context.Background())
		whClient := client.AdmissionregistrationV1().MutatingWebhookConfigurations()
		grp.Add(func() error {
			return registerWebhookConfig(ctx, logrLogger, whClient, cu, cfg)
		}, func(error) {
			cancel()
		})
	}

	if err := grp.Run(); err != nil {
		_ = level.Error(logger).Log("msg", "exit with error", "err", err)
		os.Exit(supervisor.ExitListenerBind)
	}
}

// loadCertSource resolves the serving certificate per spec.md §4.3: an
// explicit on-disk path if configured, otherwise a freshly-provisioned
// CSR-signed pair, falling back to a self-signed certificate if no
// signer responds within a minute. Returns the directory to
// fsnotify-watch, if any.
func loadCertSource(cfg *config.AdmissionConfig, client kubernetes.Interface, logger logr.Logger) (certupdater.CertSource, string, error) {
	if cfg.TLSCertPath != "" && cfg.TLSKeyPath != "" {
		dir := filepath.Dir(cfg.TLSCertPath)
		src, err := certupdater.SourceDir(dir)
		return src, dir, err
	}

	fqdn := fmt.Sprintf("%s.%s.svc", cfg.ServiceName, cfg.Namespace)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	crt, key, err := admissionpkg.CreateSignedKeyPair(ctx, client, fqdn)
	if err == nil {
		src, serr := certupdater.SourceBase64(base64.StdEncoding.EncodeToString(crt), base64.StdEncoding.EncodeToString(key), "")
		return src, "", serr
	}
	logger.Error(err, "CSR-based certificate provisioning failed, falling back to self-signed")

	src, serr := certupdater.SourceGenerated(fqdn)
	return src, "", serr
}

// certReader is the slice of *certupdater.certUpdater's method set this
// package needs; certUpdater itself is unexported so it can only be
// referenced through an interface outside pkg/admission/certupdater.
type certReader interface {
	Healthy() bool
	GetCA() (*x509.Certificate, error)
}

// registerWebhookConfig upserts the cluster's MutatingWebhookConfiguration
// once the serving certificate is loaded, then refreshes it on a timer so
// a rotated CA bundle reaches the cluster (spec.md §4.3).
func registerWebhookConfig(ctx context.Context, logger logr.Logger, whClient admissionregistrationv1client.MutatingWebhookConfigurationInterface, cu certReader, cfg *config.AdmissionConfig) error {
	waitTicker := time.NewTicker(2 * time.Second)
	defer waitTicker.Stop()
	for !cu.Healthy() {
		select {
		case <-ctx.Done():
			return nil
		case <-waitTicker.C:
		}
	}

	refresh := time.NewTicker(webhookRefreshInterval)
	defer refresh.Stop()
	for {
		ca, err := cu.GetCA()
		if err != nil {
			logger.Error(err, "reading CA bundle for webhook registration")
		} else {
			caBundle := caBundlePEM(ca)
			name := cfg.ServiceName
			cfgObj := admissionpkg.MutatingWebhookConfig(name, cfg.Namespace, "/mutate", caBundle)
			if _, err := admissionpkg.UpsertMutatingWebhookConfig(ctx, whClient, cfgObj); err != nil {
				logger.Error(err, "registering mutating webhook configuration")
			} else {
				logger.V(1).Info("mutating webhook configuration registered", "name", name)
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-refresh.C:
		}
	}
}

// caBundlePEM PEM-encodes ca for use as a MutatingWebhookConfiguration's
// CABundle; returns nil if ca is nil (e.g. a self-signed CertSource that
// never recorded one).
func caBundlePEM(ca *x509.Certificate) []byte {
	if ca == nil {
		return nil
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: ca.Raw})
}

func certUpdaterOpts(logger logr.Logger, watchDir string) []certupdater.Option {
	opts := []certupdater.Option{certupdater.WithLogging(logger)}
	if watchDir != "" {
		opts = append(opts, certupdater.WithWatch(watchDir))
	}
	return opts
}

func setupLogger(lvl string) log.Logger {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	switch strings.ToLower(lvl) {
	case "debug":
		logger = level.NewFilter(logger, level.AllowDebug())
	case "warn":
		logger = level.NewFilter(logger, level.AllowWarn())
	case "error":
		logger = level.NewFilter(logger, level.AllowError())
	default:
		logger = level.NewFilter(logger, level.AllowInfo())
	}
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)
	logger = log.With(logger, "caller", log.DefaultCaller)
	return logger
}
