/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package operator wires the process together: configuration, store,
// providers, the HTTP API and the controller loops.
package operator

import (
	"context"
	"fmt"
	"net/http"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/utils/clock"

	"github.com/rise-dev/rise/pkg/apiserver"
	"github.com/rise-dev/rise/pkg/auth/oidc"
	"github.com/rise-dev/rise/pkg/auth/token"
	"github.com/rise-dev/rise/pkg/auth/workload"
	"github.com/rise-dev/rise/pkg/config"
	"github.com/rise-dev/rise/pkg/controllers"
	deploymentcontroller "github.com/rise-dev/rise/pkg/controllers/deployment"
	"github.com/rise-dev/rise/pkg/controllers/expiration"
	"github.com/rise-dev/rise/pkg/controllers/extension"
	projectcontroller "github.com/rise-dev/rise/pkg/controllers/project"
	"github.com/rise-dev/rise/pkg/controllers/pullsecret"
	"github.com/rise-dev/rise/pkg/operator/options"
	"github.com/rise-dev/rise/pkg/providers/encryption"
	kubeprovider "github.com/rise-dev/rise/pkg/providers/kubernetes"
	"github.com/rise-dev/rise/pkg/providers/registry"
	"github.com/rise-dev/rise/pkg/store"
)

type Operator struct {
	logger      logr.Logger
	cfg         *config.Config
	opts        *options.Options
	store       *store.Client
	clock       clock.Clock
	server      *apiserver.Server
	controllers []controllers.Controller
}

func New(ctx context.Context, opts *options.Options) (*Operator, error) {
	zapLogger, err := zap.NewProduction()
	if err != nil {
		return nil, err
	}
	logger := zapr.NewLogger(zapLogger)

	cfg, err := config.Load(opts.ConfigFile)
	if err != nil {
		return nil, err
	}
	if opts.DatabaseURL != "" {
		cfg.Database.URL = opts.DatabaseURL
	}

	if opts.Migrate {
		if err := store.Migrate(cfg.Database.URL); err != nil {
			return nil, err
		}
	}
	st, err := store.New(ctx, cfg.Database.URL)
	if err != nil {
		return nil, err
	}

	clk := clock.RealClock{}

	broker, resolver, err := buildRegistry(ctx, cfg)
	if err != nil {
		return nil, err
	}
	encrypter, err := buildEncryption(ctx, cfg)
	if err != nil {
		return nil, err
	}

	kube, err := buildKubeClient(cfg)
	if err != nil {
		return nil, err
	}
	portChecker := kubeprovider.NewPortChecker(cfg.DeploymentController.HealthTimeout)
	reconciler := kubeprovider.NewReconciler(kube, broker, portChecker, clk, cfg)

	issuer, err := token.NewIssuer(cfg.Server.JWTSigningKeyPath, cfg.Server.PublicURL, cfg.Server.SessionTTL, clk)
	if err != nil {
		return nil, err
	}
	authenticator, err := oidc.NewAuthenticator(ctx, cfg.Auth.Issuer, cfg.Auth.ClientID, cfg.Auth.ClientSecret,
		cfg.Server.PublicURL+"/api/v1/auth/callback", st)
	if err != nil {
		return nil, err
	}
	matcher := workload.NewMatcher(st, cfg.Auth.WorkloadIssuers)

	server := apiserver.NewServer(st, cfg, issuer, authenticator, matcher, broker, resolver, encrypter, clk, logger.WithName("api"))

	engine := deploymentcontroller.NewController(st, reconciler, resolver, encrypter, clk, cfg)
	loops := append(
		controllers.Replicated(engine, cfg.DeploymentController.Workers),
		expiration.NewController(st, clk),
		pullsecret.NewController(st, reconciler, cfg.DeploymentController.PullSecretRefreshInterval),
		extension.NewController(st, map[string]extension.Reconciler{
			extension.WebhookType: extension.NewWebhook(),
		}),
		projectcontroller.NewController(st, reconciler),
	)

	return &Operator{
		logger:      logger,
		cfg:         cfg,
		opts:        opts,
		store:       st,
		clock:       clk,
		server:      server,
		controllers: loops,
	}, nil
}

// Start serves the API and drives the controller loops until the context is
// cancelled.
func (o *Operator) Start(ctx context.Context) error {
	ctx = logr.NewContext(ctx, o.logger)
	defer o.store.Close()

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", o.opts.APIPort),
		Handler:           o.server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		o.logger.Info("serving api", "port", o.opts.APIPort)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	group.Go(func() error {
		err := controllers.Run(ctx, o.clock, o.controllers...)
		if err == context.Canceled {
			return nil
		}
		return err
	})
	return group.Wait()
}

func buildRegistry(ctx context.Context, cfg *config.Config) (registry.CredentialBroker, registry.DigestResolver, error) {
	var provider registry.Provider
	switch cfg.Registry.Type {
	case config.RegistryTypeECR:
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Registry.Region))
		if err != nil {
			return nil, nil, fmt.Errorf("loading aws configuration, %w", err)
		}
		provider = registry.NewECR(registry.ECRConfig{
			RegistryURL: cfg.Registry.RegistryURL,
			AccountID:   cfg.Registry.AccountID,
			Region:      cfg.Registry.Region,
			RepoPrefix:  cfg.Registry.RepoPrefix,
			PushRoleARN: cfg.Registry.PushRoleARN,
		}, sts.NewFromConfig(awsCfg))
	default:
		provider = registry.NewDocker(cfg.Registry.RegistryURL, cfg.Registry.RepoPrefix)
	}
	// Scoped tokens are mandatory for cloud registries: a provider that
	// cannot narrow credentials to one project is rejected outright.
	broker, err := registry.NewBroker(provider, cfg.Registry.Type == config.RegistryTypeECR)
	if err != nil {
		return nil, nil, err
	}
	return broker, registry.NewResolver(broker, cfg.Registry.RegistryURL, cfg.Registry.RepoPrefix), nil
}

func buildEncryption(ctx context.Context, cfg *config.Config) (encryption.Provider, error) {
	switch cfg.Encryption.Provider {
	case config.EncryptionProviderKMS:
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("loading aws configuration, %w", err)
		}
		return encryption.NewKMS(kms.NewFromConfig(awsCfg), cfg.Encryption.KMSKeyID), nil
	default:
		return encryption.NewLocal(cfg.Encryption.LocalKeyPath)
	}
}

func buildKubeClient(cfg *config.Config) (kubernetes.Interface, error) {
	var (
		restConfig *rest.Config
		err        error
	)
	if cfg.Kubernetes.Kubeconfig != "" {
		restConfig, err = clientcmd.BuildConfigFromFlags("", cfg.Kubernetes.Kubeconfig)
	} else {
		restConfig, err = rest.InClusterConfig()
	}
	if err != nil {
		return nil, fmt.Errorf("building kubernetes client configuration, %w", err)
	}
	return kubernetes.NewForConfig(restConfig)
}
