// Package service assembles a running service from validated configuration:
// key info store, providers, registry, authenticators, dispatcher, front
// end and the metrics endpoint, with one place owning startup order and
// shutdown order.
package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/Superhepper/parsec/internal/auth"
	"github.com/Superhepper/parsec/internal/config"
	"github.com/Superhepper/parsec/internal/dispatch"
	"github.com/Superhepper/parsec/internal/front"
	"github.com/Superhepper/parsec/internal/keyinfo"
	"github.com/Superhepper/parsec/internal/keystore"
	"github.com/Superhepper/parsec/internal/logging"
	"github.com/Superhepper/parsec/internal/metrics"
	"github.com/Superhepper/parsec/internal/providers"
	"github.com/Superhepper/parsec/internal/providers/pkcs11hsm"
	"github.com/Superhepper/parsec/internal/providers/software"
	"github.com/Superhepper/parsec/internal/providers/tpm"
)

// Service is a fully wired instance. Build one with New, drive it with Run
// and stop it with Shutdown.
type Service struct {
	cfg *config.Config
	log *logging.Logger

	store    keyinfo.Manager
	registry *providers.Registry
	disp     *dispatch.Dispatcher
	front    *front.Server
	metrics  *metrics.Server
}

// New builds every component from the validated configuration. On failure
// everything already built is torn down.
func New(ctx context.Context, cfg *config.Config, log *logging.Logger, version string) (*Service, error) {
	store, err := openStore(cfg, log)
	if err != nil {
		return nil, err
	}

	registry, err := buildRegistry(ctx, cfg, log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	selector, err := buildAuthenticators(cfg)
	if err != nil {
		_ = registry.Close()
		_ = store.Close()
		return nil, err
	}

	reqMetrics := metrics.NewRequestMetrics()
	disp := dispatch.New(dispatch.Config{
		Registry: registry,
		Store:    store,
		Auth:     selector,
		Metrics:  reqMetrics,
		Log:      log,
		Version:  version,
	})

	return &Service{
		cfg:      cfg,
		log:      log,
		store:    store,
		registry: registry,
		disp:     disp,
		front: front.New(front.Config{
			SocketPath: cfg.Listener.SocketPath,
			BodyLimit:  cfg.Listener.BodyLimit,
		}, disp, reqMetrics, log),
		metrics: metrics.NewServer(metricsConfig(cfg), log),
	}, nil
}

// Run recovers interrupted intents, binds the socket and serves until the
// listener is shut down. It returns once Serve stops.
func (s *Service) Run(ctx context.Context) error {
	if err := s.disp.Recover(ctx); err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}
	if err := s.metrics.Start(); err != nil {
		return fmt.Errorf("start metrics endpoint: %w", err)
	}
	if err := s.front.Listen(); err != nil {
		return err
	}
	s.log.Info("serving %d provider(s), default %s", len(s.registry.List()), s.registry.DefaultID())
	return s.front.Serve(ctx)
}

// Shutdown drains the front end, stops the metrics endpoint and closes the
// providers and the store, in that order. Safe to call once Run returned.
func (s *Service) Shutdown(ctx context.Context) error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	keep(s.front.Shutdown(ctx))
	keep(s.metrics.Stop(ctx))
	keep(s.registry.Close())
	keep(s.store.Close())
	return firstErr
}

// Dispatcher exposes the request core, for in-process callers and tests.
func (s *Service) Dispatcher() *dispatch.Dispatcher {
	return s.disp
}

// Check probes every configured provider and the key info store, collecting
// all failures rather than stopping at the first.
func (s *Service) Check(ctx context.Context) error {
	var problems []error
	for _, p := range s.registry.List() {
		info := p.Describe()
		if err := p.Check(ctx); err != nil {
			s.log.Error("provider %s: %v", info.Name, err)
			problems = append(problems, fmt.Errorf("provider %s: %w", info.Name, err))
			continue
		}
		s.log.Info("provider %s: ok", info.Name)
	}

	// A snapshot of a never-used namespace exercises the store end to end
	// without touching any real entry.
	if _, err := s.store.List(ctx, "parsec-check"); err != nil {
		s.log.Error("key info store: %v", err)
		problems = append(problems, fmt.Errorf("key info store: %w", err))
	} else {
		s.log.Info("key info store: ok")
	}
	return errors.Join(problems...)
}

func openStore(cfg *config.Config, log *logging.Logger) (keyinfo.Manager, error) {
	kim := cfg.KeyInfoManager
	switch kim.Type {
	case "sql":
		store, err := keyinfo.NewSQL(kim.Driver, kim.DSN, cfg.KeyAliasing, log)
		if err != nil {
			return nil, fmt.Errorf("open sql key info store: %w", err)
		}
		return store, nil
	default:
		store, err := keyinfo.NewOnDisk(kim.Path, cfg.KeyAliasing, log)
		if err != nil {
			return nil, fmt.Errorf("open key info store at %s: %w", kim.Path, err)
		}
		return store, nil
	}
}

func buildRegistry(ctx context.Context, cfg *config.Config, log *logging.Logger) (*providers.Registry, error) {
	built := make([]providers.Provider, 0, len(cfg.Providers))
	fail := func(err error) (*providers.Registry, error) {
		for _, p := range built {
			_ = p.Close()
		}
		return nil, err
	}

	for _, pc := range cfg.Providers {
		switch pc.Type {
		case config.ProviderTypeSoftware:
			store, err := keystore.Open(ctx, *pc.KeyStore, log)
			if err != nil {
				return fail(fmt.Errorf("open software key store: %w", err))
			}
			p, err := software.New(ctx, store, pc.RootKey, log)
			if err != nil {
				_ = store.Close()
				return fail(fmt.Errorf("build software provider: %w", err))
			}
			built = append(built, p)

		case config.ProviderTypePKCS11:
			p, err := pkcs11hsm.New(ctx, pkcs11hsm.Config{
				ModulePath:  pc.ModulePath,
				TokenLabel:  pc.TokenLabel,
				SlotID:      pc.SlotID,
				UserPIN:     pc.UserPIN,
				MaxSessions: pc.MaxSessions,
			}, log)
			if err != nil {
				return fail(fmt.Errorf("build pkcs11 provider: %w", err))
			}
			built = append(built, p)

		case config.ProviderTypeTPM:
			p, err := tpm.New(ctx, tpm.Config{
				Device:        pc.Device,
				HierarchyAuth: pc.HierarchyAuth,
			}, log)
			if err != nil {
				return fail(fmt.Errorf("build tpm provider: %w", err))
			}
			built = append(built, p)
		}
	}

	registry, err := providers.NewRegistry(cfg.DefaultProviderID(), built...)
	if err != nil {
		return fail(err)
	}
	return registry, nil
}

func buildAuthenticators(cfg *config.Config) (*auth.Selector, error) {
	auths := make([]auth.Authenticator, 0, len(cfg.Authenticators))
	for _, a := range cfg.Authenticators {
		switch a.Type {
		case "direct":
			auths = append(auths, auth.NewDirect())
		case "unix-peer":
			auths = append(auths, auth.NewUnixPeer())
		}
	}
	return auth.NewSelector(auths...)
}

func metricsConfig(cfg *config.Config) metrics.ServerConfig {
	mc := metrics.DefaultServerConfig()
	mc.Enabled = cfg.Metrics.Enabled
	if cfg.Metrics.Addr != "" {
		mc.Addr = cfg.Metrics.Addr
	}
	return mc
}
