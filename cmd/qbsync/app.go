package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	persistence "github.com/goliatone/go-persistence-bun"
	qbsync "github.com/goliatone/go-qbsync"
	"github.com/goliatone/go-qbsync/adapters/gologger"
	"github.com/goliatone/go-qbsync/core"
	"github.com/goliatone/go-qbsync/lock/redislock"
	"github.com/goliatone/go-qbsync/providers/intuit"
	"github.com/goliatone/go-qbsync/security"
	sqlstore "github.com/goliatone/go-qbsync/store/sql"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
)

// storeHandle is an open database plus the metadata gateway on top of it.
type storeHandle struct {
	client  *persistence.Client
	gateway *sqlstore.MetadataGateway
	dialect string
}

func (h *storeHandle) Close() error {
	if h == nil || h.client == nil {
		return nil
	}
	return h.client.Close()
}

func openStore(opts *rootOptions, withSecrets bool) (*storeHandle, error) {
	dbCfg := sqlstore.DatabaseConfig{Driver: opts.dbDriver, DSN: opts.dbDSN, Debug: opts.dbDebug}
	dialect, err := dbCfg.MigrationDialect()
	if err != nil {
		return nil, err
	}
	client, err := sqlstore.Open(dbCfg)
	if err != nil {
		return nil, err
	}

	gatewayOpts := []sqlstore.GatewayOption{sqlstore.WithIntegrationName(opts.integration)}
	if withSecrets {
		if strings.TrimSpace(opts.appKey) == "" {
			_ = client.Close()
			return nil, fmt.Errorf("qbsync: --app-key or %s is required", envAppKey)
		}
		secrets, err := security.NewAppKeySecretProviderFromString(opts.appKey)
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		gatewayOpts = append(gatewayOpts, sqlstore.WithSecretProvider(secrets))
	}

	factory, err := sqlstore.NewRepositoryFactoryFromPersistence(client, gatewayOpts...)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return &storeHandle{client: client, gateway: factory.MetadataGateway(), dialect: dialect}, nil
}

// app is everything a flow command needs.
type app struct {
	store   *storeHandle
	service *core.Service
	facade  *qbsync.Facade
	closers []func() error
}

func (r *app) Close() error {
	var first error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func loadConfig(ctx context.Context, opts *rootOptions) (core.Config, *core.CfgxConfigProvider, error) {
	provider := core.NewCfgxConfigProvider(core.YAMLConfigLoader{
		Path:     opts.configPath,
		Required: strings.TrimSpace(opts.configPath) != "",
	})
	cfg, err := provider.Load(ctx, core.DefaultConfig())
	if err != nil {
		return core.Config{}, nil, err
	}
	return cfg, provider, nil
}

func newApp(ctx context.Context, opts *rootOptions, out io.Writer, logOut io.Writer) (*app, error) {
	cfg, provider, err := loadConfig(ctx, opts)
	if err != nil {
		return nil, err
	}

	rt := &app{}
	store, err := openStore(opts, true)
	if err != nil {
		return nil, err
	}
	rt.store = store
	rt.closers = append(rt.closers, store.Close)

	level := gologger.ParseLevel(opts.logLevel)
	logger := gologger.NewSlogLogger(slog.New(slog.NewTextHandler(logOut, &slog.HandlerOptions{Level: level})), level)

	tokens, err := intuit.NewTokenClientFromConfig(cfg.OAuth, nil)
	if err != nil {
		_ = rt.Close()
		return nil, err
	}
	accountingCfg := intuit.AccountingClientConfigFromSync(cfg.Sync)
	accountingCfg.Logger = logger
	accounting, err := intuit.NewAccountingClient(accountingCfg)
	if err != nil {
		_ = rt.Close()
		return nil, err
	}

	gateway, err := metadataGateway(store, opts)
	if err != nil {
		_ = rt.Close()
		return nil, err
	}

	serviceOpts := []core.Option{
		core.WithConfigProvider(provider),
		core.WithLogger(logger),
		core.WithLoggerProvider(logger),
		core.WithMetadataGateway(gateway),
		core.WithTokenEndpoint(tokens),
		core.WithAccountingAPI(accounting),
		core.WithNotifier(&printNotifier{out: out}),
		core.WithRedirector(&printRedirector{out: out}),
	}
	if strings.TrimSpace(opts.redisURL) != "" {
		locker, client, err := redislock.NewFromURL(ctx, opts.redisURL)
		if err != nil {
			_ = rt.Close()
			return nil, err
		}
		rt.closers = append(rt.closers, client.Close)
		serviceOpts = append(serviceOpts, core.WithLineageLocker(locker))
	}

	svc, err := core.NewService(cfg, serviceOpts...)
	if err != nil {
		_ = rt.Close()
		return nil, err
	}
	facade, err := qbsync.NewFacade(svc)
	if err != nil {
		_ = rt.Close()
		return nil, err
	}
	rt.service = svc
	rt.facade = facade
	return rt, nil
}

func metadataGateway(store *storeHandle, opts *rootOptions) (core.MetadataGateway, error) {
	if opts.cacheTTL <= 0 {
		return store.gateway, nil
	}
	config := repositorycache.DefaultConfig()
	config.TTL = opts.cacheTTL
	cacheService, err := repositorycache.NewCacheService(config)
	if err != nil {
		return nil, err
	}
	return sqlstore.NewCachedMetadataGateway(store.gateway, cacheService)
}
