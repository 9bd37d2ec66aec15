package core

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/goliatone/go-config/cfgx"
	goerrors "github.com/goliatone/go-errors"
	glog "github.com/goliatone/go-logger/glog"
	opts "github.com/goliatone/go-options"
	"gopkg.in/yaml.v3"
)

type ErrorMapper func(err error) *goerrors.Error

type ConfigProvider interface {
	Load(ctx context.Context, defaults Config) (Config, error)
}

type RawConfigLoader interface {
	LoadRaw(ctx context.Context) (map[string]any, error)
}

type OptionsResolver interface {
	Resolve(defaults Config, loaded Config, runtime Config) (Config, error)
}

type serviceBuilder struct {
	runtimeConfig   Config
	logger          Logger
	loggerProvider  LoggerProvider
	metricsRecorder MetricsRecorder
	errorMapper     ErrorMapper
	configProvider  ConfigProvider
	optionsResolver OptionsResolver
	gateway         MetadataGateway
	tokenEndpoint   TokenEndpoint
	accountingAPI   AccountingAPI
	notifier        Notifier
	redirector      Redirector
	lineageLocker   LineageLocker
	oauthStateStore OAuthStateStore
	lockBackoff     BackoffScheduler
	classifier      *ResponseClassifier
	now             func() time.Time
}

type Option func(*serviceBuilder)

func WithLogger(logger Logger) Option {
	return func(b *serviceBuilder) {
		b.logger = logger
	}
}

func WithLoggerProvider(provider LoggerProvider) Option {
	return func(b *serviceBuilder) {
		b.loggerProvider = provider
	}
}

func WithMetricsRecorder(recorder MetricsRecorder) Option {
	return func(b *serviceBuilder) {
		b.metricsRecorder = recorder
	}
}

func WithErrorMapper(mapper ErrorMapper) Option {
	return func(b *serviceBuilder) {
		b.errorMapper = mapper
	}
}

func WithConfigProvider(provider ConfigProvider) Option {
	return func(b *serviceBuilder) {
		b.configProvider = provider
	}
}

func WithOptionsResolver(resolver OptionsResolver) Option {
	return func(b *serviceBuilder) {
		b.optionsResolver = resolver
	}
}

func WithMetadataGateway(gateway MetadataGateway) Option {
	return func(b *serviceBuilder) {
		b.gateway = gateway
	}
}

func WithTokenEndpoint(endpoint TokenEndpoint) Option {
	return func(b *serviceBuilder) {
		b.tokenEndpoint = endpoint
	}
}

func WithAccountingAPI(api AccountingAPI) Option {
	return func(b *serviceBuilder) {
		b.accountingAPI = api
	}
}

func WithNotifier(notifier Notifier) Option {
	return func(b *serviceBuilder) {
		b.notifier = notifier
	}
}

func WithRedirector(redirector Redirector) Option {
	return func(b *serviceBuilder) {
		b.redirector = redirector
	}
}

func WithLineageLocker(locker LineageLocker) Option {
	return func(b *serviceBuilder) {
		b.lineageLocker = locker
	}
}

func WithOAuthStateStore(store OAuthStateStore) Option {
	return func(b *serviceBuilder) {
		b.oauthStateStore = store
	}
}

func WithLockBackoffScheduler(scheduler BackoffScheduler) Option {
	return func(b *serviceBuilder) {
		b.lockBackoff = scheduler
	}
}

func WithClock(now func() time.Time) Option {
	return func(b *serviceBuilder) {
		b.now = now
	}
}

func defaultServiceBuilder(runtime Config) serviceBuilder {
	loggerProvider, logger := glog.Resolve("qbsync", nil, nil)
	return serviceBuilder{
		runtimeConfig:   runtime,
		loggerProvider:  loggerProvider,
		logger:          logger,
		metricsRecorder: NopMetricsRecorder{},
		errorMapper:     defaultErrorMapper,
		configProvider:  NewCfgxConfigProvider(nil),
		optionsResolver: GoOptionsResolver{},
		lineageLocker:   NewMemoryLineageLocker(),
		lockBackoff:     ExponentialBackoffScheduler{},
		classifier:      NewResponseClassifier(),
		now:             func() time.Time { return time.Now().UTC() },
	}
}

func defaultErrorMapper(err error) *goerrors.Error {
	if err == nil {
		return nil
	}
	return serviceErrorMapper(err)
}

type staticRawConfigLoader struct {
	Values map[string]any
}

func (l staticRawConfigLoader) LoadRaw(context.Context) (map[string]any, error) {
	if len(l.Values) == 0 {
		return map[string]any{}, nil
	}
	out := make(map[string]any, len(l.Values))
	for key, value := range l.Values {
		out[key] = value
	}
	return out, nil
}

// YAMLConfigLoader reads the raw configuration map from a YAML file. A
// missing file yields an empty map unless Required is set.
type YAMLConfigLoader struct {
	Path     string
	Required bool
}

func (l YAMLConfigLoader) LoadRaw(context.Context) (map[string]any, error) {
	path := strings.TrimSpace(l.Path)
	if path == "" {
		return map[string]any{}, nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !l.Required {
			return map[string]any{}, nil
		}
		return nil, fmt.Errorf("core: read config file %q: %w", path, err)
	}
	raw := map[string]any{}
	if err := yaml.Unmarshal(content, &raw); err != nil {
		return nil, fmt.Errorf("core: decode config file %q: %w", path, err)
	}
	return raw, nil
}

type CfgxConfigProvider struct {
	Loader RawConfigLoader
}

func NewCfgxConfigProvider(loader RawConfigLoader) *CfgxConfigProvider {
	return &CfgxConfigProvider{Loader: loader}
}

func (p *CfgxConfigProvider) Load(ctx context.Context, defaults Config) (Config, error) {
	if p == nil {
		return defaults, nil
	}
	loader := p.Loader
	if loader == nil {
		loader = staticRawConfigLoader{}
	}
	raw, err := loader.LoadRaw(ctx)
	if err != nil {
		return Config{}, err
	}
	cfg, err := cfgx.Build[Config](raw,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

type GoOptionsResolver struct{}

func (GoOptionsResolver) Resolve(defaults Config, loaded Config, runtime Config) (Config, error) {
	stack, err := opts.NewStack(
		opts.NewLayer(
			opts.NewScope("defaults", 0),
			configToLayerMap(defaults, true),
			opts.WithSnapshotID[map[string]any]("defaults"),
		),
		opts.NewLayer(
			opts.NewScope("config", 10),
			configToLayerMap(loaded, false),
			opts.WithSnapshotID[map[string]any]("config"),
		),
		opts.NewLayer(
			opts.NewScope("runtime", 20),
			configToLayerMap(runtime, false),
			opts.WithSnapshotID[map[string]any]("runtime"),
		),
	)
	if err != nil {
		return Config{}, fmt.Errorf("core: options stack build failed: %w", err)
	}
	merged, err := stack.Merge()
	if err != nil {
		return Config{}, fmt.Errorf("core: options merge failed: %w", err)
	}
	resolved, err := cfgx.Build[Config](merged.Value,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	if err := resolved.Validate(); err != nil {
		return Config{}, err
	}
	return resolved, nil
}

func configToLayerMap(cfg Config, includeZero bool) map[string]any {
	layer := map[string]any{}
	if includeZero || strings.TrimSpace(cfg.ServiceName) != "" {
		layer["service_name"] = cfg.ServiceName
	}

	oauth := map[string]any{}
	putString(oauth, "auth_url", cfg.OAuth.AuthURL, includeZero)
	putString(oauth, "token_url", cfg.OAuth.TokenURL, includeZero)
	putString(oauth, "state_mode", cfg.OAuth.StateMode, includeZero)
	putString(oauth, "static_state", cfg.OAuth.StaticState, includeZero)
	putInt(oauth, "state_ttl_seconds", cfg.OAuth.StateTTLSeconds, includeZero)
	if includeZero || len(cfg.OAuth.Scopes) > 0 {
		oauth["scopes"] = append([]string(nil), cfg.OAuth.Scopes...)
	}
	if len(oauth) > 0 {
		layer["oauth"] = oauth
	}

	sync := map[string]any{}
	if includeZero || cfg.Sync.ReplayAfterRefresh {
		sync["replay_after_refresh"] = cfg.Sync.ReplayAfterRefresh
	}
	putString(sync, "api_base_url", cfg.Sync.APIBaseURL, includeZero)
	putInt(sync, "minor_version", cfg.Sync.MinorVersion, includeZero)
	if includeZero || cfg.Sync.RequestsPerSecond != 0 {
		sync["requests_per_second"] = cfg.Sync.RequestsPerSecond
	}
	putInt(sync, "burst", cfg.Sync.Burst, includeZero)
	putInt(sync, "breaker_failure_threshold", cfg.Sync.BreakerFailureThreshold, includeZero)
	putInt(sync, "breaker_timeout_seconds", cfg.Sync.BreakerTimeoutSeconds, includeZero)
	putInt(sync, "request_timeout_seconds", cfg.Sync.RequestTimeoutSeconds, includeZero)
	if len(sync) > 0 {
		layer["sync"] = sync
	}

	refresh := map[string]any{}
	putInt(refresh, "lock_ttl_seconds", cfg.Refresh.LockTTLSeconds, includeZero)
	putInt(refresh, "lock_attempts", cfg.Refresh.LockAttempts, includeZero)
	if len(refresh) > 0 {
		layer["refresh"] = refresh
	}
	return layer
}

func putString(layer map[string]any, key string, value string, includeZero bool) {
	if includeZero || strings.TrimSpace(value) != "" {
		layer[key] = value
	}
}

func putInt(layer map[string]any, key string, value int, includeZero bool) {
	if includeZero || value != 0 {
		layer[key] = value
	}
}
