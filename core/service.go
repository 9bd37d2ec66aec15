package core

import (
	"context"
	"fmt"
	"time"

	glog "github.com/goliatone/go-logger/glog"
)

type Service struct {
	config      Config
	logger      Logger
	errorMapper ErrorMapper
	obs         *observer
	gateway     MetadataGateway

	flow         *AuthorizationFlowController
	refresher    *TokenRefreshCoordinator
	orchestrator *SyncOrchestrator
	classifier   *ResponseClassifier
}

func NewService(cfg Config, opts ...Option) (*Service, error) {
	builder := defaultServiceBuilder(cfg)
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&builder)
	}

	provider, logger := glog.Resolve("qbsync", builder.loggerProvider, builder.logger)
	logger = glog.Ensure(logger)
	if provider != nil {
		if named := provider.GetLogger("qbsync"); named != nil {
			logger = glog.Ensure(named)
		}
	}

	if builder.metricsRecorder == nil {
		builder.metricsRecorder = NopMetricsRecorder{}
	}
	if builder.errorMapper == nil {
		builder.errorMapper = defaultErrorMapper
	}
	if builder.configProvider == nil {
		builder.configProvider = NewCfgxConfigProvider(nil)
	}
	if builder.optionsResolver == nil {
		builder.optionsResolver = GoOptionsResolver{}
	}
	if builder.lineageLocker == nil {
		builder.lineageLocker = NewMemoryLineageLocker()
	}
	if builder.lockBackoff == nil {
		builder.lockBackoff = ExponentialBackoffScheduler{}
	}
	if builder.classifier == nil {
		builder.classifier = NewResponseClassifier()
	}
	if builder.now == nil {
		builder.now = func() time.Time { return time.Now().UTC() }
	}

	defaults := DefaultConfig()
	loaded, err := builder.configProvider.Load(context.Background(), defaults)
	if err != nil {
		return nil, mapBuildError(builder.errorMapper, err)
	}
	finalConfig, err := builder.optionsResolver.Resolve(defaults, loaded, builder.runtimeConfig)
	if err != nil {
		return nil, mapBuildError(builder.errorMapper, err)
	}

	if builder.gateway == nil {
		return nil, mapBuildError(builder.errorMapper, fmt.Errorf("core: metadata gateway is required"))
	}
	if builder.tokenEndpoint == nil {
		return nil, mapBuildError(builder.errorMapper, fmt.Errorf("core: token endpoint is required"))
	}
	if builder.oauthStateStore == nil {
		builder.oauthStateStore = NewMemoryOAuthStateStore(finalConfig.OAuth.StateTTL())
	}

	obs := &observer{logger: logger, metrics: builder.metricsRecorder}
	writer := &lineageWriter{
		locker:   builder.lineageLocker,
		backoff:  builder.lockBackoff,
		ttl:      finalConfig.Refresh.LockTTL(),
		attempts: finalConfig.Refresh.LockAttempts,
	}
	flow := &AuthorizationFlowController{
		obs:        obs,
		gateway:    builder.gateway,
		tokens:     builder.tokenEndpoint,
		redirector: builder.redirector,
		notifier:   builder.notifier,
		states:     builder.oauthStateStore,
		writer:     writer,
		config:     finalConfig.OAuth,
		now:        builder.now,
	}
	refresher := &TokenRefreshCoordinator{
		obs:     obs,
		gateway: builder.gateway,
		tokens:  builder.tokenEndpoint,
		flow:    flow,
		writer:  writer,
		now:     builder.now,
	}

	svc := &Service{
		config:      finalConfig,
		logger:      logger,
		errorMapper: builder.errorMapper,
		obs:         obs,
		gateway:     builder.gateway,
		flow:        flow,
		refresher:   refresher,
		classifier:  builder.classifier,
	}
	if builder.accountingAPI != nil {
		svc.orchestrator = &SyncOrchestrator{
			obs:        obs,
			api:        builder.accountingAPI,
			classifier: builder.classifier,
			refresher:  refresher,
			notifier:   builder.notifier,
			replay:     finalConfig.Sync.ReplayAfterRefresh,
		}
	}
	return svc, nil
}

func mapBuildError(mapper ErrorMapper, err error) error {
	if err == nil {
		return nil
	}
	if mapper == nil {
		return err
	}
	mapped := mapper(err)
	if mapped == nil {
		return err
	}
	return mapped
}

func (s *Service) Config() Config {
	if s == nil {
		return Config{}
	}
	return s.config
}

func (s *Service) Logger() Logger {
	if s == nil {
		return nil
	}
	return s.logger
}

func (s *Service) AuthorizationFlow() *AuthorizationFlowController {
	return s.flow
}

func (s *Service) RefreshCoordinator() *TokenRefreshCoordinator {
	return s.refresher
}

func (s *Service) Orchestrator() *SyncOrchestrator {
	return s.orchestrator
}

func (s *Service) Classifier() *ResponseClassifier {
	return s.classifier
}

// Bootstrap resolves the token state for a new session from the stored
// record and the callback parameters.
func (s *Service) Bootstrap(ctx context.Context, callback AuthorizationRequestContext) (result BootstrapResult, err error) {
	startedAt := time.Now().UTC()
	fields := map[string]any{"realm_id": callback.RealmID}
	defer func() {
		fields["flow_state"] = string(result.Session.Flow)
		if result.Cause != nil {
			fields["cause"] = result.Cause.Error()
		}
		s.obs.observeOperation(ctx, startedAt, "bootstrap", err, fields)
	}()

	result, err = s.flow.Bootstrap(ctx, callback)
	return result, s.mapError(err)
}

// LoadSession reads the stored record into a session without running the
// authorization flow.
func (s *Service) LoadSession(ctx context.Context) (session SessionState, err error) {
	startedAt := time.Now().UTC()
	fields := map[string]any{}
	defer func() {
		fields["realm_id"] = session.RealmID()
		s.obs.observeOperation(ctx, startedAt, "load_session", err, fields)
	}()

	metadata, err := s.gateway.FetchMetadata(ctx)
	if err != nil {
		return SessionState{}, s.mapError(NewPersistenceError(err, "core: fetch integration metadata"))
	}
	session = NewSessionState(metadata, AuthorizationRequestContext{})
	if metadata.HasTokens() {
		session.Flow = FlowStateReady
	}
	return session, nil
}

func (s *Service) Refresh(ctx context.Context, session SessionState) (result RefreshResult, err error) {
	startedAt := time.Now().UTC()
	fields := map[string]any{"realm_id": session.RealmID()}
	defer func() {
		fields["reused"] = result.Reused
		fields["shared"] = result.Shared
		s.obs.observeOperation(ctx, startedAt, "refresh", err, fields)
	}()

	result, err = s.refresher.Refresh(ctx, session)
	return result, s.mapError(err)
}

func (s *Service) Sync(ctx context.Context, req SyncRequest) (result SyncResult, err error) {
	startedAt := time.Now().UTC()
	fields := map[string]any{"realm_id": req.Session.RealmID()}
	defer func() {
		fields["outcome"] = string(result.Outcome)
		fields["refreshed"] = result.Refreshed
		fields["replayed"] = result.Replayed
		if result.Cause != nil {
			fields["cause"] = result.Cause.Error()
		}
		s.obs.observeOperation(ctx, startedAt, "sync", err, fields)
	}()

	if s.orchestrator == nil {
		return SyncResult{Session: req.Session}, s.mapError(fmt.Errorf("core: accounting api is required for sync"))
	}
	result, err = s.orchestrator.Sync(ctx, req)
	return result, s.mapError(err)
}

func (s *Service) mapError(err error) error {
	if err == nil {
		return nil
	}
	if s == nil || s.errorMapper == nil {
		return err
	}
	mapped := s.errorMapper(err)
	if mapped == nil {
		return err
	}
	return mapped
}

// FetchMetadata reads the stored record through the configured gateway.
func (s *Service) FetchMetadata(ctx context.Context) (IntegrationMetadata, error) {
	metadata, err := s.gateway.FetchMetadata(ctx)
	if err != nil {
		return IntegrationMetadata{}, s.mapError(NewPersistenceError(err, "core: fetch integration metadata"))
	}
	return metadata, nil
}
