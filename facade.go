package qbsync

import (
	"fmt"

	commanddispatcher "github.com/goliatone/go-command/dispatcher"
	"github.com/goliatone/go-qbsync/adapters/gocommand"
	qbcommand "github.com/goliatone/go-qbsync/command"
	"github.com/goliatone/go-qbsync/core"
	qbquery "github.com/goliatone/go-qbsync/query"
)

type CommandQueryService interface {
	qbcommand.MutatingService
	qbcommand.SyncJobService
	qbquery.MetadataReader
	qbquery.SessionReader
}

type Commands struct {
	Bootstrap *qbcommand.BootstrapCommand
	Refresh   *qbcommand.RefreshCommand
	Sync      *qbcommand.SyncCommand
	// EnqueueSync is nil unless a job enqueuer was supplied.
	EnqueueSync *qbcommand.EnqueueSyncCommand
}

type Queries struct {
	LoadMetadata      *qbquery.LoadMetadataQuery
	LoadSessionStatus *qbquery.LoadSessionStatusQuery
	ClassifyStatuses  *qbquery.ClassifyStatusesQuery
}

type Facade struct {
	service  CommandQueryService
	commands Commands
	queries  Queries
}

type FacadeOption func(*facadeOptions)

type facadeOptions struct {
	enqueuer   core.JobEnqueuer
	classifier qbquery.StatusClassifier
}

func WithJobEnqueuer(enqueuer core.JobEnqueuer) FacadeOption {
	return func(options *facadeOptions) {
		options.enqueuer = enqueuer
	}
}

func WithStatusClassifier(classifier qbquery.StatusClassifier) FacadeOption {
	return func(options *facadeOptions) {
		options.classifier = classifier
	}
}

func NewFacade(service CommandQueryService, opts ...FacadeOption) (*Facade, error) {
	if service == nil {
		return nil, fmt.Errorf("qbsync: command/query service is required")
	}
	cfg := facadeOptions{}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&cfg)
	}
	if cfg.classifier == nil {
		cfg.classifier = resolveClassifier(service)
	}

	facade := &Facade{service: service}
	facade.commands = Commands{
		Bootstrap: qbcommand.NewBootstrapCommand(service),
		Refresh:   qbcommand.NewRefreshCommand(service),
		Sync:      qbcommand.NewSyncCommand(service),
	}
	if cfg.enqueuer != nil {
		facade.commands.EnqueueSync = qbcommand.NewEnqueueSyncCommand(service, cfg.enqueuer)
	}
	facade.queries = Queries{
		LoadMetadata:      qbquery.NewLoadMetadataQuery(service),
		LoadSessionStatus: qbquery.NewLoadSessionStatusQuery(service),
		ClassifyStatuses:  qbquery.NewClassifyStatusesQuery(cfg.classifier),
	}
	return facade, nil
}

func (f *Facade) Commands() Commands {
	if f == nil {
		return Commands{}
	}
	return f.commands
}

func (f *Facade) Queries() Queries {
	if f == nil {
		return Queries{}
	}
	return f.queries
}

func (f *Facade) Service() CommandQueryService {
	if f == nil {
		return nil
	}
	return f.service
}

// Register subscribes every handler to the go-command dispatcher and records
// it in the adapter registry. On failure the subscriptions made so far are
// released.
func (f *Facade) Register(adapter *gocommand.RegistryAdapter) (gocommand.Subscriptions, error) {
	if f == nil {
		return nil, fmt.Errorf("qbsync: facade is nil")
	}
	var subs gocommand.Subscriptions
	steps := []func() error{
		func() error { return track(&subs)(gocommand.RegisterAndSubscribe(adapter, f.commands.Bootstrap)) },
		func() error { return track(&subs)(gocommand.RegisterAndSubscribe(adapter, f.commands.Refresh)) },
		func() error { return track(&subs)(gocommand.RegisterAndSubscribe(adapter, f.commands.Sync)) },
		func() error {
			return track(&subs)(gocommand.RegisterAndSubscribeQuery(adapter, f.queries.LoadMetadata))
		},
		func() error {
			return track(&subs)(gocommand.RegisterAndSubscribeQuery(adapter, f.queries.LoadSessionStatus))
		},
		func() error {
			return track(&subs)(gocommand.RegisterAndSubscribeQuery(adapter, f.queries.ClassifyStatuses))
		},
	}
	if f.commands.EnqueueSync != nil {
		steps = append(steps, func() error {
			return track(&subs)(gocommand.RegisterAndSubscribe(adapter, f.commands.EnqueueSync))
		})
	}
	for _, step := range steps {
		if err := step(); err != nil {
			subs.Unsubscribe()
			return nil, err
		}
	}
	return subs, nil
}

func track(subs *gocommand.Subscriptions) func(commanddispatcher.Subscription, error) error {
	return func(subscription commanddispatcher.Subscription, err error) error {
		if err != nil {
			return err
		}
		*subs = append(*subs, subscription)
		return nil
	}
}

func resolveClassifier(service CommandQueryService) qbquery.StatusClassifier {
	provider, ok := service.(interface {
		Classifier() *core.ResponseClassifier
	})
	if !ok {
		return nil
	}
	if classifier := provider.Classifier(); classifier != nil {
		return classifier
	}
	return nil
}
var _ CommandQueryService = (*core.Service)(nil)
