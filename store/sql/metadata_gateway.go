package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-qbsync/core"
	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

const DefaultIntegrationName = "quickbooks"

type GatewayOption func(*MetadataGateway)

// WithIntegrationName selects which metadata row the gateway reads and
// writes.
func WithIntegrationName(name string) GatewayOption {
	return func(g *MetadataGateway) {
		if trimmed := strings.TrimSpace(name); trimmed != "" {
			g.name = trimmed
		}
	}
}

// WithSecretProvider seals the client secret and token pair at rest.
func WithSecretProvider(provider core.SecretProvider) GatewayOption {
	return func(g *MetadataGateway) {
		g.secrets = provider
	}
}

func WithClock(now func() time.Time) GatewayOption {
	return func(g *MetadataGateway) {
		if now != nil {
			g.now = now
		}
	}
}

// MetadataGateway persists IntegrationMetadata in a single named row.
type MetadataGateway struct {
	db      *bun.DB
	repo    repository.Repository[*integrationMetadataRecord]
	secrets core.SecretProvider
	name    string
	now     func() time.Time
}

func NewMetadataGateway(db *bun.DB, opts ...GatewayOption) (*MetadataGateway, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*integrationMetadataRecord](db, integrationMetadataHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid integration metadata repository wiring: %w", err)
		}
	}
	gateway := &MetadataGateway{
		db:   db,
		repo: repo,
		name: DefaultIntegrationName,
		now:  func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(gateway)
	}
	return gateway, nil
}

func (g *MetadataGateway) Name() string {
	if g == nil {
		return ""
	}
	return g.name
}

func (g *MetadataGateway) FetchMetadata(ctx context.Context) (core.IntegrationMetadata, error) {
	if g == nil || g.repo == nil {
		return core.IntegrationMetadata{}, core.NewPersistenceError(nil, "sqlstore: metadata gateway is not configured")
	}
	records, _, err := g.repo.List(ctx,
		repository.SelectBy("name", "=", g.name),
		repository.SelectPaginate(1, 0),
	)
	if err != nil {
		return core.IntegrationMetadata{}, core.NewPersistenceError(err, "sqlstore: load integration metadata")
	}
	if len(records) == 0 {
		return core.IntegrationMetadata{}, core.NewPersistenceError(nil,
			fmt.Sprintf("sqlstore: integration metadata %q not found", g.name))
	}
	metadata, err := g.open(ctx, records[0])
	if err != nil {
		return core.IntegrationMetadata{}, core.NewPersistenceError(err, "sqlstore: open integration metadata")
	}
	return metadata, nil
}

// UpdateMetadata merges patch into the stored row inside a transaction. The
// client secret is re-sealed when the secret provider reports it was written
// under a retired key.
func (g *MetadataGateway) UpdateMetadata(ctx context.Context, patch core.MetadataPatch) error {
	if g == nil || g.db == nil {
		return core.NewPersistenceError(nil, "sqlstore: metadata gateway is not configured")
	}
	if err := patch.Validate(); err != nil {
		return core.NewPersistenceError(err, "sqlstore: invalid metadata patch")
	}

	err := g.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		record, err := g.findTx(ctx, tx)
		if err != nil {
			return err
		}
		if record == nil {
			return fmt.Errorf("sqlstore: integration metadata %q not found", g.name)
		}

		current, err := g.open(ctx, record)
		if err != nil {
			return err
		}
		next := patch.Apply(current, g.now())
		if g.needsRotation(record.ClientSecret) {
			sealed, sealErr := g.seal(ctx, next.ClientSecret)
			if sealErr != nil {
				return sealErr
			}
			record.ClientSecret = sealed
		}
		if err := g.sealTokens(ctx, record, next); err != nil {
			return err
		}
		record.RealmID = next.RealmID
		record.AuthorizationCode = next.AuthorizationCode
		record.UpdatedAt = next.UpdatedAt
		g.stampKey(record)

		_, err = tx.NewUpdate().
			Model(record).
			Column("client_secret", "access_token", "refresh_token", "realm_id", "authorization_code",
				"encryption_key_id", "encryption_version", "updated_at").
			Where("id = ?", record.ID).
			Exec(ctx)
		return err
	})
	if err != nil {
		return core.NewPersistenceError(err, "sqlstore: update integration metadata")
	}
	return nil
}

// Provision writes the out-of-band configuration fields (client id, secret
// and redirect uri), creating the row when it does not exist. Stored tokens
// are kept.
func (g *MetadataGateway) Provision(ctx context.Context, metadata core.IntegrationMetadata) error {
	if g == nil || g.db == nil || g.repo == nil {
		return fmt.Errorf("sqlstore: metadata gateway is not configured")
	}
	metadata.ClientID = strings.TrimSpace(metadata.ClientID)
	metadata.RedirectURI = strings.TrimSpace(metadata.RedirectURI)
	if metadata.ClientID == "" || strings.TrimSpace(metadata.ClientSecret) == "" || metadata.RedirectURI == "" {
		return fmt.Errorf("sqlstore: client id, client secret and redirect uri are required")
	}
	secret, err := g.seal(ctx, metadata.ClientSecret)
	if err != nil {
		return err
	}
	now := g.now()

	return g.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		record, err := g.findTx(ctx, tx)
		if err != nil {
			return err
		}
		if record == nil {
			record = &integrationMetadataRecord{
				ID:           uuid.NewString(),
				Name:         g.name,
				ClientID:     metadata.ClientID,
				ClientSecret: secret,
				RedirectURI:  metadata.RedirectURI,
				CreatedAt:    now,
				UpdatedAt:    now,
			}
			g.stampKey(record)
			if _, createErr := g.repo.CreateTx(ctx, tx, record); createErr != nil {
				if isUniqueViolation(createErr) {
					return fmt.Errorf("sqlstore: integration metadata %q was provisioned concurrently: %w", g.name, createErr)
				}
				return createErr
			}
			return nil
		}

		record.ClientID = metadata.ClientID
		record.ClientSecret = secret
		record.RedirectURI = metadata.RedirectURI
		record.UpdatedAt = now
		if record.AccessToken != "" && g.needsRotation(record.AccessToken) {
			current, openErr := g.open(ctx, record)
			if openErr != nil {
				return openErr
			}
			if err := g.sealTokens(ctx, record, current); err != nil {
				return err
			}
		}
		g.stampKey(record)
		_, err = tx.NewUpdate().
			Model(record).
			Column("client_id", "client_secret", "redirect_uri", "access_token", "refresh_token",
				"encryption_key_id", "encryption_version", "updated_at").
			Where("id = ?", record.ID).
			Exec(ctx)
		return err
	})
}

func (g *MetadataGateway) findTx(ctx context.Context, tx bun.Tx) (*integrationMetadataRecord, error) {
	record := &integrationMetadataRecord{}
	err := tx.NewSelect().
		Model(record).
		Where("?TableAlias.name = ?", g.name).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return record, nil
}

func (g *MetadataGateway) open(ctx context.Context, record *integrationMetadataRecord) (core.IntegrationMetadata, error) {
	metadata := record.toDomain()
	fields := []*string{
		&metadata.ClientSecret,
		&metadata.AccessToken,
		&metadata.RefreshToken,
	}
	for _, field := range fields {
		opened, err := g.openValue(ctx, *field)
		if err != nil {
			return core.IntegrationMetadata{}, err
		}
		*field = opened
	}
	return metadata, nil
}

func (g *MetadataGateway) sealTokens(ctx context.Context, record *integrationMetadataRecord, metadata core.IntegrationMetadata) error {
	access, err := g.seal(ctx, metadata.AccessToken)
	if err != nil {
		return err
	}
	refresh, err := g.seal(ctx, metadata.RefreshToken)
	if err != nil {
		return err
	}
	record.AccessToken = access
	record.RefreshToken = refresh
	return nil
}

func (g *MetadataGateway) seal(ctx context.Context, value string) (string, error) {
	if g.secrets == nil || value == "" {
		return value, nil
	}
	sealed, err := g.secrets.Encrypt(ctx, []byte(value))
	if err != nil {
		return "", fmt.Errorf("sqlstore: seal value: %w", err)
	}
	return string(sealed), nil
}

func (g *MetadataGateway) openValue(ctx context.Context, value string) (string, error) {
	if g.secrets == nil || value == "" {
		return value, nil
	}
	opened, err := g.secrets.Decrypt(ctx, []byte(value))
	if err != nil {
		return "", fmt.Errorf("sqlstore: open value: %w", err)
	}
	return string(opened), nil
}

func (g *MetadataGateway) needsRotation(sealed string) bool {
	rotator, ok := g.secrets.(interface{ NeedsRotation([]byte) bool })
	if !ok || sealed == "" {
		return false
	}
	return rotator.NeedsRotation([]byte(sealed))
}

func (g *MetadataGateway) stampKey(record *integrationMetadataRecord) {
	described, ok := g.secrets.(interface{ Metadata() (string, int) })
	if !ok {
		record.EncryptionKeyID = ""
		record.EncryptionVersion = 0
		return
	}
	record.EncryptionKeyID, record.EncryptionVersion = described.Metadata()
}

var _ core.MetadataGateway = (*MetadataGateway)(nil)
