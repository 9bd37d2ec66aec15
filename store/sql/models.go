package sqlstore

import (
	"time"

	"github.com/goliatone/go-qbsync/core"
	"github.com/uptrace/bun"
)

type integrationMetadataRecord struct {
	bun.BaseModel `bun:"table:qbsync_integration_metadata,alias:qim"`

	ID                string    `bun:"id,pk"`
	Name              string    `bun:"name,notnull"`
	ClientID          string    `bun:"client_id,notnull"`
	ClientSecret      string    `bun:"client_secret,notnull"`
	RedirectURI       string    `bun:"redirect_uri,notnull"`
	AccessToken       string    `bun:"access_token,notnull"`
	RefreshToken      string    `bun:"refresh_token,notnull"`
	RealmID           string    `bun:"realm_id,notnull"`
	AuthorizationCode string    `bun:"authorization_code,notnull"`
	EncryptionKeyID   string    `bun:"encryption_key_id,notnull"`
	EncryptionVersion int       `bun:"encryption_version,notnull"`
	CreatedAt         time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt         time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

// toDomain copies the stored columns as is; sealed values are opened by the
// gateway.
func (r *integrationMetadataRecord) toDomain() core.IntegrationMetadata {
	if r == nil {
		return core.IntegrationMetadata{}
	}
	return core.IntegrationMetadata{
		ClientID:          r.ClientID,
		ClientSecret:      r.ClientSecret,
		RedirectURI:       r.RedirectURI,
		AccessToken:       r.AccessToken,
		RefreshToken:      r.RefreshToken,
		RealmID:           r.RealmID,
		AuthorizationCode: r.AuthorizationCode,
		UpdatedAt:         r.UpdatedAt.UTC(),
	}
}
