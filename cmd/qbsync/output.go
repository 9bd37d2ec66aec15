package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/goliatone/go-qbsync/core"
	"github.com/goliatone/go-qbsync/query"

	"gopkg.in/yaml.v3"
)

// printNotifier writes sync signals to the terminal in place of toasts.
type printNotifier struct {
	out io.Writer
}

func (n *printNotifier) Notify(_ context.Context, signal core.Signal) error {
	_, err := fmt.Fprintf(n.out, "[%s] %s: %s\n", signal.Variant, signal.Title, signal.Message)
	return err
}

// printRedirector asks the operator to open the authorization URL.
type printRedirector struct {
	out io.Writer
}

func (r *printRedirector) Redirect(_ context.Context, authorizationURL string) error {
	_, err := fmt.Fprintf(r.out, "Open this URL to authorize the integration:\n  %s\n", authorizationURL)
	return err
}

type showDocument struct {
	Integration string        `yaml:"integration"`
	Session     sessionView   `yaml:"session"`
	Metadata    *metadataView `yaml:"metadata,omitempty"`
}

type sessionView struct {
	Flow      string `yaml:"flow"`
	RealmID   string `yaml:"realm_id,omitempty"`
	Lineage   string `yaml:"lineage"`
	HasTokens bool   `yaml:"has_tokens"`
	UpdatedAt string `yaml:"updated_at,omitempty"`
}

type metadataView struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	RedirectURI  string `yaml:"redirect_uri"`
	AccessToken  string `yaml:"access_token,omitempty"`
	RefreshToken string `yaml:"refresh_token,omitempty"`
}

func newShowDocument(integration string, status query.SessionStatus, metadata *core.IntegrationMetadata) showDocument {
	doc := showDocument{
		Integration: integration,
		Session: sessionView{
			Flow:      string(status.Flow),
			RealmID:   status.RealmID,
			Lineage:   status.Lineage,
			HasTokens: status.HasTokens,
		},
	}
	if !status.UpdatedAt.IsZero() {
		doc.Session.UpdatedAt = status.UpdatedAt.UTC().Format(time.RFC3339)
	}
	if metadata != nil {
		doc.Metadata = &metadataView{
			ClientID:     metadata.ClientID,
			ClientSecret: metadata.ClientSecret,
			RedirectURI:  metadata.RedirectURI,
			AccessToken:  metadata.AccessToken,
			RefreshToken: metadata.RefreshToken,
		}
	}
	return doc
}

func writeYAML(out io.Writer, value any) error {
	encoder := yaml.NewEncoder(out)
	encoder.SetIndent(2)
	if err := encoder.Encode(value); err != nil {
		return err
	}
	return encoder.Close()
}
