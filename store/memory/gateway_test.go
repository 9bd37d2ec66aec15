package memory

import (
	"context"
	"testing"

	"github.com/goliatone/go-qbsync/core"
)

func TestGateway_UpdateMergesPatch(t *testing.T) {
	gateway := NewGateway(core.IntegrationMetadata{ClientID: "client-1", RealmID: "123"})

	if err := gateway.UpdateMetadata(context.Background(), core.MetadataPatch{Code: "abc", AccessToken: "at0", RefreshToken: "rt0"}); err != nil {
		t.Fatalf("update: %v", err)
	}
	record, err := gateway.FetchMetadata(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if record.RealmID != "123" || record.AuthorizationCode != "abc" || record.AccessToken != "at0" {
		t.Fatalf("unexpected merged record %+v", record)
	}
	if record.UpdatedAt.IsZero() {
		t.Fatalf("expected updated at to be stamped")
	}
}

func TestGateway_RejectsHalfPair(t *testing.T) {
	gateway := NewGateway(core.IntegrationMetadata{ClientID: "client-1"})
	err := gateway.UpdateMetadata(context.Background(), core.MetadataPatch{RefreshToken: "rt0"})
	if !core.HasErrorCode(err, core.ErrorPersistence) {
		t.Fatalf("expected persistence error, got %v", err)
	}
	record, _ := gateway.FetchMetadata(context.Background())
	if record.RefreshToken != "" {
		t.Fatalf("expected record to be untouched")
	}
}

func TestEmptyGateway_FailsUntilProvisioned(t *testing.T) {
	gateway := NewEmptyGateway()
	if _, err := gateway.FetchMetadata(context.Background()); !core.HasErrorCode(err, core.ErrorPersistence) {
		t.Fatalf("expected persistence error before provisioning, got %v", err)
	}
	if err := gateway.UpdateMetadata(context.Background(), core.MetadataPatch{AccessToken: "at0", RefreshToken: "rt0"}); err == nil {
		t.Fatalf("expected update to fail before provisioning")
	}

	if err := gateway.Provision(context.Background(), core.IntegrationMetadata{ClientID: "client-1", ClientSecret: "secret-1"}); err != nil {
		t.Fatalf("provision: %v", err)
	}
	record, err := gateway.FetchMetadata(context.Background())
	if err != nil || record.ClientID != "client-1" {
		t.Fatalf("expected provisioned record, got %+v %v", record, err)
	}
}
