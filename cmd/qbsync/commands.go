package main

import (
	"fmt"
	"strings"
	"time"

	gocmd "github.com/goliatone/go-command"
	qbcommand "github.com/goliatone/go-qbsync/command"
	"github.com/goliatone/go-qbsync/core"
	"github.com/goliatone/go-qbsync/query"
	sqlstore "github.com/goliatone/go-qbsync/store/sql"

	"github.com/spf13/cobra"
)

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the integration metadata schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openStore(opts, false)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := sqlstore.Migrate(cmd.Context(), store.client, store.dialect); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema is up to date (%s)\n", store.dialect)
			return nil
		},
	}
}

func newProvisionCmd(opts *rootOptions) *cobra.Command {
	var metadata core.IntegrationMetadata
	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Create or update the client credentials of the integration record",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openStore(opts, true)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.gateway.Provision(cmd.Context(), metadata); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "integration %q provisioned for client %s\n", store.gateway.Name(), metadata.ClientID)
			return nil
		},
	}
	cmd.Flags().StringVar(&metadata.ClientID, "client-id", "", "OAuth client id")
	cmd.Flags().StringVar(&metadata.ClientSecret, "client-secret", "", "OAuth client secret")
	cmd.Flags().StringVar(&metadata.RedirectURI, "redirect-uri", "", "registered redirect URI")
	_ = cmd.MarkFlagRequired("client-id")
	_ = cmd.MarkFlagRequired("client-secret")
	_ = cmd.MarkFlagRequired("redirect-uri")
	return cmd
}

func newAuthorizeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "authorize",
		Short: "Print the authorization URL, or confirm the stored token pair",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBootstrap(cmd, opts, qbcommand.BootstrapMessage{})
		},
	}
}

func newCallbackCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "callback <url>",
		Short: "Exchange the code carried by an authorization callback URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBootstrap(cmd, opts, qbcommand.BootstrapMessage{CallbackURL: args[0]})
		},
	}
}

func runBootstrap(cmd *cobra.Command, opts *rootOptions, msg qbcommand.BootstrapMessage) error {
	rt, err := newApp(cmd.Context(), opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer rt.Close()

	collector := gocmd.NewResult[core.BootstrapResult]()
	ctx := gocmd.ContextWithResult(cmd.Context(), collector)
	if err := rt.facade.Commands().Bootstrap.Execute(ctx, msg); err != nil {
		return err
	}
	result, _ := collector.Load()
	out := cmd.OutOrStdout()
	switch result.Session.Flow {
	case core.FlowStateReady:
		fmt.Fprintf(out, "authorized for realm %s\n", result.Session.RealmID())
	case core.FlowStateRedirectingForAuthorization:
		// the redirector already printed the URL
	default:
		fmt.Fprintf(out, "session is %s\n", result.Session.Flow)
	}
	return result.Cause
}

func newRefreshCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Refresh the stored token pair",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := newApp(cmd.Context(), opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer rt.Close()

			collector := gocmd.NewResult[core.RefreshResult]()
			ctx := gocmd.ContextWithResult(cmd.Context(), collector)
			if err := rt.facade.Commands().Refresh.Execute(ctx, qbcommand.RefreshMessage{}); err != nil {
				return err
			}
			result, _ := collector.Load()
			switch {
			case result.Reused:
				fmt.Fprintln(cmd.OutOrStdout(), "token pair was already rotated; reusing the stored pair")
			default:
				fmt.Fprintf(cmd.OutOrStdout(), "token pair refreshed for realm %s\n", result.Session.RealmID())
			}
			return nil
		},
	}
}

func newSyncCmd(opts *rootOptions) *cobra.Command {
	var since string
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one account sync cycle",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			msg := qbcommand.SyncMessage{}
			if strings.TrimSpace(since) != "" {
				parsed, err := time.Parse(time.RFC3339, strings.TrimSpace(since))
				if err != nil {
					return fmt.Errorf("qbsync: --since must be RFC3339: %w", err)
				}
				msg.Since = parsed
			}

			rt, err := newApp(cmd.Context(), opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer rt.Close()

			collector := gocmd.NewResult[core.SyncResult]()
			ctx := gocmd.ContextWithResult(cmd.Context(), collector)
			if err := rt.facade.Commands().Sync.Execute(ctx, msg); err != nil {
				return err
			}
			result, _ := collector.Load()
			fmt.Fprintf(cmd.OutOrStdout(), "sync outcome: %s\n", result.Outcome)
			if result.Cause != nil && !core.HasErrorCode(result.Cause, core.ErrorClassificationUnknown) {
				return result.Cause
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&since, "since", "", "only fetch accounts updated after this RFC3339 time")
	return cmd
}

func newShowCmd(opts *rootOptions) *cobra.Command {
	var withMetadata bool
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the session state of the integration record",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := newApp(cmd.Context(), opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer rt.Close()

			queries := rt.facade.Queries()
			status, err := queries.LoadSessionStatus.Query(cmd.Context(), query.LoadSessionStatusMessage{})
			if err != nil {
				return err
			}
			var metadata *core.IntegrationMetadata
			if withMetadata {
				redacted, err := queries.LoadMetadata.Query(cmd.Context(), query.LoadMetadataMessage{})
				if err != nil {
					return err
				}
				metadata = &redacted
			}
			return writeYAML(cmd.OutOrStdout(), newShowDocument(rt.store.gateway.Name(), status, metadata))
		},
	}
	cmd.Flags().BoolVar(&withMetadata, "metadata", false, "include the redacted integration record")
	return cmd
}
