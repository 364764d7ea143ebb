package main

import (
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/taskd/internal/config"
	"github.com/basket/taskd/internal/persistence"
)

func newProfileAddCmd() *cobra.Command {
	var p config.ProfileConfig
	cmd := &cobra.Command{
		Use:   "add <id>",
		Short: "Add or replace a manual profile in config.yaml",
		Example: `  taskd profiles add work --provider anthropic --credential-env WORK_ANTHROPIC_KEY --priority 10
  taskd profiles add backup --provider openrouter --credential sk-or-...`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if p.Credential == "" && p.CredentialEnv == "" {
				return errors.New("one of --credential or --credential-env is required")
			}
			p.ID = args[0]
			p.Source = config.SourceManual
			home := config.HomeDir()
			if err := config.UpsertProfile(home, p); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "profile %s saved to %s\n", p.ID, config.ConfigPath(home))
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&p.Provider, "provider", "", "provider name (anthropic, openai, openrouter, google or a configured one)")
	f.StringVar(&p.Name, "name", "", "display name")
	f.StringVar(&p.Credential, "credential", "", "API key stored in config.yaml")
	f.StringVar(&p.CredentialEnv, "credential-env", "", "environment variable holding the API key")
	f.IntVar(&p.Priority, "priority", 0, "higher is preferred")
	f.BoolVar(&p.Disabled, "disabled", false, "keep the profile but never select it")
	_ = cmd.MarkFlagRequired("provider")
	return cmd
}

func newProfileRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a manual profile from config.yaml",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.RemoveProfile(config.HomeDir(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "profile %s removed\n", args[0])
			return nil
		},
	}
}

func newAuditCmd(g *globals) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show recent audit records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			var out struct {
				Audit []persistence.AuditRecord `json:"audit"`
			}
			if err := c.do(cmd.Context(), http.MethodGet, "/v1/audit?limit="+strconv.Itoa(limit), nil, &out); err != nil {
				return err
			}
			p := newPrinter(cmd.OutOrStdout(), g.json)
			if p.asJSON {
				return p.json(out.Audit)
			}
			rows := make([][]string, 0, len(out.Audit))
			for _, r := range out.Audit {
				rows = append(rows, []string{
					formatTime(&r.CreatedAt), r.Action, r.Subject, r.Decision, r.Actor, shorten(r.Reason, 48),
				})
			}
			return p.table([]string{"TIME", "ACTION", "SUBJECT", "DECISION", "ACTOR", "REASON"}, rows, -1)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum records to show")
	return cmd
}

func newBackupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backup [dest]",
		Short: "Write a consistent copy of the database",
		Long:  "Snapshots the SQLite database with VACUUM INTO. Safe while the daemon\nis running. The default destination is <home>/backups/taskd-<time>.db.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			dest := filepath.Join(cfg.HomeDir, "backups", "taskd-"+time.Now().UTC().Format("20060102T150405Z")+".db")
			if len(args) == 1 {
				dest = args[0]
			}
			store, err := persistence.Open(cfg.DBPath)
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.Backup(cmd.Context(), dest); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "backup written to %s\n", dest)
			return nil
		},
	}
}
