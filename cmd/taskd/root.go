package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/basket/taskd/internal/config"
)

// globals are the persistent flags shared by every client subcommand.
type globals struct {
	home  string
	addr  string
	token string
	json  bool
}

// newRootCmd creates the root taskd command with all subcommands attached.
func newRootCmd() *cobra.Command {
	g := &globals{}
	cmd := &cobra.Command{
		Use:           "taskd",
		Short:         "Background task daemon for LLM-driven jobs",
		Long:          "taskd schedules background tasks, runs them through a bounded agent loop\nand exposes their progress over HTTP and WebSocket.",
		Version:       fmt.Sprintf("taskd %s", Version),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if g.home != "" {
				return os.Setenv("TASKD_HOME", g.home)
			}
			return nil
		},
	}
	cmd.SetVersionTemplate("{{.Version}}\n")

	pf := cmd.PersistentFlags()
	pf.StringVar(&g.home, "home", "", "data directory (default $TASKD_HOME or ~/.taskd)")
	pf.StringVar(&g.addr, "addr", "", "gateway address (default bind_addr from config.yaml)")
	pf.StringVar(&g.token, "token", "", "gateway bearer token (default $TASKD_GATEWAY_TOKEN or gateway.auth_token)")
	pf.BoolVar(&g.json, "json", false, "print JSON even on a terminal")

	cmd.AddCommand(
		newServeCmd(),
		newTaskCmd(g),
		newExecCmd(g),
		newApprovalsCmd(g),
		newEventsCmd(g),
		newProfilesCmd(g),
		newStatusCmd(g),
		newAuditCmd(g),
		newBackupCmd(),
		newDoctorCmd(g),
	)
	return cmd
}

// client resolves the gateway address and token from flags, falling back to
// the config file.
func (g *globals) client() (*apiClient, error) {
	addr, token := g.addr, g.token
	if addr == "" || token == "" {
		cfg, err := config.Load()
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		if addr == "" {
			addr = cfg.BindAddr
		}
		if token == "" {
			token = cfg.Gateway.AuthToken
		}
	}
	return newAPIClient(addr, token), nil
}
