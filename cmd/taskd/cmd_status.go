package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/taskd/internal/gateway"
	"github.com/basket/taskd/internal/persistence"
	"github.com/basket/taskd/internal/router"
)

func newProfilesCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "profiles",
		Aliases: []string{"profile"},
		Short:   "Show auth profiles and their health",
		Long:    "Without a subcommand, lists the daemon's auth profiles and their health.\nadd and remove edit config.yaml; a running daemon picks the change up.",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			var out struct {
				Profiles []router.Profile `json:"profiles"`
			}
			if err := c.do(cmd.Context(), http.MethodGet, "/v1/profiles", nil, &out); err != nil {
				return err
			}
			p := newPrinter(cmd.OutOrStdout(), g.json)
			if p.asJSON {
				return p.json(out.Profiles)
			}
			rows := make([][]string, 0, len(out.Profiles))
			for _, pr := range out.Profiles {
				cooldown := "-"
				if !pr.CooldownUntil.IsZero() && pr.CooldownUntil.After(time.Now()) {
					cooldown = time.Until(pr.CooldownUntil).Round(time.Second).String()
				}
				rows = append(rows, []string{
					pr.ID, pr.Provider, pr.Source, strconv.Itoa(pr.Priority), string(pr.Health),
					cooldown, strconv.Itoa(pr.FailureCount), pr.DisabledReason,
				})
			}
			return p.table([]string{"ID", "PROVIDER", "SOURCE", "PRIO", "HEALTH", "COOLDOWN", "FAILS", "REASON"}, rows, 4)
		},
	}
	cmd.AddCommand(newProfileAddCmd(), newProfileRemoveCmd())
	return cmd
}

func newStatusCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon health and load",
		Long:  "Queries /healthz and /v1/status. Exits 1 when the daemon is unreachable\nor unhealthy.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 3*time.Second)
			defer cancel()

			var health map[string]any
			healthErr := c.do(ctx, http.MethodGet, "/healthz", nil, &health)
			var rep gateway.StatusReport
			if healthErr == nil {
				if err := c.do(ctx, http.MethodGet, "/v1/status", nil, &rep); err != nil {
					return err
				}
			}

			p := newPrinter(cmd.OutOrStdout(), g.json)
			if healthErr != nil {
				if p.asJSON {
					_ = p.json(map[string]any{"healthy": false, "error": healthErr.Error()})
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "taskd at %s: %v\n", c.base, healthErr)
				}
				return &exitError{code: 1}
			}
			if p.asJSON {
				return p.json(map[string]any{"healthy": true, "health": health, "status": rep})
			}
			return printStatus(cmd.OutOrStdout(), p, c.base, rep)
		},
	}
}

func printStatus(w io.Writer, p *printer, base string, rep gateway.StatusReport) error {
	fmt.Fprintf(w, "taskd at %s (schema v%d)\n", base, rep.SchemaVersion)
	state := "running"
	if rep.Engine.Draining {
		state = "draining"
	}
	pairs := [][2]string{
		{"engine", fmt.Sprintf("%s, %d/%d workers busy, %d queued", state, rep.Engine.Active, rep.Engine.WorkerCount, rep.Engine.Queued)},
		{"last error", rep.Engine.LastError},
		{"approvals", fmt.Sprintf("%d pending", rep.PendingApprovals)},
	}
	tasks := make([]string, 0, len(rep.Tasks))
	for st := range rep.Tasks {
		tasks = append(tasks, string(st))
	}
	sort.Strings(tasks)
	rows := make([][]string, 0, len(tasks)+len(rep.Profiles))
	for _, st := range tasks {
		rows = append(rows, []string{"task", st, strconv.Itoa(rep.Tasks[persistence.TaskStatus(st)])})
	}
	health := make([]string, 0, len(rep.Profiles))
	for h := range rep.Profiles {
		health = append(health, string(h))
	}
	sort.Strings(health)
	for _, h := range health {
		rows = append(rows, []string{"profile", h, strconv.Itoa(rep.Profiles[router.Health(h)])})
	}
	if err := p.fields(pairs); err != nil {
		return err
	}
	return p.table([]string{"KIND", "STATE", "COUNT"}, rows, 1)
}
