package main

import (
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/basket/taskd/internal/config"
	"github.com/basket/taskd/internal/doctor"
)

func newDoctorCmd(g *globals) *cobra.Command {
	var offline bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks",
		Long:  "Checks configuration, credentials, the database, directory permissions,\nthe Docker sandbox, the gateway port and provider DNS. Exits 1 when any\ncheck fails.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			diag := doctor.Run(cmd.Context(), &cfg, Version, doctor.Options{LoadErr: err, SkipNetwork: offline})

			p := newPrinter(cmd.OutOrStdout(), g.json)
			if p.asJSON {
				if err := p.json(diag); err != nil {
					return err
				}
			} else {
				w := cmd.OutOrStdout()
				fmt.Fprintf(w, "taskd doctor (%s)\n", diag.Timestamp.Format(time.RFC3339))
				fmt.Fprintf(w, "system: %s/%s (%s)\n---\n", diag.System.OS, diag.System.Arch, diag.System.Go)
				for _, r := range diag.Results {
					fmt.Fprintf(w, "%s %-12s %s\n", badge(r.Status), r.Name, r.Message)
					if r.Detail != "" {
						fmt.Fprintf(w, "     %s\n", mutedStyle.Render(r.Detail))
					}
				}
			}
			if diag.Failed() {
				return &exitError{code: 1}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&offline, "offline", false, "skip provider DNS lookups")
	return cmd
}

func badge(status string) string {
	color := map[string]lipgloss.Color{
		doctor.StatusPass: "10",
		doctor.StatusWarn: "11",
		doctor.StatusFail: "9",
		doctor.StatusSkip: "240",
	}[status]
	return lipgloss.NewStyle().Bold(true).Foreground(color).Render(fmt.Sprintf("%-4s", status))
}
