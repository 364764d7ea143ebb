package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/taskd/internal/eventlog"
	"github.com/basket/taskd/internal/persistence"
)

func newExecCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "exec",
		Aliases: []string{"execution"},
		Short:   "Inspect and cancel executions",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "get <execution-id>",
			Short: "Show one execution",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				c, err := g.client()
				if err != nil {
					return err
				}
				var exec persistence.Execution
				if err := c.do(cmd.Context(), http.MethodGet, "/v1/executions/"+url.PathEscape(args[0]), nil, &exec); err != nil {
					return err
				}
				p := newPrinter(cmd.OutOrStdout(), g.json)
				if p.asJSON {
					return p.json(exec)
				}
				return p.fields(executionFields(exec))
			},
		},
		&cobra.Command{
			Use:   "cancel <execution-id>",
			Short: "Cancel a running execution",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				c, err := g.client()
				if err != nil {
					return err
				}
				if err := c.do(cmd.Context(), http.MethodPost, "/v1/executions/"+url.PathEscape(args[0])+"/cancel", nil, nil); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "cancelling %s\n", args[0])
				return nil
			},
		},
	)
	return cmd
}

func newEventsCmd(g *globals) *cobra.Command {
	var (
		after  uint64
		follow bool
		ack    bool
	)
	cmd := &cobra.Command{
		Use:   "events <execution-id>",
		Short: "Print an execution's event log",
		Long:  "Prints the durable event history of an execution. With --follow the\ncommand keeps streaming live events until the execution finishes.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			p := newPrinter(cmd.OutOrStdout(), g.json)
			var last uint64
			if follow {
				err = c.follow(cmd.Context(), args[0], after, func(ev eventlog.Event) error {
					last = ev.Seq
					return printEvent(p, ev)
				})
				if err != nil {
					return err
				}
			} else {
				var out struct {
					Events []eventlog.Event `json:"events"`
				}
				path := fmt.Sprintf("/v1/executions/%s/events?after=%d", url.PathEscape(args[0]), after)
				if err := c.do(cmd.Context(), http.MethodGet, path, nil, &out); err != nil {
					return err
				}
				for _, ev := range out.Events {
					last = ev.Seq
					if err := printEvent(p, ev); err != nil {
						return err
					}
				}
			}
			if !ack || last == 0 {
				return nil
			}
			// Detached from cmd.Context so an interrupted follow still records
			// what was printed.
			ctx, cancel := context.WithTimeout(context.WithoutCancel(cmd.Context()), 5*time.Second)
			defer cancel()
			return c.do(ctx, http.MethodPost, "/v1/executions/"+url.PathEscape(args[0])+"/ack", map[string]uint64{"seq": last}, nil)
		},
	}
	cmd.Flags().Uint64Var(&after, "after", 0, "only events with a sequence number above this")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "stream live events until the execution finishes")
	cmd.Flags().BoolVar(&ack, "ack", false, "acknowledge the printed events so their segments can be compacted")
	return cmd
}

func streamEvents(ctx context.Context, c *apiClient, p *printer, executionID string, after uint64) error {
	return c.follow(ctx, executionID, after, func(ev eventlog.Event) error {
		return printEvent(p, ev)
	})
}

// printEvent writes one event per line: JSON lines when piped, a compact
// human form on a terminal.
func printEvent(p *printer, ev eventlog.Event) error {
	if p.asJSON {
		return p.line(ev)
	}
	path := ""
	if ev.SubflowPath != "" {
		path = mutedStyle.Render("["+ev.SubflowPath+"]") + " "
	}
	payload := strings.TrimSpace(string(ev.Payload))
	_, err := fmt.Fprintf(p.w, "%4d %s %s%s %s\n",
		ev.Seq, ev.Timestamp.Local().Format("15:04:05.000"), path, typeStyle.Render(ev.Type), shorten(payload, 160))
	return err
}
