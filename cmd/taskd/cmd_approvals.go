package main

import (
	"net/http"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/basket/taskd/internal/persistence"
)

func newApprovalsCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "approvals",
		Aliases: []string{"approval"},
		Short:   "Review gated tool calls",
	}

	var (
		status string
		limit  int
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List approval requests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			q := url.Values{"limit": {strconv.Itoa(limit)}}
			if status != "" {
				q.Set("status", status)
			}
			var out struct {
				Approvals []persistence.ApprovalRecord `json:"approvals"`
			}
			if err := c.do(cmd.Context(), http.MethodGet, "/v1/approvals?"+q.Encode(), nil, &out); err != nil {
				return err
			}
			p := newPrinter(cmd.OutOrStdout(), g.json)
			if p.asJSON {
				return p.json(out.Approvals)
			}
			rows := make([][]string, 0, len(out.Approvals))
			for _, a := range out.Approvals {
				rows = append(rows, []string{
					a.ID, string(a.Status), a.Tool, shorten(a.Command, 48), a.ExecutionID,
					formatTime(&a.ExpiresAt), a.ResolvedBy,
				})
			}
			return p.table([]string{"ID", "STATUS", "TOOL", "COMMAND", "EXECUTION", "EXPIRES", "BY"}, rows, 1)
		},
	}
	list.Flags().StringVar(&status, "status", "pending", "pending, approved, rejected, expired or empty for all")
	list.Flags().IntVar(&limit, "limit", 50, "maximum requests to show")

	var by, reason string
	approve := &cobra.Command{
		Use:   "approve <approval-id>",
		Short: "Let a gated tool call run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return resolveApproval(cmd, g, args[0], "approve", by, "")
		},
	}
	reject := &cobra.Command{
		Use:   "reject <approval-id>",
		Short: "Refuse a gated tool call",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return resolveApproval(cmd, g, args[0], "reject", by, reason)
		},
	}
	for _, c := range []*cobra.Command{approve, reject} {
		c.Flags().StringVar(&by, "by", "cli", "name recorded as the decider")
	}
	reject.Flags().StringVar(&reason, "reason", "", "reason shown to the agent")

	cmd.AddCommand(list, approve, reject)
	return cmd
}

func resolveApproval(cmd *cobra.Command, g *globals, id, action, by, reason string) error {
	c, err := g.client()
	if err != nil {
		return err
	}
	body := map[string]string{"by": by}
	if reason != "" {
		body["reason"] = reason
	}
	var req persistence.ApprovalRecord
	if err := c.do(cmd.Context(), http.MethodPost, "/v1/approvals/"+url.PathEscape(id)+"/"+action, body, &req); err != nil {
		return err
	}
	p := newPrinter(cmd.OutOrStdout(), g.json)
	if p.asJSON {
		return p.json(req)
	}
	return p.fields([][2]string{
		{"approval", req.ID},
		{"status", string(req.Status)},
		{"tool", req.Tool},
		{"command", req.Command},
		{"by", req.ResolvedBy},
		{"reason", req.Reason},
	})
}
