package main

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/taskd/internal/persistence"
	"github.com/basket/taskd/internal/scheduler"
)

func newTaskCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Create and manage background tasks",
	}
	cmd.AddCommand(
		newTaskCreateCmd(g),
		newTaskListCmd(g),
		newTaskGetCmd(g),
		newTaskActionCmd(g, "pause", "Stop a task from firing on schedule"),
		newTaskActionCmd(g, "resume", "Re-enable a paused or failed task"),
		newTaskRunCmd(g),
		newTaskDeleteCmd(g),
		newTaskExecutionsCmd(g),
	)
	return cmd
}

type scheduleFlags struct {
	cron    string
	tz      string
	every   time.Duration
	start   string
	at      string
	webhook bool
}

func (f scheduleFlags) schedule() (persistence.Schedule, error) {
	set := 0
	for _, on := range []bool{f.cron != "", f.every > 0, f.at != "", f.webhook} {
		if on {
			set++
		}
	}
	if set > 1 {
		return persistence.Schedule{}, errors.New("use at most one of --cron, --every, --at and --webhook")
	}
	switch {
	case f.cron != "":
		return persistence.Schedule{Kind: persistence.ScheduleCron, Expression: f.cron, Timezone: f.tz}, nil
	case f.every > 0:
		s := persistence.Schedule{Kind: persistence.ScheduleInterval, EverySeconds: int64(f.every / time.Second)}
		if f.start != "" {
			t, err := time.Parse(time.RFC3339, f.start)
			if err != nil {
				return s, fmt.Errorf("--start: %w", err)
			}
			s.StartAt = &t
		}
		return s, nil
	case f.at != "":
		t, err := time.Parse(time.RFC3339, f.at)
		if err != nil {
			return persistence.Schedule{}, fmt.Errorf("--at: %w", err)
		}
		return persistence.Schedule{Kind: persistence.ScheduleOnce, RunAt: &t}, nil
	case f.webhook:
		return persistence.Schedule{Kind: persistence.ScheduleWebhook}, nil
	}
	return persistence.Schedule{Kind: persistence.ScheduleManual}, nil
}

func newTaskCreateCmd(g *globals) *cobra.Command {
	var (
		in    scheduler.CreateTask
		sched scheduleFlags
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task",
		Example: `  taskd task create --name digest --input "Summarise today's alerts" --cron "0 9 * * 1-5" --tz Europe/Berlin
  taskd task create --name sweep --input "Clean the scratch dir" --every 6h
  taskd task create --name deploy-check --input "Verify the deploy" --webhook`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := sched.schedule()
			if err != nil {
				return err
			}
			in.Schedule = s
			c, err := g.client()
			if err != nil {
				return err
			}
			var task persistence.BackgroundTask
			if err := c.do(cmd.Context(), http.MethodPost, "/v1/tasks", in, &task); err != nil {
				return err
			}
			p := newPrinter(cmd.OutOrStdout(), g.json)
			if p.asJSON {
				return p.json(task)
			}
			return p.fields(taskFields(task))
		},
	}
	f := cmd.Flags()
	f.StringVar(&in.Name, "name", "", "task name")
	f.StringVar(&in.Input, "input", "", "instruction handed to the agent on every run")
	f.StringVar(&in.Description, "description", "", "free-form description")
	f.StringVar(&in.AgentID, "agent", "", "agent id")
	f.StringVar(&in.Provider, "provider", "", "provider override")
	f.StringVar(&in.Model, "model", "", "model override")
	f.StringVar(&sched.cron, "cron", "", "five-field cron expression")
	f.StringVar(&sched.tz, "tz", "", "IANA timezone for --cron")
	f.DurationVar(&sched.every, "every", 0, "fixed interval between runs")
	f.StringVar(&sched.start, "start", "", "first run for --every (RFC 3339)")
	f.StringVar(&sched.at, "at", "", "run once at this time (RFC 3339)")
	f.BoolVar(&sched.webhook, "webhook", false, "fire only from the webhook trigger")
	f.BoolVar(&in.Notification.TelegramEnabled, "telegram", false, "notify over Telegram when a run finishes")
	f.Int64Var(&in.Notification.ChatID, "chat-id", 0, "Telegram chat (default notify.telegram.default_chat_id)")
	f.BoolVar(&in.Notification.NotifyOnFailureOnly, "failure-only", false, "notify only on failed runs")
	f.BoolVar(&in.Notification.IncludeOutput, "include-output", false, "include the run output in notifications")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("input")
	return cmd
}

func newTaskListCmd(g *globals) *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			path := "/v1/tasks"
			if status != "" {
				path += "?status=" + url.QueryEscape(status)
			}
			var out struct {
				Tasks []persistence.BackgroundTask `json:"tasks"`
			}
			if err := c.do(cmd.Context(), http.MethodGet, path, nil, &out); err != nil {
				return err
			}
			p := newPrinter(cmd.OutOrStdout(), g.json)
			if p.asJSON {
				return p.json(out.Tasks)
			}
			rows := make([][]string, 0, len(out.Tasks))
			for _, t := range out.Tasks {
				rows = append(rows, []string{
					t.ID, shorten(t.Name, 24), describeSchedule(t.Schedule), string(t.Status),
					formatTime(t.NextRunAt), fmt.Sprintf("%d/%d", t.SuccessCount, t.FailureCount),
					shorten(t.LastError, 40),
				})
			}
			return p.table([]string{"ID", "NAME", "SCHEDULE", "STATUS", "NEXT RUN", "OK/FAIL", "LAST ERROR"}, rows, 3)
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "only tasks in this status")
	return cmd
}

func newTaskGetCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "get <task-id>",
		Short: "Show one task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return taskRequest(cmd, g, http.MethodGet, "/v1/tasks/"+url.PathEscape(args[0]))
		},
	}
}

func newTaskActionCmd(g *globals, action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <task-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return taskRequest(cmd, g, http.MethodPost, "/v1/tasks/"+url.PathEscape(args[0])+"/"+action)
		},
	}
}

func taskRequest(cmd *cobra.Command, g *globals, method, path string) error {
	c, err := g.client()
	if err != nil {
		return err
	}
	var task persistence.BackgroundTask
	if err := c.do(cmd.Context(), method, path, nil, &task); err != nil {
		return err
	}
	p := newPrinter(cmd.OutOrStdout(), g.json)
	if p.asJSON {
		return p.json(task)
	}
	return p.fields(taskFields(task))
}

func newTaskRunCmd(g *globals) *cobra.Command {
	var follow bool
	cmd := &cobra.Command{
		Use:   "run <task-id>",
		Short: "Start an execution now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			var exec persistence.Execution
			if err := c.do(cmd.Context(), http.MethodPost, "/v1/tasks/"+url.PathEscape(args[0])+"/run", nil, &exec); err != nil {
				return err
			}
			p := newPrinter(cmd.OutOrStdout(), g.json)
			if follow {
				return streamEvents(cmd.Context(), c, p, exec.ID, 0)
			}
			if p.asJSON {
				return p.json(exec)
			}
			return p.fields(executionFields(exec))
		},
	}
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "stream the execution's events until it finishes")
	return cmd
}

func newTaskDeleteCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <task-id>",
		Short: "Delete a task that is not running",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			if err := c.do(cmd.Context(), http.MethodDelete, "/v1/tasks/"+url.PathEscape(args[0]), nil, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		},
	}
}

func newTaskExecutionsCmd(g *globals) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "executions <task-id>",
		Short: "List a task's executions, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			var out struct {
				Executions []persistence.Execution `json:"executions"`
			}
			path := "/v1/tasks/" + url.PathEscape(args[0]) + "/executions?limit=" + strconv.Itoa(limit)
			if err := c.do(cmd.Context(), http.MethodGet, path, nil, &out); err != nil {
				return err
			}
			p := newPrinter(cmd.OutOrStdout(), g.json)
			if p.asJSON {
				return p.json(out.Executions)
			}
			rows := make([][]string, 0, len(out.Executions))
			for _, e := range out.Executions {
				rows = append(rows, []string{
					e.ID, string(e.Status), e.Trigger, formatTime(&e.StartedAt),
					strconv.Itoa(e.IterationCount), strconv.FormatInt(e.TokensUsed, 10),
					fmt.Sprintf("$%.4f", e.CostUSD), e.TerminationReason,
				})
			}
			return p.table([]string{"ID", "STATUS", "TRIGGER", "STARTED", "ITER", "TOKENS", "COST", "REASON"}, rows, 1)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum executions to show")
	return cmd
}

func describeSchedule(s persistence.Schedule) string {
	switch s.Kind {
	case persistence.ScheduleCron:
		if s.Timezone != "" {
			return s.Expression + " (" + s.Timezone + ")"
		}
		return s.Expression
	case persistence.ScheduleInterval:
		return "every " + (time.Duration(s.EverySeconds) * time.Second).String()
	case persistence.ScheduleOnce:
		return "once " + formatTime(s.RunAt)
	}
	return string(s.Kind)
}

func taskFields(t persistence.BackgroundTask) [][2]string {
	out := [][2]string{
		{"id", t.ID},
		{"name", t.Name},
		{"status", string(t.Status)},
		{"schedule", describeSchedule(t.Schedule)},
		{"next run", formatTime(t.NextRunAt)},
		{"last run", formatTime(t.LastRunAt)},
		{"runs", fmt.Sprintf("%d ok, %d failed", t.SuccessCount, t.FailureCount)},
		{"tokens", strconv.FormatInt(t.TotalTokensUsed, 10)},
		{"cost", fmt.Sprintf("$%.4f", t.TotalCostUSD)},
		{"last error", t.LastError},
		{"input", t.Input},
	}
	if t.WebhookToken != "" {
		out = append(out, [2]string{"webhook", "POST /v1/hooks/" + t.ID + " (X-Webhook-Token: " + t.WebhookToken + ")"})
	}
	return out
}

func executionFields(e persistence.Execution) [][2]string {
	var completed string
	if e.CompletedAt != nil {
		completed = formatTime(e.CompletedAt)
	}
	return [][2]string{
		{"execution", e.ID},
		{"task", e.TaskID},
		{"status", string(e.Status)},
		{"trigger", e.Trigger},
		{"started", formatTime(&e.StartedAt)},
		{"completed", completed},
		{"iterations", strconv.Itoa(e.IterationCount)},
		{"tokens", strconv.FormatInt(e.TokensUsed, 10)},
		{"cost", fmt.Sprintf("$%.4f", e.CostUSD)},
		{"reason", e.TerminationReason},
		{"error", e.Error},
		{"retry hint", e.RetryHint},
		{"output", e.Output},
	}
}
