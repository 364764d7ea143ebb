package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/basket/taskd/internal/shared"
)

const (
	maxShellTimeout = 120 * time.Second
	// maxShellCapture bounds what is kept in memory per stream; the engine
	// applies the observation cap and spills anything larger to disk.
	maxShellCapture = 1 << 20
)

// ExecResult is the outcome of one command.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Executor runs a shell command in a working directory. A non-zero exit is
// reported in ExecResult, not as an error.
type Executor interface {
	Exec(ctx context.Context, cmd, workDir string) (ExecResult, error)
}

// HostExecutor runs commands with the local sh.
type HostExecutor struct{}

func (HostExecutor) Exec(ctx context.Context, cmd, workDir string) (ExecResult, error) {
	c := exec.CommandContext(ctx, "sh", "-c", cmd)
	c.Dir = workDir
	// Children that inherit the pipes must not hold Wait open after a kill.
	c.WaitDelay = time.Second

	var out, errb bytes.Buffer
	c.Stdout = &out
	c.Stderr = &errb

	res := ExecResult{}
	runErr := c.Run()
	res.Stdout = out.String()
	res.Stderr = errb.String()
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) && ctx.Err() == nil {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		res.ExitCode = -1
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		return res, runErr
	}
	return res, nil
}

// blockedCommands never run, gated or not.
var blockedCommands = map[string]struct{}{
	"mkfs":     {},
	"dd":       {},
	"shutdown": {},
	"reboot":   {},
	"halt":     {},
	"poweroff": {},
	"sudo":     {},
	"su":       {},
}

type ShellInput struct {
	Command    string `json:"command"`
	WorkingDir string `json:"working_dir,omitempty"`
	TimeoutSec int    `json:"timeout_sec,omitempty"`
}

const shellSchema = `{
  "type": "object",
  "properties": {
    "command": {"type": "string", "minLength": 1},
    "working_dir": {"type": "string"},
    "timeout_sec": {"type": "integer", "minimum": 1, "maximum": 120}
  },
  "required": ["command"],
  "additionalProperties": false
}`

type ShellOptions struct {
	Executor Executor
	// Workdir is the root every command runs under; working_dir must stay
	// inside it.
	Workdir string
	Gated   bool
}

// ShellTool returns the "shell" tool.
func ShellTool(opts ShellOptions) Tool {
	if opts.Executor == nil {
		opts.Executor = HostExecutor{}
	}
	return Tool{
		Name:        "shell",
		Description: "Run a shell command and return its exit code, stdout and stderr. Pipes and && are allowed; ';', '$(' and backticks are not. Secrets are redacted from output.",
		Schema:      json.RawMessage(shellSchema),
		Gated:       opts.Gated,
		Timeout:     maxShellTimeout,
		Describe: func(args json.RawMessage) (string, string) {
			var in ShellInput
			_ = json.Unmarshal(args, &in)
			dir, err := resolveWorkdir(opts.Workdir, in.WorkingDir)
			if err != nil {
				dir = in.WorkingDir
			}
			return in.Command, dir
		},
		Invoke: func(ctx context.Context, call Call) (string, error) {
			var in ShellInput
			if err := Decode("shell", call.Arguments, &in); err != nil {
				return "", err
			}
			if err := checkCommand(in.Command); err != nil {
				return "", err
			}
			dir, err := resolveWorkdir(opts.Workdir, in.WorkingDir)
			if err != nil {
				return "", err
			}
			if in.TimeoutSec > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, min(time.Duration(in.TimeoutSec)*time.Second, maxShellTimeout))
				defer cancel()
			}
			res, err := opts.Executor.Exec(ctx, in.Command, dir)
			if err != nil {
				if errors.Is(err, context.DeadlineExceeded) {
					return "", fmt.Errorf("command timed out")
				}
				return "", fmt.Errorf("exec: %w", err)
			}
			return formatResult(res), nil
		},
	}
}

func formatResult(res ExecResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "exit_code: %d\n", res.ExitCode)
	if s := shared.Redact(truncateOutput(res.Stdout, maxShellCapture)); s != "" {
		b.WriteString("stdout:\n")
		b.WriteString(s)
		if !strings.HasSuffix(s, "\n") {
			b.WriteByte('\n')
		}
	}
	if s := shared.Redact(truncateOutput(res.Stderr, maxShellCapture)); s != "" {
		b.WriteString("stderr:\n")
		b.WriteString(s)
	}
	return strings.TrimRight(b.String(), "\n")
}

func checkCommand(cmd string) error {
	if strings.TrimSpace(cmd) == "" {
		return errors.New("empty command")
	}
	for _, op := range []string{";", "$(", "`"} {
		if strings.Contains(cmd, op) {
			return fmt.Errorf("command contains disallowed operator %q", op)
		}
	}
	for _, seg := range splitCommandSegments(cmd) {
		fields := strings.Fields(seg)
		if len(fields) == 0 {
			continue
		}
		if _, blocked := blockedCommands[filepath.Base(fields[0])]; blocked {
			return fmt.Errorf("command %q is blocked", fields[0])
		}
	}
	return nil
}

// resolveWorkdir joins rel onto root and rejects anything that escapes it.
func resolveWorkdir(root, rel string) (string, error) {
	if root == "" {
		return rel, nil
	}
	if rel == "" {
		return root, nil
	}
	p := rel
	if !filepath.IsAbs(p) {
		p = filepath.Join(root, rel)
	}
	p = filepath.Clean(p)
	r, err := filepath.Rel(root, p)
	if err != nil || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("working_dir %q is outside %s", rel, root)
	}
	return p, nil
}

func truncateOutput(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "\n... (truncated)"
}

// splitCommandSegments splits a command at |, || and && so each segment's
// program can be checked.
func splitCommandSegments(cmd string) []string {
	var segments []string
	current := cmd
	for current != "" {
		minIdx := len(current)
		matchLen := 0
		for _, op := range []string{"||", "&&", "|"} {
			if idx := strings.Index(current, op); idx >= 0 && idx < minIdx {
				minIdx = idx
				matchLen = len(op)
			}
		}
		if matchLen == 0 {
			if seg := strings.TrimSpace(current); seg != "" {
				segments = append(segments, seg)
			}
			break
		}
		if seg := strings.TrimSpace(current[:minIdx]); seg != "" {
			segments = append(segments, seg)
		}
		current = current[minIdx+matchLen:]
	}
	return segments
}
