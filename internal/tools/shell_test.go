package tools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

type recordingExecutor struct {
	cmd, dir string
	res      ExecResult
	err      error
}

func (r *recordingExecutor) Exec(_ context.Context, cmd, dir string) (ExecResult, error) {
	r.cmd, r.dir = cmd, dir
	return r.res, r.err
}

func invokeShell(t *testing.T, tool Tool, args string) (string, error) {
	t.Helper()
	return tool.Invoke(context.Background(), Call{ID: "call-1", Arguments: json.RawMessage(args)})
}

func TestCheckCommand(t *testing.T) {
	tests := []struct {
		cmd     string
		wantErr bool
	}{
		{"echo hello", false},
		{"ls -la | grep go && wc -l README.md", false},
		{"rm -rf ./build", false},
		{"", true},
		{"echo a; echo b", true},
		{"echo $(whoami)", true},
		{"echo `id`", true},
		{"sudo ls", true},
		{"ls | /usr/bin/sudo cat", true},
		{"true && shutdown now", true},
		{"dd if=/dev/zero of=x", true},
	}
	for _, tt := range tests {
		t.Run(tt.cmd, func(t *testing.T) {
			err := checkCommand(tt.cmd)
			if (err != nil) != tt.wantErr {
				t.Fatalf("checkCommand(%q) err = %v, wantErr %v", tt.cmd, err, tt.wantErr)
			}
		})
	}
}

func TestSplitCommandSegments(t *testing.T) {
	tests := []struct {
		cmd      string
		expected []string
	}{
		{"echo hello", []string{"echo hello"}},
		{"echo hello | grep hello", []string{"echo hello", "grep hello"}},
		{"make || echo failed", []string{"make", "echo failed"}},
		{"a && b | c", []string{"a", "b", "c"}},
		{"  ", nil},
	}
	for _, tt := range tests {
		got := splitCommandSegments(tt.cmd)
		if len(got) != len(tt.expected) {
			t.Fatalf("splitCommandSegments(%q) = %q, want %q", tt.cmd, got, tt.expected)
		}
		for i := range got {
			if got[i] != tt.expected[i] {
				t.Fatalf("splitCommandSegments(%q)[%d] = %q, want %q", tt.cmd, i, got[i], tt.expected[i])
			}
		}
	}
}

func TestTruncateOutput(t *testing.T) {
	if got := truncateOutput("hello", 100); got != "hello" {
		t.Fatalf("short input changed: %q", got)
	}
	got := truncateOutput(strings.Repeat("a", 100), 50)
	if !strings.HasSuffix(got, "... (truncated)") || len(got) != 50+len("\n... (truncated)") {
		t.Fatalf("unexpected truncation %q", got)
	}
}

func TestResolveWorkdir(t *testing.T) {
	root := t.TempDir()
	if got, err := resolveWorkdir(root, ""); err != nil || got != root {
		t.Fatalf("empty rel should resolve to root, got %q %v", got, err)
	}
	if got, err := resolveWorkdir(root, "sub/dir"); err != nil || got != filepath.Join(root, "sub", "dir") {
		t.Fatalf("unexpected %q %v", got, err)
	}
	if _, err := resolveWorkdir(root, "../elsewhere"); err == nil {
		t.Fatalf("escape must be rejected")
	}
	if _, err := resolveWorkdir(root, "/etc"); err == nil {
		t.Fatalf("absolute path outside root must be rejected")
	}
}

func TestShellTool_FormatsAndRedacts(t *testing.T) {
	exec := &recordingExecutor{res: ExecResult{
		Stdout:   "token: Bearer abcdefghijklmnopqrstuvwxyz123456\n",
		Stderr:   "warning",
		ExitCode: 2,
	}}
	root := t.TempDir()
	tool := ShellTool(ShellOptions{Executor: exec, Workdir: root})

	out, err := invokeShell(t, tool, `{"command":"cat token","working_dir":"sub"}`)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if exec.cmd != "cat token" || exec.dir != filepath.Join(root, "sub") {
		t.Fatalf("executor saw %q in %q", exec.cmd, exec.dir)
	}
	if !strings.HasPrefix(out, "exit_code: 2\nstdout:\n") || !strings.Contains(out, "stderr:\nwarning") {
		t.Fatalf("unexpected observation %q", out)
	}
	if strings.Contains(out, "abcdefghijklmnopqrstuvwxyz123456") {
		t.Fatalf("secret leaked: %q", out)
	}
}

func TestShellTool_RejectsBeforeExecuting(t *testing.T) {
	exec := &recordingExecutor{}
	tool := ShellTool(ShellOptions{Executor: exec, Workdir: t.TempDir()})
	if _, err := invokeShell(t, tool, `{"command":"echo a; reboot"}`); err == nil {
		t.Fatalf("expected rejection")
	}
	if _, err := invokeShell(t, tool, `{"command":"ls","working_dir":"../../"}`); err == nil {
		t.Fatalf("expected workdir rejection")
	}
	if exec.cmd != "" {
		t.Fatalf("executor must not run, saw %q", exec.cmd)
	}
}

func TestShellTool_DescribeForApproval(t *testing.T) {
	root := t.TempDir()
	tool := ShellTool(ShellOptions{Workdir: root})
	cmd, dir := tool.DescribeCall(json.RawMessage(`{"command":"rm -rf ./build"}`))
	if cmd != "rm -rf ./build" || dir != root {
		t.Fatalf("unexpected description %q in %q", cmd, dir)
	}
}

func TestHostExecutor_RunsInWorkdir(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "marker.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	res, err := HostExecutor{}.Exec(context.Background(), "ls && echo oops >&2 && exit 3", dir)
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if res.ExitCode != 3 || !strings.Contains(res.Stdout, "marker.txt") || strings.TrimSpace(res.Stderr) != "oops" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestHostExecutor_Timeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := HostExecutor{}.Exec(ctx, "sleep 5", "")
	if err == nil {
		t.Fatalf("expected a deadline error")
	}
	if time.Since(start) > 3*time.Second {
		t.Fatalf("timeout did not stop the command promptly")
	}
}
