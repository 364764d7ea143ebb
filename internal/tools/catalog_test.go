package tools

import (
	"context"
	"testing"

	"github.com/basket/taskd/internal/config"
)

func TestBuiltins_RegistersAndGates(t *testing.T) {
	cfg := config.ToolsConfig{Shell: config.ShellConfig{Enabled: true, Workdir: t.TempDir()}}
	reg, closer, err := Builtins(context.Background(), cfg, []string{"shell"}, nil)
	if err != nil {
		t.Fatalf("builtins: %v", err)
	}
	defer closer.Close()

	names := map[string]bool{}
	for _, tool := range reg.List() {
		names[tool.Name] = tool.Gated
	}
	for _, want := range []string{"shell", "read_file", "write_file", "list_directory"} {
		if _, ok := names[want]; !ok {
			t.Fatalf("missing tool %q in %v", want, names)
		}
	}
	if !names["shell"] || names["read_file"] {
		t.Fatalf("unexpected gating %v", names)
	}
}

func TestBuiltins_ShellDisabled(t *testing.T) {
	cfg := config.ToolsConfig{Shell: config.ShellConfig{Workdir: t.TempDir()}}
	reg, closer, err := Builtins(context.Background(), cfg, nil, nil)
	if err != nil {
		t.Fatalf("builtins: %v", err)
	}
	defer closer.Close()
	if _, ok := reg.Get("shell"); ok {
		t.Fatalf("shell must not be registered when disabled")
	}
}
