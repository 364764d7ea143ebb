package tools

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/basket/taskd/internal/config"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Builtins builds the registry of built-in tools from configuration. The
// returned closer releases the sandbox client when one is used. Tools named
// in gated are marked as requiring approval.
func Builtins(ctx context.Context, cfg config.ToolsConfig, gated []string, logger *slog.Logger) (*Registry, io.Closer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	reg := NewRegistry()
	var closer io.Closer = nopCloser{}

	workdir := cfg.Shell.Workdir
	if workdir != "" {
		if err := os.MkdirAll(workdir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create tool workdir: %w", err)
		}
	}

	if cfg.Shell.Enabled {
		var exec Executor = HostExecutor{}
		if cfg.Shell.Sandbox {
			sb, err := NewDockerSandbox(SandboxOptions{
				Image:     cfg.Shell.SandboxImage,
				MemoryMB:  cfg.Shell.SandboxMemory,
				Network:   cfg.Shell.SandboxNetwork,
				Workspace: workdir,
			})
			if err != nil {
				return nil, nil, err
			}
			if err := sb.Ping(ctx); err != nil {
				_ = sb.Close()
				return nil, nil, fmt.Errorf("docker sandbox unavailable: %w", err)
			}
			logger.Info("shell sandbox enabled", "image", sb.opts.Image, "network", sb.opts.Network)
			exec, closer = sb, sb
		}
		if err := reg.Register(ShellTool(ShellOptions{Executor: exec, Workdir: workdir})); err != nil {
			_ = closer.Close()
			return nil, nil, err
		}
	}
	if workdir != "" {
		for _, t := range FileTools(workdir) {
			if err := reg.Register(t); err != nil {
				_ = closer.Close()
				return nil, nil, err
			}
		}
	}
	reg.SetGated(gated)
	return reg, closer, nil
}
