package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	maxReadBytes   = 100 * 1024
	maxListEntries = 200
)

type fileInput struct {
	Path    string `json:"path"`
	Content string `json:"content,omitempty"`
}

const (
	pathSchema = `{
  "type": "object",
  "properties": {"path": {"type": "string", "minLength": 1}},
  "required": ["path"],
  "additionalProperties": false
}`
	writeSchema = `{
  "type": "object",
  "properties": {
    "path": {"type": "string", "minLength": 1},
    "content": {"type": "string"}
  },
  "required": ["path", "content"],
  "additionalProperties": false
}`
)

// workspacePath resolves p inside root, following symlinks on the parent so
// a link cannot lead out of the workspace.
func workspacePath(root, p string) (string, error) {
	if root == "" {
		return "", errors.New("no workspace configured")
	}
	root, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	if realRoot, err := filepath.EvalSymlinks(root); err == nil {
		root = realRoot
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(root, p)
	}
	p = filepath.Clean(p)
	if dir, err := filepath.EvalSymlinks(filepath.Dir(p)); err == nil {
		p = filepath.Join(dir, filepath.Base(p))
	}
	rel, err := filepath.Rel(root, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q is outside the workspace", p)
	}
	return p, nil
}

// FileTools returns read_file, write_file and list_directory confined to
// workspace.
func FileTools(workspace string) []Tool {
	return []Tool{
		{
			Name:        "read_file",
			Description: "Read a text file in the workspace (max 100KB).",
			Schema:      json.RawMessage(pathSchema),
			Invoke: func(_ context.Context, call Call) (string, error) {
				var in fileInput
				if err := Decode("read_file", call.Arguments, &in); err != nil {
					return "", err
				}
				p, err := workspacePath(workspace, in.Path)
				if err != nil {
					return "", err
				}
				info, err := os.Stat(p)
				if err != nil {
					return "", fmt.Errorf("stat: %w", err)
				}
				if info.IsDir() {
					return "", errors.New("path is a directory, use list_directory instead")
				}
				if info.Size() > maxReadBytes {
					return "", fmt.Errorf("file too large: %d bytes (max %d)", info.Size(), maxReadBytes)
				}
				data, err := os.ReadFile(p)
				if err != nil {
					return "", fmt.Errorf("read: %w", err)
				}
				return string(data), nil
			},
		},
		{
			Name:        "write_file",
			Description: "Write a file in the workspace, creating parent directories.",
			Schema:      json.RawMessage(writeSchema),
			Describe: func(args json.RawMessage) (string, string) {
				var in fileInput
				_ = json.Unmarshal(args, &in)
				return fmt.Sprintf("write_file %s (%d bytes)", in.Path, len(in.Content)), workspace
			},
			Invoke: func(_ context.Context, call Call) (string, error) {
				var in fileInput
				if err := Decode("write_file", call.Arguments, &in); err != nil {
					return "", err
				}
				p, err := workspacePath(workspace, in.Path)
				if err != nil {
					return "", err
				}
				if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
					return "", fmt.Errorf("mkdir: %w", err)
				}
				tmp := p + ".tmp"
				if err := os.WriteFile(tmp, []byte(in.Content), 0o644); err != nil {
					return "", fmt.Errorf("write temp: %w", err)
				}
				if err := os.Rename(tmp, p); err != nil {
					_ = os.Remove(tmp)
					return "", fmt.Errorf("rename: %w", err)
				}
				return fmt.Sprintf("wrote %d bytes to %s", len(in.Content), p), nil
			},
		},
		{
			Name:        "list_directory",
			Description: "List a workspace directory (max 200 entries).",
			Schema:      json.RawMessage(pathSchema),
			Invoke: func(_ context.Context, call Call) (string, error) {
				var in fileInput
				if err := Decode("list_directory", call.Arguments, &in); err != nil {
					return "", err
				}
				p, err := workspacePath(workspace, in.Path)
				if err != nil {
					return "", err
				}
				entries, err := os.ReadDir(p)
				if err != nil {
					return "", fmt.Errorf("read dir: %w", err)
				}
				var b strings.Builder
				for i, e := range entries {
					if i >= maxListEntries {
						fmt.Fprintf(&b, "... %d more\n", len(entries)-i)
						break
					}
					if e.IsDir() {
						fmt.Fprintf(&b, "%s/\n", e.Name())
						continue
					}
					var size int64
					if info, err := e.Info(); err == nil {
						size = info.Size()
					}
					fmt.Fprintf(&b, "%s\t%d\n", e.Name(), size)
				}
				return strings.TrimRight(b.String(), "\n"), nil
			},
		},
	}
}
