package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// ReloadEvent reports a change to config.yaml or a discovered credential file.
type ReloadEvent struct {
	Path string
	Op   fsnotify.Op
}

// Watcher observes the home directory and the credentials tree. Directories
// are watched instead of files so that editor rename-and-replace saves are seen.
type Watcher struct {
	homeDir string
	logger  *slog.Logger
	events  chan ReloadEvent
}

func NewWatcher(homeDir string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		homeDir: homeDir,
		logger:  logger,
		events:  make(chan ReloadEvent, 16),
	}
}

func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.homeDir); err != nil {
		fsw.Close()
		return err
	}
	credDir := CredentialsDir(w.homeDir)
	_ = os.MkdirAll(credDir, 0o700)
	_ = fsw.Add(credDir)
	if entries, err := os.ReadDir(credDir); err == nil {
		for _, e := range entries {
			if e.IsDir() {
				_ = fsw.Add(filepath.Join(credDir, e.Name()))
			}
		}
	}

	go func() {
		defer fsw.Close()
		defer close(w.events)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
					continue
				}
				// New provider directories under credentials/ get watched too.
				if ev.Op&fsnotify.Create != 0 && filepath.Dir(ev.Name) == credDir {
					if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
						_ = fsw.Add(ev.Name)
						continue
					}
				}
				if !w.relevant(ev.Name) {
					continue
				}
				select {
				case w.events <- ReloadEvent{Path: ev.Name, Op: ev.Op}:
				default:
				}
				w.logger.Info("config file changed", "path", ev.Name, "op", ev.Op.String())
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("config watcher error", "error", err)
			}
		}
	}()
	return nil
}

func (w *Watcher) relevant(path string) bool {
	if path == ConfigPath(w.homeDir) {
		return true
	}
	return strings.HasSuffix(path, ".key") && strings.HasPrefix(path, CredentialsDir(w.homeDir)+string(filepath.Separator))
}
