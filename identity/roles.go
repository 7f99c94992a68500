package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// RoleDirectory is a file-backed list of administrator user ids.
//
// The file is YAML:
//
//	administrators:
//	  - alice
//	  - bob
//
// Watch keeps the in-memory copy current as the file changes.
type RoleDirectory struct {
	path string

	mu     sync.RWMutex
	admins map[string]struct{}
}

type roleFile struct {
	Administrators []string `yaml:"administrators"`
}

// LoadRoleDirectory reads path and returns a directory. A missing file yields
// an empty directory.
func LoadRoleDirectory(path string) (*RoleDirectory, error) {
	d := &RoleDirectory{path: path, admins: map[string]struct{}{}}
	if err := d.Reload(); err != nil {
		return nil, err
	}
	return d, nil
}

// Reload re-reads the backing file. On error the previous contents are kept.
func (d *RoleDirectory) Reload() error {
	b, err := os.ReadFile(d.path)
	if errors.Is(err, os.ErrNotExist) {
		d.replace(nil)
		return nil
	}
	if err != nil {
		return fmt.Errorf("read role directory: %w", err)
	}

	var f roleFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return fmt.Errorf("parse role directory %s: %w", d.path, err)
	}
	d.replace(f.Administrators)
	return nil
}

func (d *RoleDirectory) replace(ids []string) {
	next := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id != "" {
			next[id] = struct{}{}
		}
	}
	d.mu.Lock()
	d.admins = next
	d.mu.Unlock()
}

// IsAdministrator reports whether userID is listed.
func (d *RoleDirectory) IsAdministrator(userID string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.admins[userID]
	return ok
}

// Promote wraps p so that listed users are reported with the administrator
// role. Other identities pass through unchanged.
func (d *RoleDirectory) Promote(p Provider) Provider {
	return ProviderFunc(func(ctx context.Context, r *http.Request) (Identity, error) {
		id, err := p.Identify(ctx, r)
		if err != nil {
			return id, err
		}
		if d.IsAdministrator(id.UserID) {
			id.Role = RoleAdministrator
		}
		return id, nil
	})
}

// Watch reloads the directory whenever its file changes, until ctx is done.
// The parent directory is watched so that editors which replace the file
// atomically are observed.
func (d *RoleDirectory) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("role directory watcher: %w", err)
	}
	defer func() {
		_ = w.Close()
	}()

	target := filepath.Clean(d.path)
	if err := w.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(target), err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if err := d.Reload(); err != nil {
				slog.WarnContext(ctx, "identity.roles.reload.err", slog.String("err", err.Error()))
				continue
			}
			slog.DebugContext(ctx, "identity.roles.reload.ok", slog.String("path", target))
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			slog.Debug("fsnotify error", slog.String("err", err.Error()))
		}
	}
}
