package credentials

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/sync/singleflight"

	"github.com/haasonsaas/parley/internal/errkind"
)

const materialSchema = `{
  "type": "object",
  "required": ["kind"],
  "additionalProperties": false,
  "properties": {
    "kind": {"enum": ["absent", "direct", "proxied"]},
    "token": {"type": "string"},
    "expires_at": {"type": "string"},
    "provider_hint": {"type": "string"},
    "prefer_direct": {"type": "boolean"},
    "direct": {
      "type": "object",
      "required": ["provider", "api_key"],
      "additionalProperties": false,
      "properties": {
        "provider": {"type": "string", "minLength": 1},
        "api_key": {"type": "string", "minLength": 1},
        "expires_at": {"type": "string"}
      }
    }
  }
}`

var compiledSchema = jsonschema.MustCompileString("credentials.json", materialSchema)

// FileStore reads material from a JSON file and republishes it when the file
// changes. A missing file yields absent material.
type FileStore struct {
	path   string
	logger *slog.Logger
	h      holder
	group  singleflight.Group
}

// FileOption configures a FileStore.
type FileOption func(*FileStore)

// WithLogger sets the logger used for reload diagnostics.
func WithLogger(logger *slog.Logger) FileOption {
	return func(s *FileStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewFileStore returns a store bound to path. The file is read lazily.
func NewFileStore(path string, opts ...FileOption) (*FileStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errkind.Newf(errkind.Misconfigured, "credentials.open", "credentials path is required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, errkind.New(errkind.Misconfigured, "credentials.open", err)
	}
	s := &FileStore{path: abs, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Path returns the absolute path of the credentials file.
func (s *FileStore) Path() string { return s.path }

// Load returns the current material, reading the file on first use.
func (s *FileStore) Load(ctx context.Context) (Material, error) {
	if m, ok := s.h.load(); ok {
		return m, nil
	}
	return s.Reload(ctx)
}

// Reload re-reads the file and publishes the result. Concurrent callers share
// a single read.
func (s *FileStore) Reload(ctx context.Context) (Material, error) {
	v, err, _ := s.group.Do("reload", func() (any, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		m, err := ReadFile(s.path)
		if err != nil {
			return nil, err
		}
		s.h.replace(m)
		s.logger.Debug("credentials reloaded", "path", s.path, "kind", m.Kind)
		return m, nil
	})
	if err != nil {
		return Material{}, err
	}
	return v.(Material).Clone(), nil
}

// Replace publishes m without touching the file.
func (s *FileStore) Replace(m Material) { s.h.replace(m) }

// OnRefresh registers fn to receive every published material.
func (s *FileStore) OnRefresh(fn func(Material)) func() { return s.h.subscribe(fn) }

// watchDebounce coalesces the bursts of events one editor save produces.
const watchDebounce = 50 * time.Millisecond

// Watch reloads the file whenever it changes until ctx is done.
func (s *FileStore) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		return err
	}

	timer := time.NewTimer(watchDebounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != s.path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			timer.Reset(watchDebounce)
		case <-timer.C:
			if _, err := s.Reload(ctx); err != nil {
				s.logger.Warn("credentials reload failed", "path", s.path, "error", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("credentials watcher error", "error", err)
		}
	}
}

// ReadFile parses and validates a credentials file.
func ReadFile(path string) (Material, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Absent(), nil
	}
	if err != nil {
		return Material{}, errkind.New(errkind.Misconfigured, "credentials.read", err)
	}
	return Parse(data)
}

// Parse validates raw JSON against the credentials schema and decodes it.
// Proxied tokens that are JWTs get their expiry from the exp claim when the
// file does not state one.
func Parse(data []byte) (Material, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Absent(), nil
	}

	var payload any
	if err := json.Unmarshal(data, &payload); err != nil {
		return Material{}, errkind.New(errkind.Misconfigured, "credentials.parse", err)
	}
	if err := compiledSchema.Validate(payload); err != nil {
		return Material{}, errkind.New(errkind.Misconfigured, "credentials.parse", err)
	}

	var m Material
	if err := json.Unmarshal(data, &m); err != nil {
		return Material{}, errkind.New(errkind.Misconfigured, "credentials.parse", err)
	}
	if m.Kind == KindProxied && m.ExpiresAt.IsZero() {
		if exp, ok := TokenExpiry(m.Token); ok {
			m.ExpiresAt = exp
		}
	}
	return m, nil
}

// Encode renders m in the on-disk format.
func Encode(m Material) ([]byte, error) {
	return json.MarshalIndent(m, "", "  ")
}

// WriteFile atomically replaces the credentials file at path.
func WriteFile(path string, m Material) error {
	data, err := Encode(m)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace credentials file: %w", err)
	}
	return nil
}
