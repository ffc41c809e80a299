package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/parley/internal/errkind"
)

// includeKey lists files merged underneath the file that names them.
const includeKey = "$include"

// envRef matches ${NAME} and ${NAME:-fallback}. Bare $NAME is not expanded
// so $include and regular expressions anchored with $ are untouched.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

func expandEnv(s string) string {
	return envRef.ReplaceAllStringFunc(s, func(ref string) string {
		m := envRef.FindStringSubmatch(ref)
		if v, ok := os.LookupEnv(m[1]); ok && v != "" {
			return v
		}
		return m[2]
	})
}

// LoadRaw reads path and its includes into one map. Includes are applied in
// the order listed and the including file overrides them.
func LoadRaw(path string) (map[string]any, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("config path is required")
	}
	var l loader
	return l.load(path)
}

// loader tracks the include chain being read.
type loader struct {
	chain []string
}

func (l *loader) load(path string) (map[string]any, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	for _, p := range l.chain {
		if p == abs {
			return nil, fmt.Errorf("config include cycle: %s -> %s", strings.Join(l.chain, " -> "), abs)
		}
	}
	l.chain = append(l.chain, abs)
	defer func() { l.chain = l.chain[:len(l.chain)-1] }()

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, err
	}
	doc, err := decodeDocument([]byte(expandEnv(string(data))), abs)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", abs, err)
	}
	includes, err := takeIncludes(doc)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", abs, err)
	}

	out := map[string]any{}
	for _, inc := range includes {
		if !filepath.IsAbs(inc) {
			inc = filepath.Join(filepath.Dir(abs), inc)
		}
		sub, err := l.load(inc)
		if err != nil {
			return nil, err
		}
		out = overlay(out, sub)
	}
	return overlay(out, doc), nil
}

// decodeDocument parses one file. .json and .json5 files are read as JSON5;
// everything else as a single YAML document.
func decodeDocument(data []byte, path string) (map[string]any, error) {
	var doc map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".json5":
		if err := json5.Unmarshal(data, &doc); err != nil {
			return nil, err
		}
	default:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		if err := dec.Decode(new(any)); !errors.Is(err, io.EOF) {
			return nil, errors.New("multiple YAML documents are not supported")
		}
	}
	if doc == nil {
		doc = map[string]any{}
	}
	return doc, nil
}

// takeIncludes removes and returns the include list of doc.
func takeIncludes(doc map[string]any) ([]string, error) {
	v, ok := doc[includeKey]
	if !ok {
		return nil, nil
	}
	delete(doc, includeKey)

	var list []any
	switch t := v.(type) {
	case nil:
		return nil, nil
	case string:
		list = []any{t}
	case []any:
		list = t
	default:
		return nil, fmt.Errorf("%s must be a path or a list of paths", includeKey)
	}

	paths := make([]string, 0, len(list))
	for _, item := range list {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("%s entries must be strings, got %T", includeKey, item)
		}
		if s = strings.TrimSpace(s); s != "" {
			paths = append(paths, s)
		}
	}
	return paths, nil
}

// overlay returns base with top laid over it. Nested maps merge key by key;
// any other value in top replaces the one in base.
func overlay(base, top map[string]any) map[string]any {
	for k, v := range top {
		if sub, ok := v.(map[string]any); ok {
			if prev, ok := base[k].(map[string]any); ok {
				base[k] = overlay(prev, sub)
				continue
			}
		}
		base[k] = v
	}
	return base
}

// decodeRawConfig re-encodes the merged map as YAML and decodes it into
// Config, so JSON5 and YAML sources go through the same strict decoder.
// Unknown keys are rejected.
func decodeRawConfig(raw map[string]any) (*Config, error) {
	payload, err := yaml.Marshal(raw)
	if err != nil {
		return nil, errkind.New(errkind.Misconfigured, "config.decode", err)
	}
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(payload))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, errkind.New(errkind.Misconfigured, "config.decode", err)
	}
	return &cfg, nil
}
