// Package options is the configuration store. Values are addressed by
// slash-separated string paths (e.g. "stt/base_url") and resolved fresh on
// every read, so a set_config call takes effect on the next invocation
// without any restart or cache invalidation.
//
// Precedence per key: process env > .env.local > .env > options.toml >
// built-in default. Set writes to the TOML file (secrets land in the same
// file; operators who prefer env vars simply never Set them).
package options

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Getter is the read-only view handed to services. Reads are cheap and
// callers are expected to re-read per invocation rather than cache.
type Getter interface {
	GetString(key string) string
	GetInt(key string) int
	GetBool(key string) bool
}

// Store is the mutable configuration store backed by a TOML file.
type Store struct {
	mu     sync.RWMutex
	path   string
	values map[string]string
}

// EnvPrefix is prepended to the env var form of every key.
const EnvPrefix = "SUB2MCP_"

var defaults = map[string]string{
	"server/listen":        "127.0.0.1:8602",
	"server/mcp_path":      "/mcp",
	"stt/enabled":          "true",
	"stt/base_url":         "",
	"stt/api_key":          "",
	"stt/model":            "whisper-1",
	"stt/language":         "Auto",
	"stt/prompt":           "",
	"stt/lookahead_lines":  "0",
	"audio_llm/provider":   "gemini",
	"audio_llm/base_url":   "",
	"audio_llm/api_key":    "",
	"audio_llm/model":      "",
	"audio_llm/http_proxy": "",
	"autosave/enabled":     "true",
	"autosave/interval_ms": "5000",
	"autosave/keep":        "20",
}

// Open loads the store from path (missing file is fine) after loading
// .env / .env.local into the process environment, later files never
// overriding variables already set.
func Open(path string) (*Store, error) {
	for _, name := range []string{".env", ".env.local"} {
		values, err := godotenv.Read(name)
		if err != nil {
			continue
		}
		for k, v := range values {
			if _, exists := os.LookupEnv(k); !exists {
				if err := os.Setenv(k, v); err != nil {
					return nil, err
				}
			}
		}
	}

	s := &Store{path: path, values: map[string]string{}}
	if path == "" {
		return s, nil
	}
	raw := map[string]string{}
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("options: reading %s: %w", path, err)
	}
	for k, v := range raw {
		if _, known := defaults[k]; !known {
			return nil, fmt.Errorf("options: unknown key %q in %s", k, path)
		}
		s.values[k] = v
	}
	return s, nil
}

// EnvVarFor maps an option key to its environment variable name:
// "stt/base_url" -> "SUB2MCP_STT_BASE_URL".
func EnvVarFor(key string) string {
	up := strings.ToUpper(key)
	up = strings.NewReplacer("/", "_", " ", "_").Replace(up)
	return EnvPrefix + up
}

// Known reports whether key is a recognized option path.
func Known(key string) bool {
	_, ok := defaults[key]
	return ok
}

// Keys returns all known option paths in unspecified order.
func Keys() []string {
	out := make([]string, 0, len(defaults))
	for k := range defaults {
		out = append(out, k)
	}
	return out
}

func (s *Store) GetString(key string) string {
	if v, ok := os.LookupEnv(EnvVarFor(key)); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	s.mu.RLock()
	v, ok := s.values[key]
	s.mu.RUnlock()
	if ok {
		return v
	}
	return defaults[key]
}

func (s *Store) GetInt(key string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s.GetString(key)))
	if err != nil {
		n, _ = strconv.Atoi(defaults[key])
	}
	return n
}

func (s *Store) GetBool(key string) bool {
	v := strings.TrimSpace(s.GetString(key))
	return v == "1" || strings.EqualFold(v, "true")
}

// SetString stores a value and persists the file. Unknown keys are
// rejected so typos surface immediately instead of silently configuring
// nothing.
func (s *Store) SetString(key, value string) error {
	if !Known(key) {
		return fmt.Errorf("options: unknown key %q", key)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return s.persistLocked()
}

// SetInt stores an integer value.
func (s *Store) SetInt(key string, value int) error {
	return s.SetString(key, strconv.Itoa(value))
}

// SetBool stores a boolean value.
func (s *Store) SetBool(key string, value bool) error {
	return s.SetString(key, strconv.FormatBool(value))
}

func (s *Store) persistLocked() error {
	if s.path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(s.values); err != nil {
		return fmt.Errorf("options: encoding: %w", err)
	}
	return os.WriteFile(s.path, buf.Bytes(), 0o644)
}
