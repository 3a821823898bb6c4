// Loads deployment settings from a .env file and the environment.

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/caarlos0/env/v11"
)

// EnvPrefix prefixes every environment variable read by LoadEnv.
const EnvPrefix = "BACKDROP_"

// Env holds settings that may come from the environment. Empty values mean
// "not set"; flags explicitly passed on the command line take precedence.
type Env struct {
	HTTP     string `env:"HTTP"`
	LogLevel string `env:"LOG_LEVEL"`
	BaseURL  string `env:"BASE_URL"`
	KV       string `env:"KV"`
	Blobs    string `env:"BLOBS"`
	Inbox    string `env:"INBOX"`
}

// LoadEnv reads dataDir/.env, overlays the process environment and parses
// the BACKDROP_* variables. Keys in .env may omit the prefix.
func LoadEnv(dataDir string) (*Env, error) {
	vars, err := LoadDotEnv(dataDir)
	if err != nil {
		return nil, err
	}
	merged := make(map[string]string, len(vars))
	for k, v := range vars {
		if !strings.HasPrefix(k, EnvPrefix) {
			k = EnvPrefix + k
		}
		merged[k] = v
	}
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok && strings.HasPrefix(k, EnvPrefix) {
			merged[k] = v
		}
	}
	var e Env
	if err := env.ParseWithOptions(&e, env.Options{Environment: merged, Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	return &e, nil
}

// LoadDotEnv parses dataDir/.env. A missing file yields an empty map.
//
// Lines are KEY=VALUE; blank lines and lines starting with # are skipped.
// Values may be double quoted with Go escaping. Single quotes are rejected.
func LoadDotEnv(dataDir string) (map[string]string, error) {
	vars := make(map[string]string)
	path := filepath.Join(dataDir, ".env")
	content, err := os.ReadFile(path) //nolint:gosec // G304: path is constructed from dataDir.
	if err != nil {
		if os.IsNotExist(err) {
			return vars, nil
		}
		return nil, err
	}
	for line := range strings.SplitSeq(string(content), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(strings.TrimPrefix(key, "export "))
		val = strings.TrimSpace(val)
		if strings.HasPrefix(val, "'") || strings.HasSuffix(val, "'") {
			return nil, fmt.Errorf("single quotes are not supported in .env: %s", line)
		}
		if strings.HasPrefix(val, "\"") {
			unquoted, err := strconv.Unquote(val)
			if err != nil {
				return nil, fmt.Errorf("failed to unquote %s: %w", key, err)
			}
			val = unquoted
		}
		vars[key] = val
	}
	return vars, nil
}
