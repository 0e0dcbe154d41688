package config

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads a sidecar configuration file from the provided path.
func Load(path string) (*File, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("open config file: %w", err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%s: decode: %w", absPath, err)
	}
	if raw == nil {
		raw = map[string]any{}
	}
	if err := validateAgainstSchema(raw); err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	var doc File
	if err := decoder.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%s: decode: %w", absPath, err)
	}

	configDir := filepath.Dir(absPath)
	backend := &doc.Backend
	if backend.Workdir != "" {
		backend.Workdir = resolveWorkdir(configDir, os.ExpandEnv(backend.Workdir))
	}

	var fileEnv map[string]string
	if backend.EnvFromFile != "" {
		expanded := os.ExpandEnv(backend.EnvFromFile)
		if !filepath.IsAbs(expanded) {
			expanded = filepath.Clean(filepath.Join(configDir, expanded))
		}
		backend.EnvFromFile = expanded

		fileEnv, err = loadEnvFile(expanded)
		if err != nil {
			return nil, fmt.Errorf("%s: %s: %w", absPath, backendField("envFromFile"), err)
		}
	}

	merged := make(map[string]string, len(fileEnv)+len(backend.Env))
	for k, v := range fileEnv {
		merged[k] = v
	}
	for k, v := range backend.Env {
		merged[k] = os.ExpandEnv(v)
	}
	if len(merged) > 0 {
		backend.Env = merged
	} else {
		backend.Env = nil
	}

	backend.ApplyDefaults()
	if err := backend.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	return &doc, nil
}

// LoadBackend returns the backend specification stored at path, or the
// built-in defaults when path is empty.
func LoadBackend(path string) (*BackendSpec, error) {
	if strings.TrimSpace(path) == "" {
		return Default(), nil
	}
	doc, err := Load(path)
	if err != nil {
		return nil, err
	}
	return &doc.Backend, nil
}

func resolveWorkdir(base, workdir string) string {
	if workdir == "" {
		return base
	}
	if filepath.IsAbs(workdir) {
		return filepath.Clean(workdir)
	}
	return filepath.Clean(filepath.Join(base, workdir))
}

func loadEnvFile(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("load env file %q: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	values := make(map[string]string)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" || strings.HasPrefix(raw, "#") {
			continue
		}
		raw = strings.TrimSpace(strings.TrimPrefix(raw, "export "))
		key, value, ok := strings.Cut(raw, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("load env file %q: invalid line %d", path, lineNo)
		}
		value, err := parseEnvValue(strings.TrimSpace(value))
		if err != nil {
			return nil, fmt.Errorf("load env file %q: %s on line %d: %w", path, key, lineNo, err)
		}
		values[key] = os.ExpandEnv(value)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("load env file %q: %w", path, err)
	}
	return values, nil
}

// parseEnvValue strips quotes and trailing comments from an env file value.
func parseEnvValue(value string) (string, error) {
	if value == "" {
		return "", nil
	}
	switch value[0] {
	case '"':
		end := -1
		for i := 1; i < len(value); i++ {
			if value[i] == '\\' {
				i++
				continue
			}
			if value[i] == '"' {
				end = i
				break
			}
		}
		if end < 0 {
			return "", errors.New("unmatched quote")
		}
		if err := checkTrailing(value[end+1:]); err != nil {
			return "", err
		}
		unquoted, err := strconv.Unquote(value[:end+1])
		if err != nil {
			return "", fmt.Errorf("parse value: %w", err)
		}
		return unquoted, nil
	case '\'':
		end := strings.IndexByte(value[1:], '\'')
		if end < 0 {
			return "", errors.New("unmatched quote")
		}
		end++
		if err := checkTrailing(value[end+1:]); err != nil {
			return "", err
		}
		return value[1:end], nil
	}
	if comment := strings.IndexByte(value, '#'); comment >= 0 {
		value = strings.TrimSpace(value[:comment])
	}
	return value, nil
}

func checkTrailing(rest string) error {
	rest = strings.TrimSpace(rest)
	if rest != "" && !strings.HasPrefix(rest, "#") {
		return fmt.Errorf("unexpected characters after quoted value: %q", rest)
	}
	return nil
}
