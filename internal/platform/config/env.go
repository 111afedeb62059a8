package config

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/fairlinestudio/open-pay-go/internal/platform/value"
)

// Loader assembles a service's boot configuration. Precedence, low to high:
// base file, brand file, environment file, configuration store, remote URL,
// environment variables.
type Loader struct {
	Service   string
	Brand     string
	Env       string
	Dir       string
	Store     *Store
	Scope     Scope
	RemoteURL string
	Client    *http.Client
	Environ   []string
}

// LoadDotenv populates process env vars from a .env file when present.
// Missing files are not an error.
func LoadDotenv(path string) error {
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	return godotenv.Load(path)
}

func (l *Loader) Load(ctx context.Context) (map[string]any, error) {
	out := map[string]any{}

	files := []string{l.fileName("")}
	if l.Brand != "" {
		files = append(files, l.fileName(l.Brand))
	}
	if l.Env != "" {
		files = append(files, l.fileName(l.Env))
	}
	for _, f := range files {
		layer, err := readJSONFile(f)
		if err != nil {
			return nil, fmt.Errorf("config file %s: %w", f, err)
		}
		if layer != nil {
			out = value.Merge(out, layer)
		}
	}

	if l.Store != nil {
		layer, err := l.Store.GetAll(ctx, l.Service, l.Scope)
		if err == nil {
			out = value.Merge(out, flatToNested(layer))
		}
	}

	if l.RemoteURL != "" {
		layer, err := l.fetchRemote(ctx)
		if err != nil {
			return nil, fmt.Errorf("remote config %s: %w", l.RemoteURL, err)
		}
		if layer != nil {
			out = value.Merge(out, layer)
		}
	}

	out = value.Merge(out, l.envLayer())
	return out, nil
}

func (l *Loader) fileName(variant string) string {
	name := l.Service
	if variant != "" {
		name += "." + variant
	}
	return filepath.Join(l.Dir, name+".json")
}

func readJSONFile(path string) (map[string]any, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (l *Loader) fetchRemote(ctx context.Context) (map[string]any, error) {
	client := l.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.RemoteURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// envLayer parses vars matching <SERVICE_UPPER>_<KEY>[__<NESTED>], with "__"
// as the nesting separator and camelCase key conversion. Values parse as
// JSON when possible, otherwise as plain strings.
func (l *Loader) envLayer() map[string]any {
	environ := l.Environ
	if environ == nil {
		environ = os.Environ()
	}
	prefix := strings.ToUpper(l.Service) + "_"
	out := map[string]any{}
	for _, kv := range environ {
		eq := strings.Index(kv, "=")
		if eq < 0 {
			continue
		}
		name, raw := kv[:eq], kv[eq+1:]
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		path := value.EnvPath(name[len(prefix):])
		if path == "" {
			continue
		}
		value.Set(out, path, parseEnvValue(raw))
	}
	return out
}

func parseEnvValue(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		switch v.(type) {
		case bool, float64, string, map[string]any, []any, nil:
			return v
		}
	}
	return raw
}

func flatToNested(flat map[string]any) map[string]any {
	out := map[string]any{}
	for k, v := range flat {
		value.Set(out, k, v)
	}
	return out
}
