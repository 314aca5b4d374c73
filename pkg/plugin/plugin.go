// Package plugin implements the in-process plugin host: a registry of
// named command handlers registered in-process via Register, dispatched by
// the service when it receives a "plugin"-typed request. On-disk YAML
// manifests can be parsed with DiscoverManifests, but they do not register
// any handler.
package plugin

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/aixterm/aixterm/pkg/logger"
)

// ManifestCommand describes one command a plugin exposes.
type ManifestCommand struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// Manifest is a plugin's on-disk declaration, loaded from
// $HOME/.aixterm/plugins/<name>/manifest.yaml.
type Manifest struct {
	Name     string            `yaml:"name"`
	Version  string            `yaml:"version"`
	Commands []ManifestCommand `yaml:"commands"`
}

// Handler executes one plugin command. parameters is the request's
// "parameters" object (already decoded); the returned map is marshaled as
// the response payload, with "success": true added by Dispatch when the
// handler leaves that key out.
type Handler func(parameters map[string]any) (map[string]any, error)

// Registry holds every registered plugin command handler, keyed by its
// fully-qualified "<plugin>:<command>" name.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry returns an empty plugin registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds handler under "<plugin>:<command>". Re-registering the
// same name overwrites the previous handler.
func (r *Registry) Register(plugin, command string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[qualify(plugin, command)] = handler
}

// Commands returns every registered command name, sorted.
func (r *Registry) Commands() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Dispatch routes a fully-qualified command name to its handler. An
// unregistered command returns {"success": false, "error": "..."} rather
// than an error, matching the plugin-defined response shape spec.md §4.M
// leaves open.
func (r *Registry) Dispatch(command string, parameters map[string]any) map[string]any {
	r.mu.RLock()
	handler, ok := r.handlers[command]
	r.mu.RUnlock()

	if !ok {
		return map[string]any{"success": false, "error": fmt.Sprintf("plugin command %q not registered", command)}
	}

	result, err := handler(parameters)
	if err != nil {
		return map[string]any{"success": false, "error": err.Error()}
	}
	if result == nil {
		result = map[string]any{}
	}
	if _, has := result["success"]; !has {
		result["success"] = true
	}
	return result
}

func qualify(plugin, command string) string {
	return plugin + ":" + command
}

// LoadManifest parses a plugin's manifest.yaml at path.
func LoadManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("plugin: read manifest %s: %w", path, err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("plugin: parse manifest %s: %w", path, err)
	}
	if m.Name == "" {
		return Manifest{}, fmt.Errorf("plugin: manifest %s has no name", path)
	}
	return m, nil
}

// DiscoverManifests scans pluginsDir for <name>/manifest.yaml files and
// returns every manifest it can parse, logging and skipping any it can't.
func DiscoverManifests(pluginsDir string) []Manifest {
	entries, err := os.ReadDir(pluginsDir)
	if err != nil {
		return nil
	}

	var manifests []Manifest
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(pluginsDir, entry.Name(), "manifest.yaml")
		m, err := LoadManifest(path)
		if err != nil {
			if !os.IsNotExist(err) && !strings.Contains(err.Error(), "no such file") {
				logger.WarnCF("plugin", "failed to load plugin manifest", map[string]any{"path": path, "error": err.Error()})
			}
			continue
		}
		manifests = append(manifests, m)
	}
	return manifests
}

// DecodeParameters unmarshals a plugin call's already-unwrapped
// "parameters" field (raw may be nil/empty when a command takes none).
func DecodeParameters(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var params map[string]any
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, fmt.Errorf("plugin: decode parameters: %w", err)
	}
	if params == nil {
		params = map[string]any{}
	}
	return params, nil
}
