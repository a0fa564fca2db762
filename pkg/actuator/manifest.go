package actuator

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"github.com/harun/embodia/internal/config"
)

// ManifestSchema is the JSON schema for actuator manifest files.
const ManifestSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["id", "kind", "driver"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "kind": {"type": "string", "minLength": 1},
    "driver": {"type": "string", "enum": ["log", "http", "telegram"]},
    "endpoint": {"type": "string"},
    "chat_id": {"type": "integer"},
    "parameters_schema": {"type": "object"}
  },
  "additionalProperties": false
}`

var actuatorIDRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// ManifestLoader loads and validates actuator manifests.
type ManifestLoader struct {
	logger       zerolog.Logger
	schemaLoader gojsonschema.JSONLoader
}

// NewManifestLoader creates a new manifest loader.
func NewManifestLoader(logger zerolog.Logger) *ManifestLoader {
	return &ManifestLoader{
		logger:       logger.With().Str("component", "manifest-loader").Logger(),
		schemaLoader: gojsonschema.NewStringLoader(ManifestSchema),
	}
}

// IsManifest reports whether path has a manifest extension.
func IsManifest(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".yaml", ".yml":
		return true
	}
	return false
}

// Load reads and validates one manifest file.
func (m *ManifestLoader) Load(path string) (*config.ActuatorConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	doc, err := toJSON(path, data)
	if err != nil {
		return nil, err
	}
	if err := m.validateSchema(doc); err != nil {
		return nil, err
	}

	var manifest config.ActuatorConfig
	if err := json.Unmarshal(doc, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	if err := ValidateActuatorConfig(manifest); err != nil {
		return nil, err
	}

	m.logger.Debug().
		Str("id", manifest.ID).
		Str("kind", manifest.Kind).
		Str("path", path).
		Msg("Loaded manifest")

	return &manifest, nil
}

// ManifestPaths lists the manifest files in dir. A missing dir has none.
func ManifestPaths(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read manifest dir: %w", err)
	}

	var paths []string
	for _, e := range entries {
		if e.IsDir() || !IsManifest(e.Name()) {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	return paths, nil
}

// LoadDir loads every manifest in dir. Invalid files are logged and skipped.
func (m *ManifestLoader) LoadDir(dir string) (map[string]*config.ActuatorConfig, error) {
	paths, err := ManifestPaths(dir)
	if err != nil {
		return nil, err
	}

	out := make(map[string]*config.ActuatorConfig)
	for _, path := range paths {
		manifest, err := m.Load(path)
		if err != nil {
			m.logger.Warn().Err(err).Str("path", path).Msg("Skipping invalid manifest")
			continue
		}
		out[path] = manifest
	}
	return out, nil
}

func (m *ManifestLoader) validateSchema(doc []byte) error {
	result, err := gojsonschema.Validate(m.schemaLoader, gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}
	if !result.Valid() {
		var errMsg string
		for i, err := range result.Errors() {
			if i > 0 {
				errMsg += "; "
			}
			errMsg += err.String()
		}
		return fmt.Errorf("schema validation errors: %s", errMsg)
	}
	return nil
}

// ValidateActuatorConfig checks constraints the schema cannot express.
func ValidateActuatorConfig(c config.ActuatorConfig) error {
	if !actuatorIDRegex.MatchString(c.ID) {
		return fmt.Errorf("invalid actuator ID format: %s (must be lowercase alphanumeric with hyphens or underscores)", c.ID)
	}
	switch c.Driver {
	case "http":
		if c.Endpoint == "" {
			return fmt.Errorf("actuator %s: http driver requires an endpoint", c.ID)
		}
	case "telegram":
		if c.ChatID == 0 {
			return fmt.Errorf("actuator %s: telegram driver requires a chat_id", c.ID)
		}
	}
	return nil
}

// toJSON converts a YAML manifest to JSON so both formats share one schema.
func toJSON(path string, data []byte) ([]byte, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".json" {
		return data, nil
	}

	var doc interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse manifest YAML: %w", err)
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to convert manifest YAML: %w", err)
	}
	return out, nil
}
