package schema

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"path"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed schemas/*.schema.yaml
var schemaFS embed.FS

const baseURL = "liteflow://schemas/"

// Document kinds with a schema
const (
	Live    = "live"
	Batch   = "batch"
	Project = "project"
)

// Validator handles JSON schema validation of workflow documents
type Validator struct {
	schemas map[string]*jsonschema.Schema
}

// NewValidator compiles the embedded schemas
func NewValidator() (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft7

	entries, err := schemaFS.ReadDir("schemas")
	if err != nil {
		return nil, fmt.Errorf("failed to read embedded schemas: %w", err)
	}
	for _, entry := range entries {
		data, err := schemaFS.ReadFile(path.Join("schemas", entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read schema %s: %w", entry.Name(), err)
		}

		// Schemas are authored in YAML; the compiler wants JSON
		var doc interface{}
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("failed to parse schema %s: %w", entry.Name(), err)
		}
		jsonData, err := json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal schema %s: %w", entry.Name(), err)
		}
		if err := compiler.AddResource(resourceURL(entry.Name()), bytes.NewReader(jsonData)); err != nil {
			return nil, fmt.Errorf("failed to add schema %s: %w", entry.Name(), err)
		}
	}

	v := &Validator{schemas: make(map[string]*jsonschema.Schema)}
	for _, kind := range []string{Live, Batch, Project} {
		s, err := compiler.Compile(resourceURL(kind + ".schema.yaml"))
		if err != nil {
			return nil, fmt.Errorf("failed to compile %s schema: %w", kind, err)
		}
		v.schemas[kind] = s
	}
	return v, nil
}

// resourceURL maps foo.schema.yaml to liteflow://schemas/foo.schema.json
func resourceURL(name string) string {
	return baseURL + name[:len(name)-len(path.Ext(name))] + ".json"
}

// ValidateNode validates a parsed YAML document against the schema of kind
func (v *Validator) ValidateNode(kind string, node *yaml.Node) error {
	var doc interface{}
	if err := node.Decode(&doc); err != nil {
		return fmt.Errorf("failed to decode document: %w", err)
	}
	return v.Validate(kind, doc)
}

// Validate validates a generic document against the schema of kind
func (v *Validator) Validate(kind string, doc interface{}) error {
	s, ok := v.schemas[kind]
	if !ok {
		return fmt.Errorf("no schema for document kind %q", kind)
	}

	// Round-trip through JSON so the validator sees JSON types only
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal document: %w", err)
	}
	var normalized interface{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&normalized); err != nil {
		return fmt.Errorf("failed to unmarshal document: %w", err)
	}
	return s.Validate(normalized)
}
