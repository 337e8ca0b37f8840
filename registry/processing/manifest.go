package processing

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const manifestSchemaText = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["name", "version"],
  "properties": {
    "name": {"type": "string", "pattern": "^[a-z0-9][a-z0-9._-]*$"},
    "version": {"type": "string", "minLength": 1},
    "displayName": {"type": "string"},
    "description": {"type": "string"},
    "unity": {"type": "string", "pattern": "^[0-9]{4}\\.[0-9]+$"},
    "keywords": {"type": "array", "items": {"type": "string"}},
    "author": {"type": ["object", "string"]},
    "dependencies": {"type": "object", "additionalProperties": {"type": "string"}}
  }
}`

var manifestSchema = jsonschema.MustCompileString("package-manifest.json", manifestSchemaText)

// CheckManifest validates a package.json document. Problems are returned as
// warnings, since uploaded manifests are published as they are. The raw
// document is returned only when it is valid JSON.
func CheckManifest(data []byte) (json.RawMessage, []string) {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()

	var doc interface{}
	if err := decoder.Decode(&doc); err != nil {
		return nil, []string{fmt.Sprintf("package.json is not valid JSON: %v", err)}
	}

	var warnings []string
	if err := manifestSchema.Validate(doc); err != nil {
		warnings = append(warnings, err.Error())
	}
	return json.RawMessage(data), warnings
}

type manifestDependencies struct {
	Dependencies map[string]string `json:"dependencies"`
}

// ManifestDependencies reads the dependency map out of a stored manifest
// snapshot, ignoring documents that do not parse.
func ManifestDependencies(raw []byte) map[string]string {
	var doc manifestDependencies
	if len(raw) == 0 || json.Unmarshal(raw, &doc) != nil || doc.Dependencies == nil {
		return map[string]string{}
	}
	return doc.Dependencies
}
