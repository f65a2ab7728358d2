// CUE schema validation code
package config

import (
	_ "embed"
	"fmt"
	"os"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"
)

//go:embed schema.cue
var defaultSchema []byte

// ValidateWithCue validates YAML configuration bytes against the #Config
// definition of a CUE schema. An empty schema uses the built-in one.
func ValidateWithCue(yamlBytes, schemaBytes []byte) error {
	if len(schemaBytes) == 0 {
		schemaBytes = defaultSchema
	}
	ctx := cuecontext.New()

	var configData map[string]any
	if err := yaml.Unmarshal(yamlBytes, &configData); err != nil {
		return fmt.Errorf("cannot unmarshal YAML config: %w", err)
	}
	if configData == nil {
		configData = map[string]any{}
	}
	configVal := ctx.Encode(configData)
	if configVal.Err() != nil {
		return fmt.Errorf("cannot encode YAML config: %w", configVal.Err())
	}

	schemaVal := ctx.CompileBytes(schemaBytes)
	if schemaVal.Err() != nil {
		return fmt.Errorf("cannot compile CUE schema: %w", schemaVal.Err())
	}
	def := schemaVal.LookupPath(cue.ParsePath("#Config"))
	if !def.Exists() {
		return fmt.Errorf("CUE schema has no #Config definition")
	}

	final := def.Unify(configVal)
	if err := final.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}

// ValidateFiles validates configFile against cueFile. An empty cueFile
// uses the built-in schema.
func ValidateFiles(configFile, cueFile string) error {
	yamlBytes, err := os.ReadFile(configFile)
	if err != nil {
		return fmt.Errorf("cannot read YAML config: %w", err)
	}
	var schemaBytes []byte
	if cueFile != "" {
		if schemaBytes, err = os.ReadFile(cueFile); err != nil {
			return fmt.Errorf("cannot read CUE schema: %w", err)
		}
	}
	return ValidateWithCue(yamlBytes, schemaBytes)
}
