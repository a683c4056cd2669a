package activitypub

import (
	"bytes"
	"embed"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const (
	schemaObject     = "object.json"
	schemaNote       = "note.json"
	schemaPerson     = "person.json"
	schemaCollection = "collection.json"
	schemaActivity   = "activity.json"
	schemaEmoji      = "emoji.json"

	schemaBaseURL = "https://fedcore.schemas/"
)

//go:embed schemas/*.json
var schemaFS embed.FS

var (
	schemasOnce sync.Once
	schemas     map[string]*jsonschema.Schema
	schemasErr  error
)

func compileSchemas() (map[string]*jsonschema.Schema, error) {
	schemasOnce.Do(func() {
		c := jsonschema.NewCompiler()
		names := []string{schemaObject, schemaNote, schemaPerson, schemaCollection, schemaActivity, schemaEmoji}
		for _, name := range names {
			b, err := schemaFS.ReadFile("schemas/" + name)
			if err != nil {
				schemasErr = fmt.Errorf("failed to read schema %s: %w", name, err)
				return
			}
			doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(b))
			if err != nil {
				schemasErr = fmt.Errorf("failed to parse schema %s: %w", name, err)
				return
			}
			if err := c.AddResource(schemaBaseURL+name, doc); err != nil {
				schemasErr = fmt.Errorf("failed to add schema %s: %w", name, err)
				return
			}
		}
		compiled := make(map[string]*jsonschema.Schema, len(names))
		for _, name := range names {
			sch, err := c.Compile(schemaBaseURL + name)
			if err != nil {
				schemasErr = fmt.Errorf("failed to compile schema %s: %w", name, err)
				return
			}
			compiled[name] = sch
		}
		schemas = compiled
	})
	return schemas, schemasErr
}

func validateSchema(name string, raw []byte) error {
	compiled, err := compileSchemas()
	if err != nil {
		return err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return &ValidationError{Reason: fmt.Sprintf("malformed json: %v", err)}
	}
	if err := compiled[name].Validate(inst); err != nil {
		return &ValidationError{Reason: fmt.Sprintf("schema %s: %v", name, err)}
	}
	return nil
}
