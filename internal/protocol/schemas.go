package protocol

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"path"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Schema file names.
const (
	SchemaPredictRequest  = "predict_request.schema.json"
	SchemaPredictResponse = "predict_response.schema.json"
	SchemaHello           = "hello.schema.json"
	SchemaWelcome         = "welcome.schema.json"
	SchemaPredict         = "predict.schema.json"
	SchemaPredictBatch    = "predict_batch.schema.json"
)

//go:embed schemas/*.schema.json
var schemaFiles embed.FS

const schemaBaseURL = "https://minecraftfriend.ai/schemas/"

// Validator checks wire documents against the embedded JSON schemas.
type Validator struct {
	schemas map[string]*jsonschema.Schema
}

func NewValidator() (*Validator, error) {
	names, err := fs.Glob(schemaFiles, "schemas/*.schema.json")
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	c := jsonschema.NewCompiler()
	for _, p := range names {
		b, err := schemaFiles.ReadFile(p)
		if err != nil {
			return nil, err
		}
		if err := c.AddResource(schemaBaseURL+path.Base(p), bytes.NewReader(b)); err != nil {
			return nil, fmt.Errorf("%s: %w", path.Base(p), err)
		}
	}
	v := &Validator{schemas: make(map[string]*jsonschema.Schema, len(names))}
	for _, p := range names {
		name := path.Base(p)
		s, err := c.Compile(schemaBaseURL + name)
		if err != nil {
			return nil, fmt.Errorf("compile %s: %w", name, err)
		}
		v.schemas[name] = s
	}
	return v, nil
}

// Names lists the compiled schemas.
func (v *Validator) Names() []string {
	out := make([]string, 0, len(v.schemas))
	for n := range v.schemas {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Validate checks the JSON document doc against the named schema.
func (v *Validator) Validate(name string, doc []byte) error {
	s, ok := v.schemas[name]
	if !ok {
		return fmt.Errorf("unknown schema %q", name)
	}
	var x any
	if err := json.Unmarshal(doc, &x); err != nil {
		return err
	}
	return s.Validate(x)
}

// ValidateValue marshals v and validates the result.
func (v *Validator) ValidateValue(name string, val any) error {
	b, err := json.Marshal(val)
	if err != nil {
		return err
	}
	return v.Validate(name, b)
}
