package cnm

import (
	"embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/tidwall/gjson"
	"github.com/xeipuuv/gojsonschema"
)

//go:embed schemas/*.json
var schemaFS embed.FS

var compiledSchemas = struct {
	mu     sync.RWMutex
	byName map[SchemaVersion]*gojsonschema.Schema
}{byName: make(map[SchemaVersion]*gojsonschema.Schema)}

// Violation is a single schema rule that a document failed to satisfy.
type Violation struct {
	Field       string
	Description string
}

func (v Violation) Error() string {
	return fmt.Sprintf("%s: %s", v.Field, v.Description)
}

// SchemaValidationError reports every violation found while validating a document
// against Schema.
type SchemaValidationError struct {
	Schema     SchemaVersion
	Violations []Violation
}

func (e *SchemaValidationError) Error() string {
	msgs := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		msgs[i] = v.Error()
	}
	return fmt.Sprintf("CNM does not conform to schema %s: %s", e.Schema, strings.Join(msgs, "; "))
}

func (e *SchemaValidationError) Unwrap() []error {
	errs := make([]error, len(e.Violations))
	for i, v := range e.Violations {
		errs[i] = v
	}
	return errs
}

// DetectSchemaVersion selects the schema a raw CNM document should be validated against.
// An object-valued collection is only valid in 1.6.1; anything else is treated as 1.6.0.
func DetectSchemaVersion(raw []byte) SchemaVersion {
	if gjson.GetBytes(raw, "collection").IsObject() {
		return SchemaVersion161
	}
	return SchemaVersion160
}

func loadSchema(v SchemaVersion) (*gojsonschema.Schema, error) {
	compiledSchemas.mu.RLock()
	s, ok := compiledSchemas.byName[v]
	compiledSchemas.mu.RUnlock()
	if ok {
		return s, nil
	}

	file := fmt.Sprintf("schemas/cnm-%s.json", v)
	b, err := schemaFS.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("error reading schema %s: %w", file, err)
	}
	s, err = gojsonschema.NewSchema(gojsonschema.NewBytesLoader(b))
	if err != nil {
		return nil, fmt.Errorf("error compiling schema %s: %w", file, err)
	}

	compiledSchemas.mu.Lock()
	compiledSchemas.byName[v] = s
	compiledSchemas.mu.Unlock()
	return s, nil
}

// Parse validates raw against the CNM schema variant it declares by shape and decodes it.
// A document that fails validation returns *SchemaValidationError.
func Parse(raw []byte) (*NotificationMessage, error) {
	version := DetectSchemaVersion(raw)
	if !gjson.ValidBytes(raw) || !gjson.ParseBytes(raw).IsObject() {
		return nil, &SchemaValidationError{
			Schema:     version,
			Violations: []Violation{{Field: "(root)", Description: "document is not a JSON object"}},
		}
	}

	schema, err := loadSchema(version)
	if err != nil {
		return nil, err
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, fmt.Errorf("error validating CNM: %w", err)
	}
	if !result.Valid() {
		verr := &SchemaValidationError{Schema: version}
		for _, re := range result.Errors() {
			verr.Violations = append(verr.Violations, Violation{
				Field:       re.Field(),
				Description: re.Description(),
			})
		}
		return nil, verr
	}

	var msg NotificationMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("error decoding CNM: %w", err)
	}
	msg.Schema = version
	return &msg, nil
}

// Decode reads a CNM without schema validation. It is used where a notification must be
// echoed back to its provider even when it would not validate, such as dead-lettered input.
func Decode(raw []byte) (*NotificationMessage, error) {
	var msg NotificationMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("error decoding CNM: %w", err)
	}
	msg.Schema = DetectSchemaVersion(raw)
	return &msg, nil
}
