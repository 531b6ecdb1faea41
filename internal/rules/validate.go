package rules

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

var ErrValidation = errors.New("invalid rule")

type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError lists every violated field of a rule spec.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, field := range e.Fields {
		parts = append(parts, field.Field+": "+field.Message)
	}
	return "invalid rule: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func (e *ValidationError) add(field, message string) {
	for _, existing := range e.Fields {
		if existing.Field == field {
			return
		}
	}
	e.Fields = append(e.Fields, FieldError{Field: field, Message: message})
}

const ruleSpecSchema = `{
  "type": "object",
  "required": ["name", "type", "config"],
  "properties": {
    "name": {"type": "string", "minLength": 1, "maxLength": 200},
    "type": {"enum": ["auto_comment", "auto_upvote", "auto_follow", "content_monitor"]},
    "config": {
      "type": "object",
      "properties": {
        "subreddits": {"type": ["array", "null"], "items": {"type": "string"}},
        "keywords": {"type": ["array", "null"], "items": {"type": "string"}},
        "comment_templates": {"type": ["array", "null"], "items": {"type": "string"}},
        "delay_min": {"type": "integer", "minimum": 0},
        "delay_max": {"type": "integer", "minimum": 0},
        "daily_limit": {"type": "integer", "minimum": 0},
        "conditions": {
          "type": "object",
          "properties": {
            "min_upvotes": {"type": "integer", "minimum": 0},
            "max_age_hours": {"type": "integer", "minimum": 0},
            "exclude_keywords": {"type": ["array", "null"], "items": {"type": "string"}}
          }
        }
      }
    }
  }
}`

var (
	ruleSchemaOnce sync.Once
	ruleSchema     *jsonschema.Schema
	ruleSchemaErr  error
)

func compiledRuleSchema() (*jsonschema.Schema, error) {
	ruleSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(ruleSpecSchema))
		if err != nil {
			ruleSchemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("rule-spec.json", doc); err != nil {
			ruleSchemaErr = err
			return
		}
		ruleSchema, ruleSchemaErr = compiler.Compile("rule-spec.json")
	})
	return ruleSchema, ruleSchemaErr
}

// Validate checks spec structurally against the rule schema and then for
// the cross-field constraints the schema cannot express.
func Validate(spec RuleSpec) error {
	verr := &ValidationError{}

	if strings.TrimSpace(spec.Name) == "" {
		verr.add("name", "must not be empty")
	}
	if !spec.Type.Valid() {
		verr.add("type", "must be one of "+strings.Join(sortedRuleTypes(), ", "))
	}
	if spec.Config.DelayMin < 0 {
		verr.add("config.delay_min", "must not be negative")
	}
	if spec.Config.DelayMax < 0 {
		verr.add("config.delay_max", "must not be negative")
	}
	if spec.Config.DelayMin > spec.Config.DelayMax {
		verr.add("config.delay_min", fmt.Sprintf("must not exceed delay_max (%d > %d)", spec.Config.DelayMin, spec.Config.DelayMax))
	}
	if spec.Config.DailyLimit < 0 {
		verr.add("config.daily_limit", "must not be negative")
	}

	if err := validateSchema(spec, verr); err != nil {
		return err
	}
	if len(verr.Fields) > 0 {
		return verr
	}
	return nil
}

func validateSchema(spec RuleSpec, verr *ValidationError) error {
	schema, err := compiledRuleSchema()
	if err != nil {
		return fmt.Errorf("compile rule schema: %w", err)
	}
	encoded, err := json.Marshal(spec)
	if err != nil {
		return err
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(encoded))
	if err != nil {
		return err
	}
	err = schema.Validate(instance)
	if err == nil {
		return nil
	}
	var schemaErr *jsonschema.ValidationError
	if !errors.As(err, &schemaErr) {
		return err
	}
	for _, leaf := range leafCauses(schemaErr) {
		field := strings.Join(leaf.InstanceLocation, ".")
		if field == "" {
			field = "rule"
		}
		message := "is invalid"
		if leaf.ErrorKind != nil {
			if keyword := leaf.ErrorKind.KeywordPath(); len(keyword) > 0 {
				message = "violates " + strings.Join(keyword, "/")
			}
		}
		verr.add(field, message)
	}
	return nil
}

func leafCauses(err *jsonschema.ValidationError) []*jsonschema.ValidationError {
	if len(err.Causes) == 0 {
		return []*jsonschema.ValidationError{err}
	}
	var out []*jsonschema.ValidationError
	for _, cause := range err.Causes {
		out = append(out, leafCauses(cause)...)
	}
	return out
}
