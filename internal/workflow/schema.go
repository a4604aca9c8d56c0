package workflow

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/santhosh-tekuri/jsonschema/v6/kind"
	"github.com/tidwall/gjson"
)

const documentSchemaURL = "https://backfill.local/schemas/workflow.json"

// documentSchema covers structure and scalar types only. Emptiness of step
// and selector lists is reported by the later stages so that the error names
// the list itself.
const documentSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://backfill.local/schemas/workflow.json",
  "type": "object",
  "required": ["workflow_name", "paths"],
  "properties": {
    "workflow_name": { "type": "string", "minLength": 1 },
    "description": { "type": "string" },
    "metadata": { "$ref": "#/$defs/attributes" },
    "paths": { "type": "array", "items": { "$ref": "#/$defs/path" } },
    "accounts": { "type": "array", "items": { "$ref": "#/$defs/account" } },
    "segments": { "type": "array", "items": { "$ref": "#/$defs/segment" } }
  },
  "additionalProperties": false,
  "$defs": {
    "attributes": {
      "type": "object",
      "additionalProperties": { "type": ["string", "number", "boolean"] }
    },
    "path": {
      "type": "object",
      "required": ["path_id", "steps"],
      "properties": {
        "path_id": { "type": "string", "minLength": 1 },
        "description": { "type": "string" },
        "percentage": { "type": ["number", "null"], "minimum": 0, "maximum": 100 },
        "steps": { "type": "array", "items": { "$ref": "#/$defs/step" } }
      },
      "additionalProperties": false
    },
    "step": {
      "type": "object",
      "required": ["action"],
      "properties": {
        "action": {
          "type": "string",
          "enum": ["navigate", "click", "type", "wait", "wait_for_selector"]
        },
        "value": { "type": "string" },
        "selector": { "type": "array", "items": { "$ref": "#/$defs/selector" } },
        "delay_ms": { "type": "integer", "minimum": 0 },
        "timeout_ms": { "type": "integer", "minimum": 0 },
        "description": { "type": "string" }
      },
      "additionalProperties": false,
      "if": { "properties": { "action": { "const": "navigate" } } },
      "then": {
        "required": ["value"],
        "properties": { "value": { "minLength": 1 } }
      }
    },
    "selector": {
      "type": "object",
      "required": ["by", "value"],
      "properties": {
        "by": { "type": "string", "enum": ["attribute", "text", "role", "css"] },
        "name": { "type": "string" },
        "value": { "type": "string", "minLength": 1 }
      },
      "additionalProperties": false,
      "if": { "properties": { "by": { "const": "attribute" } } },
      "then": {
        "required": ["name"],
        "properties": { "name": { "minLength": 1 } }
      }
    },
    "account": {
      "type": "object",
      "required": ["account_id", "user_count"],
      "properties": {
        "account_id": { "type": "string", "minLength": 1 },
        "attributes": { "$ref": "#/$defs/attributes" },
        "user_count": { "type": "integer", "minimum": 0 }
      },
      "additionalProperties": false
    },
    "segment": {
      "type": "object",
      "required": ["segment_id", "percentage", "path_preferences"],
      "properties": {
        "segment_id": { "type": "string", "minLength": 1 },
        "percentage": { "type": "number", "minimum": 0, "maximum": 100 },
        "user_attributes": { "$ref": "#/$defs/attributes" },
        "path_preferences": {
          "type": "object",
          "additionalProperties": { "type": "number", "minimum": 0 }
        }
      },
      "additionalProperties": false
    }
  }
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func documentSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.AssertFormat()
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(documentSchemaJSON))
		if err != nil {
			schemaErr = fmt.Errorf("unmarshal workflow schema: %w", err)
			return
		}
		if err := c.AddResource(documentSchemaURL, doc); err != nil {
			schemaErr = fmt.Errorf("add workflow schema resource: %w", err)
			return
		}
		compiledSchema, schemaErr = c.Compile(documentSchemaURL)
		if schemaErr != nil {
			schemaErr = fmt.Errorf("compile workflow schema: %w", schemaErr)
		}
	})
	return compiledSchema, schemaErr
}

// checkStructure validates raw against the document schema and converts the
// first violation, in document order, into a ValidationError.
func checkStructure(raw []byte) error {
	sch, err := documentSchema()
	if err != nil {
		return err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return &ValidationError{Message: "malformed JSON: " + err.Error()}
	}
	err = sch.Validate(inst)
	if err == nil {
		return nil
	}
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return &ValidationError{Message: err.Error()}
	}
	leaf := firstViolation(raw, collectLeaves(verr))
	if leaf == nil {
		return &ValidationError{Message: verr.Error()}
	}
	loc := leaf.InstanceLocation
	msg := leafMessage(leaf)
	if req, ok := leaf.ErrorKind.(*kind.Required); ok && len(req.Missing) > 0 {
		loc = append(append([]string(nil), loc...), req.Missing[0])
		msg = "is required"
	}
	return &ValidationError{Field: fieldPath(raw, loc), Message: msg}
}

func collectLeaves(verr *jsonschema.ValidationError) []*jsonschema.ValidationError {
	if len(verr.Causes) == 0 {
		return []*jsonschema.ValidationError{verr}
	}
	var out []*jsonschema.ValidationError
	for _, c := range verr.Causes {
		out = append(out, collectLeaves(c)...)
	}
	return out
}

// firstViolation picks the leaf whose instance appears first in raw. Deeper
// locations win ties so a missing child is reported before its parent.
func firstViolation(raw []byte, leaves []*jsonschema.ValidationError) *jsonschema.ValidationError {
	if len(leaves) == 0 {
		return nil
	}
	offset := func(v *jsonschema.ValidationError) int {
		if len(v.InstanceLocation) == 0 {
			return 0
		}
		return gjson.GetBytes(raw, gjsonPath(v.InstanceLocation)).Index
	}
	sort.SliceStable(leaves, func(i, j int) bool {
		oi, oj := offset(leaves[i]), offset(leaves[j])
		if oi != oj {
			return oi < oj
		}
		return len(leaves[i].InstanceLocation) > len(leaves[j].InstanceLocation)
	})
	return leaves[0]
}

// leafMessage strips the location prefix the library puts in front of leaf messages.
func leafMessage(v *jsonschema.ValidationError) string {
	msg := v.Error()
	if i := strings.LastIndex(msg, "': "); i >= 0 && strings.Contains(msg[:i], "at '") {
		msg = msg[i+3:]
	}
	return strings.TrimSpace(msg)
}

// fieldPath renders a JSON pointer token list as paths[2].steps[0].selector,
// asking gjson which containers are arrays.
func fieldPath(raw []byte, tokens []string) string {
	var b strings.Builder
	for i, tok := range tokens {
		var parent gjson.Result
		if i == 0 {
			parent = gjson.ParseBytes(raw)
		} else {
			parent = gjson.GetBytes(raw, gjsonPath(tokens[:i]))
		}
		if parent.IsArray() {
			b.WriteString("[" + tok + "]")
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('.')
		}
		b.WriteString(tok)
	}
	return b.String()
}

func gjsonPath(tokens []string) string {
	parts := make([]string, len(tokens))
	for i, t := range tokens {
		parts[i] = escapeGJSON(t)
	}
	return strings.Join(parts, ".")
}

func escapeGJSON(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '.', '*', '?', '|', '#', '@', '\\', '!', '=', '<', '>', '%':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
