package workflow

import (
	"encoding/json"
	"fmt"
	"math"

	"gopkg.in/yaml.v3"
)

// WeightTolerance is the allowed deviation of a percentage sum from 100.
const WeightTolerance = 0.01

// ValidationError names the offending field of a rejected document.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid workflow: " + e.Message
	}
	return fmt.Sprintf("invalid workflow: %s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// Validate parses raw JSON into a Document. Checks run in order (structure,
// references, weights, steps, selectors) and the first violation is returned
// as a *ValidationError.
func Validate(raw []byte) (*Document, error) {
	if err := checkStructure(raw); err != nil {
		return nil, err
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, &ValidationError{Message: err.Error()}
	}
	normalize(&doc)

	checks := []func(*Document) *ValidationError{
		checkReferences,
		checkWeights,
		checkSteps,
		checkSelectors,
	}
	for _, check := range checks {
		if verr := check(&doc); verr != nil {
			return nil, verr
		}
	}
	return &doc, nil
}

// ValidateYAML converts a YAML document to JSON and validates it.
func ValidateYAML(raw []byte) (*Document, error) {
	js, err := YAMLToJSON(raw)
	if err != nil {
		return nil, err
	}
	return Validate(js)
}

// YAMLToJSON re-encodes a YAML document as JSON.
func YAMLToJSON(raw []byte) ([]byte, error) {
	var v any
	if err := yaml.Unmarshal(raw, &v); err != nil {
		return nil, &ValidationError{Message: "malformed YAML: " + err.Error()}
	}
	js, err := json.Marshal(v)
	if err != nil {
		return nil, &ValidationError{Message: "YAML is not representable as JSON: " + err.Error()}
	}
	return js, nil
}

// normalize drops empty optional collections so that a decoded document
// compares equal to its re-encoded form.
func normalize(d *Document) {
	if len(d.Metadata) == 0 {
		d.Metadata = nil
	}
	if len(d.Accounts) == 0 {
		d.Accounts = nil
	}
	if len(d.Segments) == 0 {
		d.Segments = nil
	}
	for i := range d.Paths {
		for j := range d.Paths[i].Steps {
			if len(d.Paths[i].Steps[j].Selector) == 0 {
				d.Paths[i].Steps[j].Selector = nil
			}
		}
	}
	for i := range d.Accounts {
		if len(d.Accounts[i].Attributes) == 0 {
			d.Accounts[i].Attributes = nil
		}
	}
	for i := range d.Segments {
		if len(d.Segments[i].UserAttributes) == 0 {
			d.Segments[i].UserAttributes = nil
		}
		if d.Segments[i].PathPreferences == nil {
			d.Segments[i].PathPreferences = map[string]float64{}
		}
	}
}

func checkReferences(d *Document) *ValidationError {
	paths := make(map[string]bool, len(d.Paths))
	for i, p := range d.Paths {
		if paths[p.ID] {
			return invalid(fmt.Sprintf("paths[%d].path_id", i), "duplicate path id %q", p.ID)
		}
		paths[p.ID] = true
	}
	accounts := make(map[string]bool, len(d.Accounts))
	for i, a := range d.Accounts {
		if accounts[a.ID] {
			return invalid(fmt.Sprintf("accounts[%d].account_id", i), "duplicate account id %q", a.ID)
		}
		accounts[a.ID] = true
	}
	if len(d.Segments) > 0 && len(d.Accounts) == 0 {
		return invalid("segments", "segments require at least one account")
	}
	segments := make(map[string]bool, len(d.Segments))
	for i, s := range d.Segments {
		if segments[s.ID] {
			return invalid(fmt.Sprintf("segments[%d].segment_id", i), "duplicate segment id %q", s.ID)
		}
		segments[s.ID] = true
		for _, id := range sortedKeys(s.PathPreferences) {
			if !paths[id] {
				return invalid(fmt.Sprintf("segments[%d].path_preferences.%s", i, id), "unknown path %q", id)
			}
		}
	}
	return nil
}

func checkWeights(d *Document) *ValidationError {
	if d.Segmented() {
		for i, p := range d.Paths {
			if p.Percentage != nil {
				return invalid(fmt.Sprintf("paths[%d].percentage", i), "must be null when segments are defined")
			}
		}
		var sum float64
		for i, s := range d.Segments {
			sum += s.Percentage
			var prefs float64
			for _, w := range s.PathPreferences {
				prefs += w
			}
			if prefs <= 0 {
				return invalid(fmt.Sprintf("segments[%d].path_preferences", i), "must assign a positive weight to at least one path")
			}
		}
		if !sumsTo100(sum) {
			return invalid("segments", "percentages sum to %g, expected 100", sum)
		}
		return nil
	}
	var sum float64
	for i, p := range d.Paths {
		if p.Percentage == nil {
			return invalid(fmt.Sprintf("paths[%d].percentage", i), "is required when no segments are defined")
		}
		sum += *p.Percentage
	}
	if !sumsTo100(sum) {
		return invalid("paths", "percentages sum to %g, expected 100", sum)
	}
	return nil
}

func sumsTo100(sum float64) bool {
	return math.Abs(sum-100) <= WeightTolerance
}

func checkSteps(d *Document) *ValidationError {
	for i, p := range d.Paths {
		if len(p.Steps) == 0 {
			return invalid(fmt.Sprintf("paths[%d].steps", i), "must contain at least one step")
		}
	}
	return nil
}

func checkSelectors(d *Document) *ValidationError {
	for i, p := range d.Paths {
		for j, s := range p.Steps {
			if s.Action.NeedsSelector() && len(s.Selector) == 0 {
				return invalid(fmt.Sprintf("paths[%d].steps[%d].selector", i, j), "%s step needs at least one selector strategy", s.Action)
			}
		}
	}
	return nil
}
