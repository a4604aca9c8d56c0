// Package workflow defines the workflow document and its validation.
//
// A document is produced only by Validate; once returned it is treated as
// immutable and shared read-only by every session derived from it.
package workflow

import (
	"encoding/json"
)

// DefaultDelayMS is applied to steps that omit delay_ms.
const DefaultDelayMS = 1000

// Document is a validated workflow definition.
type Document struct {
	Name        string     `json:"workflow_name"`
	Description string     `json:"description,omitempty"`
	Metadata    Attributes `json:"metadata,omitempty"`
	Paths       []Path     `json:"paths"`
	Accounts    []Account  `json:"accounts,omitempty"`
	Segments    []Segment  `json:"segments,omitempty"`
}

// Path is one weighted user journey.
type Path struct {
	ID          string `json:"path_id"`
	Description string `json:"description,omitempty"`
	// Percentage is nil when the document uses segment weighting.
	Percentage *float64 `json:"percentage"`
	Steps      []Step   `json:"steps"`
}

// Action names a step variant.
type Action string

const (
	ActionNavigate        Action = "navigate"
	ActionClick           Action = "click"
	ActionType            Action = "type"
	ActionWait            Action = "wait"
	ActionWaitForSelector Action = "wait_for_selector"
)

// NeedsSelector reports whether the action must carry a selector list.
func (a Action) NeedsSelector() bool {
	switch a {
	case ActionClick, ActionType, ActionWaitForSelector:
		return true
	}
	return false
}

// Step is a single browser action followed by a pacing delay.
type Step struct {
	Action      Action     `json:"action"`
	Value       string     `json:"value,omitempty"`
	Selector    []Selector `json:"selector,omitempty"`
	DelayMS     int        `json:"delay_ms"`
	TimeoutMS   int        `json:"timeout_ms,omitempty"`
	Description string     `json:"description,omitempty"`
}

func (s *Step) UnmarshalJSON(data []byte) error {
	type plain Step
	p := plain{DelayMS: DefaultDelayMS}
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*s = Step(p)
	return nil
}

// Strategy names a selector variant.
type Strategy string

const (
	// ByAttribute matches elements whose attribute Name equals Value.
	ByAttribute Strategy = "attribute"
	// ByText matches elements whose visible text equals Value.
	ByText Strategy = "text"
	// ByRole matches elements with ARIA role Value and, when set, accessible name Name.
	ByRole Strategy = "role"
	// ByCSS matches a raw CSS selector in Value.
	ByCSS Strategy = "css"
)

// Selector is one strategy in a step's ordered fallback list.
type Selector struct {
	By    Strategy `json:"by"`
	Name  string   `json:"name,omitempty"`
	Value string   `json:"value"`
}

func (s Selector) String() string {
	switch s.By {
	case ByAttribute:
		return "[" + s.Name + "=" + s.Value + "]"
	case ByRole:
		if s.Name != "" {
			return "role=" + s.Value + "(" + s.Name + ")"
		}
		return "role=" + s.Value
	case ByText:
		return "text=" + s.Value
	default:
		return string(s.By) + "=" + s.Value
	}
}

// Account groups simulated users under one company.
type Account struct {
	ID         string     `json:"account_id"`
	Attributes Attributes `json:"attributes,omitempty"`
	UserCount  int        `json:"user_count"`
}

// Segment is a weighted behavioural group within every account.
type Segment struct {
	ID              string             `json:"segment_id"`
	Percentage      float64            `json:"percentage"`
	UserAttributes  Attributes         `json:"user_attributes,omitempty"`
	PathPreferences map[string]float64 `json:"path_preferences"`
}

// Segmented reports whether path weights come from segments.
func (d *Document) Segmented() bool {
	return len(d.Segments) > 0
}

// Path returns the path with the given id.
func (d *Document) Path(id string) (*Path, bool) {
	for i := range d.Paths {
		if d.Paths[i].ID == id {
			return &d.Paths[i], true
		}
	}
	return nil, false
}

// PathIDs returns path ids in declaration order.
func (d *Document) PathIDs() []string {
	ids := make([]string, len(d.Paths))
	for i, p := range d.Paths {
		ids[i] = p.ID
	}
	return ids
}

// Encode serializes the document into the form accepted by Validate.
func Encode(d *Document) ([]byte, error) {
	return json.Marshal(d)
}
