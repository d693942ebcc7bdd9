package events

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// domainEventSchema is the wire contract every inbound event must satisfy
// before it reaches a router. Payload shape is type-specific and left open.
const domainEventSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["event_type", "event_id", "project_id", "timestamp"],
	"properties": {
		"event_type": {"type": "string", "minLength": 1},
		"event_id": {"type": "string", "minLength": 1},
		"project_id": {"type": "string", "minLength": 1},
		"timestamp": {"type": "string"},
		"payload": {"type": "object"}
	}
}`

// Validator checks raw inbound event documents against the domain-event schema.
type Validator struct {
	schema *jsonschema.Schema
}

// NewValidator compiles the domain-event schema.
func NewValidator() (*Validator, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(domainEventSchema))
	if err != nil {
		return nil, fmt.Errorf("unmarshal event schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("domain_event.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("domain_event.json")
	if err != nil {
		return nil, fmt.Errorf("compile event schema: %w", err)
	}
	return &Validator{schema: schema}, nil
}

// Parse validates raw JSON against the contract and decodes it into a
// DomainEvent. A validation failure means the event is malformed at the
// source; the caller logs and drops it.
func (v *Validator) Parse(raw []byte) (DomainEvent, error) {
	// jsonschema.UnmarshalJSON is required for correct number handling.
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return DomainEvent{}, fmt.Errorf("invalid event JSON: %w", err)
	}
	if err := v.schema.Validate(parsed); err != nil {
		return DomainEvent{}, fmt.Errorf("event schema validation: %w", err)
	}

	var ev DomainEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return DomainEvent{}, fmt.Errorf("decode event: %w", err)
	}
	return ev, nil
}
