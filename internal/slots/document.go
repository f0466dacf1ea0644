package slots

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

const (
	targetRule = "oneof=today tomorrow range"
	daysRule   = "oneof=1 2 3"
)

// ErrInvalidDocument is returned by ParseDocument for text that is not a JSON
// object.
var ErrInvalidDocument = errors.New("invalid config document")

// SlotOverride is a partial slot configuration; nil fields are absent.
type SlotOverride struct {
	Enabled *bool   `json:"enabled,omitempty"`
	Target  *Target `json:"target,omitempty"`
	Days    *int    `json:"days,omitempty"`
}

func (o SlotOverride) empty() bool {
	return o.Enabled == nil && o.Target == nil && o.Days == nil
}

// Document is the override document stored under ConfigKey.
type Document struct {
	Enabled *bool                   `json:"enabled,omitempty"`
	Slots   map[string]SlotOverride `json:"slots,omitempty"`
}

// Empty reports whether the document carries no field at all.
func (d Document) Empty() bool {
	return d.Enabled == nil && len(d.Slots) == 0
}

// ParseDocument decodes raw into a Document. Each field is validated on its
// own; a field with the wrong type or an out-of-range value is dropped without
// affecting the rest. Only text that is not a JSON object is an error.
func ParseDocument(raw []byte) (Document, error) {
	var loose struct {
		Enabled json.RawMessage            `json:"enabled"`
		Slots   map[string]json.RawMessage `json:"slots"`
	}
	if err := json.Unmarshal(raw, &loose); err != nil {
		return Document{}, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}

	var doc Document
	if b, ok := parseBool(loose.Enabled); ok {
		doc.Enabled = &b
	}
	for _, id := range sortedKeys(loose.Slots) {
		o, ok := parseSlot(loose.Slots[id])
		if !ok {
			continue
		}
		if doc.Slots == nil {
			doc.Slots = make(map[string]SlotOverride)
		}
		doc.Slots[id] = o
	}
	return doc, nil
}

func parseSlot(raw json.RawMessage) (SlotOverride, bool) {
	var loose struct {
		Enabled json.RawMessage `json:"enabled"`
		Target  json.RawMessage `json:"target"`
		Days    json.RawMessage `json:"days"`
	}
	if err := json.Unmarshal(raw, &loose); err != nil {
		return SlotOverride{}, false
	}

	var o SlotOverride
	if b, ok := parseBool(loose.Enabled); ok {
		o.Enabled = &b
	}
	var target string
	if len(loose.Target) > 0 && json.Unmarshal(loose.Target, &target) == nil && validate.Var(target, targetRule) == nil {
		t := Target(target)
		o.Target = &t
	}
	var days int
	if len(loose.Days) > 0 && json.Unmarshal(loose.Days, &days) == nil && validate.Var(days, daysRule) == nil {
		o.Days = &days
	}
	return o, !o.empty()
}

func parseBool(raw json.RawMessage) (bool, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return false, false
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err != nil {
		return false, false
	}
	return b, true
}

// Patch returns a copy of d with every field present in p written over it,
// field by field inside each slot.
func (d Document) Patch(p Document) Document {
	out := Document{Enabled: d.Enabled}
	if p.Enabled != nil {
		out.Enabled = p.Enabled
	}
	if len(d.Slots)+len(p.Slots) > 0 {
		out.Slots = make(map[string]SlotOverride, len(d.Slots)+len(p.Slots))
	}
	for id, o := range d.Slots {
		out.Slots[id] = o
	}
	for id, o := range p.Slots {
		out.Slots[id] = out.Slots[id].apply(o)
	}
	return out
}

func (o SlotOverride) apply(p SlotOverride) SlotOverride {
	if p.Enabled != nil {
		o.Enabled = p.Enabled
	}
	if p.Target != nil {
		o.Target = p.Target
	}
	if p.Days != nil {
		o.Days = p.Days
	}
	return o
}

// Apply merges the document over a base slot configuration. A global
// enabled:false disables every slot whatever the per-slot fields say.
func (d Document) Apply(slot string, base SlotConfig) SlotConfig {
	cfg := base
	if o, ok := d.Slots[slot]; ok {
		if o.Enabled != nil {
			cfg.Enabled = *o.Enabled
		}
		if o.Target != nil {
			cfg.Target = *o.Target
		}
		if o.Days != nil {
			cfg.Days = *o.Days
		}
	}
	if d.Enabled != nil && !*d.Enabled {
		cfg.Enabled = false
	}
	return cfg
}
