package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// ValueKind tags the type of a payload field value.
type ValueKind string

const (
	ValueString ValueKind = "string"
	ValueNumber ValueKind = "number"
	ValueDate   ValueKind = "date"
	ValueEnum   ValueKind = "enum"
)

// DateLayout is the wire format for date-kind values.
const DateLayout = "2006-01-02"

// Value is a tagged payload value: exactly one of the carriers is meaningful,
// selected by Kind.
type Value struct {
	Kind   ValueKind
	Str    string
	Num    float64
	Date   time.Time
	Labels []string
}

func StringValue(s string) Value       { return Value{Kind: ValueString, Str: s} }
func NumberValue(n float64) Value      { return Value{Kind: ValueNumber, Num: n} }
func DateValue(t time.Time) Value      { return Value{Kind: ValueDate, Date: t} }
func EnumValue(labels ...string) Value { return Value{Kind: ValueEnum, Labels: labels} }

// Field is one entry of an ordered payload: an internal field id plus its
// tagged value.
type Field struct {
	ID    string
	Value Value
}

// FieldPayload is the ordered field id → value mapping carried by a work item.
// Order is significant and preserved through the JSON codec, which is why the
// persisted form is an array and not an object.
type FieldPayload []Field

type fieldJSON struct {
	ID    string          `json:"id"`
	Kind  ValueKind       `json:"kind"`
	Value json.RawMessage `json:"value"`
}

// MarshalJSON encodes the field as {"id": ..., "kind": ..., "value": ...}.
func (f Field) MarshalJSON() ([]byte, error) {
	var raw []byte
	var err error
	switch f.Value.Kind {
	case ValueString:
		raw, err = json.Marshal(f.Value.Str)
	case ValueNumber:
		raw, err = json.Marshal(f.Value.Num)
	case ValueDate:
		raw, err = json.Marshal(f.Value.Date.Format(DateLayout))
	case ValueEnum:
		labels := f.Value.Labels
		if labels == nil {
			labels = []string{}
		}
		raw, err = json.Marshal(labels)
	default:
		return nil, fmt.Errorf("field %q: unknown value kind %q", f.ID, f.Value.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("field %q: %w", f.ID, err)
	}
	return json.Marshal(fieldJSON{ID: f.ID, Kind: f.Value.Kind, Value: raw})
}

// UnmarshalJSON decodes the tagged form produced by MarshalJSON.
func (f *Field) UnmarshalJSON(data []byte) error {
	var fj fieldJSON
	if err := json.Unmarshal(data, &fj); err != nil {
		return err
	}
	f.ID = fj.ID
	f.Value = Value{Kind: fj.Kind}
	switch fj.Kind {
	case ValueString:
		return json.Unmarshal(fj.Value, &f.Value.Str)
	case ValueNumber:
		return json.Unmarshal(fj.Value, &f.Value.Num)
	case ValueDate:
		var s string
		if err := json.Unmarshal(fj.Value, &s); err != nil {
			return err
		}
		t, err := time.Parse(DateLayout, s)
		if err != nil {
			// Upstream stages occasionally write full timestamps.
			t, err = time.Parse(time.RFC3339, s)
			if err != nil {
				return fmt.Errorf("field %q: unparseable date %q", fj.ID, s)
			}
		}
		f.Value.Date = t
		return nil
	case ValueEnum:
		return json.Unmarshal(fj.Value, &f.Value.Labels)
	default:
		return fmt.Errorf("field %q: unknown value kind %q", fj.ID, fj.Kind)
	}
}

// Get returns the value for a field id.
func (p FieldPayload) Get(id string) (Value, bool) {
	for _, f := range p {
		if f.ID == id {
			return f.Value, true
		}
	}
	return Value{}, false
}

// IDs returns the field ids in payload order.
func (p FieldPayload) IDs() []string {
	ids := make([]string, 0, len(p))
	for _, f := range p {
		ids = append(ids, f.ID)
	}
	return ids
}

// Validate rejects payloads that cannot be translated to the wire: empty or
// duplicate field ids, or untagged values.
func (p FieldPayload) Validate() error {
	seen := make(map[string]struct{}, len(p))
	for i, f := range p {
		if f.ID == "" {
			return fmt.Errorf("payload field %d: empty field id", i)
		}
		if _, dup := seen[f.ID]; dup {
			return fmt.Errorf("payload field %q: duplicate field id", f.ID)
		}
		seen[f.ID] = struct{}{}
		switch f.Value.Kind {
		case ValueString, ValueNumber, ValueDate, ValueEnum:
		default:
			return fmt.Errorf("payload field %q: unknown value kind %q", f.ID, f.Value.Kind)
		}
	}
	return nil
}
