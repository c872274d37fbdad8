package board

import (
	"encoding/json"
	"fmt"

	"github.com/Active-Apparel-Group/ordersync/internal/model"
)

// columnValues translates an ordered field payload into the JSON-encoded
// column_values string the remote expects, keyed by external column id.
// Every field must be mapped and match its mapped kind; enumeration values
// are wrapped in the enumeration-safe structure with the per-batch
// auto-create flag.
func columnValues(p model.FieldPayload, m model.Mapping, autoCreate bool) (string, error) {
	if err := p.Validate(); err != nil {
		return "", err
	}

	values := make(map[string]any, len(p))
	for _, f := range p {
		fm, ok := m.Lookup(f.ID)
		if !ok {
			return "", fmt.Errorf("field %q: no column mapping", f.ID)
		}
		if fm.Kind != f.Value.Kind {
			return "", fmt.Errorf("field %q: payload kind %q, mapping expects %q", f.ID, f.Value.Kind, fm.Kind)
		}
		values[fm.ExternalID] = wireValue(f.Value, autoCreate)
	}

	data, err := json.Marshal(values)
	if err != nil {
		return "", fmt.Errorf("encode column values: %w", err)
	}
	return string(data), nil
}

// wireValue renders one tagged value in the remote column format.
func wireValue(v model.Value, autoCreate bool) any {
	switch v.Kind {
	case model.ValueString:
		return v.Str
	case model.ValueNumber:
		return v.Num
	case model.ValueDate:
		return map[string]any{"date": v.Date.Format(model.DateLayout)}
	case model.ValueEnum:
		labels := v.Labels
		if labels == nil {
			labels = []string{}
		}
		return map[string]any{
			"labels":                labels,
			"createLabelsIfMissing": autoCreate,
		}
	}
	return nil
}

// deriveAutoCreate scans every record in a batch against the mapping: the
// batch requests remote label creation when any enumeration value is not
// already known on a column configured for auto-creation. Columns without
// auto-create leave unknown labels to be rejected remotely.
func deriveAutoCreate(records []Record, m model.Mapping) bool {
	for _, r := range records {
		for _, f := range r.Payload {
			if f.Value.Kind != model.ValueEnum {
				continue
			}
			fm, ok := m.Lookup(f.ID)
			if !ok || !fm.AutoCreate {
				continue
			}
			for _, label := range f.Value.Labels {
				if !fm.KnownLabel(label) {
					return true
				}
			}
		}
	}
	return false
}
