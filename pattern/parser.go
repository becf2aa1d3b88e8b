package pattern

import (
	"fmt"
	"strings"
)

// ProductIdentifier is a successfully parsed product filename. It only exists
// for names that fully conform to a sensor pattern: there is no partially
// filled identifier.
type ProductIdentifier struct {
	RawName     string
	SensorID    string
	FieldValues map[string]string

	pattern *SensorPattern
}

// Rebuild reassembles the product name from its field values in declared
// order. For a parsed identifier, Rebuild returns RawName.
func (id *ProductIdentifier) Rebuild() string {
	values := make([]string, len(id.pattern.Fields))
	for i, f := range id.pattern.Fields {
		values[i] = id.FieldValues[f.Name]
	}
	return strings.Join(values, id.pattern.Separator)
}

// StructuralMismatch reports a name that does not conform to a sensor
// grammar. It is an expected outcome when scanning heterogeneous catalogs,
// not a fault.
type StructuralMismatch struct {
	RawName  string
	SensorID string

	// FieldIndex is the position of the first offending field
	FieldIndex int
	Field      string
	Reason     string
}

func (e *StructuralMismatch) Error() string {
	return fmt.Sprintf("name %q does not match sensor %s: field %d (%s): %s",
		e.RawName, e.SensorID, e.FieldIndex, e.Field, e.Reason)
}

// Parse tokenizes rawName against the declared sensor pattern. Matching is
// anchored and exhaustive: every declared field must match in order and the
// whole name must be consumed. It is case-sensitive and performs no
// normalization. On failure the returned error is a *StructuralMismatch
// carrying the index of the first offending field.
func (t *Table) Parse(rawName, sensorID string) (*ProductIdentifier, error) {
	p, err := t.Lookup(sensorID)
	if err != nil {
		return nil, err
	}
	return p.Parse(rawName)
}

// Parse tokenizes rawName against this pattern. See Table.Parse.
func (p *SensorPattern) Parse(rawName string) (*ProductIdentifier, error) {
	id := &ProductIdentifier{
		RawName:     rawName,
		SensorID:    p.SensorID,
		FieldValues: make(map[string]string, len(p.Fields)),
		pattern:     p,
	}

	rest := rawName
	last := len(p.Fields) - 1
	for i, f := range p.Fields {
		loc := f.prefix.FindStringIndex(rest)
		if loc == nil {
			return nil, &StructuralMismatch{
				RawName: rawName, SensorID: p.SensorID,
				FieldIndex: i, Field: f.Name,
				Reason: fmt.Sprintf("%q does not satisfy %s", head(rest), f.expr),
			}
		}
		value := rest[:loc[1]]
		rest = rest[loc[1]:]

		if i < last {
			if !strings.HasPrefix(rest, p.Separator) {
				return nil, &StructuralMismatch{
					RawName: rawName, SensorID: p.SensorID,
					FieldIndex: i, Field: f.Name,
					Reason: fmt.Sprintf("missing separator %q after %q", p.Separator, value),
				}
			}
			rest = rest[len(p.Separator):]
		} else if len(rest) > 0 {
			return nil, &StructuralMismatch{
				RawName: rawName, SensorID: p.SensorID,
				FieldIndex: i, Field: f.Name,
				Reason: fmt.Sprintf("leftover characters %q", head(rest)),
			}
		}
		id.FieldValues[f.Name] = value
	}
	return id, nil
}

// Retrieve derives a sibling product name by substituting validated field
// values into rawName. The sensor is inferred from the name; every override
// must name a declared field and satisfy its constraint.
func (t *Table) Retrieve(rawName string, overrides map[string]string) (string, error) {
	sensorID, err := t.Identify(rawName)
	if err != nil {
		return "", err
	}
	id, err := t.Parse(rawName, sensorID)
	if err != nil {
		return "", err
	}

	p := id.pattern
	for name, value := range overrides {
		var field *Field
		for i := range p.Fields {
			if p.Fields[i].Name == name {
				field = &p.Fields[i]
				break
			}
		}
		if field == nil {
			return "", fmt.Errorf("retrieve %s: unknown field %q, expecting one of %s",
				sensorID, name, strings.Join(p.FieldNames(), ", "))
		}
		if !field.Validate(value) {
			return "", fmt.Errorf("retrieve %s: value %q for field %s does not satisfy %s",
				sensorID, value, name, field.expr)
		}
		id.FieldValues[name] = value
	}
	return id.Rebuild(), nil
}

func head(s string) string {
	if len(s) > 16 {
		return s[:16] + "..."
	}
	return s
}
