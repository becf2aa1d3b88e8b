// Package pattern implements the product-identifier grammar engine: a
// registry of per-sensor filename patterns and a parser that tokenizes raw
// product names into named fields.
package pattern

import (
	"bytes"
	_ "embed"
	"encoding/csv"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strings"
	"sync"
)

//go:embed patterns.csv
var defaultCSV []byte

// Field is one named segment of a product filename
type Field struct {
	Name string

	// expr is the raw constraint as written in the table
	expr string

	// full matches a complete candidate value, prefix the head of a partially
	// consumed name
	full   *regexp.Regexp
	prefix *regexp.Regexp
}

// Expr returns the field constraint as written in the pattern table
func (f Field) Expr() string { return f.expr }

// Validate returns whether the value satisfies the field constraint entirely
func (f Field) Validate(value string) bool { return f.full.MatchString(value) }

// SensorPattern is the compiled filename grammar of one sensor.
// It is immutable after load and safe for concurrent use.
type SensorPattern struct {
	SensorID  string
	Fields    []Field
	Separator string
}

// FieldNames returns the declared field names in order
func (p *SensorPattern) FieldNames() []string {
	names := make([]string, len(p.Fields))
	for i, f := range p.Fields {
		names[i] = f.Name
	}
	return names
}

// Table is the read-only registry of sensor patterns
type Table struct {
	patterns map[string]*SensorPattern
	order    []string
}

// ErrSensorNotFound is returned by Lookup for an unknown sensor
type ErrSensorNotFound struct {
	SensorID string
}

func (e ErrSensorNotFound) Error() string {
	return fmt.Sprintf("no pattern for sensor: %s", e.SensorID)
}

// LoadTable reads a pattern table from its tabular definition: one row per
// sensor with columns (sensor, template, regexps). The template is the ordered
// field list, e.g. {mission}_{tile}; the regexps column carries one
// space-separated constraint per field. Any malformed row is a load-time
// error: the table is compiled once and never revalidated per lookup.
func LoadTable(r io.Reader) (*Table, error) {
	cr := csv.NewReader(r)
	rows, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("LoadTable: %w", err)
	}
	if len(rows) < 2 {
		return nil, fmt.Errorf("LoadTable: empty pattern table")
	}

	t := &Table{patterns: map[string]*SensorPattern{}}
	for _, row := range rows[1:] {
		if len(row) != 3 {
			return nil, fmt.Errorf("LoadTable: expecting 3 columns, got %d", len(row))
		}
		p, err := compilePattern(row[0], row[1], row[2])
		if err != nil {
			return nil, fmt.Errorf("LoadTable[%s]: %w", row[0], err)
		}
		if _, ok := t.patterns[p.SensorID]; ok {
			return nil, fmt.Errorf("LoadTable: duplicate sensor: %s", p.SensorID)
		}
		t.patterns[p.SensorID] = p
		t.order = append(t.order, p.SensorID)
	}
	sort.Strings(t.order)
	return t, nil
}

var defaultTable = sync.OnceValue(func() *Table {
	t, err := LoadTable(bytes.NewReader(defaultCSV))
	if err != nil {
		// the embedded table is compile-time data, a load failure is a bug
		panic(err)
	}
	return t
})

// Default returns the table compiled from the embedded sensor definitions
func Default() *Table {
	return defaultTable()
}

// Lookup returns the pattern of the given sensor
func (t *Table) Lookup(sensorID string) (*SensorPattern, error) {
	p, ok := t.patterns[sensorID]
	if !ok {
		return nil, ErrSensorNotFound{sensorID}
	}
	return p, nil
}

// Sensors returns all sensor identifiers in lexical order
func (t *Table) Sensors() []string {
	return append([]string(nil), t.order...)
}

// Identify infers the sensor of a raw product name by trying every pattern.
// Exactly one pattern must match.
func (t *Table) Identify(rawName string) (string, error) {
	var matches []string
	for _, id := range t.order {
		if _, err := t.Parse(rawName, id); err == nil {
			matches = append(matches, id)
		}
	}
	switch len(matches) {
	case 0:
		return "", ErrSensorNotFound{rawName}
	case 1:
		return matches[0], nil
	}
	return "", fmt.Errorf("ambiguous name %s: matches %s", rawName, strings.Join(matches, ", "))
}

var fieldNameRe = regexp.MustCompile(`^\{([0-9a-zA-Z_]+)\}`)

func compilePattern(sensorID, template, regexps string) (*SensorPattern, error) {
	if sensorID == "" {
		return nil, fmt.Errorf("empty sensor id")
	}

	// extract {field} names and the separator between them
	var names []string
	sep := ""
	rest := template
	for len(rest) > 0 {
		m := fieldNameRe.FindStringSubmatch(rest)
		if m == nil {
			return nil, fmt.Errorf("malformed template at %q", rest)
		}
		names = append(names, m[1])
		rest = rest[len(m[0]):]
		if len(rest) == 0 {
			break
		}
		i := strings.IndexByte(rest, '{')
		if i <= 0 {
			return nil, fmt.Errorf("malformed template at %q", rest)
		}
		if sep == "" {
			sep = rest[:i]
		} else if rest[:i] != sep {
			return nil, fmt.Errorf("inconsistent separator: %q vs %q", rest[:i], sep)
		}
		rest = rest[i:]
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("template declares no field")
	}
	if len(names) > 1 && sep == "" {
		return nil, fmt.Errorf("template declares no separator")
	}

	exprs := strings.Split(regexps, " ")
	if len(exprs) != len(names) {
		return nil, fmt.Errorf("%d fields but %d constraints", len(names), len(exprs))
	}

	p := &SensorPattern{SensorID: sensorID, Separator: sep}
	for i, name := range names {
		full, err := regexp.Compile(`\A(?:` + exprs[i] + `)\z`)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", name, err)
		}
		prefix, err := regexp.Compile(`\A(?:` + exprs[i] + `)`)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", name, err)
		}
		if full.MatchString("") {
			return nil, fmt.Errorf("field %s: constraint matches the empty string", name)
		}
		p.Fields = append(p.Fields, Field{Name: name, expr: exprs[i], full: full, prefix: prefix})
	}
	return p, nil
}
