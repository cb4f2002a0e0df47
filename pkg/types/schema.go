package types

import "fmt"

// DeletePolicy controls what happens to dependent rows when a referenced
// row is deleted.
type DeletePolicy string

const (
	// DeleteRestrict rejects deletion while any dependent row exists.
	DeleteRestrict DeletePolicy = "restrict"

	// DeleteCascade deletes dependent rows along with the referenced row.
	DeleteCascade DeletePolicy = "cascade"
)

// Column describes one typed column of a table.
type Column struct {
	Name     string     `json:"name"`
	Type     ColumnType `json:"type"`
	Nullable bool       `json:"nullable"`
}

// ForeignKey declares that a column references the primary key column of
// another table. Two foreign keys may share a target table (e.g. a message's
// sender and recipient both referencing users).
type ForeignKey struct {
	Column    string       `json:"column"`
	RefTable  string       `json:"ref_table"`
	RefColumn string       `json:"ref_column"`
	OnDelete  DeletePolicy `json:"on_delete"`
}

// EnumCheck restricts a text column to a closed set of named values.
type EnumCheck struct {
	Column  string   `json:"column"`
	Allowed []string `json:"allowed"`
}

// RangeCheck restricts a numeric column to an inclusive range. A nil bound
// leaves that side unconstrained.
type RangeCheck struct {
	Column string   `json:"column"`
	Min    *float64 `json:"min,omitempty"`
	Max    *float64 `json:"max,omitempty"`
}

// Table is the declared schema of one table: ordered columns, primary key,
// and constraints. Tables are created once at setup and never silently
// altered afterward.
type Table struct {
	Name        string       `json:"name"`
	Columns     []Column     `json:"columns"`
	PrimaryKey  []string     `json:"primary_key"`
	ForeignKeys []ForeignKey `json:"foreign_keys,omitempty"`
	EnumChecks  []EnumCheck  `json:"enum_checks,omitempty"`
	RangeChecks []RangeCheck `json:"range_checks,omitempty"`
}

// ColumnIndex returns the position of the named column, or -1 if the table
// has no such column.
func (t *Table) ColumnIndex(name string) int {
	for i, c := range t.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// Column returns the named column definition.
func (t *Table) Column(name string) (Column, bool) {
	i := t.ColumnIndex(name)
	if i < 0 {
		return Column{}, false
	}
	return t.Columns[i], true
}

// PrimaryKeyValues extracts the primary key tuple from a row.
func (t *Table) PrimaryKeyValues(row Row) []Value {
	vals := make([]Value, len(t.PrimaryKey))
	for i, col := range t.PrimaryKey {
		vals[i] = row[t.ColumnIndex(col)]
	}
	return vals
}

// Validate checks structural soundness of the table definition itself:
// non-empty column list, a declared primary key over existing non-nullable
// columns, and constraints referencing real columns.
func (t *Table) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("types: table name must not be empty")
	}
	if len(t.Columns) == 0 {
		return fmt.Errorf("types: table %q has no columns", t.Name)
	}
	seen := make(map[string]bool, len(t.Columns))
	for _, c := range t.Columns {
		if seen[c.Name] {
			return fmt.Errorf("types: table %q declares column %q twice", t.Name, c.Name)
		}
		seen[c.Name] = true
	}
	if len(t.PrimaryKey) == 0 {
		return fmt.Errorf("types: table %q has no primary key", t.Name)
	}
	for _, col := range t.PrimaryKey {
		c, ok := t.Column(col)
		if !ok {
			return fmt.Errorf("types: table %q primary key references unknown column %q", t.Name, col)
		}
		if c.Nullable {
			return fmt.Errorf("types: table %q primary key column %q must not be nullable", t.Name, col)
		}
	}
	for _, fk := range t.ForeignKeys {
		if _, ok := t.Column(fk.Column); !ok {
			return fmt.Errorf("types: table %q foreign key references unknown column %q", t.Name, fk.Column)
		}
		if fk.OnDelete != DeleteRestrict && fk.OnDelete != DeleteCascade {
			return fmt.Errorf("types: table %q foreign key on %q has invalid delete policy %q", t.Name, fk.Column, fk.OnDelete)
		}
	}
	for _, ec := range t.EnumChecks {
		if _, ok := t.Column(ec.Column); !ok {
			return fmt.Errorf("types: table %q enum check references unknown column %q", t.Name, ec.Column)
		}
		if len(ec.Allowed) == 0 {
			return fmt.Errorf("types: table %q enum check on %q allows no values", t.Name, ec.Column)
		}
	}
	for _, rc := range t.RangeChecks {
		if _, ok := t.Column(rc.Column); !ok {
			return fmt.Errorf("types: table %q range check references unknown column %q", t.Name, rc.Column)
		}
	}
	return nil
}

// ReferencingKeys returns the foreign keys of this table that target the
// given table.
func (t *Table) ReferencingKeys(target string) []ForeignKey {
	var out []ForeignKey
	for _, fk := range t.ForeignKeys {
		if fk.RefTable == target {
			out = append(out, fk)
		}
	}
	return out
}
