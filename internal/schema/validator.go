package schema

import (
	"fmt"

	xerrors "github.com/lodgedb/lodgedb/internal/errors"
	"github.com/lodgedb/lodgedb/pkg/types"
)

// Validator checks rows against a declared table: arity, column types,
// nullability, enum checks, and numeric range checks. Foreign keys are
// enforced by the row store, which can see the referenced tables.
type Validator struct {
	table *types.Table
}

// NewValidator creates a validator for the given table.
func NewValidator(table *types.Table) *Validator {
	return &Validator{table: table}
}

// NormalizeRow coerces raw values into canonical dynamic types for each
// column and returns the normalized row. Fails with a CheckFailed or
// TypeMismatch constraint violation when a value cannot be represented.
func (v *Validator) NormalizeRow(row types.Row) (types.Row, error) {
	if len(row) != len(v.table.Columns) {
		return nil, xerrors.Newf(xerrors.KindConstraintViolation, xerrors.CodeTypeMismatch,
			"table %q expects %d columns, row has %d", v.table.Name, len(v.table.Columns), len(row))
	}

	out := make(types.Row, len(row))
	for i, col := range v.table.Columns {
		val, err := types.Normalize(col.Type, row[i])
		if err != nil {
			return nil, xerrors.Wrap(xerrors.KindConstraintViolation, xerrors.CodeTypeMismatch,
				fmt.Sprintf("table %q column %q", v.table.Name, col.Name), err)
		}
		out[i] = val
	}
	return out, nil
}

// ValidateRow checks a normalized row against the table's declared
// constraints (excluding foreign keys).
func (v *Validator) ValidateRow(row types.Row) error {
	for i, col := range v.table.Columns {
		if row[i] == nil && !col.Nullable {
			return xerrors.Newf(xerrors.KindConstraintViolation, xerrors.CodeNullNotAllowed,
				"table %q column %q must not be null", v.table.Name, col.Name)
		}
	}

	for _, ec := range v.table.EnumChecks {
		idx := v.table.ColumnIndex(ec.Column)
		val := row[idx]
		if val == nil {
			continue
		}
		s, ok := val.(string)
		if !ok || !contains(ec.Allowed, s) {
			return xerrors.Newf(xerrors.KindConstraintViolation, xerrors.CodeCheckFailed,
				"table %q column %q: value %v not in %v", v.table.Name, ec.Column, val, ec.Allowed)
		}
	}

	for _, rc := range v.table.RangeChecks {
		idx := v.table.ColumnIndex(rc.Column)
		val := row[idx]
		if val == nil {
			continue
		}
		f, ok := asFloat(val)
		if !ok {
			return xerrors.Newf(xerrors.KindConstraintViolation, xerrors.CodeCheckFailed,
				"table %q column %q: value %v is not numeric", v.table.Name, rc.Column, val)
		}
		if rc.Min != nil && f < *rc.Min {
			return xerrors.Newf(xerrors.KindConstraintViolation, xerrors.CodeCheckFailed,
				"table %q column %q: value %v below minimum %v", v.table.Name, rc.Column, val, *rc.Min)
		}
		if rc.Max != nil && f > *rc.Max {
			return xerrors.Newf(xerrors.KindConstraintViolation, xerrors.CodeCheckFailed,
				"table %q column %q: value %v above maximum %v", v.table.Name, rc.Column, val, *rc.Max)
		}
	}

	return nil
}

func contains(allowed []string, s string) bool {
	for _, a := range allowed {
		if a == s {
			return true
		}
	}
	return false
}

func asFloat(v types.Value) (float64, bool) {
	switch x := v.(type) {
	case int64:
		return float64(x), true
	case float64:
		return x, true
	}
	return 0, false
}
