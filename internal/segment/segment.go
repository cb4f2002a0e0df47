// Package segment exports partition snapshots as compressed objects and
// loads them back, for backup and seeding new nodes. A segment is a
// snappy-compressed JSON document holding the rows of one partition at one
// snapshot.
package segment

import (
	"encoding/json"
	"time"

	"github.com/golang/snappy"

	xerrors "github.com/lodgedb/lodgedb/internal/errors"
	"github.com/lodgedb/lodgedb/pkg/types"
)

// Segment is the decoded form of one segment object.
type Segment struct {
	SegmentID string      `json:"segment_id"`
	Table     string      `json:"table"`
	Partition string      `json:"partition"`
	Columns   []string    `json:"columns"`
	Rows      []types.Row `json:"rows"`
	CreatedAt time.Time   `json:"created_at"`
}

// Encode serializes and compresses a segment.
func Encode(seg *Segment) ([]byte, error) {
	raw, err := json.Marshal(seg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindInternal, xerrors.CodeStorageFailure, "encode segment", err)
	}
	return snappy.Encode(nil, raw), nil
}

// Decode decompresses and deserializes a segment, re-normalizing every
// value against the table's column types since JSON flattens integers and
// timestamps.
func Decode(data []byte, tbl *types.Table) (*Segment, error) {
	raw, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindInternal, xerrors.CodeSegmentCorrupted, "decompress segment", err)
	}
	var seg Segment
	if err := json.Unmarshal(raw, &seg); err != nil {
		return nil, xerrors.Wrap(xerrors.KindInternal, xerrors.CodeSegmentCorrupted, "decode segment", err)
	}
	if seg.Table != tbl.Name {
		return nil, xerrors.Newf(xerrors.KindInternal, xerrors.CodeSegmentCorrupted,
			"segment belongs to table %q, not %q", seg.Table, tbl.Name)
	}
	for _, row := range seg.Rows {
		if len(row) != len(tbl.Columns) {
			return nil, xerrors.Newf(xerrors.KindInternal, xerrors.CodeSegmentCorrupted,
				"segment row has %d values, table %q has %d columns", len(row), tbl.Name, len(tbl.Columns))
		}
		for i := range row {
			v, nerr := types.Normalize(tbl.Columns[i].Type, row[i])
			if nerr != nil {
				return nil, xerrors.Wrap(xerrors.KindInternal, xerrors.CodeSegmentCorrupted,
					"segment value does not match column type", nerr)
			}
			row[i] = v
		}
	}
	return &seg, nil
}
