package pqpipe

import "github.com/ashtum/pqpipe/internal/wire"

// wireResultToResult copies a wire.Result (the protocol engine's own
// aggregated message view) into the public, stable Result shape. A nil
// input can only happen for a pipeline item the caller cancelled out from
// under before it was ever assigned; callers only reach this after
// Completed, so that case does not arise in practice.
func wireResultToResult(wr *wire.Result) *Result {
	if wr == nil {
		return nil
	}

	r := &Result{
		CommandTag: wr.CommandTag,
		Err:        wr.Err,
	}
	if len(wr.Fields) > 0 {
		r.Fields = make([]FieldDescription, len(wr.Fields))
		for i, f := range wr.Fields {
			r.Fields[i] = FieldDescription{
				Name:         string(f.Name),
				DataTypeOID:  f.DataTypeOID,
				DataTypeSize: f.DataTypeSize,
				Format:       f.Format,
			}
		}
	}
	// Copied, not aliased: wr is a one-shot aggregation internal to
	// internal/wire (a fresh slice per result, never reused in place), but
	// Fields is already deep-copied above, so Rows shouldn't be the odd one
	// out just because its backing array happens not to be touched again.
	if len(wr.Rows) > 0 {
		r.Rows = make([][][]byte, len(wr.Rows))
		for i, row := range wr.Rows {
			r.Rows[i] = make([][]byte, len(row))
			for j, v := range row {
				if v != nil {
					r.Rows[i][j] = append(make([]byte, 0, len(v)), v...)
				}
			}
		}
	}
	return r
}
