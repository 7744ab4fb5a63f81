package pqpipe

// Params is the minimal, already-encoded parameter list a Query carries.
// Binding and type encoding are explicitly out of scope for the core (see
// the package doc); Params only carries the wire-ready shape — binary
// values, their OIDs, and an implicit all-binary format list — the same
// shape the psql::params builder in the original source produces, so a
// caller's own parameter codec only has to fill in Add calls.
type Params struct {
	oids    []uint32
	values  [][]byte
	formats []int16
}

// Add appends one already-binary-encoded parameter. Pass oid 0 to let the
// server infer the parameter's type.
func (p *Params) Add(oid uint32, value []byte) *Params {
	p.oids = append(p.oids, oid)
	p.values = append(p.values, value)
	p.formats = append(p.formats, 1)
	return p
}

// Query is a single command string plus its bound parameters.
type Query struct {
	SQL    string
	Params Params
}

// NewQuery returns a Query with no parameters, a convenience for the
// common case of a plain command string.
func NewQuery(sql string) Query {
	return Query{SQL: sql}
}

// PipelineItem is one position in a pipelined batch: the statement to
// submit and the slot its Result is written into, in order, once
// ExecPipeline returns successfully.
type PipelineItem struct {
	Query  Query
	Result *Result
}

// FieldDescription describes one column of a Result.
type FieldDescription struct {
	Name         string
	DataTypeOID  uint32
	DataTypeSize int16
	Format       int16
}

// Result is one statement's result: the column descriptions (if any), the
// rows (if any), the server's command tag, and, if the statement failed,
// the server-reported error — delivered as part of the result rather than
// as a Go error, mirroring a PGresult's own embedded status.
type Result struct {
	CommandTag string
	Fields     []FieldDescription
	Rows       [][][]byte
	Err        error
}
