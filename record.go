package ash

// Record represents a single target of a bulk mutation as a map from attribute
// names to their values. A record is considered already identified: fetching
// records from storage is the job of a Source, not of the pipeline itself.
type Record map[string]interface{}

// Clone returns a shallow copy of the record.
func (r Record) Clone() Record {
	clone := make(Record, len(r))
	for k, v := range r {
		clone[k] = v
	}
	return clone
}

// Resource describes the kind of entity the mutated records belong to, e.g.
// a database table or a document index.
type Resource struct {
	// Name is the storage-level name of the resource, e.g. the table name.
	Name string
	// PrimaryKey is the attribute that uniquely identifies a record of the
	// resource. It's used by data layers to address single records.
	PrimaryKey string
}

// indexedRecord carries a record together with its 0-based position in the
// original input stream. The position survives batching and concurrent
// processing and is used to restore the input order in sorted results.
type indexedRecord struct {
	record Record
	index  int
}
