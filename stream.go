package ash

import (
	"context"
)

// Source produces the stream of records targeted by a bulk run. Sources are
// expected to stop sending and return promptly once the context is cancelled.
type Source interface {
	// Stream sends the target records to the returned records channel in
	// stream order and closes it once the stream is exhausted. A fatal read
	// error is sent to the errors channel instead; a sent error indicates a
	// stopped and failed stream.
	Stream(ctx context.Context) (<-chan Record, <-chan error)
}

// QuerySource is implemented by sources whose selection is expressible as a
// declarative Query. A query source makes the run eligible for the atomic
// path; if the atomic path is unavailable the source is streamed like any
// other.
type QuerySource interface {
	Source
	// Query returns the declarative selection of the source's records.
	Query() *Query
}

// NewSliceSource returns a Source streaming the passed in-memory records.
func NewSliceSource(records []Record) Source {
	return &sliceSource{records: records}
}

// sliceSource streams an in-memory record slice.
type sliceSource struct {
	records []Record
}

// Stream sends the source records to the result channel in slice order.
func (s *sliceSource) Stream(ctx context.Context) (<-chan Record, <-chan error) {
	recordCh := make(chan Record)
	errCh := make(chan error, 1)
	go func() {
		defer close(recordCh)
		for _, record := range s.records {
			select {
			case recordCh <- record:
			case <-ctx.Done():
				return
			}
		}
	}()
	return recordCh, errCh
}

// NewQuerySource returns a QuerySource wrapping the declarative query and a
// read func used to stream the matching records when the atomic path is
// unavailable.
func NewQuerySource(query *Query, read func(ctx context.Context, query *Query) (<-chan Record, <-chan error)) QuerySource {
	return &querySource{query: query, read: read}
}

// querySource couples a declarative query with a streaming reader for it.
type querySource struct {
	query *Query
	read  func(ctx context.Context, query *Query) (<-chan Record, <-chan error)
}

// Query returns the declarative selection of the source's records.
func (s *querySource) Query() *Query {
	return s.query
}

// Stream re-reads the query and streams the matching records.
func (s *querySource) Stream(ctx context.Context) (<-chan Record, <-chan error) {
	return s.read(ctx, s.query)
}

// newPartitioner returns a preconfigured partitioner struct. The batch size is
// the requested one unless the action routes through a manual executor without
// bulk support, in which case it's forced to 1 to keep the executor's
// per-record semantics.
func newPartitioner(action *Action, requestedBatchSize int) *partitioner {
	batchSize := requestedBatchSize
	if action.Manual != nil && action.Manual.DestroyBatch == nil {
		batchSize = 1
	}
	return &partitioner{batchSize: batchSize}
}

// partitioner consumes the record stream, tags each record with its 0-based
// original position and groups records into fixed-size batches. Batch order
// preserves stream order; batches themselves may be processed out of order
// under concurrency.
type partitioner struct {
	batchSize int
}

// BatchSize returns the effective batch size of the partitioner.
func (p *partitioner) BatchSize() int {
	return p.batchSize
}

// Batches reads the source stream and emits batches of indexed records. The
// batches channel is closed once the stream is exhausted; a fatal stream error
// is forwarded to the errors channel.
func (p *partitioner) Batches(ctx context.Context, source Source) (<-chan []indexedRecord, <-chan error) {
	batchCh := make(chan []indexedRecord)
	errCh := make(chan error, 1)
	recordCh, sourceErrCh := source.Stream(ctx)
	go func() {
		defer close(batchCh)
		batch := make([]indexedRecord, 0, p.batchSize)
		index := 0
		flush := func() bool {
			if len(batch) == 0 {
				return true
			}
			out := batch
			batch = make([]indexedRecord, 0, p.batchSize)
			select {
			case batchCh <- out:
				return true
			case <-ctx.Done():
				return false
			}
		}
		for {
			select {
			case record, ok := <-recordCh:
				if !ok {
					// a source reporting a failure may close its records
					// channel right after sending the error
					select {
					case err := <-sourceErrCh:
						errCh <- err
					default:
						flush()
					}
					return
				}
				batch = append(batch, indexedRecord{record: record, index: index})
				index++
				if len(batch) == p.batchSize {
					if !flush() {
						return
					}
				}
			case err := <-sourceErrCh:
				errCh <- err
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return batchCh, errCh
}
