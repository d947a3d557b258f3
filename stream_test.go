package ash

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPartitionerBatching(t *testing.T) {
	// ARRANGE
	action := NewAction("destroy", &Resource{Name: "posts", PrimaryKey: "id"})
	part := newPartitioner(action, 3)

	// ACT
	batches, errs := part.Batches(context.Background(), NewSliceSource(records(10)))

	// ASSERT
	collected := [][]indexedRecord{}
	for batch := range batches {
		collected = append(collected, batch)
	}
	if !assert.Equalf(t, 4, len(collected), "batches number mismatch") {
		t.FailNow()
	}
	assert.Equalf(t, 3, len(collected[0]), "batch size mismatch")
	assert.Equalf(t, 3, len(collected[1]), "batch size mismatch")
	assert.Equalf(t, 3, len(collected[2]), "batch size mismatch")
	assert.Equalf(t, 1, len(collected[3]), "the trailing partial batch is expected to be flushed")
	index := 0
	for _, batch := range collected {
		for _, item := range batch {
			assert.Equalf(t, index, item.index, "stream positions must be sequential across batches")
			index++
		}
	}
	select {
	case err := <-errs:
		t.Fatalf("unexpected stream error: %v", err)
	default:
	}
}

func TestPartitionerManualForcesSingleRecordBatches(t *testing.T) {
	// ARRANGE
	single := NewAction("destroy", &Resource{Name: "posts", PrimaryKey: "id"}, ActionWithManual(&Manual{
		DestroyRecord: func(ctx context.Context, cs *Changeset, opts ManualOptions) []ManualOutcome { return nil },
	}))
	bulk := NewAction("destroy", &Resource{Name: "posts", PrimaryKey: "id"}, ActionWithManual(&Manual{
		DestroyBatch: func(ctx context.Context, batch []*Changeset, opts ManualOptions) []ManualOutcome { return nil },
	}))

	// ACT / ASSERT
	assert.Equalf(t, 1, newPartitioner(single, 50).BatchSize(), "a manual executor without bulk support forces single-record batches")
	assert.Equalf(t, 50, newPartitioner(bulk, 50).BatchSize(), "a manual executor with bulk support keeps the requested batch size")
}

func TestPartitionerForwardsSourceError(t *testing.T) {
	// ARRANGE
	action := NewAction("destroy", &Resource{Name: "posts", PrimaryKey: "id"})
	readErr := errors.New("connection reset")
	part := newPartitioner(action, 2)

	// ACT
	batches, errs := part.Batches(context.Background(), &failingSource{after: 2, err: readErr})

	// ASSERT
	collected := 0
	for range batches {
		collected++
	}
	assert.Equalf(t, 1, collected, "the full batch before the failure is expected")
	select {
	case err := <-errs:
		assert.ErrorIsf(t, err, readErr, "the source error must be forwarded")
	default:
		t.Fatal("a forwarded stream error is expected")
	}
}

func TestPartitionerStopsOnCancel(t *testing.T) {
	// ARRANGE
	action := NewAction("destroy", &Resource{Name: "posts", PrimaryKey: "id"})
	part := newPartitioner(action, 1)
	ctx, cancel := context.WithCancel(context.Background())

	// ACT
	batches, _ := part.Batches(ctx, NewSliceSource(records(100)))
	<-batches
	cancel()

	// ASSERT
	collected := 0
	for range batches {
		collected++
	}
	assert.Truef(t, collected < 99, "the partitioner must stop emitting batches after cancellation")
}
