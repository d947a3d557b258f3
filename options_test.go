package ash

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRunConfigValidate(t *testing.T) {
	valid := map[string]RunConfig{
		"Defaults":        RunConfig{}.withDefaults(),
		"Stream":          {BatchSize: 10, ReturnStream: true, TransactionScope: TransactionScopeNone},
		"RunTransaction":  {BatchSize: 10, TransactionScope: TransactionScopeAll, Sorted: true},
		"StopOnError":     {BatchSize: 1, StopOnError: true, TransactionScope: TransactionScopeBatch},
		"FullReturnLists": {BatchSize: 5, TransactionScope: TransactionScopeNone, ReturnRecords: true, ReturnErrors: true, ReturnNotifications: true},
	}
	for name, cfg := range valid {
		t.Run(name, func(t *testing.T) {
			assert.NoErrorf(t, cfg.Validate(), "config expected to be valid")
		})
	}

	invalid := map[string]RunConfig{
		"ZeroBatchSize":            {TransactionScope: TransactionScopeNone},
		"NegativeBatchSize":        {BatchSize: -5, TransactionScope: TransactionScopeNone},
		"NegativeConcurrency":      {BatchSize: 10, MaxConcurrency: -1, TransactionScope: TransactionScopeNone},
		"UnknownScope":             {BatchSize: 10, TransactionScope: TransactionScope("sometimes")},
		"StreamWithRunTransaction": {BatchSize: 10, ReturnStream: true, TransactionScope: TransactionScopeAll},
		"StreamWithSorted":         {BatchSize: 10, ReturnStream: true, Sorted: true, TransactionScope: TransactionScopeNone},
		"StreamWithStopOnError":    {BatchSize: 10, ReturnStream: true, StopOnError: true, TransactionScope: TransactionScopeNone},
	}
	for name, cfg := range invalid {
		t.Run(name, func(t *testing.T) {
			assert.Errorf(t, cfg.Validate(), "config expected to be rejected")
		})
	}
}

func TestRunConfigWithDefaults(t *testing.T) {
	cfg := RunConfig{}.withDefaults()
	assert.Equalf(t, defaultBatchSize, cfg.BatchSize, "default batch size mismatch")
	assert.Equalf(t, TransactionScopeNone, cfg.TransactionScope, "default transaction scope mismatch")

	cfg = RunConfig{BatchSize: 7, TransactionScope: TransactionScopeBatch}.withDefaults()
	assert.Equalf(t, 7, cfg.BatchSize, "an explicit batch size must survive")
	assert.Equalf(t, TransactionScopeBatch, cfg.TransactionScope, "an explicit transaction scope must survive")
}
