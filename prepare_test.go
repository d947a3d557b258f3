package ash

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPrepareChangesets(t *testing.T) {
	// ARRANGE
	action := NewAction("destroy", &Resource{Name: "posts", PrimaryKey: "id"},
		ActionWithArguments(
			Argument{Name: "reason", Type: ArgumentTypeString, Required: true},
			Argument{Name: "limit", Type: ArgumentTypeInt, Default: int64(10)},
		),
	)

	// ACT
	batch := prepareChangesets(action, indexedRecords(2), map[string]interface{}{"reason": "cleanup"})

	// ASSERT
	if !assert.Equalf(t, 2, len(batch), "changesets number mismatch") {
		t.FailNow()
	}
	for i, cs := range batch {
		assert.Truef(t, cs.Valid(), "changeset %d expected to be valid", i)
		assert.Equalf(t, i, cs.Index, "changeset stream position mismatch")
		reason, _ := cs.Argument("reason")
		assert.Equalf(t, "cleanup", reason, "cast argument mismatch")
		limit, _ := cs.Argument("limit")
		assert.Equalf(t, int64(10), limit, "defaulted argument mismatch")
	}
}

func TestCastArguments(t *testing.T) {
	resource := &Resource{Name: "posts", PrimaryKey: "id"}

	t.Run("UnknownInput", func(t *testing.T) {
		// ARRANGE
		action := NewAction("destroy", resource)
		cs := NewChangeset(resource, Record{"id": 1}, 0)

		// ACT
		castArguments(action, cs, map[string]interface{}{"surprise": true})

		// ASSERT
		if assert.Equalf(t, 1, len(cs.Errors), "changeset errors number mismatch") {
			assert.Equalf(t, "surprise", cs.Errors[0].Field, "error field mismatch")
			assert.Equalf(t, ErrorClassInvalid, cs.Errors[0].Class, "error class mismatch")
		}
	})

	t.Run("MissingRequired", func(t *testing.T) {
		// ARRANGE
		action := NewAction("destroy", resource,
			ActionWithArguments(Argument{Name: "reason", Type: ArgumentTypeString, Required: true}))
		cs := NewChangeset(resource, Record{"id": 1}, 0)

		// ACT
		castArguments(action, cs, nil)

		// ASSERT
		if assert.Equalf(t, 1, len(cs.Errors), "changeset errors number mismatch") {
			assert.Equalf(t, "reason", cs.Errors[0].Field, "error field mismatch")
		}
	})

	t.Run("CastFailure", func(t *testing.T) {
		// ARRANGE
		action := NewAction("destroy", resource,
			ActionWithArguments(Argument{Name: "limit", Type: ArgumentTypeInt}))
		cs := NewChangeset(resource, Record{"id": 1}, 0)

		// ACT
		castArguments(action, cs, map[string]interface{}{"limit": "a lot"})

		// ASSERT
		if assert.Equalf(t, 1, len(cs.Errors), "changeset errors number mismatch") {
			assert.Equalf(t, "limit", cs.Errors[0].Field, "error field mismatch")
		}
	})

	t.Run("NumericCoercion", func(t *testing.T) {
		// ARRANGE
		action := NewAction("destroy", resource, ActionWithArguments(
			Argument{Name: "limit", Type: ArgumentTypeInt},
			Argument{Name: "ratio", Type: ArgumentTypeFloat},
			Argument{Name: "force", Type: ArgumentTypeBool},
		))
		cs := NewChangeset(resource, Record{"id": 1}, 0)

		// ACT
		castArguments(action, cs, map[string]interface{}{
			"limit": float64(25),
			"ratio": 3,
			"force": "true",
		})

		// ASSERT
		assert.Truef(t, cs.Valid(), "changeset expected to be valid")
		limit, _ := cs.Argument("limit")
		assert.Equalf(t, int64(25), limit, "whole floats must cast to int")
		ratio, _ := cs.Argument("ratio")
		assert.Equalf(t, float64(3), ratio, "ints must widen to float")
		force, _ := cs.Argument("force")
		assert.Equalf(t, true, force, "bool strings must parse")
	})

	t.Run("FractionalFloatToIntRejected", func(t *testing.T) {
		// ARRANGE
		action := NewAction("destroy", resource,
			ActionWithArguments(Argument{Name: "limit", Type: ArgumentTypeInt}))
		cs := NewChangeset(resource, Record{"id": 1}, 0)

		// ACT
		castArguments(action, cs, map[string]interface{}{"limit": 2.5})

		// ASSERT
		assert.Falsef(t, cs.Valid(), "a fractional value must not cast to int")
	})
}
