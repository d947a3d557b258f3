package ash

import (
	"testing"

	"github.com/go-test/deep"
	"github.com/stretchr/testify/assert"
)

func TestClassifyStatus(t *testing.T) {
	assert.Equalf(t, StatusSuccess, classifyStatus(10, 0), "no errors means success")
	assert.Equalf(t, StatusSuccess, classifyStatus(0, 0), "an empty run completes successfully")
	assert.Equalf(t, StatusError, classifyStatus(0, 3), "errors without completed records mean error")
	assert.Equalf(t, StatusPartialSuccess, classifyStatus(7, 3), "errors alongside completed records mean partial success")
}

func TestBuildResultGating(t *testing.T) {
	// ARRANGE
	records := []indexedRecord{
		{record: Record{"id": 1}, index: 1},
		{record: Record{"id": 0}, index: 0},
	}
	errs := []*Error{NewFieldError("id", "bad")}
	notifications := []Notification{{Resource: "posts", Action: "destroy"}}

	t.Run("AllListsRequested", func(t *testing.T) {
		// ACT
		result := buildResult(RunConfig{ReturnRecords: true, ReturnErrors: true, ReturnNotifications: true},
			"token-1", records, errs, 1, 2, notifications)

		// ASSERT
		assert.Equalf(t, StatusPartialSuccess, result.Status, "result status mismatch")
		assert.Equalf(t, 1, result.ErrorCount, "result error count mismatch")
		assert.Equalf(t, "token-1", result.RunToken, "result run token mismatch")
		assert.Equalf(t, 2, len(result.Records), "result records number mismatch")
		assert.Equalf(t, 1, len(result.Errors), "result errors number mismatch")
		assert.Equalf(t, 1, len(result.Notifications), "result notifications number mismatch")
	})

	t.Run("NothingRequested", func(t *testing.T) {
		// ACT
		result := buildResult(RunConfig{}, "token-2", records, errs, 1, 2, notifications)

		// ASSERT
		assert.Nilf(t, result.Records, "unrequested records must be omitted")
		assert.Nilf(t, result.Errors, "unrequested errors must be omitted")
		assert.Nilf(t, result.Notifications, "unrequested notifications must be omitted")
		assert.Equalf(t, 1, result.ErrorCount, "the error count is populated regardless")
	})

	t.Run("RequestedButEmpty", func(t *testing.T) {
		// ACT
		result := buildResult(RunConfig{ReturnRecords: true, ReturnErrors: true, ReturnNotifications: true},
			"token-3", nil, nil, 0, 0, nil)

		// ASSERT
		assert.NotNilf(t, result.Records, "a requested empty record list must be materialized")
		assert.NotNilf(t, result.Errors, "a requested empty error list must be materialized")
		assert.NotNilf(t, result.Notifications, "a requested empty notification list must be materialized")
		assert.Equalf(t, StatusSuccess, result.Status, "result status mismatch")
	})
}

func TestBuildResultSorted(t *testing.T) {
	// ARRANGE
	records := []indexedRecord{
		{record: Record{"id": 3}, index: 3},
		{record: Record{"id": -1}, index: -1},
		{record: Record{"id": 0}, index: 0},
		{record: Record{"id": 2}, index: 2},
	}

	// ACT
	result := buildResult(RunConfig{ReturnRecords: true, Sorted: true}, "token", records, nil, 0, 4, nil)

	// ASSERT
	ids := make([]interface{}, 0, len(result.Records))
	for _, record := range result.Records {
		ids = append(ids, record["id"])
	}
	if diff := deep.Equal(ids, []interface{}{0, 2, 3, -1}); diff != nil {
		t.Errorf("sorted records mismatch: %v", diff)
	}
}

func TestErrorMarshal(t *testing.T) {
	// ARRANGE
	err := NewFieldError("title", "is required")
	err.Index = 4

	// ACT
	serialized := err.Error()

	// ASSERT
	assert.Containsf(t, serialized, `"class":"invalid"`, "serialized error class mismatch")
	assert.Containsf(t, serialized, `"field":"title"`, "serialized error field mismatch")
	assert.Containsf(t, serialized, `"index":4`, "serialized error index mismatch")
}
