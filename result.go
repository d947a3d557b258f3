package ash

import (
	"errors"
	"sort"
)

// Status classifies the overall outcome of a bulk run.
type Status string

const (
	// StatusSuccess means every processed record completed without errors.
	StatusSuccess Status = "success"
	// StatusPartialSuccess means some records completed and some failed.
	StatusPartialSuccess Status = "partial_success"
	// StatusError means errors occurred and no records completed.
	StatusError Status = "error"
)

// Valid checks whether the assigned status value is valid.
func (s Status) Valid() error {
	switch s {
	case StatusSuccess, StatusPartialSuccess, StatusError:
		return nil
	}
	return errors.New("invalid status")
}

// String converts a Status to string.
func (s Status) String() string {
	return string(s)
}

// BulkResult is the structured aggregate outcome of a bulk run. The record,
// error and notification lists are populated only when the corresponding
// Return* option is set; the status and the error count are always populated.
type BulkResult struct {
	Status        Status         `json:"status"`
	Records       []Record       `json:"records,omitempty"`
	Errors        []*Error       `json:"errors,omitempty"`
	ErrorCount    int            `json:"error_count"`
	Notifications []Notification `json:"notifications,omitempty"`
	// RunToken identifies the run the result belongs to.
	RunToken string `json:"run_token"`
}

// buildResult classifies and shapes the final (or per-batch, when streaming)
// result out of the drained accumulator content.
func buildResult(cfg RunConfig, token string, records []indexedRecord, errs []*Error, errorCount, succeeded int, notifications []Notification) *BulkResult {
	result := &BulkResult{
		Status:     classifyStatus(succeeded, errorCount),
		ErrorCount: errorCount,
		RunToken:   token,
	}
	if cfg.ReturnRecords {
		if cfg.Sorted {
			sortRecordsByIndex(records)
		}
		result.Records = make([]Record, 0, len(records))
		for _, record := range records {
			result.Records = append(result.Records, record.record)
		}
	}
	if cfg.ReturnErrors {
		if errs == nil {
			errs = []*Error{}
		}
		result.Errors = errs
	}
	if cfg.ReturnNotifications {
		if notifications == nil {
			notifications = []Notification{}
		}
		result.Notifications = notifications
	}
	return result
}

// classifyStatus derives the run status: success without errors, error when
// errors exist and nothing completed, partial success otherwise.
func classifyStatus(succeeded, errorCount int) Status {
	switch {
	case errorCount == 0:
		return StatusSuccess
	case succeeded == 0:
		return StatusError
	default:
		return StatusPartialSuccess
	}
}

// sortRecordsByIndex reorders the records by their original stream positions.
// Records without a known position sort last.
func sortRecordsByIndex(records []indexedRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		left, right := records[i].index, records[j].index
		if left < 0 {
			return false
		}
		if right < 0 {
			return true
		}
		return left < right
	})
}
