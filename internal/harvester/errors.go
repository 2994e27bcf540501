package harvester

import (
	"errors"
	"fmt"
)

var (
	// ErrSuspectedLoop is attached to runs that stopped because pagination
	// kept serving pages that were already ingested.
	ErrSuspectedLoop = errors.New("pagination is not advancing")

	// ErrResumeOutOfRange means the source ran out of pages while the
	// controller was driving it forward to a checkpointed index.
	ErrResumeOutOfRange = errors.New("resume index exceeds available pages")

	// ErrSinkOutage means consecutive record writes kept failing after
	// retries.
	ErrSinkOutage = errors.New("sink outage")
)

// FetchFault is a page-source operation that failed after retry.
type FetchFault struct {
	Op       string
	Page     int
	Attempts int
	Err      error
}

func (e *FetchFault) Error() string {
	return fmt.Sprintf("failed to %s page %d after %d attempts: %v", e.Op, e.Page, e.Attempts, e.Err)
}

func (e *FetchFault) Unwrap() error {
	return e.Err
}

// SinkFault is a single record write that failed after retry.
type SinkFault struct {
	Key      string
	Attempts int
	Err      error
}

func (e *SinkFault) Error() string {
	return fmt.Sprintf("failed to write record %s after %d attempts: %v", e.Key, e.Attempts, e.Err)
}

func (e *SinkFault) Unwrap() error {
	return e.Err
}

// ConfigurationFault means the requested page size was never confirmed.
// It degrades the run instead of failing it.
type ConfigurationFault struct {
	PageSize int
	Attempts int
	Err      error
}

func (e *ConfigurationFault) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("page size %d not confirmed after %d attempts", e.PageSize, e.Attempts)
	}
	return fmt.Sprintf("page size %d not confirmed after %d attempts: %v", e.PageSize, e.Attempts, e.Err)
}

func (e *ConfigurationFault) Unwrap() error {
	return e.Err
}
