package harvester

import "context"

// Recorder receives run metrics. The telemetry package provides an
// OpenTelemetry implementation.
type Recorder interface {
	PageFetched(ctx context.Context, rows int)
	RowsDropped(ctx context.Context, n int)
	RecordsIngested(ctx context.Context, n int)
	DuplicatesSuppressed(ctx context.Context, n int)
	Retried(ctx context.Context, op string)
	RunFinished(ctx context.Context, status RunStatus, reason Reason)
}

type noopRecorder struct{}

func (noopRecorder) PageFetched(context.Context, int) {}
func (noopRecorder) RowsDropped(context.Context, int) {}
func (noopRecorder) RecordsIngested(context.Context, int) {}
func (noopRecorder) DuplicatesSuppressed(context.Context, int) {}
func (noopRecorder) Retried(context.Context, string) {}
func (noopRecorder) RunFinished(context.Context, RunStatus, Reason) {}

type noopPacer struct{}

func (noopPacer) Wait(ctx context.Context) error {
	return ctx.Err()
}
