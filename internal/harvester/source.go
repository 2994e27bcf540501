package harvester

import (
	"context"

	"github.com/maltedev/floorsheet-harvester/internal/models"
)

// NextSignal is a page source's answer to "is there another page".
type NextSignal int

const (
	// NextUnknown means the source has no reliable signal; the evaluator
	// falls back to the short-page and overlap rules.
	NextUnknown NextSignal = iota
	NextYes
	NextNo
)

func (s NextSignal) String() string {
	switch s {
	case NextYes:
		return "yes"
	case NextNo:
		return "no"
	default:
		return "unknown"
	}
}

// ConfigureResult reports whether a requested page size took effect.
type ConfigureResult int

const (
	ConfigureOK ConfigureResult = iota
	ConfigureDegraded
)

func (r ConfigureResult) String() string {
	if r == ConfigureOK {
		return "ok"
	}
	return "degraded"
}

// PageSource is a stateful, exclusively owned paginated source. Calls are
// never issued concurrently.
type PageSource interface {
	Configure(ctx context.Context, pageSize int) (ConfigureResult, error)
	FetchPage(ctx context.Context, index int) (models.RawPage, error)
	HasNext(ctx context.Context) (NextSignal, error)
	Advance(ctx context.Context) error
}
