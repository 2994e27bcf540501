package harvester

const (
	DefaultPageSize         = 500
	DefaultOverlapThreshold = 0.9
	DefaultRepeatLimit      = 2
)

// EvaluatorConfig tunes the termination rules.
type EvaluatorConfig struct {
	PageSize         int
	OverlapThreshold float64
	RepeatLimit      int
}

func (c EvaluatorConfig) withDefaults() EvaluatorConfig {
	if c.PageSize <= 0 {
		c.PageSize = DefaultPageSize
	}
	if c.OverlapThreshold <= 0 || c.OverlapThreshold > 1 {
		c.OverlapThreshold = DefaultOverlapThreshold
	}
	if c.RepeatLimit < 1 {
		c.RepeatLimit = DefaultRepeatLimit
	}
	return c
}

// PageOutcome summarizes one fetched page for the evaluator.
type PageOutcome struct {
	Page int
	// RowCount is the number of raw rows the page produced, valid or not.
	RowCount     int
	Normalized   int
	Dropped      int
	OverlapCount int
	// OverlapRatio is computed over the page's distinct keys before any of
	// them were added to the ledger.
	OverlapRatio float64
	FirstKey     string
	Next         NextSignal
}

// Decision is the evaluator's verdict plus whether the page counted as
// stagnant.
type Decision struct {
	Termination
	Stagnant bool
}

// Evaluator applies the termination rules in priority order. It holds no
// state; the stagnation counter lives in the checkpoint.
type Evaluator struct {
	cfg EvaluatorConfig
}

func NewEvaluator(cfg EvaluatorConfig) *Evaluator {
	return &Evaluator{cfg: cfg.withDefaults()}
}

func (e *Evaluator) Config() EvaluatorConfig {
	return e.cfg
}

// Evaluate decides whether the run continues after the page described by
// outcome. stagnantPages is the count of consecutive stagnant pages seen
// before this one.
func (e *Evaluator) Evaluate(outcome PageOutcome, stagnantPages int) Decision {
	stagnant := outcome.Normalized > 0 && outcome.OverlapRatio >= e.cfg.OverlapThreshold

	switch {
	case outcome.RowCount == 0:
		return Decision{Termination: stop(StopNormal, ReasonEmptyPage)}
	case outcome.Next == NextNo:
		return Decision{Termination: stop(StopNormal, ReasonExplicitEnd), Stagnant: stagnant}
	// A short first page may only mean the page size was not applied.
	case outcome.Page > 1 && outcome.RowCount < e.cfg.PageSize:
		return Decision{Termination: stop(StopNormal, ReasonShortPage), Stagnant: stagnant}
	case stagnant && stagnantPages+1 >= e.cfg.RepeatLimit:
		return Decision{Termination: stop(StopSuspectedLoop, ReasonPagerStuck), Stagnant: true}
	}
	return Decision{Termination: Termination{Kind: Continue}, Stagnant: stagnant}
}
