package harvester

// State is a controller state.
type State int

const (
	StateInitializing State = iota
	StateFetching
	StateNormalizing
	StateDedupAndSink
	StateEvaluating
	StateAdvancing
	StateTerminated
)

var stateNames = map[State]string{
	StateInitializing: "initializing",
	StateFetching:     "fetching",
	StateNormalizing:  "normalizing",
	StateDedupAndSink: "dedup_and_sink",
	StateEvaluating:   "evaluating",
	StateAdvancing:    "advancing",
	StateTerminated:   "terminated",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// TerminationKind classifies how a run ended, or that it has not.
type TerminationKind int

const (
	Continue TerminationKind = iota
	StopNormal
	StopSuspectedLoop
	StopError
)

func (k TerminationKind) String() string {
	switch k {
	case StopNormal:
		return "STOP_NORMAL"
	case StopSuspectedLoop:
		return "STOP_SUSPECTED_LOOP"
	case StopError:
		return "STOP_ERROR"
	default:
		return "CONTINUE"
	}
}

// Reason is a short machine-readable code explaining a termination.
type Reason string

const (
	ReasonNone              Reason = ""
	ReasonEmptyPage         Reason = "empty_page"
	ReasonExplicitEnd       Reason = "explicit_end"
	ReasonShortPage         Reason = "short_page"
	ReasonPagerStuck        Reason = "pager_stuck"
	ReasonFetchFailed       Reason = "fetch_failed"
	ReasonAdvanceFailed     Reason = "advance_failed"
	ReasonResumeOutOfRange  Reason = "resume_out_of_range"
	ReasonSinkOutage        Reason = "sink_outage"
	ReasonCheckpointFailure Reason = "checkpoint_unavailable"
	ReasonCancelled         Reason = "cancelled"
)

// Termination is the evaluator's verdict for a page.
type Termination struct {
	Kind   TerminationKind
	Reason Reason
}

func (t Termination) String() string {
	if t.Reason == ReasonNone {
		return t.Kind.String()
	}
	return t.Kind.String() + "(" + string(t.Reason) + ")"
}

// Stopped reports whether the verdict ends the run.
func (t Termination) Stopped() bool {
	return t.Kind != Continue
}

func stop(kind TerminationKind, reason Reason) Termination {
	return Termination{Kind: kind, Reason: reason}
}
