package syncer

import (
	"fmt"
	"log/slog"
)

// Phase is a step of a full sync pass.
type Phase string

const (
	PhasePulling        Phase = "PULLING"
	PhaseValidating     Phase = "VALIDATING"
	PhaseResolvingLocal Phase = "RESOLVING_LOCAL"
	PhasePruning        Phase = "PRUNING"
	PhasePushing        Phase = "PUSHING"
	PhaseDone           Phase = "DONE"
	PhaseFailed         Phase = "FAILED"
)

// PhaseError is returned when a pass is abandoned. Phase is where it stopped.
type PhaseError struct {
	Phase Phase
	Err   error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("sync failed while %s: %v", e.Phase, e.Err)
}

func (e *PhaseError) Unwrap() error { return e.Err }

// Result counts what a full pass did.
type Result struct {
	UserID string
	Phase  Phase

	Pulled         int
	Created        int
	Updated        int
	Unchanged      int
	DeletedLocal   int
	Rejected       int
	DecodeFailures int
	Pruned         int

	Pushed       int
	Deleted      int
	Skipped      int
	LockedSkips  int
	PushFailures int
}

// LogValue implements slog.LogValuer.
func (r *Result) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("phase", string(r.Phase)),
		slog.Int("pulled", r.Pulled),
		slog.Int("created", r.Created),
		slog.Int("updated", r.Updated),
		slog.Int("unchanged", r.Unchanged),
		slog.Int("deletedLocal", r.DeletedLocal),
		slog.Int("rejected", r.Rejected),
		slog.Int("decodeFailures", r.DecodeFailures),
		slog.Int("pruned", r.Pruned),
		slog.Int("pushed", r.Pushed),
		slog.Int("deleted", r.Deleted),
		slog.Int("skipped", r.Skipped),
		slog.Int("lockedSkips", r.LockedSkips),
		slog.Int("pushFailures", r.PushFailures),
	)
}

// Outcome is the result of pushing a single event.
type Outcome int

const (
	OutcomeFailed Outcome = iota
	OutcomeSkipped
	OutcomePushed
	OutcomeDeleted
	OutcomeLocked
	OutcomeGone
	OutcomeNoCalendar
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSkipped:
		return "skipped"
	case OutcomePushed:
		return "pushed"
	case OutcomeDeleted:
		return "deleted"
	case OutcomeLocked:
		return "locked"
	case OutcomeGone:
		return "gone"
	case OutcomeNoCalendar:
		return "no-calendar"
	default:
		return "failed"
	}
}
