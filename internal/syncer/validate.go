package syncer

import (
	"context"
	"errors"
	"fmt"

	"plansync/internal/models"
	"plansync/internal/store"
)

// Verdict is the outcome of validating a remote event. Rejections are not
// errors; they carry the reason the event was refused.
type Verdict struct {
	Accepted  bool
	Reason    string
	GroupID   int64
	SubjectID int64
}

func reject(format string, args ...any) Verdict {
	return Verdict{Reason: fmt.Sprintf(format, args...)}
}

// Validator applies the local scheduling rules to decoded remote events.
// The gates run in order and the first failure wins.
type Validator struct {
	store Store
}

// NewValidator creates a Validator reading from st.
func NewValidator(st Store) *Validator {
	return &Validator{store: st}
}

// Validate checks a remote event for userID. The returned error is only
// set when the store itself fails.
func (v *Validator) Validate(ctx context.Context, userID string, p *models.ParsedEvent) (Verdict, error) {
	group, err := v.store.GroupByName(ctx, userID, p.GroupName)
	if errors.Is(err, store.ErrNotFound) {
		return reject("group %q not found", p.GroupName), nil
	}
	if err != nil {
		return Verdict{}, err
	}
	subject, err := v.store.SubjectByName(ctx, userID, p.SubjectName)
	if errors.Is(err, store.ErrNotFound) {
		return reject("subject %q not found", p.SubjectName), nil
	}
	if err != nil {
		return Verdict{}, err
	}

	switch {
	case p.GroupName == "", p.SubjectName == "", p.Type == "":
		return reject("group, subject and type are required"), nil
	case p.Start.IsZero() || p.End.IsZero():
		return reject("start and end are required"), nil
	}

	if !p.Type.Valid() {
		return reject("unknown event type %q", p.Type), nil
	}

	d := p.Duration()
	if d <= 0 {
		return reject("end must be after start"), nil
	}
	if !models.DurationAllowed(p.Type, d) {
		return reject("%s must last %s, got %s", p.Type, models.FixedDuration, d), nil
	}

	overlap, err := v.store.Overlaps(ctx, userID, p.Start, p.End, p.ID)
	if err != nil {
		return Verdict{}, err
	}
	if overlap {
		return reject("overlaps another event"), nil
	}

	plan, err := v.store.PlanFor(ctx, userID, group.ID, subject.ID)
	if errors.Is(err, store.ErrNotFound) {
		return reject("no plan for %s / %s", group.Name, subject.Name), nil
	}
	if err != nil {
		return Verdict{}, err
	}
	scheduled, err := v.store.ScheduledDuration(ctx, userID, group.ID, subject.ID, p.Type, p.ID)
	if err != nil {
		return Verdict{}, err
	}
	if budget := plan.Budget(p.Type); scheduled+d > budget {
		return reject("%s hours exceeded: %s scheduled of %s", p.Type, scheduled+d, budget), nil
	}

	return Verdict{Accepted: true, GroupID: group.ID, SubjectID: subject.ID}, nil
}
