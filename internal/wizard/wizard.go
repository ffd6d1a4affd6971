// Package wizard implements the four-stage story-creation progress tracker.
// It is a precondition oracle for generation-triggering code paths: story
// generation only runs once the characters stage is completed, and so on.
// It never calls the orchestrator itself.
package wizard

import (
	"github.com/rotisserie/eris"

	"github.com/fablepress/storyforge/internal/model"
)

// Status is the per-stage progress marker. A stage never regresses.
type Status string

const (
	StatusNotStarted Status = "not_started"
	StatusDraft      Status = "draft"
	StatusCompleted  Status = "completed"
)

// StageOrder lists the wizard stages in their fixed order.
var StageOrder = [4]model.Stage{
	model.StageCharacters,
	model.StageStory,
	model.StageDesign,
	model.StagePreview,
}

// MinCharacters is the counter precondition for completing the characters
// stage.
const MinCharacters = 3

// Precondition failures raised by transitions.
var (
	ErrStageCompleted  = eris.New("wizard: stage already completed")
	ErrPrecondition    = eris.New("wizard: stage precondition not met")
	ErrPriorIncomplete = eris.New("wizard: previous stage not completed")
	ErrUnknownStage    = eris.New("wizard: unknown stage")
)

// StageState holds one stage's status and its stage-specific counter
// (characters assigned, for the characters stage).
type StageState struct {
	Status Status `json:"status"`
	Count  int    `json:"count,omitempty"`
}

// State is the per-story wizard state.
type State struct {
	Stages map[model.Stage]StageState `json:"stages"`
}

// NewState returns a state with every stage not started.
func NewState() *State {
	s := &State{Stages: make(map[model.Stage]StageState, len(StageOrder))}
	for _, stage := range StageOrder {
		s.Stages[stage] = StageState{Status: StatusNotStarted}
	}
	return s
}

func indexOf(stage model.Stage) int {
	for i, s := range StageOrder {
		if s == stage {
			return i
		}
	}
	return -1
}

// Stage returns the state of one stage.
func (s *State) Stage(stage model.Stage) StageState {
	return s.Stages[stage]
}

// AssignCharacter records one character assignment on the characters stage,
// moving it from not_started to draft on first use. Fails once the stage is
// completed.
func (s *State) AssignCharacter() error {
	st := s.Stages[model.StageCharacters]
	if st.Status == StatusCompleted {
		return eris.Wrap(ErrStageCompleted, "assign character")
	}
	st.Count++
	if st.Status == StatusNotStarted {
		st.Status = StatusDraft
	}
	s.Stages[model.StageCharacters] = st
	return nil
}

// Advance marks a stage completed and moves the next stage to draft. The
// previous stage must be completed, the stage itself must not be, and the
// characters stage additionally requires MinCharacters assignments. On
// failure the state is left unchanged.
func (s *State) Advance(stage model.Stage) error {
	idx := indexOf(stage)
	if idx < 0 {
		return eris.Wrapf(ErrUnknownStage, "advance %s", stage)
	}

	st := s.Stages[stage]
	if st.Status == StatusCompleted {
		return eris.Wrapf(ErrStageCompleted, "advance %s", stage)
	}

	if idx > 0 {
		prev := s.Stages[StageOrder[idx-1]]
		if prev.Status != StatusCompleted {
			return eris.Wrapf(ErrPriorIncomplete, "advance %s", stage)
		}
	}

	if stage == model.StageCharacters && st.Count < MinCharacters {
		return eris.Wrapf(ErrPrecondition, "advance %s: %d of %d characters assigned", stage, st.Count, MinCharacters)
	}

	st.Status = StatusCompleted
	s.Stages[stage] = st

	if idx+1 < len(StageOrder) {
		next := s.Stages[StageOrder[idx+1]]
		if next.Status == StatusNotStarted {
			next.Status = StatusDraft
			s.Stages[StageOrder[idx+1]] = next
		}
	}

	return nil
}

// Completed reports whether a stage has been completed. Unknown stages are
// never completed.
func (s *State) Completed(stage model.Stage) bool {
	return s.Stages[stage].Status == StatusCompleted
}

// Prerequisites returns the wizard stages that must be completed before
// generation work belonging to the given stage may run. Characters-stage
// work has none; export work requires the whole wizard.
func Prerequisites(stage model.Stage) []model.Stage {
	if stage == model.StageExport {
		return StageOrder[:]
	}
	idx := indexOf(stage)
	if idx <= 0 {
		return nil
	}
	return StageOrder[:idx]
}

// Blocking returns the first prerequisite stage not yet completed for
// generation work of the given stage, and whether anything blocks.
func (s *State) Blocking(stage model.Stage) (model.Stage, bool) {
	for _, pre := range Prerequisites(stage) {
		if !s.Completed(pre) {
			return pre, true
		}
	}
	return "", false
}
