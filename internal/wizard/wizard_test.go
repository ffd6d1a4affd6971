package wizard

import (
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fablepress/storyforge/internal/model"
)

func completeCharacters(t *testing.T, s *State) {
	t.Helper()
	for i := 0; i < MinCharacters; i++ {
		require.NoError(t, s.AssignCharacter())
	}
	require.NoError(t, s.Advance(model.StageCharacters))
}

func TestNewState_AllStagesNotStarted(t *testing.T) {
	s := NewState()
	for _, stage := range StageOrder {
		assert.Equal(t, StatusNotStarted, s.Stage(stage).Status, string(stage))
	}
}

func TestAdvance_CharactersRequiresMinimumCount(t *testing.T) {
	s := NewState()
	require.NoError(t, s.AssignCharacter())
	require.NoError(t, s.AssignCharacter())

	err := s.Advance(model.StageCharacters)
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrPrecondition))
	assert.Equal(t, StatusDraft, s.Stage(model.StageCharacters).Status)

	require.NoError(t, s.AssignCharacter())
	require.NoError(t, s.Advance(model.StageCharacters))
	assert.Equal(t, StatusCompleted, s.Stage(model.StageCharacters).Status)
}

func TestAdvance_RequiresPriorStageCompleted(t *testing.T) {
	s := NewState()

	err := s.Advance(model.StageStory)
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrPriorIncomplete))

	err = s.Advance(model.StageDesign)
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrPriorIncomplete))
}

func TestAdvance_FullWalk(t *testing.T) {
	s := NewState()
	completeCharacters(t, s)

	assert.Equal(t, StatusDraft, s.Stage(model.StageStory).Status)
	require.NoError(t, s.Advance(model.StageStory))
	require.NoError(t, s.Advance(model.StageDesign))
	require.NoError(t, s.Advance(model.StagePreview))

	for _, stage := range StageOrder {
		assert.True(t, s.Completed(stage), string(stage))
	}
}

func TestAdvance_CompletedStageDoesNotRegress(t *testing.T) {
	s := NewState()
	completeCharacters(t, s)

	err := s.Advance(model.StageCharacters)
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrStageCompleted))
	assert.Equal(t, StatusCompleted, s.Stage(model.StageCharacters).Status)
}

func TestAssignCharacter_FailsAfterStageCompleted(t *testing.T) {
	s := NewState()
	completeCharacters(t, s)

	err := s.AssignCharacter()
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrStageCompleted))
	assert.Equal(t, MinCharacters, s.Stage(model.StageCharacters).Count)
}

func TestAdvance_UnknownStage(t *testing.T) {
	s := NewState()
	err := s.Advance(model.Stage("binding"))
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrUnknownStage))
}

func TestPrerequisites(t *testing.T) {
	assert.Empty(t, Prerequisites(model.StageCharacters))
	assert.Equal(t, []model.Stage{model.StageCharacters}, Prerequisites(model.StageStory))
	assert.Equal(t, []model.Stage{model.StageCharacters, model.StageStory}, Prerequisites(model.StageDesign))
	assert.Equal(t, StageOrder[:], Prerequisites(model.StageExport))
	assert.Empty(t, Prerequisites(model.Stage("binding")))
}

func TestBlocking_DesignWorkWaitsForEarlierStages(t *testing.T) {
	s := NewState()

	pre, blocked := s.Blocking(model.StageDesign)
	require.True(t, blocked)
	assert.Equal(t, model.StageCharacters, pre)

	completeCharacters(t, s)
	pre, blocked = s.Blocking(model.StageDesign)
	require.True(t, blocked)
	assert.Equal(t, model.StageStory, pre)

	require.NoError(t, s.Advance(model.StageStory))
	_, blocked = s.Blocking(model.StageDesign)
	assert.False(t, blocked)

	// Export work still waits on the rest of the wizard.
	pre, blocked = s.Blocking(model.StageExport)
	require.True(t, blocked)
	assert.Equal(t, model.StageDesign, pre)
}

func TestBlocking_CharactersWorkNeverBlocked(t *testing.T) {
	s := NewState()
	_, blocked := s.Blocking(model.StageCharacters)
	assert.False(t, blocked)
}
