package game

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tilemud/internal/models"
)

func TestCreateAssignsCapacityByModeAndTier(t *testing.T) {
	r := NewInstanceRegistry()
	stamp := models.RuleVersionStamp{Type: models.RuleBattle, Version: "1.0.0"}

	battle := r.Create(models.CreateInstanceRequest{Mode: models.ModeBattle}, stamp, "eu")
	assert.Equal(t, 8, battle.Capacity)
	assert.Equal(t, models.InstancePending, battle.State)
	assert.Equal(t, "eu", battle.Region)
	assert.Equal(t, "1.0.0", battle.RuleStamp.Version)

	large := r.Create(models.CreateInstanceRequest{Mode: models.ModeBattle, Large: true}, stamp, "eu")
	assert.Equal(t, 16, large.Capacity)

	tutorial := r.Create(models.CreateInstanceRequest{Mode: models.ModeArena, Tier: models.TierTutorial}, stamp, "eu")
	assert.Equal(t, 80, tutorial.Capacity)
	skirmish := r.Create(models.CreateInstanceRequest{Mode: models.ModeArena, Tier: models.TierSkirmish}, stamp, "eu")
	assert.Equal(t, 160, skirmish.Capacity)
	epic := r.Create(models.CreateInstanceRequest{Mode: models.ModeArena, Tier: models.TierEpic}, stamp, "eu")
	assert.Equal(t, 300, epic.Capacity)
}

func TestStateMachineIsForwardOnly(t *testing.T) {
	r := NewInstanceRegistry()
	inst := r.Create(models.CreateInstanceRequest{Mode: models.ModeBattle}, models.RuleVersionStamp{}, "eu")

	require.NoError(t, r.Start(inst.InstanceID))
	assert.ErrorIs(t, r.Start(inst.InstanceID), ErrBadTransition)

	require.NoError(t, r.Finish(inst.InstanceID, models.InstanceResolved))

	// Terminal states never move again.
	assert.ErrorIs(t, r.Finish(inst.InstanceID, models.InstanceAborted), ErrBadTransition)

	got, ok := r.GetInstance(inst.InstanceID)
	require.True(t, ok)
	assert.Equal(t, models.InstanceResolved, got.State)
}

func TestFinishRequiresTerminalState(t *testing.T) {
	r := NewInstanceRegistry()
	inst := r.Create(models.CreateInstanceRequest{Mode: models.ModeBattle}, models.RuleVersionStamp{}, "eu")
	assert.ErrorIs(t, r.Finish(inst.InstanceID, models.InstanceActive), ErrBadTransition)
}

func TestRecordHumansIsHighWaterMark(t *testing.T) {
	r := NewInstanceRegistry()
	inst := r.Create(models.CreateInstanceRequest{Mode: models.ModeArena}, models.RuleVersionStamp{}, "eu")

	r.RecordHumans(inst.InstanceID, 5)
	r.RecordHumans(inst.InstanceID, 3)
	got, _ := r.GetInstance(inst.InstanceID)
	assert.Equal(t, 5, got.InitialHumanCount)

	r.RecordHumans(inst.InstanceID, 9)
	got, _ = r.GetInstance(inst.InstanceID)
	assert.Equal(t, 9, got.InitialHumanCount)
}
