package services

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latestcomment/go-debate-arena/internal/models"
)

type recordingHandler struct {
	mu       sync.Mutex
	attacks  []string
	amnesias []string
	murders  []string
}

func (h *recordingHandler) HandleAttack(target, source string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.attacks = append(h.attacks, target)
}

func (h *recordingHandler) HandleAmnesia(target string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.amnesias = append(h.amnesias, target)
}

func (h *recordingHandler) HandleMurder(target string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.murders = append(h.murders, target)
}

func newTestEngine(t *testing.T) (*PvPEngine, *recordingHandler, *time.Time) {
	t.Helper()
	handler := &recordingHandler{}
	engine := NewPvPEngine(zerolog.Nop(), handler)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := &now
	engine.now = func() time.Time { return *clock }
	return engine, handler, clock
}

func statusEffect(id string, action models.PvPActionType, target string, at, until time.Time) models.PvPEffect {
	return models.PvPEffect{
		EffectID:      id,
		ActionType:    action,
		SourceAddress: "0xgm",
		TargetAgentID: target,
		CreatedAt:     at,
		ExpiresAt:     until,
	}
}

func TestSilence_SuppressesOutboundUntilExpiry(t *testing.T) {
	engine, _, clock := newTestEngine(t)
	now := *clock

	require.NoError(t, engine.Apply(statusEffect("e1", models.StatusSilence, "a1", now, now.Add(30*time.Second))))

	assert.True(t, engine.IsSuppressed("a1", SuppressOutbound))
	assert.False(t, engine.IsSuppressed("a1", SuppressInbound))
	assert.False(t, engine.IsSuppressed("a2", SuppressOutbound))

	*clock = now.Add(31 * time.Second)
	assert.False(t, engine.IsSuppressed("a1", SuppressOutbound))
}

func TestDeafenAndBlind_SuppressTheirCategories(t *testing.T) {
	engine, _, clock := newTestEngine(t)
	now := *clock

	require.NoError(t, engine.Apply(statusEffect("e1", models.StatusDeafen, "a1", now, now.Add(time.Minute))))
	require.NoError(t, engine.Apply(statusEffect("e2", models.StatusBlind, "a1", now, now.Add(time.Minute))))

	assert.True(t, engine.IsSuppressed("a1", SuppressInbound))
	assert.True(t, engine.IsSuppressed("a1", SuppressObservation))
	assert.False(t, engine.IsSuppressed("a1", SuppressOutbound))
}

func TestPoison_MutatesCaseInsensitively(t *testing.T) {
	engine, _, clock := newTestEngine(t)
	now := *clock

	effect := statusEffect("e1", models.StatusPoison, "a1", now, now.Add(time.Minute))
	effect.Details = &models.PoisonDetails{Find: "Bitcoin", Replace: "Dogecoin", CaseSensitive: false}
	require.NoError(t, engine.Apply(effect))

	assert.Equal(t, "Dogecoin is the future", engine.Mutate("Bitcoin is the future", "a1"))
	assert.Equal(t, "Dogecoin is the future", engine.Mutate("bitcoin is the future", "a1"))
	assert.Equal(t, "untouched", engine.Mutate("untouched", "a2"))
}

func TestPoison_CaseSensitiveLeavesOtherCase(t *testing.T) {
	engine, _, clock := newTestEngine(t)
	now := *clock

	effect := statusEffect("e1", models.StatusPoison, "a1", now, now.Add(time.Minute))
	effect.Details = &models.PoisonDetails{Find: "Bitcoin", Replace: "Dogecoin", CaseSensitive: true}
	require.NoError(t, engine.Apply(effect))

	assert.Equal(t, "bitcoin stays", engine.Mutate("bitcoin stays", "a1"))
	assert.Equal(t, "Dogecoin goes", engine.Mutate("Bitcoin goes", "a1"))
}

func TestPoison_AppliesInInsertionOrderAndDeterministically(t *testing.T) {
	engine, _, clock := newTestEngine(t)
	now := *clock

	first := statusEffect("e1", models.StatusPoison, "a1", now, now.Add(time.Minute))
	first.Details = &models.PoisonDetails{Find: "cat", Replace: "dog", CaseSensitive: true}
	second := statusEffect("e2", models.StatusPoison, "a1", now, now.Add(time.Minute))
	second.Details = &models.PoisonDetails{Find: "dog", Replace: "ferret", CaseSensitive: true}

	require.NoError(t, engine.Apply(first))
	require.NoError(t, engine.Apply(second))

	// e1 turns cat into dog, then e2 turns every dog into ferret.
	assert.Equal(t, "ferret ferret", engine.Mutate("cat dog", "a1"))
	assert.Equal(t, "ferret ferret", engine.Mutate("cat dog", "a1"))
}

func TestPoison_ExpiredEffectStopsMutating(t *testing.T) {
	engine, _, clock := newTestEngine(t)
	now := *clock

	effect := statusEffect("e1", models.StatusPoison, "a1", now, now.Add(10*time.Second))
	effect.Details = &models.PoisonDetails{Find: "x", Replace: "y", CaseSensitive: true}
	require.NoError(t, engine.Apply(effect))

	*clock = now.Add(11 * time.Second)
	assert.Equal(t, "x marks the spot", engine.Mutate("x marks the spot", "a1"))
}

func TestDirectActions_ExecuteImmediatelyAndAreNotStored(t *testing.T) {
	engine, handler, clock := newTestEngine(t)
	now := *clock

	require.NoError(t, engine.Apply(statusEffect("e1", models.ActionMurder, "a1", now, now)))
	require.NoError(t, engine.Apply(statusEffect("e2", models.ActionAmnesia, "a2", now, now)))
	require.NoError(t, engine.Apply(statusEffect("e3", models.ActionAttack, "a3", now, now)))

	assert.Equal(t, []string{"a1"}, handler.murders)
	assert.Equal(t, []string{"a2"}, handler.amnesias)
	assert.Equal(t, []string{"a3"}, handler.attacks)

	assert.Empty(t, engine.ActiveEffects("a1"))
	assert.Empty(t, engine.ActiveEffects("a2"))
	assert.Empty(t, engine.ActiveEffects("a3"))
}

func TestApply_RejectsUnknownAction(t *testing.T) {
	engine, _, clock := newTestEngine(t)
	now := *clock

	err := engine.Apply(statusEffect("e1", models.PvPActionType("EXPLODE"), "a1", now, now.Add(time.Minute)))
	assert.Error(t, err)
}

func TestRemove_DropsEffectBeforeExpiry(t *testing.T) {
	engine, _, clock := newTestEngine(t)
	now := *clock

	require.NoError(t, engine.Apply(statusEffect("e1", models.StatusSilence, "a1", now, now.Add(time.Hour))))
	require.True(t, engine.IsSuppressed("a1", SuppressOutbound))

	engine.Remove("e1")
	assert.False(t, engine.IsSuppressed("a1", SuppressOutbound))
}

func TestSweep_PrunesExpiredEntries(t *testing.T) {
	engine, _, clock := newTestEngine(t)
	now := *clock

	require.NoError(t, engine.Apply(statusEffect("e1", models.StatusSilence, "a1", now, now.Add(time.Second))))
	require.NoError(t, engine.Apply(statusEffect("e2", models.StatusDeafen, "a1", now, now.Add(time.Hour))))

	*clock = now.Add(time.Minute)
	engine.Sweep()

	effects := engine.ActiveEffects("a1")
	require.Len(t, effects, 1)
	assert.Equal(t, "e2", effects[0].EffectID)
}

func TestDeceived_TracksDeceiveWindow(t *testing.T) {
	engine, _, clock := newTestEngine(t)
	now := *clock

	require.NoError(t, engine.Apply(statusEffect("e1", models.StatusDeceive, "a1", now, now.Add(time.Minute))))
	assert.True(t, engine.Deceived("a1"))

	*clock = now.Add(2 * time.Minute)
	assert.False(t, engine.Deceived("a1"))
}
