package services

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/latestcomment/go-debate-arena/internal/models"
)

func entry(i int) models.HistoryEntry {
	return models.HistoryEntry{
		Timestamp: int64(i),
		AgentID:   fmt.Sprintf("a%d", i),
		AgentName: fmt.Sprintf("Agent %d", i),
		Text:      fmt.Sprintf("turn %d", i),
		Role:      models.RoleAgent,
	}
}

func TestHistoryBuffer_NeverExceedsCapacity(t *testing.T) {
	buf := NewHistoryBuffer(3)
	for i := 0; i < 10; i++ {
		buf.Append(entry(i))
	}
	assert.Equal(t, 3, buf.Len())
}

func TestHistoryBuffer_KeepsMostRecentInOrder(t *testing.T) {
	buf := NewHistoryBuffer(3)
	for i := 0; i < 5; i++ {
		buf.Append(entry(i))
	}

	snap := buf.Snapshot()
	assert.Equal(t, []models.HistoryEntry{entry(2), entry(3), entry(4)}, snap)
}

func TestHistoryBuffer_SnapshotIsACopy(t *testing.T) {
	buf := NewHistoryBuffer(4)
	buf.Append(entry(1))

	snap := buf.Snapshot()
	snap[0].Text = "mutated"

	assert.Equal(t, "turn 1", buf.Snapshot()[0].Text)
}

func TestHistoryBuffer_ClearEmptiesWindow(t *testing.T) {
	buf := NewHistoryBuffer(4)
	buf.Append(entry(1))
	buf.Append(entry(2))

	buf.Clear()
	assert.Equal(t, 0, buf.Len())
	assert.Empty(t, buf.Snapshot())
}

func TestHistoryBuffer_DefaultCapacity(t *testing.T) {
	buf := NewHistoryBuffer(0)
	for i := 0; i < 20; i++ {
		buf.Append(entry(i))
	}
	assert.Equal(t, DefaultHistoryCapacity, buf.Len())
}
