package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/t031a5/controlcore/internal/logging"
	"github.com/t031a5/controlcore/internal/model"
)

func tempDB(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordAndListResults(t *testing.T) {
	s := tempDB(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.RecordResult(model.ActionResult{
		IntentRef: "i-1", Kind: model.KindSpeech, Group: model.GroupVoice, OriginCycleID: 4,
		Status: model.StatusTimedOut, Detail: "fire-and-forget timeout", CompletedAt: base,
	}))
	require.NoError(t, s.RecordResult(model.ActionResult{
		IntentRef: "i-2", Kind: model.KindPostureControl, OriginCycleID: 5,
		Status: model.StatusRejected, Reason: model.ReasonConversationalPosture, CompletedAt: base.Add(time.Second),
	}))

	got, err := s.RecentResults(10)
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, "i-2", got[0].IntentRef, "newest first")
	assert.Equal(t, model.ReasonConversationalPosture, got[0].Reason)
	assert.Equal(t, model.ActuatorGroup(""), got[0].Group)
	assert.Equal(t, model.StatusTimedOut, got[1].Status)
	assert.Equal(t, uint64(4), got[1].OriginCycleID)
	assert.True(t, got[1].CompletedAt.Equal(base))
}

func TestSafetyAudit_RoundTrip(t *testing.T) {
	s := tempDB(t)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.RecordTransition(TransitionRow{From: "NORMAL", To: "HALTED", Reason: "obstacle at 0.2m", TriggeredBy: "proximity", At: at}))
	require.NoError(t, s.RecordTransition(TransitionRow{From: "HALTED", To: "NORMAL", TriggeredBy: "operator:ana", At: at.Add(time.Minute)}))

	audit, err := s.SafetyAudit(5)
	require.NoError(t, err)
	require.Len(t, audit, 2)
	assert.Equal(t, "NORMAL", audit[0].To)
	assert.Equal(t, "", audit[0].Reason)
	assert.Equal(t, "proximity", audit[1].TriggeredBy)
	assert.NotEmpty(t, audit[1].ID)
}

func TestRecentCycles_ChronologicalWindow(t *testing.T) {
	s := tempDB(t)
	for i := 1; i <= 5; i++ {
		require.NoError(t, logging.LogCycle(s.DB(), logging.CycleEntry{
			CycleID:  uint64(i),
			Provider: "offline",
			Duration: time.Duration(i) * time.Millisecond,
			Degraded: i == 5,
		}))
	}

	cycles, err := s.RecentCycles(3)
	require.NoError(t, err)
	require.Len(t, cycles, 3)
	assert.Equal(t, []uint64{3, 4, 5}, []uint64{cycles[0].CycleID, cycles[1].CycleID, cycles[2].CycleID})
	assert.True(t, cycles[2].Degraded)
	assert.Equal(t, 4*time.Millisecond, cycles[1].Duration)
}

func TestNewStore_BadPath(t *testing.T) {
	_, err := NewStore(filepath.Join(t.TempDir(), "missing", "dir", "x.db"))
	assert.Error(t, err)
}
