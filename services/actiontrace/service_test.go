package actiontrace

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/upb/reward-governance/models"
	"github.com/upb/reward-governance/services"
	"github.com/upb/reward-governance/services/persist"
)

type memoryRepo struct {
	mu      sync.Mutex
	entries []*models.ActionTraceEntry
}

func (r *memoryRepo) Insert(ctx context.Context, entry *models.ActionTraceEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry)
	return nil
}

func (r *memoryRepo) ListByEpisode(ctx context.Context, episodeID string) ([]*models.ActionTraceEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.ActionTraceEntry
	for _, e := range r.entries {
		if e.EpisodeID == episodeID {
			out = append(out, e)
		}
	}
	return out, nil
}

func TestLogAction_CopiesInputs(t *testing.T) {
	s, err := NewService(Config{}, nil, nil, zap.NewNop(), nil)
	require.NoError(t, err)

	before := models.State{0.6, 0.5}
	after := models.State{0.4, 0.5}
	info := map[string]interface{}{"cost": 120.0}

	_, err = s.LogAction("ep-1", 0, before, "treat", after, info, nil)
	require.NoError(t, err)

	before[0] = 99
	after[0] = 99
	info["cost"] = 0.0

	trace := s.GetEpisodeTrace("ep-1")
	require.Len(t, trace, 1)
	assert.Equal(t, models.State{0.6, 0.5}, trace[0].BeforeState)
	assert.Equal(t, models.State{0.4, 0.5}, trace[0].AfterState)
	assert.Equal(t, 120.0, trace[0].TransitionInfo["cost"])

	// returned copies are not shared either
	trace[0].BeforeState[0] = -1
	assert.Equal(t, 0.6, s.GetEpisodeTrace("ep-1")[0].BeforeState[0])
}

func TestGetStateTransitions(t *testing.T) {
	s, err := NewService(Config{}, nil, nil, zap.NewNop(), nil)
	require.NoError(t, err)

	_, _ = s.LogAction("ep-1", 0, models.State{0.6}, "treat", models.State{0.5}, nil, nil)
	_, _ = s.LogAction("ep-1", 1, models.State{0.5}, "discharge", models.State{0.5}, nil, nil)

	transitions := s.GetStateTransitions("ep-1")
	require.Len(t, transitions, 2)
	assert.Equal(t, models.StateTransition{StepID: 1, From: models.State{0.5}, Action: "discharge", To: models.State{0.5}}, transitions[1])
	assert.Empty(t, s.GetStateTransitions("missing"))
}

func TestLogAction_EmptyEpisode(t *testing.T) {
	s, err := NewService(Config{}, nil, nil, zap.NewNop(), nil)
	require.NoError(t, err)

	_, err = s.LogAction("", 0, nil, "treat", nil, nil, nil)
	assert.ErrorIs(t, err, services.ErrEmptyEpisodeID)
}

func TestLogAction_WriteThrough(t *testing.T) {
	repo := &memoryRepo{}
	s, err := NewService(Config{PersistToDB: true, MaxEpisodes: 1}, repo, persist.Direct{}, zap.NewNop(), nil)
	require.NoError(t, err)

	_, err = s.LogAction("ep-1", 0, models.State{0.6}, "treat", models.State{0.5}, nil, nil)
	require.NoError(t, err)
	_, err = s.LogAction("ep-2", 0, models.State{0.6}, "treat", models.State{0.5}, nil, nil)
	require.NoError(t, err)

	// ep-1 was evicted from memory but is still in the repository
	assert.Empty(t, s.GetEpisodeTrace("ep-1"))
	loaded, err := s.LoadEpisode(context.Background(), "ep-1")
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, models.Action("treat"), loaded[0].Action)
}
