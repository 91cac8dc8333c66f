package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ibnizhaku/ip.loomora.ch-2.0-sub010/types"
)

// Helper function to create a sample config
func newConfig(docType types.DocumentType) types.WorkflowConfig {
	return types.WorkflowConfig{
		DocumentType: docType,
		Enabled:      true,
		Stages: []types.StageDefinition{
			{ID: "team_lead", Name: "Team Lead", Threshold: 0, Order: 1},
			{ID: "finance", Name: "Finance", Threshold: 500, Order: 2},
		},
		RequireRejectionReason: true,
		ExemptTypes:            []string{"sick"},
	}
}

// Helper function to create a sample instance
func newInstance(documentID string, docType types.DocumentType) *types.ApprovalInstance {
	now := time.Now().UnixMilli()
	return &types.ApprovalInstance{
		ID:           42,
		DocumentID:   documentID,
		DocumentType: docType,
		Metric:       750,
		RequiredStages: []types.StageDefinition{
			{ID: "team_lead", Name: "Team Lead", Order: 1},
			{ID: "finance", Name: "Finance", Threshold: 500, Order: 2},
		},
		OverallStatus: types.StatusPending,
		History:       []types.StageProgress{},
		SubmittedBy:   "anna",
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// testStore runs the behaviour every Store implementation must share.
// newStore must return an empty store; prefix keeps document IDs unique
// across runs against shared backends.
func testStore(t *testing.T, newStore func(t *testing.T) Store, prefix string) {
	ctx := context.Background()
	id := func(s string) string { return prefix + s }

	t.Run("SaveAndGetConfig", func(t *testing.T) {
		store := newStore(t)
		cfg := newConfig(types.DocumentExpense)
		require.NoError(t, store.SaveConfig(ctx, cfg))

		got, err := store.GetConfig(ctx, types.DocumentExpense)
		require.NoError(t, err)
		assert.Equal(t, cfg, got)

		_, err = store.GetConfig(ctx, "unknown")
		assert.ErrorIs(t, err, ErrConfigNotFound)
	})

	t.Run("SaveConfigOverwrites", func(t *testing.T) {
		store := newStore(t)
		cfg := newConfig(types.DocumentAbsence)
		require.NoError(t, store.SaveConfig(ctx, cfg))

		cfg.Enabled = false
		require.NoError(t, store.SaveConfig(ctx, cfg))

		got, err := store.GetConfig(ctx, types.DocumentAbsence)
		require.NoError(t, err)
		assert.False(t, got.Enabled)
	})

	t.Run("CreateAndGetInstance", func(t *testing.T) {
		store := newStore(t)
		inst := newInstance(id("EXP-1"), types.DocumentExpense)
		require.NoError(t, store.CreateInstance(ctx, inst))
		assert.Equal(t, int64(1), inst.Version)

		got, err := store.GetInstance(ctx, id("EXP-1"))
		require.NoError(t, err)
		assert.Equal(t, inst.DocumentID, got.DocumentID)
		assert.Equal(t, inst.RequiredStages, got.RequiredStages)
		assert.Equal(t, types.StatusPending, got.OverallStatus)
		assert.Equal(t, int64(1), got.Version)

		err = store.CreateInstance(ctx, newInstance(id("EXP-1"), types.DocumentExpense))
		assert.ErrorIs(t, err, ErrAlreadyExists)

		_, err = store.GetInstance(ctx, id("missing"))
		assert.ErrorIs(t, err, ErrInstanceNotFound)
	})

	t.Run("UpdateInstanceVersioning", func(t *testing.T) {
		store := newStore(t)
		inst := newInstance(id("EXP-2"), types.DocumentExpense)
		require.NoError(t, store.CreateInstance(ctx, inst))

		approvedAt := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
		inst.History = append(inst.History, types.StageProgress{
			StageID:    "team_lead",
			StageName:  "Team Lead",
			Status:     types.ProgressApproved,
			ApprovedBy: "lead",
			ApprovedAt: &approvedAt,
			DecidedAt:  approvedAt,
		})
		inst.CurrentStageIndex = 1
		require.NoError(t, store.UpdateInstance(ctx, inst, 1))
		assert.Equal(t, int64(2), inst.Version)

		got, err := store.GetInstance(ctx, id("EXP-2"))
		require.NoError(t, err)
		assert.Equal(t, 1, got.CurrentStageIndex)
		require.Len(t, got.History, 1)
		assert.Equal(t, types.ProgressApproved, got.History[0].Status)
		assert.True(t, approvedAt.Equal(*got.History[0].ApprovedAt))

		stale := got.Clone()
		stale.CurrentStageIndex = 0
		err = store.UpdateInstance(ctx, &stale, 1)
		assert.ErrorIs(t, err, ErrVersionConflict)

		missing := newInstance(id("EXP-404"), types.DocumentExpense)
		err = store.UpdateInstance(ctx, missing, 1)
		assert.ErrorIs(t, err, ErrInstanceNotFound)
	})

	t.Run("ReturnedInstanceIsACopy", func(t *testing.T) {
		store := newStore(t)
		inst := newInstance(id("EXP-3"), types.DocumentExpense)
		require.NoError(t, store.CreateInstance(ctx, inst))

		got, err := store.GetInstance(ctx, id("EXP-3"))
		require.NoError(t, err)
		got.RequiredStages[0].ID = "mutated"

		again, err := store.GetInstance(ctx, id("EXP-3"))
		require.NoError(t, err)
		assert.Equal(t, "team_lead", again.RequiredStages[0].ID)
	})

	t.Run("DeleteInstance", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.CreateInstance(ctx, newInstance(id("ABS-1"), types.DocumentAbsence)))
		require.NoError(t, store.DeleteInstance(ctx, id("ABS-1")))

		_, err := store.GetInstance(ctx, id("ABS-1"))
		assert.ErrorIs(t, err, ErrInstanceNotFound)
		assert.ErrorIs(t, store.DeleteInstance(ctx, id("ABS-1")), ErrInstanceNotFound)
	})

	t.Run("ListInstances", func(t *testing.T) {
		store := newStore(t)
		approved := newInstance(id("EXP-B"), types.DocumentExpense)
		approved.OverallStatus = types.StatusApproved
		require.NoError(t, store.CreateInstance(ctx, newInstance(id("EXP-C"), types.DocumentExpense)))
		require.NoError(t, store.CreateInstance(ctx, approved))
		require.NoError(t, store.CreateInstance(ctx, newInstance(id("ABS-A"), types.DocumentAbsence)))

		all, err := store.ListInstances(ctx, InstanceFilter{})
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, []string{id("ABS-A"), id("EXP-B"), id("EXP-C")},
			[]string{all[0].DocumentID, all[1].DocumentID, all[2].DocumentID})

		expenses, err := store.ListInstances(ctx, InstanceFilter{DocumentType: types.DocumentExpense})
		require.NoError(t, err)
		assert.Len(t, expenses, 2)

		pendingExpenses, err := store.ListInstances(ctx, InstanceFilter{
			DocumentType: types.DocumentExpense,
			Status:       types.StatusPending,
		})
		require.NoError(t, err)
		require.Len(t, pendingExpenses, 1)
		assert.Equal(t, id("EXP-C"), pendingExpenses[0].DocumentID)
	})

	t.Run("ConcurrentUpdatesSingleWinner", func(t *testing.T) {
		store := newStore(t)
		inst := newInstance(id("TRV-1"), types.DocumentTravelExpense)
		require.NoError(t, store.CreateInstance(ctx, inst))

		const writers = 10
		var wg sync.WaitGroup
		var mu sync.Mutex
		succeeded := 0
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				next := inst.Clone()
				next.SubmittedBy = fmt.Sprintf("writer-%d", i)
				if err := store.UpdateInstance(ctx, &next, 1); err == nil {
					mu.Lock()
					succeeded++
					mu.Unlock()
				} else {
					assert.ErrorIs(t, err, ErrVersionConflict)
				}
			}(i)
		}
		wg.Wait()
		assert.Equal(t, 1, succeeded)

		got, err := store.GetInstance(ctx, id("TRV-1"))
		require.NoError(t, err)
		assert.Equal(t, int64(2), got.Version)
	})

	t.Run("ClearTerminal", func(t *testing.T) {
		store := newStore(t)
		old := time.Date(2026, 1, 5, 8, 0, 0, 0, time.UTC)

		approved := newInstance(id("EXP-OLD"), types.DocumentExpense)
		approved.OverallStatus = types.StatusApproved
		approved.UpdatedAt = old.UnixMilli()
		pending := newInstance(id("EXP-PENDING"), types.DocumentExpense)
		pending.UpdatedAt = old.UnixMilli()
		recent := newInstance(id("EXP-NEW"), types.DocumentExpense)
		recent.OverallStatus = types.StatusRejected

		for _, inst := range []*types.ApprovalInstance{approved, pending, recent} {
			require.NoError(t, store.CreateInstance(ctx, inst))
		}

		removed, err := store.ClearTerminal(ctx, old.Add(24*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 1, removed)

		_, err = store.GetInstance(ctx, id("EXP-OLD"))
		assert.ErrorIs(t, err, ErrInstanceNotFound)
		_, err = store.GetInstance(ctx, id("EXP-PENDING"))
		assert.NoError(t, err)
		_, err = store.GetInstance(ctx, id("EXP-NEW"))
		assert.NoError(t, err)
	})

	t.Run("ClearTerminalKeepsResubmitted", func(t *testing.T) {
		store := newStore(t)
		old := time.Date(2026, 1, 5, 8, 0, 0, 0, time.UTC)

		inst := newInstance(id("EXP-RESUB"), types.DocumentExpense)
		inst.OverallStatus = types.StatusRejected
		inst.UpdatedAt = old.UnixMilli()
		require.NoError(t, store.CreateInstance(ctx, inst))

		// a sweep that listed the rejected instance must not remove its replacement
		stale, err := store.ListInstances(ctx, InstanceFilter{Status: types.StatusRejected})
		require.NoError(t, err)
		require.Len(t, stale, 1)

		fresh := newInstance(id("EXP-RESUB"), types.DocumentExpense)
		fresh.UpdatedAt = old.UnixMilli()
		require.NoError(t, store.UpdateInstance(ctx, fresh, inst.Version))

		removed, err := store.ClearTerminal(ctx, old.Add(24*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 0, removed)

		got, err := store.GetInstance(ctx, id("EXP-RESUB"))
		require.NoError(t, err)
		assert.Equal(t, types.StatusPending, got.OverallStatus)
	})

	t.Run("ClearTerminalConcurrentResubmit", func(t *testing.T) {
		store := newStore(t)
		old := time.Date(2026, 1, 5, 8, 0, 0, 0, time.UTC)
		cutoff := old.Add(24 * time.Hour)

		const docs = 20
		for i := 0; i < docs; i++ {
			inst := newInstance(id(fmt.Sprintf("EXP-R%02d", i)), types.DocumentExpense)
			inst.OverallStatus = types.StatusRejected
			inst.UpdatedAt = old.UnixMilli()
			require.NoError(t, store.CreateInstance(ctx, inst))
		}

		var wg sync.WaitGroup
		resubmitted := make([]bool, docs)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 5; i++ {
				_, _ = store.ClearTerminal(ctx, cutoff)
			}
		}()
		for i := 0; i < docs; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				fresh := newInstance(id(fmt.Sprintf("EXP-R%02d", i)), types.DocumentExpense)
				fresh.UpdatedAt = old.UnixMilli()
				resubmitted[i] = store.UpdateInstance(ctx, fresh, 1) == nil
			}(i)
		}
		wg.Wait()

		for i := 0; i < docs; i++ {
			if !resubmitted[i] {
				continue
			}
			got, err := store.GetInstance(ctx, id(fmt.Sprintf("EXP-R%02d", i)))
			require.NoError(t, err, "resubmitted instance %d was purged", i)
			assert.Equal(t, types.StatusPending, got.OverallStatus)
		}
	})

	t.Run("ContextCancellation", func(t *testing.T) {
		store := newStore(t)
		cancelled, cancel := context.WithCancel(context.Background())
		cancel()

		assert.ErrorIs(t, store.SaveConfig(cancelled, newConfig(types.DocumentExpense)), context.Canceled)
		_, err := store.GetInstance(cancelled, id("EXP-1"))
		assert.ErrorIs(t, err, context.Canceled)
		_, err = store.ListInstances(cancelled, InstanceFilter{})
		assert.ErrorIs(t, err, context.Canceled)
	})
}
