package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ibnizhaku/ip.loomora.ch-2.0-sub010/config"
	"github.com/ibnizhaku/ip.loomora.ch-2.0-sub010/storage"
	"github.com/ibnizhaku/ip.loomora.ch-2.0-sub010/types"
	"github.com/ibnizhaku/ip.loomora.ch-2.0-sub010/workflow"
)

const testConfig = `
log:
  level: error
storage:
  driver: memory
workflows:
  absence:
    enabled: true
    require_rejection_reason: true
    exempt_types: [sick]
    stages:
      - id: supervisor
        name: Supervisor
        order: 1
      - id: hr
        name: HR
        threshold: 3
        order: 2
  expense:
    enabled: true
    stages:
      - id: team_lead
        name: Team Lead
        order: 1
      - id: finance
        name: Finance
        threshold: 500
        order: 2
        condition: 'category != "meals"'
`

type testCLI struct {
	app   *App
	store *storage.MemoryStorage
}

func newTestCLI(t *testing.T) *testCLI {
	t.Helper()
	path := filepath.Join(t.TempDir(), "approval.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testConfig), 0644))

	store := storage.NewMemoryStorage()
	app := &App{
		OpenStore: func(ctx context.Context, cfg *config.Config) (storage.Store, func(), error) {
			return store, func() {}, nil
		},
	}
	app.ConfigPath = path
	return &testCLI{app: app, store: store}
}

func (c *testCLI) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	err := c.app.Execute(context.Background(), append([]string{"--config", c.app.ConfigPath}, args...),
		func(cmd *cobra.Command) {
			cmd.SetOut(&out)
			cmd.SetErr(&out)
		})
	return out.String(), err
}

func TestCLI_ExpenseLifecycle(t *testing.T) {
	cli := newTestCLI(t)

	out, err := cli.run(t, "preview", "expense", "EXP-1", "--metric", "800", "--attr", "category=travel")
	require.NoError(t, err)
	assert.Contains(t, out, "Team Lead")
	assert.Contains(t, out, "Finance")

	out, err = cli.run(t, "submit", "expense", "EXP-1", "--metric", "800", "--attr", "category=travel", "--by", "anna")
	require.NoError(t, err)
	assert.Contains(t, out, "EXP-1")
	assert.Contains(t, out, "0/2")
	assert.Contains(t, out, "current")

	out, err = cli.run(t, "approve", "EXP-1", "team_lead", "--by", "lead")
	require.NoError(t, err)
	assert.Contains(t, out, "1/2")
	assert.Contains(t, out, "by lead")

	_, err = cli.run(t, "approve", "EXP-1", "team_lead", "--by", "lead")
	assert.ErrorIs(t, err, workflow.ErrStageMismatch)

	out, err = cli.run(t, "approve", "EXP-1", "finance", "--by", "cfo")
	require.NoError(t, err)
	assert.Contains(t, out, "approved")
	assert.Contains(t, out, "2/2")

	out, err = cli.run(t, "confirm", "EXP-1")
	require.NoError(t, err)
	assert.Contains(t, out, "confirmed")

	inst, err := cli.store.GetInstance(context.Background(), "EXP-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusConfirmed, inst.OverallStatus)
	assert.Equal(t, "anna", inst.SubmittedBy)
}

func TestCLI_ConditionSkipsStage(t *testing.T) {
	cli := newTestCLI(t)

	out, err := cli.run(t, "preview", "expense", "EXP-2", "--metric", "800", "--attr", "category=meals")
	require.NoError(t, err)
	assert.Contains(t, out, "Team Lead")
	assert.NotContains(t, out, "Finance")
}

func TestCLI_AbsenceRejectAndResubmit(t *testing.T) {
	cli := newTestCLI(t)

	_, err := cli.run(t, "submit", "absence", "ABS-1", "--metric", "5", "--sub-type", "vacation")
	require.NoError(t, err)

	_, err = cli.run(t, "reject", "ABS-1", "supervisor", "--by", "boss")
	assert.ErrorIs(t, err, workflow.ErrValidation)

	out, err := cli.run(t, "reject", "ABS-1", "supervisor", "--by", "boss", "--reason", "team offsite")
	require.NoError(t, err)
	assert.Contains(t, out, "rejected")
	assert.Contains(t, out, "team offsite")

	out, err = cli.run(t, "submit", "absence", "ABS-1", "--metric", "2", "--sub-type", "vacation")
	require.NoError(t, err)
	assert.Contains(t, out, "0/1")
}

func TestCLI_SkipAndExempt(t *testing.T) {
	cli := newTestCLI(t)

	out, err := cli.run(t, "submit", "absence", "ABS-2", "--metric", "10", "--sub-type", "sick")
	require.NoError(t, err)
	assert.Contains(t, out, "approved without workflow")

	_, err = cli.run(t, "submit", "absence", "ABS-3", "--metric", "4", "--sub-type", "vacation")
	require.NoError(t, err)
	out, err = cli.run(t, "skip", "ABS-3", "supervisor", "--by", "admin", "--justification", "on leave")
	require.NoError(t, err)
	assert.Contains(t, out, "skipped")
	assert.Contains(t, out, "on leave")
	assert.Contains(t, out, "0/2")
}

func TestCLI_ListRetirePurge(t *testing.T) {
	cli := newTestCLI(t)

	for _, id := range []string{"EXP-10", "EXP-11"} {
		_, err := cli.run(t, "submit", "expense", id, "--metric", "100")
		require.NoError(t, err)
	}
	_, err := cli.run(t, "submit", "absence", "ABS-10", "--metric", "1")
	require.NoError(t, err)

	out, err := cli.run(t, "list", "--type", "expense")
	require.NoError(t, err)
	assert.Contains(t, out, "EXP-10")
	assert.Contains(t, out, "EXP-11")
	assert.NotContains(t, out, "ABS-10")
	assert.Contains(t, out, "team_lead")

	_, err = cli.run(t, "list", "--status", "unknown")
	assert.Error(t, err)

	out, err = cli.run(t, "retire", "EXP-10")
	require.NoError(t, err)
	assert.Contains(t, out, "retired")

	_, err = cli.run(t, "status", "EXP-10")
	assert.ErrorIs(t, err, storage.ErrInstanceNotFound)

	out, err = cli.run(t, "purge", "--older-than", "1h")
	require.NoError(t, err)
	assert.Contains(t, out, "removed 0 instances")
}

func TestCLI_ConfigPush(t *testing.T) {
	cli := newTestCLI(t)

	out, err := cli.run(t, "config", "push")
	require.NoError(t, err)
	assert.Contains(t, out, "pushed 2 workflow configs")

	cfg, err := cli.store.GetConfig(context.Background(), types.DocumentExpense)
	require.NoError(t, err)
	assert.Len(t, cfg.Stages, 2)
}

func TestCLI_Errors(t *testing.T) {
	cli := newTestCLI(t)

	_, err := cli.run(t, "submit", "travel_expense", "TRV-1", "--metric", "10")
	assert.ErrorIs(t, err, storage.ErrConfigNotFound)

	_, err = cli.run(t, "approve", "EXP-404", "team_lead")
	assert.ErrorIs(t, err, storage.ErrInstanceNotFound)

	_, err = cli.run(t, "approve", "only-one-arg")
	assert.Error(t, err)

	app := &App{OpenStore: openStore, ConfigPath: filepath.Join(t.TempDir(), "missing.yaml")}
	err = app.Execute(context.Background(), []string{"--config", app.ConfigPath, "list"})
	assert.Error(t, err)
}

func TestCLI_ExitCodes(t *testing.T) {
	cli := newTestCLI(t)

	_, err := cli.run(t, "submit", "expense", "EXP-20", "--metric", "100")
	require.NoError(t, err)

	_, err = cli.run(t, "submit", "expense", "EXP-20", "--metric", "100")
	assert.ErrorIs(t, err, storage.ErrAlreadyExists)
	assert.Equal(t, 2, exitCode(err))

	_, err = cli.run(t, "approve", "EXP-20", "finance", "--by", "cfo")
	assert.Equal(t, 2, exitCode(err))

	_, err = cli.run(t, "submit", "expense", "EXP-21", "--metric", "NaN")
	assert.ErrorIs(t, err, workflow.ErrValidation)
	assert.Equal(t, 2, exitCode(err))

	_, err = cli.run(t, "status", "EXP-404")
	assert.Equal(t, 1, exitCode(err))
}

func TestCLI_NegativeMetricNeedsApproval(t *testing.T) {
	cli := newTestCLI(t)

	out, err := cli.run(t, "submit", "expense", "EXP-CN", "--metric=-120")
	require.NoError(t, err)
	assert.NotContains(t, out, "approved without workflow")
	assert.Contains(t, out, "0/1")
}

func TestParseAttributes(t *testing.T) {
	attrs := parseAttributes(map[string]string{"amount": "12.5", "urgent": "true", "category": "meals"})
	assert.Equal(t, 12.5, attrs["amount"])
	assert.Equal(t, true, attrs["urgent"])
	assert.Equal(t, "meals", attrs["category"])
	assert.Nil(t, parseAttributes(nil))
}
