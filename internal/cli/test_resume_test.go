package cli

import (
	"context"
	"testing"
	"time"

	"chimera/internal/checkpoint"
	"chimera/internal/workflow"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// useFileCheckpoints points config.Load at a file store in a temp dir with
// the local scripted backends.
func useFileCheckpoints(t *testing.T) *checkpoint.FileStore {
	t.Helper()
	for _, k := range []string{
		"APP_ENV", "CHIMERA_CONFIG", "CHIMERA_PRESET", "CHIMERA_CLARIFIER", "CHIMERA_PLANNER",
		"CHIMERA_REVIEWER", "CHIMERA_REFINER", "ANTHROPIC_API_KEY", "GEMINI_API_KEY", "GOOGLE_API_KEY",
		"OPENAI_API_KEY", "GROQ_API_KEY", "DATABASE_URL", "CHECKPOINT_MINIO_ENDPOINT", "CHECKPOINT_S3_ENDPOINT",
	} {
		t.Setenv(k, "")
	}
	dir := t.TempDir()
	t.Setenv("CHECKPOINT_STORE", "file")
	t.Setenv("CHECKPOINT_DIR", dir)
	t.Setenv("CHECKPOINT_CACHE", "false")
	store, err := checkpoint.NewFileStore(dir)
	require.NoError(t, err)
	return store
}

func TestResume_ApprovesCheckpointedPlan(t *testing.T) {
	store := useFileCheckpoints(t)
	st, err := workflow.NewState("job-resume", workflow.Input{
		Brief:  "Settings page",
		Config: mustPreset(t, "fast"),
		Teams:  []string{"claude", "gemini"},
	}, time.Now().UTC())
	require.NoError(t, err)
	st.Stage = workflow.StageAwaitingApproval
	st.PlanContent = "# Plan\n\n- Form\n"
	require.NoError(t, store.Save(context.Background(), st))

	out, err := execute(t, "", "resume", "job-resume", "--yes")
	require.NoError(t, err)
	assert.Contains(t, out, "resumed at awaiting_approval")
	assert.Contains(t, out, "stage complete")

	saved, err := store.Load(context.Background(), "job-resume")
	require.NoError(t, err)
	assert.Equal(t, workflow.StageComplete, saved.Stage)
	assert.True(t, saved.PlanApproved)
	assert.Len(t, saved.UsableTeams(), 2)
}

func TestResume_UnknownJob(t *testing.T) {
	useFileCheckpoints(t)
	_, err := execute(t, "", "resume", "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no checkpoint for job missing")
}

func mustPreset(t *testing.T, name string) workflow.Config {
	t.Helper()
	cfg, err := workflow.PresetByName(name)
	require.NoError(t, err)
	return cfg
}
