// Package checkpoint persists workflow state snapshots so suspended or
// interrupted jobs can be resumed.
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"chimera/internal/util/jsonutil"
	"chimera/internal/workflow"
)

// ErrNotFound is returned by Load and Delete when no snapshot exists for a job.
var ErrNotFound = workflow.ErrNoCheckpoint

// ErrInvalidID is returned when a job ID cannot be stored by a backend. It
// matches workflow.ErrInvalidInput.
var ErrInvalidID = fmt.Errorf("%w: job id", workflow.ErrInvalidInput)

// Store keeps the latest snapshot per job. Every implementation satisfies
// workflow.Checkpointer.
type Store interface {
	Save(ctx context.Context, s workflow.State) error
	Load(ctx context.Context, jobID string) (workflow.State, error)
	Delete(ctx context.Context, jobID string) error
	// List returns snapshots whose stage matches, newest first. An empty
	// stage matches every job.
	List(ctx context.Context, stage workflow.Stage) ([]workflow.State, error)
}

func normalizeID(jobID string) (string, error) {
	id := strings.TrimSpace(jobID)
	if id == "" {
		return "", fmt.Errorf("job_id is required")
	}
	return id, nil
}

func encode(s workflow.State) ([]byte, error) {
	b, err := jsonutil.MarshalNoEscape(s)
	if err != nil {
		return nil, fmt.Errorf("encode checkpoint %s: %w", s.JobID, err)
	}
	return b, nil
}

func decode(jobID string, raw []byte) (workflow.State, error) {
	var s workflow.State
	if err := json.Unmarshal(raw, &s); err != nil {
		return workflow.State{}, fmt.Errorf("decode checkpoint %s: %w", jobID, err)
	}
	return s, nil
}

func matches(s workflow.State, stage workflow.Stage) bool {
	return stage == "" || s.Stage == stage
}

func sortNewestFirst(out []workflow.State) {
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].JobID < out[j].JobID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
}
