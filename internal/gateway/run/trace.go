package run

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"chimera/internal/workflow"
)

var traceJobIDSanitizer = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

// TraceLog appends every job event to "<dir>/<job>.jsonl". It is a
// workflow.Sink and keeps a durable record of a job's progress.
type TraceLog struct {
	dir string
	mu  sync.Mutex
}

func NewTraceLog(dir string) *TraceLog {
	trimmed := strings.TrimSpace(dir)
	if trimmed == "" {
		trimmed = filepath.Join("tmp", "job_traces")
	}
	_ = os.MkdirAll(trimmed, 0o755)
	return &TraceLog{dir: trimmed}
}

func sanitizeJobID(jobID string) string {
	id := traceJobIDSanitizer.ReplaceAllString(strings.TrimSpace(jobID), "_")
	if id == "" {
		return "unknown"
	}
	return id
}

func (l *TraceLog) filePath(jobID string) string {
	return filepath.Join(l.dir, sanitizeJobID(jobID)+".jsonl")
}

func (l *TraceLog) Publish(_ context.Context, ev workflow.Event) {
	if l == nil || strings.TrimSpace(ev.JobID) == "" {
		return
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return
	}
	raw = append(raw, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := os.OpenFile(l.filePath(ev.JobID), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	_, _ = f.Write(raw)
}

// TraceEntry is one persisted event with its payload left undecoded.
type TraceEntry struct {
	Type      workflow.EventType `json:"type"`
	JobID     string             `json:"jobId"`
	Team      string             `json:"team,omitempty"`
	Data      json.RawMessage    `json:"data"`
	Timestamp string             `json:"timestamp"`
}

// Read returns the persisted events for a job, oldest first.
func (l *TraceLog) Read(jobID string) ([]TraceEntry, error) {
	if l == nil {
		return nil, nil
	}
	f, err := os.Open(l.filePath(jobID))
	if err != nil {
		if os.IsNotExist(err) {
			return []TraceEntry{}, nil
		}
		return nil, fmt.Errorf("open trace file: %w", err)
	}
	defer f.Close()

	out := make([]TraceEntry, 0, 64)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 8*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var ev TraceEntry
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			continue
		}
		out = append(out, ev)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan trace file: %w", err)
	}
	return out, nil
}
