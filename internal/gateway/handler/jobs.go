package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"chimera/internal/gateway/run"
	"chimera/internal/llm"
	"chimera/internal/workflow"
)

// JobService is the job lifecycle the HTTP API drives.
type JobService interface {
	Start(ctx context.Context, req run.StartRequest) (workflow.State, error)
	SubmitAnswers(ctx context.Context, jobID string, answers map[string]string) (workflow.State, error)
	ApprovePlan(ctx context.Context, jobID, plan string) (workflow.State, error)
	Cancel(ctx context.Context, jobID string) (workflow.State, error)
	GetState(ctx context.Context, jobID string) (workflow.State, error)
	List(ctx context.Context, stage workflow.Stage) ([]workflow.State, error)
}

// Catalog lists the registered backends.
type Catalog interface {
	Catalog() []llm.CatalogEntry
}

// TraceReader returns the persisted event trace of a job.
type TraceReader interface {
	Read(jobID string) ([]run.TraceEntry, error)
}

type JobsHandler struct {
	svc     JobService
	catalog Catalog
	traces  TraceReader
}

// NewJobsHandler builds the REST handler. traces may be nil.
func NewJobsHandler(svc JobService, catalog Catalog, traces TraceReader) *JobsHandler {
	return &JobsHandler{svc: svc, catalog: catalog, traces: traces}
}

type preAnswer struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
	Required *bool  `json:"required,omitempty"`
}

type createJobRequest struct {
	Brief             string           `json:"brief"`
	Framework         string           `json:"framework"`
	Preset            string           `json:"preset"`
	Config            *workflow.Config `json:"config,omitempty"`
	SkipClarification bool             `json:"skipClarification"`
	Teams             []string         `json:"teams,omitempty"`
	Answers           []preAnswer      `json:"answers,omitempty"`
}

type jobSummary struct {
	JobID        string         `json:"jobId"`
	Stage        workflow.Stage `json:"stage"`
	BriefSummary string         `json:"briefSummary"`
	Framework    string         `json:"framework"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

func (h *JobsHandler) CreateJob(w http.ResponseWriter, r *http.Request) {
	var in createJobRequest
	if !decodeBody(w, r, &in) {
		return
	}
	questions := make([]workflow.ClarifyingQuestion, 0, len(in.Answers))
	for _, a := range in.Answers {
		required := true
		if a.Required != nil {
			required = *a.Required
		}
		questions = append(questions, workflow.ClarifyingQuestion{
			Question: strings.TrimSpace(a.Question),
			Answer:   strings.TrimSpace(a.Answer),
			Required: required,
		})
	}
	st, err := h.svc.Start(r.Context(), run.StartRequest{
		Brief:             in.Brief,
		Framework:         in.Framework,
		Preset:            in.Preset,
		Config:            in.Config,
		SkipClarification: in.SkipClarification,
		Teams:             in.Teams,
		Questions:         questions,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"jobId": st.JobID, "stage": st.Stage})
}

func (h *JobsHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.GetState(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *JobsHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	stage := workflow.Stage(strings.TrimSpace(r.URL.Query().Get("stage")))
	jobs, err := h.svc.List(r.Context(), stage)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]jobSummary, 0, len(jobs))
	for _, st := range jobs {
		out = append(out, jobSummary{
			JobID:        st.JobID,
			Stage:        st.Stage,
			BriefSummary: st.BriefSummary,
			Framework:    string(st.Framework),
			CreatedAt:    st.CreatedAt,
			UpdatedAt:    st.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": out})
}

func (h *JobsHandler) SubmitAnswers(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Answers map[string]string `json:"answers"`
	}
	if !decodeBody(w, r, &in) {
		return
	}
	st, err := h.svc.SubmitAnswers(r.Context(), r.PathValue("id"), in.Answers)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobId": st.JobID, "stage": st.Stage})
}

func (h *JobsHandler) ApprovePlan(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Plan string `json:"plan"`
	}
	if r.ContentLength != 0 && !decodeBody(w, r, &in) {
		return
	}
	st, err := h.svc.ApprovePlan(r.Context(), r.PathValue("id"), in.Plan)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobId": st.JobID, "stage": st.Stage})
}

func (h *JobsHandler) CancelJob(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobId": st.JobID, "stage": st.Stage})
}

func (h *JobsHandler) JobTrace(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := h.svc.GetState(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	events := []run.TraceEntry{}
	if h.traces != nil {
		got, err := h.traces.Read(id)
		if err != nil {
			writeError(w, err)
			return
		}
		events = got
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobId": id, "events": events})
}

func (h *JobsHandler) Presets(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"default": workflow.DefaultPreset,
		"presets": workflow.Presets(),
	})
}

func (h *JobsHandler) Backends(w http.ResponseWriter, _ *http.Request) {
	entries := []llm.CatalogEntry{}
	if h.catalog != nil {
		entries = h.catalog.Catalog()
	}
	writeJSON(w, http.StatusOK, map[string]any{"backends": entries})
}

// -------- helpers --------

const maxBodyBytes = 1 << 20

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid json body: " + err.Error()})
		return false
	}
	return true
}

type errorBody struct {
	Error string `json:"error"`
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, run.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, run.ErrJobBusy), errors.Is(err, workflow.ErrNotSuspended):
		return http.StatusConflict
	case errors.Is(err, workflow.ErrMissingAnswers):
		return http.StatusUnprocessableEntity
	case errors.Is(err, workflow.ErrInvalidConfig), errors.Is(err, llm.ErrUnknownBackend), errors.Is(err, workflow.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), errorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
