package server

import (
	"net/http"

	"chimera/internal/gateway/handler"
	"chimera/internal/gateway/middleware"
)

func NewMux(jobs *handler.JobsHandler, stream *handler.StreamHandler, allowedOrigins []string) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /orchestrate/jobs", jobs.CreateJob)
	mux.HandleFunc("GET /orchestrate/jobs", jobs.ListJobs)
	mux.HandleFunc("GET /orchestrate/jobs/{id}", jobs.GetJob)
	mux.HandleFunc("DELETE /orchestrate/jobs/{id}", jobs.CancelJob)
	mux.HandleFunc("POST /orchestrate/jobs/{id}/answers", jobs.SubmitAnswers)
	mux.HandleFunc("POST /orchestrate/jobs/{id}/approve", jobs.ApprovePlan)
	mux.HandleFunc("GET /orchestrate/jobs/{id}/trace", jobs.JobTrace)
	mux.HandleFunc("GET /orchestrate/presets", jobs.Presets)
	mux.HandleFunc("GET /orchestrate/backends", jobs.Backends)
	mux.Handle("GET /ws/orchestrate/{id}", stream)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return middleware.CORS(allowedOrigins)(mux)
}
