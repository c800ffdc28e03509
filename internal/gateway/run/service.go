package run

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"chimera/internal/checkpoint"
	"chimera/internal/workflow"

	"github.com/google/uuid"
)

var (
	ErrJobNotFound = errors.New("job not found")
	// ErrJobBusy is returned when a job is still being driven and cannot
	// accept input yet.
	ErrJobBusy = errors.New("job is running")
)

// StartRequest carries the inputs for a new job.
type StartRequest struct {
	Brief             string
	Framework         string
	Preset            string
	Config            *workflow.Config
	SkipClarification bool
	Teams             []string
	// Questions are asked up front; answered ones need no clarify round trip.
	Questions []workflow.ClarifyingQuestion
}

type TeamSelector interface {
	Select(wanted []string) ([]string, error)
}

type activeJob struct {
	cancel    context.CancelFunc
	cancelled bool
	done      chan struct{}
}

// Service owns job lifecycles: it starts drives in the background, accepts
// input at suspend points and cancels running jobs.
type Service struct {
	engine *workflow.Engine
	store  checkpoint.Store
	teams  TeamSelector
	events *Broker
	log    *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	active map[string]*activeJob
}

func New(engine *workflow.Engine, store checkpoint.Store, teams TeamSelector, events *Broker, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if events == nil {
		events = NewBroker()
	}
	return &Service{
		engine: engine,
		store:  store,
		teams:  teams,
		events: events,
		log:    logger,
		now:    func() time.Time { return time.Now().UTC() },
		active: make(map[string]*activeJob),
	}
}

func (s *Service) Events() *Broker { return s.events }

// Start creates a job, persists its initial state and begins driving it.
func (s *Service) Start(ctx context.Context, req StartRequest) (workflow.State, error) {
	cfg, err := resolveConfig(req.Preset, req.Config)
	if err != nil {
		return workflow.State{}, err
	}
	teams, err := s.teams.Select(req.Teams)
	if err != nil {
		return workflow.State{}, err
	}
	st, err := workflow.NewState(uuid.NewString(), workflow.Input{
		Brief:             req.Brief,
		Framework:         req.Framework,
		Config:            cfg,
		SkipClarification: req.SkipClarification,
		Teams:             teams,
		Questions:         req.Questions,
	}, s.now())
	if err != nil {
		return workflow.State{}, err
	}
	if err := s.store.Save(ctx, st); err != nil {
		return workflow.State{}, fmt.Errorf("save job %s: %w", st.JobID, err)
	}
	job, err := s.claim(st.JobID)
	if err != nil {
		return workflow.State{}, err
	}
	s.log.Info("job started", "job_id", st.JobID, "preset", cfg.Preset, "teams", strings.Join(teams, ","))
	s.launch(st, job)
	return st, nil
}

func resolveConfig(preset string, explicit *workflow.Config) (workflow.Config, error) {
	if explicit != nil {
		cfg := *explicit
		if strings.TrimSpace(cfg.Preset) == "" {
			cfg.Preset = "custom"
		}
		if err := cfg.Validate(); err != nil {
			return workflow.Config{}, err
		}
		return cfg, nil
	}
	return workflow.PresetByName(preset)
}

// SubmitAnswers resumes a job waiting at awaiting_answers.
func (s *Service) SubmitAnswers(ctx context.Context, jobID string, answers map[string]string) (workflow.State, error) {
	return s.resumeWith(ctx, jobID, func(st workflow.State) (workflow.State, error) {
		return s.engine.SubmitAnswers(ctx, st, answers)
	})
}

// ApprovePlan resumes a job waiting at awaiting_approval. A non-empty plan
// replaces the generated one.
func (s *Service) ApprovePlan(ctx context.Context, jobID, plan string) (workflow.State, error) {
	return s.resumeWith(ctx, jobID, func(st workflow.State) (workflow.State, error) {
		return s.engine.ApprovePlan(ctx, st, plan)
	})
}

func (s *Service) resumeWith(ctx context.Context, jobID string, apply func(workflow.State) (workflow.State, error)) (workflow.State, error) {
	job, err := s.claim(jobID)
	if err != nil {
		return workflow.State{}, err
	}
	st, err := s.load(ctx, jobID)
	if err == nil {
		st, err = apply(st)
	}
	if err == nil {
		err = s.store.Save(ctx, st)
	}
	if err != nil {
		s.release(jobID, job)
		return workflow.State{}, err
	}
	s.launch(st, job)
	return st, nil
}

// Cancel stops a running job, or marks a suspended one cancelled. Finished
// jobs are returned unchanged.
func (s *Service) Cancel(ctx context.Context, jobID string) (workflow.State, error) {
	s.mu.Lock()
	job, running := s.active[jobID]
	if running {
		job.cancelled = true
		job.cancel()
	}
	s.mu.Unlock()
	if running {
		select {
		case <-job.done:
		case <-ctx.Done():
			return workflow.State{}, ctx.Err()
		}
		st, err := s.GetState(ctx, jobID)
		if err != nil || st.Stage.Terminal() {
			return st, err
		}
		// The drive stopped at a suspend point before it saw the cancel.
	}
	return s.cancelIdle(ctx, jobID)
}

// cancelIdle marks a job that is not being driven as cancelled.
func (s *Service) cancelIdle(ctx context.Context, jobID string) (workflow.State, error) {
	claimed, err := s.claim(jobID)
	if err != nil {
		return workflow.State{}, err
	}
	defer s.release(jobID, claimed)
	st, err := s.load(ctx, jobID)
	if err != nil {
		return workflow.State{}, err
	}
	if st.Stage.Terminal() {
		return st, nil
	}
	st = s.engine.Cancel(ctx, st)
	s.events.Close(jobID)
	return st, nil
}

func (s *Service) GetState(ctx context.Context, jobID string) (workflow.State, error) {
	return s.load(ctx, jobID)
}

// Wait blocks until the job is no longer being driven and returns its state.
func (s *Service) Wait(ctx context.Context, jobID string) (workflow.State, error) {
	s.mu.Lock()
	job, running := s.active[jobID]
	s.mu.Unlock()
	if running {
		select {
		case <-job.done:
		case <-ctx.Done():
			return workflow.State{}, ctx.Err()
		}
	}
	return s.GetState(ctx, jobID)
}

// List returns jobs at stage, newest first. An empty stage lists every job.
func (s *Service) List(ctx context.Context, stage workflow.Stage) ([]workflow.State, error) {
	if stage != "" && !stage.Valid() {
		return nil, fmt.Errorf("%w: unknown stage %q", workflow.ErrInvalidInput, stage)
	}
	return s.store.List(ctx, stage)
}

// Recover restarts jobs whose last checkpoint is neither suspended nor
// finished, for example after a crash. It returns the restarted job IDs.
func (s *Service) Recover(ctx context.Context) ([]string, error) {
	all, err := s.store.List(ctx, "")
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, st := range all {
		if st.Stage.Terminal() || st.Stage.Suspended() {
			continue
		}
		job, err := s.claim(st.JobID)
		if err != nil {
			continue
		}
		s.log.Info("job recovered", "job_id", st.JobID, "stage", string(st.Stage))
		s.launch(st, job)
		ids = append(ids, st.JobID)
	}
	return ids, nil
}

// Shutdown waits for running drives to stop on their own. Jobs still
// running when ctx expires are cancelled.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	jobs := make([]*activeJob, 0, len(s.active))
	for _, job := range s.active {
		jobs = append(jobs, job)
	}
	s.mu.Unlock()
	for _, job := range jobs {
		select {
		case <-job.done:
		case <-ctx.Done():
			s.cancelAll()
			return ctx.Err()
		}
	}
	return nil
}

func (s *Service) cancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, job := range s.active {
		job.cancelled = true
		job.cancel()
	}
}

// -------- internals --------

func (s *Service) load(ctx context.Context, jobID string) (workflow.State, error) {
	id := strings.TrimSpace(jobID)
	if id == "" {
		return workflow.State{}, fmt.Errorf("job_id is required")
	}
	st, err := s.store.Load(ctx, id)
	if errors.Is(err, checkpoint.ErrNotFound) {
		return workflow.State{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return st, err
}

// claim reserves jobID for one driver at a time.
func (s *Service) claim(jobID string) (*activeJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.active[jobID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrJobBusy, jobID)
	}
	job := &activeJob{cancel: func() {}, done: make(chan struct{})}
	s.active[jobID] = job
	return job, nil
}

func (s *Service) release(jobID string, job *activeJob) {
	s.mu.Lock()
	if s.active[jobID] == job {
		delete(s.active, jobID)
	}
	s.mu.Unlock()
	close(job.done)
}

func (s *Service) launch(st workflow.State, job *activeJob) {
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	job.cancel = cancel
	if job.cancelled {
		cancel()
	}
	s.mu.Unlock()

	go func() {
		defer cancel()
		defer s.release(st.JobID, job)
		final, err := s.engine.Run(ctx, st)
		if err != nil && !workflow.IsCancelled(err) {
			s.log.Error("job drive failed", "job_id", st.JobID, "err", err)
		}
		if final.Stage.Terminal() {
			s.events.Close(st.JobID)
		}
		s.log.Info("job stopped", "job_id", st.JobID, "stage", string(final.Stage))
	}()
}
