package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"chimera/internal/checkpoint"
	"chimera/internal/gateway/app"
	"chimera/internal/gateway/config"
	"chimera/internal/llm"
	"chimera/internal/workflow"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

type runOptions struct {
	preset      string
	framework   string
	teams       []string
	answers     []string
	skipClarify bool
	yes         bool
	offline     bool
	outDir      string
}

func newRunCommand(g *globalFlags) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run <brief>",
		Short: "Run a generation job in the terminal",
		Long: `Run a generation job locally. Clarifying questions are asked on stdin
and the plan is shown for approval before code is generated.

Backends come from the environment or CHIMERA_CONFIG, like the server.
--offline uses scripted backends and needs no API keys.

Examples:
  chimera run "A todo list with filters" --preset fast --yes
  chimera run "Pricing page" --framework vue --answer "Billing period?=monthly" --out ./out`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return opts.run(ctx, g, cmd, strings.Join(args, " "))
		},
	}
	f := cmd.Flags()
	f.StringVarP(&opts.preset, "preset", "p", "", "workflow preset (fast, balanced, thorough, sequential, debug)")
	f.StringVarP(&opts.framework, "framework", "f", "react", "target framework (react, vue, svelte, vanilla)")
	f.StringSliceVarP(&opts.teams, "teams", "t", nil, "backends to generate with (default: all)")
	f.StringArrayVarP(&opts.answers, "answer", "a", nil, "pre-answer a clarifying question as question=answer")
	f.BoolVar(&opts.skipClarify, "skip-clarify", false, "skip clarifying questions")
	f.BoolVarP(&opts.yes, "yes", "y", false, "approve the plan without asking")
	f.BoolVar(&opts.offline, "offline", false, "use scripted backends")
	f.StringVarP(&opts.outDir, "out", "o", "", "write each backend's code into this directory")
	return cmd
}

// session is everything a local run needs.
type session struct {
	engine  *workflow.Engine
	reg     *llm.Registry
	store   checkpoint.Store
	printer *eventPrinter
	close   func() error
	preset  string
}

func openSession(ctx context.Context, offline bool, teams []string, out io.Writer, logger *slog.Logger) (*session, error) {
	s := &session{printer: newEventPrinter(out), close: func() error { return nil }}
	if offline {
		names := teams
		if len(names) == 0 {
			names = []string{"claude", "gemini"}
		}
		s.reg = llm.NewRegistry()
		for _, name := range names {
			if err := s.reg.Register(name, llm.NewScripted(name)); err != nil {
				return nil, err
			}
		}
		s.store = checkpoint.NewMemoryStore()
	} else {
		cfg, err := config.Load()
		if err != nil {
			return nil, err
		}
		s.preset = cfg.Preset
		if s.reg, err = app.BuildRegistry(ctx, cfg.Backends, cfg.Roles, logger); err != nil {
			return nil, err
		}
		if s.store, s.close, err = app.OpenCheckpointStore(ctx, cfg.Checkpoint, logger); err != nil {
			return nil, err
		}
	}
	s.engine = workflow.New(s.reg,
		workflow.WithSink(s.printer),
		workflow.WithCheckpointer(s.store),
		workflow.WithLogger(logger),
	)
	return s, nil
}

func (o *runOptions) run(ctx context.Context, g *globalFlags, cmd *cobra.Command, brief string) error {
	out := cmd.OutOrStdout()
	sess, err := openSession(ctx, o.offline, o.teams, out, g.logger(cmd.ErrOrStderr()))
	if err != nil {
		return err
	}
	defer sess.close()

	preset := o.preset
	if preset == "" {
		preset = sess.preset
	}
	cfg, err := workflow.PresetByName(preset)
	if err != nil {
		return err
	}
	teams, err := sess.reg.Select(o.teams)
	if err != nil {
		return err
	}
	questions, err := parseAnswerFlags(o.answers)
	if err != nil {
		return err
	}
	st, err := workflow.NewState(uuid.NewString(), workflow.Input{
		Brief:             brief,
		Framework:         o.framework,
		Config:            cfg,
		SkipClarification: o.skipClarify,
		Teams:             teams,
		Questions:         questions,
	}, time.Now().UTC())
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "job %s (%s preset, teams %s)\n", st.JobID, cfg.Preset, strings.Join(teams, ", "))

	in := bufio.NewReader(cmd.InOrStdin())
	st, err = drive(ctx, sess, st, in, out, o.yes)
	if err != nil {
		return err
	}
	return finish(sess, st, out, o.outDir)
}

// drive runs the job, answering suspend points from in, until it stops.
func drive(ctx context.Context, sess *session, st workflow.State, in *bufio.Reader, out io.Writer, autoApprove bool) (workflow.State, error) {
	for {
		var err error
		st, err = sess.engine.Run(ctx, st)
		if err != nil && !workflow.IsCancelled(err) {
			return st, err
		}
		switch st.Stage {
		case workflow.StageAwaitingAnswers:
			sess.printer.section("Clarifying questions")
			answers, err := askQuestions(st, in, out)
			if err != nil {
				return st, err
			}
			next, err := sess.engine.SubmitAnswers(ctx, st, answers)
			if errors.Is(err, workflow.ErrMissingAnswers) {
				fmt.Fprintf(out, "%v\n", err)
				continue
			}
			if err != nil {
				return st, err
			}
			st = next
		case workflow.StageAwaitingApproval:
			sess.printer.section("Plan")
			fmt.Fprintln(out, st.PlanContent)
			ok := autoApprove
			if !ok {
				if ok, err = confirm(in, out, "Approve this plan?"); err != nil {
					return st, err
				}
			}
			if !ok {
				return sess.engine.Cancel(ctx, st), nil
			}
			if st, err = sess.engine.ApprovePlan(ctx, st, ""); err != nil {
				return st, err
			}
		default:
			return st, nil
		}
	}
}

func askQuestions(st workflow.State, in *bufio.Reader, out io.Writer) (map[string]string, error) {
	answers := map[string]string{}
	for _, q := range st.ClarifyingQuestions {
		if q.Answered() {
			continue
		}
		label := q.Question
		if !q.Required {
			label += " (optional)"
		}
		if q.Context != "" {
			fmt.Fprintf(out, "  %s\n", q.Context)
		}
		fmt.Fprintf(out, "%s %s\n> ", q.ID, label)
		line, err := in.ReadString('\n')
		if err != nil && !(errors.Is(err, io.EOF) && line != "") {
			return nil, fmt.Errorf("read answer for %s: %w", q.ID, err)
		}
		if a := strings.TrimSpace(line); a != "" {
			answers[q.ID] = a
		}
	}
	return answers, nil
}

func confirm(in *bufio.Reader, out io.Writer, prompt string) (bool, error) {
	fmt.Fprintf(out, "%s [Y/n] ", prompt)
	line, err := in.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, err
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	if errors.Is(err, io.EOF) && answer == "" {
		return false, nil
	}
	return answer == "" || answer == "y" || answer == "yes", nil
}

// parseAnswerFlags turns "question=answer" pairs into pre-answered
// questions, numbered q1.. in flag order.
func parseAnswerFlags(raw []string) ([]workflow.ClarifyingQuestion, error) {
	out := make([]workflow.ClarifyingQuestion, 0, len(raw))
	for _, pair := range raw {
		q, a, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(q) == "" || strings.TrimSpace(a) == "" {
			return nil, fmt.Errorf("invalid --answer %q, want question=answer", pair)
		}
		out = append(out, workflow.ClarifyingQuestion{Question: strings.TrimSpace(q), Answer: strings.TrimSpace(a), Required: true})
	}
	return out, nil
}

func finish(sess *session, st workflow.State, out io.Writer, dir string) error {
	sess.printer.section("Result")
	fmt.Fprintf(out, "stage %s, %d tokens, %d refinement pass(es)\n", st.Stage, st.TotalTokens, st.RefinementIteration)
	teams := make([]string, 0, len(st.Outputs))
	for team := range st.Outputs {
		teams = append(teams, team)
	}
	sort.Strings(teams)
	for _, team := range teams {
		o := st.Outputs[team]
		if o.Failed() {
			fmt.Fprintf(out, "  %s: failed: %s\n", team, o.Error)
			continue
		}
		fmt.Fprintf(out, "  %s: %d tokens (%s)\n", team, o.TokenCount, o.ModelUsed)
	}
	if dir != "" && len(st.UsableTeams()) > 0 {
		paths, err := writeOutputs(st, dir)
		if err != nil {
			return err
		}
		for _, p := range paths {
			fmt.Fprintf(out, "  wrote %s\n", p)
		}
	}
	switch st.Stage {
	case workflow.StageError:
		return fmt.Errorf("job failed: %s", st.ErrorMessage)
	case workflow.StageCancelled:
		return fmt.Errorf("job cancelled")
	}
	return nil
}

var extensions = map[workflow.Framework]string{
	workflow.FrameworkReact:   ".tsx",
	workflow.FrameworkVue:     ".vue",
	workflow.FrameworkSvelte:  ".svelte",
	workflow.FrameworkVanilla: ".html",
}

func writeOutputs(st workflow.State, dir string) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	ext := extensions[st.Framework]
	if ext == "" {
		ext = ".txt"
	}
	var paths []string
	for _, team := range st.UsableTeams() {
		p := filepath.Join(dir, team+ext)
		if err := os.WriteFile(p, []byte(st.Outputs[team].Code+"\n"), 0o644); err != nil {
			return paths, err
		}
		paths = append(paths, p)
	}
	return paths, nil
}
