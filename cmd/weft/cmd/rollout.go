package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/weftlab/weft/internal/config"
	"github.com/weftlab/weft/internal/logging"
	"github.com/weftlab/weft/pkg/domain"
	"github.com/weftlab/weft/pkg/rollout"
)

var rolloutCmd = &cobra.Command{
	Use:   "rollout <spec.yaml>",
	Short: "Expand a rollout spec and run every variant",
	Long: `Loads a declarative rollout spec, expands its variants into fresh
conversations, drives them through the engine in parallel and prints the
scored results.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		level, err := parseLevel(cfg.LogLevel)
		if err != nil {
			return err
		}
		logger := logging.New(level)

		spec, err := rollout.Load(args[0])
		if err != nil {
			return err
		}

		eng, client, err := wire(cfg, logger)
		if err != nil {
			return err
		}
		defer client.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		// The rollout runner needs live workers; run them in-process so a
		// single command is self-contained.
		workerCtx, cancelWorker := context.WithCancel(ctx)
		workerDone := make(chan struct{})
		go func() {
			defer close(workerDone)
			_ = eng.Serve(workerCtx)
		}()
		defer func() {
			cancelWorker()
			<-workerDone
		}()

		runner := rollout.NewRunner(eng.Scheduler(), eng.Stack(), completionEvaluator{},
			rollout.WithRunnerLogger(logger))
		results, err := runner.Run(ctx, spec)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "VARIANT\tCONVERSATION\tREASON\tSCORE\tERROR")
		for _, res := range results {
			score := "-"
			if res.Score != nil {
				score = fmt.Sprintf("%.2f", res.Score.Score)
			}
			errText := "-"
			if res.Err != nil {
				errText = res.Err.Error()
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				res.Variant, res.Scope.ConversationID, res.Reason, score, errText)
		}
		return w.Flush()
	},
}

// completionEvaluator is the evaluator the binary ships with: full score for
// a cleanly finished trajectory, zero otherwise. Real deployments supply a
// rubric-aware ports.Evaluator.
type completionEvaluator struct{}

func (completionEvaluator) Evaluate(_ context.Context, trajectory *domain.Trajectory, _ string) (*domain.Score, error) {
	score := 0.0
	if n := len(trajectory.States); n > 0 {
		last := trajectory.States[n-1]
		if last.Kind == domain.KindFinished && last.Reason == domain.FinishCompleted {
			score = 1.0
		}
	}
	return &domain.Score{
		Score:   score,
		Metrics: map[string]float64{"states": float64(len(trajectory.States))},
	}, nil
}

func init() {
	rootCmd.AddCommand(rolloutCmd)
}
