package cli

import (
	"fmt"
	"log/slog"

	"github.com/absmach/fedcoord"
	"github.com/absmach/fedcoord/crossval"
	"github.com/absmach/fedcoord/pkg/fl"
	"github.com/absmach/fedcoord/pkg/trainer/linear"
	"github.com/spf13/cobra"
)

const defConfigPath = "crossval.toml"

var (
	configPath string
	logLevel   string
)

func NewCrossValCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cv [run|plan]",
		Short: "Federated cross-validation",
		Long:  `Run every fold of a cross-validation experiment with an in-process coordinator and clients.`,
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run all folds",
		Long: `Run all folds of the experiment described by the config file.

Examples:
  # Run the bundled experiment
  fedcoord-cli cv run --config crossval.toml`,
		Run: func(cmd *cobra.Command, args []string) {
			if len(args) != 0 {
				logUsageCmd(*cmd, cmd.Use)

				return
			}

			cfg, err := fedcoord.LoadConfig(configPath)
			if err != nil {
				logErrorCmd(*cmd, err)

				return
			}
			logger, err := newLogger(cmd)
			if err != nil {
				logErrorCmd(*cmd, err)

				return
			}

			data := linear.Synthetic(cfg.CrossVal.DatasetSize, cfg.Dataset.Features, cfg.Dataset.Noise, cfg.Dataset.Seed)
			factory := func(indices []int, hooks *fl.Hooks) (fl.Trainer, error) {
				sub, err := data.Subset(indices)
				if err != nil {
					return nil, err
				}

				return linear.New(sub, hooks), nil
			}

			orch, err := crossval.NewOrchestrator(cfg.CrossVal, cfg.Coordinator, factory, logger)
			if err != nil {
				logErrorCmd(*cmd, err)

				return
			}
			summary, err := orch.Run(cmd.Context())
			if err != nil {
				logErrorCmd(*cmd, err)

				return
			}
			logJSONCmd(*cmd, summary)
			logSuccessCmd(*cmd, fmt.Sprintf("%s: %.6f ± %.6f over %d folds", summary.TargetMetric, summary.Mean, summary.Std, len(summary.Folds)))
		},
	}

	planCmd := &cobra.Command{
		Use:   "plan",
		Short: "Show the fold split",
		Long:  `Print the train and test indices of every fold without running anything.`,
		Run: func(cmd *cobra.Command, args []string) {
			if len(args) != 0 {
				logUsageCmd(*cmd, cmd.Use)

				return
			}

			cfg, err := fedcoord.LoadConfig(configPath)
			if err != nil {
				logErrorCmd(*cmd, err)

				return
			}
			plans, err := crossval.Split(cfg.CrossVal.DatasetSize, cfg.CrossVal.NumFolds, cfg.CrossVal.Seed)
			if err != nil {
				logErrorCmd(*cmd, err)

				return
			}
			logJSONCmd(*cmd, plans)
		},
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", defConfigPath, "Experiment config file")
	runCmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level")

	cmd.AddCommand(runCmd, planCmd)

	return cmd
}

func newLogger(cmd *cobra.Command) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		return nil, fmt.Errorf("failed to parse log level: %w", err)
	}

	return slog.New(slog.NewJSONHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})), nil
}
