package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/born-ml/diffusion/internal/config"
	"github.com/born-ml/diffusion/internal/errs"
	"github.com/born-ml/diffusion/internal/export"
	"github.com/born-ml/diffusion/internal/operator"
	"github.com/born-ml/diffusion/internal/rng"
	"github.com/born-ml/diffusion/internal/sampler"
	"github.com/born-ml/diffusion/internal/tensor"
)

const version = "v0.1.0-dev"

// NewCLI builds the root command.
func NewCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "diffuse",
		Short: "Diffusion sampling for inverse problems",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Disable usage printing on errors
			cmd.SilenceUsage = true
		},
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "YAML configuration file")
	rootCmd.PersistentFlags().StringArray("set", nil, "Override a configuration key (key.path=value)")
	rootCmd.PersistentFlags().Uint64("seed", 0, "Override the configured seed")

	sampleCmd := &cobra.Command{
		Use:   "sample",
		Short: "Draw samples, conditioned on a synthetic measurement when a task is set",
		Args:  cobra.NoArgs,
		RunE:  sampleHandler,
	}
	sampleCmd.Flags().StringP("out", "o", "", "Write results as CBOR documents")
	sampleCmd.Flags().Bool("half", false, "Pack tensors as float16")
	sampleCmd.Flags().BoolP("verbose", "v", false, "Log every outer step")

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a configuration without sampling",
		Args:  cobra.NoArgs,
		RunE:  validateHandler,
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the configuration with defaults and overrides applied",
		Args:  cobra.NoArgs,
		RunE:  showHandler,
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "diffuse %s\n", version)
		},
	}

	rootCmd.AddCommand(sampleCmd, validateCmd, showCmd, versionCmd)
	return rootCmd
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	overrides, err := cmd.Flags().GetStringArray("set")
	if err != nil {
		return nil, err
	}
	if cmd.Flags().Changed("seed") {
		seed, err := cmd.Flags().GetUint64("seed")
		if err != nil {
			return nil, err
		}
		overrides = append(overrides, "seed="+strconv.FormatUint(seed, 10))
	}
	return config.Load(path, overrides)
}

func validateHandler(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	r, err := cfg.Resolve()
	if err != nil {
		return err
	}

	sc := r.Sampler
	task := cfg.Sampling.Task
	if task == config.TaskNone {
		task = "none"
	}
	rows := [][]string{
		{"sde", r.SDE.Kind().String()},
		{"method", sc.Method.String()},
		{"predictor", sc.Predictor},
		{"corrector", sc.Corrector},
		{"guidance", sc.Guidance.String()},
		{"task", task},
		{"steps", strconv.Itoa(sc.NumSteps)},
		{"shape", fmt.Sprint(sc.Shape)},
		{"runs", strconv.Itoa(r.Runs)},
	}
	table := newTable(cmd.OutOrStdout())
	table.SetHeader([]string{"KEY", "VALUE"})
	table.AppendBulk(rows)
	table.Render()
	return nil
}

func showHandler(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	out, err := cfg.YAML()
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(out)
	return err
}

func sampleHandler(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	r, err := cfg.Resolve()
	if err != nil {
		return err
	}
	verbose, err := cmd.Flags().GetBool("verbose")
	if err != nil {
		return err
	}
	logger := newLogger(cmd.ErrOrStderr(), verbose)

	opts := []sampler.Option{sampler.WithLogger(logger)}
	if r.Concurrency > 0 {
		opts = append(opts, sampler.WithConcurrency(r.Concurrency))
	}
	extra := map[string]*tensor.Tensor{}
	var y *tensor.Tensor
	if r.Operator != nil {
		var truth *tensor.Tensor
		truth, y, err = r.Measure(rng.New(cfg.Seed).Split(2))
		if err != nil {
			return err
		}
		extra["truth"] = truth
		extra["measurement"] = y
		opts = append(opts, sampler.WithMeasurement(r.Operator, y))
	}

	s, err := sampler.New(r.Sampler, r.Model, opts...)
	if err != nil {
		return err
	}
	logger.Info("sampling", "method", r.Sampler.Method, "guidance", r.Sampler.Guidance,
		"runs", r.Runs, "shape", r.Sampler.Shape)
	results, err := s.RunMany(cmd.Context(), r.Runs)
	if err != nil {
		var ie *errs.InstabilityError
		if errors.As(err, &ie) {
			logger.Error("sampling diverged", "step", ie.Step, "stage", ie.Stage, "row", ie.Row)
		}
		return err
	}

	if err := writeResults(cmd, cfg, r.Sampler.Method.String(), results, extra); err != nil {
		return err
	}
	return summarize(cmd.OutOrStdout(), r.Operator, y, results)
}

func writeResults(cmd *cobra.Command, cfg *config.Config, method string, results []*sampler.Result, extra map[string]*tensor.Tensor) error {
	out, err := cmd.Flags().GetString("out")
	if err != nil || out == "" {
		return err
	}
	half, err := cmd.Flags().GetBool("half")
	if err != nil {
		return err
	}
	doc, err := cfg.YAML()
	if err != nil {
		return err
	}
	for i, res := range results {
		opts := export.Options{Half: half, Method: method, Config: doc, Extra: extra}
		if err := export.WriteFile(runPath(out, i, len(results)), res, opts); err != nil {
			return err
		}
	}
	return nil
}

// runPath numbers the output file when there is more than one run:
// out.cbor becomes out-0.cbor, out-1.cbor and so on.
func runPath(out string, i, n int) string {
	if n == 1 {
		return out
	}
	ext := filepath.Ext(out)
	return fmt.Sprintf("%s-%d%s", strings.TrimSuffix(out, ext), i, ext)
}

func summarize(w io.Writer, op operator.Operator, y *tensor.Tensor, results []*sampler.Result) error {
	header := []string{"RUN", "SEED", "SCORE EVALS", "GUIDANCE", "DIVERGED", "DURATION"}
	if op != nil {
		header = append(header, "RESIDUAL")
	}
	var data [][]string
	for i, res := range results {
		row := []string{
			strconv.Itoa(i),
			strconv.FormatUint(res.Seed, 10),
			strconv.FormatInt(res.Stats.ScoreEvals, 10),
			strconv.FormatInt(res.Stats.GuidanceCalls, 10),
			strconv.Itoa(len(res.Diverged)),
			res.Duration.Round(time.Millisecond).String(),
		}
		if op != nil {
			residual, err := operator.MeanResidual(op, res.Sample, y)
			if err != nil {
				return err
			}
			row = append(row, strconv.FormatFloat(residual, 'g', 6, 64))
		}
		data = append(data, row)
	}
	table := newTable(w)
	table.SetHeader(header)
	table.AppendBulk(data)
	table.Render()
	return nil
}

func newTable(w io.Writer) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	return table
}

func newLogger(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}
