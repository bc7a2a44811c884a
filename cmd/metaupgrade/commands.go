package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"metaupgrade/internal/config"
	"metaupgrade/internal/entities"
	"metaupgrade/internal/ledger"
	"metaupgrade/internal/orchestrator"
	"metaupgrade/internal/store"
	"metaupgrade/internal/validation"
	"metaupgrade/pkg/record"
	"metaupgrade/pkg/upgrade"
)

type rootFlags struct {
	configFile string
	envFile    string
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	var flags rootFlags
	root := &cobra.Command{
		Use:           "metaupgrade",
		Short:         "Upgrade metadata records to the current schema versions",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().StringVar(&flags.configFile, "config", "", "YAML configuration file")
	root.PersistentFlags().StringVar(&flags.envFile, "env-file", "", "dotenv file (default .env when present)")

	root.AddCommand(
		newOneCmd(&flags),
		newAllCmd(&flags),
		newFileCmd(&flags),
		newChainsCmd(),
	)
	return root
}

// app holds the collaborators shared by the commands.
type app struct {
	cfg     config.Config
	log     *slog.Logger
	orch    *orchestrator.Orchestrator
	metrics *orchestrator.PrometheusRecorder
}

func newApp(cmd *cobra.Command, flags *rootFlags) (*app, error) {
	cfg, err := config.Load(config.Options{File: flags.configFile, EnvFile: flags.envFile})
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger(cmd.ErrOrStderr())
	reg, err := entities.NewRegistry()
	if err != nil {
		return nil, fmt.Errorf("build registry: %w", err)
	}
	var validator orchestrator.Validator
	if cfg.ValidateOutput {
		validator = validation.NewSchemaValidator()
	}
	metrics := orchestrator.NewPrometheusRecorder()
	orch, err := orchestrator.New(reg, entities.Resolver(), validator,
		orchestrator.WithLogger(logger),
		orchestrator.WithWorkers(cfg.Workers),
		orchestrator.WithWindow(cfg.Window),
		orchestrator.WithMetrics(metrics),
	)
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg, log: logger, orch: orch, metrics: metrics}, nil
}

// runner opens the stores and ledger and returns a cleanup func that closes
// them and writes the metrics textfile.
func (a *app) runner(ctx context.Context) (*orchestrator.Runner, func(), error) {
	var closers []func() error
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				a.log.Warn("close failed", "error", err)
			}
		}
		if a.cfg.MetricsTextfile != "" {
			if err := a.metrics.WriteTextfile(a.cfg.MetricsTextfile); err != nil {
				a.log.Warn("metrics not written", "error", err)
			}
		}
	}
	source, err := store.Open(ctx, a.cfg.Source.StoreConfig(), a.log)
	if err != nil {
		return nil, nil, fmt.Errorf("open source store: %w", err)
	}
	closers = append(closers, source.Close)
	sink := source
	if a.cfg.Sink != a.cfg.Source {
		if sink, err = store.Open(ctx, a.cfg.Sink.StoreConfig(), a.log); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("open sink store: %w", err)
		}
		closers = append(closers, sink.Close)
	}
	opts := []orchestrator.RunnerOption{
		orchestrator.WithRunnerLogger(a.log),
		orchestrator.WithRateLimit(a.cfg.RPS, a.cfg.Burst),
		orchestrator.WithRetry(a.cfg.Retry.MaxTries, a.cfg.Retry.Initial, a.cfg.Retry.MaxInterval),
		orchestrator.WithUpgraderVersion(a.cfg.UpgraderVersion),
	}
	led, err := ledger.Open(ctx, a.cfg.Ledger.Driver, a.cfg.Ledger.DSN, a.cfg.Ledger.Table)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	if led != nil {
		closers = append(closers, led.Close)
		opts = append(opts, orchestrator.WithLedger(led))
	}
	r, err := orchestrator.NewRunner(a.orch, source, sink, opts...)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return r, cleanup, nil
}

// reportLine is the JSON shape printed for each report.
type reportLine struct {
	upgrade.Report
	Error string `json:"error,omitempty"`
}

func writeReport(enc *json.Encoder, rep upgrade.Report) error {
	line := reportLine{Report: rep}
	if rep.Failure != nil {
		line.Error = rep.Failure.Error()
	}
	return enc.Encode(line)
}

func newOneCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "one <id>",
		Short: "Upgrade a single stored record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, flags)
			if err != nil {
				return err
			}
			r, cleanup, err := a.runner(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()
			rep, skipped := r.RunOne(cmd.Context(), args[0])
			if skipped {
				fmt.Fprintf(cmd.OutOrStdout(), "%s is already current\n", args[0])
				return nil
			}
			if err := writeReport(json.NewEncoder(cmd.OutOrStdout()), rep); err != nil {
				return err
			}
			if !rep.OK() {
				return errRecordsFailed
			}
			return nil
		},
	}
}

func newAllCmd(flags *rootFlags) *cobra.Command {
	var failuresOnly bool
	cmd := &cobra.Command{
		Use:   "all",
		Short: "Upgrade every record in the source store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd, flags)
			if err != nil {
				return err
			}
			r, cleanup, err := a.runner(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()
			enc := json.NewEncoder(cmd.OutOrStdout())
			var writeErr error
			sum, err := r.RunAll(cmd.Context(), func(rep upgrade.Report) {
				if writeErr != nil || (failuresOnly && rep.OK()) {
					return
				}
				rep.Record = nil
				writeErr = writeReport(enc, rep)
			})
			if err := enc.Encode(map[string]orchestrator.Summary{"summary": sum}); err != nil {
				return err
			}
			if err != nil {
				return err
			}
			if writeErr != nil {
				return writeErr
			}
			if sum.Failed > 0 {
				return fmt.Errorf("%d of %d: %w", sum.Failed, sum.Total, errRecordsFailed)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&failuresOnly, "failures-only", false, "print only reports of records that failed")
	return cmd
}

func newFileCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "file <path>",
		Short: "Upgrade a JSON record file and print the result (- reads stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, flags)
			if err != nil {
				return err
			}
			rec, err := readRecord(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}
			rep := a.orch.UpgradeOne(cmd.Context(), rec)
			if !rep.OK() {
				if err := writeReport(json.NewEncoder(cmd.ErrOrStderr()), rep); err != nil {
					return err
				}
				return errRecordsFailed
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(rep.Record)
		},
	}
}

func readRecord(stdin io.Reader, path string) (record.Record, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var rec record.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if rec == nil {
		return nil, errors.New(path + " does not hold a JSON object")
	}
	return rec, nil
}

func newChainsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chains",
		Short: "List the upgrade chain of every entity kind",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg, err := entities.NewRegistry()
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ENTITY\tSTEP\tFROM\tTO\tRULES")
			for _, kind := range reg.Kinds() {
				u, _ := reg.Lookup(kind)
				for _, s := range u.Steps() {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\n", kind, s.Name, s.From, s.To, s.Rules)
				}
			}
			return tw.Flush()
		},
	}
}
