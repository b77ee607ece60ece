package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/TFMV/onevent/internal/command"
	"github.com/TFMV/onevent/internal/logging"
	"github.com/TFMV/onevent/internal/mask"
	"github.com/TFMV/onevent/internal/pathset"
	"github.com/TFMV/onevent/internal/watch"
)

var version = "0.1.0"

// rootCmd represents the base command. Event flags are single-dash words
// (-MODIFY), so argument parsing is done by parseArgs rather than pflag.
var rootCmd = &cobra.Command{
	Use:   "onevent FLAG(S)... FILE(s)... -- COMMAND",
	Short: "Run a command whenever watched files change",
	Long: `onevent watches files for the selected events and runs COMMAND each time
one happens, with "{}" in COMMAND replaced by the path that changed.

Examples:
  onevent -CLOSE_WRITE main.c -- make
  onevent -MODIFY 'src/**/*.go' -- go vet {}
  onevent -MOVE_SELF -DELETE_SELF config.yaml -- systemctl reload app`,
	DisableFlagParsing: true,
	SilenceUsage:       true,
	SilenceErrors:      true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context(), args, cmd.OutOrStdout())
	},
}

// Execute runs the root command and reports any error on stderr.
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		report(rootCmd.ErrOrStderr(), programName(), err)
	}
	return err
}

func init() {
	cobra.OnInitialize(initConfig)
}

// initConfig sets defaults and reads ONEVENT_* environment variables.
func initConfig() {
	viper.SetEnvPrefix("ONEVENT")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.SetDefault("log-level", "info")
	viper.SetDefault("backend", string(watch.DefaultBackend()))
	viper.SetDefault("wait-delay", command.DefaultWaitDelay)
	viper.AutomaticEnv() // read in environment variables that match
}

type settings struct {
	LogLevel  logging.LogLevel
	Backend   watch.Backend
	WaitDelay time.Duration
}

func loadSettings() (settings, error) {
	level, err := logging.ParseLevel(viper.GetString("log-level"))
	if err != nil {
		return settings{}, err
	}

	backend := watch.Backend(viper.GetString("backend"))
	if backend == "" {
		backend = watch.DefaultBackend()
	}

	waitDelay := viper.GetDuration("wait-delay")
	if waitDelay < 0 {
		return settings{}, fmt.Errorf("invalid wait-delay value: %s", waitDelay)
	}
	if waitDelay == 0 {
		waitDelay = command.DefaultWaitDelay
	}

	return settings{LogLevel: level, Backend: backend, WaitDelay: waitDelay}, nil
}

// checkBackendMask rejects a mask the backend can deliver none of, and warns
// about the part of it that will never fire.
func checkBackendMask(backend watch.Backend, m mask.Mask, logger *zap.Logger) error {
	missing := m &^ backend.Supported()
	switch {
	case missing == 0:
		return nil
	case missing == m:
		return fmt.Errorf("%s backend cannot deliver %s events", backend, missing)
	}
	logger.Warn("backend cannot deliver some requested events",
		zap.String("backend", string(backend)),
		zap.Stringer("events", missing),
	)
	return nil
}

// reportedError has already been written to the log.
type reportedError struct {
	err error
}

func (e *reportedError) Error() string { return e.err.Error() }
func (e *reportedError) Unwrap() error { return e.err }

func run(ctx context.Context, args []string, stdout io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}

	inv, err := parseArgs(args)
	if err != nil {
		return err
	}
	if inv.Help {
		printHelp(stdout, programName())
		return nil
	}
	if inv.Version {
		fmt.Fprintf(stdout, "%s version %s\n", programName(), version)
		return nil
	}

	if inv.Verbose {
		viper.Set("log-level", "debug")
	}
	cfg, err := loadSettings()
	if err != nil {
		return err
	}

	logger := logging.New(cfg.LogLevel)
	defer logger.Sync()

	if err := checkBackendMask(cfg.Backend, inv.Mask, logger); err != nil {
		return err
	}

	paths, err := pathset.Resolve(inv.Paths)
	if err != nil {
		return err
	}

	tmpl, err := command.NewTemplate(inv.Command, inv.Policy)
	if err != nil {
		return err
	}

	notifier, err := watch.NewNotifier(cfg.Backend)
	if err != nil {
		return err
	}
	var closeOnce sync.Once
	closeNotifier := func() {
		closeOnce.Do(func() {
			if err := notifier.Close(); err != nil {
				logger.Debug("close notifier", zap.Error(err))
			}
		})
	}
	defer closeNotifier()

	table := watch.NewTable(notifier, inv.Mask, paths, logger)
	if err := table.RegisterAll(); err != nil {
		return err
	}

	runner := command.NewExecRunner(logger)
	runner.WaitDelay = cfg.WaitDelay

	loop := watch.NewLoop(notifier, table, tmpl, runner, logger)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("watching",
		zap.Int("paths", table.Len()),
		zap.Stringer("events", inv.Mask),
		zap.String("backend", string(cfg.Backend)),
		zap.Stringer("substitution", inv.Policy),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return loop.Run(gctx)
	})
	g.Go(func() error {
		// Closing the notifier is what unblocks the loop's pending read
		<-gctx.Done()
		closeNotifier()
		return nil
	})
	err = g.Wait()

	stats := loop.Stats()
	logger.Debug("event loop stopped",
		zap.Int64("events", stats.Events),
		zap.Int64("dispatched", stats.Dispatched),
		zap.Int64("failed", stats.Failed),
		zap.Int64("overflows", stats.Overflows),
		zap.Int64("stale", stats.Stale),
		zap.Int64("filtered", stats.Filtered),
	)

	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil && errors.Is(err, context.Canceled):
		logger.Info("interrupted, shutting down")
	default:
		logger.Error("event loop failed", zap.Error(err))
	}
	return &reportedError{err: err}
}

// report writes err to w. Usage errors are preceded by the usage banner;
// joined errors get one line each.
func report(w io.Writer, name string, err error) {
	var reported *reportedError
	if errors.As(err, &reported) {
		return
	}

	var usage *UsageError
	if errors.As(err, &usage) {
		printUsage(w, name)
	}

	for _, line := range strings.Split(err.Error(), "\n") {
		fmt.Fprintf(w, "%s: %s\n", name, line)
	}
}

func programName() string {
	return filepath.Base(os.Args[0])
}
