package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"backfill/internal/config"
	"backfill/internal/driver"
	"backfill/internal/driver/browser"
	"backfill/internal/logging"
	"backfill/internal/service"
	"backfill/internal/store"
)

// app is the state shared by every command.
type app struct {
	v       *viper.Viper
	cfgPath string
	verbose bool

	cfg    *config.Config
	logger *slog.Logger

	// newLauncher builds the automation runtime; tests replace it.
	newLauncher func(config.BrowserConfig, *slog.Logger) driver.Launcher
}

func newApp() *app {
	return &app{
		v: viper.New(),
		newLauncher: func(bc config.BrowserConfig, logger *slog.Logger) driver.Launcher {
			return browser.NewLazy(browser.Options{
				Headless:   bc.Headless,
				ExecPath:   bc.ExecPath,
				Timeout:    bc.Timeout,
				ShiftClock: bc.ShiftClock,
				Logger:     logger,
			})
		},
	}
}

func newRootCmd() *cobra.Command {
	return newRootCmdWith(newApp())
}

func newRootCmdWith(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "backfill",
		Short:         "Replay user journeys against a live site with historical timestamps",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load()
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.cfgPath, "config", "", "config file (default: ./backfill.yaml when present)")
	pf.String("store", "", "workflow store DSN: memory, file:<path>, libsql://..., postgres://...")
	pf.String("log-level", "", "log level: debug, info, warn, error")
	pf.String("log-format", "", "log format: text, json")
	pf.BoolVar(&a.verbose, "verbose", false, "trace every browser call to stderr")
	for key, name := range map[string]string{
		"store.dsn":  "store",
		"log.level":  "log-level",
		"log.format": "log-format",
	} {
		if err := a.v.BindPFlag(key, pf.Lookup(name)); err != nil {
			panic(err)
		}
	}

	root.AddCommand(
		newServeCmd(a),
		newMCPCmd(a),
		newValidateCmd(a),
		newSubmitCmd(a),
		newWorkflowsCmd(a),
		newTestCmd(a),
		newRunCmd(a),
		newTestsiteCmd(a),
	)
	return root
}

// load reads the configuration and builds the logger.
func (a *app) load() error {
	cfg, err := config.Load(a.v, a.cfgPath)
	if err != nil {
		return err
	}
	logger, err := logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = logger
	slog.SetDefault(logger)
	return nil
}

// openService wires the store and the browser launcher into a service. The
// returned function closes the service, which releases both.
func (a *app) openService(ctx context.Context) (*service.Service, func(), error) {
	st, err := store.Open(ctx, a.cfg.Store.DSN)
	if err != nil {
		return nil, nil, err
	}
	launcher := a.newLauncher(a.cfg.Browser, a.logger)

	opts := []service.Option{
		service.WithLogger(a.logger),
		service.WithDefaults(service.Defaults{
			Concurrency: a.cfg.Batch.Concurrency,
			Rate:        a.cfg.Batch.Rate,
			GracePeriod: a.cfg.Batch.GracePeriod,
			Seed:        a.cfg.Batch.Seed,
		}),
	}
	if a.verbose {
		opts = append(opts, service.WithDebug(driver.NewDebugLogger(os.Stderr)))
	}
	svc := service.New(st, launcher, opts...)

	closeAll := func() {
		if err := svc.Close(); err != nil {
			a.logger.Warn("closing service", "error", err)
		}
	}
	return svc, closeAll, nil
}
