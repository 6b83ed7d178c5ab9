// Command aura runs the automation framework: the long-lived server, ad hoc
// task runs, plugin packaging, and service inspection.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nightofknife/aura/internal/api"
	"github.com/nightofknife/aura/internal/bus"
	"github.com/nightofknife/aura/internal/config"
	_ "github.com/nightofknife/aura/internal/corelib"
	"github.com/nightofknife/aura/internal/manager"
	"github.com/nightofknife/aura/internal/metrics"
	"github.com/nightofknife/aura/internal/plugin"
	"github.com/nightofknife/aura/internal/scheduler"
	"github.com/nightofknife/aura/internal/task"
	auraerr "github.com/nightofknife/aura/pkg/aura/errors"
)

// Exit codes: 0 success, 1 runtime or usage error, 2 fatal startup fault.
const (
	exitOK      = 0
	exitError   = 1
	exitStartup = 2
)

var cfgPath string

func main() {
	root := &cobra.Command{
		Use:           "aura",
		Short:         "Aura asynchronous automation framework",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "config file path")
	root.AddCommand(newServeCmd(), newTaskCmd(), newPackageCmd(), newServiceCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		if auraerr.IsFatalStartup(err) {
			os.Exit(exitStartup)
		}
		os.Exit(exitError)
	}
	os.Exit(exitOK)
}

// stack is the wired runtime: config, bus, loaders, manager, scheduler.
type stack struct {
	cfg    *config.Config
	events *bus.Bus
	tasks  *task.Loader
	mgr    *manager.Manager
	sched  *scheduler.Scheduler
	logger *slog.Logger
}

func buildStack() (*stack, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	logger := slog.Default()
	events := bus.New(logger)
	tasks := task.NewLoader(logger)
	plugins := plugin.NewLoader(cfg.Paths.PlansDir, cfg.Paths.PackagesDir, logger)
	mgr := manager.New(cfg.ManagerConfig(), tasks, events, logger)
	sched := scheduler.New(cfg.SchedulerConfig(), plugins, tasks, mgr, events, logger)
	return &stack{
		cfg:    cfg,
		events: events,
		tasks:  tasks,
		mgr:    mgr,
		sched:  sched,
		logger: logger,
	}, nil
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the scheduler and the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := buildStack()
			if err != nil {
				return err
			}
			if err := st.sched.Start(); err != nil {
				return err
			}
			defer st.sched.Stop()

			m := metrics.New()
			if err := m.Bind(st.events); err != nil {
				return err
			}
			srv, err := api.New(st.cfg.API.Addr, st.sched, st.tasks, st.events, m, st.logger)
			if err != nil {
				return err
			}
			// Mirror log records onto the websocket stream.
			slog.SetDefault(slog.New(api.NewLogFanout(slog.Default().Handler(), srv.Hub())))

			errCh := make(chan error, 1)
			go func() { errCh <- srv.Start() }()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			select {
			case err := <-errCh:
				return err
			case sig := <-sigCh:
				st.logger.Info("shutting down", "signal", sig.String())
			}

			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			return srv.Shutdown(ctx)
		},
	}
}
