package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/marketprimer/cachelayer/internal/config"
	httpinfra "github.com/marketprimer/cachelayer/internal/infra/http"
	"github.com/marketprimer/cachelayer/internal/infra/jobs"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the operational server and maintenance schedule",
	Long: `serve starts the ops HTTP server (health, metrics, stats, invalidation)
together with the cron-driven maintenance sweeper. It runs until interrupted
and drains in-flight requests on shutdown.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().Bool("no-sweeper", false, "Disable the maintenance sweeper")
	serveCmd.Flags().Bool("no-worker", false, "Disable the background job worker")
	serveCmd.Flags().Duration("shutdown-timeout", 15*time.Second, "Graceful shutdown timeout")
}

func runServe(cmd *cobra.Command, args []string) error {
	svc, err := buildServices()
	if err != nil {
		return err
	}
	defer svc.close()

	log := svc.log
	log.Info("starting", "provider", svc.cfg.Redis.Provider, "env", svc.cfg.App.Env)

	noSweeper, _ := cmd.Flags().GetBool("no-sweeper")
	var sweeper *jobs.Sweeper
	if !noSweeper {
		sweeper, err = jobs.NewSweeper(jobs.SweeperConfig{}, svc.cache, svc.sessions, log)
		if err != nil {
			return err
		}
		sweeper.Start()
		defer sweeper.Stop()
	}

	// The job worker needs a real connection; the REST provider cannot back
	// the queue.
	noWorker, _ := cmd.Flags().GetBool("no-worker")
	if !noWorker && svc.cfg.Redis.Provider == config.ProviderRedis {
		worker, err := jobs.NewWorker(svc.cfg, jobs.WorkerConfig{}, svc.cache, svc.sessions, log)
		if err != nil {
			return err
		}
		if err := worker.Start(); err != nil {
			return err
		}
		defer worker.Stop()
	}

	server := httpinfra.NewServer(svc.cfg, svc.cmd, svc.cache, svc.sessions, svc.limiter, log)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		log.Info("received signal", "signal", sig.String())
	}

	timeout, _ := cmd.Flags().GetDuration("shutdown-timeout")
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return server.Shutdown(ctx)
}
