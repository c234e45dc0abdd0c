// Command pgdbmsjobd is the pg_dbms_job daemon: it polls and claims due jobs
// from a PostgreSQL database and runs them, reading its own tuning from a
// key=value config file and taking direction over the CLI and signals.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"

	"github.com/pgdbmsjob/pgdbmsjobd/internal/config"
	"github.com/pgdbmsjob/pgdbmsjobd/internal/control"
	"github.com/pgdbmsjob/pgdbmsjobd/internal/eventloop"
	"github.com/pgdbmsjob/pgdbmsjobd/internal/logging"
	"github.com/pgdbmsjob/pgdbmsjobd/internal/observability"
	"github.com/pgdbmsjob/pgdbmsjobd/internal/workerpool"
)

const (
	version           = "1.0.0"
	defaultConfigPath = "/etc/pg_dbms_job/pg_dbms_job.conf"
	programName       = "pgdbmsjobd"
)

func main() {
	app := &cli.App{
		Name:    programName,
		Usage:   "PostgreSQL job scheduler daemon",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Value: defaultConfigPath, Usage: "path to config file"},
			&cli.BoolFlag{Name: "debug", Aliases: []string{"d"}, Usage: "force debug=true"},
			&cli.BoolFlag{Name: "no-debug", Usage: "force debug=false"},
			&cli.BoolFlag{Name: "kill", Aliases: []string{"k"}, Usage: "send SIGTERM to the running daemon"},
			&cli.BoolFlag{Name: "immediate", Aliases: []string{"m"}, Usage: "send SIGINT to the running daemon"},
			&cli.BoolFlag{Name: "reload", Aliases: []string{"r"}, Usage: "send SIGHUP to the running daemon"},
			&cli.BoolFlag{Name: "single", Aliases: []string{"s"}, Usage: "run one loop iteration and exit, no daemonize"},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "FATAL:", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	configPath := c.String("config")

	if c.Bool("kill") {
		return sendSignalMode(configPath, syscall.SIGTERM)
	}
	if c.Bool("immediate") {
		return sendSignalMode(configPath, syscall.SIGINT)
	}
	if c.Bool("reload") {
		return sendSignalMode(configPath, syscall.SIGHUP)
	}

	cfgStore, err := config.Load(configPath)
	if err != nil {
		return err
	}

	single := c.Bool("single")

	if !single && !control.IsDaemonizedChild() {
		pf := control.NewPidFile(mustPidFilePath(cfgStore))
		if err := pf.RefuseIfExists(); err != nil {
			return err
		}
		if err := control.Daemonize(); err != nil {
			return fmt.Errorf("daemonize: %w", err)
		}
		return nil
	}

	cfg, _ := cfgStore.Snapshot()
	if c.Bool("debug") {
		cfg.Debug = true
	}
	if c.Bool("no-debug") {
		cfg.Debug = false
	}

	logger, handler := logging.NewLogger(cfg.LogFile, cfg.LogTruncateOnRotation, cfg.Debug, single, os.Getpid())
	defer handler.Close()
	cfgStore.SetLogFileChangeHook(handler.SetTemplate)

	pidFile := control.NewPidFile(cfg.PidFile)
	if !single {
		if err := pidFile.Write(os.Getpid()); err != nil {
			logger.Error("pidfile write failed", "error", err)
			return err
		}
		defer func() { _ = pidFile.Remove() }()
	}

	// The daemon's collectors go to the default registry, which is the one
	// the observability surface's /metrics route serves.
	reg := prometheus.DefaultRegisterer
	metrics := observability.NewMetrics(reg)

	pool := workerpool.New(metrics.WorkersInFlight)

	loop := eventloop.New(cfgStore, logger, pool, metrics, func(oldPath, newPath string) {
		if err := pidFile.Rename(newPath); err != nil {
			logger.Error("pidfile rename failed, keeping old path", "old", oldPath, "new", newPath, "error", err)
		} else {
			logger.Info("pidfile renamed", "old", oldPath, "new", newPath)
		}
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	go func() {
		for range sighup {
			loop.RequestReload()
		}
	}()

	obsCfg, err := observability.LoadConfig()
	if err != nil {
		logger.Error("observability config load failed", "error", err)
	}
	var obsServer *observability.Server
	if !single && obsCfg.Enabled() {
		checker := observability.NewChecker(loop, logger, reg)
		router := observability.NewRouter(checker, metrics, logger)
		obsServer = observability.NewServer(obsCfg.Addr, router)
		go func() {
			logger.Info("observability server started", "addr", obsCfg.Addr)
			if err := obsServer.Start(); err != nil {
				logger.Error("observability server", "error", err)
			}
		}()
	}

	go func() {
		<-ctx.Done()
		loop.RequestStop()
	}()

	logger.Info("pg_dbms_job starting", "version", version, "pid", os.Getpid(), "single", single)
	err = loop.Run(ctx, single)

	if obsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := obsServer.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Error("observability server shutdown", "error", shutdownErr)
		}
	}

	if err != nil {
		logger.Error("pg_dbms_job exiting on error", "error", err)
		return err
	}
	logger.Info("pg_dbms_job exited cleanly")
	return nil
}

func sendSignalMode(configPath string, sig syscall.Signal) error {
	cfgStore, err := config.Load(configPath)
	var pidfilePath string
	if err != nil {
		var missing *config.MissingFileError
		if !errors.As(err, &missing) {
			return err
		}
		pidfilePath = ""
	} else {
		cfg, _ := cfgStore.Snapshot()
		pidfilePath = cfg.PidFile
	}
	return control.SendSignal(pidfilePath, programName, sig)
}

func mustPidFilePath(s *config.Store) string {
	cfg, _ := s.Snapshot()
	return cfg.PidFile
}
