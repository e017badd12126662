// Command mcs runs the full server: a RESP TCP listener backed by the
// in-memory DataStore, an AOF for durability, periodic MCDB snapshots,
// the workflow engine and resource manager, and an admin HTTP/websocket
// API for observing both.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/duorou/mcs/internal/adminapi"
	"github.com/duorou/mcs/internal/config"
	"github.com/duorou/mcs/internal/mcslog"
	"github.com/duorou/mcs/internal/observability"
	"github.com/duorou/mcs/internal/server"
	"github.com/duorou/mcs/pkg/aof"
	"github.com/duorou/mcs/pkg/command"
	"github.com/duorou/mcs/pkg/kv"
	"github.com/duorou/mcs/pkg/mcdb"
	"github.com/duorou/mcs/pkg/snapshot"
	"github.com/duorou/mcs/pkg/task"
	"github.com/duorou/mcs/pkg/taskarchive"
	"github.com/duorou/mcs/pkg/workflow"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	configPath := flag.String("config", "conf/mcs.conf", "path to the server config file")
	adminAddr := flag.String("admin-addr", "", "address for the admin HTTP/websocket API (empty disables it)")
	metricsAddr := flag.String("metrics-addr", "", "address for the Prometheus /metrics endpoint (empty disables it)")
	otlpEndpoint := flag.String("otlp-endpoint", "", "OTLP collector endpoint (empty disables tracing/metrics export)")
	rewriteCron := flag.String("rewrite-schedule", "", "cron schedule for periodic AOF rewrite (empty disables it)")
	workers := flag.Int("workers", 0, "workflow engine worker pool size (0 = runtime.NumCPU())")
	taskArchiveFile := flag.String("task-archive", "tasks.sqlite", "SQLite file recording completed task results (empty disables it)")
	rateLimit := flag.Float64("rate-limit", 0, "per-connection command rate limit in requests/sec (0 disables throttling)")
	rateLimitBurst := flag.Int("rate-limit-burst", 0, "per-connection burst size for -rate-limit (0 = library default)")
	flag.Parse()

	log := mcslog.New()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("received signal, shutting down gracefully", "signal", sig.String())
		cancel()
	}()

	shutdownOTLP, err := observability.InitOTLP(ctx, observability.Config{
		Endpoint:    *otlpEndpoint,
		ServiceName: "mcs",
	})
	if err != nil {
		log.Error("failed to init OTLP, continuing without it", "error", err)
		shutdownOTLP = func(context.Context) error { return nil }
	}
	defer shutdownOTLP(context.Background())

	store := kv.New(log, kv.DefaultDatabaseCount)
	defer store.Close()

	aofPathForHandler := cfg.ResolvePath(cfg.AppendFilename)
	mcdbPathForHandler := cfg.ResolvePath(config.MCDBFilename)
	handler := command.New(store, log, aofPathForHandler, mcdbPathForHandler)

	var aofWriter *aof.Writer
	if cfg.AppendOnly {
		if ok, err := aof.Replay(aofPathForHandler, store, func(args []string) {
			handler.Handle(args)
		}); err != nil {
			log.Error("AOF replay failed", "error", err)
		} else if ok {
			log.Info("AOF replay complete", "path", aofPathForHandler)
		}

		aofWriter, err = aof.NewWriter(aofPathForHandler)
		if err != nil {
			log.Error("failed to open AOF for writing", "error", err)
			os.Exit(1)
		}
		defer aofWriter.Close()
	} else if mcdb.Exists(mcdbPathForHandler) {
		if err := mcdb.Load(store, mcdbPathForHandler); err != nil {
			log.Error("failed to load snapshot", "error", err)
		} else {
			log.Info("loaded snapshot", "path", mcdbPathForHandler)
		}
	}

	scheduler := snapshot.New(log, cfg, store)
	if err := scheduler.Start(*rewriteCron); err != nil {
		log.Error("failed to start snapshot scheduler", "error", err)
	}
	defer scheduler.Stop()

	engine := workflow.New(log)
	engine.Initialize(*workers)
	if err := engine.Start(); err != nil {
		log.Error("failed to start workflow engine", "error", err)
		os.Exit(1)
	}
	defer engine.Stop()

	if *taskArchiveFile != "" {
		archive, err := taskarchive.Open(cfg.ResolvePath(*taskArchiveFile))
		if err != nil {
			log.Error("failed to open task archive, continuing without it", "error", err)
		} else {
			defer archive.Close()
			engine.AddTaskCompletionCallback(func(id, name string, status task.Status, r task.Result) {
				if err := archive.Record(context.Background(), id, name, status, r); err != nil {
					log.Error("failed to record task result", "task_id", id, "error", err)
				}
			})
		}
	}

	limits := server.Limits{RequestsPerSecond: *rateLimit, Burst: *rateLimitBurst}
	addr := fmt.Sprintf("%s:%d", cfg.Bind, cfg.Port)
	srv, err := server.New(log, addr, handler, store, aofWriter, cfg.RequirePass, limits)
	if err != nil {
		log.Error("failed to construct server", "error", err)
		os.Exit(1)
	}

	if *metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil && ctx.Err() == nil {
				log.Error("metrics server exited", "error", err)
			}
		}()
	}

	if *adminAddr != "" {
		hub := adminapi.NewHub()
		admin := adminapi.New(log, engine, hub)
		go func() {
			if err := http.ListenAndServe(*adminAddr, admin.Handler()); err != nil && ctx.Err() == nil {
				log.Error("admin API exited", "error", err)
			}
		}()
	}

	go func() {
		<-ctx.Done()
		log.Info("saving snapshot before exit")
		if err := scheduler.SaveNow(); err != nil {
			log.Error("final snapshot failed", "error", err)
		}
		srv.Close()
	}()

	log.Info("mcs starting", "addr", addr)
	if err := srv.ListenAndServe(ctx); err != nil {
		log.Error("server exited", "error", err)
		os.Exit(1)
	}

	// Give background goroutines a moment to finish their current work
	// before the deferred Close/Stop calls run.
	time.Sleep(50 * time.Millisecond)
}
