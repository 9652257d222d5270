// Package main is the proxy process entrypoint: load config, wire up
// storage/credentials/HTTP clients, mount the router, optionally start
// the analysis worker, and shut down cleanly on signal.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Laisky/zap"

	"github.com/claude-nexus/proxy/common/client"
	"github.com/claude-nexus/proxy/common/config"
	"github.com/claude-nexus/proxy/common/logger"
	"github.com/claude-nexus/proxy/credential"
	"github.com/claude-nexus/proxy/model"
	"github.com/claude-nexus/proxy/proxy"
	"github.com/claude-nexus/proxy/router"
	"github.com/claude-nexus/proxy/worker"
)

func main() {
	config.Init()

	logMode := os.Getenv("LOG_MODE")
	if err := logger.Init(logMode); err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %+v\n", err)
		os.Exit(1)
	}

	if err := run(); err != nil {
		logger.Logger.Fatal("proxy exited with error", zap.Error(err))
	}
}

func run() error {
	if err := model.InitDB(); err != nil {
		return err
	}

	client.Init()

	credentials, err := credential.NewStore(config.CredentialsDir, client.ImpatientHTTPClient)
	if err != nil {
		return err
	}
	if err := credentials.WatchForChanges(); err != nil {
		logger.Logger.Warn("credential hot-reload watcher unavailable", zap.Error(err))
	}
	defer credentials.Close()

	handler := proxy.NewHandler(credentials, model.Store{}, client.UpstreamHTTPClient, nil)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var w *worker.Worker
	var workerRunning bool
	if config.AIWorkerEnabled && config.GeminiAPIKey != "" {
		w = worker.New(worker.NewGeminiClient(client.ImpatientHTTPClient), nil)
		workerRunning = true
		go w.Run(ctx)
	} else {
		logger.Logger.Info("analysis worker disabled (AI_WORKER_ENABLED=false or no GEMINI_API_KEY)")
	}

	engine := router.New(handler, credentials, func() bool { return workerRunning })

	server := &http.Server{
		Addr:    config.ListenAddr,
		Handler: engine,
	}

	serveErrCh := make(chan error, 1)
	go func() {
		logger.Logger.Info("listening", zap.String("addr", config.ListenAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErrCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Logger.Info("shutdown signal received, draining in-flight requests")
	case err := <-serveErrCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(config.ShutdownGraceSeconds)*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
