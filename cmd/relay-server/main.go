package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/park285/Cheese-PvP-Relay/internal/chessbuilder"
	appcfg "github.com/park285/Cheese-PvP-Relay/internal/config"
	"github.com/park285/Cheese-PvP-Relay/internal/obslog"
)

func main() {
	if err := obslog.InitFromEnv(); err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	defer obslog.Sync()

	cfg, err := appcfg.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	bctx, bcancel := context.WithTimeout(context.Background(), 10*time.Second)
	deps, err := chessbuilder.New(bctx, cfg)
	bcancel()
	if err != nil {
		log.Fatalf("relay init error: %v", err)
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           deps.Handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		obslog.L().Info("relay_listen", zap.String("addr", cfg.ListenAddr), zap.Bool("debug_endpoints", cfg.DebugEndpoints))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	// Wait for termination signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	obslog.L().Info("relay_shutdown")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	if err := deps.Close(); err != nil {
		obslog.L().Warn("relay_close_error", zap.Error(err))
	}
}
