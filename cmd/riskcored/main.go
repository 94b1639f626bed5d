package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	riskcore "github.com/tradewire/riskcore"
	"github.com/tradewire/riskcore/pkg/config"
)

func main() {
	var (
		limitsPath = flag.String("limits", "limits.yaml", "Path to the YAML risk limits file")
		live       = flag.Bool("live", false, "Enable live order submission (default paper)")
	)
	flag.Parse()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("[main] .env not loaded: %v", err)
	}

	cfg := config.DefaultConfig()
	cfg, err := cfg.LoadLimits(*limitsPath)
	if err != nil {
		log.Fatalf("load limits: %v", err)
	}
	cfg = cfg.MergeEnv()
	if *live {
		cfg.Paper = false
	}

	core, err := riskcore.New(cfg)
	if err != nil {
		log.Fatalf("init: %v", err)
	}
	defer core.Close()
	for _, ierr := range core.InitErrors {
		log.Printf("[main] degraded: %v", ierr)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[main] metrics server: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mode := "paper"
	if !cfg.Paper {
		mode = "live"
	}
	log.Printf("[main] riskcore started (%s mode, symbols %v)", mode, cfg.Symbols)

	if err := core.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("[main] run: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.RequestTimeout)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	log.Printf("[main] shutdown complete")
}
