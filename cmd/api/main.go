package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ariefcatur/go-live-orders.git/internal/app"
	"github.com/ariefcatur/go-live-orders.git/internal/config"
	"github.com/ariefcatur/go-live-orders.git/internal/events"
	kafkax "github.com/ariefcatur/go-live-orders.git/internal/kafka"
	"github.com/ariefcatur/go-live-orders.git/internal/logx"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		l := logx.New("error", "live-orders")
		l.Fatal().Err(err).Msg("load config")
	}
	log := logx.New(cfg.LogLevel, cfg.ServiceName)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deps, cleanup, err := app.Open(ctx, cfg, log)
	defer cleanup()
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.StoreBackend).Msg("open stores")
	}

	// Kafka producer for domain events
	prod := kafkax.NewProducer(cfg.KafkaBrokers, 1024, log)
	prod.Start(ctx)
	deps.Publisher = kafkax.EventPublisher{P: prod}

	a, err := app.New(cfg, deps, log)
	if err != nil {
		log.Fatal().Err(err).Msg("wire app")
	}

	// background: payment expiry and ingestion consumers
	bg, bgCtx := errgroup.WithContext(ctx)
	bg.Go(func() error {
		a.Payments.RunExpiry(bgCtx, cfg.ExpiryInterval)
		return nil
	})
	if cfg.IngestWorkers > 0 {
		for _, topic := range []string{events.TopicChatReceived, events.TopicBankSmsReceived} {
			c := kafkax.NewConsumer(cfg.KafkaBrokers, cfg.IngestGroup, topic, cfg.IngestWorkers, log)
			bg.Go(func() error { return c.Start(bgCtx, a.HandleIngest) })
		}
	}

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: a.Router(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Str("backend", cfg.StoreBackend).Msg("http listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
	case <-bgCtx.Done():
		log.Error().Msg("background worker stopped")
	}
	log.Info().Msg("shutting down")

	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	_ = srv.Shutdown(ctx2)
	cancel()
	if err := bg.Wait(); err != nil {
		log.Error().Err(err).Msg("background worker")
	}
	prod.Close()      // flush queued events
	prod.WaitClosed() // drain
}
