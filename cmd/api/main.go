package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"firmalex.io/internal/credits"
	"firmalex.io/internal/httpapi"
	"firmalex.io/internal/notify"
	"firmalex.io/internal/obs"
	"firmalex.io/internal/payments"
	"firmalex.io/internal/signing"
	"firmalex.io/internal/storage"
	"firmalex.io/internal/store/pg"
)

// Overridden at build time via -ldflags.
var (
	version = "0.3.1"
	commit  = "none"
)

func main() {
	_ = godotenv.Load()
	obs.Init()
	obs.InitBuildInfo(version, commit)

	dsn := os.Getenv("FIRMALEX_PG_DSN")
	if dsn == "" {
		log.Fatal("FIRMALEX_PG_DSN is required")
	}
	store, err := pg.Open(dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}

	// Notification delivery is optional in local setups.
	var notifier *notify.Client
	if base := os.Getenv("FIRMALEX_NOTIFY_URL"); base != "" {
		notifier = notify.NewClient(base)
	}

	// Payment gateway. Without an API key auto-recharge preconditions fail
	// fast and reserves proceed on the existing balance.
	var gateway credits.Gateway
	if key := os.Getenv("FIRMALEX_STRIPE_API_KEY"); key != "" {
		gateway = payments.NewStripeGateway(key, os.Getenv("FIRMALEX_STRIPE_RETURN_URL"))
	}
	var failureNotifier credits.FailureNotifier
	if notifier != nil {
		failureNotifier = notifier
	}
	recharger := credits.NewRecharger(store, gateway, failureNotifier)
	creditSvc := credits.NewService(store, recharger)

	signingOpts := []signing.Option{
		signing.WithSignBaseURL(envOr("FIRMALEX_SIGN_BASE_URL", "https://app.firmalex.io")),
	}
	if s3cfg, ok, err := storage.ConfigFromEnv(); err != nil {
		log.Fatalf("s3 config: %v", err)
	} else if ok {
		bucket, err := storage.NewBucket(context.Background(), s3cfg)
		if err != nil {
			log.Fatalf("s3 client: %v", err)
		}
		signingOpts = append(signingOpts, signing.WithFileStore(bucket))
	}
	if notifier != nil {
		signingOpts = append(signingOpts, signing.WithNotifier(notifier))
	}
	coordinator := signing.NewCoordinator(store, signingOpts...)

	parser := payments.NewEventParser(os.Getenv("FIRMALEX_STRIPE_WEBHOOK_SECRET"))

	api := httpapi.New(httpapi.ReadyProbe{DB: store.DB()}, version, coordinator, creditSvc, parser)

	srv := &http.Server{
		Addr:              envOr("FIRMALEX_HTTP_ADDR", ":8080"),
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting firmalex-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	_ = store.Close()
	log.Println("Stopped")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
