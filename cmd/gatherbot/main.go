package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"gatherbot/config"
	"gatherbot/internal/adapters/auth"
	"gatherbot/internal/adapters/email"
	"gatherbot/internal/adapters/telegram"
	deliveryhttp "gatherbot/internal/delivery/http"
	"gatherbot/internal/delivery/http/controllers"
	"gatherbot/internal/delivery/http/middleware"
	"gatherbot/internal/delivery/intent"
	"gatherbot/internal/repository/postgres"
	"gatherbot/internal/scheduler"
	"gatherbot/internal/services"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	logger := config.NewLogger()

	db, err := sql.Open("postgres", cfg.DBUrl)
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := db.PingContext(ctx); err != nil {
		log.Fatalf("database unreachable: %v", err)
	}
	if err := postgres.Migrate(ctx, db); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	// Repositories
	tx := postgres.NewTransactor(db)
	eventRepo := postgres.NewEventRepository(db)
	rsvpRepo := postgres.NewRSVPRepository(db)
	jobRepo := postgres.NewJobRepository(db)

	// Adapters
	gateway := telegram.NewClient(nil, cfg.TelegramToken, "")
	mailer, err := email.NewMailer(email.MailerConfig{
		Provider:    cfg.MailProvider,
		FromAddress: cfg.MailFrom,
		FromName:    cfg.MailFromName,
		SES: email.SESConfig{
			Region:          cfg.SESRegion,
			AccessKeyID:     cfg.SESAccessKey,
			SecretAccessKey: cfg.SESSecretKey,
		},
	}, logger)
	if err != nil {
		log.Fatalf("mailer: %v", err)
	}
	alerts := services.NewAlertService(mailer, email.NewTemplateRenderer(), cfg.OperatorEmail, logger)

	// Scheduler and managers
	sched := scheduler.New(jobRepo, eventRepo, rsvpRepo, gateway, alerts, logger, scheduler.Config{
		LeaseDuration:   cfg.LeaseDuration,
		BaseBackoff:     cfg.BaseBackoff,
		MaxBackoff:      cfg.MaxBackoff,
		MaxRetries:      cfg.MaxRetries,
		SweepInterval:   cfg.SweepInterval,
		DispatchTimeout: cfg.DispatchTimeout,
	})
	const serviceTimeout = 10 * time.Second
	eventSvc := services.NewEventService(eventRepo, rsvpRepo, sched, tx, logger, cfg.ReminderOffset, serviceTimeout)
	rsvpSvc := services.NewRSVPService(eventRepo, rsvpRepo, sched, tx, logger, cfg.DigestDebounce, serviceTimeout)
	sched.SetSweeper(eventSvc)

	// Delivery
	router := intent.NewRouter(eventSvc, rsvpSvc, logger)
	mux := deliveryhttp.NewRouter(
		controllers.NewEventController(logger, router, eventSvc, rsvpSvc),
		controllers.NewWebhookController(logger, router, cfg.TelegramWebhookSecret),
		controllers.NewHealthController(db),
		auth.NewJWTVerifier(cfg.OpsJWTSecret),
		auth.NewBcryptKeyVerifier(cfg.OpsAPIKeyHash),
	)

	go func() {
		if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("scheduler stopped", "error", err)
		}
	}()

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           middleware.Logging(logger, mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info("gatherbot listening", "port", cfg.Port, "env", cfg.Environment)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal(err)
	}
}
