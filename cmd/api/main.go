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

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/safar/go-commerce/internal/checkout"
	"github.com/safar/go-commerce/internal/config"
	"github.com/safar/go-commerce/internal/database"
	"github.com/safar/go-commerce/internal/events"
	"github.com/safar/go-commerce/internal/notify"
	"github.com/safar/go-commerce/internal/payment"
	"github.com/safar/go-commerce/internal/scheduler"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Load config: %v", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Init logger: %v", err)
	}
	defer logger.Sync()

	db, err := database.NewConnection(&cfg.Database)
	if err != nil {
		logger.Fatal("connect to database", zap.Error(err))
	}
	defer db.Close()

	logger.Info("connected to database")

	gateway := payment.NewClient(cfg.Gateway.BaseURL, cfg.Gateway.APIKey, cfg.Gateway.Timeout)

	var notifier notify.Notifier
	if cfg.Notifier.URL != "" {
		notifier = notify.NewHTTPNotifier(cfg.Notifier.URL, cfg.Notifier.Timeout)
	} else {
		notifier = notify.NewLogNotifier(logger)
	}

	var finalizer events.Finalizer
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaFinalizer := events.NewKafkaFinalizer(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		defer kafkaFinalizer.Close()
		finalizer = kafkaFinalizer
	} else {
		finalizer = events.NewLogFinalizer(logger)
	}

	svc := checkout.NewService(db, gateway, finalizer, logger)

	sweeper := scheduler.NewSweeper(db, notifier, logger,
		cfg.Scheduler.NotifyInterval,
		cfg.Scheduler.ExpireInterval,
		cfg.Scheduler.GraceWindow)

	sweepCtx, stopSweeps := context.WithCancel(context.Background())
	defer stopSweeps()
	go sweeper.Run(sweepCtx)

	cart := &cartHandler{svc: svc, logger: logger}
	catalog := &catalogHandler{db: db, svc: svc, cart: cart, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(identityMiddleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/cart", func(r chi.Router) {
		r.Post("/", cart.upsert)
		r.Get("/", cart.active)
		r.Get("/pending-carts", cart.pending)
		r.Delete("/{cartID}", cart.delete)
	})

	r.Post("/payment/webhook", cart.webhook)

	r.Route("/users", func(r chi.Router) {
		r.Post("/", catalog.createUser)
		r.Get("/", catalog.listUsers)
		r.Get("/{userID}", catalog.getUser)
		r.Delete("/{userID}", catalog.deleteUser)
	})

	r.Route("/products", func(r chi.Router) {
		r.Post("/", catalog.createProduct)
		r.Get("/", catalog.listProducts)
		r.Get("/{productID}", catalog.getProduct)
	})

	r.Route("/discounts", func(r chi.Router) {
		r.Post("/", catalog.createDiscount)
		r.Get("/", catalog.listDiscounts)
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("server starting", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	stopSweeps()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Fatal("forced shutdown", zap.Error(err))
	}
}
