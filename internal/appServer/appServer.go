package appServer

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ds124wfegd/playverse/config"
	"github.com/ds124wfegd/playverse/internal/database"
	"github.com/ds124wfegd/playverse/internal/database/memory"
	repository "github.com/ds124wfegd/playverse/internal/database/postgres"
	"github.com/ds124wfegd/playverse/internal/gateway"
	"github.com/ds124wfegd/playverse/internal/service"
	"github.com/ds124wfegd/playverse/internal/transport"
	"github.com/ds124wfegd/playverse/internal/worker"

	"github.com/ds124wfegd/playverse/pkg/broker"
	"github.com/ds124wfegd/playverse/pkg/kafka"
	"github.com/ds124wfegd/playverse/pkg/postgres"
	"github.com/ds124wfegd/playverse/pkg/queue"
	"github.com/ds124wfegd/playverse/pkg/redis"
	"github.com/ds124wfegd/playverse/pkg/scheduler"
	"github.com/ds124wfegd/playverse/pkg/whatsapp"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

type Server struct {
	httpServer *http.Server
}

func (s *Server) Run(cfg *config.Config, handler http.Handler) error {
	s.httpServer = &http.Server{
		Addr:              cfg.GetServerAddress(),
		Handler:           handler,
		MaxHeaderBytes:    1 << 20,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      cfg.Server.Timeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
		ReadHeaderTimeout: 3 * time.Second,
		TLSConfig:         &tls.Config{MinVersion: tls.VersionTLS12},           // ban on outdate TLS certificate
		ErrorLog:          log.New(os.Stderr, "SERVER ERROR: ", log.LstdFlags), // os.Stderr can be replaced with ElsasticSearch in the feature
	}
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// SetupLogger configures the global logrus logger from the server section.
func SetupLogger(cfg *config.ServerConfig) {
	logrus.SetFormatter(&logrus.JSONFormatter{})
	logrus.SetOutput(os.Stdout)

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
}

// App holds the wired services and everything that must be closed on exit.
type App struct {
	Config        *config.Config
	Reconciler    service.ReconcilerService
	Events        service.EventService
	Notifications service.NotificationService

	queue      queue.Queue
	redisQueue *queue.RedisQueue
	closers    []func() error
}

// TaskQueue returns the Redis task queue, or an error when Redis is
// disabled or unreachable.
func (a *App) TaskQueue(ctx context.Context) (*queue.RedisQueue, error) {
	if a.redisQueue == nil {
		return nil, errors.New("task queue is not configured")
	}
	if err := a.redisQueue.HealthCheck(ctx); err != nil {
		return nil, err
	}
	return a.redisQueue, nil
}

// Build connects the configured backends and wires the services. Optional
// backends that cannot be reached are replaced by no-op implementations.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	app := &App{Config: cfg}

	ledger, events, err := app.openStorage(ctx)
	if err != nil {
		return nil, err
	}

	gateways, err := gateway.NewRegistry(cfg.Gateway.Active,
		gateway.NewPayU(&cfg.Gateway.PayU),
		gateway.NewRazorpay(&cfg.Gateway.Razorpay, cfg.Gateway.Currency, cfg.Gateway.Timeout),
	)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to configure payment gateways: %w", err)
	}

	// Initialize Redis task queue
	if cfg.Redis.Enabled {
		client, err := redis.NewRedisClient(&cfg.Redis)
		if err != nil {
			logrus.WithError(err).Warn("Redis unavailable, continuing without task queue")
		} else {
			app.closers = append(app.closers, client.Close)

			queueCfg := queue.DefaultRedisQueueConfig()
			queueCfg.Prefix = cfg.Redis.QueuePrefix
			queueCfg.MaxRetries = cfg.Redis.MaxRetries
			app.redisQueue = queue.NewRedisQueue(client, queueCfg, nil, nil)
			app.queue = app.redisQueue
		}
	}

	// Initialize RabbitMQ publisher
	var publisher broker.Publisher = broker.LogPublisher{}
	if cfg.RabbitMQ.Enabled {
		rabbit, err := broker.NewRabbitMQ(&cfg.RabbitMQ)
		if err != nil {
			logrus.WithError(err).Warn("RabbitMQ unavailable, booking events will only be logged")
		} else {
			publisher = rabbit
			app.closers = append(app.closers, rabbit.Close)
		}
	}

	// Initialize Kafka audit producer
	var audit service.AuditLogger
	if cfg.Kafka.Enabled {
		producer := kafka.NewProducer(&cfg.Kafka)
		app.closers = append(app.closers, producer.Close)
		audit = producer
	}

	// Initialize WhatsApp sender
	var sender whatsapp.Sender = whatsapp.NopSender{}
	if cfg.WhatsApp.Enabled {
		sender = whatsapp.NewClient(&cfg.WhatsApp)
	} else {
		logrus.Warn("WhatsApp disabled, participant messages will not be sent")
	}

	var tasks service.TaskPublisher = service.NewQueueAdapter(app.queue)

	app.Reconciler = service.NewReconcilerService(ledger, events, gateways, tasks, publisher, audit, &cfg.Booking)
	app.Events = service.NewEventService(events, ledger, cfg.Report.Venues)
	app.Notifications = service.NewNotificationService(events, ledger, sender, &cfg.WhatsApp)

	logrus.WithFields(logrus.Fields{
		"driver":   cfg.Database.Driver,
		"gateway":  gateways.Active().Name(),
		"gateways": gateways.Names(),
		"queue":    app.queue != nil,
	}).Info("Application wired")

	return app, nil
}

func (a *App) openStorage(ctx context.Context) (database.Ledger, database.EventRepository, error) {
	cfg := a.Config.Database

	switch cfg.Driver {
	case "memory":
		logrus.Warn("Using in-memory storage, data is lost on restart")
		store := memory.NewStore()
		return store, store, nil

	case "postgres", "":
		db, err := postgres.NewPostgresDB(&cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		a.closers = append(a.closers, db.Close)

		// Run database migrations
		if err := postgres.RunMigrations(ctx, db); err != nil {
			a.Close()
			return nil, nil, fmt.Errorf("failed to run migrations: %w", err)
		}
		return repository.NewLedger(db, cfg.LockTimeout), repository.NewEventRepository(db, cfg.LockTimeout), nil

	default:
		return nil, nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}

// Close releases backends in reverse order of creation.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			logrus.WithError(err).Warn("Failed to close resource")
		}
	}
	a.closers = nil
}

// NewServer runs the HTTP API with its background workers until SIGINT
// or SIGTERM.
func NewServer(cfg *config.Config) error {
	SetupLogger(&cfg.Server)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := Build(ctx, cfg)
	if err != nil {
		return err
	}
	defer app.Close()

	// Start queue consumer
	if app.queue != nil {
		taskHandler := worker.NewTaskHandler(app.Reconciler, app.Notifications)
		if err := app.queue.Subscribe(ctx, taskHandler.HandleTask); err != nil {
			logrus.WithError(err).Error("Queue subscriber error")
		}
		defer app.queue.Close()
	}

	// Initialize pending sweeper
	sweeper := worker.NewPendingSweeper(app.Reconciler, cfg.Worker.CleanupInterval, cfg.Worker.BatchSize)
	go sweeper.Start(ctx)

	// Initialize daily report scheduler
	if cfg.Report.Enabled {
		reports := scheduler.NewDailyScheduler("daily_venue_report", cfg.Report.Hour, func(ctx context.Context) error {
			report, err := app.Events.DailyReport(ctx, time.Now())
			if err != nil {
				return err
			}
			logrus.WithFields(logrus.Fields{
				"date":                  report.Date,
				"total_venues_checked":  report.TotalVenuesChecked,
				"venues_with_no_events": report.VenuesWithNoEvents,
				"venues_with_events":    report.VenuesWithEvents,
			}).Info("Daily venue report")
			return nil
		})
		go reports.Start(ctx)
	}

	if cfg.Server.Mode == "release" || cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := transport.InitRoutes(
		transport.NewEventHandler(app.Events, app.Notifications),
		transport.NewBookingHandler(app.Reconciler),
		transport.RouterConfig{
			AdminToken:     cfg.Admin.Token,
			RequestTimeout: cfg.Server.RequestTimeout,
			Version:        cfg.Server.AppVersion,
		},
	)

	srv := new(Server)
	serveErr := make(chan error, 1)
	go func() {
		if err := srv.Run(cfg, router); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	logrus.WithField("addr", cfg.GetServerAddress()).Print("App Started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)

	select {
	case <-quit:
	case err := <-serveErr:
		return fmt.Errorf("error occured while running http server: %w", err)
	}

	logrus.Print("App Shutting Down")
	cancel()

	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logrus.Errorf("error occured on server shutting down: %s", err.Error())
	}
	return nil
}
