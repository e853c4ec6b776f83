package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/maibank/checkout-reconciler/api"
	"github.com/maibank/checkout-reconciler/internal"
	"github.com/maibank/checkout-reconciler/internal/auth"
	"github.com/maibank/checkout-reconciler/internal/core/events"
	"github.com/maibank/checkout-reconciler/internal/lock"
	"github.com/maibank/checkout-reconciler/internal/order"
	orderpg "github.com/maibank/checkout-reconciler/internal/order/postgres"
	"github.com/maibank/checkout-reconciler/internal/payment"
	paymentpg "github.com/maibank/checkout-reconciler/internal/payment/postgres"
	"github.com/maibank/checkout-reconciler/internal/paymentgateway"
	"github.com/maibank/checkout-reconciler/internal/transport"
	"github.com/maibank/checkout-reconciler/internal/transport/middleware"
	"github.com/maibank/checkout-reconciler/internal/transport/rest"
	"github.com/maibank/checkout-reconciler/pkg/logger"
)

var (
	withSweeper bool

	httpServerCmd = &cobra.Command{
		Use:   "server",
		Short: "Start HTTP server",
		Long:  `Start the HTTP server serving bank callbacks, checkout continuations and the payment admin API`,
		Run: func(cmd *cobra.Command, args []string) {
			startHTTPServer()
		},
	}
)

// Dependencies is the wired object graph shared by the server, the worker
// and the admin commands.
type Dependencies struct {
	Config     *internal.Config
	DB         *sqlx.DB
	Gorm       *gorm.DB
	Redis      *redis.Client
	Logger     *slog.Logger
	EventBus   *events.EventBus
	Gateway    paymentgateway.Gateway
	Settings   payment.Settings
	Orders     *order.Service
	Flow       *order.Flow
	Payments   *paymentpg.PaymentRepository
	Queue      *paymentpg.SweepQueue
	Reconciler *payment.Reconciler
	Callbacks  *payment.CallbackService
	Initiator  *payment.Initiator
	Operations *payment.Operations
	Sweeper    *payment.Sweeper

	closers []io.Closer
}

// Close releases everything initializeDependencies opened, in reverse order.
func (d *Dependencies) Close() {
	if d.EventBus != nil {
		d.EventBus.Wait()
	}
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i].Close(); err != nil {
			d.Logger.Error("close failed", "error", err)
		}
	}
}

func startHTTPServer() {
	deps, err := initializeDependencies(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize dependencies: %v\n", err)
		os.Exit(1)
	}
	defer deps.Close()

	router, err := setupRoutes(deps)
	if err != nil {
		deps.Logger.Error("failed to set up routes", "error", err)
		return
	}

	addr := fmt.Sprintf(":%d", deps.Config.Server.Port)
	deps.Logger.Info("Starting HTTP server", "address", addr, "intent", deps.Settings.Intent)

	server := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: deps.Config.Server.ReadHeaderTimeout,
		ReadTimeout:       deps.Config.Server.ReadTimeout,
		WriteTimeout:      deps.Config.Server.WriteTimeout,
		IdleTimeout:       deps.Config.Server.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sweeperDone := make(chan struct{})
	if withSweeper {
		go func() {
			defer close(sweeperDone)
			if err := deps.Sweeper.Run(ctx); err != nil {
				deps.Logger.Error("sweeper stopped", "error", err)
			}
		}()
	} else {
		close(sweeperDone)
	}

	serverErrChan := make(chan error, 1)
	go func() {
		serverErrChan <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		deps.Logger.Info("Received signal, shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			deps.Logger.Error("Server shutdown error", "error", err)
		}
	case err := <-serverErrChan:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			deps.Logger.Error("Server failed to start", "error", err)
		}
		stop()
	}

	<-sweeperDone
	deps.Logger.Info("Server stopped")
}

func setupRoutes(deps *Dependencies) (*chi.Mux, error) {
	base := transport.NewBaseHandler(deps.Logger)

	var authHandler *auth.Handler
	if deps.Config.Security.JWTPublicKey != "" {
		publicKey, err := deps.Config.Security.GetPublicKey()
		if err != nil {
			return nil, fmt.Errorf("invalid jwt public key: %w", err)
		}
		authHandler = auth.NewHandler(base, auth.NewVerifier(publicKey, ""), deps.Config.Security.AdminScope)
	} else {
		deps.Logger.Warn("security.jwt_public_key not set, payment admin API disabled")
	}

	validate, err := middleware.OpenAPIValidator(api.OpenAPISpec, deps.Logger)
	if err != nil {
		return nil, err
	}

	checks := map[string]rest.Pinger{"database": deps.DB}
	if deps.Redis != nil {
		checks["redis"] = rest.PingerFunc(func(ctx context.Context) error {
			return deps.Redis.Ping(ctx).Err()
		})
	}

	router := chi.NewRouter()
	rest.RegisterAllRoutes(router, rest.Routes{
		Health:          rest.NewHealthHandler(checks),
		Auth:            authHandler,
		Payment:         payment.NewHandler(deps.Operations, deps.Initiator, deps.Logger),
		Callback:        payment.NewCallbackHandler(base, deps.Callbacks, deps.Config.Checkout.BaseURL, deps.Logger),
		OpenAPISpec:     api.OpenAPISpec,
		OpenAPIValidate: validate,
	}, deps.Logger)

	return router, nil
}

func initializeDependencies(ctx context.Context, overrides ...func(*internal.Config)) (*Dependencies, error) {
	config, err := loadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	for _, override := range overrides {
		override(config)
	}

	intent, err := payment.ParseIntent(config.Payment.Intent)
	if err != nil {
		return nil, err
	}

	deps := &Dependencies{
		Config: config,
		Logger: logger.LoggerWrapper(),
		Settings: payment.Settings{
			Intent:       intent,
			DebugLogging: config.Payment.DebugLogging,
			DebugLogPath: config.Payment.DebugLogPath,
		},
	}

	if err := deps.openStores(ctx); err != nil {
		deps.Close()
		return nil, err
	}

	gateway, closer, err := paymentgateway.New(config.Gateway, config.Payment, deps.Logger)
	if err != nil {
		deps.Close()
		return nil, fmt.Errorf("failed to initialize payment gateway: %w", err)
	}
	deps.Gateway = gateway
	deps.closers = append(deps.closers, closer)

	var locker payment.Locker
	if deps.Redis != nil {
		locker = lock.NewRedisLocker(deps.Redis, config.Redis.LockTTL)
	} else {
		deps.Logger.Warn("redis disabled, using in-process transaction locks")
		locker = lock.NewLocalLocker(config.Redis.LockTTL)
	}

	deps.EventBus = events.NewEventBus(deps.Logger)
	payment.NewEventHandler(deps.Logger).RegisterEventHandlers(deps.EventBus)

	deps.Orders = order.NewService(orderpg.NewOrderRepository(deps.Gorm), deps.Logger)
	deps.Flow = order.NewFlow(config.Checkout.Steps)
	deps.Payments = paymentpg.NewPaymentRepository(deps.Gorm)
	deps.Queue = paymentpg.NewSweepQueue(deps.DB)
	deps.Reconciler = payment.NewReconciler(deps.Payments, deps.EventBus, deps.Logger)

	deps.Callbacks = payment.NewCallbackService(payment.CallbackServiceDeps{
		Repo:            deps.Payments,
		Orders:          deps.Orders,
		Flow:            deps.Flow,
		Gateway:         gateway,
		Reconciler:      deps.Reconciler,
		Locker:          locker,
		Publisher:       deps.EventBus,
		Settings:        deps.Settings,
		CheckoutBaseURL: config.Checkout.BaseURL,
		Logger:          deps.Logger,
	})
	deps.Initiator = payment.NewInitiator(payment.InitiatorDeps{
		Repo:            deps.Payments,
		Orders:          deps.Orders,
		Gateway:         gateway,
		Settings:        deps.Settings,
		RedirectURL:     config.Gateway.RedirectURL,
		DefaultLanguage: config.Checkout.DefaultLanguage,
		Logger:          deps.Logger,
	})
	deps.Operations = payment.NewOperations(payment.OperationsDeps{
		Repo:            deps.Payments,
		Orders:          deps.Orders,
		Gateway:         gateway,
		Locker:          locker,
		Publisher:       deps.EventBus,
		DefaultLanguage: config.Checkout.DefaultLanguage,
		Logger:          deps.Logger,
	})
	deps.Sweeper = payment.NewSweeper(payment.SweeperDeps{
		Repo:       deps.Payments,
		Orders:     deps.Orders,
		Gateway:    gateway,
		Reconciler: deps.Reconciler,
		Locker:     locker,
		Queue:      deps.Queue,
		Settings:   deps.Settings,
		Sweep: payment.SweeperSettings{
			Interval:     config.Sweeper.Interval,
			StalledAfter: config.Sweeper.StalledAfter,
			BatchSize:    config.Sweeper.BatchSize,
			LeaseTTL:     config.Sweeper.LeaseTTL,
		},
		Logger: deps.Logger,
	})

	return deps, nil
}

// openStores connects postgres (shared by sqlx and gorm) and, when enabled,
// redis.
func (d *Dependencies) openStores(ctx context.Context) error {
	db, err := initDB(d.Config.Database)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	d.DB = db
	d.closers = append(d.closers, db)

	gdb, err := gorm.Open(postgres.New(postgres.Config{Conn: db.DB}), &gorm.Config{})
	if err != nil {
		return fmt.Errorf("failed to initialize gorm: %w", err)
	}
	d.Gorm = gdb

	if d.Config.Redis.Enabled {
		client, err := lock.NewRedisClient(ctx, d.Config.Redis)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		d.Redis = client
		d.closers = append(d.closers, client)
	}
	return nil
}

// initDB initializes the database connection
func initDB(cfg internal.DatabaseConfig) (*sqlx.DB, error) {
	const driver = "pgx"

	dbConn, err := sqlx.Connect(driver, cfg.Source)
	if err != nil {
		return nil, fmt.Errorf("failed to open db connection: %w", err)
	}

	dbConn.SetMaxIdleConns(cfg.MaxIdleConns)
	dbConn.SetMaxOpenConns(cfg.MaxOpenConns)
	dbConn.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	dbConn.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := dbConn.Ping(); err != nil {
		_ = dbConn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return dbConn, nil
}

func init() {
	httpServerCmd.Flags().BoolVar(&withSweeper, "with-sweeper", false, "also run the stalled payment sweeper in this process")
}
