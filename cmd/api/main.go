package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"crash-round-backend/internal/config"
	"crash-round-backend/internal/handlers"
	"crash-round-backend/internal/logger"
	"crash-round-backend/internal/middleware"
	"crash-round-backend/internal/models"
	"crash-round-backend/internal/services"
)

func main() {
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		bootLog := zerolog.New(os.Stderr)
		bootLog.Fatal().Err(err).Msg("failed to load config")
	}

	log := logger.New(cfg.Env, cfg.LogLevel)
	if envErr != nil {
		log.Info().Msg("no .env file found, using environment variables")
	}

	redisService, err := services.NewRedisService(cfg, logger.Component(log, "redis"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer redisService.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		store      services.Store
		rigRow     = models.DefaultRigSettings()
		lastNumber int64
	)
	if cfg.DatabaseURL != "" {
		db, err := services.OpenPostgres(cfg.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to postgres")
		}
		repo := services.NewRepository(db)
		if err := repo.Migrate(); err != nil {
			log.Fatal().Err(err).Msg("failed to migrate schema")
		}
		if rigRow, err = repo.LoadRigSettings(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to load rig settings")
		}
		if lastNumber, err = repo.LastRoundNumber(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to load last round number")
		}
		store = repo
	} else {
		log.Warn().Msg("DATABASE_URL not set, rounds and bets will not be stored")
	}

	persister := services.NewPersister(store, redisService, cfg.Crash.PersistTimeout, services.DefaultRetryPolicy(), logger.Component(log, "persister"))

	rig := services.NewRigController(logger.Component(log, "rig"))
	rig.Load(rigRow)
	rig.OnChange(persister.SaveRigSettings)

	generator, err := services.NewMultiplierGenerator(services.GeneratorConfig{
		ServerSeed:    cfg.Crash.ServerSeed,
		Salt:          cfg.Crash.PublicSalt,
		HouseEdge:     cfg.Crash.HouseEdge,
		MaxCrashPoint: cfg.Crash.MaxCrashPoint,
		GrowthRate:    cfg.Crash.GrowthRate,
		Candidates:    cfg.Crash.RigCandidates,
		HistoryWindow: cfg.Crash.RigHistory,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create multiplier generator")
	}
	log.Info().Str("server_hash", generator.ServerHash()).Msg("crash seed committed")

	ledger := services.NewBetLedger(redisService, services.LedgerConfig{
		WalletTimeout: cfg.Crash.WalletTimeout,
		Retry:         services.DefaultRetryPolicy(),
	}, logger.Component(log, "ledger"))

	hub := services.NewBroadcastHub(256, logger.Component(log, "hub"))

	scheduler := services.NewRoundScheduler(services.SchedulerConfig{
		BettingWindow: cfg.Crash.BettingWindow,
		StartingDelay: cfg.Crash.StartingDelay,
		TickInterval:  cfg.Crash.TickInterval,
		Cooldown:      cfg.Crash.Cooldown,
		StallTimeout:  cfg.Crash.StallTimeout,
		MinBet:        cfg.Crash.MinBet,
		MaxBet:        cfg.Crash.MaxBet,
	}, generator, rig, ledger, hub, persister, logger.Component(log, "scheduler"))
	scheduler.ResumeAfter(lastNumber)

	// The persister outlives ctx so the final round's writes are kept.
	persistCtx, stopPersister := context.WithCancel(context.Background())
	go persister.Run(persistCtx)
	go hub.Run(ctx)
	schedulerDone := make(chan struct{})
	go func() {
		scheduler.Supervise(ctx)
		close(schedulerDone)
	}()

	jwtService := services.NewJWTService(cfg)

	gameHandler := handlers.NewGameHandler(scheduler, generator, redisService, logger.Component(log, "http"))
	userHandler := handlers.NewUserHandler(redisService, logger.Component(log, "http"))
	adminHandler := handlers.NewAdminHandler(rig, generator, logger.Component(log, "admin"))
	wsHandler := handlers.NewWebSocketHandler(hub, scheduler, redisService, logger.Component(log, "ws"))

	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.Default()

	router.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "subscribers": hub.Subscribers()})
	})

	public := router.Group("/api/crash")
	{
		public.GET("/history", gameHandler.GetHistory)
		public.GET("/verification", gameHandler.GetVerificationData)
		public.POST("/verify", gameHandler.VerifyRound)
	}

	protected := router.Group("/api")
	protected.Use(middleware.AuthMiddleware(jwtService))
	protected.Use(middleware.RateLimitMiddleware(redisService, logger.Component(log, "ratelimit")))
	{
		protected.GET("/me", userHandler.GetCurrentUser)
		protected.GET("/balance", userHandler.GetBalance)
		protected.GET("/transactions", userHandler.GetTransactions)

		protected.GET("/ws", wsHandler.HandleWebSocket)

		crash := protected.Group("/crash")
		{
			crash.POST("/bet", gameHandler.PlaceBet)
			crash.POST("/cashout", gameHandler.Cashout)
			crash.GET("/round", gameHandler.GetRound)
		}

		admin := protected.Group("/admin")
		admin.Use(middleware.AdminOnly())
		{
			admin.GET("/rig", adminHandler.GetRig)
			admin.PUT("/rig/percentages", adminHandler.SetPercentages)
			admin.POST("/rig/rounds", adminHandler.ArmRounds)
			admin.POST("/rig/off", adminHandler.DisableRig)
			admin.POST("/seed/rotate", adminHandler.RotateSeed)
		}
	}

	port := cfg.Port
	if port == "" {
		port = "8080"
	}

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: router,
	}

	go func() {
		log.Info().Str("port", port).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown failed")
	}

	<-schedulerDone
	ledgerCtx, cancelLedger := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelLedger()
	if err := ledger.Close(ledgerCtx); err != nil {
		log.Error().Err(err).Msg("wallet operations left unapplied")
	}
	stopPersister()
	<-persister.Done()
}
