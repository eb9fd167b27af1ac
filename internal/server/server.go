package server

import (
	"context"
	"log"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"crashd/internal/balance"
	"crashd/internal/config"
	"crashd/internal/database"
	"crashd/internal/fair"
	"crashd/internal/game"
	"crashd/internal/notify"
	"crashd/internal/store"
)

type FiberServer struct {
	*fiber.App

	cfg     *config.Config
	db      database.Service
	store   *store.Store
	balance balance.Service
	fair    *fair.Engine
	emitter *game.Emitter
	manager *game.Manager
	hub     *game.Hub
}

func New() *FiberServer {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[SERVER] invalid configuration: %v", err)
	}

	db := database.New()

	bal := balance.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.AssetScale)
	if bal == nil {
		log.Fatal("[SERVER] Redis is required for the balance collaborator")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	st, err := store.New(ctx, cfg.DatabaseURL())
	if err != nil {
		log.Fatalf("[SERVER] round archive is required: %v", err)
	}

	// Settle the previous process's debris before any new round opens:
	// non-terminal rounds are voided and their reservations released.
	if voided, err := st.RecoverStale(ctx, bal); err != nil {
		log.Fatalf("[SERVER] recovery failed: %v", err)
	} else if voided > 0 {
		log.Printf("[SERVER] recovered %d stale rounds", voided)
	}

	startNonce, err := st.MaxNonce(ctx)
	if err != nil {
		log.Fatalf("[SERVER] reading nonce high-water mark: %v", err)
	}

	fairEngine := fair.New(cfg.HouseEdge, cfg.MaxMultiplier)
	emitter := game.NewEmitter()
	hub := game.NewHub()

	manager := game.NewManager(game.Params{
		Asset:         cfg.Asset,
		AssetScale:    cfg.AssetScale,
		MinBet:        cfg.MinBet,
		MaxBet:        cfg.MaxBet,
		TickInterval:  cfg.TickInterval,
		BettingWindow: cfg.BettingWindow,
		Countdown:     cfg.Countdown,
		Cooldown:      cfg.Cooldown,
		GrowthCoeff:   cfg.GrowthCoeff,
		GrowthExp:     cfg.GrowthExp,
	}, fairEngine, bal, emitter, st, game.RealClock(), startNonce)

	server := &FiberServer{
		App: fiber.New(fiber.Config{
			ServerHeader:  "crashd",
			AppName:       "crashd",
			ReadTimeout:   10 * time.Second,
			WriteTimeout:  10 * time.Second,
			IdleTimeout:   120 * time.Second,
			StrictRouting: false,
		}),

		cfg:     cfg,
		db:      db,
		store:   st,
		balance: bal,
		fair:    fairEngine,
		emitter: emitter,
		manager: manager,
		hub:     hub,
	}

	server.App.Use(recover.New())
	server.App.Use(limiter.New(limiter.Config{
		Max:        100,
		Expiration: 1 * time.Minute,
	}))

	// Consumers first, so the opening round's events are not dropped.
	go hub.Run()
	go hub.ConsumeEvents(emitter.Subscribe(256))
	go st.Consume(emitter.Subscribe(1024))
	go notify.New(hub).Consume(emitter.Subscribe(256))
	manager.Start()

	log.Println("[SERVER] game loop started")

	return server
}

// Port reports the configured listen port.
func (s *FiberServer) Port() int {
	return s.cfg.Port
}

// Shutdown stops the game loop first (voiding or settling the live round),
// then tears down the fan-out and connections.
func (s *FiberServer) Shutdown() error {
	log.Println("[SERVER] shutting down...")

	if s.manager != nil {
		s.manager.Stop()
	}
	if s.emitter != nil {
		s.emitter.Close()
	}
	if s.balance != nil {
		s.balance.Close()
	}
	if s.store != nil {
		s.store.Close()
	}
	if s.db != nil {
		s.db.Close()
	}

	return nil
}
