package cmd

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"tickethub/config"
	"tickethub/internal/handlers"
	"tickethub/internal/services"
	"tickethub/monitoring"
	"tickethub/security"
	"tickethub/utils"

	"github.com/pocketbase/pocketbase"
	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/plugins/migratecmd"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	pubnub "github.com/pubnub/go"

	_ "tickethub/migrations"
)

func Start() error {
	app := pocketbase.New()

	// Load configuration
	cfg := config.LoadConfig()

	// Initialize Redis
	redisClient := utils.NewRedisClient(cfg)
	defer redisClient.Close()

	// Initialize PubNub
	pnConfig := pubnub.NewConfig()
	pnConfig.PublishKey = cfg.PubNubPublishKey
	pnConfig.SubscribeKey = cfg.PubNubSubscribeKey
	pnConfig.SecretKey = cfg.PubNubSecretKey

	pn := pubnub.NewPubNub(pnConfig)

	// Initialize metrics collection
	monitor := monitoring.NewMonitor(redisClient, cfg.MetricsInterval)
	if cfg.EnableMetrics {
		monitor.Start()
	}

	// Initialize services
	archiver := services.NewPBArchiver(app)
	notifier := services.LogNotifier{}
	capacityService := services.NewCapacityService(redisClient, cfg)
	ticketService := services.NewTicketService(redisClient, pn, cfg, archiver, notifier, monitor)
	verifyService := services.NewVerifyService(redisClient, pn, archiver, monitor)
	groupBuyService := services.NewGroupBuyService(redisClient, pn, cfg, capacityService, ticketService, archiver, notifier, monitor)
	bootstrap := services.NewBootstrap(app, redisClient, capacityService)

	// Initialize handlers
	eventHandler := handlers.NewEventHandler(app, capacityService)
	ticketHandler := handlers.NewTicketHandler(app, capacityService, ticketService)
	scanHandler := handlers.NewScanHandler(app, verifyService)
	groupBuyHandler := handlers.NewGroupBuyHandler(app, groupBuyService)
	webhookHandler := handlers.NewWebhookHandler(app, groupBuyService, cfg, monitor)
	adminHandler := handlers.NewAdminHandler(app, capacityService, ticketService, groupBuyService)

	rateLimiter := security.NewRateLimiter(redisClient, cfg.ScanRateLimit, cfg.ScanRateWindow)

	// Enable migrations
	migratecmd.MustRegister(app, app.RootCmd, migratecmd.Config{
		Automigrate: true,
	})

	// Start background workers
	groupBuyService.StartSweeper()

	// Setup graceful shutdown
	go handleShutdown(groupBuyService, monitor)

	app.OnServe().BindFunc(func(e *core.ServeEvent) error {
		ctx := context.Background()
		bootstrap.SeedPools(ctx)
		go bootstrap.Restore(ctx)

		// Public catalog
		e.Router.GET("/api/v1/events", eventHandler.ListEvents)
		e.Router.GET("/api/v1/events/{eventId}", eventHandler.GetEvent)

		// Purchase endpoints
		e.Router.POST("/api/v1/purchases", ticketHandler.Purchase)
		e.Router.GET("/api/v1/tickets/{ticketId}", ticketHandler.GetTicket)

		// Gate verification
		e.Router.POST("/api/v1/scans/verify", scanHandler.Verify).
			BindFunc(security.ScannerAuth(app), rateLimiter.ScanRateLimit())

		// Group buy endpoints
		e.Router.POST("/api/v1/group-buys", groupBuyHandler.Create)
		e.Router.GET("/api/v1/group-buys/{sessionId}", groupBuyHandler.GetProgress)

		// Payment gateway callback
		e.Router.POST("/api/v1/payments/webhook", webhookHandler.HandleWebhook)

		// Organizer endpoints
		e.Router.GET("/api/v1/admin/capacity/{eventId}", adminHandler.GetCapacity)
		e.Router.GET("/api/v1/admin/group-buys", adminHandler.ListGroupBuys)
		e.Router.POST("/api/v1/admin/tickets/{ticketId}/void", adminHandler.VoidTicket)

		// Test endpoint for webhook simulation
		if cfg.Environment == "development" {
			e.Router.POST("/api/v1/test/simulate-webhook", webhookHandler.SimulateWebhook)
		}

		if cfg.EnableMetrics {
			e.Router.GET("/metrics", apis.WrapStdHandler(promhttp.Handler()))
		}

		// Health check
		e.Router.GET("/health", func(e *core.RequestEvent) error {
			if err := utils.RedisHealthCheck(redisClient); err != nil {
				return e.JSON(503, map[string]string{
					"status": "unhealthy",
					"error":  err.Error(),
				})
			}
			return e.JSON(200, map[string]string{"status": "healthy"})
		})

		log.Println("Server routes registered")

		setupTierHooks(app, capacityService)

		return e.Next()
	})

	// Start server
	if err := app.Start(); err != nil {
		log.Fatal(err)
	}
	return nil
}

// setupTierHooks keeps Redis capacity pools in step with tier records. The
// save itself runs first; pool sync happens after e.Next() so a failed save
// never leaks a pool.
func setupTierHooks(app *pocketbase.PocketBase, capacityService *services.CapacityService) {
	app.OnRecordCreateRequest("tiers").BindFunc(func(e *core.RecordRequestEvent) error {
		if err := e.Next(); err != nil {
			return err
		}

		ctx := e.Request.Context()
		if err := capacityService.SeedPool(ctx,
			e.Record.GetString("event"),
			e.Record.Id,
			e.Record.GetInt("quantity"),
			e.Record.GetInt("sold"),
		); err != nil {
			// the mirror row exists; the pool shows up on the next boot seed
			log.Printf("Error seeding pool for new tier %s: %v", e.Record.Id, err)
		}
		return nil
	})

	app.OnRecordUpdateRequest("tiers").BindFunc(func(e *core.RecordRequestEvent) error {
		if err := e.Next(); err != nil {
			return err
		}

		ctx := e.Request.Context()
		if err := capacityService.SeedPool(ctx,
			e.Record.GetString("event"),
			e.Record.Id,
			e.Record.GetInt("quantity"),
			e.Record.GetInt("sold"),
		); err != nil {
			log.Printf("Error syncing pool for tier %s: %v", e.Record.Id, err)
		}
		return nil
	})

	app.OnRecordDeleteRequest("tiers").BindFunc(func(e *core.RecordRequestEvent) error {
		eventID := e.Record.GetString("event")
		tierID := e.Record.Id

		if err := e.Next(); err != nil {
			return err
		}

		if err := capacityService.DropPool(e.Request.Context(), eventID, tierID); err != nil {
			log.Printf("Error dropping pool for deleted tier %s: %v", tierID, err)
		}
		return nil
	})
}

// handleShutdown stops background workers on SIGINT/SIGTERM. PocketBase
// closes the HTTP server on the same signal.
func handleShutdown(groupBuyService *services.GroupBuyService, monitor *monitoring.Monitor) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	<-sigChan
	log.Println("Shutdown signal received, cleaning up...")
	groupBuyService.Shutdown()
	monitor.Shutdown()
}
