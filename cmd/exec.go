package cmd

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pocketbase/dbx"
	"github.com/pocketbase/pocketbase"
	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/plugins/migratecmd"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	pubnub "github.com/pubnub/go"
	"github.com/shopspring/decimal"

	"cashin-system/config"
	"cashin-system/internal/gateway/natcash"
	"cashin-system/internal/handlers"
	"cashin-system/internal/services"
	"cashin-system/internal/session"
	_ "cashin-system/migrations"
	"cashin-system/monitoring"
	"cashin-system/security"
	"cashin-system/utils"
)

func Start() error {
	app := pocketbase.New()

	// Load configuration
	cfg := config.LoadConfig()

	// Initialize Redis
	redisClient := utils.NewRedisClient(cfg.RedisURL)
	defer redisClient.Close()

	// Initialize PubNub (outbound notifications)
	pnConfig := pubnub.NewConfig()
	pnConfig.PublishKey = cfg.PubNubPublishKey
	pnConfig.SubscribeKey = cfg.PubNubSubscribeKey
	pnConfig.SecretKey = cfg.PubNubSecretKey

	pn := pubnub.NewPubNub(pnConfig)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize the payment gateway (signed REST + status pushes)
	gateway, err := natcash.New(ctx, &cfg.NatcashConfig)
	if err != nil {
		return err
	}

	// Initialize services
	store := session.NewStore()
	paymentService := services.NewPaymentService(
		redisClient,
		services.NewPubNubPublisher(pn),
		gateway,
		store,
		cfg.PaymentTimeout,
		cfg.ExpiryTick,
	)

	// Initialize handlers
	rateLimiter := security.NewRateLimiter(redisClient)
	paymentHandler := handlers.NewPaymentHandler(app, paymentService, rateLimiter)

	// Persist terminal outcomes to the transactions collection.
	paymentService.OnTerminal(func(st session.Status, sess session.Session) {
		paymentHandler.PersistTransaction(sess.PaymentID)
	})

	// Enable migrations
	migratecmd.MustRegister(app, app.RootCmd, migratecmd.Config{
		Automigrate: true,
	})

	if cfg.EnableMetrics {
		monitoring.NewMonitor(redisClient)
	}

	// Setup graceful shutdown
	go handleShutdown(cancel)

	app.OnServe().BindFunc(func(e *core.ServeEvent) error {
		go restoreSessions(ctx, app, paymentService)

		// Cash-in endpoints
		e.Router.POST("/api/v1/cashin/request", paymentHandler.RequestCashin)
		e.Router.POST("/api/v1/cashin/{paymentId}/retry", paymentHandler.RetryCashin)
		e.Router.POST("/api/v1/cashin/{paymentId}/confirm", paymentHandler.ConfirmCashin)
		e.Router.POST("/api/v1/cashin/{paymentId}/reject", paymentHandler.RejectCashin)

		// QR payment endpoints
		e.Router.POST("/api/v1/payment/init", paymentHandler.InitPayment)
		e.Router.GET("/api/v1/payment/{paymentId}", paymentHandler.GetPaymentDetails)
		e.Router.GET("/api/v1/payment/{paymentId}/status", paymentHandler.CheckPaymentStatus)

		// Test endpoint for payment simulation
		if cfg.Environment == "development" {
			e.Router.POST("/api/v1/test/simulate-payment", paymentHandler.SimulatePayment)
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

		return e.Next()
	})

	// Start server
	if err := app.Start(); err != nil {
		log.Fatal(err)
	}
	return nil
}

// restoreSessions re-registers non-terminal transactions after a
// restart. Remaining validity comes from the stored absolute
// initiation time, so sessions whose window lapsed while the process
// was down expire immediately.
func restoreSessions(ctx context.Context, app *pocketbase.PocketBase, paymentService *services.PaymentService) {
	records, err := app.FindRecordsByFilter(
		"transactions",
		"status != {:success} && status != {:failed} && status != {:expired}",
		"-created",
		0,
		0,
		dbx.Params{"success": "SUCCESS", "failed": "FAILED", "expired": "EXPIRED"},
	)
	if err != nil {
		slog.Error("restore: fetching open transactions failed", "error", err)
		return
	}

	restored := 0
	for _, record := range records {
		st, ok := session.ParseStatus(record.GetString("status"))
		if !ok {
			continue
		}

		sess := &session.Session{
			PaymentID:         record.GetString("payment_id"),
			RequestID:         record.GetString("request_id"),
			TxID:              record.GetString("tx_id"),
			FromAccountNumber: record.GetString("from_account"),
			ToAccountNumber:   record.GetString("to_account"),
			Amount:            parseDecimal(record.GetString("amount")),
			Fee:               parseDecimal(record.GetString("fee")),
			Discount:          parseDecimal(record.GetString("discount")),
			Commission:        parseDecimal(record.GetString("commission")),
			TotalAmount:       parseDecimal(record.GetString("total_amount")),
			Content:           record.GetString("content"),
			QRCode:            record.GetString("qr_code"),
			CreatedAt:         record.GetDateTime("initiated_at").Time(),
			ExpiresIn:         time.Duration(record.GetInt("expires_in_seconds")) * time.Second,
			Status:            st,
		}

		paymentService.Restore(ctx, sess)
		restored++
	}

	slog.Info("restored open payment sessions", "count", restored)
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// handleShutdown handles graceful shutdown
func handleShutdown(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	<-sigChan
	log.Println("Shutdown signal received, cleaning up...")
	cancel()
}
