package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echoMiddleware "github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"waresync/internal/archive"
	"waresync/internal/config"
	"waresync/internal/connectivity"
	"waresync/internal/gateway"
	"waresync/internal/handlers"
	"waresync/internal/importer"
	"waresync/internal/localstore"
	"waresync/internal/middleware"
	"waresync/internal/models"
	"waresync/internal/queue"
	syncsvc "waresync/internal/sync"
	"waresync/pkg/database"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	ctx := context.Background()

	// Local cache. Opens even when the remote store is down.
	store, err := localstore.Open(cfg.CachePath, localstore.SchemaVersion, localstore.Collections(), logger)
	if err != nil {
		logger.Fatal("open local store", zap.Error(err))
	}
	defer store.Close()

	gw, cleanup, err := openGateway(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("open remote gateway", zap.Error(err))
	}
	defer cleanup()

	// Start from whatever the first ping says; the trigger keeps probing.
	online := gw.Ping(ctx) == nil
	monitor := connectivity.NewMonitor(online)
	q := queue.New(store, logger)

	policy := models.NegativeStockReject
	if cfg.NegativeStockAllowed {
		policy = models.NegativeStockAllowFlagged
	}
	hub := syncsvc.NewHub(store, gw, q, monitor, logger, syncsvc.Options{
		RemoteTimeout: cfg.RemoteTimeout,
		NegativeStock: policy,
	})
	defer hub.Close()

	trigger, err := connectivity.NewTrigger(monitor, gw, func(ctx context.Context) {
		if _, err := hub.Drain(ctx); err != nil {
			logger.Warn("queue drain failed", zap.Error(err))
		}
	}, cfg.PingInterval, cfg.PingInitialDelay, logger)
	if err != nil {
		logger.Fatal("connectivity trigger", zap.Error(err))
	}
	trigger.Start()
	defer trigger.Stop()

	// Change feeds keep the cache warm for every entity.
	subscribeAll(ctx, hub, logger)

	objectStore, err := archive.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioUseSSL)
	if err != nil {
		logger.Fatal("object store", zap.Error(err))
	}
	documents := archive.New(objectStore, hub.Shipments, cfg.MinioBucket, logger)
	bulkImporter := importer.New(hub.Products, hub.Transactions, logger)

	e := echo.New()
	e.HideBanner = true
	e.Use(echoMiddleware.Logger())
	e.Use(echoMiddleware.Recover())
	e.Use(echoMiddleware.CORS())
	e.Use(echoMiddleware.RemoveTrailingSlash())

	registerRoutes(e, cfg, hub, gw, documents, bulkImporter)

	go func() {
		if err := e.Start(cfg.HTTPAddr); err != nil {
			logger.Info("http server stopped", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
}

// openGateway picks the remote flavor from config. Postgres pairs with Redis
// pub/sub for the change feed; Mongo uses its own change streams.
func openGateway(ctx context.Context, cfg *config.Config, logger *zap.Logger) (gateway.RemoteGateway, func(), error) {
	switch cfg.Backend {
	case config.BackendMongo:
		client, err := database.NewMongoClient(ctx, cfg.MongoURI)
		if err != nil {
			return nil, nil, err
		}
		gw := gateway.NewMongoGateway(client.Database(cfg.MongoDB), logger)
		return gw, func() { _ = client.Disconnect(context.Background()) }, nil
	default:
		pool, err := database.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		rdb := database.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		gw := gateway.NewPostgresGateway(pool, rdb, logger)
		cleanup := func() {
			_ = rdb.Close()
			pool.Close()
		}
		return gw, cleanup, nil
	}
}

func subscribeAll(ctx context.Context, hub *syncsvc.Hub, logger *zap.Logger) {
	onEvent := func(ev models.SyncEvent) {
		if ev.Kind == models.SyncEventFailed {
			logger.Warn("change feed merge failed", zap.String("reason", ev.Reason))
		}
	}
	if err := hub.Products.ListenToChanges(ctx, onEvent); err != nil {
		logger.Warn("product change feed unavailable", zap.Error(err))
	}
	if err := hub.Inventory.ListenToChanges(ctx, onEvent); err != nil {
		logger.Warn("inventory change feed unavailable", zap.Error(err))
	}
	if err := hub.Transactions.ListenToChanges(ctx, onEvent); err != nil {
		logger.Warn("transaction change feed unavailable", zap.Error(err))
	}
	if err := hub.Shipments.ListenToChanges(ctx, onEvent); err != nil {
		logger.Warn("shipment change feed unavailable", zap.Error(err))
	}
}

func registerRoutes(e *echo.Echo, cfg *config.Config, hub *syncsvc.Hub,
	gw gateway.RemoteGateway, documents *archive.Archive, bulkImporter *importer.Importer) {

	healthHandlers := handlers.NewHealthHandlers(gw, hub)
	e.GET("/health", healthHandlers.HealthCheck)
	e.GET("/health/live", healthHandlers.LivenessCheck)

	v1 := e.Group("/v1")
	v1.Use(middleware.JWTMiddleware(cfg.JWTSecret))

	productHandlers := handlers.NewProductHandlers(hub.Products)
	v1.GET("/products", productHandlers.ListProducts)
	v1.POST("/products", productHandlers.CreateProduct)
	v1.GET("/products/:code", productHandlers.GetProduct)
	v1.PUT("/products/:id", productHandlers.UpdateProduct)
	v1.DELETE("/products/:id", productHandlers.DeleteProduct)

	inventoryHandlers := handlers.NewInventoryHandlers(hub.Inventory)
	v1.GET("/inventory", inventoryHandlers.ListAggregates)
	v1.GET("/inventory/:code", inventoryHandlers.GetAggregate)
	v1.GET("/inventory/:code/batches", inventoryHandlers.ListBatches)
	v1.GET("/warehouses", inventoryHandlers.ListWarehouses)

	transactionHandlers := handlers.NewTransactionHandlers(hub.Transactions)
	v1.GET("/transactions", transactionHandlers.ListTransactions)
	v1.POST("/transactions/inbound", transactionHandlers.InboundStock)
	v1.POST("/transactions/outbound", transactionHandlers.OutboundStock)
	v1.POST("/transactions/outbound/:inventoryId", transactionHandlers.OutboundByInventoryID)
	v1.POST("/transactions/transfer", transactionHandlers.Transfer)

	shipmentHandlers := handlers.NewShipmentHandlers(hub.Shipments, documents)
	v1.GET("/shipments", shipmentHandlers.ListShipments)
	v1.POST("/shipments", shipmentHandlers.CreateShipment)
	v1.GET("/shipments/:id", shipmentHandlers.GetShipment)
	v1.PATCH("/shipments/:id/status", shipmentHandlers.UpdateShipmentStatus)
	v1.POST("/shipments/:id/document", shipmentHandlers.UploadDocument)
	v1.GET("/shipments/:id/document", shipmentHandlers.GetDocumentURL)

	importHandlers := handlers.NewImportHandlers(bulkImporter)
	v1.POST("/import", importHandlers.ImportCSV)

	syncHandlers := handlers.NewSyncHandlers(hub)
	v1.GET("/sync/status", syncHandlers.Status)
	v1.POST("/sync/drain", syncHandlers.Drain)
}
