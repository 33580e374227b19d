package api

import (
	"log"

	"github.com/gin-gonic/gin"

	"github.com/backapp/backapp/internal/api/handlers"
	"github.com/backapp/backapp/internal/api/middleware"
	"github.com/backapp/backapp/internal/backup"
	"github.com/backapp/backapp/internal/config"
	"github.com/backapp/backapp/internal/logging"
	"github.com/backapp/backapp/internal/metrics"
	"github.com/backapp/backapp/internal/notification"
	"github.com/backapp/backapp/internal/store"
	"github.com/backapp/backapp/internal/websocket"
)

// Deps groups the services the router exposes
type Deps struct {
	Config        *config.Config
	Store         *store.Store
	Orchestrator  *backup.Orchestrator
	Scheduler     *backup.Scheduler
	Mover         *backup.Mover
	Usage         *backup.UsageService
	Reconciler    *backup.Reconciler
	Tester        handlers.ConnectionTester
	Notifications *notification.Service
	Hub           *websocket.Hub
	Metrics       *metrics.Collector
	Activity      *logging.ActivityLogger
}

// SetupRouter configures and returns the HTTP router
func SetupRouter(d Deps) *gin.Engine {
	cfg := d.Config
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else if gin.Mode() != gin.TestMode {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := handlers.RegisterValidators(); err != nil {
		log.Printf("[API] Failed to register validators: %v", err)
	}

	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(middleware.Logger())
	router.Use(middleware.CORS(cfg.Security.CORS))
	router.Use(middleware.RateLimit(cfg.Security.RateLimit.Enabled, cfg.Security.RateLimit.RequestsPerMinute))
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.ContentSecurityPolicy(cfg.Logging.Level == "debug"))

	serverHandler := handlers.NewServerHandler(d.Store, d.Orchestrator, d.Tester)
	storageHandler := handlers.NewStorageHandler(d.Store, d.Orchestrator, d.Mover, d.Usage, d.Scheduler, d.Activity)
	namingHandler := handlers.NewNamingRuleHandler(d.Store)
	profileHandler := handlers.NewProfileHandler(d.Store, d.Orchestrator, d.Scheduler, d.Activity)
	runHandler := handlers.NewRunHandler(d.Store, d.Orchestrator, d.Reconciler, d.Hub, cfg.Security.CORS, d.Activity)
	fileHandler := handlers.NewFileHandler(d.Store, d.Orchestrator, d.Activity)

	v1 := router.Group("/api/v1")
	{
		servers := v1.Group("/servers")
		{
			servers.GET("", serverHandler.ListServers)
			servers.POST("", serverHandler.CreateServer)
			servers.GET("/:id", serverHandler.GetServer)
			servers.PUT("/:id", serverHandler.UpdateServer)
			servers.DELETE("/:id", serverHandler.DeleteServer)
			servers.GET("/:id/deletion-impact", serverHandler.DeletionImpact)
			servers.POST("/:id/test-connection", serverHandler.TestConnection)
		}

		storage := v1.Group("/storage-locations")
		{
			storage.GET("", storageHandler.ListStorageLocations)
			storage.POST("", storageHandler.CreateStorageLocation)
			storage.GET("/:id", storageHandler.GetStorageLocation)
			storage.PUT("/:id", storageHandler.UpdateStorageLocation)
			storage.DELETE("/:id", storageHandler.DeleteStorageLocation)
			storage.GET("/:id/move-impact", storageHandler.MoveImpact)
			storage.GET("/:id/deletion-impact", storageHandler.DeletionImpact)
			storage.GET("/:id/usage", storageHandler.GetUsage)
			storage.POST("/:id/test-connection", storageHandler.TestConnection)
		}
		v1.GET("/storage-usage", storageHandler.AllUsage)

		naming := v1.Group("/naming-rules")
		{
			naming.GET("", namingHandler.ListNamingRules)
			naming.POST("", namingHandler.CreateNamingRule)
			naming.POST("/translate", namingHandler.Translate)
			naming.GET("/:id", namingHandler.GetNamingRule)
			naming.PUT("/:id", namingHandler.UpdateNamingRule)
			naming.DELETE("/:id", namingHandler.DeleteNamingRule)
		}

		profiles := v1.Group("/backup-profiles")
		{
			profiles.GET("", profileHandler.ListProfiles)
			profiles.POST("", profileHandler.CreateProfile)
			profiles.GET("/:id", profileHandler.GetProfile)
			profiles.PUT("/:id", profileHandler.UpdateProfile)
			profiles.DELETE("/:id", profileHandler.DeleteProfile)
			profiles.POST("/:id/duplicate", profileHandler.DuplicateProfile)
			profiles.GET("/:id/deletion-impact", profileHandler.DeletionImpact)
			profiles.POST("/:id/execute", profileHandler.Execute)
			profiles.POST("/:id/run", profileHandler.Run)

			profiles.GET("/:id/commands", profileHandler.ListCommands)
			profiles.POST("/:id/commands", profileHandler.CreateCommand)
			profiles.PUT("/commands/:cmdId", profileHandler.UpdateCommand)
			profiles.DELETE("/commands/:cmdId", profileHandler.DeleteCommand)

			profiles.GET("/:id/file-rules", profileHandler.ListFileRules)
			profiles.POST("/:id/file-rules", profileHandler.CreateFileRule)
			profiles.PUT("/file-rules/:ruleId", profileHandler.UpdateFileRule)
			profiles.DELETE("/file-rules/:ruleId", profileHandler.DeleteFileRule)
		}

		runs := v1.Group("/backup-runs")
		{
			runs.GET("", runHandler.ListRuns)
			runs.GET("/:id", runHandler.GetRun)
			runs.DELETE("/:id", runHandler.DeleteRun)
			runs.GET("/:id/files", runHandler.ListFiles)
			runs.GET("/:id/logs", runHandler.GetLogs)
			runs.GET("/:id/deletion-impact", runHandler.DeletionImpact)
			runs.POST("/:id/cancel", runHandler.CancelRun)
			runs.POST("/:id/reconcile", runHandler.Reconcile)
			runs.GET("/:id/ws", runHandler.StreamLogs)
		}

		files := v1.Group("/backup-files")
		{
			files.GET("/:id", fileHandler.GetFile)
			files.DELETE("/:id", fileHandler.DeleteFile)
			files.GET("/:id/deletion-impact", fileHandler.DeletionImpact)
		}

		if d.Activity != nil {
			v1.GET("/activity", handlers.NewActivityHandler(d.Activity).ListActivity)
		}

		if d.Notifications != nil {
			notificationHandler := handlers.NewNotificationHandler(d.Notifications)
			notifications := v1.Group("/notifications")
			{
				notifications.GET("/vapid-public-key", notificationHandler.PublicKey)
				notifications.POST("/subscribe", notificationHandler.Subscribe)
				notifications.POST("/unsubscribe", notificationHandler.Unsubscribe)
				notifications.GET("/preferences", notificationHandler.ListPreferences)
				notifications.POST("/preferences", notificationHandler.CreatePreference)
				notifications.PUT("/preferences/:id", notificationHandler.UpdatePreference)
				notifications.DELETE("/preferences/:id", notificationHandler.DeletePreference)
				notifications.POST("/test", notificationHandler.SendTest)
			}
		}
	}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	if d.Metrics != nil && cfg.Metrics.Enabled {
		path := cfg.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		router.GET(path, gin.WrapH(d.Metrics.Handler()))
	}

	return router
}
