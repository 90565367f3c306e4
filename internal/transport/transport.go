package transport

import (
	"net/http"
	"time"

	"github.com/ds124wfegd/playverse/internal/transport/middleware"
	"github.com/gin-gonic/gin"
)

type RouterConfig struct {
	AdminToken     string
	RequestTimeout time.Duration
	Version        string
}

func InitRoutes(eventHandler *EventHandler, bookingHandler *BookingHandler, cfg RouterConfig) *gin.Engine {
	router := gin.New()

	// Middleware
	router.Use(gin.Recovery())
	router.Use(middleware.CORS())
	router.Use(middleware.Logger())
	router.Use(middleware.Timeout(cfg.RequestTimeout))

	admin := middleware.AdminAuth(cfg.AdminToken)

	events := router.Group("/api/events")
	{
		// Public routes
		events.GET("", eventHandler.ListEvents)
		events.GET("/:id", eventHandler.GetEvent)
		events.POST("/:id/book", bookingHandler.InitiateBooking)

		// Gateway callbacks
		events.POST("/webhook/:gateway", bookingHandler.Webhook)
		events.POST("/payu/success", bookingHandler.PayUReturn)
		events.POST("/payu/failure", bookingHandler.PayUReturn)
		events.POST("/return/:gateway", bookingHandler.Return)
		events.GET("/return/:gateway", bookingHandler.Return)

		// Admin routes
		events.POST("/add-event", admin, eventHandler.CreateEvent)
		events.POST("/upload", admin, eventHandler.UploadEvents)
		events.GET("/excel", admin, eventHandler.DownloadExcel)
		events.PUT("/:id", admin, eventHandler.UpdateEvent)
		events.DELETE("/:id", admin, eventHandler.DeleteEvent)
		events.GET("/:id/successful-payments", admin, eventHandler.SuccessfulPayments)
		events.POST("/:id/send-confirmation", admin, eventHandler.SendConfirmation)
		events.POST("/:id/send-cancellation", admin, eventHandler.SendCancellation)
		events.GET("/today/by-venue", admin, eventHandler.TodayByVenue)
		events.GET("/today/report", admin, eventHandler.DailyReport)
	}

	// Health check
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"version":   cfg.Version,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	})

	return router
}
