package routes

import (
	"example.com/backstage/services/registry/api/handlers"
	"example.com/backstage/services/registry/internal/models"
	"example.com/backstage/services/registry/internal/service"
	"example.com/backstage/services/registry/internal/view"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// SetupRoutes sets up the registry routes
func SetupRoutes(r *gin.Engine, svc service.Service, health *handlers.HealthHandler, log *logrus.Logger) {
	r.GET("/health", health.HealthCheck)

	api := r.Group("/api/v1")
	api.GET("/stats", health.Stats)

	// generic surface; the kind comes from the request
	registerDeviceRoutes(api.Group("/devices"), handlers.NewDeviceHandler(svc, "", log))

	// one surface per kind
	for _, kind := range models.Kinds {
		registerDeviceRoutes(api.Group("/"+string(kind)+"/devices"), handlers.NewDeviceHandler(svc, kind, log))
	}
}

func registerDeviceRoutes(devices *gin.RouterGroup, h *handlers.DeviceHandler) {
	devices.POST("", h.RegisterDevice)
	devices.GET("", h.ListDevices)
	devices.GET("/:id", h.GetDevice)
	devices.PUT("/:id", h.UpdateDevice)
	devices.PATCH("/:id", h.UpdateDevice)
	devices.DELETE("/:id", h.DeleteDevice)

	devices.POST("/:id/data", h.SaveData)
	devices.GET("/:id/data", h.ListData)
	devices.GET("/:id/data/latest", h.LatestData)
}

// SetupMonitorRoutes sets up the secondary view query routes
func SetupMonitorRoutes(r *gin.Engine, store view.Store, health *handlers.HealthHandler, log *logrus.Logger) {
	r.GET("/health", health.HealthCheck)

	api := r.Group("/api/v1")
	api.GET("/stats", health.Stats)

	h := handlers.NewViewHandler(store, log)
	views := api.Group("/view")
	{
		views.GET("/device-ids", h.DeviceIDs)
		views.GET("/temperature", h.Temperature)
		views.GET("/host-ips", h.HostIPs)
		views.GET("/host-data", h.HostData)
		views.GET("/collections/:collection", h.Find)
		views.GET("/collections/:collection/distinct/:field", h.Distinct)
	}
}
