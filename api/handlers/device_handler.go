package handlers

import (
	"net/http"

	"example.com/backstage/services/registry/internal/models"
	"example.com/backstage/services/registry/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// DeviceHandler handles device-related requests. A handler bound to a kind
// only sees devices of that kind.
type DeviceHandler struct {
	service service.Service
	log     *logrus.Logger
	kind    models.Kind
}

// NewDeviceHandler creates a new DeviceHandler instance; kind may be empty
func NewDeviceHandler(svc service.Service, kind models.Kind, log *logrus.Logger) *DeviceHandler {
	return &DeviceHandler{
		service: svc,
		log:     log,
		kind:    kind,
	}
}

// RegisterDevice handles device registration
func (h *DeviceHandler) RegisterDevice(c *gin.Context) {
	var input service.RegisterInput
	if err := c.ShouldBindJSON(&input); err != nil {
		h.log.WithError(err).Warn("Invalid device format")
		WriteError(c, h.log, NewValidationError("Invalid device format"))
		return
	}

	record, err := h.service.Register(c.Request.Context(), h.kind, input)
	if err != nil {
		WriteError(c, h.log, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"message": service.RegisteredMessage,
		"device":  record,
	})
}

// GetDevice returns a device with its latest sample
func (h *DeviceHandler) GetDevice(c *gin.Context) {
	record, err := h.service.Get(c.Request.Context(), h.kind, c.Param("id"))
	if err != nil {
		WriteError(c, h.log, err)
		return
	}

	c.JSON(http.StatusOK, record)
}

// ListDevices handles listing devices, optionally filtered by ?kind=
func (h *DeviceHandler) ListDevices(c *gin.Context) {
	kind := h.kind
	if q := c.Query("kind"); q != "" && kind == "" {
		parsed, ok := models.ParseKind(q)
		if !ok {
			WriteError(c, h.log, NewValidationError("Invalid device kind"))
			return
		}
		kind = parsed
	}

	records, err := h.service.List(c.Request.Context(), kind)
	if err != nil {
		WriteError(c, h.log, err)
		return
	}

	c.JSON(http.StatusOK, records)
}

// UpdateDevice applies a partial update
func (h *DeviceHandler) UpdateDevice(c *gin.Context) {
	var input service.UpdateInput
	if err := c.ShouldBindJSON(&input); err != nil {
		WriteError(c, h.log, NewValidationError("Invalid request format"))
		return
	}

	record, err := h.service.Update(c.Request.Context(), h.kind, c.Param("id"), input)
	if err != nil {
		WriteError(c, h.log, err)
		return
	}

	c.JSON(http.StatusOK, record)
}

// DeleteDevice removes a device and its telemetry
func (h *DeviceHandler) DeleteDevice(c *gin.Context) {
	if err := h.service.Delete(c.Request.Context(), h.kind, c.Param("id")); err != nil {
		WriteError(c, h.log, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Device deleted successfully",
	})
}

// SaveData stores one telemetry sample
func (h *DeviceHandler) SaveData(c *gin.Context) {
	var input service.SampleInput
	if err := c.ShouldBindJSON(&input); err != nil {
		WriteError(c, h.log, NewValidationError("Invalid telemetry format"))
		return
	}

	sample, err := h.service.SaveData(c.Request.Context(), h.kind, c.Param("id"), input)
	if err != nil {
		WriteError(c, h.log, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"message": "Data saved successfully",
		"data":    sample,
	})
}

// ListData returns the device's samples, newest first
func (h *DeviceHandler) ListData(c *gin.Context) {
	samples, err := h.service.ListData(c.Request.Context(), h.kind, c.Param("id"))
	if err != nil {
		WriteError(c, h.log, err)
		return
	}

	c.JSON(http.StatusOK, samples)
}

// LatestData returns the device's newest sample
func (h *DeviceHandler) LatestData(c *gin.Context) {
	sample, err := h.service.LatestData(c.Request.Context(), h.kind, c.Param("id"))
	if err != nil {
		WriteError(c, h.log, err)
		return
	}

	c.JSON(http.StatusOK, sample)
}
