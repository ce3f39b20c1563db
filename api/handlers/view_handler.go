package handlers

import (
	"net/http"
	"strings"

	"example.com/backstage/services/registry/internal/view"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// ViewHandler serves read queries against the secondary view
type ViewHandler struct {
	store view.Store
	log   *logrus.Logger
}

// NewViewHandler creates a new ViewHandler instance
func NewViewHandler(store view.Store, log *logrus.Logger) *ViewHandler {
	return &ViewHandler{store: store, log: log}
}

// DeviceIDs lists the sensors that reported telemetry
func (h *ViewHandler) DeviceIDs(c *gin.Context) {
	ids, err := h.store.Distinct(c.Request.Context(), view.CollectionSensorData, "device_id")
	if err != nil {
		WriteError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"device_ids": ids})
}

// Temperature returns the temperature series of one sensor
func (h *ViewHandler) Temperature(c *gin.Context) {
	deviceID := c.Query("device_id")
	if deviceID == "" {
		WriteError(c, h.log, NewValidationError("device_id is required"))
		return
	}

	docs, err := h.store.Find(c.Request.Context(), view.CollectionSensorData,
		view.Filter{"device_id": deviceID}, []string{"temperature", "timestamp"})
	if err != nil {
		WriteError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, docs)
}

// HostIPs lists the addresses reported by host agents
func (h *ViewHandler) HostIPs(c *gin.Context) {
	ips, err := h.store.Distinct(c.Request.Context(), view.CollectionHostData, "ip_address")
	if err != nil {
		WriteError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ip_addresses": ips})
}

// HostData returns host-agent reports, optionally for one device
func (h *ViewHandler) HostData(c *gin.Context) {
	docs, err := h.store.Find(c.Request.Context(), view.CollectionHostData, deviceFilter(c), nil)
	if err != nil {
		WriteError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, docs)
}

// Find queries any collection with ?device_id= and ?fields=a,b
func (h *ViewHandler) Find(c *gin.Context) {
	collection := c.Param("collection")
	if !view.ValidCollection(collection) {
		WriteError(c, h.log, &Error{Message: "Unknown collection", StatusCode: http.StatusNotFound, Code: "NOT_FOUND"})
		return
	}

	var fields []string
	if raw := c.Query("fields"); raw != "" {
		for _, f := range strings.Split(raw, ",") {
			if f = strings.TrimSpace(f); f != "" {
				fields = append(fields, f)
			}
		}
	}

	docs, err := h.store.Find(c.Request.Context(), collection, deviceFilter(c), fields)
	if err != nil {
		WriteError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, docs)
}

// Distinct lists the distinct values of a field in a collection
func (h *ViewHandler) Distinct(c *gin.Context) {
	collection := c.Param("collection")
	if !view.ValidCollection(collection) {
		WriteError(c, h.log, &Error{Message: "Unknown collection", StatusCode: http.StatusNotFound, Code: "NOT_FOUND"})
		return
	}

	values, err := h.store.Distinct(c.Request.Context(), collection, c.Param("field"))
	if err != nil {
		WriteError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"values": values})
}

func deviceFilter(c *gin.Context) view.Filter {
	if id := c.Query("device_id"); id != "" {
		return view.Filter{"device_id": id}
	}
	return nil
}
