package httpapi

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"iotquery/internal/device"
	"iotquery/internal/group"
	"iotquery/internal/reading"
)

// Handler serves the group API.
type Handler struct {
	group  *group.Group
	logger *zap.Logger
}

// NewHandler creates a handler for g.
func NewHandler(g *group.Group, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{group: g, logger: logger.Named("http")}
}

// NewApp builds a fiber app with all routes registered.
func NewApp(g *group.Group, logger *zap.Logger) *fiber.App {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          errorHandler,
	})
	NewHandler(g, logger).Register(app)
	return app
}

// Register mounts the routes on r.
func (h *Handler) Register(r fiber.Router) {
	v1 := r.Group("/v1")
	v1.Get("/devices", h.ListDevices)
	v1.Post("/devices", h.RegisterDevice)
	v1.Delete("/devices/:id", h.RemoveDevice)
	v1.Put("/devices/:id/temperature", h.RecordTemperature)
	v1.Get("/temperatures", h.QueryAllTemperatures)
	v1.Get("/stats", h.Stats)
}

type registerRequest struct {
	DeviceID string `json:"device_id"`
}

type recordRequest struct {
	RequestID int64    `json:"request_id"`
	Value     *float64 `json:"value"`
}

type temperaturesResponse struct {
	RequestID    int64                      `json:"request_id"`
	Temperatures map[string]reading.Reading `json:"temperatures"`
}

// ListDevices returns every device id in the group.
func (h *Handler) ListDevices(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"devices": h.group.Devices()})
}

// RegisterDevice starts a local device.
func (h *Handler) RegisterDevice(c *fiber.Ctx) error {
	var req registerRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if req.DeviceID == "" {
		return fiber.NewError(fiber.StatusBadRequest, "device_id cannot be empty")
	}

	if _, err := h.group.Register(req.DeviceID); err != nil {
		return err
	}
	h.logger.Info("device registered", zap.String("device", req.DeviceID))
	return c.Status(fiber.StatusCreated).JSON(req)
}

// RemoveDevice stops or detaches a device.
func (h *Handler) RemoveDevice(c *fiber.Ctx) error {
	if err := h.group.Remove(c.Params("id")); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// RecordTemperature writes a temperature to a device.
func (h *Handler) RecordTemperature(c *fiber.Ctx) error {
	var req recordRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if req.Value == nil {
		return fiber.NewError(fiber.StatusBadRequest, "value is required")
	}
	if req.RequestID == 0 {
		req.RequestID = h.group.NextRequestID()
	}

	if err := h.group.Record(c.UserContext(), c.Params("id"), req.RequestID, *req.Value); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// QueryAllTemperatures runs one group query.
func (h *Handler) QueryAllTemperatures(c *fiber.Ctx) error {
	requestID := h.group.NextRequestID()
	if raw := c.Query("request_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "request_id must be an integer")
		}
		requestID = id
	}

	resp, err := h.group.RequestAllTemperatures(c.UserContext(), requestID)
	if err != nil {
		return err
	}
	return c.JSON(temperaturesResponse{RequestID: resp.RequestID, Temperatures: resp.Temperatures})
}

// Stats returns query statistics.
func (h *Handler) Stats(c *fiber.Ctx) error {
	return c.JSON(h.group.Stats())
}

func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fe *fiber.Error
	switch {
	case errors.As(err, &fe):
		code = fe.Code
	case errors.Is(err, group.ErrUnknownDevice), errors.Is(err, device.ErrStopped):
		code = fiber.StatusNotFound
	case errors.Is(err, group.ErrDeviceExists):
		code = fiber.StatusConflict
	case errors.Is(err, group.ErrNotRecordable):
		code = fiber.StatusUnprocessableEntity
	case errors.Is(err, group.ErrClosed):
		code = fiber.StatusServiceUnavailable
	}
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}
