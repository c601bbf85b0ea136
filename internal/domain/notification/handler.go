package notification

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/medsched/medsched/internal/platform/auth"
)

// Handler exposes the delivery audit trail and the receipt callback used
// by gateways to report downstream delivery.
type Handler struct {
	attempts AttemptRepository
}

func NewHandler(attempts AttemptRepository) *Handler {
	return &Handler{attempts: attempts}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	readGroup := api.Group("", auth.RequireRole("admin", "doctor", "registrar"))
	readGroup.GET("/notifications", h.ListAttempts)

	// Receipts come from gateway callbacks authenticated as service admins.
	receiptGroup := api.Group("", auth.RequireRole("admin"))
	receiptGroup.POST("/notifications/:id/receipt", h.RecordReceipt)
}

func (h *Handler) ListAttempts(c echo.Context) error {
	appointmentID, err := uuid.Parse(c.QueryParam("appointment_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid appointment_id")
	}
	attempts, err := h.attempts.ListByAppointment(c.Request().Context(), appointmentID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if attempts == nil {
		attempts = []*Attempt{}
	}
	return c.JSON(http.StatusOK, attempts)
}

type receiptRequest struct {
	Event string `json:"event"`
}

func (h *Handler) RecordReceipt(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req receiptRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	now := time.Now().UTC()
	switch req.Event {
	case "delivered":
		err = h.attempts.MarkDelivered(c.Request().Context(), id, now)
	case "read":
		err = h.attempts.MarkRead(c.Request().Context(), id, now)
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "event must be delivered or read")
	}
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		case errors.Is(err, ErrInvalidTransition):
			return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	attempt, err := h.attempts.GetByID(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, attempt)
}
