package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"tourmarket/settlement/internal/commission"
	"tourmarket/settlement/internal/models"
	"tourmarket/settlement/internal/services"
)

// BookingHandler receives confirmations from the booking system.
type BookingHandler struct {
	bookingService services.IBookingService
	logger         *zap.Logger
}

func NewBookingHandler(bookingService services.IBookingService, logger *zap.Logger) *BookingHandler {
	return &BookingHandler{bookingService: bookingService, logger: logger}
}

// BookingConfirmed handles POST /v1/bookings/confirmed. It answers 201 with
// the new invoice, or 200 with the existing one for a repeated booking.
func (h *BookingHandler) BookingConfirmed(c *gin.Context) {
	var booking models.Booking
	if err := c.ShouldBindJSON(&booking); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid booking payload"})
		return
	}

	inv, created, err := h.bookingService.OnBookingConfirmed(c.Request.Context(), &booking)
	if err != nil {
		if errors.Is(err, services.ErrInvalidBooking) ||
			errors.Is(err, commission.ErrInvalidAmount) ||
			errors.Is(err, commission.ErrInvalidReferral) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		h.logger.Error("booking confirmation failed", zap.String("booking_id", booking.ID), zap.Error(err))
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not create invoice"})
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, inv)
}
