package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"ticket-admission/services"
)

type AvailabilityHandler struct {
	admission *services.AdmissionService
}

func NewAvailabilityHandler(admission *services.AdmissionService) *AvailabilityHandler {
	return &AvailabilityHandler{admission: admission}
}

func (h *AvailabilityHandler) GetAvailability(c echo.Context) error {
	avail, err := h.admission.GetAvailability(
		c.Request().Context(),
		c.Param("eventId"),
		c.Param("ticketTypeId"),
	)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, avail)
}
