package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"ticket-admission/services"
)

type AdminHandler struct {
	admission *services.AdmissionService
}

func NewAdminHandler(admission *services.AdmissionService) *AdminHandler {
	return &AdminHandler{admission: admission}
}

func (h *AdminHandler) GetDashboard(c echo.Context) error {
	eventID := c.QueryParam("event_id")
	ticketTypeID := c.QueryParam("ticket_type_id")
	if eventID == "" || ticketTypeID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "event_id and ticket_type_id are required"})
	}

	dashboard, err := h.admission.GetDashboard(c.Request().Context(), eventID, ticketTypeID)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, dashboard)
}

// ForceSweep runs the stale-offer sweep immediately instead of waiting
// for the next tick.
func (h *AdminHandler) ForceSweep(c echo.Context) error {
	expired, err := h.admission.SweepExpiredOffers(c.Request().Context())
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]int{"expired": expired})
}
