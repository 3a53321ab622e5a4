package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"

	"ticket-admission/internal/status"
	"ticket-admission/models"
	"ticket-admission/services"
)

type WaitlistHandler struct {
	admission *services.AdmissionService
}

func NewWaitlistHandler(admission *services.AdmissionService) *WaitlistHandler {
	return &WaitlistHandler{admission: admission}
}

func (h *WaitlistHandler) Join(c echo.Context) error {
	var req services.JoinRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.EventID == "" || req.TicketTypeID == "" || req.RequesterID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "event_id, ticket_type_id and requester_id are required"})
	}

	result, err := h.admission.Join(c.Request().Context(), req)
	if err != nil {
		return writeError(c, err)
	}

	code := http.StatusOK
	if result.Outcome == models.JoinRejected {
		code = http.StatusConflict
	}
	return c.JSON(code, result)
}

type purchaseBody struct {
	RequesterID      string `json:"requester_id"`
	PaymentReference string `json:"payment_reference"`
	Amount           string `json:"amount"`
}

func (h *WaitlistHandler) Purchase(c echo.Context) error {
	var body purchaseBody
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	amount, err := decimal.NewFromString(body.Amount)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid amount"})
	}

	ticket, err := h.admission.Purchase(c.Request().Context(), services.PurchaseRequest{
		EntryID:     c.Param("entryId"),
		RequesterID: body.RequesterID,
		Payment: models.PaymentConfirmation{
			Reference: body.PaymentReference,
			Amount:    amount,
		},
	})
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, ticket)
}

func (h *WaitlistHandler) Release(c echo.Context) error {
	var body struct {
		RequesterID string `json:"requester_id"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	if err := h.admission.Release(c.Request().Context(), c.Param("entryId"), body.RequesterID); err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"message": "offer released"})
}

func (h *WaitlistHandler) EntryStatus(c echo.Context) error {
	result, err := h.admission.EntryStatus(c.Request().Context(), c.Param("entryId"), c.QueryParam("requester_id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

// writeError maps the admission error taxonomy onto HTTP statuses.
func writeError(c echo.Context, err error) error {
	var rl *status.RateLimitError
	if errors.As(err, &rl) {
		c.Response().Header().Set("Retry-After", strconv.Itoa(int(rl.RetryAfter.Seconds())))
		return c.JSON(http.StatusTooManyRequests, map[string]string{"error": err.Error()})
	}

	switch {
	case errors.Is(err, status.ErrNotFound):
		return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, status.ErrForbidden):
		return c.JSON(http.StatusForbidden, map[string]string{"error": err.Error()})
	case errors.Is(err, status.ErrDuplicateEntry), errors.Is(err, status.ErrInvalidState):
		return c.JSON(http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.Is(err, status.ErrEventInactive):
		return c.JSON(http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
	default:
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}
