package transport

import (
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/ds124wfegd/playverse/internal/gateway"
	"github.com/ds124wfegd/playverse/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// maxCallbackBody caps gateway callbacks read into memory.
const maxCallbackBody = 1 << 20

type BookingHandler struct {
	reconciler service.ReconcilerService
}

func NewBookingHandler(reconciler service.ReconcilerService) *BookingHandler {
	return &BookingHandler{reconciler: reconciler}
}

func (h *BookingHandler) InitiateBooking(c *gin.Context) {
	eventID, ok := eventIDParam(c)
	if !ok {
		return
	}

	var req service.BookingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid booking request"})
		return
	}

	result, err := h.reconciler.InitiateBooking(c.Request.Context(), eventID, &req)
	if err != nil {
		writeError(c, err, "Failed to initiate booking")
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *BookingHandler) Webhook(c *gin.Context) {
	payload, err := readPayload(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid webhook data"})
		return
	}

	ack, err := h.reconciler.HandleAsynchronousWebhook(c.Request.Context(), c.Param("gateway"), payload)
	if err != nil {
		writeError(c, err, "Failed to process webhook")
		return
	}
	c.JSON(http.StatusOK, ack)
}

// PayUReturn handles both PayU browser returns; the signed status decides
// the outcome, not the URL it arrived on.
func (h *BookingHandler) PayUReturn(c *gin.Context) {
	h.handleReturn(c, gateway.PayUName)
}

func (h *BookingHandler) Return(c *gin.Context) {
	h.handleReturn(c, c.Param("gateway"))
}

func (h *BookingHandler) handleReturn(c *gin.Context, gatewayName string) {
	var hint int64
	if v := c.Query("event"); v != "" {
		hint, _ = strconv.ParseInt(v, 10, 64)
	}

	payload, err := readPayload(c)
	if err != nil {
		logrus.WithError(err).WithField("gateway", gatewayName).Warn("Unreadable payment return")
		payload = &gateway.Payload{}
	}

	result := h.reconciler.HandleSynchronousReturn(c.Request.Context(), gatewayName, hint, payload)
	c.Redirect(http.StatusSeeOther, result.RedirectURL)
}

// readPayload collects form fields, the raw body and the body signature
// header. The body is parsed as a form only when it was sent as one.
func readPayload(c *gin.Context) (*gateway.Payload, error) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxCallbackBody))
	if err != nil {
		return nil, err
	}

	payload := &gateway.Payload{
		Fields:    map[string]string{},
		Body:      body,
		Signature: c.GetHeader(gateway.RazorpaySignatureHeader),
	}

	for k, v := range c.Request.URL.Query() {
		if len(v) > 0 {
			payload.Fields[k] = v[0]
		}
	}
	if c.ContentType() == gin.MIMEPOSTForm {
		form, err := url.ParseQuery(string(body))
		if err != nil {
			return nil, err
		}
		for k, v := range form {
			if len(v) > 0 {
				payload.Fields[k] = v[0]
			}
		}
	}
	return payload, nil
}

func eventIDParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Event ID is required"})
		return 0, false
	}
	return id, true
}
