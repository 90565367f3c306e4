package transport

import (
	"net/http"
	"time"

	"github.com/ds124wfegd/playverse/internal/service"
	"github.com/ds124wfegd/playverse/pkg/export"
	"github.com/gin-gonic/gin"
)

const maxUploadSize = 10 << 20

type EventHandler struct {
	events        service.EventService
	notifications service.NotificationService
	now           func() time.Time
}

func NewEventHandler(events service.EventService, notifications service.NotificationService) *EventHandler {
	return &EventHandler{events: events, notifications: notifications, now: time.Now}
}

func (h *EventHandler) ListEvents(c *gin.Context) {
	list, err := h.events.ListEvents(c.Request.Context(), &service.ListEventsQuery{
		Sport: c.Query("sport"),
		Page:  c.Query("page"),
		Limit: c.Query("limit"),
	})
	if err != nil {
		writeError(c, err, "Failed to fetch events")
		return
	}
	c.JSON(http.StatusOK, list)
}

func (h *EventHandler) GetEvent(c *gin.Context) {
	id, ok := eventIDParam(c)
	if !ok {
		return
	}

	event, err := h.events.GetEvent(c.Request.Context(), id)
	if err != nil {
		writeError(c, err, "Failed to fetch event")
		return
	}
	c.JSON(http.StatusOK, event)
}

func (h *EventHandler) SuccessfulPayments(c *gin.Context) {
	id, ok := eventIDParam(c)
	if !ok {
		return
	}

	payments, err := h.events.SuccessfulPayments(c.Request.Context(), id)
	if err != nil {
		writeError(c, err, "Failed to fetch successful payments")
		return
	}
	c.JSON(http.StatusOK, payments)
}

func (h *EventHandler) CreateEvent(c *gin.Context) {
	var req service.EventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Please provide all required fields"})
		return
	}

	event, err := h.events.CreateEvent(c.Request.Context(), &req)
	if err != nil {
		writeError(c, err, "Some error occurred")
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": "Event Created Successfully", "event": event})
}

func (h *EventHandler) UpdateEvent(c *gin.Context) {
	id, ok := eventIDParam(c)
	if !ok {
		return
	}

	var req service.EventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid event payload"})
		return
	}

	event, err := h.events.UpdateEvent(c.Request.Context(), id, &req)
	if err != nil {
		writeError(c, err, "Failed to update event")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Event updated successfully", "event": event})
}

func (h *EventHandler) DeleteEvent(c *gin.Context) {
	id, ok := eventIDParam(c)
	if !ok {
		return
	}

	event, err := h.events.DeleteEvent(c.Request.Context(), id)
	if err != nil {
		writeError(c, err, "Failed to delete event")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Event deleted successfully", "event": event})
}

func (h *EventHandler) UploadEvents(c *gin.Context) {
	header, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Please upload an Excel file"})
		return
	}
	if header.Size > maxUploadSize {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Uploaded file is too large"})
		return
	}

	file, err := header.Open()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"message": "Uploaded file not found"})
		return
	}
	defer file.Close()

	events, err := h.events.ImportEvents(c.Request.Context(), file)
	if err != nil {
		writeError(c, err, "Failed to upload events")
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": "Events Uploaded Successfully", "events": events})
}

func (h *EventHandler) DownloadExcel(c *gin.Context) {
	c.Header("Content-Type", export.ContentType)
	c.Header("Content-Disposition", "attachment; filename="+export.FileName("events", h.now()))

	if err := h.events.ExportConfirmed(c.Request.Context(), c.Writer); err != nil {
		if c.Writer.Written() {
			_ = c.Error(err)
			return
		}
		c.Header("Content-Type", "")
		c.Header("Content-Disposition", "")
		writeError(c, err, "Failed to generate Excel file")
		return
	}
	c.Status(http.StatusOK)
}

func (h *EventHandler) SendConfirmation(c *gin.Context) {
	id, ok := eventIDParam(c)
	if !ok {
		return
	}

	res, err := h.notifications.SendConfirmation(c.Request.Context(), id)
	if err != nil {
		writeError(c, err, "Failed to send confirmation messages")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": res.Message, "confirmationCount": res.Count, "recipients": res.Recipients, "data": res.Data})
}

func (h *EventHandler) SendCancellation(c *gin.Context) {
	id, ok := eventIDParam(c)
	if !ok {
		return
	}

	res, err := h.notifications.SendCancellation(c.Request.Context(), id)
	if err != nil {
		writeError(c, err, "Failed to send cancellation messages")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": res.Message, "cancellationCount": res.Count, "recipients": res.Recipients, "data": res.Data})
}

func (h *EventHandler) TodayByVenue(c *gin.Context) {
	day, err := h.events.TodayByVenue(c.Request.Context(), h.now())
	if err != nil {
		writeError(c, err, "Failed to fetch today's events")
		return
	}
	c.JSON(http.StatusOK, day)
}

func (h *EventHandler) DailyReport(c *gin.Context) {
	report, err := h.events.DailyReport(c.Request.Context(), h.now())
	if err != nil {
		writeError(c, err, "Failed to fetch event reports")
		return
	}
	c.JSON(http.StatusOK, report)
}
