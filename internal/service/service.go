package service

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/ds124wfegd/playverse/internal/entity"
	"github.com/ds124wfegd/playverse/internal/gateway"
	"github.com/ds124wfegd/playverse/pkg/queue"
)

// ReconcilerService drives participants through pending -> confirmed |
// failed from booking initiation, browser returns and gateway webhooks.
type ReconcilerService interface {
	InitiateBooking(ctx context.Context, eventID int64, req *BookingRequest) (*BookingResult, error)
	HandleSynchronousReturn(ctx context.Context, gatewayName string, eventIDHint int64, payload *gateway.Payload) *ConfirmationResult
	HandleAsynchronousWebhook(ctx context.Context, gatewayName string, payload *gateway.Payload) (*WebhookAck, error)

	// ExpireParticipant fails a participant still pending; used by the
	// expire_booking task and the sweeper.
	ExpireParticipant(ctx context.Context, txnRef string) (*entity.Participant, error)
	SweepStalePending(ctx context.Context, batchSize int) (int, error)
}

type EventService interface {
	CreateEvent(ctx context.Context, req *EventRequest) (*entity.Event, error)
	GetEvent(ctx context.Context, id int64) (*entity.EventWithAvailability, error)
	ListEvents(ctx context.Context, q *ListEventsQuery) (*EventList, error)
	UpdateEvent(ctx context.Context, id int64, req *EventRequest) (*entity.Event, error)
	DeleteEvent(ctx context.Context, id int64) (*entity.Event, error)
	ImportEvents(ctx context.Context, r io.Reader) ([]*entity.Event, error)

	SuccessfulPayments(ctx context.Context, id int64) (*SuccessfulPayments, error)
	TodayByVenue(ctx context.Context, now time.Time) (*VenueDay, error)
	DailyReport(ctx context.Context, now time.Time) (*DailyReport, error)
	ExportConfirmed(ctx context.Context, w io.Writer) error
}

type NotificationService interface {
	SendConfirmation(ctx context.Context, eventID int64) (*NotificationResult, error)
	SendCancellation(ctx context.Context, eventID int64) (*NotificationResult, error)
	NotifyParticipantConfirmed(ctx context.Context, txnRef string) error
}

// TaskPublisher schedules background tasks. queue.Queue satisfies it.
type TaskPublisher interface {
	Publish(ctx context.Context, task *queue.Task) error
}

// EventPublisher announces booking lifecycle changes. broker.Publisher
// satisfies it.
type EventPublisher interface {
	Publish(ctx context.Context, routingKey string, message interface{}) error
}

// AuditLogger records every inbound gateway payload. kafka.Producer
// satisfies it.
type AuditLogger interface {
	SendMessage(ctx context.Context, key string, message interface{}) error
}

type BookingRequest struct {
	Name       string `json:"name"`
	Phone      string `json:"phone"`
	Email      string `json:"email"`
	SkillLevel string `json:"skillLevel"`
	// Quantity defaults to 1 when omitted.
	Quantity *int `json:"quantity"`
}

type BookingResult struct {
	Message       string            `json:"message"`
	Gateway       string            `json:"gateway"`
	PaymentURL    string            `json:"paymentUrl"`
	TxnRef        string            `json:"txnid"`
	Amount        string            `json:"amount"`
	Fields        map[string]string `json:"fields"`
	EventName     string            `json:"eventName"`
	EventDate     time.Time         `json:"eventDate"`
	Venue         string            `json:"venue"`
	CustomerName  string            `json:"customerName"`
	CustomerPhone string            `json:"customerPhone"`
	SkillLevel    string            `json:"skillLevel"`
	Quantity      int               `json:"quantity"`
	TotalAmount   string            `json:"totalAmount"`
}

// Redirect reasons reported to the browser after a synchronous return.
const (
	ReasonHashVerificationFailed = "hash_verification_failed"
	ReasonPaymentNotSuccessful   = "payment_not_successful"
	ReasonSlotsUnavailable       = "slots_unavailable"
	ReasonInvalidEventReference  = "invalid_event_reference"
	ReasonUnknownGateway         = "unknown_gateway"
	ReasonServerError            = "server_error"
)

type ConfirmationResult struct {
	Success     bool
	Reason      string
	EventID     int64
	TxnRef      string
	RedirectURL string
}

type WebhookAck struct {
	Status string `json:"status"`
	Note   string `json:"note,omitempty"`
}

// BookingMessage is the body of every booking.* broker message.
type BookingMessage struct {
	TxnRef         string                   `json:"txn_ref"`
	EventID        int64                    `json:"event_id"`
	Gateway        string                   `json:"gateway"`
	Status         entity.ParticipantStatus `json:"status"`
	Quantity       int                      `json:"quantity"`
	Amount         int64                    `json:"amount"`
	PaymentRef     string                   `json:"payment_ref,omitempty"`
	Reason         string                   `json:"reason,omitempty"`
	RefundRequired bool                     `json:"refund_required,omitempty"`
	OccurredAt     time.Time                `json:"occurred_at"`
}

// AuditRecord is one payment audit log entry.
type AuditRecord struct {
	Gateway    string            `json:"gateway"`
	Channel    string            `json:"channel"`
	Outcome    string            `json:"outcome"`
	Error      string            `json:"error,omitempty"`
	TxnRef     string            `json:"txn_ref,omitempty"`
	Status     string            `json:"status,omitempty"`
	Fields     map[string]string `json:"fields,omitempty"`
	Body       json.RawMessage   `json:"body,omitempty"`
	ReceivedAt time.Time         `json:"received_at"`
}

// EventRequest carries create and update payloads. Nil fields are left
// unchanged on update and rejected on create.
type EventRequest struct {
	Name              *string           `json:"name"`
	Description       *string           `json:"description"`
	Date              *entity.EventTime `json:"date"`
	Slot              *string           `json:"slot"`
	ParticipantsLimit *int              `json:"participantsLimit"`
	Price             *int64            `json:"price"`
	VenueName         *string           `json:"venueName"`
	VenueImage        *string           `json:"venueImage"`
	Location          *string           `json:"location"`
	SportsName        *string           `json:"sportsName"`
}

type ListEventsQuery struct {
	Sport string
	Page  string
	Limit string
}

type Pagination struct {
	CurrentPage int  `json:"currentPage"`
	TotalPages  int  `json:"totalPages"`
	Limit       int  `json:"limit"`
	HasNextPage bool `json:"hasNextPage"`
	HasPrevPage bool `json:"hasPrevPage"`
}

type EventList struct {
	Total           int                             `json:"total"`
	Sport           string                          `json:"sport"`
	AvailableSports []string                        `json:"availableSports"`
	Events          []*entity.EventWithAvailability `json:"events"`
	Pagination      *Pagination                     `json:"pagination,omitempty"`
}

type PaymentSummary struct {
	Name       string `json:"name"`
	Phone      string `json:"phone"`
	SkillLevel string `json:"skillLevel"`
	Quantity   int    `json:"quantity"`
	Amount     string `json:"amount"`
	PaymentID  string `json:"paymentId"`
}

type SuccessfulPayments struct {
	EventName               string           `json:"eventName"`
	SlotsLeft               int              `json:"slotsLeft"`
	TotalBookedSlots        int              `json:"totalBookedSlots"`
	TotalSuccessfulPayments int              `json:"totalSuccessfulPayments"`
	SuccessfulPayments      []PaymentSummary `json:"successfulPayments"`
}

type VenueDay struct {
	Date   string                `json:"date"`
	Venues []*entity.VenueEvents `json:"venues"`
}

type VenueCount struct {
	VenueName   string `json:"venueName"`
	TotalEvents int    `json:"totalEvents"`
}

type DailyReport struct {
	Date               string       `json:"date"`
	TotalVenuesChecked int          `json:"totalVenuesChecked"`
	VenuesWithNoEvents []string     `json:"venuesWithNoEvents"`
	VenuesWithEvents   []VenueCount `json:"venuesWithEvents"`
}

type NotificationResult struct {
	Message    string          `json:"message"`
	Count      int             `json:"count"`
	Recipients int             `json:"recipients"`
	Data       json.RawMessage `json:"data,omitempty"`
}
