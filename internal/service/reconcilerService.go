package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ds124wfegd/playverse/config"
	"github.com/ds124wfegd/playverse/internal/database"
	"github.com/ds124wfegd/playverse/internal/entity"
	"github.com/ds124wfegd/playverse/internal/gateway"
	"github.com/ds124wfegd/playverse/pkg/broker"
	"github.com/ds124wfegd/playverse/pkg/queue"
	"github.com/sirupsen/logrus"
)

var phonePattern = regexp.MustCompile(`^\d{10}$`)

type reconcilerService struct {
	ledger    database.Ledger
	events    database.EventRepository
	gateways  *gateway.Registry
	tasks     TaskPublisher
	publisher EventPublisher
	audit     AuditLogger
	retrier   *transientRetrier

	pendingTTL  time.Duration
	frontendURL string
	now         func() time.Time
}

func NewReconcilerService(
	ledger database.Ledger,
	events database.EventRepository,
	gateways *gateway.Registry,
	tasks TaskPublisher,
	publisher EventPublisher,
	audit AuditLogger,
	cfg *config.BookingConfig,
) ReconcilerService {
	if tasks == nil {
		tasks = NewQueueAdapter(nil)
	}
	if publisher == nil {
		publisher = noopPublisher{}
	}
	if audit == nil {
		audit = noopAudit{}
	}
	return &reconcilerService{
		ledger:      ledger,
		events:      events,
		gateways:    gateways,
		tasks:       tasks,
		publisher:   publisher,
		audit:       audit,
		retrier:     newTransientRetrier(cfg.RetryAttempts, cfg.RetryBackoff),
		pendingTTL:  cfg.PendingTTL,
		frontendURL: strings.TrimRight(cfg.FrontendURL, "/"),
		now:         time.Now,
	}
}

func (s *reconcilerService) InitiateBooking(ctx context.Context, eventID int64, req *BookingRequest) (*BookingResult, error) {
	payer, err := validateBooking(req)
	if err != nil {
		return nil, err
	}

	event, err := s.events.GetByID(ctx, eventID)
	if err != nil {
		return nil, err
	}

	available, err := s.ledger.AvailableSlots(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to check availability: %w", err)
	}
	if payer.Quantity > available {
		return nil, &entity.InsufficientCapacityError{Requested: payer.Quantity, Available: available}
	}

	adapter := s.gateways.Active()
	amount := event.Price * int64(payer.Quantity)

	paymentReq, err := adapter.BuildPaymentRequest(ctx, amount, gateway.EventSummary{
		ID:        event.ID,
		Name:      event.Name,
		Slot:      event.Slot,
		VenueName: event.VenueName,
		Date:      event.Date,
	}, payer)
	if err != nil {
		return nil, fmt.Errorf("failed to build payment request: %w", err)
	}

	var participant *entity.Participant
	err = s.retrier.do(ctx, "reserve", func() error {
		var rerr error
		participant, rerr = s.ledger.ReserveIfAvailable(ctx, eventID, &entity.Participant{
			Name:           payer.Name,
			Phone:          payer.Phone,
			Email:          payer.Email,
			SkillLevel:     payer.SkillLevel,
			Quantity:       payer.Quantity,
			TransactionRef: paymentReq.TxnRef,
			Gateway:        adapter.Name(),
			Amount:         amount,
		})
		return rerr
	})
	if err != nil {
		return nil, err
	}

	log := logrus.WithFields(logrus.Fields{
		"event_id": eventID,
		"txn_ref":  participant.TransactionRef,
		"gateway":  adapter.Name(),
		"quantity": participant.Quantity,
	})
	log.Info("Booking initiated")

	if err := s.tasks.Publish(ctx, queue.NewExpireBookingTask(participant.TransactionRef, s.now().Add(s.pendingTTL))); err != nil {
		log.WithError(err).Warn("Failed to schedule booking expiry")
	}
	s.announce(ctx, broker.RoutingBookingInitiated, participant, "", false)

	return &BookingResult{
		Message:       "Booking initiated",
		Gateway:       paymentReq.Gateway,
		PaymentURL:    paymentReq.URL,
		TxnRef:        paymentReq.TxnRef,
		Amount:        paymentReq.Amount,
		Fields:        paymentReq.Fields,
		EventName:     event.Name,
		EventDate:     event.Date,
		Venue:         event.VenueName,
		CustomerName:  payer.Name,
		CustomerPhone: payer.Phone,
		SkillLevel:    payer.SkillLevel,
		Quantity:      payer.Quantity,
		TotalAmount:   gateway.FormatAmount(amount),
	}, nil
}

func validateBooking(req *BookingRequest) (gateway.Payer, error) {
	payer := gateway.Payer{
		Name:       strings.TrimSpace(req.Name),
		Phone:      strings.TrimSpace(req.Phone),
		Email:      strings.TrimSpace(req.Email),
		SkillLevel: strings.TrimSpace(req.SkillLevel),
		Quantity:   1,
	}

	if payer.Name == "" || payer.Phone == "" || payer.SkillLevel == "" {
		return payer, &entity.ValidationError{Message: "Name, phone number, and skill level are required"}
	}
	if req.Quantity != nil {
		if *req.Quantity < 1 {
			return payer, &entity.ValidationError{Message: "Invalid quantity"}
		}
		payer.Quantity = *req.Quantity
	}
	if !phonePattern.MatchString(payer.Phone) {
		return payer, &entity.ValidationError{Message: "Phone number must be 10 digits"}
	}
	if payer.Email == "" {
		payer.Email = payer.Phone + "@example.com"
	}
	return payer, nil
}

func (s *reconcilerService) HandleSynchronousReturn(ctx context.Context, gatewayName string, eventIDHint int64, payload *gateway.Payload) *ConfirmationResult {
	log := logrus.WithField("gateway", gatewayName)

	adapter, err := s.gateways.Get(gatewayName)
	if err != nil {
		log.WithError(err).Warn("Return for unknown gateway")
		return s.failure(ReasonUnknownGateway, eventIDHint, "")
	}

	ev, err := adapter.NormalizeReturn(payload)
	s.record(ctx, adapter.Name(), "return", payload, ev, err)
	if err != nil {
		log.WithError(err).WithField("fields", payload.Fields).Warn("Rejected payment return")
		if errors.Is(err, entity.ErrSignatureMismatch) || errors.Is(err, entity.ErrMalformedPayload) {
			return s.failure(ReasonHashVerificationFailed, eventIDHint, "")
		}
		return s.failure(ReasonServerError, eventIDHint, "")
	}

	eventID := ev.EventID
	if eventID == 0 {
		eventID = eventIDHint
	}
	log = log.WithFields(logrus.Fields{"txn_ref": ev.TxnRef, "event_id": eventID, "status": ev.Status})

	if eventIDHint != 0 && ev.EventID != 0 && eventIDHint != ev.EventID {
		log.WithField("hint", eventIDHint).Warn("Return event does not match signed event")
		return s.failure(ReasonInvalidEventReference, eventIDHint, ev.TxnRef)
	}
	if ev.Status != entity.PaymentStatusSuccess {
		log.Info("Payment return not successful")
		return s.failure(ReasonPaymentNotSuccessful, eventID, ev.TxnRef)
	}

	p, err := s.confirm(ctx, ev)
	switch {
	case err == nil:
	case errors.Is(err, entity.ErrOversoldAtConfirm):
		log.Warn("Slots taken before confirmation, refund required")
		return s.failure(ReasonSlotsUnavailable, eventID, ev.TxnRef)
	case errors.Is(err, entity.ErrAlreadyTerminal):
		log.Warn("Successful return for failed participant, refund required")
		return s.failure(ReasonPaymentNotSuccessful, eventID, ev.TxnRef)
	case errors.Is(err, entity.ErrParticipantNotFound), errors.Is(err, entity.ErrEventNotFound):
		log.Warn("Return references no booking")
		return s.failure(ReasonInvalidEventReference, eventID, ev.TxnRef)
	default:
		log.WithError(err).Error("Failed to confirm participant")
		return s.failure(ReasonServerError, eventID, ev.TxnRef)
	}

	if ev.EventID != 0 && p.EventID != ev.EventID {
		log.WithField("participant_event_id", p.EventID).Error("Signed event does not own the participant")
		return s.failure(ReasonInvalidEventReference, eventID, ev.TxnRef)
	}

	log.Info("Payment return confirmed")
	return &ConfirmationResult{
		Success:     true,
		EventID:     p.EventID,
		TxnRef:      p.TransactionRef,
		RedirectURL: s.frontendURL + "/event/" + strconv.FormatInt(p.EventID, 10),
	}
}

func (s *reconcilerService) failure(reason string, eventID int64, txnRef string) *ConfirmationResult {
	redirect := s.frontendURL + "/payment/failure?reason=" + url.QueryEscape(reason)
	if eventID != 0 {
		redirect += "&event=" + strconv.FormatInt(eventID, 10)
	}
	return &ConfirmationResult{Reason: reason, EventID: eventID, TxnRef: txnRef, RedirectURL: redirect}
}

func (s *reconcilerService) HandleAsynchronousWebhook(ctx context.Context, gatewayName string, payload *gateway.Payload) (*WebhookAck, error) {
	adapter, err := s.gateways.Get(gatewayName)
	if err != nil {
		return nil, err
	}

	ev, err := adapter.NormalizeWebhook(payload)
	s.record(ctx, adapter.Name(), "webhook", payload, ev, err)
	if err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"gateway": adapter.Name(),
			"fields":  payload.Fields,
		}).Warn("Rejected payment webhook")
		return nil, err
	}

	log := logrus.WithFields(logrus.Fields{
		"gateway": ev.Gateway,
		"txn_ref": ev.TxnRef,
		"status":  ev.Status,
	})
	ok := &WebhookAck{Status: "ok"}

	switch ev.Status {
	case entity.PaymentStatusPending:
		log.Debug("Pending payment webhook ignored")
		return ok, nil

	case entity.PaymentStatusFailed:
		var p *entity.Participant
		err := s.retrier.do(ctx, "fail", func() error {
			var ferr error
			p, ferr = s.ledger.FailParticipant(ctx, ev.TxnRef, entity.FailureReasonDeclined)
			return ferr
		})
		if errors.Is(err, entity.ErrParticipantNotFound) {
			log.Warn("Unmatched payment webhook")
			return ok, nil
		}
		if err != nil {
			return nil, err
		}
		if p.Changed {
			log.Info("Participant failed by gateway")
			s.announce(ctx, broker.RoutingBookingFailed, p, p.FailureReason, false)
		}
		return ok, nil
	}

	p, err := s.confirm(ctx, ev)
	switch {
	case err == nil:
		log.WithField("event_id", p.EventID).Info("Payment webhook confirmed")
		return ok, nil
	case errors.Is(err, entity.ErrParticipantNotFound):
		log.Warn("Unmatched payment webhook")
		return ok, nil
	case errors.Is(err, entity.ErrOversoldAtConfirm):
		log.Warn("Slots taken before confirmation, refund required")
		return &WebhookAck{Status: "ok", Note: "slots unavailable, refund required"}, nil
	case errors.Is(err, entity.ErrAlreadyTerminal):
		log.Warn("Successful payment for failed participant, refund required")
		if p != nil {
			s.announce(ctx, broker.RoutingBookingFailed, p, p.FailureReason, true)
		}
		return &WebhookAck{Status: "ok", Note: "participant already failed, refund required"}, nil
	default:
		return nil, err
	}
}

// confirm runs the ledger transition and the follow-ups of a fresh
// confirmation or oversell.
func (s *reconcilerService) confirm(ctx context.Context, ev *entity.CanonicalPaymentEvent) (*entity.Participant, error) {
	var p *entity.Participant
	err := s.retrier.do(ctx, "confirm", func() error {
		var cerr error
		p, cerr = s.ledger.ConfirmParticipant(ctx, ev.TxnRef, ev.PaymentRef, ev.Amount)
		return cerr
	})

	switch {
	case err == nil && p.Changed:
		s.announce(ctx, broker.RoutingBookingConfirmed, p, "", false)
		if perr := s.tasks.Publish(ctx, queue.NewSendConfirmationTask(p.TransactionRef)); perr != nil {
			logrus.WithError(perr).WithField("txn_ref", p.TransactionRef).Warn("Failed to schedule confirmation message")
		}
	case errors.Is(err, entity.ErrOversoldAtConfirm) && p != nil && p.Changed:
		s.announce(ctx, broker.RoutingBookingOversold, p, entity.FailureReasonOversold, true)
	}
	return p, err
}

func (s *reconcilerService) ExpireParticipant(ctx context.Context, txnRef string) (*entity.Participant, error) {
	var p *entity.Participant
	err := s.retrier.do(ctx, "expire", func() error {
		var ferr error
		p, ferr = s.ledger.FailParticipant(ctx, txnRef, entity.FailureReasonExpired)
		return ferr
	})
	if err != nil {
		return nil, err
	}
	if p.Changed {
		logrus.WithFields(logrus.Fields{"txn_ref": txnRef, "event_id": p.EventID}).Info("Pending booking expired")
		s.announce(ctx, broker.RoutingBookingExpired, p, entity.FailureReasonExpired, false)
	}
	return p, nil
}

func (s *reconcilerService) SweepStalePending(ctx context.Context, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 100
	}
	stale, err := s.ledger.ListStalePending(ctx, s.now().Add(-s.pendingTTL), batchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list stale participants: %w", err)
	}

	expired := 0
	for _, p := range stale {
		if ctx.Err() != nil {
			return expired, ctx.Err()
		}
		got, err := s.ExpireParticipant(ctx, p.TransactionRef)
		if err != nil {
			logrus.WithError(err).WithField("txn_ref", p.TransactionRef).Error("Failed to expire participant")
			continue
		}
		if got.Changed {
			expired++
		}
	}
	return expired, nil
}

func (s *reconcilerService) announce(ctx context.Context, routingKey string, p *entity.Participant, reason string, refund bool) {
	msg := &BookingMessage{
		TxnRef:         p.TransactionRef,
		EventID:        p.EventID,
		Gateway:        p.Gateway,
		Status:         p.Status,
		Quantity:       p.Quantity,
		Amount:         p.Amount,
		PaymentRef:     p.PaymentRef,
		Reason:         reason,
		RefundRequired: refund,
		OccurredAt:     s.now(),
	}
	if err := s.publisher.Publish(ctx, routingKey, msg); err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{"routing_key": routingKey, "txn_ref": p.TransactionRef}).Warn("Failed to publish booking event")
	}
}

func (s *reconcilerService) record(ctx context.Context, gatewayName, channel string, payload *gateway.Payload, ev *entity.CanonicalPaymentEvent, verr error) {
	rec := &AuditRecord{
		Gateway:    gatewayName,
		Channel:    channel,
		Outcome:    "accepted",
		Fields:     payload.Fields,
		Body:       rawJSON(payload.Body),
		ReceivedAt: s.now(),
	}
	if verr != nil {
		rec.Outcome = "rejected"
		rec.Error = verr.Error()
		rec.TxnRef = payload.Get("txnid")
	}
	if ev != nil {
		rec.TxnRef = ev.TxnRef
		rec.Status = string(ev.Status)
	}

	if err := s.audit.SendMessage(ctx, rec.TxnRef, rec); err != nil {
		logrus.WithError(err).WithField("gateway", gatewayName).Warn("Failed to write payment audit record")
	}
}
