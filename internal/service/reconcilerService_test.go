package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ds124wfegd/playverse/internal/entity"
	"github.com/ds124wfegd/playverse/internal/gateway"
	"github.com/ds124wfegd/playverse/pkg/broker"
	"github.com/ds124wfegd/playverse/pkg/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestInitiateBookingValidation(t *testing.T) {
	h := newHarness(t)
	e := h.event(t, 5)

	tests := []struct {
		name string
		req  BookingRequest
		msg  string
	}{
		{"missing name", BookingRequest{Phone: "9876543210", SkillLevel: "pro"}, "Name, phone number, and skill level are required"},
		{"missing skill", BookingRequest{Name: "Asha", Phone: "9876543210"}, "Name, phone number, and skill level are required"},
		{"zero quantity", BookingRequest{Name: "Asha", Phone: "9876543210", SkillLevel: "pro", Quantity: intPtr(0)}, "Invalid quantity"},
		{"short phone", BookingRequest{Name: "Asha", Phone: "98765", SkillLevel: "pro"}, "Phone number must be 10 digits"},
		{"letters in phone", BookingRequest{Name: "Asha", Phone: "98765abcde", SkillLevel: "pro"}, "Phone number must be 10 digits"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.svc.InitiateBooking(context.Background(), e.ID, &tt.req)
			require.ErrorIs(t, err, entity.ErrValidation)
			assert.Equal(t, tt.msg, err.Error())
		})
	}

	all, err := h.store.ListParticipants(context.Background(), e.ID, "")
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestInitiateBookingReservesPending(t *testing.T) {
	h := newHarness(t)
	e := h.event(t, 5)

	before := time.Now()
	res, err := h.svc.InitiateBooking(context.Background(), e.ID, &BookingRequest{
		Name: " Asha ", Phone: "9876543210", SkillLevel: "intermediate", Quantity: intPtr(2),
	})
	require.NoError(t, err)

	assert.Equal(t, "Booking initiated", res.Message)
	assert.Equal(t, "500.00", res.TotalAmount)
	assert.Equal(t, "Asha", res.CustomerName)
	assert.Equal(t, 2, res.Quantity)

	p := h.status(t, res.TxnRef)
	assert.Equal(t, entity.ParticipantStatusPending, p.Status)
	assert.Equal(t, "9876543210@example.com", p.Email)
	assert.Equal(t, int64(50000), p.Amount)
	assert.Equal(t, "fake", p.Gateway)

	// pending bookings do not consume capacity
	left, err := h.store.AvailableSlots(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, left)

	require.Equal(t, 1, h.tasks.countType(queue.TaskTypeExpireBooking))
	task := h.tasks.Calls[0].Arguments.Get(0).(*queue.Task)
	assert.Equal(t, res.TxnRef, task.TxnRef())
	assert.WithinDuration(t, before.Add(30*time.Minute), task.ExecuteAt, 5*time.Second)

	assert.Equal(t, []string{broker.RoutingBookingInitiated}, h.publisher.keys())
}

func TestInitiateBookingDefaultsQuantity(t *testing.T) {
	h := newHarness(t)
	e := h.event(t, 5)

	res, err := h.svc.InitiateBooking(context.Background(), e.ID, &BookingRequest{
		Name: "Asha", Phone: "9876543210", SkillLevel: "beginner",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Quantity)
	assert.Equal(t, "250.00", res.TotalAmount)
}

func TestInitiateBookingInsufficientCapacity(t *testing.T) {
	h := newHarness(t)
	e := h.event(t, 2)

	ref := h.book(t, e.ID, 1)
	_, err := h.svc.HandleAsynchronousWebhook(context.Background(), "fake", signed(ref, "success"))
	require.NoError(t, err)

	_, err = h.svc.InitiateBooking(context.Background(), e.ID, &BookingRequest{
		Name: "Ravi", Phone: "9123456780", SkillLevel: "pro", Quantity: intPtr(2),
	})
	require.ErrorIs(t, err, entity.ErrInsufficientCapacity)
	assert.Equal(t, "Only 1 slots available", err.Error())
}

func TestInitiateBookingUnknownEvent(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.InitiateBooking(context.Background(), 404, &BookingRequest{
		Name: "Asha", Phone: "9876543210", SkillLevel: "pro",
	})
	assert.ErrorIs(t, err, entity.ErrEventNotFound)
}

func TestInitiateBookingGatewayUnavailablePersistsNothing(t *testing.T) {
	h := newHarness(t)
	h.adapter.unavailable = true
	e := h.event(t, 5)

	_, err := h.svc.InitiateBooking(context.Background(), e.ID, &BookingRequest{
		Name: "Asha", Phone: "9876543210", SkillLevel: "pro",
	})
	require.ErrorIs(t, err, entity.ErrGatewayUnavailable)

	all, err := h.store.ListParticipants(context.Background(), e.ID, "")
	require.NoError(t, err)
	assert.Empty(t, all)
	h.tasks.AssertNotCalled(t, "Publish", mock.Anything)
}

// Capacity 2, three pending bookings of one slot, all three payments succeed.
func TestCapacityTwoThreeSuccessfulPayments(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.event(t, 2)

	a := h.book(t, e.ID, 1)
	b := h.book(t, e.ID, 1)
	c := h.book(t, e.ID, 1)

	ack, err := h.svc.HandleAsynchronousWebhook(ctx, "fake", signed(a, "success"))
	require.NoError(t, err)
	assert.Equal(t, &WebhookAck{Status: "ok"}, ack)

	res := h.svc.HandleSynchronousReturn(ctx, "fake", 0, signed(b, "success"))
	require.True(t, res.Success)
	assert.Equal(t, "https://front.test/event/1", res.RedirectURL)

	ack, err = h.svc.HandleAsynchronousWebhook(ctx, "fake", signed(c, "success"))
	require.NoError(t, err)
	assert.Equal(t, "ok", ack.Status)
	assert.Contains(t, ack.Note, "refund required")

	assert.Equal(t, entity.ParticipantStatusConfirmed, h.status(t, a).Status)
	assert.Equal(t, entity.ParticipantStatusConfirmed, h.status(t, b).Status)
	third := h.status(t, c)
	assert.Equal(t, entity.ParticipantStatusFailed, third.Status)
	assert.Equal(t, entity.FailureReasonOversold, third.FailureReason)
	assert.Equal(t, "pay_"+c, third.PaymentRef)

	left, err := h.store.AvailableSlots(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, left)

	h.publisher.AssertCalled(t, "Publish", broker.RoutingBookingOversold, mock.MatchedBy(func(m *BookingMessage) bool {
		return m.TxnRef == c && m.RefundRequired
	}))
	assert.Equal(t, 2, h.tasks.countType(queue.TaskTypeSendConfirmation))
}

func TestReturnAndWebhookOrderIndependent(t *testing.T) {
	orders := map[string][]string{
		"return first":  {"return", "webhook", "webhook"},
		"webhook first": {"webhook", "return", "webhook"},
	}

	for name, order := range orders {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()
			e := h.event(t, 3)
			ref := h.book(t, e.ID, 2)

			for _, channel := range order {
				if channel == "return" {
					res := h.svc.HandleSynchronousReturn(ctx, "fake", e.ID, signed(ref, "success"))
					require.True(t, res.Success)
					continue
				}
				ack, err := h.svc.HandleAsynchronousWebhook(ctx, "fake", signed(ref, "success"))
				require.NoError(t, err)
				assert.Empty(t, ack.Note)
			}

			p := h.status(t, ref)
			assert.Equal(t, entity.ParticipantStatusConfirmed, p.Status)

			stored, err := h.store.GetByID(ctx, e.ID)
			require.NoError(t, err)
			assert.Equal(t, 2, stored.ConfirmedSlots)

			// one confirmation, however many deliveries
			assert.Equal(t, 1, h.tasks.countType(queue.TaskTypeSendConfirmation))
			h.publisher.AssertNumberOfCalls(t, "Publish", 2)
		})
	}
}

func TestUnmatchedWebhookAcknowledged(t *testing.T) {
	h := newHarness(t)
	e := h.event(t, 2)
	ref := h.book(t, e.ID, 1)

	ack, err := h.svc.HandleAsynchronousWebhook(context.Background(), "fake", signed("TXN-UNKNOWN", "success"))
	require.NoError(t, err)
	assert.Equal(t, &WebhookAck{Status: "ok"}, ack)

	ack, err = h.svc.HandleAsynchronousWebhook(context.Background(), "fake", signed("TXN-UNKNOWN", "failed"))
	require.NoError(t, err)
	assert.Equal(t, "ok", ack.Status)

	assert.Equal(t, entity.ParticipantStatusPending, h.status(t, ref).Status)
}

func TestTamperedWebhookRejectedWithoutMutation(t *testing.T) {
	h := newHarness(t)
	e := h.event(t, 2)
	ref := h.book(t, e.ID, 1)

	payload := signed(ref, "success")
	payload.Fields["sig"] = "forged"

	_, err := h.svc.HandleAsynchronousWebhook(context.Background(), "fake", payload)
	require.ErrorIs(t, err, entity.ErrSignatureMismatch)
	assert.Equal(t, entity.ParticipantStatusPending, h.status(t, ref).Status)

	require.Len(t, h.audit.records, 1)
	assert.Equal(t, "rejected", h.audit.records[0].Outcome)
	assert.Equal(t, ref, h.audit.records[0].TxnRef)
}

func TestMalformedWebhookRejected(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.HandleAsynchronousWebhook(context.Background(), "fake", &gateway.Payload{Fields: map[string]string{"status": "success"}})
	var malformed *entity.MalformedPayloadError
	require.True(t, errors.As(err, &malformed))
	assert.Equal(t, "txnid", malformed.Field)
}

func TestWebhookUnknownGateway(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.HandleAsynchronousWebhook(context.Background(), "stripe", signed("TXN1", "success"))
	assert.ErrorIs(t, err, entity.ErrUnknownGateway)
}

func TestWebhookAuditsAcceptedPayloads(t *testing.T) {
	h := newHarness(t)
	e := h.event(t, 2)
	ref := h.book(t, e.ID, 1)

	_, err := h.svc.HandleAsynchronousWebhook(context.Background(), "fake", signed(ref, "pending"))
	require.NoError(t, err)

	require.Len(t, h.audit.records, 1)
	rec := h.audit.records[0]
	assert.Equal(t, "accepted", rec.Outcome)
	assert.Equal(t, "webhook", rec.Channel)
	assert.Equal(t, "pending", rec.Status)
	assert.Equal(t, entity.ParticipantStatusPending, h.status(t, ref).Status)
}

func TestFailedWebhookThenSuccessNeedsRefund(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.event(t, 2)
	ref := h.book(t, e.ID, 1)

	_, err := h.svc.HandleAsynchronousWebhook(ctx, "fake", signed(ref, "failed"))
	require.NoError(t, err)
	p := h.status(t, ref)
	assert.Equal(t, entity.ParticipantStatusFailed, p.Status)
	assert.Equal(t, entity.FailureReasonDeclined, p.FailureReason)

	ack, err := h.svc.HandleAsynchronousWebhook(ctx, "fake", signed(ref, "success"))
	require.NoError(t, err)
	assert.Contains(t, ack.Note, "refund required")
	assert.Equal(t, entity.ParticipantStatusFailed, h.status(t, ref).Status)

	res := h.svc.HandleSynchronousReturn(ctx, "fake", 0, signed(ref, "success"))
	assert.False(t, res.Success)
	assert.Equal(t, ReasonPaymentNotSuccessful, res.Reason)
}

func TestFailedWebhookNeverDowngradesConfirmed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.event(t, 2)
	ref := h.book(t, e.ID, 1)

	_, err := h.svc.HandleAsynchronousWebhook(ctx, "fake", signed(ref, "success"))
	require.NoError(t, err)
	_, err = h.svc.HandleAsynchronousWebhook(ctx, "fake", signed(ref, "failed"))
	require.NoError(t, err)

	assert.Equal(t, entity.ParticipantStatusConfirmed, h.status(t, ref).Status)
}

func TestSynchronousReturnFailureReasons(t *testing.T) {
	h := newHarness(t)
	e := h.event(t, 2)
	ref := h.book(t, e.ID, 1)

	tampered := signed(ref, "success")
	tampered.Fields["sig"] = "forged"

	mismatched := signed(ref, "success")
	mismatched.Fields["event"] = "1"

	tests := []struct {
		name     string
		gateway  string
		hint     int64
		payload  *gateway.Payload
		reason   string
		redirect string
	}{
		{"tampered", "fake", 0, tampered, ReasonHashVerificationFailed, "https://front.test/payment/failure?reason=hash_verification_failed"},
		{"malformed", "fake", 0, &gateway.Payload{}, ReasonHashVerificationFailed, "https://front.test/payment/failure?reason=hash_verification_failed"},
		{"declined", "fake", e.ID, signed(ref, "failed"), ReasonPaymentNotSuccessful, "https://front.test/payment/failure?reason=payment_not_successful&event=1"},
		{"unknown reference", "fake", 0, signed("TXN-NOPE", "success"), ReasonInvalidEventReference, "https://front.test/payment/failure?reason=invalid_event_reference"},
		{"hint mismatch", "fake", 7, mismatched, ReasonInvalidEventReference, "https://front.test/payment/failure?reason=invalid_event_reference&event=7"},
		{"unknown gateway", "stripe", 0, signed(ref, "success"), ReasonUnknownGateway, "https://front.test/payment/failure?reason=unknown_gateway"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := h.svc.HandleSynchronousReturn(context.Background(), tt.gateway, tt.hint, tt.payload)
			assert.False(t, res.Success)
			assert.Equal(t, tt.reason, res.Reason)
			assert.Equal(t, tt.redirect, res.RedirectURL)
		})
	}

	// none of the rejected returns touched the booking
	assert.Equal(t, entity.ParticipantStatusPending, h.status(t, ref).Status)
}

func TestSynchronousReturnOversold(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.event(t, 1)
	first := h.book(t, e.ID, 1)
	second := h.book(t, e.ID, 1)

	require.True(t, h.svc.HandleSynchronousReturn(ctx, "fake", e.ID, signed(first, "success")).Success)

	res := h.svc.HandleSynchronousReturn(ctx, "fake", e.ID, signed(second, "success"))
	assert.False(t, res.Success)
	assert.Equal(t, ReasonSlotsUnavailable, res.Reason)
	assert.Equal(t, "https://front.test/payment/failure?reason=slots_unavailable&event=1", res.RedirectURL)
}

func TestConcurrentWebhooksNeverOversell(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.event(t, 3)

	refs := make([]string, 10)
	for i := range refs {
		refs[i] = h.book(t, e.ID, 1)
	}

	var wg sync.WaitGroup
	for _, ref := range refs {
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func(ref string) {
				defer wg.Done()
				_, err := h.svc.HandleAsynchronousWebhook(ctx, "fake", signed(ref, "success"))
				assert.NoError(t, err)
			}(ref)
		}
	}
	wg.Wait()

	confirmed, err := h.store.ListParticipants(ctx, e.ID, entity.ParticipantStatusConfirmed)
	require.NoError(t, err)
	assert.Len(t, confirmed, 3)

	failed, err := h.store.ListParticipants(ctx, e.ID, entity.ParticipantStatusFailed)
	require.NoError(t, err)
	assert.Len(t, failed, 7)
	assert.Equal(t, 3, h.tasks.countType(queue.TaskTypeSendConfirmation))
}

func TestTransientStorageErrorsAreRetried(t *testing.T) {
	h := newHarness(t)
	flaky := &flakyLedger{Ledger: h.store, failures: 2}
	h.svc = h.build(t, flaky)

	e := h.event(t, 2)
	ref := h.book(t, e.ID, 1)

	ack, err := h.svc.HandleAsynchronousWebhook(context.Background(), "fake", signed(ref, "success"))
	require.NoError(t, err)
	assert.Equal(t, "ok", ack.Status)
	assert.Equal(t, int32(3), flaky.calls)
	assert.Equal(t, entity.ParticipantStatusConfirmed, h.status(t, ref).Status)
}

func TestTransientStorageErrorsExhausted(t *testing.T) {
	h := newHarness(t)
	flaky := &flakyLedger{Ledger: h.store, failures: 10}
	h.svc = h.build(t, flaky)

	e := h.event(t, 2)
	ref := h.book(t, e.ID, 1)

	_, err := h.svc.HandleAsynchronousWebhook(context.Background(), "fake", signed(ref, "success"))
	require.ErrorIs(t, err, entity.ErrTransientStorage)
	assert.Equal(t, int32(3), flaky.calls)

	res := h.svc.HandleSynchronousReturn(context.Background(), "fake", 0, signed(ref, "success"))
	assert.Equal(t, ReasonServerError, res.Reason)
	assert.Equal(t, entity.ParticipantStatusPending, h.status(t, ref).Status)
}

func TestExpireAndSweepStalePending(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.event(t, 2)
	stale := h.book(t, e.ID, 1)
	paid := h.book(t, e.ID, 1)

	_, err := h.svc.HandleAsynchronousWebhook(ctx, "fake", signed(paid, "success"))
	require.NoError(t, err)

	// nothing is stale yet
	n, err := h.svc.SweepStalePending(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	h.svc.now = func() time.Time { return time.Now().Add(time.Hour) }
	n, err = h.svc.SweepStalePending(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	p := h.status(t, stale)
	assert.Equal(t, entity.ParticipantStatusFailed, p.Status)
	assert.Equal(t, entity.FailureReasonExpired, p.FailureReason)
	assert.Equal(t, entity.ParticipantStatusConfirmed, h.status(t, paid).Status)
	h.publisher.AssertCalled(t, "Publish", broker.RoutingBookingExpired, mock.Anything)

	// a late success for an expired booking is acknowledged, not confirmed
	ack, err := h.svc.HandleAsynchronousWebhook(ctx, "fake", signed(stale, "success"))
	require.NoError(t, err)
	assert.Contains(t, ack.Note, "refund required")

	again, err := h.svc.ExpireParticipant(ctx, stale)
	require.NoError(t, err)
	assert.False(t, again.Changed)
}
