package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ds124wfegd/playverse/config"
	"github.com/ds124wfegd/playverse/internal/database"
	"github.com/ds124wfegd/playverse/internal/database/memory"
	"github.com/ds124wfegd/playverse/internal/entity"
	"github.com/ds124wfegd/playverse/internal/gateway"
	"github.com/ds124wfegd/playverse/pkg/queue"
	"github.com/ds124wfegd/playverse/pkg/whatsapp"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// fakeAdapter signs nothing: a payload is authentic when its "sig" field
// is "valid".
type fakeAdapter struct {
	seq         int64
	unavailable bool
}

func (f *fakeAdapter) Name() string { return "fake" }

func (f *fakeAdapter) BuildPaymentRequest(ctx context.Context, amount int64, event gateway.EventSummary, payer gateway.Payer) (*gateway.PaymentRequest, error) {
	if f.unavailable {
		return nil, fmt.Errorf("%w: test outage", entity.ErrGatewayUnavailable)
	}
	ref := fmt.Sprintf("TXN%04d", atomic.AddInt64(&f.seq, 1))
	return &gateway.PaymentRequest{
		Gateway: "fake",
		TxnRef:  ref,
		URL:     "https://pay.test/_payment",
		Amount:  gateway.FormatAmount(amount),
		Fields:  map[string]string{"txnid": ref},
	}, nil
}

func (f *fakeAdapter) VerifyInboundSignature(p *gateway.Payload) (bool, error) {
	if p.Get("txnid") == "" {
		return false, &entity.MalformedPayloadError{Field: "txnid"}
	}
	return p.Get("sig") == "valid", nil
}

func (f *fakeAdapter) normalize(p *gateway.Payload) (*entity.CanonicalPaymentEvent, error) {
	ok, err := f.VerifyInboundSignature(p)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, entity.ErrSignatureMismatch
	}
	ev := &entity.CanonicalPaymentEvent{
		Gateway:    "fake",
		Status:     entity.PaymentStatus(p.Get("status")),
		TxnRef:     p.Get("txnid"),
		PaymentRef: p.Get("payid"),
	}
	if id := p.Get("event"); id != "" {
		ev.EventID, _ = strconv.ParseInt(id, 10, 64)
	}
	return ev, nil
}

func (f *fakeAdapter) NormalizeWebhook(p *gateway.Payload) (*entity.CanonicalPaymentEvent, error) {
	return f.normalize(p)
}

func (f *fakeAdapter) NormalizeReturn(p *gateway.Payload) (*entity.CanonicalPaymentEvent, error) {
	return f.normalize(p)
}

func signed(txnRef, status string) *gateway.Payload {
	return &gateway.Payload{Fields: map[string]string{
		"txnid":  txnRef,
		"status": status,
		"payid":  "pay_" + txnRef,
		"sig":    "valid",
	}}
}

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Publish(ctx context.Context, routingKey string, message interface{}) error {
	return m.Called(routingKey, message).Error(0)
}

func (m *mockPublisher) keys() []string {
	var keys []string
	for _, c := range m.Calls {
		keys = append(keys, c.Arguments.String(0))
	}
	return keys
}

type mockTasks struct {
	mock.Mock
}

func (m *mockTasks) Publish(ctx context.Context, task *queue.Task) error {
	return m.Called(task).Error(0)
}

func (m *mockTasks) countType(t queue.TaskType) int {
	n := 0
	for _, c := range m.Calls {
		if c.Arguments.Get(0).(*queue.Task).Type == t {
			n++
		}
	}
	return n
}

type recordingAudit struct {
	mu      sync.Mutex
	records []*AuditRecord
}

func (r *recordingAudit) SendMessage(ctx context.Context, key string, message interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, message.(*AuditRecord))
	return nil
}

type mockSender struct {
	mock.Mock
}

func (m *mockSender) SendTemplate(ctx context.Context, template string, recipients []whatsapp.Recipient) (json.RawMessage, error) {
	args := m.Called(template, recipients)
	raw, _ := args.Get(0).(json.RawMessage)
	return raw, args.Error(1)
}

// flakyLedger fails ConfirmParticipant with a transient error a fixed
// number of times before delegating.
type flakyLedger struct {
	database.Ledger
	failures int32
	calls    int32
}

func (f *flakyLedger) ConfirmParticipant(ctx context.Context, txnRef, paymentRef string, finalAmount int64) (*entity.Participant, error) {
	if atomic.AddInt32(&f.calls, 1) <= f.failures {
		return nil, fmt.Errorf("failed to confirm participant: %w", entity.ErrTransientStorage)
	}
	return f.Ledger.ConfirmParticipant(ctx, txnRef, paymentRef, finalAmount)
}

type harness struct {
	store     *memory.Store
	adapter   *fakeAdapter
	publisher *mockPublisher
	tasks     *mockTasks
	audit     *recordingAudit
	svc       *reconcilerService
}

var testBookingConfig = config.BookingConfig{
	PendingTTL:    30 * time.Minute,
	FrontendURL:   "https://front.test/",
	RetryAttempts: 3,
	RetryBackoff:  time.Millisecond,
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:     memory.NewStore(),
		adapter:   &fakeAdapter{},
		publisher: new(mockPublisher),
		tasks:     new(mockTasks),
		audit:     &recordingAudit{},
	}
	h.publisher.On("Publish", mock.Anything, mock.Anything).Return(nil).Maybe()
	h.tasks.On("Publish", mock.Anything).Return(nil).Maybe()

	h.svc = h.build(t, h.store)
	return h
}

func (h *harness) build(t *testing.T, ledger database.Ledger) *reconcilerService {
	t.Helper()
	registry, err := gateway.NewRegistry("fake", h.adapter)
	require.NoError(t, err)

	cfg := testBookingConfig
	return NewReconcilerService(ledger, h.store, registry, h.tasks, h.publisher, h.audit, &cfg).(*reconcilerService)
}

func (h *harness) event(t *testing.T, limit int) *entity.Event {
	t.Helper()
	e := &entity.Event{
		Name:              "Futsal Night",
		Description:       "5-a-side",
		Date:              time.Now().Add(24 * time.Hour),
		Slot:              "6-7 PM",
		SportsName:        "football",
		VenueName:         "Tiki Taka Football",
		Location:          "Ahmedabad",
		ParticipantsLimit: limit,
		Price:             25000,
	}
	require.NoError(t, h.store.Create(context.Background(), e))
	return e
}

func (h *harness) book(t *testing.T, eventID int64, qty int) string {
	t.Helper()
	res, err := h.svc.InitiateBooking(context.Background(), eventID, &BookingRequest{
		Name: "Asha", Phone: "9876543210", SkillLevel: "intermediate", Quantity: &qty,
	})
	require.NoError(t, err)
	return res.TxnRef
}

func (h *harness) status(t *testing.T, txnRef string) *entity.Participant {
	t.Helper()
	p, err := h.store.FindByTransactionRef(context.Background(), txnRef)
	require.NoError(t, err)
	return p
}

func intPtr(v int) *int { return &v }
