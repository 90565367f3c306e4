// Package gateway translates bookings into payment gateway requests and
// turns signed gateway callbacks into entity.CanonicalPaymentEvent values.
// Nothing outside this package reads raw gateway field names.
package gateway

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ds124wfegd/playverse/internal/entity"
)

type EventSummary struct {
	ID        int64
	Name      string
	Slot      string
	VenueName string
	Date      time.Time
}

type Payer struct {
	Name       string
	Phone      string
	Email      string
	SkillLevel string
	Quantity   int
}

// PaymentRequest is what the client needs to hand the payer over to the
// gateway. Fields are already signed where the gateway requires it.
type PaymentRequest struct {
	Gateway string            `json:"gateway"`
	TxnRef  string            `json:"txnid"`
	URL     string            `json:"paymentUrl"`
	Amount  string            `json:"amount"`
	Fields  map[string]string `json:"fields"`
}

// Payload is an inbound callback as received: form fields, the raw body
// and a signature taken from a header when the gateway signs the body.
type Payload struct {
	Fields    map[string]string
	Body      []byte
	Signature string
}

func (p *Payload) Get(key string) string {
	if p == nil || p.Fields == nil {
		return ""
	}
	return p.Fields[key]
}

type Adapter interface {
	Name() string
	BuildPaymentRequest(ctx context.Context, amount int64, event EventSummary, payer Payer) (*PaymentRequest, error)
	// VerifyInboundSignature never fails on a mismatch; the error is
	// reserved for *entity.MalformedPayloadError.
	VerifyInboundSignature(p *Payload) (bool, error)
	NormalizeWebhook(p *Payload) (*entity.CanonicalPaymentEvent, error)
	NormalizeReturn(p *Payload) (*entity.CanonicalPaymentEvent, error)
}

type Registry struct {
	adapters map[string]Adapter
	active   string
}

func NewRegistry(active string, adapters ...Adapter) (*Registry, error) {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters)), active: strings.ToLower(active)}
	for _, a := range adapters {
		r.adapters[a.Name()] = a
	}
	if _, ok := r.adapters[r.active]; !ok {
		return nil, fmt.Errorf("%w: %q is not configured", entity.ErrUnknownGateway, active)
	}
	return r, nil
}

func (r *Registry) Get(name string) (Adapter, error) {
	a, ok := r.adapters[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", entity.ErrUnknownGateway, name)
	}
	return a, nil
}

// Active returns the adapter used for new bookings.
func (r *Registry) Active() Adapter {
	return r.adapters[r.active]
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func requireFields(p *Payload, fields ...string) error {
	for _, f := range fields {
		if strings.TrimSpace(p.Get(f)) == "" {
			return &entity.MalformedPayloadError{Field: f}
		}
	}
	return nil
}
