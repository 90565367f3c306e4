package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ds124wfegd/playverse/config"
	"github.com/ds124wfegd/playverse/internal/entity"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

const (
	RazorpayName            = "razorpay"
	RazorpaySignatureHeader = "X-Razorpay-Signature"
	razorpayCheckoutURL     = "https://checkout.razorpay.com/v1/checkout.js"
)

// Razorpay creates orders through the REST API and accepts two kinds of
// inbound data: body-signed webhooks and the checkout handler's
// order_id|payment_id signature.
type Razorpay struct {
	keyID         string
	keySecret     string
	webhookSecret string
	apiBaseURL    string
	currency      string
	client        *http.Client
	breaker       *gobreaker.CircuitBreaker
}

func NewRazorpay(cfg *config.RazorpayConfig, currency string, timeout time.Duration) *Razorpay {
	if currency == "" {
		currency = "INR"
	}
	return &Razorpay{
		keyID:         cfg.KeyID,
		keySecret:     cfg.KeySecret,
		webhookSecret: cfg.WebhookSecret,
		apiBaseURL:    strings.TrimRight(cfg.APIBaseURL, "/"),
		currency:      currency,
		client:        &http.Client{Timeout: timeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "razorpay-orders",
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logrus.WithFields(logrus.Fields{"breaker": name, "from": from.String(), "to": to.String()}).
					Warn("Circuit breaker state changed")
			},
		}),
	}
}

func (r *Razorpay) Name() string { return RazorpayName }

type razorpayOrderRequest struct {
	Amount   int64             `json:"amount"`
	Currency string            `json:"currency"`
	Receipt  string            `json:"receipt"`
	Notes    map[string]string `json:"notes"`
}

type razorpayOrder struct {
	ID       string `json:"id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Status   string `json:"status"`
}

func (r *Razorpay) BuildPaymentRequest(ctx context.Context, amount int64, event EventSummary, payer Payer) (*PaymentRequest, error) {
	orderReq := razorpayOrderRequest{
		Amount:   amount,
		Currency: r.currency,
		Receipt:  "rcpt_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16],
		Notes: map[string]string{
			"event_id":    strconv.FormatInt(event.ID, 10),
			"skill_level": payer.SkillLevel,
			"quantity":    strconv.Itoa(payer.Quantity),
			"phone":       payer.Phone,
		},
	}

	result, err := r.breaker.Execute(func() (interface{}, error) {
		return r.createOrder(ctx, &orderReq)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %v", entity.ErrGatewayUnavailable, err)
		}
		return nil, err
	}
	order := result.(*razorpayOrder)

	return &PaymentRequest{
		Gateway: RazorpayName,
		TxnRef:  order.ID,
		URL:     razorpayCheckoutURL,
		Amount:  FormatAmount(amount),
		Fields: map[string]string{
			"key":             r.keyID,
			"order_id":        order.ID,
			"amount":          strconv.FormatInt(amount, 10),
			"currency":        r.currency,
			"name":            event.Name,
			"description":     fmt.Sprintf("%s (%s)", event.Name, event.Slot),
			"prefill_name":    payer.Name,
			"prefill_email":   payer.Email,
			"prefill_contact": payer.Phone,
		},
	}, nil
}

func (r *Razorpay) createOrder(ctx context.Context, orderReq *razorpayOrderRequest) (*razorpayOrder, error) {
	body, err := json.Marshal(orderReq)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal order: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.apiBaseURL+"/v1/orders", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build order request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(r.keyID, r.keySecret)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", entity.ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, fmt.Errorf("%w: razorpay returned %s", entity.ErrGatewayUnavailable, resp.Status)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("razorpay order rejected: %s: %s", resp.Status, strings.TrimSpace(string(respBody)))
	}

	var order razorpayOrder
	if err := json.Unmarshal(respBody, &order); err != nil {
		return nil, fmt.Errorf("failed to decode razorpay order: %w", err)
	}
	if order.ID == "" {
		return nil, fmt.Errorf("razorpay order response has no id")
	}
	return &order, nil
}

// VerifyInboundSignature checks the webhook body signature when a body is
// present and the checkout order_id|payment_id signature otherwise.
func (r *Razorpay) VerifyInboundSignature(p *Payload) (bool, error) {
	if len(p.Body) > 0 {
		if strings.TrimSpace(p.Signature) == "" {
			return false, &entity.MalformedPayloadError{Field: RazorpaySignatureHeader}
		}
		return hmacEqual(r.webhookSecret, p.Body, p.Signature), nil
	}

	if err := requireFields(p, "razorpay_order_id", "razorpay_payment_id", "razorpay_signature"); err != nil {
		return false, err
	}
	message := p.Get("razorpay_order_id") + "|" + p.Get("razorpay_payment_id")
	return hmacEqual(r.keySecret, []byte(message), p.Get("razorpay_signature")), nil
}

type razorpayWebhook struct {
	Event   string `json:"event"`
	Payload struct {
		Payment struct {
			Entity struct {
				ID      string `json:"id"`
				OrderID string `json:"order_id"`
				Amount  int64  `json:"amount"`
				Status  string `json:"status"`
				Notes   struct {
					EventID string `json:"event_id"`
				} `json:"notes"`
			} `json:"entity"`
		} `json:"payment"`
	} `json:"payload"`
}

func (r *Razorpay) NormalizeWebhook(p *Payload) (*entity.CanonicalPaymentEvent, error) {
	if len(p.Body) == 0 {
		return nil, &entity.MalformedPayloadError{Field: "body"}
	}

	ok, err := r.VerifyInboundSignature(p)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: razorpay webhook", entity.ErrSignatureMismatch)
	}

	var hook razorpayWebhook
	if err := json.Unmarshal(p.Body, &hook); err != nil {
		return nil, &entity.MalformedPayloadError{Field: "body"}
	}

	payment := hook.Payload.Payment.Entity
	switch {
	case hook.Event == "":
		return nil, &entity.MalformedPayloadError{Field: "event"}
	case payment.OrderID == "":
		return nil, &entity.MalformedPayloadError{Field: "order_id"}
	case payment.ID == "":
		return nil, &entity.MalformedPayloadError{Field: "id"}
	case payment.Amount <= 0:
		return nil, &entity.MalformedPayloadError{Field: "amount"}
	}

	eventID, _ := strconv.ParseInt(payment.Notes.EventID, 10, 64)

	return &entity.CanonicalPaymentEvent{
		Gateway:    RazorpayName,
		Status:     razorpayStatus(hook.Event),
		TxnRef:     payment.OrderID,
		PaymentRef: payment.ID,
		Amount:     payment.Amount,
		EventID:    eventID,
	}, nil
}

// NormalizeReturn handles the checkout handler post. The amount is not
// covered by that signature, so it is reported as zero.
func (r *Razorpay) NormalizeReturn(p *Payload) (*entity.CanonicalPaymentEvent, error) {
	ok, err := r.VerifyInboundSignature(&Payload{Fields: p.Fields})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: order %s", entity.ErrSignatureMismatch, p.Get("razorpay_order_id"))
	}

	return &entity.CanonicalPaymentEvent{
		Gateway:    RazorpayName,
		Status:     entity.PaymentStatusSuccess,
		TxnRef:     p.Get("razorpay_order_id"),
		PaymentRef: p.Get("razorpay_payment_id"),
	}, nil
}

func razorpayStatus(event string) entity.PaymentStatus {
	switch event {
	case "payment.captured", "order.paid":
		return entity.PaymentStatusSuccess
	case "payment.failed":
		return entity.PaymentStatusFailed
	default:
		return entity.PaymentStatusPending
	}
}

func hmacEqual(secret string, message []byte, signature string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(message)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(strings.TrimSpace(signature))))
}
