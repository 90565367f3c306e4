// Package whatsapp sends MSG91 WhatsApp template messages.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ds124wfegd/playverse/config"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

var ErrUnavailable = errors.New("whatsapp provider unavailable")

type Component struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`
	Value   string `json:"value"`
}

func Text(v string) Component { return Component{Type: "text", Value: v} }

func Image(url string) Component { return Component{Type: "image", Value: url} }

func URLButton(v string) Component { return Component{Type: "text", Subtype: "url", Value: v} }

// Recipient is one entry of to_and_components. Component keys follow the
// template placeholders: header_1, body_1..body_n, button_1.
type Recipient struct {
	To         []string             `json:"to"`
	Components map[string]Component `json:"components"`
}

type Sender interface {
	SendTemplate(ctx context.Context, template string, recipients []Recipient) (json.RawMessage, error)
}

type language struct {
	Code   string `json:"code"`
	Policy string `json:"policy"`
}

type template struct {
	Name            string      `json:"name"`
	Language        language    `json:"language"`
	Namespace       string      `json:"namespace"`
	ToAndComponents []Recipient `json:"to_and_components"`
}

type innerPayload struct {
	MessagingProduct string   `json:"messaging_product"`
	Type             string   `json:"type"`
	Template         template `json:"template"`
}

type bulkRequest struct {
	IntegratedNumber string       `json:"integrated_number"`
	ContentType      string       `json:"content_type"`
	Payload          innerPayload `json:"payload"`
}

type Client struct {
	apiURL           string
	authKey          string
	integratedNumber string
	namespace        string
	client           *http.Client
	breaker          *gobreaker.CircuitBreaker
}

func NewClient(cfg *config.WhatsAppConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		apiURL:           cfg.APIURL,
		authKey:          cfg.AuthKey,
		integratedNumber: cfg.IntegratedNumber,
		namespace:        cfg.Namespace,
		client:           &http.Client{Timeout: timeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "msg91",
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     time.Minute,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logrus.WithFields(logrus.Fields{"breaker": name, "from": from.String(), "to": to.String()}).Warn("Circuit breaker state changed")
			},
		}),
	}
}

func (c *Client) SendTemplate(ctx context.Context, name string, recipients []Recipient) (json.RawMessage, error) {
	if len(recipients) == 0 {
		return nil, fmt.Errorf("no recipients for template %s", name)
	}

	body, err := json.Marshal(bulkRequest{
		IntegratedNumber: c.integratedNumber,
		ContentType:      "template",
		Payload: innerPayload{
			MessagingProduct: "whatsapp",
			Type:             "template",
			Template: template{
				Name:            name,
				Language:        language{Code: "en", Policy: "deterministic"},
				Namespace:       c.namespace,
				ToAndComponents: recipients,
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal template message: %w", err)
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.post(ctx, body)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return nil, err
	}

	logrus.WithFields(logrus.Fields{"template": name, "recipients": len(recipients)}).Info("WhatsApp template sent")
	return result.(json.RawMessage), nil
}

func (c *Client) post(ctx context.Context, body []byte) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("authkey", c.authKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("msg91 returned %s: %s", resp.Status, strings.TrimSpace(string(respBody)))
	}
	if !json.Valid(respBody) {
		respBody, _ = json.Marshal(string(respBody))
	}
	return json.RawMessage(respBody), nil
}

// NopSender is used when WhatsApp delivery is disabled.
type NopSender struct{}

func (NopSender) SendTemplate(_ context.Context, name string, recipients []Recipient) (json.RawMessage, error) {
	logrus.WithFields(logrus.Fields{"template": name, "recipients": len(recipients)}).Debug("WhatsApp disabled, template not sent")
	return json.RawMessage(`{"status":"skipped"}`), nil
}
