package gateway

import (
	"context"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/ds124wfegd/playverse/config"
	"github.com/ds124wfegd/playverse/internal/entity"
	"github.com/google/uuid"
)

const PayUName = "payu"

// PayU signs requests and responses with SHA-512 over pipe-delimited
// field lists. The two orders are defined independently by the gateway.
type PayU struct {
	key        string
	salt       string
	baseURL    string
	successURL string
	failureURL string
	newTxnRef  func() string
}

func NewPayU(cfg *config.PayUConfig) *PayU {
	return &PayU{
		key:        cfg.MerchantKey,
		salt:       cfg.MerchantSalt,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		successURL: cfg.SuccessURL,
		failureURL: cfg.FailureURL,
		newTxnRef:  newPayUTxnRef,
	}
}

func newPayUTxnRef() string {
	id := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
	return "TXN" + id[:20]
}

func (p *PayU) Name() string { return PayUName }

func (p *PayU) BuildPaymentRequest(ctx context.Context, amount int64, event EventSummary, payer Payer) (*PaymentRequest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	email := payer.Email
	if strings.TrimSpace(email) == "" {
		email = "customer@example.com"
	}

	fields := map[string]string{
		"key":         p.key,
		"txnid":       p.newTxnRef(),
		"amount":      FormatAmount(amount),
		"productinfo": fmt.Sprintf("%s (%s)", event.Name, event.Slot),
		"firstname":   payer.Name,
		"email":       email,
		"phone":       payer.Phone,
		"surl":        p.successURL,
		"furl":        p.failureURL,
		"udf1":        payer.SkillLevel,
		"udf2":        strconv.Itoa(payer.Quantity),
		"udf3":        strconv.FormatInt(event.ID, 10),
		"udf4":        "",
		"udf5":        "",
	}
	for k, v := range fields {
		fields[k] = sanitize(v)
	}
	fields["hash"] = p.requestHash(fields)

	return &PaymentRequest{
		Gateway: PayUName,
		TxnRef:  fields["txnid"],
		URL:     p.baseURL + "/_payment",
		Amount:  fields["amount"],
		Fields:  fields,
	}, nil
}

// sanitize strips the hash delimiter so no field can shift the layout.
func sanitize(v string) string {
	return strings.TrimSpace(strings.ReplaceAll(v, "|", ""))
}

// key|txnid|amount|productinfo|firstname|email|udf1|udf2|udf3|udf4|udf5||||||salt
func (p *PayU) requestHash(f map[string]string) string {
	parts := []string{
		p.key, f["txnid"], f["amount"], f["productinfo"], f["firstname"], f["email"],
		f["udf1"], f["udf2"], f["udf3"], f["udf4"], f["udf5"],
		"", "", "", "", "",
		p.salt,
	}
	return sha512Hex(strings.Join(parts, "|"))
}

// [additionalCharges|]salt|status||||||udf5|udf4|udf3|udf2|udf1|email|firstname|productinfo|amount|txnid|key
func (p *PayU) responseHash(pl *Payload) string {
	parts := []string{
		p.salt, pl.Get("status"),
		"", "", "", "", "",
		pl.Get("udf5"), pl.Get("udf4"), pl.Get("udf3"), pl.Get("udf2"), pl.Get("udf1"),
		pl.Get("email"), pl.Get("firstname"), pl.Get("productinfo"), pl.Get("amount"), pl.Get("txnid"),
		p.key,
	}
	if charges := pl.Get("additionalCharges"); charges != "" {
		parts = append([]string{charges}, parts...)
	}
	return sha512Hex(strings.Join(parts, "|"))
}

func (p *PayU) VerifyInboundSignature(pl *Payload) (bool, error) {
	if err := requireFields(pl, "status", "txnid", "amount", "productinfo", "firstname", "email", "hash"); err != nil {
		return false, err
	}
	expected := p.responseHash(pl)
	got := strings.ToLower(strings.TrimSpace(pl.Get("hash")))
	return subtle.ConstantTimeCompare([]byte(expected), []byte(got)) == 1, nil
}

func (p *PayU) NormalizeWebhook(pl *Payload) (*entity.CanonicalPaymentEvent, error) {
	if err := requireFields(pl, "status", "txnid", "mihpayid", "amount", "hash"); err != nil {
		return nil, err
	}
	return p.normalize(pl)
}

func (p *PayU) NormalizeReturn(pl *Payload) (*entity.CanonicalPaymentEvent, error) {
	return p.normalize(pl)
}

func (p *PayU) normalize(pl *Payload) (*entity.CanonicalPaymentEvent, error) {
	ok, err := p.VerifyInboundSignature(pl)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: txnid %s", entity.ErrSignatureMismatch, pl.Get("txnid"))
	}

	amount, err := ParseAmount(pl.Get("amount"))
	if err != nil {
		return nil, &entity.MalformedPayloadError{Field: "amount"}
	}

	eventID, _ := strconv.ParseInt(strings.TrimSpace(pl.Get("udf3")), 10, 64)

	return &entity.CanonicalPaymentEvent{
		Gateway:    PayUName,
		Status:     payUStatus(pl.Get("status")),
		TxnRef:     pl.Get("txnid"),
		PaymentRef: pl.Get("mihpayid"),
		Amount:     amount,
		EventID:    eventID,
	}, nil
}

func payUStatus(s string) entity.PaymentStatus {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "success":
		return entity.PaymentStatusSuccess
	case "pending":
		return entity.PaymentStatusPending
	default:
		return entity.PaymentStatusFailed
	}
}

func sha512Hex(s string) string {
	sum := sha512.Sum512([]byte(s))
	return hex.EncodeToString(sum[:])
}
