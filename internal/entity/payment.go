package entity

type PaymentStatus string

const (
	PaymentStatusSuccess PaymentStatus = "success"
	PaymentStatusFailed  PaymentStatus = "failed"
	PaymentStatusPending PaymentStatus = "pending"
)

// CanonicalPaymentEvent is the gateway-agnostic result of a verified
// callback or webhook. Amount is in minor units; zero means the gateway
// did not sign an amount.
type CanonicalPaymentEvent struct {
	Gateway    string        `json:"gateway"`
	Status     PaymentStatus `json:"status"`
	TxnRef     string        `json:"txnRef"`
	PaymentRef string        `json:"paymentRef"`
	Amount     int64         `json:"amount"`
	EventID    int64         `json:"eventId,omitempty"`
}
