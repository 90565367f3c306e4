package queue

import (
	"fmt"
	"strings"
	"time"
)

type TaskType string

const (
	// TaskTypeExpireBooking fails a participant still pending after the TTL.
	TaskTypeExpireBooking TaskType = "expire_booking"
	// TaskTypeSendConfirmation sends the WhatsApp confirmation to one participant.
	TaskTypeSendConfirmation TaskType = "send_confirmation"
)

const dataTxnRef = "txn_ref"

// Task represents a unit of work in the queue
type Task struct {
	ID         string                 `json:"id"`
	Type       TaskType               `json:"type"`
	Data       map[string]interface{} `json:"data"`
	ExecuteAt  time.Time              `json:"execute_at"`
	CreatedAt  time.Time              `json:"created_at"`
	Attempts   int                    `json:"attempts"`
	MaxRetries int                    `json:"max_retries"`
}

func NewExpireBookingTask(txnRef string, at time.Time) *Task {
	return &Task{
		Type:      TaskTypeExpireBooking,
		Data:      map[string]interface{}{dataTxnRef: txnRef},
		ExecuteAt: at,
	}
}

func NewSendConfirmationTask(txnRef string) *Task {
	return &Task{
		Type: TaskTypeSendConfirmation,
		Data: map[string]interface{}{dataTxnRef: txnRef},
	}
}

// Validate checks if the task is valid
func (t *Task) Validate() error {
	if strings.TrimSpace(t.ID) == "" {
		return fmt.Errorf("task ID is required")
	}
	if strings.TrimSpace(string(t.Type)) == "" {
		return fmt.Errorf("task type is required")
	}
	if t.Data == nil {
		t.Data = make(map[string]interface{})
	}
	return nil
}

func (t *Task) TxnRef() string {
	return t.GetString(dataTxnRef)
}

// GetString returns a string value from task data
func (t *Task) GetString(key string) string {
	if val, ok := t.Data[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}
