package entity

import (
	"time"
)

// Event is a bookable sports session. Price is stored in minor currency
// units (paise).
type Event struct {
	ID                int64     `json:"id" db:"id"`
	Name              string    `json:"name" db:"name"`
	Description       string    `json:"description" db:"description"`
	Date              time.Time `json:"date" db:"date"`
	Slot              string    `json:"slot" db:"slot"`
	SportsName        string    `json:"sportsName" db:"sports_name"`
	VenueName         string    `json:"venueName" db:"venue_name"`
	VenueImage        string    `json:"venueImage,omitempty" db:"venue_image"`
	Location          string    `json:"location" db:"location"`
	ParticipantsLimit int       `json:"participantsLimit" db:"participants_limit"`
	Price             int64     `json:"price" db:"price"`
	ConfirmedSlots    int       `json:"currentParticipants" db:"confirmed_slots"`
	ConfirmationCount int       `json:"confirmationCount" db:"confirmation_count"`
	CancellationCount int       `json:"cancellationCount" db:"cancellation_count"`
	CreatedAt         time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt         time.Time `json:"updatedAt" db:"updated_at"`
}

// SlotsLeft is the capacity not yet taken by confirmed participants.
func (e *Event) SlotsLeft() int {
	left := e.ParticipantsLimit - e.ConfirmedSlots
	if left < 0 {
		return 0
	}
	return left
}

type EventWithAvailability struct {
	Event
	SlotsLeft int `json:"slotsLeft"`
}

func NewEventWithAvailability(e *Event) *EventWithAvailability {
	return &EventWithAvailability{Event: *e, SlotsLeft: e.SlotsLeft()}
}

// EventFilter narrows event listings. Page and Limit are zero when no
// pagination was requested.
type EventFilter struct {
	Sport string
	Page  int
	Limit int
}

type VenueEvents struct {
	Venue       string          `json:"venue"`
	TotalEvents int             `json:"totalEvents"`
	Events      []VenueEventRow `json:"events"`
}

type VenueEventRow struct {
	ID                  int64  `json:"_id"`
	Name                string `json:"name"`
	Time                string `json:"time"`
	Sport               string `json:"sport"`
	CurrentParticipants int    `json:"currentParticipants"`
	ParticipantsLimit   int    `json:"participantsLimit"`
}
