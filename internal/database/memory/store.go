// Package memory keeps events and participants in process. Mutations of
// one event are serialized by a per-event mutex held across the whole
// read-check-write; different events never contend.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ds124wfegd/playverse/internal/entity"
	"github.com/google/uuid"
)

type Store struct {
	mu           sync.RWMutex
	events       map[int64]*entity.Event
	participants map[string]*entity.Participant // by transaction ref
	byEvent      map[int64][]string
	nextEventID  int64

	locksMu sync.Mutex
	locks   map[int64]*sync.Mutex

	now func() time.Time
}

func NewStore() *Store {
	return &Store{
		events:       make(map[int64]*entity.Event),
		participants: make(map[string]*entity.Participant),
		byEvent:      make(map[int64][]string),
		locks:        make(map[int64]*sync.Mutex),
		now:          time.Now,
	}
}

func (s *Store) eventLock(eventID int64) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	l, ok := s.locks[eventID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[eventID] = l
	}
	return l
}

// confirmedSum must be called with the event lock held.
func (s *Store) confirmedSum(eventID int64) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sum := 0
	for _, ref := range s.byEvent[eventID] {
		if p := s.participants[ref]; p.Status == entity.ParticipantStatusConfirmed {
			sum += p.Quantity
		}
	}
	return sum
}

func (s *Store) event(id int64) (*entity.Event, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.events[id]
	return e, ok
}

func (s *Store) participant(txnRef string) (*entity.Participant, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.participants[txnRef]
	return p, ok
}

func copyEvent(e *entity.Event) *entity.Event {
	c := *e
	return &c
}

func copyParticipant(p *entity.Participant) *entity.Participant {
	c := *p
	if p.ConfirmedAt != nil {
		t := *p.ConfirmedAt
		c.ConfirmedAt = &t
	}
	return &c
}

// Ledger

func (s *Store) AvailableSlots(ctx context.Context, eventID int64) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	l := s.eventLock(eventID)
	l.Lock()
	defer l.Unlock()

	e, ok := s.event(eventID)
	if !ok {
		return 0, entity.ErrEventNotFound
	}
	return available(e.ParticipantsLimit, s.confirmedSum(eventID)), nil
}

func available(limit, confirmed int) int {
	if confirmed >= limit {
		return 0
	}
	return limit - confirmed
}

func (s *Store) ReserveIfAvailable(ctx context.Context, eventID int64, p *entity.Participant) (*entity.Participant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.TransactionRef == "" {
		return nil, &entity.ValidationError{Message: "transaction reference is required"}
	}
	if p.Quantity < 1 {
		return nil, &entity.ValidationError{Message: "quantity must be at least 1"}
	}

	l := s.eventLock(eventID)
	l.Lock()
	defer l.Unlock()

	e, ok := s.event(eventID)
	if !ok {
		return nil, entity.ErrEventNotFound
	}

	left := available(e.ParticipantsLimit, s.confirmedSum(eventID))
	if p.Quantity > left {
		return nil, &entity.InsufficientCapacityError{Requested: p.Quantity, Available: left}
	}

	now := s.now()
	stored := copyParticipant(p)
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	stored.EventID = eventID
	stored.Status = entity.ParticipantStatusPending
	stored.ConfirmedAt = nil
	stored.FailureReason = ""
	stored.CreatedAt = now
	stored.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.participants[stored.TransactionRef]; dup {
		return nil, fmt.Errorf("failed to reserve: duplicate transaction reference %s", stored.TransactionRef)
	}
	s.participants[stored.TransactionRef] = stored
	s.byEvent[eventID] = append(s.byEvent[eventID], stored.TransactionRef)

	return copyParticipant(stored), nil
}

// lockParticipant resolves the owning event and takes its lock. The
// returned unlock must be called once the transition is written.
func (s *Store) lockParticipant(txnRef string) (*entity.Participant, func(), error) {
	p, ok := s.participant(txnRef)
	if !ok {
		return nil, nil, entity.ErrParticipantNotFound
	}

	l := s.eventLock(p.EventID)
	l.Lock()
	return p, l.Unlock, nil
}

func (s *Store) ConfirmParticipant(ctx context.Context, txnRef, paymentRef string, finalAmount int64) (*entity.Participant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p, unlock, err := s.lockParticipant(txnRef)
	if err != nil {
		return nil, err
	}
	defer unlock()

	s.mu.RLock()
	status := p.Status
	s.mu.RUnlock()

	switch status {
	case entity.ParticipantStatusConfirmed:
		return s.snapshot(p), nil
	case entity.ParticipantStatusFailed:
		return s.snapshot(p), &entity.AlreadyTerminalError{TxnRef: txnRef, Status: status}
	}

	e, ok := s.event(p.EventID)
	if !ok {
		return nil, entity.ErrEventNotFound
	}

	confirmed := s.confirmedSum(p.EventID)
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if confirmed+p.Quantity > e.ParticipantsLimit {
		p.Status = entity.ParticipantStatusFailed
		p.FailureReason = entity.FailureReasonOversold
		if paymentRef != "" {
			p.PaymentRef = paymentRef
		}
		p.UpdatedAt = now
		return changed(p), &entity.OversoldAtConfirmError{
			TxnRef:    txnRef,
			Requested: p.Quantity,
			Available: available(e.ParticipantsLimit, confirmed),
		}
	}

	p.Status = entity.ParticipantStatusConfirmed
	p.PaymentRef = paymentRef
	if finalAmount > 0 {
		p.Amount = finalAmount
	}
	p.ConfirmedAt = &now
	p.UpdatedAt = now

	e.ConfirmedSlots = confirmed + p.Quantity
	e.UpdatedAt = now

	return changed(p), nil
}

func (s *Store) FailParticipant(ctx context.Context, txnRef, reason string) (*entity.Participant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p, unlock, err := s.lockParticipant(txnRef)
	if err != nil {
		return nil, err
	}
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if p.Status.IsTerminal() {
		return copyParticipant(p), nil
	}

	p.Status = entity.ParticipantStatusFailed
	p.FailureReason = reason
	p.UpdatedAt = s.now()
	return changed(p), nil
}

func changed(p *entity.Participant) *entity.Participant {
	out := copyParticipant(p)
	out.Changed = true
	return out
}

func (s *Store) snapshot(p *entity.Participant) *entity.Participant {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyParticipant(p)
}

func (s *Store) FindByTransactionRef(ctx context.Context, txnRef string) (*entity.Participant, error) {
	p, ok := s.participant(txnRef)
	if !ok {
		return nil, entity.ErrParticipantNotFound
	}
	return s.snapshot(p), nil
}

func (s *Store) ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]*entity.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stale []*entity.Participant
	for _, p := range s.participants {
		if p.Status == entity.ParticipantStatusPending && p.CreatedAt.Before(olderThan) {
			stale = append(stale, copyParticipant(p))
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].CreatedAt.Before(stale[j].CreatedAt) })

	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}
	return stale, nil
}

func (s *Store) ListParticipants(ctx context.Context, eventID int64, status entity.ParticipantStatus) ([]*entity.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.events[eventID]; !ok {
		return nil, entity.ErrEventNotFound
	}

	list := make([]*entity.Participant, 0, len(s.byEvent[eventID]))
	for _, ref := range s.byEvent[eventID] {
		p := s.participants[ref]
		if status == "" || p.Status == status {
			list = append(list, copyParticipant(p))
		}
	}
	return list, nil
}

func (s *Store) ListConfirmedBookings(ctx context.Context) ([]*entity.ConfirmedBooking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var bookings []*entity.ConfirmedBooking
	for _, e := range s.sortedEvents() {
		for _, ref := range s.byEvent[e.ID] {
			p := s.participants[ref]
			if p.Status != entity.ParticipantStatusConfirmed {
				continue
			}
			bookings = append(bookings, &entity.ConfirmedBooking{Event: copyEvent(e), Participant: copyParticipant(p)})
		}
	}
	return bookings, nil
}

// sortedEvents must be called with s.mu held.
func (s *Store) sortedEvents() []*entity.Event {
	list := make([]*entity.Event, 0, len(s.events))
	for _, e := range s.events {
		list = append(list, e)
	}
	sort.Slice(list, func(i, j int) bool {
		if !list[i].Date.Equal(list[j].Date) {
			return list[i].Date.Before(list[j].Date)
		}
		return list[i].ID < list[j].ID
	})
	return list
}

// EventRepository

func (s *Store) Create(ctx context.Context, event *entity.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextEventID++
	now := s.now()

	event.ID = s.nextEventID
	event.ConfirmedSlots = 0
	event.CreatedAt = now
	event.UpdatedAt = now
	s.events[event.ID] = copyEvent(event)
	return nil
}

func (s *Store) GetByID(ctx context.Context, id int64) (*entity.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.events[id]
	if !ok {
		return nil, entity.ErrEventNotFound
	}
	return copyEvent(e), nil
}

func (s *Store) List(ctx context.Context, filter entity.EventFilter) ([]*entity.Event, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*entity.Event
	for _, e := range s.sortedEvents() {
		if filter.Sport == "" || strings.EqualFold(e.SportsName, filter.Sport) {
			matched = append(matched, copyEvent(e))
		}
	}
	total := len(matched)

	if filter.Page > 0 && filter.Limit > 0 {
		start := (filter.Page - 1) * filter.Limit
		if start >= total {
			return []*entity.Event{}, total, nil
		}
		end := start + filter.Limit
		if end > total {
			end = total
		}
		matched = matched[start:end]
	}
	return matched, total, nil
}

func (s *Store) DistinctSports(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	sports := []string{}
	for _, e := range s.events {
		if _, ok := seen[e.SportsName]; ok {
			continue
		}
		seen[e.SportsName] = struct{}{}
		sports = append(sports, e.SportsName)
	}
	sort.Strings(sports)
	return sports, nil
}

func (s *Store) Update(ctx context.Context, event *entity.Event) error {
	l := s.eventLock(event.ID)
	l.Lock()
	defer l.Unlock()

	if _, ok := s.event(event.ID); !ok {
		return entity.ErrEventNotFound
	}

	confirmed := s.confirmedSum(event.ID)
	if event.ParticipantsLimit < confirmed {
		return entity.ErrLimitBelowConfirmed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := s.events[event.ID]
	stored.Name = event.Name
	stored.Description = event.Description
	stored.Date = event.Date
	stored.Slot = event.Slot
	stored.SportsName = event.SportsName
	stored.VenueName = event.VenueName
	stored.VenueImage = event.VenueImage
	stored.Location = event.Location
	stored.ParticipantsLimit = event.ParticipantsLimit
	stored.Price = event.Price
	stored.ConfirmedSlots = confirmed
	stored.UpdatedAt = s.now()

	*event = *stored
	return nil
}

func (s *Store) Delete(ctx context.Context, id int64) error {
	l := s.eventLock(id)
	l.Lock()
	defer l.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.events[id]; !ok {
		return entity.ErrEventNotFound
	}
	delete(s.events, id)
	for _, ref := range s.byEvent[id] {
		delete(s.participants, ref)
	}
	delete(s.byEvent, id)
	return nil
}

func (s *Store) ListByDateRange(ctx context.Context, from, to time.Time) ([]*entity.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var list []*entity.Event
	for _, e := range s.sortedEvents() {
		if !e.Date.Before(from) && e.Date.Before(to) {
			list = append(list, copyEvent(e))
		}
	}
	return list, nil
}

func (s *Store) IncrementConfirmationCount(ctx context.Context, id int64) error {
	return s.incrementCounter(id, func(e *entity.Event) { e.ConfirmationCount++ })
}

func (s *Store) IncrementCancellationCount(ctx context.Context, id int64) error {
	return s.incrementCounter(id, func(e *entity.Event) { e.CancellationCount++ })
}

func (s *Store) incrementCounter(id int64, inc func(*entity.Event)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.events[id]
	if !ok {
		return entity.ErrEventNotFound
	}
	inc(e)
	e.UpdatedAt = s.now()
	return nil
}
