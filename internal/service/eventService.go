package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ds124wfegd/playverse/internal/database"
	"github.com/ds124wfegd/playverse/internal/entity"
	"github.com/ds124wfegd/playverse/internal/gateway"
	"github.com/ds124wfegd/playverse/pkg/export"
)

var exportHeaders = []string{
	"Event ID", "Event Name", "Sport", "Venue Name", "Skill Level", "Date", "Time", "Event Price",
	"Payment Id", "Order Id", "Participant Name", "Participant Phone", "Participant Id", "Quantity", "Total Amount",
}

type eventService struct {
	events database.EventRepository
	ledger database.Ledger
	venues []string
}

// NewEventService builds the catalogue service. venues lists the venues
// checked by the daily report.
func NewEventService(events database.EventRepository, ledger database.Ledger, venues []string) EventService {
	return &eventService{events: events, ledger: ledger, venues: venues}
}

func (s *eventService) CreateEvent(ctx context.Context, req *EventRequest) (*entity.Event, error) {
	event, err := req.newEvent()
	if err != nil {
		return nil, err
	}
	if err := s.events.Create(ctx, event); err != nil {
		return nil, fmt.Errorf("failed to create event: %w", err)
	}
	return event, nil
}

func (req *EventRequest) newEvent() (*entity.Event, error) {
	missing := func(v *string) bool { return v == nil || strings.TrimSpace(*v) == "" }

	if missing(req.Name) || missing(req.Description) || req.Date == nil || req.Date.IsZero() ||
		missing(req.Slot) || req.ParticipantsLimit == nil || *req.ParticipantsLimit <= 0 ||
		req.Price == nil || *req.Price <= 0 || missing(req.VenueName) || missing(req.Location) ||
		missing(req.SportsName) {
		return nil, &entity.ValidationError{Message: "Please provide all required fields"}
	}

	event := &entity.Event{}
	req.apply(event)
	return event, nil
}

func (req *EventRequest) apply(e *entity.Event) {
	if req.Name != nil {
		e.Name = strings.TrimSpace(*req.Name)
	}
	if req.Description != nil {
		e.Description = *req.Description
	}
	if req.Date != nil && !req.Date.IsZero() {
		e.Date = req.Date.Time
	}
	if req.Slot != nil {
		e.Slot = strings.TrimSpace(*req.Slot)
	}
	if req.ParticipantsLimit != nil {
		e.ParticipantsLimit = *req.ParticipantsLimit
	}
	if req.Price != nil {
		e.Price = *req.Price
	}
	if req.VenueName != nil {
		e.VenueName = strings.TrimSpace(*req.VenueName)
	}
	if req.VenueImage != nil {
		e.VenueImage = strings.TrimSpace(*req.VenueImage)
	}
	if req.Location != nil {
		e.Location = strings.TrimSpace(*req.Location)
	}
	if req.SportsName != nil {
		e.SportsName = strings.ToLower(strings.TrimSpace(*req.SportsName))
	}
}

func (s *eventService) GetEvent(ctx context.Context, id int64) (*entity.EventWithAvailability, error) {
	event, err := s.events.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return entity.NewEventWithAvailability(event), nil
}

func (s *eventService) ListEvents(ctx context.Context, q *ListEventsQuery) (*EventList, error) {
	filter := entity.EventFilter{}
	if sport := strings.ToLower(strings.TrimSpace(q.Sport)); sport != "" && sport != "all" {
		filter.Sport = sport
	}

	paginate := q.Page != "" && q.Limit != ""
	if paginate {
		page, perr := strconv.Atoi(q.Page)
		limit, lerr := strconv.Atoi(q.Limit)
		if perr != nil || lerr != nil || page < 1 || limit < 1 {
			return nil, entity.ErrInvalidPagination
		}
		filter.Page, filter.Limit = page, limit
	}

	events, total, err := s.events.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	sports, err := s.events.DistinctSports(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list sports: %w", err)
	}

	list := &EventList{
		Total:           total,
		Sport:           q.Sport,
		AvailableSports: sports,
		Events:          make([]*entity.EventWithAvailability, 0, len(events)),
	}
	if list.Sport == "" {
		list.Sport = "all"
	}
	for _, e := range events {
		list.Events = append(list.Events, entity.NewEventWithAvailability(e))
	}

	if paginate {
		totalPages := (total + filter.Limit - 1) / filter.Limit
		list.Pagination = &Pagination{
			CurrentPage: filter.Page,
			TotalPages:  totalPages,
			Limit:       filter.Limit,
			HasNextPage: filter.Page < totalPages,
			HasPrevPage: filter.Page > 1,
		}
	}
	return list, nil
}

func (s *eventService) UpdateEvent(ctx context.Context, id int64, req *EventRequest) (*entity.Event, error) {
	event, err := s.events.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	req.apply(event)
	if event.ParticipantsLimit <= 0 {
		return nil, &entity.ValidationError{Message: "participantsLimit must be positive"}
	}

	if err := s.events.Update(ctx, event); err != nil {
		if errors.Is(err, entity.ErrLimitBelowConfirmed) || errors.Is(err, entity.ErrEventNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to update event: %w", err)
	}
	return event, nil
}

func (s *eventService) DeleteEvent(ctx context.Context, id int64) (*entity.Event, error) {
	event, err := s.events.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.events.Delete(ctx, id); err != nil {
		return nil, err
	}
	return event, nil
}

// ImportEvents creates one event per spreadsheet row. Every row is
// validated before anything is written. Prices are in rupees.
func (s *eventService) ImportEvents(ctx context.Context, r io.Reader) ([]*entity.Event, error) {
	records, err := export.ReadRecords(r)
	if err != nil {
		return nil, &entity.ValidationError{Message: err.Error()}
	}
	if len(records) == 0 {
		return nil, &entity.ValidationError{Message: "Uploaded sheet has no events"}
	}

	events := make([]*entity.Event, 0, len(records))
	for i, rec := range records {
		e, err := eventFromRecord(rec)
		if err != nil {
			return nil, &entity.ValidationError{Message: fmt.Sprintf("row %d: %s", i+2, err.Error())}
		}
		events = append(events, e)
	}

	for _, e := range events {
		if err := s.events.Create(ctx, e); err != nil {
			return nil, fmt.Errorf("failed to create event %q: %w", e.Name, err)
		}
	}
	return events, nil
}

func eventFromRecord(rec map[string]string) (*entity.Event, error) {
	for _, f := range []string{"name", "description", "date", "slot", "participantsLimit", "price", "venueName", "location", "sportsName"} {
		if rec[f] == "" {
			return nil, errors.New("each event must have all required fields")
		}
	}

	date, ok := export.SerialDate(rec["date"])
	if !ok {
		t, err := entity.ParseEventTime(rec["date"])
		if err != nil {
			return nil, err
		}
		date = t
	}

	limit, err := strconv.Atoi(rec["participantsLimit"])
	if err != nil || limit <= 0 {
		return nil, fmt.Errorf("invalid participantsLimit %q", rec["participantsLimit"])
	}
	price, err := gateway.ParseAmount(rec["price"])
	if err != nil || price <= 0 {
		return nil, fmt.Errorf("invalid price %q", rec["price"])
	}

	return &entity.Event{
		Name:              rec["name"],
		Description:       rec["description"],
		Date:              date,
		Slot:              rec["slot"],
		ParticipantsLimit: limit,
		Price:             price,
		VenueName:         rec["venueName"],
		VenueImage:        rec["venueImage"],
		Location:          rec["location"],
		SportsName:        strings.ToLower(rec["sportsName"]),
	}, nil
}

func (s *eventService) SuccessfulPayments(ctx context.Context, id int64) (*SuccessfulPayments, error) {
	event, err := s.events.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	confirmed, err := s.ledger.ListParticipants(ctx, id, entity.ParticipantStatusConfirmed)
	if err != nil {
		return nil, fmt.Errorf("failed to list participants: %w", err)
	}

	result := &SuccessfulPayments{
		EventName:               event.Name,
		TotalSuccessfulPayments: len(confirmed),
		SuccessfulPayments:      make([]PaymentSummary, 0, len(confirmed)),
	}
	for _, p := range confirmed {
		result.TotalBookedSlots += p.Quantity
		result.SuccessfulPayments = append(result.SuccessfulPayments, PaymentSummary{
			Name:       p.Name,
			Phone:      p.Phone,
			SkillLevel: p.SkillLevel,
			Quantity:   p.Quantity,
			Amount:     gateway.FormatAmount(p.Amount),
			PaymentID:  p.PaymentRef,
		})
	}
	result.SlotsLeft = event.ParticipantsLimit - result.TotalBookedSlots
	if result.SlotsLeft < 0 {
		result.SlotsLeft = 0
	}
	return result, nil
}

func dayBounds(now time.Time) (time.Time, time.Time) {
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	return start, start.AddDate(0, 0, 1)
}

func (s *eventService) TodayByVenue(ctx context.Context, now time.Time) (*VenueDay, error) {
	from, to := dayBounds(now)
	events, err := s.events.ListByDateRange(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to list today's events: %w", err)
	}

	byVenue := map[string]*entity.VenueEvents{}
	venues := []*entity.VenueEvents{}
	for _, e := range events {
		v, ok := byVenue[e.VenueName]
		if !ok {
			v = &entity.VenueEvents{Venue: e.VenueName}
			byVenue[e.VenueName] = v
			venues = append(venues, v)
		}
		v.TotalEvents++
		v.Events = append(v.Events, entity.VenueEventRow{
			ID:                  e.ID,
			Name:                e.Name,
			Time:                e.Slot,
			Sport:               e.SportsName,
			CurrentParticipants: e.ConfirmedSlots,
			ParticipantsLimit:   e.ParticipantsLimit,
		})
	}
	sort.Slice(venues, func(i, j int) bool { return venues[i].Venue < venues[j].Venue })

	return &VenueDay{Date: from.Format("2006-01-02"), Venues: venues}, nil
}

func (s *eventService) DailyReport(ctx context.Context, now time.Time) (*DailyReport, error) {
	day, err := s.TodayByVenue(ctx, now)
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int, len(day.Venues))
	report := &DailyReport{
		Date:               day.Date,
		TotalVenuesChecked: len(s.venues),
		VenuesWithNoEvents: []string{},
		VenuesWithEvents:   make([]VenueCount, 0, len(day.Venues)),
	}
	for _, v := range day.Venues {
		counts[v.Venue] = v.TotalEvents
		report.VenuesWithEvents = append(report.VenuesWithEvents, VenueCount{VenueName: v.Venue, TotalEvents: v.TotalEvents})
	}
	for _, name := range s.venues {
		if counts[name] == 0 {
			report.VenuesWithNoEvents = append(report.VenuesWithNoEvents, name)
		}
	}
	return report, nil
}

func (s *eventService) ExportConfirmed(ctx context.Context, w io.Writer) error {
	bookings, err := s.ledger.ListConfirmedBookings(ctx)
	if err != nil {
		return fmt.Errorf("failed to list confirmed bookings: %w", err)
	}

	sheet := &export.Sheet{Name: "Events", Headers: exportHeaders, Rows: make([][]interface{}, 0, len(bookings))}
	for _, b := range bookings {
		e, p := b.Event, b.Participant
		sheet.Rows = append(sheet.Rows, []interface{}{
			e.ID,
			e.Name,
			e.SportsName,
			e.VenueName,
			p.SkillLevel,
			e.Date.Format("2006-01-02"),
			e.Slot,
			gateway.FormatAmount(e.Price),
			p.PaymentRef,
			p.TransactionRef,
			p.Name,
			p.Phone,
			p.ID,
			p.Quantity,
			gateway.FormatAmount(p.Amount),
		})
	}
	return export.Write(w, sheet)
}
