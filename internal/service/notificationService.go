package service

import (
	"context"
	"fmt"
	"regexp"
	"strconv"

	"github.com/ds124wfegd/playverse/config"
	"github.com/ds124wfegd/playverse/internal/database"
	"github.com/ds124wfegd/playverse/internal/entity"
	"github.com/ds124wfegd/playverse/pkg/whatsapp"
	"github.com/sirupsen/logrus"
)

var whatsappPhone = regexp.MustCompile(`^\d{12}$`)

type notificationService struct {
	events database.EventRepository
	ledger database.Ledger
	sender whatsapp.Sender
	cfg    config.WhatsAppConfig
}

func NewNotificationService(events database.EventRepository, ledger database.Ledger, sender whatsapp.Sender, cfg *config.WhatsAppConfig) NotificationService {
	if sender == nil {
		sender = whatsapp.NopSender{}
	}
	return &notificationService{events: events, ledger: ledger, sender: sender, cfg: *cfg}
}

func (s *notificationService) SendConfirmation(ctx context.Context, eventID int64) (*NotificationResult, error) {
	event, recipients, err := s.eventRecipients(ctx, eventID, true)
	if err != nil {
		return nil, err
	}

	data, err := s.sender.SendTemplate(ctx, s.cfg.ConfirmationTemplate, recipients)
	if err != nil {
		return nil, fmt.Errorf("failed to send confirmation messages: %w", err)
	}
	if err := s.events.IncrementConfirmationCount(ctx, eventID); err != nil {
		return nil, fmt.Errorf("failed to count confirmation: %w", err)
	}

	return &NotificationResult{
		Message:    "Confirmation messages sent",
		Count:      event.ConfirmationCount + 1,
		Recipients: len(recipients),
		Data:       data,
	}, nil
}

func (s *notificationService) SendCancellation(ctx context.Context, eventID int64) (*NotificationResult, error) {
	event, recipients, err := s.eventRecipients(ctx, eventID, false)
	if err != nil {
		return nil, err
	}

	data, err := s.sender.SendTemplate(ctx, s.cfg.CancellationTemplate, recipients)
	if err != nil {
		return nil, fmt.Errorf("failed to send cancellation messages: %w", err)
	}
	if err := s.events.IncrementCancellationCount(ctx, eventID); err != nil {
		return nil, fmt.Errorf("failed to count cancellation: %w", err)
	}

	return &NotificationResult{
		Message:    "Cancellation messages sent",
		Count:      event.CancellationCount + 1,
		Recipients: len(recipients),
		Data:       data,
	}, nil
}

// NotifyParticipantConfirmed sends the confirmation template to a single
// participant. Participants that are not confirmed are skipped.
func (s *notificationService) NotifyParticipantConfirmed(ctx context.Context, txnRef string) error {
	p, err := s.ledger.FindByTransactionRef(ctx, txnRef)
	if err != nil {
		return err
	}
	log := logrus.WithFields(logrus.Fields{"txn_ref": txnRef, "event_id": p.EventID})
	if p.Status != entity.ParticipantStatusConfirmed {
		log.WithField("status", p.Status).Info("Participant not confirmed, message skipped")
		return nil
	}

	event, err := s.events.GetByID(ctx, p.EventID)
	if err != nil {
		return err
	}

	r, ok := s.recipient(event, p, true)
	if !ok {
		log.Warn("Participant phone cannot receive WhatsApp messages")
		return nil
	}

	if _, err := s.sender.SendTemplate(ctx, s.cfg.ConfirmationTemplate, []whatsapp.Recipient{r}); err != nil {
		return fmt.Errorf("failed to send confirmation message: %w", err)
	}
	log.Info("Confirmation message sent")
	return nil
}

func (s *notificationService) eventRecipients(ctx context.Context, eventID int64, withLink bool) (*entity.Event, []whatsapp.Recipient, error) {
	event, err := s.events.GetByID(ctx, eventID)
	if err != nil {
		return nil, nil, err
	}
	participants, err := s.ledger.ListParticipants(ctx, eventID, entity.ParticipantStatusConfirmed)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list participants: %w", err)
	}

	recipients := make([]whatsapp.Recipient, 0, len(participants))
	for _, p := range participants {
		if r, ok := s.recipient(event, p, withLink); ok {
			recipients = append(recipients, r)
		}
	}
	if len(recipients) == 0 {
		return nil, nil, entity.ErrNoRecipients
	}
	return event, recipients, nil
}

// recipient fills the template placeholders. Cancellation templates have
// no location line and no button.
func (s *notificationService) recipient(event *entity.Event, p *entity.Participant, confirmation bool) (whatsapp.Recipient, bool) {
	phone := "91" + p.Phone
	if !whatsappPhone.MatchString(phone) {
		return whatsapp.Recipient{}, false
	}
	name := p.Name
	if name == "" {
		name = "Player"
	}
	image := event.VenueImage
	if image == "" {
		image = s.cfg.DefaultVenueImage
	}

	components := map[string]whatsapp.Component{
		"header_1": whatsapp.Image(image),
		"body_1":   whatsapp.Text(name),
		"body_2":   whatsapp.Text(event.Name),
		"body_3":   whatsapp.Text(event.VenueName),
		"body_4":   whatsapp.Text(event.SportsName),
		"body_5":   whatsapp.Text(event.Date.Format("02-01-2006")),
		"body_6":   whatsapp.Text(event.Slot),
	}
	if confirmation {
		components["body_7"] = whatsapp.Text(event.Location)
		components["button_1"] = whatsapp.URLButton(s.cfg.ConfirmLinkBase + strconv.FormatInt(event.ID, 10))
	}
	return whatsapp.Recipient{To: []string{phone}, Components: components}, true
}
