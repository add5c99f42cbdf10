package app

import (
	"context"
	"errors"

	"github.com/ariefcatur/go-live-orders.git/internal/apperr"
	"github.com/ariefcatur/go-live-orders.git/internal/engine"
	"github.com/ariefcatur/go-live-orders.git/internal/events"
	kafkax "github.com/ariefcatur/go-live-orders.git/internal/kafka"
	"github.com/ariefcatur/go-live-orders.git/internal/payments"
	"github.com/rs/zerolog"
	kafkago "github.com/segmentio/kafka-go"
)

// HandleIngest consumes one envelope from an ingestion topic. Messages that
// can never succeed are logged and acknowledged; anything else is returned
// so the offset stays uncommitted.
func (a *App) HandleIngest(ctx context.Context, m kafkago.Message) error {
	ev, err := kafkax.DecodeEnvelope(m)
	if err != nil {
		a.Log.Warn().Err(err).Str("topic", m.Topic).Int64("offset", m.Offset).Msg("drop undecodable message")
		return nil
	}
	log := a.Log.With().Str("event_id", ev.EventID).Str("event_type", ev.EventType).Logger()

	switch ev.EventType {
	case events.EventChatReceived:
		in, err := events.Decode[engine.Incoming](ev)
		if err != nil {
			log.Warn().Err(err).Msg("drop chat with bad payload")
			return nil
		}
		// the event id makes a redelivery replay the first outcome
		if in.ID == "" {
			in.ID = ev.EventID
		}
		out, err := a.Pipeline.HandleChat(ctx, in)
		if err != nil {
			return a.settle(log, err)
		}
		le := log.Info().Str("kind", string(out.Kind))
		if out.Order != nil {
			le = le.Str("order_id", out.Order.ID)
		}
		le.Msg("chat ingested")

	case events.EventBankSmsReceived:
		in, err := events.Decode[payments.SmsInput](ev)
		if err != nil {
			log.Warn().Err(err).Msg("drop bank sms with bad payload")
			return nil
		}
		s, created, err := a.Payments.SubmitBankSms(ctx, in)
		if err != nil {
			return a.settle(log, err)
		}
		log.Info().Str("sms_id", s.ID).Bool("created", created).Msg("bank sms ingested")

	default:
		log.Warn().Msg("skip unexpected event type")
	}
	return nil
}

// settle acknowledges errors a retry cannot fix and returns the rest.
func (a *App) settle(log zerolog.Logger, err error) error {
	switch {
	case errors.Is(err, apperr.ErrValidation), errors.Is(err, apperr.ErrNotFound),
		errors.Is(err, apperr.ErrInvalidTransition):
		log.Warn().Err(err).Str("kind", apperr.Kind(err)).Msg("drop message")
		return nil
	}
	return err
}
