// Package services – RetrySupervisor
//
// Failed payment events move through pending → processing → resolved, back
// to pending with retry_count+1, or to dead_letter once the retry budget is
// used up. The processing state is the claim: a second operator or the
// scheduler racing a manual retry gets ErrRetryInProgress instead of applying
// the same event twice. retry_count is only ever changed here.
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/go-tab-ledger/internal/domain"
	"github.com/tbourn/go-tab-ledger/internal/observability"
	"github.com/tbourn/go-tab-ledger/internal/repo"
	"github.com/tbourn/go-tab-ledger/internal/store"
	"github.com/tbourn/go-tab-ledger/internal/utils"
)

// DefaultRetryBudget is the number of failed attempts before dead-lettering.
const DefaultRetryBudget = 5

const maxErrorLen = 1000

// Applier re-applies a stored event.
type Applier interface {
	Apply(ctx context.Context, ev domain.PaymentEvent) (ApplyResult, error)
}

// SweepSummary counts what one Sweep did.
type SweepSummary struct {
	TimedOut   int `json:"timed_out"`
	Resolved   int `json:"resolved"`
	Failed     int `json:"failed"`
	DeadLetter int `json:"dead_letter"`
	Skipped    int `json:"skipped"`
}

// RetrySupervisor re-drives failed events with a bounded budget.
type RetrySupervisor struct {
	Store   *store.Store
	Applier Applier

	Budget            int
	ProcessingTimeout time.Duration
	SweepBatch        int

	Now func() time.Time
}

// NewRetrySupervisor constructs a RetrySupervisor. Non-positive settings
// fall back to defaults.
func NewRetrySupervisor(st *store.Store, applier Applier, budget int, processingTimeout time.Duration, batch int) *RetrySupervisor {
	if budget <= 0 {
		budget = DefaultRetryBudget
	}
	if processingTimeout <= 0 {
		processingTimeout = 5 * time.Minute
	}
	if batch <= 0 {
		batch = 50
	}
	return &RetrySupervisor{
		Store:             st,
		Applier:           applier,
		Budget:            budget,
		ProcessingTimeout: processingTimeout,
		SweepBatch:        batch,
		Now:               func() time.Time { return time.Now().UTC() },
	}
}

// Record stores an event that failed inline processing.
func (s *RetrySupervisor) Record(ctx context.Context, payload []byte, ev domain.PaymentEvent, cause error) (*domain.FailedEvent, error) {
	if len(payload) == 0 {
		b, err := json.Marshal(ev)
		if err != nil {
			return nil, err
		}
		payload = b
	}
	now := s.now()
	fe := &domain.FailedEvent{
		PaymentID:   ev.PaymentID,
		EventType:   ev.Type,
		Payload:     payload,
		Status:      domain.FailedPending,
		LastTriedAt: &now,
		LastError:   errText(cause),
	}
	if err := s.Store.Batch(ctx, func(tx *gorm.DB) error {
		return repo.CreateFailedEvent(ctx, tx, fe)
	}); err != nil {
		return nil, err
	}
	observability.FailedEventsTotal.WithLabelValues("recorded").Inc()
	return fe, nil
}

// Claim moves a pending record to processing and returns it.
func (s *RetrySupervisor) Claim(ctx context.Context, id string) (*domain.FailedEvent, error) {
	tr := otel.Tracer("services/supervisor")
	ctx, span := tr.Start(ctx, "RetrySupervisor.Claim",
		trace.WithAttributes(attribute.String("failed_event.id", id)))
	defer span.End()

	var (
		out         *domain.FailedEvent
		deadLetters bool
	)
	err := s.Store.Transaction(ctx, func(tx *gorm.DB) error {
		deadLetters = false
		fe, err := repo.GetFailedEvent(ctx, store.ForUpdate(tx), id)
		if err != nil {
			return notFound(err, ErrFailedEventNotFound)
		}
		switch fe.Status {
		case domain.FailedResolved:
			return ErrAlreadyResolved
		case domain.FailedDeadLetter:
			return ErrMaxRetriesExceeded
		case domain.FailedProcessing:
			return ErrRetryInProgress
		}
		if fe.RetryCount >= s.Budget {
			fe.Status = domain.FailedDeadLetter
			deadLetters = true
			out = fe
			return repo.SaveFailedEvent(ctx, tx, fe)
		}
		now := s.now()
		fe.Status = domain.FailedProcessing
		fe.LastTriedAt = &now
		out = fe
		return repo.SaveFailedEvent(ctx, tx, fe)
	})
	if err != nil {
		return nil, observability.Fail(span, err)
	}
	if deadLetters {
		observability.FailedEventsTotal.WithLabelValues("dead_letter").Inc()
		log.Error().Str("failed_event_id", id).Int("retry_count", out.RetryCount).Msg("failed event dead-lettered")
		return out, observability.Fail(span, ErrMaxRetriesExceeded)
	}
	observability.FailedEventsTotal.WithLabelValues("claimed").Inc()
	return out, nil
}

// Retry claims the record, re-applies its event and settles the record.
// Applied and already-processed events resolve it; errors and rejections
// count as a failed attempt. The returned record reflects the final state.
func (s *RetrySupervisor) Retry(ctx context.Context, id string, actor domain.Actor) (*domain.FailedEvent, error) {
	tr := otel.Tracer("services/supervisor")
	ctx, span := tr.Start(ctx, "RetrySupervisor.Retry",
		trace.WithAttributes(attribute.String("failed_event.id", id), attribute.String("actor.id", actor.ID)))
	defer span.End()

	fe, err := s.Claim(ctx, id)
	if err != nil {
		if errors.Is(err, ErrMaxRetriesExceeded) && fe != nil {
			return fe, nil
		}
		return nil, observability.Fail(span, err)
	}

	var ev domain.PaymentEvent
	if err := json.Unmarshal(fe.Payload, &ev); err != nil {
		out, ferr := s.fail(ctx, id, fmt.Errorf("decode payload: %w", err))
		return out, observability.Fail(span, ferr)
	}

	res, err := s.Applier.Apply(ctx, ev)
	switch {
	case err != nil:
		out, ferr := s.fail(ctx, id, err)
		return out, observability.Fail(span, ferr)
	case res.Outcome == OutcomeRejected:
		out, ferr := s.fail(ctx, id, errors.New(res.Reason))
		return out, observability.Fail(span, ferr)
	}
	out, err := s.resolve(ctx, id, actor)
	return out, observability.Fail(span, err)
}

// fail records a failed attempt: retry_count+1, error stored, back to
// pending or to dead_letter when the budget is reached.
func (s *RetrySupervisor) fail(ctx context.Context, id string, cause error) (*domain.FailedEvent, error) {
	var out *domain.FailedEvent
	err := s.Store.Transaction(ctx, func(tx *gorm.DB) error {
		fe, err := repo.GetFailedEvent(ctx, store.ForUpdate(tx), id)
		if err != nil {
			return notFound(err, ErrFailedEventNotFound)
		}
		if fe.Status != domain.FailedProcessing {
			out = fe
			return nil
		}
		now := s.now()
		fe.RetryCount++
		fe.LastError = errText(cause)
		fe.LastTriedAt = &now
		fe.Status = domain.FailedPending
		if fe.RetryCount >= s.Budget {
			fe.Status = domain.FailedDeadLetter
		}
		out = fe
		return repo.SaveFailedEvent(ctx, tx, fe)
	})
	if err != nil {
		return nil, err
	}
	if out.Status == domain.FailedDeadLetter {
		observability.FailedEventsTotal.WithLabelValues("dead_letter").Inc()
		log.Error().Str("failed_event_id", id).Int("retry_count", out.RetryCount).Str("error", out.LastError).Msg("failed event dead-lettered")
	} else {
		observability.FailedEventsTotal.WithLabelValues("retry_failed").Inc()
		log.Warn().Str("failed_event_id", id).Int("retry_count", out.RetryCount).Str("error", out.LastError).Msg("failed event retry failed")
	}
	return out, nil
}

func (s *RetrySupervisor) resolve(ctx context.Context, id string, actor domain.Actor) (*domain.FailedEvent, error) {
	var out *domain.FailedEvent
	err := s.Store.Transaction(ctx, func(tx *gorm.DB) error {
		fe, err := repo.GetFailedEvent(ctx, store.ForUpdate(tx), id)
		if err != nil {
			return notFound(err, ErrFailedEventNotFound)
		}
		now := s.now()
		by := actor.ID
		fe.Status = domain.FailedResolved
		fe.ResolvedBy = &by
		fe.ResolvedAt = &now
		fe.LastError = ""
		out = fe
		return repo.SaveFailedEvent(ctx, tx, fe)
	})
	if err != nil {
		return nil, err
	}
	observability.FailedEventsTotal.WithLabelValues("resolved").Inc()
	log.Info().Str("failed_event_id", id).Str("resolved_by", actor.ID).Msg("failed event resolved")
	return out, nil
}

// Sweep is the scheduler entry point. Processing records older than the
// processing timeout count as failed attempts; then a batch of pending
// records is retried, oldest first. Dead-lettered records are never touched.
func (s *RetrySupervisor) Sweep(ctx context.Context) (SweepSummary, error) {
	tr := otel.Tracer("services/supervisor")
	ctx, span := tr.Start(ctx, "RetrySupervisor.Sweep")
	defer span.End()

	var sum SweepSummary
	stale, err := repo.ListStaleProcessing(ctx, s.Store.Read(ctx), s.now().Add(-s.ProcessingTimeout), s.SweepBatch)
	if err != nil {
		return sum, observability.Fail(span, err)
	}
	for i := range stale {
		out, err := s.fail(ctx, stale[i].ID, errors.New("processing timed out"))
		if err != nil {
			log.Error().Err(err).Str("failed_event_id", stale[i].ID).Msg("sweep: time out processing record")
			continue
		}
		sum.TimedOut++
		if out.Status == domain.FailedDeadLetter {
			sum.DeadLetter++
		}
	}

	due, err := repo.ListRetryable(ctx, s.Store.Read(ctx), s.SweepBatch)
	if err != nil {
		return sum, observability.Fail(span, err)
	}
	for i := range due {
		if ctx.Err() != nil {
			return sum, ctx.Err()
		}
		out, err := s.Retry(ctx, due[i].ID, domain.SystemActor)
		switch {
		case errors.Is(err, ErrRetryInProgress), errors.Is(err, ErrAlreadyResolved):
			sum.Skipped++
		case err != nil:
			log.Error().Err(err).Str("failed_event_id", due[i].ID).Msg("sweep: retry")
			sum.Skipped++
		case out.Status == domain.FailedResolved:
			sum.Resolved++
		case out.Status == domain.FailedDeadLetter:
			sum.DeadLetter++
		default:
			sum.Failed++
		}
	}
	if sum != (SweepSummary{}) {
		log.Info().
			Int("timed_out", sum.TimedOut).
			Int("resolved", sum.Resolved).
			Int("failed", sum.Failed).
			Int("dead_letter", sum.DeadLetter).
			Int("skipped", sum.Skipped).
			Msg("retry sweep done")
	}
	return sum, nil
}

// List returns a page of failed events, optionally filtered by status.
func (s *RetrySupervisor) List(ctx context.Context, status string, page, pageSize int) ([]domain.FailedEvent, int64, error) {
	var st domain.FailedEventStatus
	if status != "" {
		parsed, ok := domain.ParseFailedEventStatus(status)
		if !ok {
			return nil, 0, fmt.Errorf("%w: unknown status %q", ErrValidation, status)
		}
		st = parsed
	}
	offset, limit := utils.PageBounds(page, pageSize, 100)

	db := s.Store.Read(ctx)
	total, err := repo.CountFailedEvents(ctx, db, st)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.FailedEvent{}, 0, nil
	}
	items, err := repo.ListFailedEventsPage(ctx, db, st, offset, limit)
	return items, total, err
}

func (s *RetrySupervisor) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if len(msg) > maxErrorLen {
		msg = msg[:maxErrorLen]
	}
	return msg
}
