package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tinyteams/booking-agent/internal/availability"
	"github.com/tinyteams/booking-agent/internal/convstate"
	"github.com/tinyteams/booking-agent/internal/scheduling"
	"github.com/tinyteams/booking-agent/pkg/logging"
)

// BookingStatus is the outcome of a finalization attempt.
type BookingStatus string

const (
	BookingConfirmed BookingStatus = "confirmed"
	// BookingStale means the picked slot is no longer in the current
	// availability set; the user should pick again from fresh slots.
	BookingStale BookingStatus = "stale"
	// BookingConflict means the provider rejected the slot as taken.
	BookingConflict BookingStatus = "conflict"
)

// BookingResult reports a confirmed or rejected finalization.
type BookingResult struct {
	Status        BookingStatus
	AppointmentID string
	Start         time.Time
	// FreshSlots carries recomputed availability when the slot was stale,
	// so the reply can offer alternatives immediately.
	FreshSlots *availability.SlotSet
}

// bookingProvider is the scheduling client surface the finalizer needs.
type bookingProvider interface {
	CreateAppointment(ctx context.Context, req scheduling.BookingRequest) (*scheduling.Appointment, error)
	FindCustomerByDocument(ctx context.Context, documentID string) (*scheduling.Customer, error)
	CreateCustomer(ctx context.Context, name, documentID, email string) (*scheduling.Customer, error)
}

// slotChecker recomputes availability for the anti-staleness check.
type slotChecker interface {
	ComputeSlots(ctx context.Context, req availability.Request) (*availability.SlotSet, error)
}

// Finalizer creates the reservation once every slot field is filled.
type Finalizer struct {
	provider bookingProvider
	checker  slotChecker
	loc      *time.Location
	logger   *logging.Logger
}

// NewFinalizer creates a finalizer. Provider and checker are required.
func NewFinalizer(provider bookingProvider, checker slotChecker, loc *time.Location, logger *logging.Logger) *Finalizer {
	if provider == nil {
		panic("engine: booking provider cannot be nil")
	}
	if checker == nil {
		panic("engine: slot checker cannot be nil")
	}
	if loc == nil {
		loc = time.Local
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Finalizer{provider: provider, checker: checker, loc: loc, logger: logger}
}

// Finalize books the slot held in the snapshot. The slot must be present in
// the most recent computed availability; anything else is rejected as stale
// so the options get recomputed and re-presented, never silently booked.
func (f *Finalizer) Finalize(ctx context.Context, snap *convstate.Snapshot, lastShown *availability.SlotSet, durationMin int) (*BookingResult, error) {
	start, err := f.slotStart(snap)
	if err != nil {
		return nil, err
	}

	if !lastShown.Contains(start, snap.ProfessionalID) {
		f.logger.Info("rejecting stale slot",
			"conversation_id", snap.ConversationID,
			"start", start.Format(time.RFC3339),
		)
		fresh, err := f.checker.ComputeSlots(ctx, availability.Request{
			Date:                  start,
			ServiceID:             snap.ServiceID,
			DurationMin:           durationMin,
			ProfessionalID:        snap.ProfessionalID,
			ProfessionalRequested: snap.HasProfessional(),
		})
		if err != nil {
			// The rejection stands; alternatives are just unavailable.
			f.logger.Warn("fresh availability for stale rejection failed",
				"conversation_id", snap.ConversationID, "error", err)
			return &BookingResult{Status: BookingStale, Start: start}, nil
		}
		return &BookingResult{Status: BookingStale, Start: start, FreshSlots: fresh}, nil
	}

	customer, err := f.ensureCustomer(ctx, snap)
	if err != nil {
		return nil, err
	}

	appt, err := f.provider.CreateAppointment(ctx, scheduling.BookingRequest{
		ProfessionalID: snap.ProfessionalID,
		ServiceID:      snap.ServiceID,
		CustomerID:     customer.ID,
		Start:          start,
		DurationMin:    durationMin,
	})
	if err != nil {
		if errors.Is(err, scheduling.ErrConflict) {
			f.logger.Info("provider rejected slot as taken",
				"conversation_id", snap.ConversationID,
				"start", start.Format(time.RFC3339),
			)
			return &BookingResult{Status: BookingConflict, Start: start}, nil
		}
		return nil, err
	}

	f.logger.Info("booking confirmed",
		"conversation_id", snap.ConversationID,
		"appointment_id", appt.ID,
		"professional_id", snap.ProfessionalID,
		"service_id", snap.ServiceID,
		"start", start.Format(time.RFC3339),
	)
	return &BookingResult{Status: BookingConfirmed, AppointmentID: appt.ID, Start: start}, nil
}

// ensureCustomer looks the customer up by document id and creates the record
// when missing. Lookups make retried turns idempotent on the provider side.
func (f *Finalizer) ensureCustomer(ctx context.Context, snap *convstate.Snapshot) (*scheduling.Customer, error) {
	customer, err := f.provider.FindCustomerByDocument(ctx, snap.CustomerDocumentID)
	if err != nil {
		return nil, err
	}
	if customer != nil {
		return customer, nil
	}
	return f.provider.CreateCustomer(ctx, snap.CustomerName, snap.CustomerDocumentID, snap.CustomerEmail)
}

func (f *Finalizer) slotStart(snap *convstate.Snapshot) (time.Time, error) {
	if snap.Date == "" || snap.Time == "" {
		return time.Time{}, fmt.Errorf("engine: incomplete slot %q %q", snap.Date, snap.Time)
	}
	start, err := time.ParseInLocation("2006-01-02 15:04", snap.Date+" "+snap.Time, f.loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("engine: invalid slot %q %q: %w", snap.Date, snap.Time, err)
	}
	return start, nil
}
