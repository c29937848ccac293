// Package engine orchestrates booking conversations: it extracts intent and
// slot fields from each message, resolves names against the provider catalog,
// computes availability, and finalizes reservations.
package engine

import (
	"errors"

	"github.com/tinyteams/booking-agent/internal/convstate"
)

// Intent classifies what the user is trying to do this turn.
type Intent string

const (
	IntentBooking  Intent = "booking"
	IntentGreeting Intent = "greeting"
	IntentInfo     Intent = "info"
	IntentCancel   Intent = "cancel"
	IntentUnknown  Intent = "unknown"
)

// Action is the engine's decision for one turn, chosen by the decision table.
type Action string

const (
	ActionGreet               Action = "greet"
	ActionAskService          Action = "ask_service"
	ActionClarifyService      Action = "clarify_service"
	ActionClarifyProfessional Action = "clarify_professional"
	ActionChooseProfessional  Action = "choose_professional"
	ActionAskDate             Action = "ask_date"
	ActionAskTime             Action = "ask_time"
	ActionShowAvailability    Action = "show_availability"
	ActionSuggestNextDate     Action = "suggest_next_date"
	ActionAskCustomer         Action = "ask_customer"
	ActionConfirmBooking      Action = "confirm_booking"
	ActionSlotTaken           Action = "slot_taken"
	ActionRetryLater          Action = "retry_later"
	ActionReset               Action = "reset"
)

// Extraction is one turn's parsed output: intent, new slot field values, and
// the fields the message invalidates.
type Extraction struct {
	Intent      Intent
	Fields      map[convstate.Field]string
	ClearFields []convstate.Field
	// AnyProfessional is set when the user explicitly says anyone will do.
	AnyProfessional bool
}

// Engine error taxonomy. Provider timeout and conflict sentinels live in the
// scheduling package; availability fetch failures in the availability package.
var (
	// ErrExtraction marks a turn where the language model returned output
	// that could not be parsed. The turn proceeds with intent unknown.
	ErrExtraction = errors.New("engine: extraction failed")
)
