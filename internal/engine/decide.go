package engine

import "github.com/tinyteams/booking-agent/internal/convstate"

// Decide picks the next action from the accumulated snapshot, after name
// resolution has run for the turn. The ordering is deliberate: the date
// question comes first, then the time question, and the time question is
// asked even while names are still unresolved. Name resolution runs in
// parallel with those questions; availability is only consulted once a
// concrete time is on hand, to validate it.
func Decide(snap *convstate.Snapshot, intent Intent) Action {
	booking := snap.ServiceName != "" || snap.ServiceID != "" ||
		snap.HasProfessional() || snap.Date != "" || snap.Time != ""

	switch intent {
	case IntentCancel:
		return ActionReset
	case IntentGreeting, IntentInfo:
		if !booking {
			return ActionGreet
		}
	case IntentUnknown:
		if !booking {
			return ActionGreet
		}
	}

	if snap.Date == "" {
		// Without a date the unresolved names are the blocking question.
		if snap.ServiceID == "" {
			if snap.ServiceName != "" {
				return ActionClarifyService
			}
			return ActionAskService
		}
		if snap.ProfessionalName != "" && snap.ProfessionalID == "" {
			return ActionClarifyProfessional
		}
		return ActionAskDate
	}

	if snap.Time == "" {
		return ActionAskTime
	}

	// Date and time are chosen; now the ids must settle before the slot can
	// be validated against availability.
	if snap.ServiceID == "" {
		if snap.ServiceName != "" {
			return ActionClarifyService
		}
		return ActionAskService
	}
	if snap.ProfessionalName != "" && snap.ProfessionalID == "" {
		return ActionClarifyProfessional
	}

	if snap.CustomerDocumentID == "" || snap.CustomerName == "" {
		return ActionAskCustomer
	}
	return ActionConfirmBooking
}
