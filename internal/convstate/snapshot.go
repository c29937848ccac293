// Package convstate keeps the per-conversation booking context: the slot
// fields accumulated across turns, the short-lived disambiguation cache, and
// the latest availability result used to reject stale slot picks.
package convstate

import "time"

// Field names the slot fields a conversation accumulates. The extractor emits
// updates and clear lists keyed by these names.
type Field string

const (
	FieldProfessionalName   Field = "professional_name"
	FieldProfessionalID     Field = "professional_id"
	FieldServiceName        Field = "service_name"
	FieldServiceID          Field = "service_id"
	FieldDate               Field = "date"
	FieldTime               Field = "time"
	FieldCustomerDocumentID Field = "customer_document_id"
	FieldCustomerName       Field = "customer_name"
	FieldCustomerEmail      Field = "customer_email"
)

// AllFields lists every slot field, in a stable order.
var AllFields = []Field{
	FieldProfessionalName,
	FieldProfessionalID,
	FieldServiceName,
	FieldServiceID,
	FieldDate,
	FieldTime,
	FieldCustomerDocumentID,
	FieldCustomerName,
	FieldCustomerEmail,
}

// Snapshot is the accumulated booking context for one conversation.
type Snapshot struct {
	ConversationID     string    `json:"conversation_id"`
	ProfessionalName   string    `json:"professional_name,omitempty"`
	ProfessionalID     string    `json:"professional_id,omitempty"`
	ServiceName        string    `json:"service_name,omitempty"`
	ServiceID          string    `json:"service_id,omitempty"`
	Date               string    `json:"date,omitempty"` // ISO date
	Time               string    `json:"time,omitempty"` // HH:MM
	CustomerDocumentID string    `json:"customer_document_id,omitempty"`
	CustomerName       string    `json:"customer_name,omitempty"`
	CustomerEmail      string    `json:"customer_email,omitempty"`
	MessageCount       int       `json:"message_count"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Get returns the current value of a slot field.
func (s *Snapshot) Get(f Field) string {
	switch f {
	case FieldProfessionalName:
		return s.ProfessionalName
	case FieldProfessionalID:
		return s.ProfessionalID
	case FieldServiceName:
		return s.ServiceName
	case FieldServiceID:
		return s.ServiceID
	case FieldDate:
		return s.Date
	case FieldTime:
		return s.Time
	case FieldCustomerDocumentID:
		return s.CustomerDocumentID
	case FieldCustomerName:
		return s.CustomerName
	case FieldCustomerEmail:
		return s.CustomerEmail
	}
	return ""
}

func (s *Snapshot) set(f Field, v string) {
	switch f {
	case FieldProfessionalName:
		s.ProfessionalName = v
	case FieldProfessionalID:
		s.ProfessionalID = v
	case FieldServiceName:
		s.ServiceName = v
	case FieldServiceID:
		s.ServiceID = v
	case FieldDate:
		s.Date = v
	case FieldTime:
		s.Time = v
	case FieldCustomerDocumentID:
		s.CustomerDocumentID = v
	case FieldCustomerName:
		s.CustomerName = v
	case FieldCustomerEmail:
		s.CustomerEmail = v
	}
}

// Update carries one turn's extracted field values plus the fields the
// extractor decided are invalidated by the new message.
type Update struct {
	Fields      map[Field]string
	ClearFields []Field
}

// Apply merges an update into the snapshot. Clears run first; then non-empty
// values overwrite and empty values preserve what is already stored.
func (s *Snapshot) Apply(u Update) {
	for _, f := range u.ClearFields {
		s.set(f, "")
	}
	for f, v := range u.Fields {
		if v == "" {
			continue
		}
		s.set(f, v)
	}
}

// ClearBookingFields resets the appointment fields after a successful booking
// while keeping the customer identity for follow-up bookings.
func (s *Snapshot) ClearBookingFields() {
	s.ProfessionalName = ""
	s.ProfessionalID = ""
	s.ServiceName = ""
	s.ServiceID = ""
	s.Date = ""
	s.Time = ""
}

// HasProfessional reports whether the user has named a professional this
// conversation, resolved or not.
func (s *Snapshot) HasProfessional() bool {
	return s.ProfessionalName != "" || s.ProfessionalID != ""
}

// DisambiguationEntry is one candidate professional with the times offered to
// the user while asking them to choose.
type DisambiguationEntry struct {
	ProfessionalID   string   `json:"professional_id"`
	ProfessionalName string   `json:"professional_name"`
	Times            []string `json:"times"` // HH:MM
}

// DisambiguationCache holds the candidates offered in a "which professional?"
// prompt. It expires after a fixed number of user turns so a stale offer is
// never matched against a much later message.
type DisambiguationCache struct {
	Entries   []DisambiguationEntry `json:"entries"`
	TurnsLeft int                   `json:"turns_left"`
}

// DefaultDisambiguationTurns is how many user messages a pending
// disambiguation offer stays valid.
const DefaultDisambiguationTurns = 2

// MatchTime returns the single candidate offering the given time, if exactly
// one does. A time offered by several candidates resolves nothing.
func (c *DisambiguationCache) MatchTime(hhmm string) (DisambiguationEntry, bool) {
	if c == nil || hhmm == "" {
		return DisambiguationEntry{}, false
	}
	var found DisambiguationEntry
	matches := 0
	for _, entry := range c.Entries {
		for _, t := range entry.Times {
			if t == hhmm {
				found = entry
				matches++
				break
			}
		}
	}
	if matches != 1 {
		return DisambiguationEntry{}, false
	}
	return found, true
}
