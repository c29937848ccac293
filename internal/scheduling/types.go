package scheduling

import "time"

// Professional is a bookable staff member in the provider catalog.
type Professional struct {
	ID   string
	Name string
}

// Service is a bookable service in the provider catalog.
type Service struct {
	ID          string
	Name        string
	DurationMin int
	Price       float64
}

// Appointment is an existing booking on the provider calendar.
type Appointment struct {
	ID             string
	ProfessionalID string
	ServiceID      string
	Start          time.Time
	DurationMin    int
}

// ProfessionalAgenda holds the provider-reported free start times for one
// professional on a given date. Times are "HH:MM" strings in the
// establishment's timezone, as the provider returns them. WorkStart and
// WorkEnd carry the professional's schedule window for the day when the
// provider reports one.
type ProfessionalAgenda struct {
	ProfessionalID   string
	ProfessionalName string
	FreeTimes        []string
	WorkStart        string
	WorkEnd          string
}

// Customer is a provider-side customer record, keyed by document id (CPF).
type Customer struct {
	ID         string
	Name       string
	DocumentID string
	Email      string
}

// BookingRequest carries everything the provider needs to create an appointment.
type BookingRequest struct {
	ProfessionalID string
	ServiceID      string
	CustomerID     string
	Start          time.Time
	DurationMin    int
}

// Wire DTOs. Field names follow the provider's API.

type listEnvelope[T any] struct {
	Data []T `json:"data"`
}

type professionalDTO struct {
	ID   int64  `json:"id"`
	Nome string `json:"nome"`
}

type serviceDTO struct {
	ID               int64   `json:"id"`
	Nome             string  `json:"nome"`
	DuracaoEmMinutos int     `json:"duracaoEmMinutos"`
	Preco            float64 `json:"preco"`
}

type agendaDTO struct {
	ID            int64    `json:"id"`
	Nome          string   `json:"nome"`
	HorariosVagos []string `json:"horariosVagos"`
	HorarioInicio string   `json:"horarioInicio,omitempty"`
	HorarioFim    string   `json:"horarioFim,omitempty"`
}

type appointmentDTO struct {
	ID               int64  `json:"id"`
	ProfissionalID   int64  `json:"profissionalId"`
	ServicoID        int64  `json:"servicoId"`
	DataHoraInicio   string `json:"dataHoraInicio"`
	DuracaoEmMinutos int    `json:"duracaoEmMinutos"`
}

type customerDTO struct {
	ID    int64  `json:"id"`
	Nome  string `json:"nome"`
	CPF   string `json:"cpf"`
	Email string `json:"email,omitempty"`
}

type createAppointmentDTO struct {
	ProfissionalID   int64  `json:"profissionalId"`
	ServicoID        int64  `json:"servicoId"`
	ClienteID        int64  `json:"clienteId"`
	DataHoraInicio   string `json:"dataHoraInicio"`
	DuracaoEmMinutos int    `json:"duracaoEmMinutos"`
}

type createCustomerDTO struct {
	Nome  string `json:"nome"`
	CPF   string `json:"cpf"`
	Email string `json:"email,omitempty"`
}
