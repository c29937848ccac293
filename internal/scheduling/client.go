// Package scheduling is the HTTP client for the Trinks-compatible scheduling
// provider: catalog, agenda/free-time, appointment and customer endpoints.
package scheduling

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/tinyteams/booking-agent/pkg/logging"
)

const (
	defaultTimeout = 20 * time.Second

	wireDateTime = "2006-01-02T15:04:05"
	wireDate     = "2006-01-02"
)

// ErrConflict is returned when the provider rejects a booking because the
// slot was taken between availability check and submission.
var ErrConflict = errors.New("scheduling: appointment conflict")

// ErrTimeout wraps provider timeouts so callers can retry once before giving up.
var ErrTimeout = errors.New("scheduling: provider timeout")

// ErrNotFound is returned for 404 lookups (e.g. unknown customer document).
var ErrNotFound = errors.New("scheduling: not found")

// Client talks to the scheduling provider REST API.
type Client struct {
	baseURL         string
	apiKey          string
	establishmentID string
	httpClient      *http.Client
	logger          *logging.Logger
}

// NewClient creates a provider client with a bounded request timeout.
func NewClient(baseURL, apiKey, establishmentID string, timeout time.Duration, logger *logging.Logger) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Client{
		baseURL:         baseURL,
		apiKey:          apiKey,
		establishmentID: establishmentID,
		httpClient:      &http.Client{Timeout: timeout},
		logger:          logger,
	}
}

// ListProfessionals returns the full professional catalog.
func (c *Client) ListProfessionals(ctx context.Context) ([]Professional, error) {
	var out listEnvelope[professionalDTO]
	if err := c.do(ctx, http.MethodGet, "/profissionais", nil, nil, &out); err != nil {
		return nil, err
	}
	professionals := make([]Professional, 0, len(out.Data))
	for _, p := range out.Data {
		professionals = append(professionals, Professional{
			ID:   strconv.FormatInt(p.ID, 10),
			Name: p.Nome,
		})
	}
	return professionals, nil
}

// ListServices returns the full service catalog with durations.
func (c *Client) ListServices(ctx context.Context) ([]Service, error) {
	var out listEnvelope[serviceDTO]
	if err := c.do(ctx, http.MethodGet, "/servicos", nil, nil, &out); err != nil {
		return nil, err
	}
	services := make([]Service, 0, len(out.Data))
	for _, s := range out.Data {
		services = append(services, Service{
			ID:          strconv.FormatInt(s.ID, 10),
			Name:        s.Nome,
			DurationMin: s.DuracaoEmMinutos,
			Price:       s.Preco,
		})
	}
	return services, nil
}

// GetAgenda returns the provider's per-professional free start times for a
// date, optionally filtered by professional and/or service.
func (c *Client) GetAgenda(ctx context.Context, date time.Time, professionalID, serviceID string) ([]ProfessionalAgenda, error) {
	params := url.Values{}
	params.Set("data", date.Format(wireDate))
	if professionalID != "" {
		params.Set("profissionalId", professionalID)
	}
	if serviceID != "" {
		params.Set("servicoId", serviceID)
	}

	var out listEnvelope[agendaDTO]
	if err := c.do(ctx, http.MethodGet, "/agenda", params, nil, &out); err != nil {
		return nil, err
	}

	agendas := make([]ProfessionalAgenda, 0, len(out.Data))
	for _, a := range out.Data {
		agendas = append(agendas, ProfessionalAgenda{
			ProfessionalID:   strconv.FormatInt(a.ID, 10),
			ProfessionalName: a.Nome,
			FreeTimes:        a.HorariosVagos,
			WorkStart:        a.HorarioInicio,
			WorkEnd:          a.HorarioFim,
		})
	}
	return agendas, nil
}

// ListAppointments returns existing appointments for a date, optionally
// filtered by professional. Used by the fallback slot calculator.
func (c *Client) ListAppointments(ctx context.Context, date time.Time, professionalID string) ([]Appointment, error) {
	params := url.Values{}
	params.Set("data", date.Format(wireDate))
	if professionalID != "" {
		params.Set("profissionalId", professionalID)
	}

	var out listEnvelope[appointmentDTO]
	if err := c.do(ctx, http.MethodGet, "/agendamentos", params, nil, &out); err != nil {
		return nil, err
	}

	appointments := make([]Appointment, 0, len(out.Data))
	for _, a := range out.Data {
		start, err := time.Parse(wireDateTime, a.DataHoraInicio)
		if err != nil {
			// Skip entries with unparseable times rather than failing the turn.
			c.logger.Warn("skipping appointment with bad start time",
				"appointment_id", a.ID, "raw", a.DataHoraInicio)
			continue
		}
		appointments = append(appointments, Appointment{
			ID:             strconv.FormatInt(a.ID, 10),
			ProfessionalID: strconv.FormatInt(a.ProfissionalID, 10),
			ServiceID:      strconv.FormatInt(a.ServicoID, 10),
			Start:          start,
			DurationMin:    a.DuracaoEmMinutos,
		})
	}
	return appointments, nil
}

// CreateAppointment submits a booking. A provider 409 maps to ErrConflict.
func (c *Client) CreateAppointment(ctx context.Context, req BookingRequest) (*Appointment, error) {
	profID, err := strconv.ParseInt(req.ProfessionalID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("scheduling: invalid professional id %q: %w", req.ProfessionalID, err)
	}
	svcID, err := strconv.ParseInt(req.ServiceID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("scheduling: invalid service id %q: %w", req.ServiceID, err)
	}
	custID, err := strconv.ParseInt(req.CustomerID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("scheduling: invalid customer id %q: %w", req.CustomerID, err)
	}

	body := createAppointmentDTO{
		ProfissionalID:   profID,
		ServicoID:        svcID,
		ClienteID:        custID,
		DataHoraInicio:   req.Start.Format(wireDateTime),
		DuracaoEmMinutos: req.DurationMin,
	}

	var out appointmentDTO
	if err := c.do(ctx, http.MethodPost, "/agendamentos", nil, body, &out); err != nil {
		return nil, err
	}
	return &Appointment{
		ID:             strconv.FormatInt(out.ID, 10),
		ProfessionalID: req.ProfessionalID,
		ServiceID:      req.ServiceID,
		Start:          req.Start,
		DurationMin:    req.DurationMin,
	}, nil
}

// FindCustomerByDocument looks up a customer by document id (CPF).
// Returns nil, nil when no customer matches.
func (c *Client) FindCustomerByDocument(ctx context.Context, documentID string) (*Customer, error) {
	params := url.Values{}
	params.Set("cpf", documentID)

	var out listEnvelope[customerDTO]
	if err := c.do(ctx, http.MethodGet, "/clientes", params, nil, &out); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if len(out.Data) == 0 {
		return nil, nil
	}
	d := out.Data[0]
	return &Customer{
		ID:         strconv.FormatInt(d.ID, 10),
		Name:       d.Nome,
		DocumentID: d.CPF,
		Email:      d.Email,
	}, nil
}

// CreateCustomer registers a new customer with the provider.
func (c *Client) CreateCustomer(ctx context.Context, name, documentID, email string) (*Customer, error) {
	body := createCustomerDTO{Nome: name, CPF: documentID, Email: email}

	var out customerDTO
	if err := c.do(ctx, http.MethodPost, "/clientes", nil, body, &out); err != nil {
		return nil, err
	}
	return &Customer{
		ID:         strconv.FormatInt(out.ID, 10),
		Name:       out.Nome,
		DocumentID: out.CPF,
		Email:      out.Email,
	}, nil
}

func (c *Client) do(ctx context.Context, method, path string, params url.Values, body, out any) error {
	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("scheduling: failed to encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("scheduling: failed to build request: %w", err)
	}
	req.Header.Set("X-API-KEY", c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("estabelecimentoId", c.establishmentID)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if isTimeout(err) {
			return fmt.Errorf("%w: %s %s: %v", ErrTimeout, method, path, err)
		}
		return fmt.Errorf("scheduling: request failed: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	c.logger.Debug("provider request",
		"method", method,
		"path", path,
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	switch {
	case resp.StatusCode == http.StatusConflict:
		return fmt.Errorf("%w: %s %s", ErrConflict, method, path)
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s %s", ErrNotFound, method, path)
	case resp.StatusCode == http.StatusNoContent:
		return nil
	case resp.StatusCode >= 400:
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("scheduling: provider returned %d for %s %s: %s", resp.StatusCode, method, path, string(raw))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("scheduling: failed to decode response for %s %s: %w", method, path, err)
	}
	return nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}
