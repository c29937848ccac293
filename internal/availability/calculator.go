// Package availability computes bookable start times for a date, preferring
// provider-reported free windows and falling back to a generated grid with
// conflict subtraction when the provider has no slot data.
package availability

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/tinyteams/booking-agent/internal/scheduling"
	"github.com/tinyteams/booking-agent/pkg/logging"
)

// Tier names reported in logs and in the SlotSet, so a silent fallback switch
// is always visible in telemetry.
const (
	TierProvider  = "provider"
	TierGenerated = "generated"
)

// ErrProvider wraps availability fetch failures that should be retried once
// and then surfaced as a polite "try again" to the user.
var ErrProvider = errors.New("availability: provider error")

// TimeSlot is a candidate appointment start time for one professional.
type TimeSlot struct {
	Start          time.Time `json:"start"`
	ProfessionalID string    `json:"professional_id"`
}

// Request describes one availability computation.
type Request struct {
	Date           time.Time // any time on the requested day
	ServiceID      string
	DurationMin    int    // 0 means unknown; the default applies
	ProfessionalID string // resolved id, "" when none
	// ProfessionalRequested is true when the user named a professional.
	// Named but unresolved (id empty) yields an empty slot set; slots are
	// never silently substituted from other professionals.
	ProfessionalRequested bool
	// WindowStart/WindowEnd override the configured working hours when the
	// provider reports real schedule windows ("HH:MM").
	WindowStart string
	WindowEnd   string
}

// SlotSet is the computed availability for one (date, service, professional)
// key. The key fields make the set comparable for the staleness check before
// booking.
type SlotSet struct {
	Date           string               `json:"date"` // ISO date
	ServiceID      string               `json:"service_id"`
	ProfessionalID string               `json:"professional_id"`
	Tier           string               `json:"tier"`
	Slots          []TimeSlot           `json:"slots"`
	ByProfessional map[string][]TimeSlot `json:"by_professional"`
}

// Contains reports whether the set has a slot at the given start time,
// optionally restricted to a professional.
func (s *SlotSet) Contains(start time.Time, professionalID string) bool {
	if s == nil {
		return false
	}
	for _, slot := range s.Slots {
		if !slot.Start.Equal(start) {
			continue
		}
		if professionalID == "" || slot.ProfessionalID == "" || slot.ProfessionalID == professionalID {
			return true
		}
	}
	return false
}

// Provider is the scheduling API surface the calculator needs.
type Provider interface {
	GetAgenda(ctx context.Context, date time.Time, professionalID, serviceID string) ([]scheduling.ProfessionalAgenda, error)
	ListAppointments(ctx context.Context, date time.Time, professionalID string) ([]scheduling.Appointment, error)
}

// Config holds the slot-generation policy.
type Config struct {
	WorkingHoursStart string        // "08:00"
	WorkingHoursEnd   string        // "18:00"
	BufferTime        time.Duration // idle gap required around every booking
	DefaultDuration   time.Duration // used when the service duration is unknown
	MinAdvance        time.Duration // earliest bookable offset from now
	MaxAdvance        time.Duration // latest bookable offset from now
	Location          *time.Location
	Now               func() time.Time
}

func (c Config) withDefaults() Config {
	if c.WorkingHoursStart == "" {
		c.WorkingHoursStart = "08:00"
	}
	if c.WorkingHoursEnd == "" {
		c.WorkingHoursEnd = "18:00"
	}
	if c.BufferTime <= 0 {
		c.BufferTime = 15 * time.Minute
	}
	if c.DefaultDuration <= 0 {
		c.DefaultDuration = 60 * time.Minute
	}
	if c.MinAdvance <= 0 {
		c.MinAdvance = 2 * time.Hour
	}
	if c.MaxAdvance <= 0 {
		c.MaxAdvance = 30 * 24 * time.Hour
	}
	if c.Location == nil {
		c.Location = time.Local
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Calculator computes slot sets against the scheduling provider.
type Calculator struct {
	provider Provider
	cfg      Config
	logger   *logging.Logger
}

// New creates a calculator. Zero-valued config fields fall back to defaults.
func New(provider Provider, cfg Config, logger *logging.Logger) *Calculator {
	if logger == nil {
		logger = logging.Default()
	}
	return &Calculator{provider: provider, cfg: cfg.withDefaults(), logger: logger}
}

// ComputeSlots runs the two-tier algorithm. Provider free-window data is
// authoritative when present; otherwise slots are generated from working
// hours minus existing appointments, with the buffer expansion that prevents
// back-to-back double booking.
func (c *Calculator) ComputeSlots(ctx context.Context, req Request) (*SlotSet, error) {
	if req.ProfessionalRequested && req.ProfessionalID == "" {
		// Named professional that did not resolve: empty set, no substitution.
		c.logger.Info("availability for unresolved professional", "date", req.Date.Format("2006-01-02"))
		return c.emptySet(req), nil
	}

	set, workStart, workEnd, err := c.providerTier(ctx, req)
	if err != nil {
		if errors.Is(err, scheduling.ErrTimeout) {
			return nil, fmt.Errorf("%w: %v", ErrProvider, err)
		}
		// Malformed or failed agenda payload counts as a tier-1 miss.
		c.logger.Warn("provider availability tier failed, falling back", "error", err)
		set = nil
	}
	if set != nil && len(set.Slots) > 0 {
		c.logger.Info("availability computed",
			"tier", TierProvider,
			"reason", "provider returned free windows",
			"date", set.Date,
			"slots", len(set.Slots),
		)
		return set, nil
	}

	// A schedule window reported by the agenda narrows the generated grid to
	// the professional's real working hours for the day.
	if req.WindowStart == "" && req.WindowEnd == "" && workStart != "" && workEnd != "" {
		ws, okStart := c.timeOnDate(req.Date, workStart)
		we, okEnd := c.timeOnDate(req.Date, workEnd)
		if okStart && okEnd && we.After(ws) {
			req.WindowStart, req.WindowEnd = workStart, workEnd
		} else {
			c.logger.Warn("ignoring malformed schedule window", "start", workStart, "end", workEnd)
		}
	}

	set, err = c.generatedTier(ctx, req)
	if err != nil {
		if errors.Is(err, scheduling.ErrTimeout) {
			return nil, fmt.Errorf("%w: %v", ErrProvider, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrProvider, err)
	}
	c.logger.Info("availability computed",
		"tier", TierGenerated,
		"reason", "provider returned no free windows",
		"date", set.Date,
		"slots", len(set.Slots),
	)
	return set, nil
}

// NextAvailable scans forward from the requested date looking for the first
// day with availability, up to maxDays ahead. Returns the found set and how
// many days past the requested date it lies (0 = requested date).
func (c *Calculator) NextAvailable(ctx context.Context, req Request, maxDays int) (*SlotSet, int, error) {
	if maxDays <= 0 {
		maxDays = 7
	}
	for offset := 0; offset <= maxDays; offset++ {
		if ctx.Err() != nil {
			return nil, 0, ctx.Err()
		}
		dayReq := req
		dayReq.Date = req.Date.AddDate(0, 0, offset)
		set, err := c.ComputeSlots(ctx, dayReq)
		if err != nil {
			return nil, 0, err
		}
		if len(set.Slots) > 0 {
			return set, offset, nil
		}
	}
	return c.emptySet(req), maxDays, nil
}

// providerTier builds the authoritative slot set from the agenda. It also
// reports the requested professional's schedule window so the generated tier
// can honor it on a free-window miss.
func (c *Calculator) providerTier(ctx context.Context, req Request) (*SlotSet, string, string, error) {
	agendas, err := c.provider.GetAgenda(ctx, req.Date, req.ProfessionalID, req.ServiceID)
	if err != nil {
		return nil, "", "", err
	}

	var workStart, workEnd string
	set := c.emptySet(req)
	set.Tier = TierProvider
	for _, agenda := range agendas {
		if req.ProfessionalID != "" && agenda.ProfessionalID != req.ProfessionalID {
			continue
		}
		if req.ProfessionalID != "" && agenda.WorkStart != "" && agenda.WorkEnd != "" {
			workStart, workEnd = agenda.WorkStart, agenda.WorkEnd
		}
		for _, raw := range agenda.FreeTimes {
			start, ok := c.timeOnDate(req.Date, raw)
			if !ok {
				// One bad entry does not invalidate the agenda.
				c.logger.Warn("skipping malformed free time", "raw", raw, "professional_id", agenda.ProfessionalID)
				continue
			}
			if !c.withinAdvanceWindow(start) {
				continue
			}
			slot := TimeSlot{Start: start, ProfessionalID: agenda.ProfessionalID}
			set.Slots = append(set.Slots, slot)
			set.ByProfessional[agenda.ProfessionalID] = append(set.ByProfessional[agenda.ProfessionalID], slot)
		}
	}
	finalizeSet(set)
	return set, workStart, workEnd, nil
}

func (c *Calculator) generatedTier(ctx context.Context, req Request) (*SlotSet, error) {
	duration := c.cfg.DefaultDuration
	if req.DurationMin > 0 {
		duration = time.Duration(req.DurationMin) * time.Minute
	}

	appointments, err := c.provider.ListAppointments(ctx, req.Date, req.ProfessionalID)
	if err != nil {
		return nil, err
	}
	occupied := occupiedIntervals(appointments, duration)

	windowStart := req.WindowStart
	if windowStart == "" {
		windowStart = c.cfg.WorkingHoursStart
	}
	windowEnd := req.WindowEnd
	if windowEnd == "" {
		windowEnd = c.cfg.WorkingHoursEnd
	}

	dayStart, okStart := c.timeOnDate(req.Date, windowStart)
	dayEnd, okEnd := c.timeOnDate(req.Date, windowEnd)
	if !okStart || !okEnd || !dayEnd.After(dayStart) {
		return nil, fmt.Errorf("availability: invalid working hours %q-%q", windowStart, windowEnd)
	}

	set := c.emptySet(req)
	set.Tier = TierGenerated

	step := duration + c.cfg.BufferTime
	for start := dayStart; !start.Add(duration).After(dayEnd); start = start.Add(step) {
		if !c.withinAdvanceWindow(start) {
			continue
		}
		// The candidate interval expanded by the buffer on both sides must
		// clear every occupied interval.
		bufferedStart := start.Add(-c.cfg.BufferTime)
		bufferedEnd := start.Add(duration).Add(c.cfg.BufferTime)
		if overlapsAny(bufferedStart, bufferedEnd, occupied) {
			continue
		}
		slot := TimeSlot{Start: start, ProfessionalID: req.ProfessionalID}
		set.Slots = append(set.Slots, slot)
		set.ByProfessional[req.ProfessionalID] = append(set.ByProfessional[req.ProfessionalID], slot)
	}
	finalizeSet(set)
	return set, nil
}

func (c *Calculator) emptySet(req Request) *SlotSet {
	return &SlotSet{
		Date:           req.Date.In(c.cfg.Location).Format("2006-01-02"),
		ServiceID:      req.ServiceID,
		ProfessionalID: req.ProfessionalID,
		Tier:           TierGenerated,
		Slots:          []TimeSlot{},
		ByProfessional: map[string][]TimeSlot{},
	}
}

func (c *Calculator) timeOnDate(date time.Time, hhmm string) (time.Time, bool) {
	parsed, err := time.Parse("15:04", hhmm)
	if err != nil {
		return time.Time{}, false
	}
	d := date.In(c.cfg.Location)
	return time.Date(d.Year(), d.Month(), d.Day(), parsed.Hour(), parsed.Minute(), 0, 0, c.cfg.Location), true
}

func (c *Calculator) withinAdvanceWindow(start time.Time) bool {
	now := c.cfg.Now()
	if start.Before(now.Add(c.cfg.MinAdvance)) {
		return false
	}
	if start.After(now.Add(c.cfg.MaxAdvance)) {
		return false
	}
	return true
}

type interval struct {
	start time.Time
	end   time.Time
}

func occupiedIntervals(appointments []scheduling.Appointment, fallbackDuration time.Duration) []interval {
	out := make([]interval, 0, len(appointments))
	for _, a := range appointments {
		d := time.Duration(a.DurationMin) * time.Minute
		if d <= 0 {
			d = fallbackDuration
		}
		out = append(out, interval{start: a.Start, end: a.Start.Add(d)})
	}
	return out
}

func overlapsAny(start, end time.Time, occupied []interval) bool {
	for _, o := range occupied {
		if start.Before(o.end) && end.After(o.start) {
			return true
		}
	}
	return false
}

// finalizeSet deduplicates and sorts slots ascending by start time, keeping
// ByProfessional lists in the same order.
func finalizeSet(set *SlotSet) {
	seen := make(map[string]struct{}, len(set.Slots))
	deduped := set.Slots[:0]
	for _, slot := range set.Slots {
		key := slot.ProfessionalID + "|" + slot.Start.Format(time.RFC3339)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		deduped = append(deduped, slot)
	}
	set.Slots = deduped
	sort.Slice(set.Slots, func(i, j int) bool { return set.Slots[i].Start.Before(set.Slots[j].Start) })
	for id := range set.ByProfessional {
		slots := set.ByProfessional[id]
		sort.Slice(slots, func(i, j int) bool { return slots[i].Start.Before(slots[j].Start) })
		set.ByProfessional[id] = slots
	}
}
