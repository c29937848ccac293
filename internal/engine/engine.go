package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/tinyteams/booking-agent/internal/availability"
	"github.com/tinyteams/booking-agent/internal/convstate"
	"github.com/tinyteams/booking-agent/internal/observability/metrics"
	"github.com/tinyteams/booking-agent/internal/resolver"
	"github.com/tinyteams/booking-agent/internal/scheduling"
	"github.com/tinyteams/booking-agent/pkg/logging"
)

var engineTracer = otel.Tracer("booking.internal.engine")

// TurnRequest is one inbound user message.
type TurnRequest struct {
	ConversationID string
	Message        string
}

// TurnResult is the engine's decision and outgoing message for one turn.
type TurnResult struct {
	ConversationID string
	Intent         Intent
	Action         Action
	Message        string
	// Superseded is set when a newer message for the same conversation
	// arrived while this turn was in flight; the turn produced no reply.
	Superseded bool
	Booking    *BookingResult
}

// slotComputer is the availability surface the engine needs.
type slotComputer interface {
	ComputeSlots(ctx context.Context, req availability.Request) (*availability.SlotSet, error)
	NextAvailable(ctx context.Context, req availability.Request, maxDays int) (*availability.SlotSet, int, error)
}

// nameResolver matches free-text names against the provider catalog.
type nameResolver interface {
	ResolveProfessional(ctx context.Context, name string) resolver.Resolution
	ResolveService(ctx context.Context, name string) resolver.Resolution
}

// finalizing creates the reservation once the slot is complete.
type finalizing interface {
	Finalize(ctx context.Context, snap *convstate.Snapshot, lastShown *availability.SlotSet, durationMin int) (*BookingResult, error)
}

// serviceLookup resolves a stored service id back to its catalog record.
type serviceLookup interface {
	ServiceByID(ctx context.Context, id string) (*scheduling.Service, error)
}

// transcriptRecorder persists conversation history. Optional.
type transcriptRecorder interface {
	RecordMessage(ctx context.Context, conversationID, role, content string) error
}

// Config holds the engine's turn-processing policy.
type Config struct {
	DefaultDurationMin int
	SearchAheadDays    int
	MaxOptions         int // slot times offered per reply
	Location           *time.Location
}

func (c Config) withDefaults() Config {
	if c.DefaultDurationMin <= 0 {
		c.DefaultDurationMin = 60
	}
	if c.SearchAheadDays <= 0 {
		c.SearchAheadDays = 7
	}
	if c.MaxOptions <= 0 {
		c.MaxOptions = 5
	}
	if c.Location == nil {
		c.Location = time.Local
	}
	return c
}

// Engine processes conversation turns end to end.
type Engine struct {
	store      *convstate.Store
	extractor  Extractor
	responder  Responder
	resolver   nameResolver
	slots      slotComputer
	finalizer  finalizing
	services   serviceLookup
	transcript transcriptRecorder
	metrics    *metrics.EngineMetrics
	cfg        Config
	logger     *logging.Logger

	mu   sync.Mutex
	seqs map[string]uint64
}

// New wires an engine. Store, extractor, resolver, slot computer, finalizer,
// and service lookup are required; responder, transcript, and metrics may be
// nil.
func New(
	store *convstate.Store,
	extractor Extractor,
	responder Responder,
	res nameResolver,
	slots slotComputer,
	finalizer finalizing,
	services serviceLookup,
	transcript transcriptRecorder,
	m *metrics.EngineMetrics,
	cfg Config,
	logger *logging.Logger,
) *Engine {
	if store == nil || extractor == nil || res == nil || slots == nil || finalizer == nil || services == nil {
		panic("engine: missing required dependency")
	}
	if responder == nil {
		responder = TemplateResponder{}
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Engine{
		store:      store,
		extractor:  extractor,
		responder:  responder,
		resolver:   res,
		slots:      slots,
		finalizer:  finalizer,
		services:   services,
		transcript: transcript,
		metrics:    m,
		cfg:        cfg.withDefaults(),
		logger:     logger,
		seqs:       make(map[string]uint64),
	}
}

// HandleTurn processes one inbound message. Turns for the same conversation
// are serialized; when messages queue up, only the newest produces a reply
// and the older ones come back superseded.
func (e *Engine) HandleTurn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	ctx, span := engineTracer.Start(ctx, "engine.turn")
	defer span.End()
	span.SetAttributes(attribute.String("booking.conversation_id", req.ConversationID))

	seq := e.bumpSeq(req.ConversationID)
	unlock := e.store.Lock(req.ConversationID)
	defer unlock()

	if e.superseded(req.ConversationID, seq) {
		return &TurnResult{ConversationID: req.ConversationID, Superseded: true}, nil
	}

	snap, err := e.store.Load(ctx, req.ConversationID)
	if err != nil {
		return nil, err
	}
	snap.MessageCount++

	ext, extErr := e.extractor.Extract(ctx, snap, req.Message)
	if extErr != nil {
		e.metrics.ObserveExtractionFailure()
		e.logger.Warn("extraction degraded to unknown intent",
			"conversation_id", req.ConversationID, "error", extErr)
	}

	// The extraction call is the slow part of the turn. A newer message that
	// arrived meanwhile wins; this turn is discarded without replying.
	if e.superseded(req.ConversationID, seq) {
		return &TurnResult{ConversationID: req.ConversationID, Superseded: true}, nil
	}

	reply, booking, err := e.processTurn(ctx, snap, ext)
	if err != nil {
		return nil, err
	}

	message := e.responder.Respond(ctx, reply)
	e.metrics.ObserveTurn(string(ext.Intent), string(reply.Action))
	e.record(ctx, req.ConversationID, "user", req.Message)
	e.record(ctx, req.ConversationID, "assistant", message)

	return &TurnResult{
		ConversationID: req.ConversationID,
		Intent:         ext.Intent,
		Action:         reply.Action,
		Message:        message,
		Booking:        booking,
	}, nil
}

func (e *Engine) processTurn(ctx context.Context, snap *convstate.Snapshot, ext Extraction) (Reply, *BookingResult, error) {
	if ext.Intent == IntentCancel {
		if err := e.store.Reset(ctx, snap.ConversationID); err != nil {
			return Reply{}, nil, err
		}
		return Reply{Action: ActionReset}, nil, nil
	}

	e.consumeDisambiguation(ctx, snap, &ext)
	e.applyFieldRules(snap, &ext)
	snap.Apply(convstate.Update{Fields: ext.Fields, ClearFields: ext.ClearFields})
	if ext.AnyProfessional {
		snap.ProfessionalName = ""
		snap.ProfessionalID = ""
	}

	duration := e.cfg.DefaultDurationMin

	// Name resolution runs every turn a name is pending; its failures do not
	// block the date and time questions, they only surface when the decision
	// table says clarification is the next question.
	var svcRes, profRes *resolver.Resolution
	if snap.ServiceName != "" && snap.ServiceID == "" {
		res := e.resolver.ResolveService(ctx, snap.ServiceName)
		if res.Outcome == resolver.Resolved {
			snap.ServiceID = res.Match.ID
			snap.ServiceName = res.Match.Name
			if res.Match.DurationMin > 0 {
				duration = res.Match.DurationMin
			}
		} else {
			svcRes = &res
		}
	} else if snap.ServiceID != "" {
		duration = e.serviceDuration(ctx, snap.ServiceID)
	}

	if snap.ProfessionalName != "" && snap.ProfessionalID == "" {
		res := e.resolver.ResolveProfessional(ctx, snap.ProfessionalName)
		if res.Outcome == resolver.Resolved {
			snap.ProfessionalID = res.Match.ID
			snap.ProfessionalName = res.Match.Name
		} else {
			profRes = &res
		}
	}

	reply, booking, err := e.dispatch(ctx, snap, ext, svcRes, profRes, duration)
	if err != nil {
		return Reply{}, nil, err
	}

	if err := e.store.Save(ctx, snap); err != nil {
		return Reply{}, nil, err
	}
	return reply, booking, nil
}

// dispatch runs the decision table over the merged snapshot and executes the
// chosen action.
func (e *Engine) dispatch(ctx context.Context, snap *convstate.Snapshot, ext Extraction, svcRes, profRes *resolver.Resolution, duration int) (Reply, *BookingResult, error) {
	action := Decide(snap, ext.Intent)

	switch action {
	case ActionClarifyService:
		if svcRes != nil && svcRes.Retryable {
			return Reply{Action: ActionRetryLater}, nil, nil
		}
		reply := Reply{Action: ActionClarifyService, Query: snap.ServiceName}
		if svcRes != nil {
			reply.Candidates = candidateNames(svcRes.Candidates)
		}
		return reply, nil, nil

	case ActionClarifyProfessional:
		switch {
		case profRes != nil && profRes.Retryable:
			return Reply{Action: ActionRetryLater}, nil, nil
		case profRes != nil && profRes.Outcome == resolver.Ambiguous:
			reply, picked, err := e.offerDisambiguation(ctx, snap, *profRes, duration)
			if err != nil {
				return Reply{}, nil, err
			}
			if picked == nil {
				return reply, nil, nil
			}
			// The picked time singles out one candidate; settle and move on.
			snap.ProfessionalID = picked.ProfessionalID
			snap.ProfessionalName = picked.ProfessionalName
			return e.dispatch(ctx, snap, ext, svcRes, nil, duration)
		default:
			reply := Reply{Action: ActionClarifyProfessional, Query: snap.ProfessionalName}
			if profRes != nil {
				reply.Candidates = candidateNames(profRes.Candidates)
			}
			return reply, nil, nil
		}

	case ActionAskCustomer, ActionConfirmBooking:
		reply, booking, err := e.advanceBooking(ctx, snap, action, duration)
		if err != nil {
			if errors.Is(err, availability.ErrProvider) || errors.Is(err, scheduling.ErrTimeout) {
				return Reply{Action: ActionRetryLater}, nil, nil
			}
			return Reply{}, nil, err
		}
		return reply, booking, nil

	default:
		return Reply{
			Action:           action,
			ServiceName:      snap.ServiceName,
			ProfessionalName: snap.ProfessionalName,
			Date:             snap.Date,
			Time:             snap.Time,
		}, nil, nil
	}
}

// applyFieldRules enforces the deterministic invalidation rules regardless of
// what the extractor put in clear_fields: a different professional drops the
// old resolution and any picked time, a different date drops the time, and a
// different service drops the old service id.
func (e *Engine) applyFieldRules(snap *convstate.Snapshot, ext *Extraction) {
	if name, ok := ext.Fields[convstate.FieldProfessionalName]; ok && name != snap.ProfessionalName {
		ext.ClearFields = append(ext.ClearFields, convstate.FieldProfessionalID, convstate.FieldTime)
	}
	if date, ok := ext.Fields[convstate.FieldDate]; ok && date != snap.Date {
		ext.ClearFields = append(ext.ClearFields, convstate.FieldTime)
	}
	if name, ok := ext.Fields[convstate.FieldServiceName]; ok && name != snap.ServiceName {
		ext.ClearFields = append(ext.ClearFields, convstate.FieldServiceID)
	}
}

// consumeDisambiguation resolves a pending "which professional?" offer when
// the new message picks a time that only one offered candidate has.
func (e *Engine) consumeDisambiguation(ctx context.Context, snap *convstate.Snapshot, ext *Extraction) {
	cache, err := e.store.TickDisambiguation(ctx, snap.ConversationID)
	if err != nil {
		e.logger.Warn("disambiguation cache unavailable", "conversation_id", snap.ConversationID, "error", err)
		return
	}
	if cache == nil {
		return
	}
	picked, ok := ext.Fields[convstate.FieldTime]
	if !ok {
		return
	}
	entry, ok := cache.MatchTime(picked)
	if !ok {
		return
	}
	ext.Fields[convstate.FieldProfessionalName] = entry.ProfessionalName
	ext.Fields[convstate.FieldProfessionalID] = entry.ProfessionalID
	if err := e.store.SaveDisambiguation(ctx, snap.ConversationID, nil); err != nil {
		e.logger.Warn("failed to clear disambiguation cache", "conversation_id", snap.ConversationID, "error", err)
	}
	e.logger.Info("disambiguation resolved by unique time",
		"conversation_id", snap.ConversationID,
		"professional_id", entry.ProfessionalID,
		"time", picked,
	)
}

// offerDisambiguation handles tied professional matches once a concrete slot
// question forced the choice. Each candidate is checked for real times on the
// chosen date; when the already-picked time is offered by exactly one
// candidate that entry is returned and no question is asked. Otherwise the
// offer is cached so a follow-up reply can settle the choice.
func (e *Engine) offerDisambiguation(ctx context.Context, snap *convstate.Snapshot, res resolver.Resolution, duration int) (Reply, *convstate.DisambiguationEntry, error) {
	reply := Reply{
		Action:     ActionClarifyProfessional,
		Query:      snap.ProfessionalName,
		Candidates: candidateNames(res.Candidates),
	}
	if snap.Date == "" {
		return reply, nil, nil
	}

	date, err := time.ParseInLocation("2006-01-02", snap.Date, e.cfg.Location)
	if err != nil {
		return reply, nil, nil
	}

	cache := &convstate.DisambiguationCache{TurnsLeft: convstate.DefaultDisambiguationTurns}
	for _, cand := range res.Candidates {
		set, err := e.slots.ComputeSlots(ctx, availability.Request{
			Date:                  date,
			ServiceID:             snap.ServiceID,
			DurationMin:           duration,
			ProfessionalID:        cand.Entity.ID,
			ProfessionalRequested: true,
		})
		if err != nil {
			e.logger.Warn("candidate availability failed", "professional_id", cand.Entity.ID, "error", err)
			continue
		}
		e.metrics.ObserveTier(set.Tier)
		times := slotOptions(set, e.cfg.Location, e.cfg.MaxOptions)
		if len(times) == 0 {
			continue
		}
		cache.Entries = append(cache.Entries, convstate.DisambiguationEntry{
			ProfessionalID:   cand.Entity.ID,
			ProfessionalName: cand.Entity.Name,
			Times:            times,
		})
	}
	if len(cache.Entries) == 0 {
		return reply, nil, nil
	}

	if snap.Time != "" {
		if entry, ok := cache.MatchTime(snap.Time); ok {
			e.logger.Info("disambiguation settled by picked time",
				"conversation_id", snap.ConversationID,
				"professional_id", entry.ProfessionalID,
				"time", snap.Time,
			)
			return Reply{}, &entry, nil
		}
	}

	if err := e.store.SaveDisambiguation(ctx, snap.ConversationID, cache); err != nil {
		return Reply{}, nil, err
	}
	return Reply{
		Action:         ActionChooseProfessional,
		Query:          snap.ProfessionalName,
		Disambiguation: cache.Entries,
	}, nil, nil
}

// advanceBooking runs once date, time, and ids are all settled: it computes
// availability for the chosen date and validates the picked time against it
// before any customer question or booking attempt. An invalid pick is
// answered with the day's real options; an empty day with the nearest date
// that has any.
func (e *Engine) advanceBooking(ctx context.Context, snap *convstate.Snapshot, action Action, duration int) (Reply, *BookingResult, error) {
	date, err := time.ParseInLocation("2006-01-02", snap.Date, e.cfg.Location)
	if err != nil {
		// A stored date that does not parse is unusable; ask again.
		snap.Date = ""
		snap.Time = ""
		return Reply{Action: ActionAskDate, ServiceName: snap.ServiceName}, nil, nil
	}
	start, err := time.ParseInLocation("2006-01-02 15:04", snap.Date+" "+snap.Time, e.cfg.Location)
	if err != nil {
		snap.Time = ""
		return Reply{Action: ActionAskTime, ServiceName: snap.ServiceName, Date: snap.Date}, nil, nil
	}

	req := availability.Request{
		Date:                  date,
		ServiceID:             snap.ServiceID,
		DurationMin:           duration,
		ProfessionalID:        snap.ProfessionalID,
		ProfessionalRequested: snap.HasProfessional(),
	}
	set, err := e.slots.ComputeSlots(ctx, req)
	if err != nil {
		return Reply{}, nil, err
	}
	e.metrics.ObserveTier(set.Tier)

	if len(set.Slots) == 0 {
		next, offset, err := e.slots.NextAvailable(ctx, req, e.cfg.SearchAheadDays)
		if err != nil {
			return Reply{}, nil, err
		}
		snap.Time = ""
		if len(next.Slots) == 0 {
			return Reply{Action: ActionSuggestNextDate, Query: snap.Date}, nil, nil
		}
		if err := e.store.SaveAvailability(ctx, snap.ConversationID, next); err != nil {
			return Reply{}, nil, err
		}
		return Reply{
			Action:    ActionSuggestNextDate,
			Query:     snap.Date,
			Date:      next.Date,
			Options:   slotOptions(next, e.cfg.Location, e.cfg.MaxOptions),
			DaysAhead: offset,
		}, nil, nil
	}

	if err := e.store.SaveAvailability(ctx, snap.ConversationID, set); err != nil {
		return Reply{}, nil, err
	}

	if !set.Contains(start, snap.ProfessionalID) {
		// The picked time is not bookable; drop it and show what is.
		snap.Time = ""
		return Reply{
			Action:           ActionShowAvailability,
			ServiceName:      snap.ServiceName,
			ProfessionalName: snap.ProfessionalName,
			Date:             snap.Date,
			Options:          slotOptions(set, e.cfg.Location, e.cfg.MaxOptions),
		}, nil, nil
	}

	if action == ActionAskCustomer {
		return Reply{
			Action:      ActionAskCustomer,
			ServiceName: snap.ServiceName,
			Date:        snap.Date,
			Time:        snap.Time,
		}, nil, nil
	}
	return e.finalize(ctx, snap, set, duration)
}

func (e *Engine) finalize(ctx context.Context, snap *convstate.Snapshot, lastShown *availability.SlotSet, duration int) (Reply, *BookingResult, error) {
	result, err := e.finalizer.Finalize(ctx, snap, lastShown, duration)
	if err != nil {
		return Reply{}, nil, err
	}
	e.metrics.ObserveBooking(string(result.Status))

	switch result.Status {
	case BookingConfirmed:
		reply := Reply{
			Action:           ActionConfirmBooking,
			ServiceName:      snap.ServiceName,
			ProfessionalName: snap.ProfessionalName,
			Date:             snap.Date,
			Time:             snap.Time,
		}
		snap.ClearBookingFields()
		if err := e.store.SaveAvailability(ctx, snap.ConversationID, nil); err != nil {
			return Reply{}, nil, err
		}
		if err := e.store.SaveDisambiguation(ctx, snap.ConversationID, nil); err != nil {
			return Reply{}, nil, err
		}
		return reply, result, nil
	case BookingStale:
		snap.Time = ""
		if result.FreshSlots != nil {
			if err := e.store.SaveAvailability(ctx, snap.ConversationID, result.FreshSlots); err != nil {
				return Reply{}, nil, err
			}
		}
		return Reply{
			Action:  ActionSlotTaken,
			Options: slotOptions(result.FreshSlots, e.cfg.Location, e.cfg.MaxOptions),
		}, result, nil
	default: // BookingConflict
		snap.Time = ""
		if err := e.store.SaveAvailability(ctx, snap.ConversationID, nil); err != nil {
			return Reply{}, nil, err
		}
		return Reply{Action: ActionSlotTaken}, result, nil
	}
}

func (e *Engine) serviceDuration(ctx context.Context, serviceID string) int {
	svc, err := e.services.ServiceByID(ctx, serviceID)
	if err != nil || svc == nil || svc.DurationMin <= 0 {
		return e.cfg.DefaultDurationMin
	}
	return svc.DurationMin
}

func (e *Engine) record(ctx context.Context, conversationID, role, content string) {
	if e.transcript == nil {
		return
	}
	if err := e.transcript.RecordMessage(ctx, conversationID, role, content); err != nil {
		e.logger.Warn("failed to record transcript message",
			"conversation_id", conversationID, "role", role, "error", err)
	}
}

func (e *Engine) bumpSeq(conversationID string) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seqs[conversationID]++
	return e.seqs[conversationID]
}

func (e *Engine) superseded(conversationID string, seq uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.seqs[conversationID] != seq
}

func candidateNames(candidates []resolver.Candidate) []string {
	names := make([]string, 0, len(candidates))
	for _, c := range candidates {
		names = append(names, c.Entity.Name)
	}
	return names
}

func slotOptions(set *availability.SlotSet, loc *time.Location, max int) []string {
	if set == nil {
		return nil
	}
	seen := make(map[string]struct{}, len(set.Slots))
	options := make([]string, 0, max)
	for _, slot := range set.Slots {
		hhmm := slot.Start.In(loc).Format("15:04")
		if _, ok := seen[hhmm]; ok {
			continue
		}
		seen[hhmm] = struct{}{}
		options = append(options, hhmm)
		if len(options) >= max {
			break
		}
	}
	return options
}
