package engine

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/tinyteams/booking-agent/internal/availability"
	"github.com/tinyteams/booking-agent/internal/convstate"
	"github.com/tinyteams/booking-agent/internal/resolver"
	"github.com/tinyteams/booking-agent/internal/scheduling"
	"github.com/tinyteams/booking-agent/pkg/logging"
)

type scriptedExtractor struct {
	byMessage map[string]Extraction
	err       error
	// hook runs during extraction, simulating work while newer messages
	// may arrive.
	hook func()
}

func (s *scriptedExtractor) Extract(ctx context.Context, snap *convstate.Snapshot, message string) (Extraction, error) {
	if s.hook != nil {
		s.hook()
	}
	if s.err != nil {
		return Extraction{Intent: IntentUnknown}, s.err
	}
	ext, ok := s.byMessage[message]
	if !ok {
		return Extraction{Intent: IntentUnknown}, nil
	}
	if ext.Fields == nil {
		ext.Fields = map[convstate.Field]string{}
	}
	return ext, nil
}

type scriptedResolver struct {
	services      map[string]resolver.Resolution
	professionals map[string]resolver.Resolution
}

func (s *scriptedResolver) ResolveService(ctx context.Context, name string) resolver.Resolution {
	if res, ok := s.services[name]; ok {
		return res
	}
	return resolver.Resolution{Outcome: resolver.NotFound}
}

func (s *scriptedResolver) ResolveProfessional(ctx context.Context, name string) resolver.Resolution {
	if res, ok := s.professionals[name]; ok {
		return res
	}
	return resolver.Resolution{Outcome: resolver.NotFound}
}

type scriptedSlots struct {
	byProfessional map[string]*availability.SlotSet
	byDate         map[string]*availability.SlotSet
	err            error
	next           *availability.SlotSet
	nextOffset     int
	computeCalls   int
}

func (s *scriptedSlots) ComputeSlots(ctx context.Context, req availability.Request) (*availability.SlotSet, error) {
	s.computeCalls++
	if s.err != nil {
		return nil, s.err
	}
	if set, ok := s.byProfessional[req.ProfessionalID]; ok && req.ProfessionalID != "" {
		return set, nil
	}
	date := req.Date.Format("2006-01-02")
	if set, ok := s.byDate[date]; ok {
		return set, nil
	}
	return &availability.SlotSet{Date: date, Tier: availability.TierGenerated, Slots: []availability.TimeSlot{}}, nil
}

func (s *scriptedSlots) NextAvailable(ctx context.Context, req availability.Request, maxDays int) (*availability.SlotSet, int, error) {
	if s.next != nil {
		return s.next, s.nextOffset, nil
	}
	return &availability.SlotSet{Slots: []availability.TimeSlot{}}, maxDays, nil
}

type scriptedFinalizer struct {
	result *BookingResult
	err    error
	calls  int
}

func (s *scriptedFinalizer) Finalize(ctx context.Context, snap *convstate.Snapshot, lastShown *availability.SlotSet, durationMin int) (*BookingResult, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	if s.result != nil {
		return s.result, nil
	}
	return &BookingResult{Status: BookingConfirmed, AppointmentID: "900"}, nil
}

type scriptedServices struct{ byID map[string]*scheduling.Service }

func (s *scriptedServices) ServiceByID(ctx context.Context, id string) (*scheduling.Service, error) {
	if svc, ok := s.byID[id]; ok {
		return svc, nil
	}
	return nil, fmt.Errorf("unknown service %s", id)
}

type recordingTranscript struct {
	entries []string
}

func (r *recordingTranscript) RecordMessage(ctx context.Context, conversationID, role, content string) error {
	r.entries = append(r.entries, role+": "+content)
	return nil
}

type engineFixture struct {
	engine     *Engine
	store      *convstate.Store
	extractor  *scriptedExtractor
	slots      *scriptedSlots
	finalizer  *scriptedFinalizer
	transcript *recordingTranscript
}

func mustSlotSet(t *testing.T, date string, professionalID string, times ...string) *availability.SlotSet {
	t.Helper()
	set := &availability.SlotSet{Date: date, ProfessionalID: professionalID, Tier: availability.TierProvider}
	for _, hhmm := range times {
		start, err := time.ParseInLocation("2006-01-02 15:04", date+" "+hhmm, time.UTC)
		if err != nil {
			t.Fatalf("bad time %s: %v", hhmm, err)
		}
		set.Slots = append(set.Slots, availability.TimeSlot{Start: start, ProfessionalID: professionalID})
	}
	return set
}

func newFixture(t *testing.T) *engineFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	store := convstate.NewStore(rdb, nil)

	extractor := &scriptedExtractor{byMessage: map[string]Extraction{}}
	res := &scriptedResolver{
		services: map[string]resolver.Resolution{
			"limpeza": {
				Outcome: resolver.Resolved,
				Match:   &resolver.Entity{ID: "7", Name: "Limpeza de Pele", DurationMin: 45},
			},
		},
		professionals: map[string]resolver.Resolution{
			"Ana Souza": {
				Outcome: resolver.Resolved,
				Match:   &resolver.Entity{ID: "10", Name: "Ana Souza"},
			},
			"Bruno Lima": {
				Outcome: resolver.Resolved,
				Match:   &resolver.Entity{ID: "11", Name: "Bruno Lima"},
			},
		},
	}
	slots := &scriptedSlots{
		byDate: map[string]*availability.SlotSet{
			"2026-09-10": mustSlotSet(t, "2026-09-10", "", "10:30", "11:45"),
		},
		byProfessional: map[string]*availability.SlotSet{},
	}
	finalizer := &scriptedFinalizer{}
	services := &scriptedServices{byID: map[string]*scheduling.Service{
		"7": {ID: "7", Name: "Limpeza de Pele", DurationMin: 45},
	}}
	transcript := &recordingTranscript{}

	eng := New(store, extractor, nil, res, slots, finalizer, services, transcript, nil,
		Config{Location: time.UTC}, logging.New("error"))
	return &engineFixture{
		engine:     eng,
		store:      store,
		extractor:  extractor,
		slots:      slots,
		finalizer:  finalizer,
		transcript: transcript,
	}
}

func (f *engineFixture) turn(t *testing.T, conv, message string) *TurnResult {
	t.Helper()
	result, err := f.engine.HandleTurn(context.Background(), TurnRequest{ConversationID: conv, Message: message})
	if err != nil {
		t.Fatalf("turn %q failed: %v", message, err)
	}
	return result
}

func TestGreetingTurn(t *testing.T) {
	f := newFixture(t)
	f.extractor.byMessage["oi"] = Extraction{Intent: IntentGreeting}

	result := f.turn(t, "conv-1", "oi")
	if result.Action != ActionGreet || result.Message == "" {
		t.Fatalf("expected greet with message, got %+v", result)
	}
	if len(f.transcript.entries) != 2 {
		t.Errorf("expected user+assistant recorded, got %v", f.transcript.entries)
	}
}

func TestBookingFlowToConfirmation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.extractor.byMessage["quero limpeza"] = Extraction{
		Intent: IntentBooking,
		Fields: map[convstate.Field]string{convstate.FieldServiceName: "limpeza"},
	}
	f.extractor.byMessage["dia 10"] = Extraction{
		Intent: IntentBooking,
		Fields: map[convstate.Field]string{convstate.FieldDate: "2026-09-10"},
	}
	f.extractor.byMessage["10:30"] = Extraction{
		Intent: IntentBooking,
		Fields: map[convstate.Field]string{convstate.FieldTime: "10:30"},
	}
	f.extractor.byMessage["Carla Dias, 12345678900"] = Extraction{
		Intent: IntentBooking,
		Fields: map[convstate.Field]string{
			convstate.FieldCustomerName:       "Carla Dias",
			convstate.FieldCustomerDocumentID: "12345678900",
		},
	}

	if result := f.turn(t, "conv-1", "quero limpeza"); result.Action != ActionAskDate {
		t.Fatalf("turn 1: expected ask_date, got %+v", result)
	}
	snap, _ := f.store.Load(ctx, "conv-1")
	if snap.ServiceID != "7" || snap.ServiceName != "Limpeza de Pele" {
		t.Fatalf("service not resolved into snapshot: %+v", snap)
	}

	result := f.turn(t, "conv-1", "dia 10")
	if result.Action != ActionAskTime {
		t.Fatalf("turn 2: expected ask_time, got %+v", result)
	}
	if !strings.Contains(result.Message, "2026-09-10") {
		t.Errorf("turn 2 message missing the date: %q", result.Message)
	}
	if f.slots.computeCalls != 0 {
		t.Errorf("turn 2 must not consult availability before a time is chosen, got %d calls", f.slots.computeCalls)
	}

	if result := f.turn(t, "conv-1", "10:30"); result.Action != ActionAskCustomer {
		t.Fatalf("turn 3: expected ask_customer, got %+v", result)
	}
	if shown, _ := f.store.LoadAvailability(ctx, "conv-1"); shown == nil {
		t.Error("turn 3 must store the validated availability")
	}

	result = f.turn(t, "conv-1", "Carla Dias, 12345678900")
	if result.Action != ActionConfirmBooking {
		t.Fatalf("turn 4: expected confirmation, got %+v", result)
	}
	if result.Booking == nil || result.Booking.Status != BookingConfirmed {
		t.Fatalf("turn 4: expected confirmed booking, got %+v", result.Booking)
	}
	if f.finalizer.calls != 1 {
		t.Errorf("expected exactly one finalize call, got %d", f.finalizer.calls)
	}

	snap, _ = f.store.Load(ctx, "conv-1")
	if snap.ServiceID != "" || snap.Date != "" || snap.Time != "" {
		t.Errorf("booking fields must reset after confirmation: %+v", snap)
	}
	if snap.CustomerDocumentID != "12345678900" {
		t.Errorf("customer identity must survive confirmation: %+v", snap)
	}
}

func TestProfessionalSwitchClearsPickedTime(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.Save(ctx, &convstate.Snapshot{
		ConversationID:   "conv-1",
		ServiceID:        "7",
		ServiceName:      "Limpeza de Pele",
		ProfessionalID:   "10",
		ProfessionalName: "Ana Souza",
		Date:             "2026-09-10",
		Time:             "10:30",
	})
	f.extractor.byMessage["prefiro o Bruno"] = Extraction{
		Intent: IntentBooking,
		Fields: map[convstate.Field]string{convstate.FieldProfessionalName: "Bruno Lima"},
	}

	result := f.turn(t, "conv-1", "prefiro o Bruno")
	if result.Action != ActionAskTime {
		t.Fatalf("expected the time question again after switch, got %+v", result)
	}
	snap, _ := f.store.Load(ctx, "conv-1")
	if snap.ProfessionalID != "11" {
		t.Errorf("expected Bruno resolved, got %+v", snap)
	}
	if snap.Time != "" {
		t.Errorf("picked time must be invalidated by the switch, got %q", snap.Time)
	}
	if snap.Date != "2026-09-10" {
		t.Errorf("date must survive the switch, got %q", snap.Date)
	}
}

func TestAmbiguousProfessionalOfferAndTimePick(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.engine.resolver.(*scriptedResolver).professionals["Ana"] = resolver.Resolution{
		Outcome: resolver.Ambiguous,
		Candidates: []resolver.Candidate{
			{Entity: resolver.Entity{ID: "1", Name: "Ana Clara Souza"}, Score: 0.73},
			{Entity: resolver.Entity{ID: "2", Name: "Ana Clara Lima"}, Score: 0.70},
		},
	}
	f.slots.byProfessional["1"] = mustSlotSet(t, "2026-09-10", "1", "09:00")
	f.slots.byProfessional["2"] = mustSlotSet(t, "2026-09-10", "2", "11:00")

	f.extractor.byMessage["com a Ana dia 10"] = Extraction{
		Intent: IntentBooking,
		Fields: map[convstate.Field]string{
			convstate.FieldServiceName:      "limpeza",
			convstate.FieldProfessionalName: "Ana",
			convstate.FieldDate:             "2026-09-10",
		},
	}
	f.extractor.byMessage["pode ser 11:00"] = Extraction{
		Intent: IntentBooking,
		Fields: map[convstate.Field]string{convstate.FieldTime: "11:00"},
	}

	// The ambiguity does not block the time question.
	result := f.turn(t, "conv-1", "com a Ana dia 10")
	if result.Action != ActionAskTime {
		t.Fatalf("expected the time question first, got %+v", result)
	}

	// Picking a time only one candidate can serve settles the professional
	// without an extra question.
	result = f.turn(t, "conv-1", "pode ser 11:00")
	if result.Action != ActionAskCustomer {
		t.Fatalf("expected customer question after pick, got %+v", result)
	}
	snap, _ := f.store.Load(ctx, "conv-1")
	if snap.ProfessionalID != "2" || snap.ProfessionalName != "Ana Clara Lima" {
		t.Errorf("time pick must settle the professional, got %+v", snap)
	}
	if snap.Time != "11:00" {
		t.Errorf("picked time lost: %q", snap.Time)
	}
	if cache, _ := f.store.LoadDisambiguation(ctx, "conv-1"); cache != nil {
		t.Errorf("no offer should remain cached, got %+v", cache)
	}
}

func TestTiedTimeOfferAndCachedPick(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.engine.resolver.(*scriptedResolver).professionals["Ana"] = resolver.Resolution{
		Outcome: resolver.Ambiguous,
		Candidates: []resolver.Candidate{
			{Entity: resolver.Entity{ID: "1", Name: "Ana Clara Souza"}, Score: 0.73},
			{Entity: resolver.Entity{ID: "2", Name: "Ana Clara Lima"}, Score: 0.70},
		},
	}
	// Both candidates can serve 11:00, so the pick stays ambiguous and an
	// offer with each candidate's times goes out instead.
	f.slots.byProfessional["1"] = mustSlotSet(t, "2026-09-10", "1", "09:00", "11:00")
	f.slots.byProfessional["2"] = mustSlotSet(t, "2026-09-10", "2", "11:00", "15:00")

	f.extractor.byMessage["com a Ana dia 10 às 11:00"] = Extraction{
		Intent: IntentBooking,
		Fields: map[convstate.Field]string{
			convstate.FieldServiceName:      "limpeza",
			convstate.FieldProfessionalName: "Ana",
			convstate.FieldDate:             "2026-09-10",
			convstate.FieldTime:             "11:00",
		},
	}
	f.extractor.byMessage["pode ser 09:00"] = Extraction{
		Intent: IntentBooking,
		Fields: map[convstate.Field]string{convstate.FieldTime: "09:00"},
	}

	result := f.turn(t, "conv-1", "com a Ana dia 10 às 11:00")
	if result.Action != ActionChooseProfessional {
		t.Fatalf("expected disambiguation offer, got %+v", result)
	}
	for _, want := range []string{"Ana Clara Souza", "09:00", "Ana Clara Lima", "15:00"} {
		if !strings.Contains(result.Message, want) {
			t.Errorf("offer missing %q: %q", want, result.Message)
		}
	}
	if cache, _ := f.store.LoadDisambiguation(ctx, "conv-1"); cache == nil || len(cache.Entries) != 2 {
		t.Fatalf("expected cached offer with 2 entries, got %+v", cache)
	}

	// A follow-up time only one cached candidate offered settles the choice.
	result = f.turn(t, "conv-1", "pode ser 09:00")
	if result.Action != ActionAskCustomer {
		t.Fatalf("expected customer question after pick, got %+v", result)
	}
	snap, _ := f.store.Load(ctx, "conv-1")
	if snap.ProfessionalID != "1" || snap.ProfessionalName != "Ana Clara Souza" {
		t.Errorf("cached pick must settle the professional, got %+v", snap)
	}
	if snap.Time != "09:00" {
		t.Errorf("picked time lost: %q", snap.Time)
	}
	if cache, _ := f.store.LoadDisambiguation(ctx, "conv-1"); cache != nil {
		t.Errorf("consumed offer must be cleared, got %+v", cache)
	}
}

func TestProviderFailureAsksToRetry(t *testing.T) {
	f := newFixture(t)
	f.slots.err = fmt.Errorf("%w: agenda fetch", availability.ErrProvider)
	f.extractor.byMessage["dia 10 às 10:30"] = Extraction{
		Intent: IntentBooking,
		Fields: map[convstate.Field]string{
			convstate.FieldServiceName: "limpeza",
			convstate.FieldDate:        "2026-09-10",
			convstate.FieldTime:        "10:30",
		},
	}

	result := f.turn(t, "conv-1", "dia 10 às 10:30")
	if result.Action != ActionRetryLater {
		t.Fatalf("expected retry_later, got %+v", result)
	}
}

func TestEmptyDaySuggestsNextDate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.slots.byDate = map[string]*availability.SlotSet{}
	f.slots.next = mustSlotSet(t, "2026-09-12", "", "09:00")
	f.slots.nextOffset = 2

	f.extractor.byMessage["dia 10 às 10:30"] = Extraction{
		Intent: IntentBooking,
		Fields: map[convstate.Field]string{
			convstate.FieldServiceName: "limpeza",
			convstate.FieldDate:        "2026-09-10",
			convstate.FieldTime:        "10:30",
		},
	}

	result := f.turn(t, "conv-1", "dia 10 às 10:30")
	if result.Action != ActionSuggestNextDate {
		t.Fatalf("expected next-date suggestion, got %+v", result)
	}
	for _, want := range []string{"2026-09-10", "2026-09-12", "09:00"} {
		if !strings.Contains(result.Message, want) {
			t.Errorf("suggestion missing %q: %q", want, result.Message)
		}
	}
	if shown, _ := f.store.LoadAvailability(ctx, "conv-1"); shown == nil || shown.Date != "2026-09-12" {
		t.Errorf("suggested availability must be stored, got %+v", shown)
	}
	snap, _ := f.store.Load(ctx, "conv-1")
	if snap.Time != "" {
		t.Errorf("unserved time must be dropped, got %q", snap.Time)
	}
}

func TestTimeAskedBeforeAnyAvailabilityCheck(t *testing.T) {
	f := newFixture(t)
	f.engine.resolver.(*scriptedResolver).professionals["Ana"] = resolver.Resolution{
		Outcome: resolver.Ambiguous,
		Candidates: []resolver.Candidate{
			{Entity: resolver.Entity{ID: "1", Name: "Ana Clara Souza"}, Score: 0.73},
			{Entity: resolver.Entity{ID: "2", Name: "Ana Clara Lima"}, Score: 0.70},
		},
	}
	f.extractor.byMessage["com a Ana dia 10"] = Extraction{
		Intent: IntentBooking,
		Fields: map[convstate.Field]string{
			convstate.FieldServiceName:      "limpeza",
			convstate.FieldProfessionalName: "Ana",
			convstate.FieldDate:             "2026-09-10",
		},
	}

	result := f.turn(t, "conv-1", "com a Ana dia 10")
	if result.Action != ActionAskTime {
		t.Fatalf("expected the time question despite the unresolved name, got %+v", result)
	}
	if f.slots.computeCalls != 0 {
		t.Errorf("no availability call may happen before a time is chosen, got %d", f.slots.computeCalls)
	}
}

func TestUnavailableTimeShowsDayOptions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.extractor.byMessage["dia 10 às 15:00"] = Extraction{
		Intent: IntentBooking,
		Fields: map[convstate.Field]string{
			convstate.FieldServiceName: "limpeza",
			convstate.FieldDate:        "2026-09-10",
			convstate.FieldTime:        "15:00",
		},
	}

	// 15:00 is not in the day's computed set; the real options come back
	// before any customer question.
	result := f.turn(t, "conv-1", "dia 10 às 15:00")
	if result.Action != ActionShowAvailability {
		t.Fatalf("expected the day's options, got %+v", result)
	}
	for _, want := range []string{"10:30", "11:45"} {
		if !strings.Contains(result.Message, want) {
			t.Errorf("options missing %q: %q", want, result.Message)
		}
	}
	snap, _ := f.store.Load(ctx, "conv-1")
	if snap.Time != "" {
		t.Errorf("invalid time must be dropped, got %q", snap.Time)
	}
	if shown, _ := f.store.LoadAvailability(ctx, "conv-1"); shown == nil {
		t.Error("validated availability must be stored")
	}
	if f.finalizer.calls != 0 {
		t.Errorf("finalizer must not run for an unavailable time, got %d calls", f.finalizer.calls)
	}
}

func TestCancelResetsConversation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.Save(ctx, &convstate.Snapshot{ConversationID: "conv-1", ServiceID: "7", Date: "2026-09-10"})
	f.extractor.byMessage["deixa pra lá"] = Extraction{Intent: IntentCancel}

	result := f.turn(t, "conv-1", "deixa pra lá")
	if result.Action != ActionReset {
		t.Fatalf("expected reset, got %+v", result)
	}
	snap, _ := f.store.Load(ctx, "conv-1")
	if snap.ServiceID != "" || snap.Date != "" {
		t.Errorf("expected cleared context, got %+v", snap)
	}
}

func TestSupersededTurnIsDiscarded(t *testing.T) {
	f := newFixture(t)
	f.extractor.byMessage["oi"] = Extraction{Intent: IntentGreeting}
	// A newer message arrives while this turn is extracting.
	f.extractor.hook = func() {
		f.engine.bumpSeq("conv-1")
		f.extractor.hook = nil
	}

	result := f.turn(t, "conv-1", "oi")
	if !result.Superseded {
		t.Fatalf("expected superseded turn, got %+v", result)
	}
	if result.Message != "" {
		t.Errorf("superseded turn must not reply, got %q", result.Message)
	}
	if len(f.transcript.entries) != 0 {
		t.Errorf("superseded turn must not record transcript, got %v", f.transcript.entries)
	}
}

func TestExtractionFailureStillAnswers(t *testing.T) {
	f := newFixture(t)
	f.extractor.err = fmt.Errorf("%w: garbage output", ErrExtraction)

	result := f.turn(t, "conv-1", "asdfgh")
	if result.Intent != IntentUnknown {
		t.Errorf("expected unknown intent, got %s", result.Intent)
	}
	if result.Action != ActionGreet || result.Message == "" {
		t.Errorf("expected a fallback reply, got %+v", result)
	}
}
