package engine

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/tinyteams/booking-agent/internal/convstate"
	"github.com/tinyteams/booking-agent/pkg/logging"
)

type stubChat struct {
	content string
	err     error
	lastReq openai.ChatCompletionRequest
}

func (s *stubChat) CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	s.lastReq = req
	if s.err != nil {
		return openai.ChatCompletionResponse{}, s.err
	}
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: s.content}},
		},
	}, nil
}

func TestParseExtractionWellFormed(t *testing.T) {
	raw := `{"intent":"booking","fields":{"professional_name":"Ana Souza","date":"2026-09-10","time":"14:00"},"clear_fields":["professional_id"],"any_professional":false}`
	ext, err := parseExtraction(raw, logging.New("error"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ext.Intent != IntentBooking {
		t.Errorf("expected booking intent, got %s", ext.Intent)
	}
	if ext.Fields[convstate.FieldProfessionalName] != "Ana Souza" {
		t.Errorf("professional name not extracted: %+v", ext.Fields)
	}
	if ext.Fields[convstate.FieldDate] != "2026-09-10" || ext.Fields[convstate.FieldTime] != "14:00" {
		t.Errorf("date/time not extracted: %+v", ext.Fields)
	}
	if len(ext.ClearFields) != 1 || ext.ClearFields[0] != convstate.FieldProfessionalID {
		t.Errorf("clear fields not carried: %+v", ext.ClearFields)
	}
}

func TestParseExtractionStripsCodeFence(t *testing.T) {
	raw := "```json\n{\"intent\":\"greeting\",\"fields\":{}}\n```"
	ext, err := parseExtraction(raw, logging.New("error"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ext.Intent != IntentGreeting {
		t.Errorf("expected greeting, got %s", ext.Intent)
	}
}

func TestParseExtractionMalformedDegradesToUnknown(t *testing.T) {
	ext, err := parseExtraction("sure, I'll book that for you!", logging.New("error"))
	if !errors.Is(err, ErrExtraction) {
		t.Fatalf("expected ErrExtraction, got %v", err)
	}
	if ext.Intent != IntentUnknown {
		t.Errorf("malformed output must degrade to unknown, got %s", ext.Intent)
	}
}

func TestParseExtractionDropsInvalidValues(t *testing.T) {
	raw := `{"intent":"booking","fields":{"date":"amanhã","time":"2pm","service_name":"Limpeza","made_up":"x"},"clear_fields":["bogus","time"]}`
	ext, err := parseExtraction(raw, logging.New("error"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := ext.Fields[convstate.FieldDate]; ok {
		t.Error("non-ISO date must be dropped")
	}
	if _, ok := ext.Fields[convstate.FieldTime]; ok {
		t.Error("non-HH:MM time must be dropped")
	}
	if ext.Fields[convstate.FieldServiceName] != "Limpeza" {
		t.Errorf("valid field lost: %+v", ext.Fields)
	}
	if len(ext.ClearFields) != 1 || ext.ClearFields[0] != convstate.FieldTime {
		t.Errorf("unknown clear field must be dropped: %+v", ext.ClearFields)
	}
}

func TestParseExtractionUnknownIntent(t *testing.T) {
	ext, err := parseExtraction(`{"intent":"party","fields":{}}`, logging.New("error"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ext.Intent != IntentUnknown {
		t.Errorf("unrecognized intent must map to unknown, got %s", ext.Intent)
	}
}

func TestExtractPassesContextAndDate(t *testing.T) {
	chat := &stubChat{content: `{"intent":"booking","fields":{}}`}
	ex := NewOpenAIExtractor(chat, "", time.UTC, logging.New("error"))
	ex.now = func() time.Time { return time.Date(2026, 9, 9, 12, 0, 0, 0, time.UTC) }

	snap := &convstate.Snapshot{ConversationID: "conv-1", ServiceName: "Limpeza de Pele"}
	ext, err := ex.Extract(context.Background(), snap, "pode ser amanhã?")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ext.Intent != IntentBooking {
		t.Errorf("expected booking, got %s", ext.Intent)
	}

	if len(chat.lastReq.Messages) != 2 {
		t.Fatalf("expected system+user messages, got %d", len(chat.lastReq.Messages))
	}
	system := chat.lastReq.Messages[0].Content
	for _, want := range []string{"2026-09-09", "service_name=Limpeza de Pele"} {
		if !strings.Contains(system, want) {
			t.Errorf("system prompt missing %q", want)
		}
	}
	if chat.lastReq.Messages[1].Content != "pode ser amanhã?" {
		t.Errorf("user message not forwarded: %q", chat.lastReq.Messages[1].Content)
	}
}

func TestExtractCompletionErrorDegradesToUnknown(t *testing.T) {
	chat := &stubChat{err: errors.New("rate limited")}
	ex := NewOpenAIExtractor(chat, "", time.UTC, logging.New("error"))

	ext, err := ex.Extract(context.Background(), &convstate.Snapshot{}, "oi")
	if !errors.Is(err, ErrExtraction) {
		t.Fatalf("expected ErrExtraction, got %v", err)
	}
	if ext.Intent != IntentUnknown {
		t.Errorf("expected unknown intent on failure, got %s", ext.Intent)
	}
}
