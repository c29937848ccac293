package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/tinyteams/booking-agent/internal/convstate"
	"github.com/tinyteams/booking-agent/pkg/logging"
)

// chatClient is the OpenAI surface the engine needs, narrowed for testing.
type chatClient interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

const extractionPromptTemplate = `You extract booking information from a customer message in a salon scheduling conversation. Today is %s (%s). The conversation context so far is:
%s

Respond ONLY with valid JSON, no text outside the JSON, in exactly this shape:
{"intent":"booking|greeting|info|cancel|unknown","fields":{"professional_name":"","service_name":"","date":"","time":"","customer_document_id":"","customer_name":"","customer_email":""},"clear_fields":[],"any_professional":false}

Rules:
- "date" must be an absolute ISO date (YYYY-MM-DD); resolve words like "tomorrow" against today's date.
- "time" must be HH:MM in 24h format.
- Omit or leave empty any field the message does not mention; never invent values.
- Put a field name in "clear_fields" when the message invalidates a previously stored value, for example switching to a different professional.
- Set "any_professional" true only when the customer explicitly says any professional is fine.`

// Extractor turns a raw chat message into an Extraction.
type Extractor interface {
	Extract(ctx context.Context, snap *convstate.Snapshot, message string) (Extraction, error)
}

// OpenAIExtractor extracts intent and slot fields with a chat completion.
type OpenAIExtractor struct {
	client chatClient
	model  string
	logger *logging.Logger
	now    func() time.Time
	loc    *time.Location
}

// NewOpenAIExtractor creates an extractor. The client is required.
func NewOpenAIExtractor(client chatClient, model string, loc *time.Location, logger *logging.Logger) *OpenAIExtractor {
	if client == nil {
		panic("engine: chat client cannot be nil")
	}
	if model == "" {
		model = openai.GPT4oMini
	}
	if loc == nil {
		loc = time.Local
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &OpenAIExtractor{client: client, model: model, logger: logger, now: time.Now, loc: loc}
}

// Extract runs the completion and parses its JSON output. Malformed model
// output degrades to intent unknown with ErrExtraction so the caller can
// count it without failing the turn.
func (e *OpenAIExtractor) Extract(ctx context.Context, snap *convstate.Snapshot, message string) (Extraction, error) {
	today := e.now().In(e.loc)
	prompt := fmt.Sprintf(extractionPromptTemplate,
		today.Format("2006-01-02"), today.Weekday(), snapshotSummary(snap))

	req := openai.ChatCompletionRequest{
		Model: e.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: prompt},
			{Role: openai.ChatMessageRoleUser, Content: message},
		},
		Temperature: 0,
	}
	resp, err := e.client.CreateChatCompletion(ctx, req)
	if err != nil && ctx.Err() == nil {
		// One retry on transport errors before degrading the turn.
		e.logger.Warn("extraction completion failed, retrying", "error", err)
		resp, err = e.client.CreateChatCompletion(ctx, req)
	}
	if err != nil {
		return Extraction{Intent: IntentUnknown}, fmt.Errorf("%w: %v", ErrExtraction, err)
	}
	if len(resp.Choices) == 0 {
		return Extraction{Intent: IntentUnknown}, fmt.Errorf("%w: empty completion", ErrExtraction)
	}
	return parseExtraction(resp.Choices[0].Message.Content, e.logger)
}

type extractionWire struct {
	Intent          string            `json:"intent"`
	Fields          map[string]string `json:"fields"`
	ClearFields     []string          `json:"clear_fields"`
	AnyProfessional bool              `json:"any_professional"`
}

func parseExtraction(raw string, logger *logging.Logger) (Extraction, error) {
	raw = stripCodeFence(raw)

	var wire extractionWire
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		logger.Warn("unparseable extraction output", "error", err)
		return Extraction{Intent: IntentUnknown}, fmt.Errorf("%w: %v", ErrExtraction, err)
	}

	out := Extraction{
		Intent:          normalizeIntent(wire.Intent),
		Fields:          make(map[convstate.Field]string),
		AnyProfessional: wire.AnyProfessional,
	}
	for name, value := range wire.Fields {
		f, ok := knownField(name)
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		if value == "" || !validFieldValue(f, value) {
			continue
		}
		out.Fields[f] = value
	}
	for _, name := range wire.ClearFields {
		if f, ok := knownField(name); ok {
			out.ClearFields = append(out.ClearFields, f)
		}
	}
	return out, nil
}

func normalizeIntent(s string) Intent {
	switch Intent(strings.ToLower(strings.TrimSpace(s))) {
	case IntentBooking:
		return IntentBooking
	case IntentGreeting:
		return IntentGreeting
	case IntentInfo:
		return IntentInfo
	case IntentCancel:
		return IntentCancel
	}
	return IntentUnknown
}

func knownField(name string) (convstate.Field, bool) {
	f := convstate.Field(strings.TrimSpace(name))
	for _, known := range convstate.AllFields {
		if f == known {
			return f, true
		}
	}
	return "", false
}

// validFieldValue rejects date and time values the model failed to normalize.
func validFieldValue(f convstate.Field, value string) bool {
	switch f {
	case convstate.FieldDate:
		_, err := time.Parse("2006-01-02", value)
		return err == nil
	case convstate.FieldTime:
		_, err := time.Parse("15:04", value)
		return err == nil
	}
	return true
}

func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func snapshotSummary(snap *convstate.Snapshot) string {
	if snap == nil {
		return "(empty)"
	}
	var b strings.Builder
	for _, f := range convstate.AllFields {
		if v := snap.Get(f); v != "" {
			fmt.Fprintf(&b, "%s=%s\n", f, v)
		}
	}
	if b.Len() == 0 {
		return "(empty)"
	}
	return b.String()
}
