package engine

import (
	"context"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/tinyteams/booking-agent/internal/convstate"
	"github.com/tinyteams/booking-agent/pkg/logging"
)

// Reply carries the decided action plus the facts the user-facing message
// must contain.
type Reply struct {
	Action           Action
	ServiceName      string
	ProfessionalName string
	Date             string
	Time             string
	// Query is the name that failed to resolve, for clarify actions.
	Query string
	// Candidates are close-match names offered on a failed resolution.
	Candidates []string
	// Options are the slot times (HH:MM) offered to the user.
	Options []string
	// Disambiguation lists candidate professionals with their times.
	Disambiguation []convstate.DisambiguationEntry
	// DaysAhead is how many days past the requested date the suggested
	// availability lies, for ActionSuggestNextDate.
	DaysAhead int
}

// Fallback renders the deterministic message for the reply. It is both the
// no-LLM rendering and the factual basis the responder model rephrases.
func (r Reply) Fallback() string {
	switch r.Action {
	case ActionGreet:
		return "Olá! Posso ajudar a agendar um horário. Qual serviço você procura?"
	case ActionAskService:
		return "Qual serviço você gostaria de agendar?"
	case ActionClarifyService:
		if len(r.Candidates) > 0 {
			return fmt.Sprintf("Não encontrei o serviço %q. Você quis dizer: %s?", r.Query, strings.Join(r.Candidates, ", "))
		}
		return fmt.Sprintf("Não encontrei o serviço %q. Pode me dizer o nome de outra forma?", r.Query)
	case ActionClarifyProfessional:
		if len(r.Candidates) > 0 {
			return fmt.Sprintf("Não encontrei %q na equipe. Você quis dizer: %s?", r.Query, strings.Join(r.Candidates, ", "))
		}
		return fmt.Sprintf("Não encontrei %q na equipe. Pode confirmar o nome?", r.Query)
	case ActionChooseProfessional:
		var b strings.Builder
		fmt.Fprintf(&b, "Temos mais de uma opção para %q. Horários disponíveis:\n", r.Query)
		for _, entry := range r.Disambiguation {
			fmt.Fprintf(&b, "- %s: %s\n", entry.ProfessionalName, strings.Join(entry.Times, ", "))
		}
		b.WriteString("Com quem você prefere?")
		return b.String()
	case ActionAskDate:
		return fmt.Sprintf("Para qual dia você gostaria de agendar %s?", r.ServiceName)
	case ActionAskTime:
		return fmt.Sprintf("E qual horário você prefere em %s?", r.Date)
	case ActionShowAvailability:
		who := ""
		if r.ProfessionalName != "" {
			who = fmt.Sprintf(" com %s", r.ProfessionalName)
		}
		return fmt.Sprintf("Horários disponíveis%s em %s: %s. Qual prefere?", who, r.Date, strings.Join(r.Options, ", "))
	case ActionSuggestNextDate:
		return fmt.Sprintf("Não há horários em %s. O dia mais próximo com vagas é %s: %s. Serve para você?",
			r.Query, r.Date, strings.Join(r.Options, ", "))
	case ActionAskCustomer:
		return "Para confirmar a reserva preciso do seu nome completo e CPF, por favor."
	case ActionConfirmBooking:
		who := ""
		if r.ProfessionalName != "" {
			who = fmt.Sprintf(" com %s", r.ProfessionalName)
		}
		return fmt.Sprintf("Confirmado! %s%s em %s às %s. Até lá!", r.ServiceName, who, r.Date, r.Time)
	case ActionSlotTaken:
		if len(r.Options) > 0 {
			return fmt.Sprintf("Esse horário acabou de ser preenchido. Ainda tenho: %s. Algum desses serve?", strings.Join(r.Options, ", "))
		}
		return "Esse horário acabou de ser preenchido. Quer tentar outro dia?"
	case ActionRetryLater:
		return "Estou com dificuldade para consultar a agenda agora. Pode tentar de novo em instantes?"
	case ActionReset:
		return "Tudo bem, cancelei o que estávamos montando. Quando quiser, é só me chamar."
	}
	return "Desculpe, não entendi. Pode reformular?"
}

// Responder renders the outgoing message for a reply.
type Responder interface {
	Respond(ctx context.Context, reply Reply) string
}

// TemplateResponder renders the deterministic fallback text directly.
type TemplateResponder struct{}

func (TemplateResponder) Respond(ctx context.Context, reply Reply) string {
	return reply.Fallback()
}

const responderPrompt = `You are a friendly Brazilian Portuguese receptionist for a salon. Rephrase the given message naturally and warmly. Keep every fact exactly as given: names, dates, times, and the question being asked must not change. Reply with the rephrased message only.`

// OpenAIResponder rephrases the deterministic message with a chat completion,
// falling back to the template text on any failure.
type OpenAIResponder struct {
	client chatClient
	model  string
	logger *logging.Logger
}

func NewOpenAIResponder(client chatClient, model string, logger *logging.Logger) *OpenAIResponder {
	if client == nil {
		panic("engine: chat client cannot be nil")
	}
	if model == "" {
		model = openai.GPT4oMini
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &OpenAIResponder{client: client, model: model, logger: logger}
}

func (r *OpenAIResponder) Respond(ctx context.Context, reply Reply) string {
	fallback := reply.Fallback()

	resp, err := r.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: r.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: responderPrompt},
			{Role: openai.ChatMessageRoleUser, Content: fallback},
		},
	})
	if err != nil {
		r.logger.Warn("responder completion failed, using template", "error", err)
		return fallback
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return fallback
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content)
}
