package flow

import (
	"context"
	"strings"
	"time"

	"github.com/mapagov/helena/internal/input"
	"github.com/mapagov/helena/internal/models"
)

// StateAssistantChat is the single state of the assistant.
const StateAssistantChat StateID = "ASSISTANT_CHAT"

// ProductAssistant is the registry name of the assistant.
const ProductAssistant = "ajuda"

// DefaultAssistantTimeout bounds one LLM answer.
const DefaultAssistantTimeout = 25 * time.Second

// AssistantSystemPrompt frames the LLM answers.
const AssistantSystemPrompt = `Você é a Helena, assistente do MapaGov para servidores públicos.
Ajude com mapeamento de processos, Procedimentos Operacionais Padrão (POP), etapas de atividades e análise de riscos.
Responda em português, de forma breve e objetiva. Quando o usuário quiser começar um mapeamento, sugira digitar "mapear processo"; para riscos, "analise de risco".`

const assistantMenu = `Posso ajudar com:
1. Mapear um processo (POP): digite "mapear processo"
2. Descrever as etapas de uma atividade: digite "etapas"
3. Fazer uma análise de riscos: digite "analise de risco"`

// Completer answers a prompt with an LLM.
type Completer interface {
	GeneratePrompt(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// intentTriggers maps normalized phrases to the product they request.
var intentTriggers = []struct {
	phrase  string
	product string
}{
	{"mapear processo", ProductPOP},
	{"mapear atividade", ProductPOP},
	{"novo pop", ProductPOP},
	{"analise de risco", ProductRisk},
	{"analise de riscos", ProductRisk},
	{"etapas", ProductSteps},
}

// AssistantProduct is free-form help backed by an optional LLM.
type AssistantProduct struct {
	machine *Machine
	llm     Completer
	timeout time.Duration
}

// NewAssistantProduct builds the assistant. llm may be nil, in which case
// the assistant answers with a static menu.
func NewAssistantProduct(llm Completer, timeout time.Duration) *AssistantProduct {
	if timeout <= 0 {
		timeout = DefaultAssistantTimeout
	}
	p := &AssistantProduct{llm: llm, timeout: timeout}
	p.machine = MustMachine(ProductAssistant, StateAssistantChat, map[StateID]Handler{
		StateAssistantChat: p.handleChat,
	})
	return p
}

func (p *AssistantProduct) Name() string  { return ProductAssistant }
func (p *AssistantProduct) Title() string { return "Ajuda" }

func (p *AssistantProduct) AcceptedFields() []string { return []string{FieldName} }

func (p *AssistantProduct) InitializeState(sessionID string, payload *HandoffPayload) models.ConversationState {
	st := models.NewConversationState(sessionID, ProductAssistant, string(StateAssistantChat))
	if name, ok := payload.Inherited().String(FieldName); ok {
		st.Collected[FieldName] = name
	}
	return st
}

func (p *AssistantProduct) Greeting(state models.ConversationState) string {
	return assistantMenu
}

// DetectIntent recognizes requests to start one of the wizards.
func (p *AssistantProduct) DetectIntent(message string) (string, bool) {
	for _, trig := range intentTriggers {
		if input.Mentions(message, trig.phrase) {
			return trig.product, true
		}
	}
	return "", false
}

func (p *AssistantProduct) Process(ctx context.Context, message string, state models.ConversationState) (Result, models.ConversationState, error) {
	return p.machine.Transition(ctx, message, state)
}

func (p *AssistantProduct) handleChat(t *Turn) Transition {
	if p.llm == nil || strings.TrimSpace(t.Message) == "" {
		return Stay(assistantMenu)
	}
	ctx, cancel := context.WithTimeout(t.Ctx, p.timeout)
	defer cancel()
	reply, err := p.llm.GeneratePrompt(ctx, AssistantSystemPrompt, t.Message)
	if err != nil {
		return Fail(err)
	}
	tr := Stay(reply)
	if target, ok := p.DetectIntent(reply); ok {
		tr = tr.Suggest(target)
	}
	return tr
}
