package flow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/mapagov/helena/internal/catalog"
	"github.com/mapagov/helena/internal/codes"
	"github.com/mapagov/helena/internal/input"
	"github.com/mapagov/helena/internal/models"
)

// POP wizard states.
const (
	StateNameInput           StateID = "NAME_INPUT"
	StateNameConfirm         StateID = "NAME_CONFIRM"
	StateReady               StateID = "READY"
	StateAreaSelection       StateID = "AREA_SELECTION"
	StateSubAreaSelection    StateID = "SUBAREA_SELECTION"
	StateMacroSelection      StateID = "MACRO_SELECTION"
	StateProcessSelection    StateID = "PROCESS_SELECTION"
	StateSubprocessSelection StateID = "SUBPROCESS_SELECTION"
	StateActivityInput       StateID = "ACTIVITY_INPUT"
	StateActivityConfirm     StateID = "ACTIVITY_CONFIRM"
	StateDeliverableInput    StateID = "DELIVERABLE_INPUT"
	StateSystemsInput        StateID = "SYSTEMS_INPUT"
	StateLegalBasisInput     StateID = "LEGAL_BASIS_INPUT"
	StateOperatorsInput      StateID = "OPERATORS_INPUT"
	StateInputFlows          StateID = "INPUT_FLOWS"
	StateOutputFlows         StateID = "OUTPUT_FLOWS"
	StateReview              StateID = "REVIEW"
	StateDone                StateID = "DONE"
)

// ProductPOP is the registry name of the POP wizard.
const ProductPOP = "pop"

// MinActivityLength is the shortest accepted activity or deliverable text, in runes.
const MinActivityLength = 3

var greetings = map[string]bool{
	"oi": true, "ola": true, "bom dia": true, "boa tarde": true, "boa noite": true,
	"opa": true, "e ai": true, "hello": true, "hi": true, "hey": true,
}

// editTargets maps the field names accepted by "editar <campo>" in REVIEW.
var editTargets = map[string]StateID{
	"nome":       StateNameInput,
	"area":       StateAreaSelection,
	"atividade":  StateActivityInput,
	"entrega":    StateDeliverableInput,
	"sistemas":   StateSystemsInput,
	"normas":     StateLegalBasisInput,
	"operadores": StateOperatorsInput,
	"entradas":   StateInputFlows,
	"saidas":     StateOutputFlows,
}

const editHelp = "Para ajustar, digite \"editar\" seguido do campo: nome, area, atividade, entrega, sistemas, normas, operadores, entradas ou saidas."

// POPProduct collects a standard operating procedure and assigns its CAP
// code.
type POPProduct struct {
	machine *Machine
	catalog *catalog.Catalog
	codes   CodeIssuer
}

// NewPOPProduct builds the POP wizard over the architecture catalog.
func NewPOPProduct(cat *catalog.Catalog, issuer CodeIssuer) *POPProduct {
	p := &POPProduct{catalog: cat, codes: issuer}
	p.machine = MustMachine(ProductPOP, StateNameInput, map[StateID]Handler{
		StateNameInput:           p.handleNameInput,
		StateNameConfirm:         p.handleNameConfirm,
		StateReady:               p.handleReady,
		StateAreaSelection:       p.handleArea,
		StateSubAreaSelection:    p.handleSubArea,
		StateMacroSelection:      p.handleMacro,
		StateProcessSelection:    p.handleProcess,
		StateSubprocessSelection: p.handleSubprocess,
		StateActivityInput:       p.handleActivityInput,
		StateActivityConfirm:     p.handleActivityConfirm,
		StateDeliverableInput:    p.handleDeliverable,
		StateSystemsInput:        p.listHandler(FieldSystems, StateLegalBasisInput, input.ParseList),
		StateLegalBasisInput:     p.listHandler(FieldLegalBasis, StateOperatorsInput, input.ParseLines),
		StateOperatorsInput:      p.listHandler(FieldOperators, StateInputFlows, input.ParseList),
		StateInputFlows:          p.listHandler(FieldInputFlows, StateOutputFlows, input.ParseList),
		StateOutputFlows:         p.listHandler(FieldOutputFlows, StateReview, input.ParseList),
		StateReview:              p.handleReview,
		StateDone:                p.handleDone,
	},
		StateNameInput, StateNameConfirm, StateReady, StateAreaSelection, StateSubAreaSelection,
		StateMacroSelection, StateProcessSelection, StateSubprocessSelection, StateActivityInput,
		StateActivityConfirm, StateDeliverableInput, StateSystemsInput, StateLegalBasisInput,
		StateOperatorsInput, StateInputFlows, StateOutputFlows, StateReview, StateDone,
	)
	return p
}

func (p *POPProduct) Name() string  { return ProductPOP }
func (p *POPProduct) Title() string { return "Mapeamento de POP" }

func (p *POPProduct) AcceptedFields() []string { return []string{FieldName} }

// InitializeState starts at NAME_INPUT, or at READY when the name is
// inherited.
func (p *POPProduct) InitializeState(sessionID string, payload *HandoffPayload) models.ConversationState {
	st := models.NewConversationState(sessionID, ProductPOP, string(StateNameInput))
	inherited := payload.Inherited()
	if name, ok := inherited.String(FieldName); ok {
		if valid, err := input.ValidatePersonName(name); err == nil {
			st.Collected[FieldName] = valid
			st.CurrentState = string(StateReady)
		}
	}
	return st
}

// Greeting returns the prompt of the current state.
func (p *POPProduct) Greeting(state models.ConversationState) string {
	return p.prompt(&state, StateID(state.CurrentState))
}

func (p *POPProduct) Process(ctx context.Context, message string, state models.ConversationState) (Result, models.ConversationState, error) {
	return p.machine.Transition(ctx, message, state)
}

// after returns REVIEW while an edit started from REVIEW is in progress.
func (p *POPProduct) after(t *Turn, next StateID) StateID {
	if t.Temp().Has(tempEditing) {
		return StateReview
	}
	return next
}

// advance moves to next, rendering its prompt and directive after lead.
func (p *POPProduct) advance(t *Turn, next StateID, lead string) Transition {
	if next == StateReview {
		delete(t.Temp(), tempEditing)
	}
	tr := Goto(next, joinParagraphs(lead, p.prompt(t.State, next)))
	if kind, data := p.directive(t.State, next); kind != "" {
		tr = tr.WithDirective(kind, data)
	}
	return tr
}

func (p *POPProduct) handleNameInput(t *Turn) Transition {
	if greetings[input.Normalize(t.Message)] {
		return Reject("Olá! Para começarmos, qual é o seu nome?")
	}
	name, err := input.ValidatePersonName(t.Message)
	if err != nil {
		return Reject(nameErrorText(err))
	}
	t.Temp()[FieldName] = name
	return p.advance(t, StateNameConfirm, "")
}

func nameErrorText(err error) string {
	switch {
	case errors.Is(err, input.ErrNameHasDigits):
		return "Nomes não podem conter números. Como você se chama?"
	case errors.Is(err, input.ErrNameTooShort):
		return "Esse nome parece curto demais. Qual é o seu nome?"
	case errors.Is(err, input.ErrNameTooLong):
		return "Esse nome é longo demais. Como prefere ser chamado?"
	default:
		return "Use apenas letras no nome, por favor. Qual é o seu nome?"
	}
}

func (p *POPProduct) handleNameConfirm(t *Turn) Transition {
	name, _ := t.Temp().String(FieldName)
	next := p.after(t, StateReady)
	tr := Confirm(t, FieldName, next, StateNameInput, "",
		"Tudo bem. Qual é o seu nome, então?",
		fmt.Sprintf("Não entendi. Seu nome é %s? Responda sim ou não.", name))
	if tr.rejected || tr.next != next {
		return tr
	}
	return p.advance(t, next, fmt.Sprintf("Prazer, %s!", name))
}

func (p *POPProduct) handleReady(t *Turn) Transition {
	switch input.ClassifyYesNo(t.Message) {
	case input.Yes:
		return p.advance(t, StateAreaSelection, "Ótimo!")
	case input.No:
		return Stay("Sem problemas. Quando quiser começar, é só dizer \"vamos\".")
	default:
		return Reject("Podemos começar o mapeamento? Responda sim ou não.")
	}
}

func (p *POPProduct) handleArea(t *Turn) Transition {
	area, ok := p.catalog.MatchArea(t.Message)
	if !ok {
		return Reject(joinParagraphs("Não encontrei essa área.", p.prompt(t.State, StateAreaSelection)))
	}
	if err := t.Collected().Encode(FieldArea, ArchRef{Code: area.Code, Name: area.Name}); err != nil {
		return Fail(err)
	}
	delete(t.Collected(), FieldSubArea)
	if len(area.SubAreas) > 0 {
		return p.advance(t, StateSubAreaSelection, "")
	}
	return p.advance(t, StateMacroSelection, "")
}

func (p *POPProduct) handleSubArea(t *Turn) Transition {
	area, err := p.area(t.State)
	if err != nil {
		return Fail(err)
	}
	sub, ok := area.MatchSubArea(t.Message)
	if !ok {
		return Reject(joinParagraphs("Não encontrei essa subárea.", p.prompt(t.State, StateSubAreaSelection)))
	}
	if err := t.Collected().Encode(FieldSubArea, ArchRef{Code: sub.Code, Name: sub.Name}); err != nil {
		return Fail(err)
	}
	return p.advance(t, StateMacroSelection, "")
}

func (p *POPProduct) handleMacro(t *Turn) Transition {
	area, err := p.area(t.State)
	if err != nil {
		return Fail(err)
	}
	macro, ok := area.MatchMacro(t.Message)
	if !ok {
		return Reject(joinParagraphs("Não encontrei esse macroprocesso.", p.prompt(t.State, StateMacroSelection)))
	}
	if err := t.Collected().Encode(FieldMacro, ArchRef{Code: macro.Code, Name: macro.Name}); err != nil {
		return Fail(err)
	}
	return p.advance(t, StateProcessSelection, "")
}

func (p *POPProduct) handleProcess(t *Turn) Transition {
	macro, err := p.macro(t.State)
	if err != nil {
		return Fail(err)
	}
	proc, ok := macro.MatchProcess(t.Message)
	if !ok {
		return Reject(joinParagraphs("Não encontrei esse processo.", p.prompt(t.State, StateProcessSelection)))
	}
	if err := t.Collected().Encode(FieldProcess, ArchRef{Code: proc.Code, Name: proc.Name}); err != nil {
		return Fail(err)
	}
	return p.advance(t, StateSubprocessSelection, "")
}

func (p *POPProduct) handleSubprocess(t *Turn) Transition {
	proc, err := p.process(t.State)
	if err != nil {
		return Fail(err)
	}
	sub, ok := proc.MatchSubprocess(t.Message)
	if !ok {
		return Reject(joinParagraphs("Não encontrei esse subprocesso.", p.prompt(t.State, StateSubprocessSelection)))
	}
	if err := t.Collected().Encode(FieldSubprocess, ArchRef{Code: sub.Code, Name: sub.Name}); err != nil {
		return Fail(err)
	}
	return p.advance(t, p.after(t, StateActivityInput), "")
}

func (p *POPProduct) handleActivityInput(t *Turn) Transition {
	text := input.CollapseSpaces(t.Message)
	if utf8.RuneCountInString(text) < MinActivityLength {
		return Reject("Descreva a atividade em uma frase, por favor.")
	}
	t.Temp()[FieldActivity] = text
	return p.advance(t, StateActivityConfirm, "")
}

func (p *POPProduct) handleActivityConfirm(t *Turn) Transition {
	activity, _ := t.Temp().String(FieldActivity)
	next := p.after(t, StateDeliverableInput)
	tr := Confirm(t, FieldActivity, next, StateActivityInput, "",
		"Certo. Como você descreveria a atividade?",
		fmt.Sprintf("A atividade é \"%s\"? Responda sim ou não.", activity))
	if tr.rejected || tr.next != next {
		return tr
	}
	return p.advance(t, next, "Anotado.")
}

func (p *POPProduct) handleDeliverable(t *Turn) Transition {
	text := input.CollapseSpaces(t.Message)
	if utf8.RuneCountInString(text) < MinActivityLength {
		return Reject("Qual é a entrega da atividade? Descreva o resultado final.")
	}
	t.Collected()[FieldDeliverable] = text
	return p.advance(t, p.after(t, StateSystemsInput), "")
}

func (p *POPProduct) listHandler(key string, next StateID, parse func(string) input.ListResult) Handler {
	return func(t *Turn) Transition {
		res := parse(t.Message)
		if !storeList(t.Collected(), key, res) {
			lead := "Não consegui entender a lista."
			if res.Status == input.Malformed {
				lead = "A lista enviada está mal formatada."
			}
			return Reject(joinParagraphs(lead, p.prompt(t.State, StateID(t.State.CurrentState))))
		}
		return p.advance(t, p.after(t, next), "")
	}
}

func (p *POPProduct) handleReview(t *Turn) Transition {
	n := input.Normalize(t.Message)
	if field, ok := strings.CutPrefix(n, "editar"); ok {
		target, known := editTargets[strings.TrimSpace(field)]
		if !known {
			return Reject(editHelp)
		}
		t.Temp()[tempEditing] = true
		return p.advance(t, target, "")
	}

	switch input.ClassifyYesNo(t.Message) {
	case input.Yes:
		key, err := p.activityKey(t.State)
		if err != nil {
			return Fail(err)
		}
		code, err := p.codes.NextActivityCode(t.Ctx, key)
		if err != nil {
			return Fail(err)
		}
		t.Collected()[FieldCAP] = code
		name, _ := t.Collected().String(FieldName)
		msg := fmt.Sprintf("Pronto, %s! O POP foi registrado com o código CAP %s. Agora vamos detalhar as etapas da atividade.", name, code)
		return Goto(StateDone, msg).
			WithBadge("pop_concluido").
			WithDirective("code", map[string]interface{}{"cap": code}).
			Complete(ProductSteps)
	case input.No:
		return Stay(editHelp)
	default:
		return Reject(joinParagraphs("Está tudo certo? Responda sim para gerar o código.", editHelp))
	}
}

func (p *POPProduct) handleDone(t *Turn) Transition {
	code, _ := t.Collected().String(FieldCAP)
	return Stay(fmt.Sprintf("Este POP já foi concluído com o código CAP %s.", code)).Suggest(ProductSteps)
}

func (p *POPProduct) area(st *models.ConversationState) (catalog.Area, error) {
	ref, ok := archRef(st.Collected, FieldArea)
	if !ok {
		return catalog.Area{}, fmt.Errorf("area not collected")
	}
	area, ok := p.catalog.AreaByCode(ref.Code)
	if !ok {
		return catalog.Area{}, fmt.Errorf("area %d not in catalog", ref.Code)
	}
	return area, nil
}

func (p *POPProduct) macro(st *models.ConversationState) (catalog.Macroprocess, error) {
	area, err := p.area(st)
	if err != nil {
		return catalog.Macroprocess{}, err
	}
	ref, ok := archRef(st.Collected, FieldMacro)
	if !ok {
		return catalog.Macroprocess{}, fmt.Errorf("macroprocess not collected")
	}
	m, ok := area.Macro(ref.Code)
	if !ok {
		return catalog.Macroprocess{}, fmt.Errorf("macroprocess %d not in area %d", ref.Code, area.Code)
	}
	return m, nil
}

func (p *POPProduct) process(st *models.ConversationState) (catalog.Process, error) {
	macro, err := p.macro(st)
	if err != nil {
		return catalog.Process{}, err
	}
	ref, ok := archRef(st.Collected, FieldProcess)
	if !ok {
		return catalog.Process{}, fmt.Errorf("process not collected")
	}
	proc, ok := macro.Process(ref.Code)
	if !ok {
		return catalog.Process{}, fmt.Errorf("process %d not in macroprocess %d", ref.Code, macro.Code)
	}
	return proc, nil
}

// activityKey builds the CAP prefix. Sub-areas share the parent area's
// two digits.
func (p *POPProduct) activityKey(st *models.ConversationState) (codes.ActivityKey, error) {
	var k codes.ActivityKey
	for _, seg := range []struct {
		field string
		dst   *int
	}{
		{FieldArea, &k.Area},
		{FieldMacro, &k.Macro},
		{FieldProcess, &k.Process},
		{FieldSubprocess, &k.Subprocess},
	} {
		ref, ok := archRef(st.Collected, seg.field)
		if !ok {
			return codes.ActivityKey{}, fmt.Errorf("%s not collected", seg.field)
		}
		*seg.dst = ref.Code
	}
	return k, nil
}

func (p *POPProduct) prompt(st *models.ConversationState, s StateID) string {
	name, _ := st.Collected.String(FieldName)
	switch s {
	case StateNameInput:
		return "Olá! Eu sou a Helena, assistente de mapeamento de processos. Qual é o seu nome?"
	case StateNameConfirm:
		candidate, _ := st.Temp.String(FieldName)
		return fmt.Sprintf("Seu nome é %s, certo?", candidate)
	case StateReady:
		return fmt.Sprintf("%s, vamos mapear um Procedimento Operacional Padrão (POP). Podemos começar?", name)
	case StateAreaSelection:
		return "Em qual área você trabalha?\n" + catalog.Menu(p.catalog.AreaNames())
	case StateSubAreaSelection:
		if area, err := p.area(st); err == nil {
			return fmt.Sprintf("Qual é a subárea dentro de %s?\n%s", area.Short, catalog.Menu(area.SubAreaNames()))
		}
	case StateMacroSelection:
		if area, err := p.area(st); err == nil {
			return "Qual é o macroprocesso?\n" + catalog.Menu(area.MacroNames())
		}
	case StateProcessSelection:
		if macro, err := p.macro(st); err == nil {
			return "Qual é o processo?\n" + catalog.Menu(macro.ProcessNames())
		}
	case StateSubprocessSelection:
		if proc, err := p.process(st); err == nil {
			return "Qual é o subprocesso?\n" + catalog.Menu(proc.SubprocessNames())
		}
	case StateActivityInput:
		return "Qual atividade você vai mapear? Descreva em uma frase."
	case StateActivityConfirm:
		activity, _ := st.Temp.String(FieldActivity)
		return fmt.Sprintf("A atividade é \"%s\". Está correto?", activity)
	case StateDeliverableInput:
		return "Qual é a entrega, o resultado final dessa atividade?"
	case StateSystemsInput:
		return "Quais sistemas você usa nessa atividade? Envie uma lista, ou \"nenhum\"."
	case StateLegalBasisInput:
		return "Quais normas fundamentam a atividade? Uma por linha, ou \"nenhuma\"."
	case StateOperatorsInput:
		return "Quem executa a atividade? Liste os cargos ou papéis."
	case StateInputFlows:
		return "De quais áreas ou órgãos chegam as entradas da atividade? Envie uma lista, ou \"nenhum\"."
	case StateOutputFlows:
		return "Para quais áreas ou órgãos vão as saídas da atividade? Envie uma lista, ou \"nenhum\"."
	case StateReview:
		return p.review(st)
	case StateDone:
		return "POP concluído."
	}
	return ""
}

func (p *POPProduct) review(st *models.ConversationState) string {
	f := st.Collected
	ref := func(key string) string {
		if r, ok := archRef(f, key); ok {
			return r.Name
		}
		return "-"
	}
	var b strings.Builder
	b.WriteString("Confira o resumo do POP:\n")
	fmt.Fprintf(&b, "Nome: %s\n", renderText(f, FieldName))
	fmt.Fprintf(&b, "Área: %s\n", ref(FieldArea))
	if f.Has(FieldSubArea) {
		fmt.Fprintf(&b, "Subárea: %s\n", ref(FieldSubArea))
	}
	fmt.Fprintf(&b, "Macroprocesso: %s\n", ref(FieldMacro))
	fmt.Fprintf(&b, "Processo: %s\n", ref(FieldProcess))
	fmt.Fprintf(&b, "Subprocesso: %s\n", ref(FieldSubprocess))
	fmt.Fprintf(&b, "Atividade: %s\n", renderText(f, FieldActivity))
	fmt.Fprintf(&b, "Entrega: %s\n", renderText(f, FieldDeliverable))
	fmt.Fprintf(&b, "Sistemas: %s\n", renderList(f, FieldSystems))
	fmt.Fprintf(&b, "Normas: %s\n", renderList(f, FieldLegalBasis))
	fmt.Fprintf(&b, "Operadores: %s\n", renderList(f, FieldOperators))
	fmt.Fprintf(&b, "Entradas: %s\n", renderList(f, FieldInputFlows))
	fmt.Fprintf(&b, "Saídas: %s\n\n", renderList(f, FieldOutputFlows))
	b.WriteString("Está tudo certo? Responda sim para gerar o código CAP.")
	return b.String()
}

func (p *POPProduct) directive(st *models.ConversationState, s StateID) (string, map[string]interface{}) {
	options := func(names []string) (string, map[string]interface{}) {
		return "options", map[string]interface{}{"options": names}
	}
	switch s {
	case StateNameConfirm, StateActivityConfirm, StateReady:
		return "confirm", nil
	case StateAreaSelection:
		return options(p.catalog.AreaNames())
	case StateSubAreaSelection:
		if area, err := p.area(st); err == nil {
			return options(area.SubAreaNames())
		}
	case StateMacroSelection:
		if area, err := p.area(st); err == nil {
			return options(area.MacroNames())
		}
	case StateProcessSelection:
		if macro, err := p.macro(st); err == nil {
			return options(macro.ProcessNames())
		}
	case StateSubprocessSelection:
		if proc, err := p.process(st); err == nil {
			return options(proc.SubprocessNames())
		}
	case StateReview:
		return "review", map[string]interface{}{"fields": st.Collected.Clone()}
	}
	return "", nil
}
