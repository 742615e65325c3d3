package flow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/tidwall/gjson"

	"github.com/mapagov/helena/internal/catalog"
	"github.com/mapagov/helena/internal/input"
	"github.com/mapagov/helena/internal/models"
	"github.com/mapagov/helena/internal/steps"
)

// Steps wizard states.
const (
	StateStepDescription   StateID = "STEP_DESCRIPTION"
	StateStepOperator      StateID = "STEP_OPERATOR"
	StateStepSystems       StateID = "STEP_SYSTEMS"
	StateStepDocuments     StateID = "STEP_DOCUMENTS"
	StateStepConditional   StateID = "STEP_CONDITIONAL_QUESTION"
	StateStepConditionType StateID = "STEP_CONDITION_TYPE"
	StateStepPreDecision   StateID = "STEP_PRE_DECISION"
	StateStepScenarioCount StateID = "STEP_SCENARIO_COUNT"
	StateStepScenarios     StateID = "STEP_SCENARIOS"
	StateStepSubsteps      StateID = "STEP_SUBSTEPS"
	StateStepDetails       StateID = "STEP_DETAILS"
	StateStepsReview       StateID = "STEPS_REVIEW"
	StateStepsDone         StateID = "STEPS_DONE"
)

// ProductSteps is the registry name of the steps wizard.
const ProductSteps = "etapas"

// MaxScenarios bounds the scenario count of a multi-branch decision.
const MaxScenarios = 10

// Pending keys of the step under construction.
const (
	tempDraft         = "draft"
	tempInsertAfter   = "insert_after"
	tempScenarioCount = "scenario_count"
	tempScenarioIndex = "scenario_index"
)

var conditionTypes = map[string]steps.ConditionType{
	"1": steps.ConditionBinary, "binario": steps.ConditionBinary, "binaria": steps.ConditionBinary,
	"sim ou nao": steps.ConditionBinary, "sim/nao": steps.ConditionBinary,
	"2": steps.ConditionMulti, "multiplo": steps.ConditionMulti, "multipla": steps.ConditionMulti,
	"varios": steps.ConditionMulti, "varias": steps.ConditionMulti,
}

var finishWords = map[string]bool{"concluir": true, "finalizar": true, "fim": true, "terminei": true}

const stepsReviewHelp = "Comandos: \"inserir apos K\" para incluir uma etapa depois da etapa K (0 para o início), \"remover K\", \"adicionar\" para uma nova etapa no fim, ou \"concluir\"."

// StepsProduct walks the user through the steps of an activity, including
// conditional decisions with scenarios and substeps.
type StepsProduct struct {
	machine *Machine
}

// NewStepsProduct builds the steps wizard.
func NewStepsProduct() *StepsProduct {
	p := &StepsProduct{}
	p.machine = MustMachine(ProductSteps, StateStepDescription, map[StateID]Handler{
		StateStepDescription:   p.handleDescription,
		StateStepOperator:      p.handleOperator,
		StateStepSystems:       p.handleSystems,
		StateStepDocuments:     p.handleDocuments,
		StateStepConditional:   p.handleConditional,
		StateStepConditionType: p.handleConditionType,
		StateStepPreDecision:   p.handlePreDecision,
		StateStepScenarioCount: p.handleScenarioCount,
		StateStepScenarios:     p.handleScenarios,
		StateStepSubsteps:      p.handleSubsteps,
		StateStepDetails:       p.handleDetails,
		StateStepsReview:       p.handleReview,
		StateStepsDone:         p.handleDone,
	},
		StateStepDescription, StateStepOperator, StateStepSystems, StateStepDocuments,
		StateStepConditional, StateStepConditionType, StateStepPreDecision, StateStepScenarioCount,
		StateStepScenarios, StateStepSubsteps, StateStepDetails, StateStepsReview, StateStepsDone,
	)
	return p
}

func (p *StepsProduct) Name() string  { return ProductSteps }
func (p *StepsProduct) Title() string { return "Etapas da atividade" }

func (p *StepsProduct) AcceptedFields() []string {
	return []string{FieldName, FieldArea, FieldSubArea, FieldActivity, FieldCAP, FieldOperators, FieldSystems}
}

func (p *StepsProduct) InitializeState(sessionID string, payload *HandoffPayload) models.ConversationState {
	st := models.NewConversationState(sessionID, ProductSteps, string(StateStepDescription))
	for k, v := range payload.Inherited() {
		st.Collected[k] = v
	}
	return st
}

func (p *StepsProduct) Greeting(state models.ConversationState) string {
	f := state.Collected
	lead := "Vamos descrever as etapas da atividade."
	if activity, ok := f.String(FieldActivity); ok {
		lead = fmt.Sprintf("Vamos descrever as etapas da atividade \"%s\".", activity)
	}
	if name, ok := f.String(FieldName); ok {
		lead = fmt.Sprintf("Olá, %s! %s", name, lead)
	}
	return joinParagraphs(lead, p.prompt(&state, StateID(state.CurrentState)))
}

func (p *StepsProduct) Process(ctx context.Context, message string, state models.ConversationState) (Result, models.ConversationState, error) {
	return p.machine.Transition(ctx, message, state)
}

func loadArena(f models.Fields) (*steps.Arena, error) {
	a := steps.NewArena()
	if _, err := f.Decode(FieldSteps, a); err != nil {
		return nil, err
	}
	if a.Steps == nil {
		a.Steps = map[string]*steps.Step{}
	}
	if a.Order == nil {
		a.Order = []string{}
	}
	return a, nil
}

func loadDraft(f models.Fields) (*steps.Step, error) {
	var s steps.Step
	ok, err := f.Decode(tempDraft, &s)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("no step draft in progress")
	}
	return &s, nil
}

func tempInt(f models.Fields, key string) int {
	var n int
	if _, err := f.Decode(key, &n); err != nil {
		return 0
	}
	return n
}

// withDraft loads the draft, lets fn edit it and stores it back.
func withDraft(t *Turn, fn func(d *steps.Step) Transition) Transition {
	d, err := loadDraft(t.Temp())
	if err != nil {
		return Fail(err)
	}
	tr := fn(d)
	if tr.rejected || tr.err != nil {
		return tr
	}
	if tr.next == StateStepDescription || tr.next == StateStepsReview {
		return tr
	}
	if err := t.Temp().Encode(tempDraft, d); err != nil {
		return Fail(err)
	}
	return tr
}

func (p *StepsProduct) goTo(t *Turn, next StateID, lead string) Transition {
	tr := Goto(next, joinParagraphs(lead, p.prompt(t.State, next)))
	if kind, data := p.directive(t.State, next); kind != "" {
		tr = tr.WithDirective(kind, data)
	}
	return tr
}

func (p *StepsProduct) handleDescription(t *Turn) Transition {
	if finishWords[input.Normalize(t.Message)] {
		arena, err := loadArena(t.Collected())
		if err != nil {
			return Fail(err)
		}
		if arena.Len() == 0 {
			return Reject("Descreva pelo menos uma etapa antes de concluir.")
		}
		delete(t.Temp(), tempInsertAfter)
		return p.goTo(t, StateStepsReview, "")
	}
	text := input.CollapseSpaces(t.Message)
	if utf8.RuneCountInString(text) < MinActivityLength {
		return Reject("Descreva a etapa em uma frase, por favor.")
	}
	draft := &steps.Step{ID: steps.NewID(), Description: text}
	if err := t.Temp().Encode(tempDraft, draft); err != nil {
		return Fail(err)
	}
	return p.goTo(t, StateStepOperator, "")
}

func (p *StepsProduct) handleOperator(t *Turn) Transition {
	return withDraft(t, func(d *steps.Step) Transition {
		operators, _ := t.Collected().Strings(FieldOperators)
		if i, ok := input.MatchOption(t.Message, operators); ok {
			d.Operator = operators[i]
		} else {
			text := input.CollapseSpaces(t.Message)
			if utf8.RuneCountInString(text) < input.MinNameLength || input.ParseInt(text).Status == input.Valid {
				return Reject(joinParagraphs("Não identifiquei o responsável.", p.prompt(t.State, StateStepOperator)))
			}
			d.Operator = text
		}
		return p.goTo(t, StateStepSystems, "")
	})
}

func (p *StepsProduct) handleSystems(t *Turn) Transition {
	return withDraft(t, func(d *steps.Step) Transition {
		res := input.ParseList(t.Message)
		switch res.Status {
		case input.Valid:
			known, _ := t.Collected().Strings(FieldSystems)
			d.Systems = make([]string, 0, len(res.Items))
			for _, item := range res.Items {
				if i, ok := input.MatchOption(item, known); ok {
					item = known[i]
				}
				d.Systems = append(d.Systems, item)
			}
		case input.Empty:
			d.Systems = []string{}
		default:
			return Reject(joinParagraphs("Não consegui ler a lista de sistemas.", p.prompt(t.State, StateStepSystems)))
		}
		return p.goTo(t, StateStepDocuments, "")
	})
}

// parseDocuments reads document references. JSON items may carry "tipo"
// (gerado or requerido) and "origem"; plain items prefixed "gerado:" or
// "saida:" are generated documents, everything else is required.
func parseDocuments(msg string) (required, generated []steps.DocumentRef, ok bool) {
	required, generated = []steps.DocumentRef{}, []steps.DocumentRef{}
	add := func(name, kind, source string) {
		ref := steps.DocumentRef{Name: input.CollapseSpaces(name), Kind: kind, Source: source}
		if kind == "gerado" {
			generated = append(generated, ref)
			return
		}
		ref.Kind = "requerido"
		required = append(required, ref)
	}

	payload, status := input.Structured(msg)
	switch status {
	case input.Malformed:
		return nil, nil, false
	case input.Valid:
		if !payload.IsArray() {
			return nil, nil, false
		}
		valid := true
		payload.ForEach(func(_, item gjson.Result) bool {
			name, found := input.ItemText(item)
			if !found || strings.TrimSpace(name) == "" {
				valid = false
				return false
			}
			add(name, input.Normalize(item.Get("tipo").String()), item.Get("origem").String())
			return true
		})
		return required, generated, valid
	}

	res := input.ParseList(msg)
	switch res.Status {
	case input.Empty:
		return required, generated, true
	case input.Valid:
	default:
		return nil, nil, false
	}
	for _, item := range res.Items {
		kind := ""
		if prefix, rest, found := strings.Cut(item, ":"); found {
			switch input.Normalize(prefix) {
			case "gerado", "saida":
				kind, item = "gerado", rest
			case "requerido", "entrada":
				item = rest
			}
		}
		if strings.TrimSpace(item) == "" {
			return nil, nil, false
		}
		add(item, kind, "")
	}
	return required, generated, true
}

func (p *StepsProduct) handleDocuments(t *Turn) Transition {
	return withDraft(t, func(d *steps.Step) Transition {
		required, generated, ok := parseDocuments(t.Message)
		if !ok {
			return Reject(joinParagraphs("Não consegui ler os documentos.", p.prompt(t.State, StateStepDocuments)))
		}
		d.RequiredDocuments, d.GeneratedDocuments = required, generated
		return p.goTo(t, StateStepConditional, "")
	})
}

func (p *StepsProduct) handleConditional(t *Turn) Transition {
	return withDraft(t, func(d *steps.Step) Transition {
		switch input.ClassifyYesNo(t.Message) {
		case input.Yes:
			d.IsConditional = true
			d.Details = nil
			return p.goTo(t, StateStepConditionType, "")
		case input.No:
			d.IsConditional = false
			d.Scenarios = nil
			return p.goTo(t, StateStepDetails, "")
		default:
			return Reject("Esta etapa envolve uma decisão? Responda sim ou não.")
		}
	})
}

func (p *StepsProduct) handleConditionType(t *Turn) Transition {
	return withDraft(t, func(d *steps.Step) Transition {
		ct, ok := conditionTypes[input.Normalize(t.Message)]
		if !ok {
			return Reject(p.prompt(t.State, StateStepConditionType))
		}
		d.ConditionType = ct
		return p.goTo(t, StateStepPreDecision, "")
	})
}

func (p *StepsProduct) handlePreDecision(t *Turn) Transition {
	return withDraft(t, func(d *steps.Step) Transition {
		text := input.CollapseSpaces(t.Message)
		if utf8.RuneCountInString(text) < MinActivityLength {
			return Reject("O que é analisado antes da decisão? Descreva em uma frase.")
		}
		d.PreDecision = text
		if d.ConditionType == steps.ConditionBinary {
			t.Temp()[tempScenarioCount] = steps.BinaryScenarioCount
			return p.goTo(t, StateStepScenarios, "")
		}
		return p.goTo(t, StateStepScenarioCount, "")
	})
}

func (p *StepsProduct) handleScenarioCount(t *Turn) Transition {
	res := input.ParseInt(t.Message)
	if res.Status != input.Valid || res.Value < steps.MinMultiScenarios || res.Value > MaxScenarios {
		return Reject(fmt.Sprintf("Informe o número de cenários como um número inteiro entre %d e %d.", steps.MinMultiScenarios, MaxScenarios))
	}
	t.Temp()[tempScenarioCount] = res.Value
	return p.goTo(t, StateStepScenarios, "")
}

func (p *StepsProduct) handleScenarios(t *Turn) Transition {
	arena, err := loadArena(t.Collected())
	if err != nil {
		return Fail(err)
	}
	return withDraft(t, func(d *steps.Step) Transition {
		scenarios, err := arena.ParseScenarios(t.Message)
		if errors.Is(err, steps.ErrStepNotFound) {
			return Reject(fmt.Sprintf("Um dos cenários aponta para uma etapa que não existe. Há %d etapas registradas.", arena.Len()))
		}
		if err != nil {
			return Reject(joinParagraphs("Não consegui ler os cenários.", p.prompt(t.State, StateStepScenarios)))
		}
		want := tempInt(t.Temp(), tempScenarioCount)
		if len(scenarios) != want {
			return Reject(fmt.Sprintf("Preciso de exatamente %d cenários, recebi %d.", want, len(scenarios)))
		}
		d.Scenarios = scenarios
		if idx := pendingScenario(d, 0); idx >= 0 {
			t.Temp()[tempScenarioIndex] = idx
			return p.substepsPrompt(t, d, idx)
		}
		return p.freeze(t, d)
	})
}

// pendingScenario returns the first scenario from index from on that has
// no substeps yet, or -1.
func pendingScenario(d *steps.Step, from int) int {
	for i := from; i < len(d.Scenarios); i++ {
		if len(d.Scenarios[i].Substeps) == 0 {
			return i
		}
	}
	return -1
}

func (p *StepsProduct) substepsPrompt(t *Turn, d *steps.Step, idx int) Transition {
	msg := fmt.Sprintf("Quais são as subetapas do cenário %d (\"%s\")? Uma por linha, ou \"nenhuma\".", idx+1, d.Scenarios[idx].Description)
	return Goto(StateStepSubsteps, msg)
}

func (p *StepsProduct) handleSubsteps(t *Turn) Transition {
	return withDraft(t, func(d *steps.Step) Transition {
		idx := tempInt(t.Temp(), tempScenarioIndex)
		if idx < 0 || idx >= len(d.Scenarios) {
			return Fail(fmt.Errorf("scenario index %d out of range", idx))
		}
		subs, status := steps.ParseSubsteps(t.Message)
		if status != input.Valid && status != input.Empty {
			return Reject(fmt.Sprintf("Liste as subetapas do cenário %d, uma por linha, ou responda \"nenhuma\".", idx+1))
		}
		d.Scenarios[idx].Substeps = subs
		if next := pendingScenario(d, idx+1); next >= 0 {
			t.Temp()[tempScenarioIndex] = next
			return p.substepsPrompt(t, d, next)
		}
		return p.freeze(t, d)
	})
}

func (p *StepsProduct) handleDetails(t *Turn) Transition {
	return withDraft(t, func(d *steps.Step) Transition {
		res := input.ParseLines(t.Message)
		switch res.Status {
		case input.Valid:
			d.Details = res.Items
		case input.Empty:
			d.Details = []string{}
		default:
			return Reject(p.prompt(t.State, StateStepDetails))
		}
		return p.freeze(t, d)
	})
}

// freeze validates the draft and places it in the arena.
func (p *StepsProduct) freeze(t *Turn, d *steps.Step) Transition {
	if err := d.Validate(); err != nil {
		return Reject(fmt.Sprintf("A etapa ficou inconsistente (%v). Vamos tentar de novo.", err))
	}
	arena, err := loadArena(t.Collected())
	if err != nil {
		return Fail(err)
	}
	d.Frozen = true
	afterID, inserting := t.Temp().String(tempInsertAfter)
	if inserting {
		if _, err := arena.InsertAfter(afterID, d); err != nil {
			return Fail(err)
		}
	} else {
		arena.Append(d)
	}
	if err := t.Collected().Encode(FieldSteps, arena); err != nil {
		return Fail(err)
	}
	for _, k := range []string{tempDraft, tempInsertAfter, tempScenarioCount, tempScenarioIndex} {
		delete(t.Temp(), k)
	}
	ordinal, _ := arena.Ordinal(d.ID)
	lead := fmt.Sprintf("Etapa %s registrada.", ordinal)
	if inserting {
		return p.goTo(t, StateStepsReview, lead)
	}
	return p.goTo(t, StateStepDescription, joinParagraphs(lead, arena.Render()))
}

func (p *StepsProduct) handleReview(t *Turn) Transition {
	arena, err := loadArena(t.Collected())
	if err != nil {
		return Fail(err)
	}
	n := input.Normalize(t.Message)
	fields := strings.Fields(n)

	switch {
	case finishWords[n] || input.ClassifyYesNo(t.Message) == input.Yes:
		if err := arena.Validate(); err != nil {
			return Fail(err)
		}
		return Goto(StateStepsDone, fmt.Sprintf("Etapas registradas: %d no total. Agora vamos à análise de riscos da atividade.", arena.Len())).
			WithBadge("etapas_concluidas").
			Complete(ProductRisk)

	case len(fields) == 3 && fields[0] == "inserir" && fields[1] == "apos":
		afterID := ""
		if fields[2] != "0" {
			id, ok := arena.ByOrdinal(fields[2])
			if !ok {
				return Reject(fmt.Sprintf("Não existe a etapa %s. %s", fields[2], stepsReviewHelp))
			}
			afterID = id
		}
		t.Temp()[tempInsertAfter] = afterID
		lead := "Descreva a nova etapa."
		if fields[2] != "0" {
			lead = fmt.Sprintf("Descreva a nova etapa, que entrará depois da etapa %s.", fields[2])
		}
		return Goto(StateStepDescription, lead)

	case len(fields) == 2 && fields[0] == "remover":
		id, ok := arena.ByOrdinal(fields[1])
		if !ok {
			return Reject(fmt.Sprintf("Não existe a etapa %s. %s", fields[1], stepsReviewHelp))
		}
		if err := arena.Remove(id); err != nil {
			if errors.Is(err, steps.ErrReferencedStep) {
				refs := strings.Join(arena.ReferencesTo(id), ", ")
				return Reject(fmt.Sprintf("A etapa %s é destino de um cenário da etapa %s e não pode ser removida.", fields[1], refs))
			}
			return Fail(err)
		}
		if arena.Len() == 0 {
			delete(t.Collected(), FieldSteps)
			return p.goTo(t, StateStepDescription, "Etapa removida. Não há mais etapas registradas.")
		}
		if err := t.Collected().Encode(FieldSteps, arena); err != nil {
			return Fail(err)
		}
		return p.goTo(t, StateStepsReview, fmt.Sprintf("Etapa %s removida.", fields[1]))

	case n == "adicionar" || n == "nova etapa":
		delete(t.Temp(), tempInsertAfter)
		return p.goTo(t, StateStepDescription, "")
	}
	return Reject(stepsReviewHelp)
}

func (p *StepsProduct) handleDone(t *Turn) Transition {
	return Stay("As etapas desta atividade já foram concluídas.").Suggest(ProductRisk)
}

func (p *StepsProduct) prompt(st *models.ConversationState, s StateID) string {
	switch s {
	case StateStepDescription:
		arena, err := loadArena(st.Collected)
		if err == nil && arena.Len() > 0 {
			return fmt.Sprintf("Descreva a etapa %d, ou digite \"concluir\" para revisar.", arena.Len()+1)
		}
		return "Descreva a primeira etapa da atividade."
	case StateStepOperator:
		operators, _ := st.Collected.Strings(FieldOperators)
		if len(operators) > 0 {
			return "Quem é o responsável por esta etapa? Escolha ou escreva outro:\n" + catalog.Menu(operators)
		}
		return "Quem é o responsável por esta etapa?"
	case StateStepSystems:
		systems, _ := st.Collected.Strings(FieldSystems)
		if len(systems) > 0 {
			return "Quais sistemas são usados nesta etapa? Envie uma lista (nomes ou números), ou \"nenhum\":\n" + catalog.Menu(systems)
		}
		return "Quais sistemas são usados nesta etapa? Envie uma lista, ou \"nenhum\"."
	case StateStepDocuments:
		return "Quais documentos a etapa usa ou gera? Marque os gerados com \"gerado:\" (ex.: \"Requerimento; gerado: Parecer\"), ou responda \"nenhum\"."
	case StateStepConditional:
		return "Esta etapa envolve uma decisão com caminhos diferentes?"
	case StateStepConditionType:
		return "A decisão é:\n1. Binária (sim ou não)\n2. Múltipla (vários cenários)"
	case StateStepPreDecision:
		return "O que é analisado antes da decisão?"
	case StateStepScenarioCount:
		return fmt.Sprintf("Quantos cenários a decisão tem? (entre %d e %d)", steps.MinMultiScenarios, MaxScenarios)
	case StateStepScenarios:
		n := tempInt(st.Temp, tempScenarioCount)
		return fmt.Sprintf("Descreva os %d cenários, um por linha. Para seguir para outra etapa use \"->\" (ex.: \"Aprovado -> 3\").", n)
	case StateStepSubsteps:
		return "Quais são as subetapas deste cenário? Uma por linha, ou \"nenhuma\"."
	case StateStepDetails:
		return "Quais são os detalhes da execução desta etapa? Um por linha, ou \"nenhum\"."
	case StateStepsReview:
		arena, err := loadArena(st.Collected)
		if err != nil {
			return stepsReviewHelp
		}
		return joinParagraphs("Estas são as etapas registradas:", arena.Render(), "Posso concluir? "+stepsReviewHelp)
	case StateStepsDone:
		return "Etapas concluídas."
	}
	return ""
}

func (p *StepsProduct) directive(st *models.ConversationState, s StateID) (string, map[string]interface{}) {
	switch s {
	case StateStepOperator:
		if operators, ok := st.Collected.Strings(FieldOperators); ok && len(operators) > 0 {
			return "options", map[string]interface{}{"options": operators, "free_text": true}
		}
	case StateStepConditional:
		return "confirm", nil
	case StateStepConditionType:
		return "options", map[string]interface{}{"options": []string{"Binária", "Múltipla"}}
	case StateStepsReview:
		var arena steps.Arena
		if ok, err := st.Collected.Decode(FieldSteps, &arena); ok && err == nil {
			return "review", map[string]interface{}{"steps": arena.List()}
		}
	}
	return "", nil
}
