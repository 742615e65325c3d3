package flow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mapagov/helena/internal/catalog"
	"github.com/mapagov/helena/internal/codes"
	"github.com/mapagov/helena/internal/input"
	"github.com/mapagov/helena/internal/metrics"
	"github.com/mapagov/helena/internal/models"
	"github.com/mapagov/helena/internal/risk"
)

// Risk wizard states besides the per-question ones.
const (
	StateRiskReview        StateID = "RISK_REVIEW"
	StateRiskAreaSelection StateID = "RISK_AREA_SELECTION"
	StateRiskDone          StateID = "RISK_DONE"
)

const (
	tempEditingBlock        = "editing_block"
	riskAnalysisIDPrefix    = "riscos:"
	riskQuestionStatePrefix = "RISK_"
)

// ProductRisk is the registry name of the risk questionnaire wizard.
const ProductRisk = "riscos"

var blockTitles = map[string]string{
	risk.BlockThirdParties: "Terceiros",
	risk.BlockTechnology:   "Tecnologia",
	risk.BlockDeadlines:    "Prazos",
	risk.BlockPeople:       "Pessoas",
	risk.BlockLegal:        "Aspectos legais",
	risk.BlockPublic:       "Público atendido",
	risk.BlockControls:     "Controles",
}

// RiskRecorder persists an inferred batch idempotently per analysis id.
type RiskRecorder interface {
	Materialize(ctx context.Context, analysisID string, risks []models.InferredRisk) (int, error)
}

// RiskProduct walks the risk questionnaire, runs inference and registers
// the analysis.
type RiskProduct struct {
	machine  *Machine
	catalog  *catalog.Catalog
	recorder RiskRecorder
	codes    CodeIssuer
	metrics  *metrics.Collector
}

// QuestionState returns the state that asks q.
func QuestionState(q risk.Question) StateID {
	return StateID(riskQuestionStatePrefix + strings.ToUpper(q.Block+"_"+q.ID))
}

// NewRiskProduct builds the risk wizard. collector may be nil.
func NewRiskProduct(cat *catalog.Catalog, recorder RiskRecorder, issuer CodeIssuer, collector *metrics.Collector) *RiskProduct {
	p := &RiskProduct{catalog: cat, recorder: recorder, codes: issuer, metrics: collector}
	handlers := map[StateID]Handler{
		StateRiskReview:        p.handleReview,
		StateRiskAreaSelection: p.handleAreaSelection,
		StateRiskDone:          p.handleDone,
	}
	order := make([]StateID, 0, len(risk.Questionnaire)+2)
	for i, q := range risk.Questionnaire {
		handlers[QuestionState(q)] = p.questionHandler(i)
		order = append(order, QuestionState(q))
	}
	order = append(order, StateRiskReview, StateRiskDone)
	p.machine = MustMachine(ProductRisk, QuestionState(risk.Questionnaire[0]), handlers, order...)
	return p
}

func (p *RiskProduct) Name() string  { return ProductRisk }
func (p *RiskProduct) Title() string { return "Análise de riscos" }

func (p *RiskProduct) AcceptedFields() []string {
	return []string{FieldName, FieldArea, FieldSubArea, FieldActivity, FieldCAP, FieldSystems, FieldOperators}
}

// InitializeState copies the inherited context and prefills the systems and
// operators questions from it.
func (p *RiskProduct) InitializeState(sessionID string, payload *HandoffPayload) models.ConversationState {
	st := models.NewConversationState(sessionID, ProductRisk, string(p.machine.Initial()))
	inherited := payload.Inherited()
	for k, v := range inherited {
		st.Collected[k] = v
	}
	answers := risk.Answers{}
	if systems, ok := inherited.Strings(FieldSystems); ok {
		answers.Set(risk.BlockTechnology, "sistemas", systems)
	}
	if operators, ok := inherited.Strings(FieldOperators); ok && len(operators) > 0 {
		answers.Set(risk.BlockPeople, "operadores", operators)
	}
	if err := st.Collected.Encode(FieldRiskAnswers, answers); err != nil {
		slog.Error("RiskProduct.InitializeState: failed to encode prefilled answers", "sessionID", sessionID, "error", err)
	}
	return st
}

func (p *RiskProduct) Greeting(state models.ConversationState) string {
	lead := "Vamos fazer a análise de riscos. Responda sim, não ou não sei; digite \"pular\" para deixar uma pergunta sem resposta."
	if name, ok := state.Collected.String(FieldName); ok {
		lead = fmt.Sprintf("%s, %s", name, strings.ToLower(lead[:1])+lead[1:])
	}
	return joinParagraphs(lead, p.prompt(&state, StateID(state.CurrentState)))
}

func (p *RiskProduct) Process(ctx context.Context, message string, state models.ConversationState) (Result, models.ConversationState, error) {
	return p.machine.Transition(ctx, message, state)
}

func loadAnswers(f models.Fields) (risk.Answers, error) {
	answers := risk.Answers{}
	if _, err := f.Decode(FieldRiskAnswers, &answers); err != nil {
		return nil, err
	}
	return answers, nil
}

// skipped reports whether q does not apply given earlier answers.
func skipped(answers risk.Answers, q risk.Question) bool {
	if q.Block != risk.BlockThirdParties || q.ID == "depende_terceiros" {
		return false
	}
	v, _ := answers.Get(risk.BlockThirdParties, "depende_terceiros")
	return risk.ParseTri(v) == risk.No
}

func clearAnswer(answers risk.Answers, q risk.Question) {
	if b, ok := answers[q.Block]; ok {
		delete(b, q.ID)
	}
}

func (p *RiskProduct) questionHandler(idx int) Handler {
	q := risk.Questionnaire[idx]
	return func(t *Turn) Transition {
		answers, err := loadAnswers(t.Collected())
		if err != nil {
			return Fail(err)
		}

		switch {
		case input.IsSkip(t.Message):
			clearAnswer(answers, q)
		case q.Kind == risk.KindTri:
			v, ok := risk.TriFromAnswer(input.ClassifyTri(t.Message))
			if !ok {
				return Reject(joinParagraphs("Responda sim, não ou não sei (ou \"pular\").", q.Prompt))
			}
			answers.Set(q.Block, q.ID, v)
		case q.Kind == risk.KindList:
			_, prefilled := answers.Get(q.Block, q.ID)
			if prefilled && input.ClassifyYesNo(t.Message) == input.Yes {
				break
			}
			res := input.ParseList(t.Message)
			switch res.Status {
			case input.Valid:
				answers.Set(q.Block, q.ID, res.Items)
			case input.Empty:
				answers.Set(q.Block, q.ID, []string{})
			default:
				return Reject(joinParagraphs("Não consegui ler a lista.", p.prompt(t.State, QuestionState(q))))
			}
		default:
			text := input.CollapseSpaces(t.Message)
			if text == "" {
				return Reject(q.Prompt)
			}
			answers.Set(q.Block, q.ID, text)
		}
		return p.advanceFrom(t, answers, idx)
	}
}

// advanceFrom saves answers and moves to the next applicable question, or
// to the review. Answers of questions that no longer apply are dropped.
func (p *RiskProduct) advanceFrom(t *Turn, answers risk.Answers, idx int) Transition {
	editing, isEditing := t.Temp().String(tempEditingBlock)
	next := -1
	for j := idx + 1; j < len(risk.Questionnaire); j++ {
		q := risk.Questionnaire[j]
		if skipped(answers, q) {
			clearAnswer(answers, q)
			continue
		}
		if isEditing && q.Block != editing {
			break
		}
		next = j
		break
	}
	if err := t.Collected().Encode(FieldRiskAnswers, answers); err != nil {
		return Fail(err)
	}
	if next < 0 {
		delete(t.Temp(), tempEditingBlock)
		return p.toReview(t, answers)
	}
	s := QuestionState(risk.Questionnaire[next])
	return Goto(s, p.prompt(t.State, s)).WithDirective(questionDirective(risk.Questionnaire[next]))
}

func questionDirective(q risk.Question) (string, map[string]interface{}) {
	switch q.Kind {
	case risk.KindTri:
		return "options", map[string]interface{}{"options": []string{"Sim", "Não", "Não sei"}, "block": q.Block}
	case risk.KindList:
		return "list", map[string]interface{}{"block": q.Block}
	}
	return "text", map[string]interface{}{"block": q.Block}
}

func (p *RiskProduct) toReview(t *Turn, answers risk.Answers) Transition {
	analysis := risk.Analyze(answers)
	return Goto(StateRiskReview, reviewSummary(analysis.Risks)).
		WithDirective("review", map[string]interface{}{"risks": analysis.Risks})
}

func reviewSummary(risks []models.InferredRisk) string {
	var b strings.Builder
	if len(risks) == 0 {
		b.WriteString("Não identifiquei riscos com as respostas dadas.")
	} else {
		fmt.Fprintf(&b, "Identifiquei %d riscos:\n", len(risks))
		for i, r := range risks {
			fmt.Fprintf(&b, "%d. [%s] %s (%s, confiança %s)\n", i+1, r.RuleID, r.Title, r.Category, r.Confidence)
		}
	}
	b.WriteString("\nDeseja registrar a análise? Para revisar um bloco, digite \"refazer <bloco>\".")
	return b.String()
}

func (p *RiskProduct) handleReview(t *Turn) Transition {
	n := input.Normalize(t.Message)
	if block, ok := strings.CutPrefix(n, "refazer"); ok {
		block = strings.TrimSpace(block)
		for i, q := range risk.Questionnaire {
			if q.Block == block {
				t.Temp()[tempEditingBlock] = block
				s := QuestionState(risk.Questionnaire[i])
				return Goto(s, p.prompt(t.State, s)).WithDirective(questionDirective(q))
			}
		}
		return Reject("Blocos disponíveis: " + blockList() + ".")
	}

	switch input.ClassifyYesNo(t.Message) {
	case input.Yes:
		if _, ok := archRef(t.Collected(), FieldArea); !ok {
			return Goto(StateRiskAreaSelection, "Para gerar o código da análise, informe a área:\n"+catalog.Menu(p.catalog.AreaNames())).
				WithDirective("options", map[string]interface{}{"options": p.catalog.AreaNames()})
		}
		return p.register(t)
	case input.No:
		return Stay("Tudo bem. Para revisar um bloco, digite \"refazer <bloco>\". Blocos: " + blockList() + ".")
	default:
		return Reject("Deseja registrar a análise? Responda sim ou não.")
	}
}

func (p *RiskProduct) handleAreaSelection(t *Turn) Transition {
	area, ok := p.catalog.MatchArea(t.Message)
	if !ok {
		return Reject("Não encontrei essa área. Escolha uma opção:\n" + catalog.Menu(p.catalog.AreaNames()))
	}
	if err := t.Collected().Encode(FieldArea, ArchRef{Code: area.Code, Name: area.Name}); err != nil {
		return Fail(err)
	}
	delete(t.Collected(), FieldSubArea)
	return p.register(t)
}

// register materializes the inferred risks and assigns the CP code.
func (p *RiskProduct) register(t *Turn) Transition {
	answers, err := loadAnswers(t.Collected())
	if err != nil {
		return Fail(err)
	}
	area, ok := archRef(t.Collected(), FieldArea)
	if !ok {
		return Fail(fmt.Errorf("area not collected"))
	}
	analysisID := riskAnalysisIDPrefix + t.State.SessionID
	risks := risk.Analyze(answers).Risks
	created, err := p.recorder.Materialize(t.Ctx, analysisID, risks)
	if err != nil {
		return Fail(err)
	}
	p.metrics.RecordRisks(created)

	key := codes.ProductKey{Area: area.Code, Product: codes.ProductRiskAnalysis}
	if sub, ok := archRef(t.Collected(), FieldSubArea); ok {
		key.SubArea = sub.Code
	}
	code, err := p.codes.NextProductCode(t.Ctx, key)
	if err != nil {
		return Fail(err)
	}
	t.Collected()[FieldProductCode] = code
	t.Collected()[FieldAnalysisID] = analysisID
	t.Collected()[FieldRiskCount] = len(risks)

	msg := fmt.Sprintf("Análise de riscos registrada com o código CP %s: %d riscos em rascunho para avaliação de probabilidade e impacto.", code, len(risks))
	return Goto(StateRiskDone, msg).
		WithBadge("riscos_registrados").
		WithDirective("code", map[string]interface{}{"cp": code, "risks": len(risks)}).
		Complete("")
}

func (p *RiskProduct) handleDone(t *Turn) Transition {
	code, _ := t.Collected().String(FieldProductCode)
	return Stay(fmt.Sprintf("A análise de riscos já foi registrada com o código CP %s.", code))
}

func (p *RiskProduct) prompt(st *models.ConversationState, s StateID) string {
	switch s {
	case StateRiskReview:
		answers, err := loadAnswers(st.Collected)
		if err != nil {
			return ""
		}
		return reviewSummary(risk.Analyze(answers).Risks)
	case StateRiskAreaSelection:
		return "Informe a área:\n" + catalog.Menu(p.catalog.AreaNames())
	case StateRiskDone:
		return "Análise de riscos concluída."
	}
	for i, q := range risk.Questionnaire {
		if QuestionState(q) != s {
			continue
		}
		text := q.Prompt
		if i == 0 || risk.Questionnaire[i-1].Block != q.Block {
			text = fmt.Sprintf("Bloco %s\n%s", blockTitles[q.Block], text)
		}
		if q.Kind == risk.KindList {
			answers, err := loadAnswers(st.Collected)
			if err == nil {
				if v, ok := answers.Get(q.Block, q.ID); ok {
					if items, ok := (models.Fields{"v": v}).Strings("v"); ok && len(items) > 0 {
						text += fmt.Sprintf("\nJá tenho: %s. Responda \"sim\" para manter ou envie a lista correta.", strings.Join(items, ", "))
					}
				}
			}
		}
		return text
	}
	return ""
}

func blockList() string {
	var names []string
	seen := map[string]bool{}
	for _, q := range risk.Questionnaire {
		if !seen[q.Block] {
			seen[q.Block] = true
			names = append(names, q.Block)
		}
	}
	return strings.Join(names, ", ")
}
