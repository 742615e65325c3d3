package flow

import (
	"context"
	"strings"
	"testing"

	"github.com/mapagov/helena/internal/models"
	"github.com/mapagov/helena/internal/risk"
	"github.com/mapagov/helena/internal/store"
)

// riskWalk answers every applicable question when depende_terceiros is NAO
// and systems and operators are prefilled.
var riskWalk = []string{
	"não",
	"sim", "sim", "sim", "não", "sim", "pular",
	"sim", "sim", "não sei",
	"sim", "sim", "não", "pular", "pular",
	"Lei 8.112/1990", "não", "sim", "sim",
	"sim", "não", "não", "sim", "pular",
	"não", "não", "não", "sim", "não",
}

func newRisk(t *testing.T) (*RiskProduct, *store.InMemoryStore) {
	t.Helper()
	st := store.NewInMemoryStore()
	reg, err := NewTestRegistry(st, nil)
	if err != nil {
		t.Fatalf("NewTestRegistry failed: %v", err)
	}
	p, _ := reg.Get(ProductRisk)
	return p.(*RiskProduct), st
}

func inheritedRiskState(p *RiskProduct, sessionID string) models.ConversationState {
	f := models.Fields{
		FieldName:      "João",
		FieldSystems:   []string{"GLPI", "SEI"},
		FieldOperators: []string{"Técnico de suporte"},
	}
	_ = f.Encode(FieldArea, ArchRef{Code: 4, Name: "Coordenação-Geral de Tecnologia da Informação"})
	return p.InitializeState(sessionID, &HandoffPayload{SourceProduct: ProductSteps, InheritedFields: f})
}

func questionIndex(t *testing.T, key string) int {
	t.Helper()
	for i, q := range risk.Questionnaire {
		if q.Key() == key {
			return i
		}
	}
	t.Fatalf("question %s not found", key)
	return -1
}

func TestRiskPrefillsInheritedLists(t *testing.T) {
	p, _ := newRisk(t)
	st := inheritedRiskState(p, "s1")
	answers, err := loadAnswers(st.Collected)
	if err != nil {
		t.Fatalf("failed to load answers: %v", err)
	}
	v, ok := answers.Get(risk.BlockTechnology, "sistemas")
	if !ok {
		t.Fatal("expected systems prefilled")
	}
	if items, _ := (models.Fields{"v": v}).Strings("v"); len(items) != 2 {
		t.Errorf("unexpected prefilled systems %v", v)
	}
	if _, ok := answers.Get(risk.BlockPeople, "operadores"); !ok {
		t.Errorf("expected operators prefilled")
	}
}

func TestRiskThirdPartiesNoClearsDependents(t *testing.T) {
	p, _ := newRisk(t)
	st := inheritedRiskState(p, "s1")

	res, st := drive(t, p, st, "não")
	want := QuestionState(risk.Questionnaire[questionIndex(t, "tecnologia.sistemas")])
	if StateID(st.CurrentState) != want {
		t.Fatalf("expected %s after negative third-party answer, got %s", want, st.CurrentState)
	}
	if !strings.Contains(res.Response, "Já tenho: GLPI, SEI") {
		t.Errorf("prefilled list should be offered: %q", res.Response)
	}
	answers, _ := loadAnswers(st.Collected)
	if v, _ := answers.Get(risk.BlockThirdParties, "depende_terceiros"); v != string(risk.No) {
		t.Errorf("expected NAO stored, got %v", v)
	}
	if _, ok := answers.Get(risk.BlockThirdParties, "fornecedores"); ok {
		t.Errorf("dependent questions must stay unanswered")
	}
}

func TestRiskSkipLeavesAnswerAbsent(t *testing.T) {
	p, _ := newRisk(t)
	st := inheritedRiskState(p, "s1")
	_, st = drive(t, p, st, "pular")

	if StateID(st.CurrentState) != QuestionState(risk.Questionnaire[1]) {
		t.Fatalf("expected second question, got %s", st.CurrentState)
	}
	answers, _ := loadAnswers(st.Collected)
	if _, ok := answers.Get(risk.BlockThirdParties, "depende_terceiros"); ok {
		t.Errorf("skipped answer must be absent")
	}
}

func TestRiskTriRejectsAmbiguous(t *testing.T) {
	p, _ := newRisk(t)
	st := inheritedRiskState(p, "s1")
	res, next, err := p.Process(context.Background(), "depende do dia", st)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Rejected || next.CurrentState != st.CurrentState {
		t.Errorf("expected rejection, got %+v", res)
	}
}

func TestRiskFullWalkRegistersAnalysis(t *testing.T) {
	p, db := newRisk(t)
	st := inheritedRiskState(p, "s1")

	res, st := drive(t, p, st, riskWalk...)
	if st.CurrentState != string(StateRiskReview) {
		t.Fatalf("expected RISK_REVIEW, got %s", st.CurrentState)
	}
	if res.UIDirective == nil || res.UIDirective.Type != "review" {
		t.Errorf("expected review directive, got %+v", res.UIDirective)
	}
	if !strings.Contains(res.Response, "R08") {
		t.Errorf("missing backup answer should infer R08: %q", res.Response)
	}

	res, st = drive(t, p, st, "sim")
	if st.CurrentState != string(StateRiskDone) {
		t.Fatalf("expected RISK_DONE, got %s", st.CurrentState)
	}
	if !res.Completed || res.Handoff != "" || res.Badge != "riscos_registrados" {
		t.Errorf("unexpected completion %+v", res)
	}
	if code, _ := st.Collected.String(FieldProductCode); code != "04.03.001" {
		t.Errorf("expected CP 04.03.001, got %q", code)
	}
	analysisID, _ := st.Collected.String(FieldAnalysisID)
	if analysisID != "riscos:s1" {
		t.Errorf("unexpected analysis id %q", analysisID)
	}

	var count int
	if _, err := st.Collected.Decode(FieldRiskCount, &count); err != nil || count == 0 {
		t.Fatalf("expected a positive risk count, got %d %v", count, err)
	}
	stored, err := db.ListRisks(context.Background(), analysisID)
	if err != nil {
		t.Fatalf("ListRisks failed: %v", err)
	}
	if len(stored) != count {
		t.Errorf("expected %d stored risks, got %d", count, len(stored))
	}
}

func TestRiskRegistrationIsIdempotent(t *testing.T) {
	p, db := newRisk(t)

	_, first := drive(t, p, inheritedRiskState(p, "s1"), append(riskWalk, "sim")...)
	_, again := drive(t, p, inheritedRiskState(p, "s1"), append(riskWalk, "sim")...)

	analysisID, _ := first.Collected.String(FieldAnalysisID)
	stored, err := db.ListRisks(context.Background(), analysisID)
	if err != nil {
		t.Fatalf("ListRisks failed: %v", err)
	}
	var count int
	_, _ = again.Collected.Decode(FieldRiskCount, &count)
	if len(stored) != count {
		t.Errorf("rerun must not duplicate risks: %d stored, %d inferred", len(stored), count)
	}
}

func TestRiskEditBlockReturnsToReview(t *testing.T) {
	p, _ := newRisk(t)
	_, st := drive(t, p, inheritedRiskState(p, "s1"), riskWalk...)

	_, st = drive(t, p, st, "refazer prazos")
	want := QuestionState(risk.Questionnaire[questionIndex(t, "prazos.prazo_legal")])
	if StateID(st.CurrentState) != want {
		t.Fatalf("expected %s, got %s", want, st.CurrentState)
	}
	res, st := drive(t, p, st, "não", "não", "não")
	if st.CurrentState != string(StateRiskReview) {
		t.Fatalf("editing a block should return to review, got %s", st.CurrentState)
	}
	if strings.Contains(res.Response, "R16") {
		t.Errorf("R16 needs a legal deadline: %q", res.Response)
	}

	res, _, err := p.Process(context.Background(), "refazer financeiro", st)
	if err != nil || !res.Rejected {
		t.Errorf("expected unknown block to be rejected, got %+v %v", res, err)
	}
}

func TestRiskAsksAreaWhenMissing(t *testing.T) {
	p, _ := newRisk(t)
	st := p.InitializeState("s9", nil)

	answers := append([]string{}, riskWalk...)
	// No prefilled lists: systems and operators need explicit answers.
	answers[1] = "GLPI, SEI"
	answers[10] = "Técnico de suporte"
	_, st = drive(t, p, st, answers...)
	_, st = drive(t, p, st, "sim")
	if st.CurrentState != string(StateRiskAreaSelection) {
		t.Fatalf("expected RISK_AREA_SELECTION, got %s", st.CurrentState)
	}
	_, st = drive(t, p, st, "CGOF")
	if code, _ := st.Collected.String(FieldProductCode); code != "02.03.001" {
		t.Errorf("expected CP 02.03.001, got %q", code)
	}
}

func TestRiskCodeCarriesSubAreaFromPOP(t *testing.T) {
	st := store.NewInMemoryStore()
	reg, err := NewTestRegistry(st, nil)
	if err != nil {
		t.Fatalf("NewTestRegistry failed: %v", err)
	}
	pop, _ := reg.Get(ProductPOP)
	stepsProduct, _ := reg.Get(ProductSteps)
	riskProduct, _ := reg.Get(ProductRisk)

	_, popState := drive(t, pop, pop.InitializeState("s1", nil),
		"Ana", "sim", "sim",
		"1", "2", "1", "1", "1",
		"Conceder nomeação", "sim", "Servidor empossado",
		"SIAPE", "Lei 8.112/1990", "Servidor", "nenhum", "nenhum",
		"sim",
	)
	stepsState := stepsProduct.InitializeState("s1", BuildHandoff(popState, stepsProduct))
	if sub, ok := archRef(stepsState.Collected, FieldSubArea); !ok || sub.Code != 2 {
		t.Fatalf("etapas should inherit the subarea, got %+v", stepsState.Collected)
	}
	riskState := riskProduct.InitializeState("s1", BuildHandoff(stepsState, riskProduct))

	_, riskState = drive(t, riskProduct, riskState, append(riskWalk, "sim")...)
	if riskState.CurrentState != string(StateRiskDone) {
		t.Fatalf("expected RISK_DONE, got %s", riskState.CurrentState)
	}
	if code, _ := riskState.Collected.String(FieldProductCode); code != "01.02.03.001" {
		t.Errorf("expected CP 01.02.03.001, got %q", code)
	}
}
