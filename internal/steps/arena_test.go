package steps

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func linearArena(t *testing.T, descs ...string) (*Arena, []string) {
	t.Helper()
	a := NewArena()
	ids := make([]string, 0, len(descs))
	for _, d := range descs {
		ids = append(ids, a.Append(&Step{Description: d, Details: []string{d + " detalhe"}}))
	}
	return a, ids
}

func TestInsertAfterRenumbersAndKeepsReferences(t *testing.T) {
	a, ids := linearArena(t, "Receber", "Analisar", "Arquivar")

	decider := &Step{
		Description:   "Decidir",
		IsConditional: true,
		ConditionType: ConditionBinary,
		Scenarios: []Scenario{
			{ID: NewID(), Description: "Aprovado", NextStepID: ids[2]},
			{ID: NewID(), Description: "Reprovado"},
		},
	}
	a.Append(decider)

	newID, err := a.InsertAfter(ids[1], &Step{Description: "Conferir"})
	require.NoError(t, err)

	var ordinals []string
	for _, id := range a.Order {
		n, ok := a.Ordinal(id)
		require.True(t, ok)
		ordinals = append(ordinals, n)
	}
	assert.Equal(t, []string{"1", "2", "3", "4", "5"}, ordinals)

	n, _ := a.Ordinal(newID)
	assert.Equal(t, "3", n)

	// The former #3 is now #4 and the scenario still points at it.
	target := decider.Scenarios[0].NextStepID
	assert.Equal(t, ids[2], target)
	n, _ = a.Ordinal(target)
	assert.Equal(t, "4", n)
	assert.Equal(t, "Arquivar", a.Steps[target].Description)
	require.NoError(t, a.Validate())
}

func TestInsertAfterUnknownStep(t *testing.T) {
	a, _ := linearArena(t, "Receber")
	_, err := a.InsertAfter("missing", &Step{Description: "x"})
	assert.ErrorIs(t, err, ErrStepNotFound)
	assert.Equal(t, 1, a.Len())
}

func TestRemoveReferencedStepIsRejectedBeforeMutation(t *testing.T) {
	a, ids := linearArena(t, "Receber", "Analisar")
	a.Append(&Step{
		Description:   "Decidir",
		IsConditional: true,
		ConditionType: ConditionBinary,
		Scenarios: []Scenario{
			{ID: "s1", Description: "Sim", NextStepID: ids[0]},
			{ID: "s2", Description: "Não"},
		},
	})

	err := a.Remove(ids[0])
	require.ErrorIs(t, err, ErrReferencedStep)
	assert.Equal(t, 3, a.Len())
	_, ok := a.Get(ids[0])
	assert.True(t, ok)

	require.NoError(t, a.Remove(ids[1]))
	assert.Equal(t, 2, a.Len())
	n, _ := a.Ordinal(a.Order[1])
	assert.Equal(t, "2", n)
}

func TestStepValidate(t *testing.T) {
	mixed := &Step{Details: []string{"a"}, IsConditional: true, ConditionType: ConditionBinary}
	assert.ErrorIs(t, mixed.Validate(), ErrMixedStep)

	binary := &Step{IsConditional: true, ConditionType: ConditionBinary, Scenarios: []Scenario{{ID: "1"}}}
	assert.ErrorIs(t, binary.Validate(), ErrScenarioCount)

	multi := &Step{IsConditional: true, ConditionType: ConditionMulti, Scenarios: []Scenario{{ID: "1"}, {ID: "2"}, {ID: "3"}}}
	assert.NoError(t, multi.Validate())
}

func TestHierarchicalOrdinals(t *testing.T) {
	a, _ := linearArena(t, "Receber")
	step := &Step{
		Description:   "Decidir",
		IsConditional: true,
		ConditionType: ConditionBinary,
		Scenarios: []Scenario{
			{ID: "a", Description: "Sim", Substeps: []Substep{{ID: "a1", Description: "Assinar"}, {ID: "a2", Description: "Enviar"}}},
			{ID: "b", Description: "Não"},
		},
	}
	id := a.Append(step)

	n, ok := a.ScenarioOrdinal(id, "b")
	require.True(t, ok)
	assert.Equal(t, "2.2", n)

	n, ok = a.SubstepOrdinal(id, "a", "a2")
	require.True(t, ok)
	assert.Equal(t, "2.1.2", n)

	assert.Contains(t, a.Render(), "2.1.2 Enviar")
}

func TestParseScenarioReference(t *testing.T) {
	a, ids := linearArena(t, "Receber", "Analisar", "Arquivar")

	sc, err := a.ParseScenario("Aprovado -> 3")
	require.NoError(t, err)
	assert.Equal(t, "Aprovado", sc.Description)
	assert.Equal(t, ids[2], sc.NextStepID)

	_, err = a.ParseScenario("Aprovado -> 9")
	assert.ErrorIs(t, err, ErrStepNotFound)
}

func TestParseScenariosJSON(t *testing.T) {
	a, ids := linearArena(t, "Receber", "Analisar")

	scs, err := a.ParseScenarios(`[{"descricao": "Deferido", "proxima_etapa": 2, "subetapas": ["Assinar", "Publicar"]}, {"descricao": "Indeferido"}]`)
	require.NoError(t, err)
	require.Len(t, scs, 2)
	assert.Equal(t, ids[1], scs[0].NextStepID)
	assert.Len(t, scs[0].Substeps, 2)

	_, err = a.ParseScenarios(`[{"descricao": "Deferido"`)
	assert.ErrorIs(t, err, ErrMalformedScenarios)
}

func TestArenaJSONRoundTripKeepsStringKeys(t *testing.T) {
	a, ids := linearArena(t, "Receber", "Analisar")
	b, err := json.Marshal(a)
	require.NoError(t, err)

	var back Arena
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, a.Order, back.Order)
	_, ok := back.Get(ids[1])
	assert.True(t, ok)
	n, _ := back.Ordinal(ids[1])
	assert.Equal(t, "2", n)
}
