package input

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	assert.Equal(t, "nao sei", Normalize("  Não   SEI! "))
	assert.Equal(t, "lets go", Normalize("Let's go"))
	assert.Equal(t, "acao de cobranca", Normalize("Ação de cobrança"))
	assert.Equal(t, "", Normalize("   "))
}

func TestClassifyYesNo(t *testing.T) {
	cases := map[string]Answer{
		"sim":           Yes,
		"SIM!":          Yes,
		"Ok":            Yes,
		"pode ser":      Yes,
		"let's go":      Yes,
		"got it":        Yes,
		"não":           No,
		"Nunca":         No,
		"no":            No,
		"talvez amanhã": Ambiguous,
		"não sei":       Ambiguous,
		"":              Ambiguous,
	}
	for msg, want := range cases {
		assert.Equal(t, want, ClassifyYesNo(msg), "message %q", msg)
	}
}

func TestMentions(t *testing.T) {
	cases := []struct {
		text, term string
		want       bool
	}{
		{"Vamos às ETAPAS", "etapas", true},
		{"não quero etapas", "etapas", false},
		{"sem etapas por enquanto", "etapas", false},
		{"não sei, mas quero falar das etapas agora", "etapas", true},
		{"subetapas", "etapas", false},
		{"serviço terceirizado", "terceiriz", true},
		{"não tem empresa contratada", "empresa contratada", false},
		{"sistema sem suporte do fabricante", "sem suporte", true},
		{"preciso de uma análise de riscos", "analise de risco", true},
		{"análise do risco", "analise de risco", false},
		{"qualquer coisa", "", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Mentions(tc.text, tc.term), "Mentions(%q, %q)", tc.text, tc.term)
	}
}

func TestClassifyTri(t *testing.T) {
	assert.Equal(t, Unknown, ClassifyTri("não sei"))
	assert.Equal(t, Unknown, ClassifyTri("Don't know"))
	assert.Equal(t, Yes, ClassifyTri("sim"))
	assert.Equal(t, No, ClassifyTri("nao"))
	assert.Equal(t, Ambiguous, ClassifyTri("quem sabe amanhã"))
}

func TestParseInt(t *testing.T) {
	assert.Equal(t, IntResult{Status: NotProvided}, ParseInt("  "))
	assert.Equal(t, IntResult{Status: Malformed}, ParseInt("três"))
	assert.Equal(t, IntResult{Status: Valid, Value: 3}, ParseInt(" 3 "))
	assert.Equal(t, IntResult{Status: Valid, Value: -1}, ParseInt("-1"))
}

func TestParseListDelimited(t *testing.T) {
	res := ParseList("SEI; SIAPE, sei\n- Planilhas")
	require.Equal(t, Valid, res.Status)
	assert.Equal(t, []string{"SEI", "SIAPE", "Planilhas"}, res.Items)
}

func TestParseListSentinelIsExplicitEmpty(t *testing.T) {
	res := ParseList("Nenhum")
	assert.Equal(t, Empty, res.Status)
	assert.NotNil(t, res.Items)
	assert.Empty(t, res.Items)

	assert.Equal(t, NotProvided, ParseList("").Status)
}

func TestParseListJSON(t *testing.T) {
	res := ParseList(`["SEI", {"nome": "SIAPE"}, {"descricao": "Planilha"}]`)
	require.Equal(t, Valid, res.Status)
	assert.Equal(t, []string{"SEI", "SIAPE", "Planilha"}, res.Items)

	res = ParseList(`{"itens": ["Chefe", "Analista"]}`)
	require.Equal(t, Valid, res.Status)
	assert.Equal(t, []string{"Chefe", "Analista"}, res.Items)

	assert.Equal(t, Empty, ParseList(`[]`).Status)
}

func TestParseListMalformedJSON(t *testing.T) {
	assert.Equal(t, Malformed, ParseList(`["SEI", `).Status)
	assert.Equal(t, Malformed, ParseList(`[1, 2]`).Status)
	assert.Equal(t, Malformed, ParseList(`{"foo": "bar"}`).Status)
}

func TestParseLinesKeepsCommas(t *testing.T) {
	res := ParseLines("Lei 8.112, art. 5\nDecreto 9.094")
	require.Equal(t, Valid, res.Status)
	assert.Equal(t, []string{"Lei 8.112, art. 5", "Decreto 9.094"}, res.Items)
}

func TestValidatePersonName(t *testing.T) {
	name, err := ValidatePersonName("  João   da Silva ")
	require.NoError(t, err)
	assert.Equal(t, "João da Silva", name)

	_, err = ValidatePersonName("João123")
	assert.ErrorIs(t, err, ErrNameHasDigits)

	_, err = ValidatePersonName("J")
	assert.ErrorIs(t, err, ErrNameTooShort)

	_, err = ValidatePersonName("Ana@gov")
	assert.ErrorIs(t, err, ErrNameInvalidChars)

	name, err = ValidatePersonName("D'Ávila-Souza")
	require.NoError(t, err)
	assert.Equal(t, "D'Ávila-Souza", name)
}

func TestMatchOption(t *testing.T) {
	opts := []string{"Gestão de Pessoas", "Orçamento", "Tecnologia da Informação"}

	idx, ok := MatchOption("2", opts)
	require.True(t, ok)
	assert.Equal(t, 1, idx)

	idx, ok = MatchOption("orcamento", opts)
	require.True(t, ok)
	assert.Equal(t, 1, idx)

	idx, ok = MatchOption("tecnologia", opts)
	require.True(t, ok)
	assert.Equal(t, 2, idx)

	_, ok = MatchOption("4", opts)
	assert.False(t, ok)

	_, ok = MatchOption("ao", opts)
	assert.False(t, ok, "substring shared by two options must not resolve")
}

func TestIsSkipAndNone(t *testing.T) {
	assert.True(t, IsSkip("Pular"))
	assert.False(t, IsSkip("sim"))
	assert.True(t, IsNoneSentinel("nenhuma"))
	assert.False(t, IsNoneSentinel("SEI"))
}
