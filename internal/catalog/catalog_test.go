package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultCatalogLoads(t *testing.T) {
	c, err := Default()
	require.NoError(t, err)
	require.NotEmpty(t, c.Areas)
	for _, a := range c.Areas {
		assert.NotEmpty(t, a.Macroprocesses, a.Name)
	}
}

func TestMatchAreaByNumberNameAndAbbreviation(t *testing.T) {
	c := MustDefault()

	a, ok := c.MatchArea("4")
	require.True(t, ok)
	assert.Equal(t, 4, a.Code)

	a, ok = c.MatchArea("tecnologia da informacao")
	require.True(t, ok)
	assert.Equal(t, "CGTI", a.Short)

	a, ok = c.MatchArea("cglc")
	require.True(t, ok)
	assert.Equal(t, 3, a.Code)

	_, ok = c.MatchArea("coordenação")
	assert.False(t, ok, "prefix shared by every area must be ambiguous")

	_, ok = c.MatchArea("9")
	assert.False(t, ok)
}

func TestWalkTree(t *testing.T) {
	c := MustDefault()
	a, ok := c.AreaByCode(1)
	require.True(t, ok)

	sub, ok := a.MatchSubArea("pagamento")
	require.True(t, ok)
	assert.Equal(t, 2, sub.Code)

	m, ok := a.MatchMacro("Gestão de Benefícios")
	require.True(t, ok)
	p, ok := m.MatchProcess("1")
	require.True(t, ok)
	sp, ok := p.MatchSubprocess("auxilio transporte")
	require.True(t, ok)
	assert.Equal(t, []int{2, 1, 2}, []int{m.Code, p.Code, sp.Code})
}

func TestParseRejectsDuplicateCodes(t *testing.T) {
	_, err := Parse([]byte(`
areas:
  - code: 1
    name: A
  - code: 1
    name: B
`))
	assert.Error(t, err)

	_, err = Parse([]byte(`areas: []`))
	assert.Error(t, err)

	_, err = Parse([]byte(`areas: [`))
	assert.Error(t, err)
}

func TestMenu(t *testing.T) {
	assert.Equal(t, "1. Um\n2. Dois", Menu([]string{"Um", "Dois"}))
	assert.Equal(t, "", Menu(nil))
}
