package steps

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/mapagov/helena/internal/input"
)

// ErrMalformedScenarios is returned when a scenario answer cannot be parsed.
var ErrMalformedScenarios = errors.New("malformed scenario definition")

// referenceArrows separate a scenario description from the step it jumps to.
var referenceArrows = []string{"->", "=>", "→"}

// ParseScenario reads one scenario line such as "Aprovado -> 3". The target
// ordinal must resolve to an existing step of the arena.
func (a *Arena) ParseScenario(line string) (Scenario, error) {
	desc := strings.TrimSpace(line)
	target := ""
	for _, arrow := range referenceArrows {
		if i := strings.LastIndex(desc, arrow); i >= 0 {
			target = strings.TrimSpace(desc[i+len(arrow):])
			desc = strings.TrimSpace(desc[:i])
			break
		}
	}
	if desc == "" {
		return Scenario{}, fmt.Errorf("%w: empty description", ErrMalformedScenarios)
	}
	sc := Scenario{ID: NewID(), Description: input.CollapseSpaces(desc), Substeps: []Substep{}}
	if target != "" {
		target = strings.TrimPrefix(input.Normalize(target), "etapa ")
		id, ok := a.ByOrdinal(target)
		if !ok {
			return Scenario{}, fmt.Errorf("%w: step %q does not exist", ErrStepNotFound, target)
		}
		sc.NextStepID = id
	}
	return sc, nil
}

// ParseScenarios reads a full scenario answer: either a JSON array of
// objects ({"descricao", "proxima_etapa", "subetapas"}) or one scenario per
// line or semicolon.
func (a *Arena) ParseScenarios(msg string) ([]Scenario, error) {
	payload, status := input.Structured(msg)
	switch status {
	case input.Malformed:
		return nil, ErrMalformedScenarios
	case input.Valid:
		return a.scenariosFromJSON(payload)
	}

	res := input.ParseLines(msg)
	if res.Status != input.Valid {
		return nil, fmt.Errorf("%w: no scenarios given", ErrMalformedScenarios)
	}
	out := make([]Scenario, 0, len(res.Items))
	for _, line := range res.Items {
		sc, err := a.ParseScenario(line)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, nil
}

func (a *Arena) scenariosFromJSON(payload gjson.Result) ([]Scenario, error) {
	if payload.IsObject() {
		payload = payload.Get("cenarios")
	}
	if !payload.IsArray() {
		return nil, fmt.Errorf("%w: expected a list", ErrMalformedScenarios)
	}
	var out []Scenario
	var err error
	payload.ForEach(func(_, item gjson.Result) bool {
		desc, ok := input.ItemText(item)
		if !ok || strings.TrimSpace(desc) == "" {
			err = fmt.Errorf("%w: scenario without description", ErrMalformedScenarios)
			return false
		}
		sc := Scenario{ID: NewID(), Description: input.CollapseSpaces(desc), Substeps: []Substep{}}
		if next := item.Get("proxima_etapa"); next.Exists() {
			id, found := a.ByOrdinal(next.String())
			if !found {
				err = fmt.Errorf("%w: step %q does not exist", ErrStepNotFound, next.String())
				return false
			}
			sc.NextStepID = id
		}
		item.Get("subetapas").ForEach(func(_, sub gjson.Result) bool {
			if text, ok := input.ItemText(sub); ok && strings.TrimSpace(text) != "" {
				sc.Substeps = append(sc.Substeps, Substep{ID: NewID(), Description: input.CollapseSpaces(text)})
			}
			return true
		})
		out = append(out, sc)
		return true
	})
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no scenarios given", ErrMalformedScenarios)
	}
	return out, nil
}

// ParseSubsteps reads the substeps of one scenario, one per line or
// semicolon. Commas are kept inside items.
func ParseSubsteps(msg string) ([]Substep, input.Status) {
	res := input.ParseLines(msg)
	switch res.Status {
	case input.Valid:
		out := make([]Substep, 0, len(res.Items))
		for _, item := range res.Items {
			out = append(out, Substep{ID: NewID(), Description: item})
		}
		return out, input.Valid
	case input.Empty:
		return []Substep{}, input.Empty
	default:
		return nil, res.Status
	}
}
