package risk

import (
	"fmt"
	"sort"
	"strings"

	"github.com/mapagov/helena/internal/models"
)

// Analysis is the full output of one inference run.
type Analysis struct {
	Signals Signals               `json:"signals"`
	Derived Answers               `json:"derived_answers"`
	Risks   []models.InferredRisk `json:"risks"`
}

// Analyze extracts signals, applies the downstream derivations and
// evaluates every rule. The result depends only on answers.
func Analyze(answers Answers) Analysis {
	signals := ExtractSignals(answers)
	derived := DeriveAnswers(signals)
	applyDerivations(signals)
	return Analysis{Signals: signals, Derived: derived, Risks: Evaluate(signals, Rules)}
}

// Infer returns the risks inferred from an answer set, ordered by rule id.
func Infer(answers Answers) []models.InferredRisk {
	return Analyze(answers).Risks
}

// Evaluate runs each rule independently against the signals.
func Evaluate(signals Signals, rules []Rule) []models.InferredRisk {
	ordered := make([]Rule, len(rules))
	copy(ordered, rules)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].ID < ordered[j].ID })

	risks := []models.InferredRisk{}
	for _, r := range ordered {
		risk, ok := fire(r, signals)
		if ok {
			risks = append(risks, risk)
		}
	}
	return risks
}

func fire(r Rule, signals Signals) (models.InferredRisk, bool) {
	if len(r.When) == 0 {
		return models.InferredRisk{}, false
	}
	var triggers []string
	fromFallback := false
	for _, c := range r.When {
		if !c.holds(signals) {
			return models.InferredRisk{}, false
		}
		sig := signals.Get(c.Signal)
		if sig.Source == SourceFallback {
			fromFallback = true
		}
		for _, q := range sig.Questions {
			triggers = append(triggers, fmt.Sprintf("%s=%s", q, describe(c, sig)))
		}
	}
	if len(triggers) == 0 {
		return models.InferredRisk{}, false
	}

	confidence := r.Confidence
	justification := r.Justification
	if fromFallback {
		confidence = Downgrade(confidence)
		justification += " (inferido a partir de texto livre)"
	}
	return models.InferredRisk{
		Title:         r.Title,
		Category:      r.Category,
		SourceBlock:   r.Block,
		RuleID:        r.ID,
		Confidence:    confidence,
		Justification: justification,
		Triggers:      triggers,
	}, true
}

func describe(c Condition, sig Signal) string {
	if c.MinCount > 0 && sig.Count != nil {
		return fmt.Sprintf("%d itens", *sig.Count)
	}
	return strings.ToUpper(string(sig.Value))
}

// Downgrade lowers a confidence level by one step.
func Downgrade(c models.Confidence) models.Confidence {
	switch c {
	case models.ConfidenceHigh:
		return models.ConfidenceMedium
	default:
		return models.ConfidenceLow
	}
}
