package risk

import (
	"sort"
	"strings"

	"github.com/mapagov/helena/internal/input"
)

// Source records where a signal value came from.
type Source string

const (
	SourceStructured Source = "structured"
	SourceFallback   Source = "fallback"
)

// Signal is one normalized input of the rule set.
type Signal struct {
	Value     Tri      `json:"value"`
	Count     *int     `json:"count,omitempty"`
	Source    Source   `json:"source,omitempty"`
	Questions []string `json:"questions,omitempty"`
}

// Signals maps signal names to values. Missing names read as Unknown.
type Signals map[string]Signal

// Get returns a signal, defaulting to Unknown.
func (s Signals) Get(name string) Signal {
	if sig, ok := s[name]; ok {
		return sig
	}
	return Signal{Value: Unknown}
}

// Names returns the signal names in sorted order.
func (s Signals) Names() []string {
	names := make([]string, 0, len(s))
	for n := range s {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// fallback describes a conservative keyword match against a legacy
// free-text field.
type fallback struct {
	Block    string
	Field    string
	Keywords []string
}

type triSignal struct {
	Name     string
	Block    string
	Question string
	Fallback *fallback
}

type listSignal struct {
	Name     string
	Block    string
	Question string
}

// triSignals read one tri question each.
var triSignals = []triSignal{
	{"depende_terceiros", BlockThirdParties, "depende_terceiros", &fallback{BlockThirdParties, "descricao_terceiros", []string{"terceiriz", "empresa contratada", "fornecedor", "prestadora"}}},
	{"contrato_vigente", BlockThirdParties, "contrato_vigente", nil},
	{"tem_sla", BlockThirdParties, "tem_sla", nil},
	{"fornecedor_unico", BlockThirdParties, "fornecedor_unico", &fallback{BlockThirdParties, "descricao_terceiros", []string{"unico fornecedor", "fornecedor exclusivo", "exclusividade"}}},
	{"sistema_legado", BlockTechnology, "sistema_legado", &fallback{BlockTechnology, "descricao_sistemas", []string{"legado", "mainframe", "sem suporte", "desatualizado"}}},
	{"integracao_manual", BlockTechnology, "integracao_manual", &fallback{BlockTechnology, "descricao_sistemas", []string{"copia manual", "redigit", "digitado de novo", "planilha"}}},
	{"backup", BlockTechnology, "backup", nil},
	{"dados_pessoais", BlockTechnology, "dados_pessoais", &fallback{BlockTechnology, "descricao_sistemas", []string{"cpf", "dados pessoais", "lgpd", "sigilos", "prontuario"}}},
	{"prazo_legal", BlockDeadlines, "prazo_legal", nil},
	{"prazos_contratuais", BlockDeadlines, "prazos_contratuais", nil},
	{"volume_picos", BlockDeadlines, "volume_picos", nil},
	{"atrasos_frequentes", BlockDeadlines, "atrasos_frequentes", nil},
	{"depende_pessoa_chave", BlockPeople, "depende_pessoa_chave", &fallback{BlockPeople, "descricao_equipe", []string{"so uma pessoa", "apenas um servidor", "unico servidor", "somente eu"}}},
	{"capacitacao_formal", BlockPeople, "capacitacao_formal", nil},
	{"rotatividade_alta", BlockPeople, "rotatividade_alta", &fallback{BlockPeople, "descricao_equipe", []string{"rotatividade", "muita troca", "estagiario"}}},
	{"norma_desatualizada", BlockLegal, "norma_desatualizada", nil},
	{"decisao_discricionaria", BlockLegal, "decisao_discricionaria", nil},
	{"auditoria_externa", BlockLegal, "auditoria_externa", nil},
	{"atende_cidadao", BlockPublic, "atende_cidadao", &fallback{BlockPublic, "descricao_publico", []string{"cidadao", "populacao", "usuario externo"}}},
	{"publico_vulneravel", BlockPublic, "publico_vulneravel", &fallback{BlockPublic, "descricao_publico", []string{"idoso", "vulnerav", "deficiencia", "baixa renda", "indigena", "quilombola"}}},
	{"exige_presencial", BlockPublic, "exige_presencial", &fallback{BlockPublic, "descricao_publico", []string{"presencial", "comparecer", "balcao"}}},
	{"canal_digital", BlockPublic, "canal_digital", nil},
	{"segregacao_funcoes", BlockControls, "segregacao_funcoes", nil},
	{"revisao_dupla", BlockControls, "revisao_dupla", nil},
	{"indicadores", BlockControls, "indicadores", nil},
	{"registro_trilha", BlockControls, "registro_trilha", nil},
	{"manual_atualizado", BlockControls, "manual_atualizado", nil},
}

// listSignals read one list question each and carry the item count.
var listSignals = []listSignal{
	{"has_fornecedores", BlockThirdParties, "fornecedores"},
	{"has_sistemas", BlockTechnology, "sistemas"},
	{"has_operadores", BlockPeople, "operadores"},
	{"has_base_legal", BlockLegal, "base_legal"},
}

// ExtractSignals normalizes an answer set into signals. Every known signal
// name is present in the result, Unknown when nothing could be read.
func ExtractSignals(answers Answers) Signals {
	signals := make(Signals, len(triSignals)+len(listSignals)+1)

	for _, def := range triSignals {
		q := def.Block + "." + def.Question
		raw, _ := answers.Get(def.Block, def.Question)
		if v := ParseTri(raw); v.Known() {
			signals[def.Name] = Signal{Value: v, Source: SourceStructured, Questions: []string{q}}
			continue
		}
		// Absent, blank and "não sei" are the same Unknown from here on.
		if def.Fallback != nil {
			if sig, ok := matchFallback(answers, def.Fallback); ok {
				signals[def.Name] = sig
				continue
			}
		}
		signals[def.Name] = Signal{Value: Unknown}
	}

	for _, def := range listSignals {
		q := def.Block + "." + def.Question
		raw, present := answers.Get(def.Block, def.Question)
		items, ok := listItems(raw)
		if !present || !ok {
			signals[def.Name] = Signal{Value: Unknown}
			continue
		}
		n := len(items)
		value := No
		if n > 0 {
			value = Yes
		}
		signals[def.Name] = Signal{Value: value, Count: &n, Source: SourceStructured, Questions: []string{q}}
	}

	// A single listed operator means the process rests on one role.
	ops := signals["has_operadores"]
	switch {
	case ops.Count == nil:
		signals["operador_unico"] = Signal{Value: Unknown}
	case *ops.Count == 1:
		signals["operador_unico"] = Signal{Value: Yes, Source: ops.Source, Questions: ops.Questions}
	default:
		signals["operador_unico"] = Signal{Value: No, Source: ops.Source, Questions: ops.Questions}
	}

	return signals
}

// matchFallback approximates a signal from a legacy free-text field. It can
// only ever produce Yes; a negated keyword ("sem fornecedor") is ignored.
func matchFallback(answers Answers, fb *fallback) (Signal, bool) {
	raw, ok := answers.Get(fb.Block, fb.Field)
	if !ok {
		return Signal{}, false
	}
	text, ok := raw.(string)
	if !ok {
		return Signal{}, false
	}
	for _, kw := range fb.Keywords {
		if input.Mentions(text, kw) {
			return Signal{Value: Yes, Source: SourceFallback, Questions: []string{fb.Block + "." + fb.Field}}, true
		}
	}
	return Signal{}, false
}

// listItems reads a stored list answer. A string is parsed as a chat list
// answer; "nenhum" is an explicit empty list.
func listItems(raw interface{}) ([]string, bool) {
	switch v := raw.(type) {
	case []string:
		return v, true
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, s)
			}
		}
		return out, true
	case string:
		res := input.ParseList(v)
		switch res.Status {
		case input.Valid, input.Empty:
			return res.Items, true
		}
	}
	return nil, false
}

// derivation maps a known signal onto a downstream question.
type derivation struct {
	Signal   string
	Block    string
	Question string
	When     []Tri
}

var derivations = []derivation{
	{"tem_sla", BlockDeadlines, "prazos_contratuais", []Tri{Yes, No}},
	{"operador_unico", BlockPeople, "depende_pessoa_chave", []Tri{Yes}},
	{"depende_terceiros", BlockThirdParties, "fornecedor_unico", []Tri{No}},
}

// DeriveAnswers maps signals onto downstream questions. Signals that are
// Unknown, or whose value the mapping does not carry, leave the downstream
// key absent.
func DeriveAnswers(signals Signals) Answers {
	out := Answers{}
	for _, d := range derivations {
		sig := signals.Get(d.Signal)
		if !sig.Value.Known() || !containsTri(d.When, sig.Value) {
			continue
		}
		out.Set(d.Block, d.Question, string(sig.Value))
	}
	return out
}

// applyDerivations fills Unknown target signals from their derivation.
func applyDerivations(signals Signals) {
	for _, d := range derivations {
		src := signals.Get(d.Signal)
		if !src.Value.Known() || !containsTri(d.When, src.Value) {
			continue
		}
		target := signalForQuestion(d.Block, d.Question)
		if target == "" || signals.Get(target).Value.Known() {
			continue
		}
		signals[target] = Signal{Value: src.Value, Source: src.Source, Questions: src.Questions}
	}
}

func signalForQuestion(block, question string) string {
	for _, def := range triSignals {
		if def.Block == block && def.Question == question {
			return def.Name
		}
	}
	return ""
}

func containsTri(set []Tri, v Tri) bool {
	for _, t := range set {
		if t == v {
			return true
		}
	}
	return false
}
