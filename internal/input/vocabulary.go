package input

import "strings"

// Answer is the classification of a yes/no style message.
type Answer int

const (
	// Ambiguous means the message matched no vocabulary.
	Ambiguous Answer = iota
	// Yes means the message matched the affirmative vocabulary.
	Yes
	// No means the message matched the negative vocabulary.
	No
	// Unknown means the user said they do not know.
	Unknown
)

// String returns a readable name for the answer.
func (a Answer) String() string {
	switch a {
	case Yes:
		return "yes"
	case No:
		return "no"
	case Unknown:
		return "unknown"
	default:
		return "ambiguous"
	}
}

// Vocabulary entries are stored already normalized.
var affirmative = map[string]bool{
	"sim": true, "s": true, "ok": true, "okay": true, "claro": true,
	"pode": true, "pode ser": true, "bora": true, "vamos": true,
	"vamos la": true, "certo": true, "entendi": true, "beleza": true,
	"confirmo": true, "correto": true, "isso": true, "isso mesmo": true,
	"com certeza": true, "consigo": true, "posso": true, "da pra": true,
	"sim pode": true, "sim claro": true, "perfeito": true,
	"yes": true, "y": true, "sure": true, "got it": true, "lets go": true,
	"can do": true, "yep": true, "yeah": true,
}

var negative = map[string]bool{
	"nao": true, "n": true, "nunca": true, "negativo": true,
	"nao quero": true, "errado": true, "nao esta certo": true,
	"no": true, "never": true, "nope": true,
}

var unknown = map[string]bool{
	"nao sei": true, "ns": true, "desconheco": true, "talvez": true,
	"sei la": true, "nao tenho certeza": true, "nao sei dizer": true,
	"dont know": true, "i dont know": true, "unknown": true,
}

// ClassifyYesNo matches msg against the affirmative and negative
// vocabularies. Anything else, including "não sei", is Ambiguous.
func ClassifyYesNo(msg string) Answer {
	n := Normalize(msg)
	switch {
	case affirmative[n]:
		return Yes
	case negative[n]:
		return No
	default:
		return Ambiguous
	}
}

// ClassifyTri extends ClassifyYesNo with the "don't know" vocabulary.
func ClassifyTri(msg string) Answer {
	n := Normalize(msg)
	if unknown[n] {
		return Unknown
	}
	return ClassifyYesNo(msg)
}

// IsNoneSentinel reports whether msg explicitly means "none".
func IsNoneSentinel(msg string) bool {
	return noneSentinels[Normalize(msg)]
}

// IsSkip reports whether msg asks to skip the current question.
func IsSkip(msg string) bool {
	switch Normalize(msg) {
	case "pular", "pula", "proxima", "skip", "depois":
		return true
	}
	return false
}

var noneSentinels = map[string]bool{
	"nenhum": true, "nenhuma": true, "nada": true, "none": true,
	"nao ha": true, "nao tem": true, "sem": true, "n a": true,
	"nenhum sistema": true, "nenhuma norma": true,
}

// NegationWindow is how many tokens before a term a negation still applies.
const NegationWindow = 3

var negations = map[string]bool{
	"nao": true, "sem": true, "nunca": true, "nem": true, "jamais": true,
	"nenhum": true, "nenhuma": true,
}

// Mentions reports whether text mentions term as whole words. The last
// word of term may be a stem ("terceiriz" matches "terceirizado"). A
// mention preceded by a negation within NegationWindow words does not
// count, so "não quero etapas" does not mention "etapas".
func Mentions(text, term string) bool {
	words := strings.Fields(Normalize(text))
	want := strings.Fields(Normalize(term))
	if len(want) == 0 {
		return false
	}
	for i := 0; i+len(want) <= len(words); i++ {
		if matchesAt(words[i:], want) && !negatedBefore(words, i) {
			return true
		}
	}
	return false
}

func matchesAt(words, want []string) bool {
	last := len(want) - 1
	for j, w := range want[:last] {
		if words[j] != w {
			return false
		}
	}
	return strings.HasPrefix(words[last], want[last])
}

func negatedBefore(words []string, i int) bool {
	for j := max(0, i-NegationWindow); j < i; j++ {
		if negations[words[j]] {
			return true
		}
	}
	return false
}
