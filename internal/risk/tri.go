// Package risk implements the rule-based risk inference engine and the
// probability x impact scoring used by risk analyses.
//
// Every yes/no signal is three-valued. An absent answer, a blank answer and
// an explicit "não sei" all become Unknown, and no rule fires on Unknown.
package risk

import (
	"strings"

	"github.com/mapagov/helena/internal/input"
)

// Tri is a three-valued signal.
type Tri string

const (
	Yes     Tri = "SIM"
	No      Tri = "NAO"
	Unknown Tri = "DESCONHECIDO"
)

// AnswerNotSure is the stored value of a "não sei" answer.
const AnswerNotSure = "NAO_SEI"

// Known reports whether t is Yes or No.
func (t Tri) Known() bool {
	return t == Yes || t == No
}

// ParseTri converts a stored answer value into a Tri. It never yields No for
// anything other than an explicit negative answer.
func ParseTri(v interface{}) Tri {
	switch val := v.(type) {
	case nil:
		return Unknown
	case bool:
		if val {
			return Yes
		}
		return No
	case Tri:
		if val.Known() {
			return val
		}
		return Unknown
	case string:
		s := strings.TrimSpace(val)
		switch strings.ToUpper(s) {
		case "":
			return Unknown
		case string(Yes):
			return Yes
		case string(No):
			return No
		case AnswerNotSure, string(Unknown):
			return Unknown
		}
		switch input.ClassifyTri(s) {
		case input.Yes:
			return Yes
		case input.No:
			return No
		}
		return Unknown
	default:
		return Unknown
	}
}

// TriFromAnswer maps a classified chat answer onto the stored value.
func TriFromAnswer(a input.Answer) (string, bool) {
	switch a {
	case input.Yes:
		return string(Yes), true
	case input.No:
		return string(No), true
	case input.Unknown:
		return AnswerNotSure, true
	}
	return "", false
}
