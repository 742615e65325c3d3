package flow

import (
	"context"
	"strings"

	"github.com/mapagov/helena/internal/codes"
	"github.com/mapagov/helena/internal/input"
	"github.com/mapagov/helena/internal/models"
)

// Collected field names shared across products.
const (
	FieldName         = "name"
	FieldArea         = "area"
	FieldSubArea      = "subarea"
	FieldMacro        = "macroprocess"
	FieldProcess      = "process"
	FieldSubprocess   = "subprocess"
	FieldActivity     = "activity"
	FieldDeliverable  = "deliverable"
	FieldSystems      = "systems"
	FieldLegalBasis   = "legal_basis"
	FieldOperators    = "operators"
	FieldInputFlows   = "input_flows"
	FieldOutputFlows  = "output_flows"
	FieldCAP          = "cap"
	FieldSteps        = "steps"
	FieldRiskAnswers  = "risk_answers"
	FieldRiskCount    = "risk_count"
	FieldProductCode  = "cp"
	FieldAnalysisID   = "analysis_id"
	tempEditing       = "editing"
	emptyListRendered = "nenhum"
)

// CodeIssuer allocates hierarchical codes.
type CodeIssuer interface {
	NextActivityCode(ctx context.Context, k codes.ActivityKey) (string, error)
	NextProductCode(ctx context.Context, k codes.ProductKey) (string, error)
}

// ArchRef is a reference to a node of the process architecture catalog.
type ArchRef struct {
	Code int    `json:"code"`
	Name string `json:"name"`
}

// archRef decodes the reference stored under key.
func archRef(f models.Fields, key string) (ArchRef, bool) {
	var ref ArchRef
	ok, err := f.Decode(key, &ref)
	if !ok || err != nil || ref.Code == 0 {
		return ArchRef{}, false
	}
	return ref, true
}

// storeList writes a parsed list answer under key. It reports false when
// the answer should be rejected.
func storeList(f models.Fields, key string, res input.ListResult) bool {
	switch res.Status {
	case input.Valid:
		f[key] = res.Items
	case input.Empty:
		f[key] = []string{}
	default:
		return false
	}
	return true
}

// renderList joins a stored list for display.
func renderList(f models.Fields, key string) string {
	items, ok := f.Strings(key)
	if !ok {
		return "-"
	}
	if len(items) == 0 {
		return emptyListRendered
	}
	return strings.Join(items, ", ")
}

func renderText(f models.Fields, key string) string {
	if s, ok := f.String(key); ok && s != "" {
		return s
	}
	return "-"
}

func joinParagraphs(parts ...string) string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, "\n\n")
}
