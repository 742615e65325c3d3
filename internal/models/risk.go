package models

import "time"

// RiskCategory classifies an inferred risk.
type RiskCategory string

const (
	RiskCategoryOperational   RiskCategory = "operacional"
	RiskCategoryLegal         RiskCategory = "legal"
	RiskCategoryTechnological RiskCategory = "tecnologico"
	RiskCategoryReputational  RiskCategory = "reputacional"
	RiskCategoryUnequalImpact RiskCategory = "impacto_desigual"
)

// Confidence is the confidence level attached to an inferred risk.
type Confidence string

const (
	ConfidenceLow    Confidence = "baixa"
	ConfidenceMedium Confidence = "media"
	ConfidenceHigh   Confidence = "alta"
)

// InferredRisk is one output record of the risk inference engine. It is
// immutable once created.
type InferredRisk struct {
	Title         string       `json:"title"`
	Category      RiskCategory `json:"category"`
	SourceBlock   string       `json:"source_block"`
	RuleID        string       `json:"triggering_rule_id"`
	Confidence    Confidence   `json:"confidence"`
	Justification string       `json:"justification"`
	Triggers      []string     `json:"triggers"`
}

// StoredRisk is an InferredRisk materialized as a draft risk record.
type StoredRisk struct {
	AnalysisID string       `json:"analysis_id"`
	Risk       InferredRisk `json:"risk"`
	CreatedAt  time.Time    `json:"created_at"`
}
