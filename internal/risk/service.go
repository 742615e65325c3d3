package risk

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mapagov/helena/internal/models"
	"github.com/mapagov/helena/internal/store"
)

// Service materializes inferred risks as draft records.
type Service struct {
	repo store.RiskRepo
	now  func() time.Time
}

// NewService creates a Service backed by repo.
func NewService(repo store.RiskRepo) *Service {
	return &Service{repo: repo, now: time.Now}
}

// Materialize stores each risk under analysisID. A risk already stored for
// the same (analysisID, rule id) is skipped, so rerunning with unchanged
// inputs creates nothing. It returns the number of records created.
func (s *Service) Materialize(ctx context.Context, analysisID string, risks []models.InferredRisk) (int, error) {
	if analysisID == "" {
		return 0, fmt.Errorf("analysis id is required")
	}
	created := 0
	now := s.now()
	for _, r := range risks {
		ok, err := s.repo.AddRisk(ctx, models.StoredRisk{AnalysisID: analysisID, Risk: r, CreatedAt: now})
		if err != nil {
			slog.Error("Service.Materialize: failed to store risk", "analysisID", analysisID, "ruleID", r.RuleID, "error", err)
			return created, fmt.Errorf("failed to store risk %s: %w", r.RuleID, err)
		}
		if ok {
			created++
		} else {
			slog.Debug("Service.Materialize: risk already stored", "analysisID", analysisID, "ruleID", r.RuleID)
		}
	}
	slog.Info("Service.Materialize: batch stored", "analysisID", analysisID, "inferred", len(risks), "created", created)
	return created, nil
}

// List returns the stored risks of an analysis.
func (s *Service) List(ctx context.Context, analysisID string) ([]models.StoredRisk, error) {
	return s.repo.ListRisks(ctx, analysisID)
}
