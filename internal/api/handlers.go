package api

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/mapagov/helena/internal/models"
	"github.com/mapagov/helena/internal/orchestrator"
	"github.com/mapagov/helena/internal/risk"
)

// chatHandler handles POST /chat
func (s *Server) chatHandler(w http.ResponseWriter, r *http.Request) {
	var req models.ChatRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	req.UserID = strings.TrimSpace(r.Header.Get(userIDHeader))
	slog.Debug("Server.chatHandler: processing message", "sessionID", req.SessionID, "requestID", req.RequestID, "length", len(req.Message))

	resp, err := s.orch.ProcessMessage(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, resp)
}

// sessionHandler handles GET /sessions/{id}
func (s *Server) sessionHandler(w http.ResponseWriter, r *http.Request) {
	view, err := s.orch.Session(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(view))
}

// messagesHandler handles GET /sessions/{id}/messages
func (s *Server) messagesHandler(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.orch.Messages(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []models.MessageRecord{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(msgs))
}

// finalizeHandler handles POST /sessions/{id}/finalize
func (s *Server) finalizeHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := s.orch.Finalize(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	slog.Info("Server.finalizeHandler: session finalized", "sessionID", id)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Session finalized", sess))
}

// riskInferRequest is the body of POST /risk/infer.
type riskInferRequest struct {
	Answers risk.Answers `json:"answers" validate:"required"`
}

// riskInferHandler handles POST /risk/infer
func (s *Server) riskInferHandler(w http.ResponseWriter, r *http.Request) {
	var req riskInferRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	analysis := risk.Analyze(req.Answers)
	slog.Debug("Server.riskInferHandler: inferred", "blocks", len(req.Answers), "risks", len(analysis.Risks))
	writeJSONResponse(w, http.StatusOK, models.Success(analysis))
}

// riskScoreRequest is the body of POST /risk/score.
type riskScoreRequest struct {
	Probability int    `json:"probability" validate:"required,min=1,max=5"`
	Impact      int    `json:"impact" validate:"required,min=1,max=5"`
	Table       string `json:"table" validate:"omitempty,oneof=operational institutional"`
}

// riskScoreHandler handles POST /risk/score
func (s *Server) riskScoreHandler(w http.ResponseWriter, r *http.Request) {
	var req riskScoreRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.Table == "" {
		req.Table = risk.OperationalBanding.Name
	}
	banding, err := risk.BandingByName(req.Table)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	assessment, err := risk.Assess(req.Probability, req.Impact, banding)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(assessment))
}

type healthResult struct {
	Agent    string   `json:"agent"`
	Products []string `json:"products"`
}

// healthHandler handles GET /health
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(healthResult{
		Agent:    orchestrator.AgentName,
		Products: s.orch.Products(),
	}))
}
