package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/mapagov/helena/internal/api"
	"github.com/mapagov/helena/internal/models"
	tu "github.com/mapagov/helena/internal/testutil"
)

func chat(t *testing.T, ts *tu.TestServer, body map[string]string) (int, models.ChatResponse) {
	t.Helper()
	rr := ts.Do(tu.CreateHTTPRequest(t, http.MethodPost, "/chat", body))
	var resp models.ChatResponse
	if rr.Code == http.StatusOK {
		tu.MustUnmarshalJSON(t, rr.Body.Bytes(), &resp)
	}
	return rr.Code, resp
}

func TestChatStartsSession(t *testing.T) {
	ts := tu.NewTestServer(t, nil)
	req := tu.CreateHTTPRequest(t, http.MethodPost, "/chat", map[string]string{"message": "João"})
	req.Header.Set("X-User-ID", "servidor-42")
	rr := ts.Do(req)
	tu.AssertHTTPStatus(t, http.StatusOK, rr.Code, "chat")

	var resp models.ChatResponse
	tu.MustUnmarshalJSON(t, rr.Body.Bytes(), &resp)
	if resp.SessionID == "" || resp.ResponseText == "" {
		t.Fatalf("unexpected response %+v", resp)
	}
	if resp.ActiveProduct != "pop" || resp.Metadata.AgentName != "Helena" {
		t.Errorf("unexpected product or metadata: %+v", resp)
	}

	rr = ts.Do(tu.CreateHTTPRequest(t, http.MethodGet, "/sessions/"+resp.SessionID, nil))
	tu.AssertHTTPStatus(t, http.StatusOK, rr.Code, "session")
	body := tu.AssertJSONResponse(t, rr, "ok")
	sess := body["result"].(map[string]interface{})["session"].(map[string]interface{})
	if sess["user_id"] != "servidor-42" {
		t.Errorf("expected user id from header, got %v", sess["user_id"])
	}
}

func TestChatValidation(t *testing.T) {
	ts := tu.NewTestServer(t, nil)
	cases := []struct {
		name string
		body string
	}{
		{"invalid JSON", `{"message":`},
		{"missing message", `{"session_id":"s1"}`},
		{"blank message", `{"message":"   "}`},
		{"message too long", `{"message":"` + strings.Repeat("a", models.MaxMessageLength+1) + `"}`},
		{"session id too long", `{"message":"oi","session_id":"` + strings.Repeat("s", models.MaxIdentifierLength+1) + `"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodPost, "/chat", strings.NewReader(tc.body))
			rr := ts.Do(req)
			tu.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, tc.name)
			tu.AssertJSONResponse(t, rr, string(models.APIStatusError))
		})
	}
}

func TestChatMethodNotAllowed(t *testing.T) {
	ts := tu.NewTestServer(t, nil)
	rr := ts.Do(tu.CreateHTTPRequest(t, http.MethodGet, "/chat", nil))
	tu.AssertHTTPStatus(t, http.StatusMethodNotAllowed, rr.Code, "GET /chat")
}

func TestChatReplayDoesNotDuplicateHistory(t *testing.T) {
	ts := tu.NewTestServer(t, nil)
	body := map[string]string{"message": "João", "session_id": "s1", "request_id": "r1"}
	_, first := chat(t, ts, body)
	code, again := chat(t, ts, body)
	if code != http.StatusOK || again.ResponseText != first.ResponseText {
		t.Fatalf("replay should return the stored response: %d %+v", code, again)
	}

	rr := ts.Do(tu.CreateHTTPRequest(t, http.MethodGet, "/sessions/s1/messages", nil))
	tu.AssertHTTPStatus(t, http.StatusOK, rr.Code, "messages")
	var envelope struct {
		Result []models.MessageRecord `json:"result"`
	}
	tu.MustUnmarshalJSON(t, rr.Body.Bytes(), &envelope)
	if len(envelope.Result) != 1 || envelope.Result[0].RequestID != "r1" {
		t.Errorf("expected one logged exchange, got %+v", envelope.Result)
	}
}

func TestChatRequestIDFromAnotherSessionConflicts(t *testing.T) {
	ts := tu.NewTestServer(t, nil)
	chat(t, ts, map[string]string{"message": "João", "session_id": "s1", "request_id": "r1"})
	code, _ := chat(t, ts, map[string]string{"message": "Maria", "session_id": "s2", "request_id": "r1"})
	if code != http.StatusConflict {
		t.Errorf("expected 409 for a request id reused across sessions, got %d", code)
	}
}

func TestFinalizeThenChatConflicts(t *testing.T) {
	ts := tu.NewTestServer(t, nil)
	chat(t, ts, map[string]string{"message": "João", "session_id": "s1"})

	rr := ts.Do(tu.CreateHTTPRequest(t, http.MethodPost, "/sessions/s1/finalize", nil))
	tu.AssertHTTPStatus(t, http.StatusOK, rr.Code, "finalize")
	body := tu.AssertJSONResponse(t, rr, "ok")
	if body["result"].(map[string]interface{})["status"] != string(models.SessionStatusConcluded) {
		t.Errorf("expected concluded session, got %v", body["result"])
	}

	code, _ := chat(t, ts, map[string]string{"message": "sim", "session_id": "s1"})
	tu.AssertHTTPStatus(t, http.StatusConflict, code, "chat after finalize")
}

func TestUnknownSessionIsNotFound(t *testing.T) {
	ts := tu.NewTestServer(t, nil)
	for _, path := range []string{"/sessions/missing", "/sessions/missing/messages"} {
		rr := ts.Do(tu.CreateHTTPRequest(t, http.MethodGet, path, nil))
		tu.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, path)
	}
	rr := ts.Do(tu.CreateHTTPRequest(t, http.MethodPost, "/sessions/missing/finalize", nil))
	tu.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "finalize missing")
}

func TestConfigurationErrorHidesDetailInProduction(t *testing.T) {
	for _, dev := range []bool{false, true} {
		ts := tu.NewTestServer(t, nil, api.WithDevMode(dev))
		if _, _, err := ts.Store.GetOrCreateSession(context.Background(), models.Session{
			ID: "s1", CurrentProduct: "planejamento", Status: models.SessionStatusActive,
		}); err != nil {
			t.Fatalf("GetOrCreateSession failed: %v", err)
		}
		rr := ts.Do(tu.CreateHTTPRequest(t, http.MethodPost, "/chat", map[string]string{"message": "oi", "session_id": "s1"}))
		tu.AssertHTTPStatus(t, http.StatusInternalServerError, rr.Code, "configuration error")
		var resp models.APIResponse
		tu.MustUnmarshalJSON(t, rr.Body.Bytes(), &resp)
		if dev && !strings.Contains(resp.Detail, "planejamento") {
			t.Errorf("dev mode should include detail, got %+v", resp)
		}
		if !dev && resp.Detail != "" {
			t.Errorf("production must not leak detail, got %q", resp.Detail)
		}
	}
}

func TestRiskScore(t *testing.T) {
	ts := tu.NewTestServer(t, nil)
	cases := []struct {
		body  map[string]interface{}
		code  int
		level string
	}{
		{map[string]interface{}{"probability": 3, "impact": 4}, http.StatusOK, "MEDIUM"},
		{map[string]interface{}{"probability": 5, "impact": 4, "table": "institutional"}, http.StatusOK, "CRITICAL"},
		{map[string]interface{}{"probability": 1, "impact": 5, "table": "institutional"}, http.StatusOK, "LOW"},
		{map[string]interface{}{"probability": 0, "impact": 3}, http.StatusBadRequest, ""},
		{map[string]interface{}{"probability": 2, "impact": 6}, http.StatusBadRequest, ""},
		{map[string]interface{}{"probability": 2, "impact": 2, "table": "strategic"}, http.StatusBadRequest, ""},
	}
	for _, tc := range cases {
		rr := ts.Do(tu.CreateHTTPRequest(t, http.MethodPost, "/risk/score", tc.body))
		tu.AssertHTTPStatus(t, tc.code, rr.Code, "risk score")
		if tc.code != http.StatusOK {
			continue
		}
		var envelope struct {
			Result struct {
				Score int    `json:"score"`
				Level string `json:"level"`
			} `json:"result"`
		}
		tu.MustUnmarshalJSON(t, rr.Body.Bytes(), &envelope)
		if envelope.Result.Level != tc.level {
			t.Errorf("%v: expected %s, got %+v", tc.body, tc.level, envelope.Result)
		}
	}
}

func TestRiskInferIsStateless(t *testing.T) {
	ts := tu.NewTestServer(t, nil)
	body := map[string]interface{}{
		"answers": map[string]interface{}{
			"tecnologia": map[string]interface{}{"sistemas": []string{"SEI"}},
		},
	}
	rr := ts.Do(tu.CreateHTTPRequest(t, http.MethodPost, "/risk/infer", body))
	tu.AssertHTTPStatus(t, http.StatusOK, rr.Code, "risk infer")
	var envelope struct {
		Result map[string]json.RawMessage `json:"result"`
	}
	tu.MustUnmarshalJSON(t, rr.Body.Bytes(), &envelope)
	for _, key := range []string{"signals", "derived_answers", "risks"} {
		if _, ok := envelope.Result[key]; !ok {
			t.Errorf("missing %s in analysis", key)
		}
	}

	rr = ts.Do(tu.CreateHTTPRequest(t, http.MethodPost, "/risk/infer", map[string]interface{}{}))
	tu.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "missing answers")
}

func TestHealthAndMetrics(t *testing.T) {
	ts := tu.NewTestServer(t, nil)
	rr := ts.Do(tu.CreateHTTPRequest(t, http.MethodGet, "/health", nil))
	body := tu.AssertJSONResponse(t, rr, "ok")
	products := body["result"].(map[string]interface{})["products"].([]interface{})
	if len(products) != 4 {
		t.Errorf("expected 4 products, got %v", products)
	}

	if got := testutil.ToFloat64(ts.Metrics.HTTPRequests.WithLabelValues("GET /health", "200")); got != 1 {
		t.Errorf("expected one recorded health request, got %v", got)
	}
	rr = ts.Do(tu.CreateHTTPRequest(t, http.MethodGet, "/metrics", nil))
	tu.AssertHTTPStatus(t, http.StatusOK, rr.Code, "metrics")
	if !strings.Contains(rr.Body.String(), "helena_http_requests_total") {
		t.Errorf("expected http metric in exposition")
	}
}
