package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"AgentTreasury/internal/approval"
	"AgentTreasury/internal/auth"
	"AgentTreasury/internal/killswitch"
	"AgentTreasury/internal/ledger"
	"AgentTreasury/internal/reasoning"
	"AgentTreasury/internal/settlement"
	"AgentTreasury/internal/signing"
)

const testKeyHex = "b71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291"

func newTestServer(t *testing.T) (*Server, *killswitch.Switch, *auth.Service) {
	t.Helper()
	store := ledger.NewMemoryStore(ledger.NewLimitSet([]ledger.LimitRule{
		{Category: "compute", Period: ledger.PeriodDaily, Limit: decimal.NewFromInt(100)},
	}))
	trail := reasoning.NewTrail(reasoning.NewMemoryStore())
	signer, err := signing.NewSignerFromHex(testKeyHex)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	ks := killswitch.NewSwitch(killswitch.Config{
		MinConfidence:     0.5,
		MaxVolatility:     0.5,
		SpendRateWindow:   time.Hour,
		SpendRateMultiple: 1000,
	})
	engine := approval.NewEngine(store, trail, signer, ks,
		approval.Config{MinROIHurdle: 1.5, RiskCeiling: 0.8, CommitRetries: 3, Currency: "USD"},
		approval.WithSleep(func(context.Context, time.Duration) error { return nil }))
	verifier := settlement.NewVerifier(nil, 30*time.Second)
	protocol := settlement.NewProtocol(verifier, engine, settlement.NewMemoryEscrowStore(),
		settlement.ExecutorFunc(func(context.Context, settlement.Request, *settlement.EscrowHandle) error { return nil }),
		settlement.Config{})
	authSvc, err := auth.NewService(auth.Config{
		TokenSecret: "test-secret",
		OperatorIDs: []string{"op-1"},
	})
	if err != nil {
		t.Fatalf("auth: %v", err)
	}
	return NewServer(":0", engine, protocol, store, trail, ks, authSvc), ks, authSvc
}

func submitBody(amount string, roi, confidence float64) []byte {
	body, _ := json.Marshal(map[string]any{
		"agent_id":          "agent-1",
		"category":          "compute",
		"amount":            amount,
		"market_volatility": 0.1,
		"reasoning": map[string]any{
			"trend_id":           "trend-1",
			"topic":              "gpu pricing",
			"projected_roi":      roi,
			"confidence_score":   confidence,
			"justification_text": "below market rate",
		},
	})
	return body
}

func TestSubmitTransactionApproves(t *testing.T) {
	server, _, _ := newTestServer(t)
	handler := server.Handler()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/transactions", bytes.NewReader(submitBody("20", 2.0, 0.9)))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status code: got %d body %s", rec.Code, rec.Body.String())
	}
	var decision approval.Decision
	if err := json.Unmarshal(rec.Body.Bytes(), &decision); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !decision.Approved {
		t.Fatalf("expected approval, got %+v", decision)
	}

	// 决策可以按 ID 查回，并带有推理依据。
	req = httptest.NewRequest(http.MethodGet, "/api/v1/transactions/"+decision.TransactionID, nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("detail status %d", rec.Code)
	}
	var detail transactionDetail
	if err := json.Unmarshal(rec.Body.Bytes(), &detail); err != nil {
		t.Fatalf("decode detail: %v", err)
	}
	if detail.Reasoning == nil || detail.Reasoning.TrendID != "trend-1" {
		t.Fatalf("missing reasoning context: %+v", detail)
	}
}

func TestSubmitTransactionValidation(t *testing.T) {
	server, _, _ := newTestServer(t)
	handler := server.Handler()

	t.Run("bad json", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/transactions", bytes.NewReader([]byte("{")))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", rec.Code)
		}
	})

	t.Run("bad amount", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/transactions", bytes.NewReader(submitBody("not-a-number", 2.0, 0.9)))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", rec.Code)
		}
	})

	t.Run("unknown record", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/transactions/missing", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusNotFound {
			t.Fatalf("expected 404, got %d", rec.Code)
		}
	})
}

func TestListTransactionsFilters(t *testing.T) {
	server, _, _ := newTestServer(t)
	handler := server.Handler()

	for _, body := range [][]byte{
		submitBody("10", 2.0, 0.9),
		submitBody("15", 1.0, 0.9), // ROI 不达标，落拒绝记录
	} {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/transactions", bytes.NewReader(body))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("submit status %d", rec.Code)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/transactions?approved=true", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status %d", rec.Code)
	}
	var records []*ledger.TransactionRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &records); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(records) != 1 || !records[0].Approved {
		t.Fatalf("expected one approved record, got %d", len(records))
	}
}

func TestResumeRequiresToken(t *testing.T) {
	server, ks, authSvc := newTestServer(t)
	handler := server.Handler()
	ks.Halt(context.Background(), "manual", "test")

	body := []byte(`{"reason":"verified markets"}`)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/killswitch/resume", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	token, err := authSvc.IssueToken("op-1")
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	req = httptest.NewRequest(http.MethodPost, "/api/v1/killswitch/resume", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d body %s", rec.Code, rec.Body.String())
	}
	if ks.Halted() {
		t.Fatalf("switch should be resumed")
	}

	// 状态查询反映恢复人。
	req = httptest.NewRequest(http.MethodGet, "/api/v1/killswitch", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	var state killswitch.State
	if err := json.Unmarshal(rec.Body.Bytes(), &state); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if state.Mode != killswitch.ModeNormal || state.ResumedBy != "op-1" {
		t.Fatalf("unexpected state %+v", state)
	}
}

func TestSubmitRejectedWhenHalted(t *testing.T) {
	server, ks, _ := newTestServer(t)
	handler := server.Handler()
	ks.Halt(context.Background(), "manual", "test")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/transactions", bytes.NewReader(submitBody("20", 2.0, 0.9)))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var decision approval.Decision
	if err := json.Unmarshal(rec.Body.Bytes(), &decision); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decision.Approved || decision.Reason != "system halted" {
		t.Fatalf("expected halted rejection, got %+v", decision)
	}
}
