package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"AgentTreasury/internal/approval"
	"AgentTreasury/internal/auth"
	xerrors "AgentTreasury/internal/errors"
	"AgentTreasury/internal/killswitch"
	"AgentTreasury/internal/ledger"
	"AgentTreasury/internal/observability/metrics"
	"AgentTreasury/internal/reasoning"
	"AgentTreasury/internal/settlement"
)

// Server 负责暴露 REST 接口，供代理提交支出申请、对端发起结算、
// 运营人员查询与恢复系统。
type Server struct {
	addr     string
	engine   *approval.Engine
	protocol *settlement.Protocol
	store    ledger.Store
	trail    *reasoning.Trail
	ks       *killswitch.Switch
	auth     *auth.Service
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, engine *approval.Engine, protocol *settlement.Protocol, store ledger.Store, trail *reasoning.Trail, ks *killswitch.Switch, authSvc *auth.Service) *Server {
	return &Server{
		addr:     addr,
		engine:   engine,
		protocol: protocol,
		store:    store,
		trail:    trail,
		ks:       ks,
		auth:     authSvc,
	}
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Handler 返回完整路由，测试可直接挂到 httptest 上。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/transactions", s.instrument("transactions", s.handleTransactions))
	mux.HandleFunc("/api/v1/transactions/", s.instrument("transaction", s.handleGetTransaction))
	mux.HandleFunc("/api/v1/settlements", s.instrument("settlements", s.handleSettlements))
	mux.HandleFunc("/api/v1/killswitch", s.instrument("killswitch", s.handleKillSwitch))
	mux.HandleFunc("/api/v1/killswitch/resume", s.instrument("resume", s.handleResume))
	return mux
}

// statusRecorder 捕获写出的状态码供指标使用。
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) instrument(name string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		handler(recorder, r)
		metrics.ObserveHTTPRequest(name, r.Method, recorder.status, time.Since(started))
	}
}

// transactionRequest 是提交支出申请的请求体。金额用字符串传输，
// 避免浮点精度问题。
type transactionRequest struct {
	AgentID          string  `json:"agent_id"`
	Category         string  `json:"category"`
	Amount           string  `json:"amount"`
	Currency         string  `json:"currency,omitempty"`
	MarketVolatility float64 `json:"market_volatility"`
	Reasoning        struct {
		TrendID           string  `json:"trend_id"`
		Topic             string  `json:"topic"`
		ProjectedROI      float64 `json:"projected_roi"`
		ConfidenceScore   float64 `json:"confidence_score"`
		JustificationText string  `json:"justification_text"`
	} `json:"reasoning"`
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleSubmitTransaction(w, r)
	case http.MethodGet:
		s.handleListTransactions(w, r)
	default:
		http.Error(w, "仅支持 GET/POST", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleSubmitTransaction(w http.ResponseWriter, r *http.Request) {
	var req transactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		http.Error(w, "金额格式非法", http.StatusBadRequest)
		return
	}

	decision, err := s.engine.Evaluate(r.Context(), approval.Request{
		AgentID:          req.AgentID,
		Category:         req.Category,
		Amount:           amount,
		Currency:         req.Currency,
		MarketVolatility: req.MarketVolatility,
		Reasoning: reasoning.ReasoningContext{
			TrendID:           req.Reasoning.TrendID,
			Topic:             req.Reasoning.Topic,
			ProjectedROI:      req.Reasoning.ProjectedROI,
			ConfidenceScore:   req.Reasoning.ConfidenceScore,
			JustificationText: req.Reasoning.JustificationText,
		},
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	opts := ledger.ListOptions{
		Category: r.URL.Query().Get("category"),
		AgentID:  r.URL.Query().Get("agent_id"),
	}
	if raw := r.URL.Query().Get("approved"); raw != "" {
		approved, err := strconv.ParseBool(raw)
		if err != nil {
			http.Error(w, "approved 参数非法", http.StatusBadRequest)
			return
		}
		opts.Approved = &approved
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			opts.Limit = parsed
		}
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			opts.Offset = parsed
		}
	}

	records, err := s.store.ListRecords(r.Context(), opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// transactionDetail 汇总交易记录与其推理依据。
type transactionDetail struct {
	Record    *ledger.TransactionRecord   `json:"record"`
	Reasoning *reasoning.ReasoningContext `json:"reasoning,omitempty"`
}

func (s *Server) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/v1/transactions/")
	if id == "" || strings.Contains(id, "/") {
		http.Error(w, "交易标识非法", http.StatusBadRequest)
		return
	}

	record, err := s.store.GetRecord(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	detail := transactionDetail{Record: record}
	if entry, err := s.trail.Lookup(r.Context(), id); err == nil {
		detail.Reasoning = &entry.Context
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleSettlements(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	var req settlement.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}

	result, err := s.protocol.Run(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleKillSwitch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.ks.Current())
}

// resumeRequest 是恢复运行的请求体。
type resumeRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	operatorID, err := s.auth.Authenticate(r)
	if err != nil {
		http.Error(w, "未授权", http.StatusUnauthorized)
		return
	}

	var req resumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	if err := s.ks.Resume(r.Context(), operatorID, req.Reason); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.ks.Current())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError 将统一错误映射为 HTTP 状态码。
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch xerrors.CodeOf(err) {
	case xerrors.CodeNotFound:
		status = http.StatusNotFound
	case xerrors.CodeInvalidArgument:
		status = http.StatusBadRequest
	case xerrors.CodeSignatureInvalid, xerrors.CodeReplayDetected:
		status = http.StatusForbidden
	case xerrors.CodeSystemHalted:
		status = http.StatusServiceUnavailable
	}
	http.Error(w, err.Error(), status)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
