package settlement

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"AgentTreasury/internal/approval"
	"AgentTreasury/internal/audit"
	xerrors "AgentTreasury/internal/errors"
	"AgentTreasury/internal/killswitch"
	"AgentTreasury/internal/ledger"
	"AgentTreasury/internal/reasoning"
	"AgentTreasury/internal/signing"
)

const (
	treasuryKeyHex = "b71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291"
	peerKeyHex     = "8a1f9a8f95be41cd7ccb6168179afb4504aefe388d1e14474d32c45c72ce7b7a"
	peerID         = "peer-alpha"
)

type testHarness struct {
	protocol *Protocol
	store    *ledger.MemoryStore
	escrow   *MemoryEscrowStore
	ks       *killswitch.Switch
	audit    *audit.MemoryPublisher
	peerKey  *signing.Signer
}

func newHarness(t *testing.T, executor Executor, opts ...Option) *testHarness {
	t.Helper()
	store := ledger.NewMemoryStore(ledger.NewLimitSet([]ledger.LimitRule{
		{Category: "compute", Period: ledger.PeriodDaily, Limit: decimal.NewFromInt(100)},
	}))
	trail := reasoning.NewTrail(reasoning.NewMemoryStore())
	signer, err := signing.NewSignerFromHex(treasuryKeyHex)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	peerKey, err := signing.NewSignerFromHex(peerKeyHex)
	if err != nil {
		t.Fatalf("peer signer: %v", err)
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
	verifier := NewVerifier(map[string]string{peerID: peerKey.PublicKeyHex()}, 30*time.Second)
	escrow := NewMemoryEscrowStore()
	pub := audit.NewMemoryPublisher()

	opts = append(opts, WithAuditPublisher(pub))
	protocol := NewProtocol(verifier, engine, escrow, executor,
		Config{EscrowTTL: 60 * time.Second, ExecTimeout: 50 * time.Millisecond}, opts...)
	return &testHarness{
		protocol: protocol,
		store:    store,
		escrow:   escrow,
		ks:       ks,
		audit:    pub,
		peerKey:  peerKey,
	}
}

func (h *testHarness) signedRequest(t *testing.T, nonce string) Request {
	t.Helper()
	req := Request{
		SettlementID:     "settle-" + nonce,
		PeerID:           peerID,
		Nonce:            nonce,
		AgentID:          "agent-9",
		Capability:       "translate",
		Parameters:       map[string]string{"source": "en", "target": "ja"},
		Category:         "compute",
		Amount:           decimal.NewFromInt(20),
		Currency:         "USD",
		Timestamp:        time.Now().Unix(),
		MarketVolatility: 0.1,
		Reasoning: reasoning.ReasoningContext{
			TrendID:           "trend-7",
			Topic:             "api capacity resale",
			ProjectedROI:      2.0,
			ConfidenceScore:   0.9,
			JustificationText: "peer offers below market rate",
		},
	}
	sig, err := h.peerKey.Sign(signing.DomainSettlement, req.SignaturePayload())
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	req.Signature = sig
	return req
}

func noopExecutor() Executor {
	return ExecutorFunc(func(context.Context, Request, *EscrowHandle) error { return nil })
}

func TestRunSettlesHappyPath(t *testing.T) {
	h := newHarness(t, noopExecutor())

	s, err := h.protocol.Run(context.Background(), h.signedRequest(t, "n1"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if s.Status != StatusSettled {
		t.Fatalf("expected SETTLED, got %s (%s)", s.Status, s.FailureReason)
	}

	handle, err := h.escrow.Get(context.Background(), s.EscrowID)
	if err != nil {
		t.Fatalf("escrow: %v", err)
	}
	if handle.State != EscrowReleased {
		t.Fatalf("expected RELEASED escrow, got %s", handle.State)
	}

	record, err := h.store.GetRecord(context.Background(), s.TransactionID)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if !record.Approved {
		t.Fatalf("released escrow must pair with a committed record")
	}
}

func TestRunPassesCapabilityToExecutor(t *testing.T) {
	var gotCapability string
	var gotParams map[string]string
	executor := ExecutorFunc(func(_ context.Context, req Request, _ *EscrowHandle) error {
		gotCapability = req.Capability
		gotParams = req.Parameters
		return nil
	})
	h := newHarness(t, executor)

	s, err := h.protocol.Run(context.Background(), h.signedRequest(t, "n1"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if s.Status != StatusSettled {
		t.Fatalf("expected SETTLED, got %s (%s)", s.Status, s.FailureReason)
	}
	if gotCapability != "translate" {
		t.Fatalf("executor must receive the requested capability, got %q", gotCapability)
	}
	if gotParams["target"] != "ja" {
		t.Fatalf("executor must receive the request parameters, got %v", gotParams)
	}
}

func TestRunRejectsMissingCapability(t *testing.T) {
	h := newHarness(t, noopExecutor())

	req := h.signedRequest(t, "n1")
	req.Capability = ""
	sig, err := h.peerKey.Sign(signing.DomainSettlement, req.SignaturePayload())
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	req.Signature = sig

	s, err := h.protocol.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if s.Status != StatusRejected {
		t.Fatalf("request without capability must be rejected, got %s", s.Status)
	}
	if s.EscrowID != "" {
		t.Fatalf("rejected request must not create escrow")
	}
}

func TestRunLocksQuotedAmount(t *testing.T) {
	quoter := QuoterFunc(func(_ context.Context, _ Request) (*Quote, error) {
		return &Quote{Amount: decimal.NewFromInt(35), Currency: "USD"}, nil
	})
	h := newHarness(t, noopExecutor(), WithQuoter(quoter))

	s, err := h.protocol.Run(context.Background(), h.signedRequest(t, "n1"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if s.Status != StatusSettled {
		t.Fatalf("expected SETTLED, got %s (%s)", s.Status, s.FailureReason)
	}

	// 托管与预算都按报价金额结算，而不是请求方自报的 20。
	handle, err := h.escrow.Get(context.Background(), s.EscrowID)
	if err != nil {
		t.Fatalf("escrow: %v", err)
	}
	if !handle.Amount.Equal(decimal.NewFromInt(35)) {
		t.Fatalf("escrow must lock the quoted amount, got %s", handle.Amount)
	}
	record, err := h.store.GetRecord(context.Background(), s.TransactionID)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if !record.Amount.Equal(decimal.NewFromInt(35)) {
		t.Fatalf("committed record must carry the quoted amount, got %s", record.Amount)
	}
	counters, err := h.store.Counters(context.Background(), "compute", time.Now())
	if err != nil {
		t.Fatalf("counters: %v", err)
	}
	if !counters[0].Spent.Equal(decimal.NewFromInt(35)) {
		t.Fatalf("budget must reflect the quoted amount, spent=%s", counters[0].Spent)
	}
}

func TestRunRejectsWhenQuoteFails(t *testing.T) {
	quoter := QuoterFunc(func(_ context.Context, req Request) (*Quote, error) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "unsupported capability",
			xerrors.WithMetadata("capability", req.Capability))
	})
	h := newHarness(t, noopExecutor(), WithQuoter(quoter))

	s, err := h.protocol.Run(context.Background(), h.signedRequest(t, "n1"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if s.Status != StatusRejected {
		t.Fatalf("expected REJECTED, got %s", s.Status)
	}
	if s.FailureReason != "unsupported capability" {
		t.Fatalf("unexpected reason %q", s.FailureReason)
	}
	if s.EscrowID != "" {
		t.Fatalf("failed quote must not create escrow")
	}
}

func TestRunRejectsUnknownPeer(t *testing.T) {
	h := newHarness(t, noopExecutor())

	req := h.signedRequest(t, "n1")
	req.PeerID = "peer-unknown"
	s, err := h.protocol.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if s.Status != StatusRejected {
		t.Fatalf("expected REJECTED, got %s", s.Status)
	}
	if s.EscrowID != "" {
		t.Fatalf("rejected request must not create escrow")
	}
}

func TestRunRejectsReplay(t *testing.T) {
	h := newHarness(t, noopExecutor())

	req := h.signedRequest(t, "n1")
	if s, err := h.protocol.Run(context.Background(), req); err != nil || s.Status != StatusSettled {
		t.Fatalf("first run failed: %v %+v", err, s)
	}
	s, err := h.protocol.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if s.Status != StatusRejected {
		t.Fatalf("replayed nonce must be rejected, got %s", s.Status)
	}
}

func TestRunRejectsStaleTimestamp(t *testing.T) {
	h := newHarness(t, noopExecutor())

	req := h.signedRequest(t, "n1")
	req.Timestamp = time.Now().Add(-2 * time.Minute).Unix()
	sig, err := h.peerKey.Sign(signing.DomainSettlement, req.SignaturePayload())
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	req.Signature = sig

	s, err := h.protocol.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if s.Status != StatusRejected {
		t.Fatalf("stale timestamp must be rejected, got %s", s.Status)
	}
}

func TestRunRejectsTamperedPayload(t *testing.T) {
	h := newHarness(t, noopExecutor())

	req := h.signedRequest(t, "n1")
	req.Amount = decimal.NewFromInt(90)
	s, err := h.protocol.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if s.Status != StatusRejected {
		t.Fatalf("tampered amount must fail signature check, got %s", s.Status)
	}
}

func TestRunRejectsGovernanceFailure(t *testing.T) {
	h := newHarness(t, noopExecutor())

	req := h.signedRequest(t, "n1")
	req.Reasoning.ProjectedROI = 1.0
	sig, err := h.peerKey.Sign(signing.DomainSettlement, req.SignaturePayload())
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	req.Signature = sig

	s, err := h.protocol.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if s.Status != StatusRejected {
		t.Fatalf("expected REJECTED, got %s", s.Status)
	}
	if s.FailureReason != "ROI below hurdle rate" {
		t.Fatalf("unexpected reason %q", s.FailureReason)
	}
	if s.EscrowID != "" {
		t.Fatalf("governance rejection must not create escrow")
	}
}

func TestRunRefundsOnExecutionTimeout(t *testing.T) {
	executor := ExecutorFunc(func(ctx context.Context, _ Request, _ *EscrowHandle) error {
		<-ctx.Done()
		return ctx.Err()
	})
	h := newHarness(t, executor)

	s, err := h.protocol.Run(context.Background(), h.signedRequest(t, "n1"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if s.Status != StatusRefunded {
		t.Fatalf("expected REFUNDED, got %s (%s)", s.Status, s.FailureReason)
	}
	if s.FailureReason != "execution timed out" {
		t.Fatalf("unexpected reason %q", s.FailureReason)
	}

	handle, err := h.escrow.Get(context.Background(), s.EscrowID)
	if err != nil {
		t.Fatalf("escrow: %v", err)
	}
	if handle.State != EscrowRefunded {
		t.Fatalf("expected REFUNDED escrow, got %s", handle.State)
	}

	// 超时结算不得提交预算。
	record, err := h.store.GetRecord(context.Background(), s.TransactionID)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if record.Approved {
		t.Fatalf("refunded settlement must not commit spend")
	}
	counters, err := h.store.Counters(context.Background(), "compute", time.Now())
	if err != nil {
		t.Fatalf("counters: %v", err)
	}
	if !counters[0].Spent.IsZero() {
		t.Fatalf("budget must stay untouched, spent=%s", counters[0].Spent)
	}
}

func TestRunFlagsAnomalyWhenCommitFailsAfterRelease(t *testing.T) {
	var h *testHarness
	// 执行阶段触发熔断：托管随后被释放，但提交被停机拦截。
	executor := ExecutorFunc(func(ctx context.Context, _ Request, _ *EscrowHandle) error {
		h.ks.Halt(ctx, "volatility spike", "monitor")
		return nil
	})
	h = newHarness(t, executor)

	s, err := h.protocol.Run(context.Background(), h.signedRequest(t, "n1"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if s.Status != StatusAnomaly {
		t.Fatalf("expected ANOMALY, got %s (%s)", s.Status, s.FailureReason)
	}
	if len(h.audit.EventsOfType(audit.EventReconciliation)) != 1 {
		t.Fatalf("expected one reconciliation event")
	}
}

func TestVerifierPrunesReplayWindow(t *testing.T) {
	peerKey, err := signing.NewSignerFromHex(peerKeyHex)
	if err != nil {
		t.Fatalf("peer signer: %v", err)
	}
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	v := NewVerifier(map[string]string{peerID: peerKey.PublicKeyHex()}, 30*time.Second).
		WithClock(func() time.Time { return now })

	req := Request{
		SettlementID: "settle-1",
		PeerID:       peerID,
		Nonce:        "n1",
		AgentID:      "agent-9",
		Capability:   "translate",
		Category:     "compute",
		Amount:       decimal.NewFromInt(5),
		Currency:     "USD",
		Timestamp:    base.Unix(),
	}
	sig, err := peerKey.Sign(signing.DomainSettlement, req.SignaturePayload())
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	req.Signature = sig

	if err := v.Verify(req); err != nil {
		t.Fatalf("first verify: %v", err)
	}
	if err := v.Verify(req); err == nil {
		t.Fatalf("replay within window must fail")
	}

	// 窗口过后 Nonce 被清理，但时间戳检查仍然拒绝旧消息。
	now = base.Add(2 * time.Minute)
	if err := v.Verify(req); err == nil {
		t.Fatalf("stale message must fail timestamp check")
	}
}

func TestEscrowExpiry(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	store := NewMemoryEscrowStore().WithClock(func() time.Time { return now })

	handle := &EscrowHandle{
		ID:           "esc-1",
		SettlementID: "settle-1",
		Amount:       decimal.NewFromInt(50),
		Currency:     "USD",
		State:        EscrowPending,
		CreatedAt:    base.Unix(),
		ExpiresAt:    base.Add(60 * time.Second).Unix(),
	}
	if err := store.Create(context.Background(), handle); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.Transition(context.Background(), "esc-1", EscrowPending, EscrowLocked); err != nil {
		t.Fatalf("lock: %v", err)
	}

	now = base.Add(61 * time.Second)
	if _, err := store.Transition(context.Background(), "esc-1", EscrowLocked, EscrowReleased); err == nil {
		t.Fatalf("expired escrow must not release")
	}
	got, err := store.Get(context.Background(), "esc-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != EscrowExpired {
		t.Fatalf("expected EXPIRED, got %s", got.State)
	}

	// 终态不可再转移。
	if _, err := store.Transition(context.Background(), "esc-1", EscrowExpired, EscrowReleased); err == nil {
		t.Fatalf("terminal state must not transition")
	}
}
