package settlement

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	xerrors "AgentTreasury/internal/errors"
	"AgentTreasury/internal/reasoning"
	"AgentTreasury/internal/signing"
	"AgentTreasury/pkg/logger"
)

// Request 是对端发来的结算请求。Nonce 与 Timestamp 共同构成
// 重放保护：窗口外的消息直接拒绝，窗口内的重复 Nonce 同样拒绝。
type Request struct {
	SettlementID     string                     `json:"settlement_id"`
	PeerID           string                     `json:"peer_id"`
	Nonce            string                     `json:"nonce"`
	AgentID          string                     `json:"agent_id"`
	Capability       string                     `json:"capability"`
	Parameters       map[string]string          `json:"parameters,omitempty"`
	Category         string                     `json:"category"`
	Amount           decimal.Decimal            `json:"amount"`
	Currency         string                     `json:"currency"`
	Timestamp        int64                      `json:"timestamp"`
	MarketVolatility float64                    `json:"market_volatility"`
	Reasoning        reasoning.ReasoningContext `json:"reasoning"`
	Signature        string                     `json:"signature"`
}

// requestPayload 的字段按字母序声明，json.Marshal 产出确定性的
// 签名载荷。Parameters 是 map[string]string，序列化时键按字典序
// 输出，同样是确定性的。Signature 本身不参与签名。
type requestPayload struct {
	AgentID      string            `json:"agent_id"`
	Amount       string            `json:"amount"`
	Capability   string            `json:"capability"`
	Category     string            `json:"category"`
	Currency     string            `json:"currency"`
	Nonce        string            `json:"nonce"`
	Parameters   map[string]string `json:"parameters"`
	PeerID       string            `json:"peer_id"`
	SettlementID string            `json:"settlement_id"`
	Timestamp    int64             `json:"timestamp"`
	TrendID      string            `json:"trend_id"`
	Volatility   float64           `json:"volatility"`
}

// SignaturePayload 返回请求的规范化签名载荷，发送方与接收方
// 必须使用同一布局。
func (r Request) SignaturePayload() []byte {
	payload, _ := json.Marshal(requestPayload{
		AgentID:      r.AgentID,
		Amount:       r.Amount.String(),
		Capability:   r.Capability,
		Category:     r.Category,
		Currency:     r.Currency,
		Nonce:        r.Nonce,
		Parameters:   r.Parameters,
		PeerID:       r.PeerID,
		SettlementID: r.SettlementID,
		Timestamp:    r.Timestamp,
		TrendID:      r.Reasoning.TrendID,
		Volatility:   r.MarketVolatility,
	})
	return payload
}

// Verifier 校验结算请求的来源与新鲜度。
type Verifier struct {
	mu     sync.Mutex
	peers  map[string]string
	window time.Duration
	seen   map[string]int64
	now    func() time.Time
}

// NewVerifier 创建校验器。peers 是对端标识到公钥的映射，
// window 是重放保护窗口。
func NewVerifier(peers map[string]string, window time.Duration) *Verifier {
	if window <= 0 {
		window = 30 * time.Second
	}
	copied := make(map[string]string, len(peers))
	for id, key := range peers {
		copied[id] = key
	}
	return &Verifier{
		peers:  copied,
		window: window,
		seen:   make(map[string]int64),
		now:    time.Now,
	}
}

// WithClock 覆盖时间源，用于测试。
func (v *Verifier) WithClock(now func() time.Time) *Verifier {
	v.now = now
	return v
}

// Verify 依次校验对端身份、时间窗口、Nonce 去重与签名。
// 任何失败都会写安全审计日志。
func (v *Verifier) Verify(req Request) error {
	pubKey, ok := v.peers[req.PeerID]
	if !ok {
		v.logRejection(req, "unknown peer")
		return xerrors.New(xerrors.CodeSignatureInvalid, "未知的结算对端",
			xerrors.WithMetadata("peer_id", req.PeerID))
	}

	if req.Capability == "" {
		v.logRejection(req, "missing capability")
		return xerrors.New(xerrors.CodeInvalidArgument, "结算请求缺少能力标识")
	}

	now := v.now()
	age := now.Unix() - req.Timestamp
	if age < 0 {
		age = -age
	}
	if time.Duration(age)*time.Second > v.window {
		v.logRejection(req, "timestamp outside replay window")
		return xerrors.New(xerrors.CodeReplayDetected, "请求时间戳超出重放保护窗口")
	}

	v.mu.Lock()
	v.pruneLocked(now)
	nonceKey := req.PeerID + ":" + req.Nonce
	if _, dup := v.seen[nonceKey]; dup {
		v.mu.Unlock()
		v.logRejection(req, "nonce replayed")
		return xerrors.New(xerrors.CodeReplayDetected, "重复的结算请求")
	}
	v.seen[nonceKey] = now.Add(v.window).Unix()
	v.mu.Unlock()

	if err := signing.Verify(pubKey, signing.DomainSettlement, req.SignaturePayload(), req.Signature); err != nil {
		v.logRejection(req, "signature invalid")
		return err
	}
	return nil
}

func (v *Verifier) pruneLocked(now time.Time) {
	cutoff := now.Unix()
	for key, expiry := range v.seen {
		if expiry < cutoff {
			delete(v.seen, key)
		}
	}
}

func (v *Verifier) logRejection(req Request, reason string) {
	logger.Security().Warn("settlement request rejected",
		slog.String("settlement_id", req.SettlementID),
		slog.String("peer_id", req.PeerID),
		slog.String("nonce", req.Nonce),
		slog.String("reason", reason))
}
