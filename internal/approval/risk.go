package approval

import (
	"context"
	"log/slog"

	"github.com/shopspring/decimal"

	"AgentTreasury/internal/ledger"
	"AgentTreasury/pkg/logger"
)

// 风险评分的权重分配：金额压力占大头，历史表现与类别次之。
const (
	weightAmount   = 0.5
	weightHistory  = 0.3
	weightCategory = 0.2

	// 没有历史记录的请求方按中等风险先验处理。
	unknownAgentRisk = 0.5
	// 未配置权重的类别同样取中等风险。
	defaultCategoryRisk = 0.5
)

// riskScore 计算一次申请的风险评分，取值 [0,1]。
// 输入分三部分：本次金额相对可用预算的压力、请求方历史拒绝率、
// 类别固有风险权重。历史读取是陈旧容忍的，失败时退回先验值。
func (e *Engine) riskScore(ctx context.Context, req Request, res *ledger.Reservation) float64 {
	amount := amountPressure(req.Amount, res)
	history := e.historyRisk(ctx, req.AgentID)
	category := e.categoryWeight(req.Category)

	score := weightAmount*amount + weightHistory*history + weightCategory*category
	return clamp01(score)
}

// amountPressure 用本次金额占最紧周期限额的比例衡量金额压力。
func amountPressure(amount decimal.Decimal, res *ledger.Reservation) float64 {
	if res == nil || len(res.Snapshots) == 0 {
		return 1
	}
	pressure := 0.0
	for _, snap := range res.Snapshots {
		if !snap.Limit.IsPositive() {
			return 1
		}
		ratio, _ := amount.Div(snap.Limit).Float64()
		if ratio > pressure {
			pressure = ratio
		}
	}
	return clamp01(pressure)
}

func (e *Engine) historyRisk(ctx context.Context, agentID string) float64 {
	history, err := e.store.AgentHistory(ctx, agentID)
	if err != nil {
		logger.L().Warn("读取请求方历史失败，使用先验风险",
			slog.String("agent_id", agentID), slog.String("error", err.Error()))
		return unknownAgentRisk
	}
	if history.TotalRequests == 0 {
		return unknownAgentRisk
	}
	return clamp01(float64(history.Rejected) / float64(history.TotalRequests))
}

func (e *Engine) categoryWeight(category string) float64 {
	if w, ok := e.categoryRisk[category]; ok {
		return clamp01(w)
	}
	return defaultCategoryRisk
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
