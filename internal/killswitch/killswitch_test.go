package killswitch

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"AgentTreasury/internal/audit"
)

func testConfig() Config {
	return Config{
		MinConfidence:     0.5,
		MaxVolatility:     0.5,
		SpendRateWindow:   time.Minute,
		SpendRateMultiple: 5,
	}
}

func TestObserveLowConfidenceHalts(t *testing.T) {
	pub := audit.NewMemoryPublisher()
	sw := NewSwitch(testConfig(), WithAuditPublisher(pub))

	if halted := sw.Observe(context.Background(), Signal{ConfidenceScore: 0.9, MarketVolatility: 0.1}); halted {
		t.Fatalf("healthy signal should not halt")
	}
	if halted := sw.Observe(context.Background(), Signal{ConfidenceScore: 0.4, MarketVolatility: 0.1, TransactionID: "tx-1"}); !halted {
		t.Fatalf("confidence below floor should halt")
	}

	state := sw.Current()
	if state.Mode != ModeHalted {
		t.Fatalf("expected HALTED, got %s", state.Mode)
	}
	if state.TriggeredBy != "tx-1" {
		t.Fatalf("expected trigger source tx-1, got %q", state.TriggeredBy)
	}
	if len(pub.EventsOfType(audit.EventKillSwitch)) != 1 {
		t.Fatalf("expected one kill switch audit event")
	}
}

func TestNewSwitchDefaultsThresholds(t *testing.T) {
	sw := NewSwitch(Config{})

	if halted := sw.Observe(context.Background(), Signal{ConfidenceScore: 0.9, MarketVolatility: 0.4}); halted {
		t.Fatalf("moderate volatility must not halt with default ceiling")
	}
	if halted := sw.Observe(context.Background(), Signal{ConfidenceScore: 0.3, MarketVolatility: 0.1}); !halted {
		t.Fatalf("confidence below default floor should halt")
	}
}

func TestObserveHighVolatilityHalts(t *testing.T) {
	sw := NewSwitch(testConfig())
	if halted := sw.Observe(context.Background(), Signal{ConfidenceScore: 0.9, MarketVolatility: 0.6}); !halted {
		t.Fatalf("volatility above ceiling should halt")
	}
}

func TestBoundaryValuesDoNotHalt(t *testing.T) {
	sw := NewSwitch(testConfig())
	// 阈值本身不触发：confidence == 0.5 且 volatility == 0.5 均为合法边界。
	if halted := sw.Observe(context.Background(), Signal{ConfidenceScore: 0.5, MarketVolatility: 0.5}); halted {
		t.Fatalf("boundary signal must not halt")
	}
}

func TestHaltedNeverSelfClears(t *testing.T) {
	sw := NewSwitch(testConfig())
	sw.Halt(context.Background(), "manual", "operator")

	for i := 0; i < 10; i++ {
		if halted := sw.Observe(context.Background(), Signal{ConfidenceScore: 0.99, MarketVolatility: 0.01}); !halted {
			t.Fatalf("halted switch must stay halted regardless of healthy signals")
		}
	}
}

func TestResumeRequiresOperator(t *testing.T) {
	sw := NewSwitch(testConfig())
	sw.Halt(context.Background(), "manual", "test")

	if err := sw.Resume(context.Background(), "", "fixed"); err == nil {
		t.Fatalf("resume without operator must fail")
	}
	if err := sw.Resume(context.Background(), "op-7", "fixed"); err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	if sw.Halted() {
		t.Fatalf("switch should be NORMAL after resume")
	}
	if err := sw.Resume(context.Background(), "op-7", "again"); err == nil {
		t.Fatalf("resume on a NORMAL switch must fail")
	}

	state := sw.Current()
	if state.ResumedBy != "op-7" {
		t.Fatalf("expected resume attribution, got %q", state.ResumedBy)
	}
}

func TestSpendRateAnomalyHalts(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	sw := NewSwitch(testConfig(), WithClock(func() time.Time { return now }))

	// 建立基线窗口：总支出 10。
	sw.ObserveSpend(context.Background(), decimal.NewFromInt(10))

	// 下一窗口内支出 51 > 5 * 10，触发熔断。
	now = base.Add(time.Minute)
	if halted := sw.ObserveSpend(context.Background(), decimal.NewFromInt(40)); halted {
		t.Fatalf("spend within multiple should not halt")
	}
	if halted := sw.ObserveSpend(context.Background(), decimal.NewFromInt(11)); !halted {
		t.Fatalf("spend rate spike should halt")
	}
	if !sw.Halted() {
		t.Fatalf("expected halted state after anomaly")
	}
}

func TestSpendRateColdStartDoesNotHalt(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	sw := NewSwitch(testConfig(), WithClock(func() time.Time { return now }))

	// 没有上一窗口基线时，任意大的首窗口支出都不触发。
	if halted := sw.ObserveSpend(context.Background(), decimal.NewFromInt(1_000_000)); halted {
		t.Fatalf("first window must not halt")
	}

	// 相隔多个空窗口后基线失效，同样不触发。
	now = base.Add(10 * time.Minute)
	if halted := sw.ObserveSpend(context.Background(), decimal.NewFromInt(1_000_000)); halted {
		t.Fatalf("stale baseline must not halt")
	}
}
