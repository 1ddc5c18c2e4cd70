package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	xerrors "AgentTreasury/internal/errors"
)

func testLimits() LimitSet {
	return NewLimitSet([]LimitRule{
		{Category: "compute", Period: PeriodDaily, Limit: decimal.NewFromInt(100)},
		{Category: "compute", Period: PeriodMonthly, Limit: decimal.NewFromInt(1000)},
	})
}

func testRecord(id string) *TransactionRecord {
	return &TransactionRecord{
		ID:                id,
		RequestingAgentID: "agent-1",
		Category:          "compute",
		Amount:            decimal.NewFromInt(10),
		Currency:          "USD",
		ProjectedROI:      2.0,
		RiskScore:         0.2,
		Approved:          true,
		Reason:            "approved",
		CreatedAt:         time.Now().Unix(),
		DecidedAt:         time.Now().Unix(),
	}
}

func TestReserveAndCommit(t *testing.T) {
	store := NewMemoryStore(testLimits())
	now := time.Now()

	res, err := store.Reserve(context.Background(), "compute", decimal.NewFromInt(10), now)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if len(res.Snapshots) != 2 {
		t.Fatalf("expected snapshots for both periods, got %d", len(res.Snapshots))
	}

	committed, err := store.Commit(context.Background(), res, testRecord("tx-1"))
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if committed.ID != "tx-1" {
		t.Fatalf("unexpected record %+v", committed)
	}

	counters, err := store.Counters(context.Background(), "compute", now)
	if err != nil {
		t.Fatalf("counters: %v", err)
	}
	for _, c := range counters {
		if !c.Spent.Equal(decimal.NewFromInt(10)) {
			t.Fatalf("period %s spent %s, want 10", c.Period, c.Spent)
		}
		if c.Version != 2 {
			t.Fatalf("period %s version %d, want 2", c.Period, c.Version)
		}
	}
}

func TestReserveRejectsOverBudget(t *testing.T) {
	store := NewMemoryStore(testLimits())
	now := time.Now()

	_, err := store.Reserve(context.Background(), "compute", decimal.NewFromInt(101), now)
	if !errors.Is(err, ErrBudgetExceeded) {
		t.Fatalf("expected ErrBudgetExceeded, got %v", err)
	}
	xerr, ok := xerrors.From(err)
	if !ok || xerr.Message() != "exceeds daily budget" {
		t.Fatalf("unexpected rejection message: %v", err)
	}
}

func TestReserveUnknownCategory(t *testing.T) {
	store := NewMemoryStore(testLimits())
	if _, err := store.Reserve(context.Background(), "nope", decimal.NewFromInt(1), time.Now()); !errors.Is(err, ErrNoBudgetRule) {
		t.Fatalf("expected ErrNoBudgetRule, got %v", err)
	}
}

func TestCommitStaleVersionConflicts(t *testing.T) {
	store := NewMemoryStore(testLimits())
	now := time.Now()

	first, err := store.Reserve(context.Background(), "compute", decimal.NewFromInt(10), now)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	second, err := store.Reserve(context.Background(), "compute", decimal.NewFromInt(10), now)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}

	if _, err := store.Commit(context.Background(), first, testRecord("tx-1")); err != nil {
		t.Fatalf("first commit: %v", err)
	}
	if _, err := store.Commit(context.Background(), second, testRecord("tx-2")); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("stale commit must conflict, got %v", err)
	}

	// 重新预留后提交成功。
	retry, err := store.Reserve(context.Background(), "compute", decimal.NewFromInt(10), now)
	if err != nil {
		t.Fatalf("re-reserve: %v", err)
	}
	if _, err := store.Commit(context.Background(), retry, testRecord("tx-2")); err != nil {
		t.Fatalf("retry commit: %v", err)
	}
}

func TestCommitDuplicateRecord(t *testing.T) {
	store := NewMemoryStore(testLimits())
	now := time.Now()

	res, err := store.Reserve(context.Background(), "compute", decimal.NewFromInt(10), now)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if _, err := store.Commit(context.Background(), res, testRecord("tx-1")); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := store.Append(context.Background(), testRecord("tx-1")); !errors.Is(err, ErrRecordExists) {
		t.Fatalf("duplicate id must fail, got %v", err)
	}
}

func TestSpentNeverExceedsLimitUnderLoad(t *testing.T) {
	limits := NewLimitSet([]LimitRule{
		{Category: "compute", Period: PeriodDaily, Limit: decimal.NewFromInt(100)},
	})
	store := NewMemoryStore(limits)
	now := time.Now()

	// 40 个并发请求各 10，总和远超 100：至多 10 个提交成功。
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for attempt := 0; attempt < 50; attempt++ {
				res, err := store.Reserve(context.Background(), "compute", decimal.NewFromInt(10), now)
				if err != nil {
					return // budget exhausted
				}
				_, err = store.Commit(context.Background(), res, testRecord(fmt.Sprintf("tx-%d", i)))
				if err == nil || !errors.Is(err, ErrVersionConflict) {
					return
				}
			}
		}(i)
	}
	wg.Wait()

	counters, err := store.Counters(context.Background(), "compute", now)
	if err != nil {
		t.Fatalf("counters: %v", err)
	}
	if counters[0].Spent.GreaterThan(counters[0].Limit) {
		t.Fatalf("spent %s exceeds limit %s", counters[0].Spent, counters[0].Limit)
	}
	if !counters[0].Spent.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("expected budget fully used, spent %s", counters[0].Spent)
	}
}

func TestWindowRollover(t *testing.T) {
	store := NewMemoryStore(testLimits())
	day1 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	day2 := day1.AddDate(0, 0, 1)

	res, err := store.Reserve(context.Background(), "compute", decimal.NewFromInt(100), day1)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if _, err := store.Commit(context.Background(), res, testRecord("tx-1")); err != nil {
		t.Fatalf("commit: %v", err)
	}

	// 第二天日预算重置，月预算延续。
	if _, err := store.Reserve(context.Background(), "compute", decimal.NewFromInt(100), day2); err != nil {
		t.Fatalf("next-day reserve should succeed: %v", err)
	}
	counters, err := store.Counters(context.Background(), "compute", day2)
	if err != nil {
		t.Fatalf("counters: %v", err)
	}
	for _, c := range counters {
		switch c.Period {
		case PeriodDaily:
			if !c.Spent.IsZero() {
				t.Fatalf("daily counter must reset, spent %s", c.Spent)
			}
		case PeriodMonthly:
			if !c.Spent.Equal(decimal.NewFromInt(100)) {
				t.Fatalf("monthly counter must carry over, spent %s", c.Spent)
			}
		}
	}

	// 旧窗口计数器归档保留。
	old, err := store.Counters(context.Background(), "compute", day1)
	if err != nil {
		t.Fatalf("archived counters: %v", err)
	}
	if !old[0].Spent.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("archived daily counter lost, spent %s", old[0].Spent)
	}
}

func TestListRecordsFilters(t *testing.T) {
	store := NewMemoryStore(testLimits())

	rejected := testRecord("tx-r")
	rejected.Approved = false
	rejected.Reason = "ROI below hurdle rate"
	rejected.DecidedAt = 100
	if err := store.Append(context.Background(), rejected); err != nil {
		t.Fatalf("append: %v", err)
	}
	approved := testRecord("tx-a")
	approved.DecidedAt = 200
	if err := store.Append(context.Background(), approved); err != nil {
		t.Fatalf("append: %v", err)
	}
	other := testRecord("tx-o")
	other.RequestingAgentID = "agent-2"
	other.DecidedAt = 300
	if err := store.Append(context.Background(), other); err != nil {
		t.Fatalf("append: %v", err)
	}

	yes := true
	records, err := store.ListRecords(context.Background(), ListOptions{Approved: &yes, AgentID: "agent-1"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 1 || records[0].ID != "tx-a" {
		t.Fatalf("unexpected records %+v", records)
	}

	// 默认按决策时间倒序。
	all, err := store.ListRecords(context.Background(), ListOptions{})
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 || all[0].ID != "tx-o" || all[2].ID != "tx-r" {
		t.Fatalf("unexpected order: %v", ids(all))
	}

	page, err := store.ListRecords(context.Background(), ListOptions{Limit: 1, Offset: 1})
	if err != nil {
		t.Fatalf("page: %v", err)
	}
	if len(page) != 1 || page[0].ID != "tx-a" {
		t.Fatalf("unexpected page: %v", ids(page))
	}
}

func ids(records []*TransactionRecord) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.ID
	}
	return out
}

func TestAgentHistory(t *testing.T) {
	store := NewMemoryStore(testLimits())

	approved := testRecord("tx-1")
	if err := store.Append(context.Background(), approved); err != nil {
		t.Fatalf("append: %v", err)
	}
	rejected := testRecord("tx-2")
	rejected.Approved = false
	if err := store.Append(context.Background(), rejected); err != nil {
		t.Fatalf("append: %v", err)
	}

	history, err := store.AgentHistory(context.Background(), "agent-1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if history.TotalRequests != 2 || history.Approved != 1 || history.Rejected != 1 {
		t.Fatalf("unexpected history %+v", history)
	}
	if !history.TotalAmount.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("unexpected total %s", history.TotalAmount)
	}
}

func TestWindowFor(t *testing.T) {
	// 2026-03-04 是周三。
	at := time.Date(2026, 3, 4, 15, 30, 0, 0, time.UTC)

	start, end := WindowFor(PeriodDaily, at)
	if !start.Equal(time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC)) || !end.Equal(time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("daily window %v..%v", start, end)
	}

	start, end = WindowFor(PeriodWeekly, at)
	if !start.Equal(time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)) || !end.Equal(time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("weekly window %v..%v", start, end)
	}

	// 周日属于上一周的窗口。
	sunday := time.Date(2026, 3, 8, 12, 0, 0, 0, time.UTC)
	start, _ = WindowFor(PeriodWeekly, sunday)
	if !start.Equal(time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("sunday weekly start %v", start)
	}

	start, end = WindowFor(PeriodMonthly, at)
	if !start.Equal(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)) || !end.Equal(time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("monthly window %v..%v", start, end)
	}
}
