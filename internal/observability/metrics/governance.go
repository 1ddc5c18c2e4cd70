package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

type decisionKey struct {
	outcome  string
	category string
}

type governanceState struct {
	mu               sync.Mutex
	decisions        map[decisionKey]uint64
	decisionLatency  *histogram
	versionConflicts uint64
	escrowStates     map[string]int64
	reconciliations  uint64
	killSwitchHalted bool
	haltCount        uint64
}

var governanceCollector = &governanceState{
	decisions:       make(map[decisionKey]uint64),
	decisionLatency: newHistogram(),
	escrowStates:    make(map[string]int64),
}

// ObserveDecision records the outcome of a spend evaluation and its latency.
func ObserveDecision(outcome, category string, duration time.Duration) {
	governanceCollector.mu.Lock()
	defer governanceCollector.mu.Unlock()
	governanceCollector.decisions[decisionKey{outcome: outcome, category: category}]++
	governanceCollector.decisionLatency.observe(duration.Seconds())
}

// ObserveVersionConflict counts optimistic-lock retries on the budget counters.
func ObserveVersionConflict() {
	governanceCollector.mu.Lock()
	defer governanceCollector.mu.Unlock()
	governanceCollector.versionConflicts++
}

// ObserveEscrowTransition tracks escrow population by state. delta is +1 when a
// handle enters the state and -1 when it leaves.
func ObserveEscrowTransition(state string, delta int64) {
	governanceCollector.mu.Lock()
	defer governanceCollector.mu.Unlock()
	governanceCollector.escrowStates[state] += delta
}

// ObserveReconciliation counts settlement anomalies flagged for manual review.
func ObserveReconciliation() {
	governanceCollector.mu.Lock()
	defer governanceCollector.mu.Unlock()
	governanceCollector.reconciliations++
}

// SetKillSwitch exposes the current global mode as a gauge.
func SetKillSwitch(halted bool) {
	governanceCollector.mu.Lock()
	defer governanceCollector.mu.Unlock()
	if halted && !governanceCollector.killSwitchHalted {
		governanceCollector.haltCount++
	}
	governanceCollector.killSwitchHalted = halted
}

func (g *governanceState) render() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	type decisionMetric struct {
		decisionKey
		value uint64
	}
	decisions := make([]decisionMetric, 0, len(g.decisions))
	for key, value := range g.decisions {
		decisions = append(decisions, decisionMetric{decisionKey: key, value: value})
	}
	sort.Slice(decisions, func(i, j int) bool {
		if decisions[i].outcome == decisions[j].outcome {
			return decisions[i].category < decisions[j].category
		}
		return decisions[i].outcome < decisions[j].outcome
	})

	escrowStates := make([]string, 0, len(g.escrowStates))
	for state := range g.escrowStates {
		escrowStates = append(escrowStates, state)
	}
	sort.Strings(escrowStates)

	var builder strings.Builder
	builder.Grow(1024)

	builder.WriteString("# HELP treasury_decisions_total Total number of spend decisions by outcome.\n")
	builder.WriteString("# TYPE treasury_decisions_total counter\n")
	for _, metric := range decisions {
		builder.WriteString(fmt.Sprintf("treasury_decisions_total{outcome=\"%s\",category=\"%s\"} %d\n",
			escape(metric.outcome), escape(metric.category), metric.value))
	}

	builder.WriteString("# HELP treasury_decision_duration_seconds Spend decision latency in seconds.\n")
	builder.WriteString("# TYPE treasury_decision_duration_seconds histogram\n")
	hist := g.decisionLatency
	for idx, bound := range hist.buckets {
		builder.WriteString(fmt.Sprintf("treasury_decision_duration_seconds_bucket{le=\"%s\"} %d\n",
			formatFloat(bound), hist.counts[idx]))
	}
	builder.WriteString(fmt.Sprintf("treasury_decision_duration_seconds_bucket{le=\"+Inf\"} %d\n", hist.count))
	builder.WriteString(fmt.Sprintf("treasury_decision_duration_seconds_sum %s\n", formatFloat(hist.sum)))
	builder.WriteString(fmt.Sprintf("treasury_decision_duration_seconds_count %d\n", hist.count))

	builder.WriteString("# HELP treasury_budget_version_conflicts_total Optimistic-lock conflicts observed while committing spend.\n")
	builder.WriteString("# TYPE treasury_budget_version_conflicts_total counter\n")
	builder.WriteString(fmt.Sprintf("treasury_budget_version_conflicts_total %d\n", g.versionConflicts))

	builder.WriteString("# HELP treasury_escrow_handles Current escrow handles by state.\n")
	builder.WriteString("# TYPE treasury_escrow_handles gauge\n")
	for _, state := range escrowStates {
		builder.WriteString(fmt.Sprintf("treasury_escrow_handles{state=\"%s\"} %d\n",
			escape(state), g.escrowStates[state]))
	}

	builder.WriteString("# HELP treasury_reconciliation_anomalies_total Settlements flagged for manual reconciliation.\n")
	builder.WriteString("# TYPE treasury_reconciliation_anomalies_total counter\n")
	builder.WriteString(fmt.Sprintf("treasury_reconciliation_anomalies_total %d\n", g.reconciliations))

	halted := 0
	if g.killSwitchHalted {
		halted = 1
	}
	builder.WriteString("# HELP treasury_kill_switch_halted Whether the global kill switch is engaged.\n")
	builder.WriteString("# TYPE treasury_kill_switch_halted gauge\n")
	builder.WriteString(fmt.Sprintf("treasury_kill_switch_halted %d\n", halted))

	builder.WriteString("# HELP treasury_kill_switch_halts_total Number of times the kill switch engaged.\n")
	builder.WriteString("# TYPE treasury_kill_switch_halts_total counter\n")
	builder.WriteString(fmt.Sprintf("treasury_kill_switch_halts_total %d\n", g.haltCount))

	return builder.String()
}
