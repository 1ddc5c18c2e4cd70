// Package ledger is the single source of truth for agent spend. It keeps
// per-category budget counters for daily, weekly, and monthly windows and
// guards every mutation with an optimistic version check so that two
// concurrent approvals can never both fit into the last slice of a budget.
// Transaction records are append-only; corrections are compensating
// records, never in-place edits.
package ledger
