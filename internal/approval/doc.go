// Package approval implements the spend decision procedure. Rules run in a
// fixed order (kill switch, budget, ROI hurdle, risk ceiling) and the first
// failing rule wins. Approvals are committed to the ledger under optimistic
// concurrency with bounded retries, and every outcome is signed and bound
// to the reasoning that produced it.
package approval
