// Package audit publishes the append-only event stream consumed by external
// compliance tooling: every decision, every escrow transition, and every
// kill switch change.
package audit
