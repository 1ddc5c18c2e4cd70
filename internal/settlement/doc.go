// Package settlement implements the four-phase handshake used when spend
// involves an external peer: verify the signed request, negotiate an escrow
// lock, execute under a hard timeout, and settle by pairing the escrow
// release with exactly one committed ledger record. Unpaired releases are
// flagged for reconciliation rather than silently absorbed.
package settlement
