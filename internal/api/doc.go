// Package api exposes the REST surface of the treasury daemon: transaction
// submission and lookup, peer settlements, and operator controls for the
// kill switch.
package api
