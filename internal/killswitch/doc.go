// Package killswitch provides the global circuit breaker for all financial
// activity. Once halted, only an authorized operator can bring the system
// back; it never resumes on its own.
package killswitch
