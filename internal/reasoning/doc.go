// Package reasoning stores the "why" behind every financial decision. Each
// entry is hashed over a canonical serialization so identical contexts
// always produce identical hashes and any tampering is detectable.
package reasoning
