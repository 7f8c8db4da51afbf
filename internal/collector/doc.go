// Package collector defines the shared types, capability boundaries, and
// error taxonomy used by the collection resilience pipeline. Every other
// internal package depends on it; it depends on nothing but the standard
// library.
package collector
