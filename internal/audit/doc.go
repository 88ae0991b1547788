// Package audit emits structured records of authentication failures,
// access decisions, MNPI grants and denials, and configuration reloads.
//
// Events are written as JSON lines for a log collector. The package does
// not persist or ship them anywhere itself.
package audit
