// Package security decides whether a command may run and whether it needs
// the operator's confirmation first.
//
// The Validator combines three checks:
//
//   - allow-list membership of every executable in the line (strict mode rejects misses)
//   - danger heuristics that always force confirmation
//   - restricted and read-only path prefixes
//
// Validation is pure: the same command and policy always produce the same
// Verdict, and nothing touches the network or the filesystem.
package security
