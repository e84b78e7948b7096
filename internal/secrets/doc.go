// Package secrets redacts credentials from event summaries before they are
// written to shared memory documents.
//
// A built-in regex rule set always runs. When enabled, the Gitleaks default
// ruleset runs as a second pass. Allowlist patterns come from configuration
// and from the repository's .gitleaks.toml [allowlist] table.
package secrets
