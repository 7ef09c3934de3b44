// Package config loads scanorc's runtime configuration from an optional
// YAML file plus environment-variable overrides, following the
// teacher's flag/env wiring but collapsed into a single Load entry
// point since scanorc has one binary and no per-subcommand flag set to
// thread values through.
//
// Precedence, low to high: built-in defaults, the YAML file (if
// present), environment variables. Every field except the encrypted
// API key credentials has an environment variable; the YAML file exists for operators who prefer a checked-in
// file over an env-var-per-field deployment.
//
// LLM and CVE-feed API keys are the only secrets this package handles.
// When present in the YAML file they are expected pre-encrypted via
// pkg/security's SecretsManager, decrypted at Load time using the
// passphrase from SCANORC_SECRETS_PASSPHRASE. Supplying either key as
// plaintext through its environment variable instead skips decryption
// entirely — useful for local development, not recommended in
// production.
package config
