/*
Package security provides the secrets-at-rest envelope used to protect
credentials the orchestration core holds on behalf of external
collaborators: the LLM API key and the CVE feed API key.

# Secrets Encryption

SecretsManager encrypts and decrypts secrets with AES-256 in Galois/Counter
Mode (GCM), which provides both confidentiality and tamper detection:

	Plaintext → AES-256-GCM → nonce || ciphertext || tag

Encryption process:

 1. Generate a random 12-byte nonce
 2. Encrypt plaintext with AES-256-GCM
 3. Prepend the nonce to the ciphertext

Decryption reverses the steps and fails closed if the authentication tag
does not match — a corrupted or tampered config file produces an error
rather than garbage key material.

# Usage

	sm, err := security.NewSecretsManagerFromPassword(masterPassphrase)
	ciphertext, err := sm.EncryptSecret([]byte(llmAPIKey))
	// ciphertext is what gets written to the config file on disk
	plaintext, err := sm.DecryptSecret(ciphertext)

# Key Management

The encryption key is either supplied directly (32 bytes, for AES-256) or
derived from a passphrase via SHA-256. Losing the key/passphrase makes any
previously encrypted config value unrecoverable; this package does not
implement key rotation.
*/
package security
