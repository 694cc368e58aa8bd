// Package security provides AES-256-GCM encryption for data the orchestrator
// keeps out of the clear. In use, a team's opaque shared-context blob is
// encrypted before it reaches the Store. Helpers for the gateway auth token
// exist too, but nothing in the orchestrator persists that token.
//
// A SecretsManager is built either from a raw 32-byte key or from a password
// hashed with SHA-256. Encryption prepends a random 12-byte nonce to the
// ciphertext; decryption fails closed on tampering, wrong key or truncated
// input, since GCM is an authenticated mode.
//
// DeriveKeyFromInstanceID lets a redeployed orchestrator instance recompute
// the same key from its stable instance ID rather than persisting the key
// separately, at the cost of that ID being as sensitive as the key itself.
package security
