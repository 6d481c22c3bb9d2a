// Package logins implements the encrypted login store engine.
//
// An Engine is bound to one SQLite file and one encryption key. Passwords are
// sealed with XChaCha20-Poly1305 under a key derived from the store key with
// Argon2id; the salt and a key check value live in the database itself.
//
// Sync exchanges records with a remote storage server. A tokenserver trades
// the caller's OAuth access token for storage credentials, records travel as
// AES-256-CBC ciphertext authenticated with HMAC-SHA256 under a KeyBundle
// derived from the account's sync key, and requests are signed with Hawk.
package logins
