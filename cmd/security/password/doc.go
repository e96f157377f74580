// Package password hashes and verifies chatd account passwords.
//
// New hashes are Argon2id in the PHC string form. Stored bcrypt hashes
// still verify but are never produced. Verify treats the stored string as
// untrusted and refuses parameters far above the configured cost.
package password
