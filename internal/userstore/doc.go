// Package userstore manages worker accounts, sessions, and the
// per-user contribution counter.
//
// Keyspace:
//
//	user/{username} - user record (JSON)
//	sess/{token}    - session token to username
//
// Passwords are hashed with bcrypt. Records that still carry a legacy
// hex SHA-256 hash are upgraded to bcrypt transparently on the next
// successful login.
package userstore
