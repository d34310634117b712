// Package client provides the `corvee` command-line client.
//
// The CLI talks to the corvee HTTP API to perform account and
// administration tasks from a terminal.
//
// The HTTP base URL is discovered by the application that embeds the
// commands via a BaseURLFunc. The standalone binary defaults to
// http://127.0.0.1:8080 and honors CORVEE_API. Authenticated commands
// read the session token from --session or CORVEE_SESSION; obtain one
// with `corvee login`.
//
// Usage
//
//	corvee login --username admin
//	corvee user add --username alice
//	corvee user list
//	corvee admin stats
//	corvee admin scan
//	corvee admin locked
//	corvee admin unlock --project plantA --machine doc1 --page 3
package client
