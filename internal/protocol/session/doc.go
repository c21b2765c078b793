// Package session owns the client side of one coordinator connection.
//
// Ownership boundary:
// - dial with retry/backoff
// - read/write deadlines derived from config and context
// - init handshake, topology hand-off and close wait
//
// A Conn carries one frame buffer and is not safe for concurrent receives.
package session
