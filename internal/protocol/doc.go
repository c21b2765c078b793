// Package protocol owns the coordinator wire contract.
//
// Ownership boundary:
// - message model and kinds
// - JSON object encoding/decoding of one message
// - error kinds shared by framing, session and discovery
//
// Node ids are restricted to ASCII letters and digits. The frame splitter in
// package frame relies on no string field ever containing "}{".
package protocol
