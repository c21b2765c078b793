// Package tools provides host command helpers.
//
// Ownership boundary:
// - command execution behind CommandRunner
//
// - exit status and stderr capture for callers that shell out
package tools
