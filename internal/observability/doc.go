// Package observability owns topoctl's Prometheus collectors.
//
// Ownership boundary:
// - frame, discovery and run collectors under the topoctl namespace
//
// - the /metrics endpoint
package observability
