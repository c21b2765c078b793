// Package discovery owns the topology crawl.
//
// Ownership boundary:
// - breadth-first traversal over query/neighbors exchanges
// - visited-set and topology bookkeeping for one run
// - run state machine and observer notifications
//
// Queries are written as nodes are enqueued and responses are consumed in
// send order. The coordinator answers in order, so the queue head is always
// the node the next neighbors message describes; msg_id is never used for
// correlation.
package discovery
