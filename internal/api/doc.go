// Package api exposes the REST surface of the agent: the synchronous question
// endpoint, asynchronous question tasks, the payment ledger, health and
// Prometheus metrics.
package api
