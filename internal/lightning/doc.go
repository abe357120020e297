// Package lightning defines the node connection consumed by the tool adapter
// and the L402 payment chain: domain types for node state, the Node and Payer
// interfaces, and the coded NodeError/PaymentError taxonomy. The lnd
// subpackage implements both interfaces over LND's gRPC API.
package lightning
