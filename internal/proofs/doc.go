// Package proofs verifies Lightning proofs of payment: the preimage returned
// by a settled payment must hash to the invoice's payment hash before it is
// presented to an L402 server.
package proofs
