// Package mysql provides the MySQL connection pool, the embedded schema
// migrations, and the payment ledger. The ledger records every L402 payment
// attempt (never its preimage) either in MySQL or, for single-node setups, in
// an append-only JSON lines file.
package mysql
