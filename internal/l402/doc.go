// Package l402 implements the payment-gated HTTP client. A Chain turns a
// natural-language query into one request against a documented endpoint; when
// the server answers 402 Payment Required with an L402 (or legacy LSAT)
// challenge, the chain pays the invoice through a lightning.Payer and retries
// the request exactly once with the macaroon and preimage as proof.
//
// Every outbound request, including the paid retry, is checked against the
// guard.AllowList first. Challenges and proofs live only for the duration of
// a single call and are never cached.
package l402
