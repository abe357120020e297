// Package guard implements the domain allow-list consulted by the L402
// payment chain before every outbound request.
package guard
