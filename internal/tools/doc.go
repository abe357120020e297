// Package tools declares the typed tool catalog the agent executor can invoke.
//
// Every tool is registered once at startup with a name, a JSON schema
// reflected from its Go input type, and an invoke function. Inputs are
// validated against the schema before the tool runs; a mismatch is a
// TOOL_INPUT_INVALID error that the agent records as an observation.
package tools
