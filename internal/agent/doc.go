// Package agent contains the bounded plan/act/observe executor that answers a
// question by letting the language model choose tools from a static registry.
// Each run is an explicit state machine whose length is capped by the
// configured maximum number of iterations.
package agent
