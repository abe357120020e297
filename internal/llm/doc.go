// Package llm contains adapters for invoking large language models. The rest
// of the runtime treats the model as a slow, occasionally malformed
// `(prompt) -> text` function; every call site validates the returned text
// against the shape it expects.
package llm
