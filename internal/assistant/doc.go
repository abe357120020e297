// Package assistant is the single entry point that turns a question into an
// answer. In router mode it classifies the question and dispatches it to the
// node agent, the paid API chain or one of the static responders; in agent
// mode one agent with every tool handles the question. Errors are converted
// into a structured failure answer.
package assistant
