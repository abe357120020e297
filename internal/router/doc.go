// Package router classifies a question into one of five intents and
// dispatches it to the handler registered for that intent.
package router
