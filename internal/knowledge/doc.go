// Package knowledge serves static Bitcoin and Lightning Network reference
// snippets that the knowledge responder adds to its prompt.
package knowledge
