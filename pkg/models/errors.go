package models

import "strings"

// StandardizedErrorMessage is the only error text the user ever sees. Any
// path that would otherwise leak a technical error substitutes this string.
const StandardizedErrorMessage = "The AI service encountered an error while processing your request. Please try again in a moment."

// legacyErrorPrefix marks error responses produced by older releases that
// may still sit in chat history.
const legacyErrorPrefix = "[ERROR"

// IsServerErrorResponse reports whether an aggregated assistant response is
// a server-side error message rather than real model output. Such turns are
// never billed for LLM tokens.
func IsServerErrorResponse(content string) bool {
	return content == StandardizedErrorMessage || strings.HasPrefix(content, legacyErrorPrefix)
}
