// Package auth provides API key validation, per-client rate limiting,
// and the HTTP middleware that enforces both for the council server.
package auth

import (
	"crypto/subtle"
	"os"
)

// DefaultEnvVar names the environment variable the server reads its
// API key from when the config file does not set one.
const DefaultEnvVar = "COUNCIL_API_KEY"

// ValidateKey compares the provided key against the expected key in
// constant time. An empty expected key never matches.
func ValidateKey(provided, expected string) bool {
	if expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) == 1
}

// KeyFromEnv reads the API key from DefaultEnvVar. Returns an empty
// string when unset.
func KeyFromEnv() string {
	return os.Getenv(DefaultEnvVar)
}
