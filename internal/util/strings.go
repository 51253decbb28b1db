package util

// SafeTruncate safely truncates a string to maxLen characters without panicking.
// Returns the original string if it's shorter than maxLen, otherwise returns
// the first maxLen characters. This prevents index out of bounds errors when
// logging sensitive data like tokens, where only a prefix should be shown.
//
// If maxLen is negative, it's treated as 0 and returns an empty string.
//
// Example:
//
//	SafeTruncate("very-long-token-abc123", 8) // Returns: "very-lon"
//	SafeTruncate("short", 10)                  // Returns: "short"
//	SafeTruncate("test", -1)                   // Returns: ""
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// TokenLogLength is the number of token characters that may appear in logs.
const TokenLogLength = 8

// TokenPrefix renders a token for logging as its first TokenLogLength
// characters followed by "...". Empty tokens render as "".
func TokenPrefix(token string) string {
	if token == "" {
		return ""
	}
	return SafeTruncate(token, TokenLogLength) + "..."
}
