// Package util provides small helpers shared by the grant core packages.
//
// Key utilities:
//   - SafeTruncate: Safely truncates strings for logging sensitive data
//   - TokenPrefix: Renders a token as a short log-safe prefix
package util
