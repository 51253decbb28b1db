// Package testutil provides fixtures shared by the grant core tests: random
// tokens, ready-made codes and grants, and a silent logger.
package testutil
