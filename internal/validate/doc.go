// Package validate scores finished executions against weighted criteria and
// decides whether a failed run deserves another attempt.
package validate
