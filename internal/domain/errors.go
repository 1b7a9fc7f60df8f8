package domain

import "strings"

// ValidationError lists every problem found in an operator-supplied payload
type ValidationError struct {
	Subject  string
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid " + e.Subject + ": " + strings.Join(e.Problems, "; ")
}

// Add records a problem
func (e *ValidationError) Add(problem string) {
	e.Problems = append(e.Problems, problem)
}

// Err returns e when it holds problems, nil otherwise
func (e *ValidationError) Err() error {
	if len(e.Problems) == 0 {
		return nil
	}
	return e
}
