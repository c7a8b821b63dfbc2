// Package disposition decides whether a finished transfer ends as completed or disposed
// from the media custodian's answers.
package disposition

import (
	"fmt"
	"strings"

	"aftflow/internal/domain"
)

// Answer is a tri-state custodian response.
type Answer string

const (
	Yes Answer = "yes"
	No  Answer = "no"
	NA  Answer = "na"
)

// Answers lists every accepted value.
var Answers = []Answer{Yes, No, NA}

func ParseAnswer(s string) (Answer, error) {
	switch a := Answer(strings.ToLower(strings.TrimSpace(s))); a {
	case Yes, No, NA:
		return a, nil
	}
	return "", fmt.Errorf("invalid answer %q", s)
}

// Resolve maps the three answers to a final status: disposed when optical media was
// destroyed or the SSD was sanitized and no optical media was retained. Every other
// combination, including unclear ones, resolves to completed.
func Resolve(opticalDestroyed, opticalRetained, ssdSanitized Answer) domain.Status {
	if opticalRetained == Yes {
		return domain.StatusCompleted
	}
	if opticalDestroyed == Yes || ssdSanitized == Yes {
		return domain.StatusDisposed
	}
	return domain.StatusCompleted
}
