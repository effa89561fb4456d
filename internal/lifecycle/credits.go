package lifecycle

import (
	"fmt"

	"github.com/example/flexpress-matching/internal/api"
)

// InsufficientCreditsError blocks trip confirmation before any request is
// made.
type InsufficientCreditsError struct {
	Have int
	Need int
}

func (e *InsufficientCreditsError) Deficit() int { return e.Need - e.Have }

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("Te faltan %d créditos", e.Deficit())
}

func (e *InsufficientCreditsError) Kind() api.Kind { return api.KindBusiness }

// CheckCredits returns an *InsufficientCreditsError when have < need.
func CheckCredits(have, need int) error {
	if have < need {
		return &InsufficientCreditsError{Have: have, Need: need}
	}
	return nil
}
