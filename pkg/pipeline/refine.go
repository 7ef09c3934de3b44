package pipeline

import "fmt"

// maxRefinements is R from the validation-retry loop: the number of
// refinements tried after the first generation. A template whose first
// version and all R refinements fail validation (R+1 failures in a row)
// is marked invalid_max_retries and abandoned.
const maxRefinements = 3

// buildRefinementFeedback assembles the prompt feedback for a refinement
// attempt from the previous template body and its validation diagnostic.
func buildRefinementFeedback(previousBody []byte, diagnostic string) string {
	return fmt.Sprintf("Previous template:\n%s\nValidation diagnostic: %s", previousBody, diagnostic)
}
