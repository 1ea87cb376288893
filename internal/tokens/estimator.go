// Package tokens provides heuristic token estimation and cost accounting.
// Estimates are deliberately tokenizer-free: one token per EstimateFactor
// characters, with the backend's countTokens call as the only precise
// override.
package tokens

// EstimateFactor is the characters-per-token heuristic divisor.
const EstimateFactor = 4

// ContextWindowLimit is a soft limit used for usage visualization. It is not
// the model's real context window.
const ContextWindowLimit = 1_000_000

// Estimate returns the estimated token count for text. Empty text estimates
// to zero; the result is never negative.
func Estimate(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + EstimateFactor - 1) / EstimateFactor
}

// EstimateFiles sums the estimates over a set of file contents.
func EstimateFiles(contents []string) int {
	total := 0
	for _, c := range contents {
		total += Estimate(c)
	}
	return total
}

// Cost converts a token count into a monetary amount given a per-million
// price. Input-priced and output-priced pools are costed separately by the
// caller.
func Cost(tokenCount int, pricePerMillion float64) float64 {
	return float64(tokenCount) / 1_000_000 * pricePerMillion
}
