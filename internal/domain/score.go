package domain

// SelectionScore ranks candidates for arbitration. See the package
// documentation for the formula.
func SelectionScore(c LocationCandidate) float64 {
	score := c.Confidence * 50

	switch c.Accuracy {
	case AccuracyPrecise:
		score += 30
	case AccuracyCity:
		score += 20
	case AccuracyRegion:
		score += 10
	case AccuracyCountry:
		score += 5
	}

	for _, field := range []string{c.City, c.State, c.Country, c.Timezone} {
		if field != "" {
			score += 5
		}
	}
	return score
}
