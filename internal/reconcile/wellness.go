package reconcile

import (
	"regexp"
	"strings"
)

var (
	instructorSuffix = regexp.MustCompile(`(?i)\s+with\s+(.+?)\s*(?:[-|].*)?$`)
	instructorLine   = regexp.MustCompile(`(?im)^\s*instructor\s*:\s*([^\n,]+)`)
	categoryLine     = regexp.MustCompile(`(?im)^\s*category\s*:\s*([^\n,]+)`)
)

type wellnessDetails struct {
	Title      string
	Category   string
	Instructor string
}

// parseWellnessTitle reads "Category - Title with Instructor" summaries.
// Description lines "instructor: X" and "category: Y" take precedence.
func parseWellnessTitle(summary, description string) wellnessDetails {
	details := wellnessDetails{Title: strings.TrimSpace(summary)}

	if category, rest, found := strings.Cut(details.Title, " - "); found {
		details.Category = strings.TrimSpace(category)
		details.Title = strings.TrimSpace(rest)
	}
	if match := instructorSuffix.FindStringSubmatchIndex(details.Title); match != nil {
		details.Instructor = strings.TrimSpace(details.Title[match[2]:match[3]])
		details.Title = strings.TrimSpace(details.Title[:match[0]])
	}

	if match := instructorLine.FindStringSubmatch(description); match != nil {
		details.Instructor = strings.TrimSpace(match[1])
	}
	if match := categoryLine.FindStringSubmatch(description); match != nil {
		details.Category = strings.TrimSpace(match[1])
	}
	return details
}

func formatWellnessTitle(category, title, instructor string) string {
	formatted := strings.TrimSpace(title)
	if instructor = strings.TrimSpace(instructor); instructor != "" && instructor != defaultInstructor {
		formatted += " with " + instructor
	}
	if category = strings.TrimSpace(category); category != "" {
		formatted = category + " - " + formatted
	}
	return formatted
}
