package report

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	// ErrMalformed means the model output is not a JSON object.
	ErrMalformed = errors.New("report: malformed model output")
	// ErrInvalid means the JSON object lacks a required field or has a field
	// of the wrong type.
	ErrInvalid = errors.New("report: invalid report")
)

var (
	leadingNoise  = regexp.MustCompile(`^[^{]*`)
	trailingNoise = regexp.MustCompile(`[^}]*$`)
)

// Finding is one insight of a report. Models sometimes return findings as
// bare strings; those only carry a summary.
type Finding struct {
	Summary     string `json:"summary"`
	Explanation string `json:"explanation"`
}

// Report is the structured summary of one community.
type Report struct {
	Title             string    `json:"title"`
	Summary           string    `json:"summary"`
	Rating            float64   `json:"rating"`
	RatingExplanation string    `json:"rating_explanation"`
	Findings          []Finding `json:"findings"`
	Entities          []string  `json:"entities"`
}

// cleanOutput cuts everything before the first and after the last brace
// and collapses doubled braces left over from the prompt template.
func cleanOutput(text string) string {
	text = leadingNoise.ReplaceAllString(text, "")
	text = trailingNoise.ReplaceAllString(text, "")
	text = strings.ReplaceAll(text, "{{", "{")
	return strings.ReplaceAll(text, "}}", "}")
}

// ParseReport extracts a Report from raw model output. It returns an error
// wrapping ErrMalformed when the text holds no JSON object and one wrapping
// ErrInvalid when required fields are missing or mistyped. Entities is left
// empty.
func ParseReport(text string) (Report, error) {
	var raw map[string]any
	if err := json.Unmarshal([]byte(cleanOutput(text)), &raw); err != nil {
		return Report{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	var r Report
	var ok bool
	if r.Title, ok = raw["title"].(string); !ok {
		return Report{}, fmt.Errorf("%w: title must be a string", ErrInvalid)
	}
	if r.Summary, ok = raw["summary"].(string); !ok {
		return Report{}, fmt.Errorf("%w: summary must be a string", ErrInvalid)
	}
	findings, ok := raw["findings"].([]any)
	if !ok {
		return Report{}, fmt.Errorf("%w: findings must be a list", ErrInvalid)
	}
	if r.Rating, ok = raw["rating"].(float64); !ok {
		return Report{}, fmt.Errorf("%w: rating must be a number", ErrInvalid)
	}
	if r.RatingExplanation, ok = raw["rating_explanation"].(string); !ok {
		return Report{}, fmt.Errorf("%w: rating_explanation must be a string", ErrInvalid)
	}

	r.Findings = make([]Finding, 0, len(findings))
	for _, f := range findings {
		switch v := f.(type) {
		case string:
			r.Findings = append(r.Findings, Finding{Summary: v})
		case map[string]any:
			r.Findings = append(r.Findings, Finding{
				Summary:     stringField(v, "summary"),
				Explanation: stringField(v, "explanation"),
			})
		default:
			r.Findings = append(r.Findings, Finding{Summary: fmt.Sprint(v)})
		}
	}
	return r, nil
}

func stringField(m map[string]any, key string) string {
	switch v := m[key].(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

// RenderText renders a report as markdown: the title, the summary and one
// section per finding.
func RenderText(r Report) string {
	title := r.Title
	if title == "" {
		title = "Report"
	}
	sections := make([]string, 0, len(r.Findings))
	for _, f := range r.Findings {
		sections = append(sections, fmt.Sprintf("## %s\n\n%s", f.Summary, f.Explanation))
	}
	return fmt.Sprintf("# %s\n\n%s\n\n%s", title, r.Summary, strings.Join(sections, "\n\n"))
}
