package classifier

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/V4T54L/chatwatch/internal/domain"
)

// verdict mirrors the JSON the prompt asks for. Pointers distinguish a
// missing field from a zero value.
type verdict struct {
	ToxicityScore    *float64 `json:"toxicity_score"`
	SpamProbability  *float64 `json:"spam_probability"`
	Sentiment        string   `json:"sentiment"`
	Categories       []string `json:"categories"`
	RequiresAction   *bool    `json:"requires_action"`
	ActionType       string   `json:"action_type"`
	Reasoning        string   `json:"reasoning"`
	KeywordsDetected []string `json:"keywords_detected"`
}

func (v verdict) analysis() domain.Analysis {
	a := domain.Analysis{
		Sentiment:        v.Sentiment,
		Categories:       v.Categories,
		ActionType:       v.ActionType,
		Reasoning:        v.Reasoning,
		KeywordsDetected: v.KeywordsDetected,
	}
	if v.ToxicityScore != nil {
		a.ToxicityScore = *v.ToxicityScore
	}
	if v.SpamProbability != nil {
		a.SpamProbability = *v.SpamProbability
	}
	if v.RequiresAction != nil {
		a.RequiresAction = *v.RequiresAction
	}
	if a.Reasoning == "" {
		a.Reasoning = "no reasoning provided"
	}
	return a
}

var (
	trailingComma = regexp.MustCompile(`,(\s*[}\]])`)
	unquotedKey   = regexp.MustCompile(`([{,]\s*)([A-Za-z_][A-Za-z0-9_]*)(\s*:)`)
	pyBool        = regexp.MustCompile(`:\s*(True|False|None)\b`)

	toxicityField = regexp.MustCompile(`(?i)toxicity[_\s]*score["']?\s*[:=]\s*([0-9]*\.?[0-9]+)`)
	spamField     = regexp.MustCompile(`(?i)spam[_\s]*probability["']?\s*[:=]\s*([0-9]*\.?[0-9]+)`)
	sentimentWord = regexp.MustCompile(`(?i)sentiment["']?\s*[:=]\s*["']?(positive|neutral|negative)`)
	actionField   = regexp.MustCompile(`(?i)requires[_\s]*action["']?\s*[:=]\s*(true|false)`)
	actionType    = regexp.MustCompile(`(?i)action[_\s]*type["']?\s*[:=]\s*["']?(ignore|warn|timeout|ban|protect)`)
)

// parseVerdict turns a model reply into an analysis. It tries, in order: the
// JSON object as returned, the object after repairing common mistakes, and
// a field-by-field reconstruction from the text. ok is false when none of
// them produced anything usable.
func parseVerdict(reply string) (domain.Analysis, bool) {
	body := extractObject(reply)
	if a, ok := decode(body); ok {
		return a, true
	}
	if a, ok := decode(repair(body)); ok {
		return a, true
	}
	return reconstruct(reply)
}

// extractObject strips markdown fences and returns the outermost {...} span.
func extractObject(text string) string {
	text = strings.ReplaceAll(text, "```json", "")
	text = strings.ReplaceAll(text, "```", "")
	text = strings.TrimSpace(text)

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return text
	}
	return text[start : end+1]
}

func decode(body string) (domain.Analysis, bool) {
	var v verdict
	if err := json.Unmarshal([]byte(body), &v); err != nil {
		return domain.Analysis{}, false
	}
	return v.analysis(), true
}

// repair fixes the mistakes small models make most often: trailing commas,
// unquoted keys, single quotes and Python literals.
func repair(body string) string {
	body = trailingComma.ReplaceAllString(body, "$1")
	body = strings.ReplaceAll(body, "'", `"`)
	body = unquotedKey.ReplaceAllString(body, `$1"$2"$3`)
	body = pyBool.ReplaceAllStringFunc(body, func(m string) string {
		switch {
		case strings.HasSuffix(m, "True"):
			return strings.TrimSuffix(m, "True") + "true"
		case strings.HasSuffix(m, "False"):
			return strings.TrimSuffix(m, "False") + "false"
		default:
			return strings.TrimSuffix(m, "None") + "null"
		}
	})
	return body
}

// reconstruct pulls individual fields out of a reply that is not JSON at all.
func reconstruct(text string) (domain.Analysis, bool) {
	a := domain.Analysis{Reasoning: "reconstructed from text"}
	found := false

	if m := toxicityField.FindStringSubmatch(text); m != nil {
		if f, err := strconv.ParseFloat(m[1], 64); err == nil {
			a.ToxicityScore = f
			found = true
		}
	}
	if m := spamField.FindStringSubmatch(text); m != nil {
		if f, err := strconv.ParseFloat(m[1], 64); err == nil {
			a.SpamProbability = f
			found = true
		}
	}
	if m := sentimentWord.FindStringSubmatch(text); m != nil {
		a.Sentiment = strings.ToLower(m[1])
		found = true
	}
	if m := actionField.FindStringSubmatch(text); m != nil {
		a.RequiresAction = strings.EqualFold(m[1], "true")
		found = true
	}
	if m := actionType.FindStringSubmatch(text); m != nil {
		a.ActionType = strings.ToLower(m[1])
	}
	return a, found
}
