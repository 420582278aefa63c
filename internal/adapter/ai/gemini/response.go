package gemini

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/fairyhunter13/barcode-pipeline/internal/domain"
)

// Vision models wrap their answer in prose or markdown often enough that a
// strict json.Unmarshal of the whole text loses good detections. The parse
// chain tries the full text, then the widest array, then the widest object,
// then the body of a fenced code block.
var (
	arrayRe  = regexp.MustCompile(`\[[\s\S]*\]`)
	objectRe = regexp.MustCompile(`\{[\s\S]*\}`)
	fenceRe  = regexp.MustCompile("```(?:json)?\\s*([\\s\\S]*?)```")
)

// ParseCandidates extracts barcode candidates from the model's raw text.
// Items without a code are dropped; unparseable text yields nil.
func ParseCandidates(text string) []domain.AICandidate {
	data := extractJSON(text)
	if data == nil {
		return nil
	}
	var items []any
	switch v := data.(type) {
	case []any:
		items = v
	case map[string]any:
		items = []any{v}
	default:
		return nil
	}
	var out []domain.AICandidate
	for _, it := range items {
		obj, ok := it.(map[string]any)
		if !ok {
			continue
		}
		code := strings.TrimSpace(asString(obj["code"]))
		if code == "" {
			continue
		}
		guess, _ := obj["symbologyGuess"].(string)
		conf, _ := obj["confidence"].(float64)
		out = append(out, domain.AICandidate{Code: code, SymbologyGuess: guess, Confidence: conf})
	}
	return out
}

func extractJSON(text string) any {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	var v any
	if json.Unmarshal([]byte(text), &v) == nil {
		return v
	}
	if m := arrayRe.FindString(text); m != "" {
		if json.Unmarshal([]byte(m), &v) == nil {
			return v
		}
	}
	if m := objectRe.FindString(text); m != "" {
		if json.Unmarshal([]byte(m), &v) == nil {
			return v
		}
	}
	if m := fenceRe.FindStringSubmatch(text); len(m) == 2 {
		if json.Unmarshal([]byte(strings.TrimSpace(m[1])), &v) == nil {
			return v
		}
	}
	return nil
}

// asString renders a JSON value as the digit string it was meant to be: the
// model sometimes emits codes as bare numbers, which arrive as float64.
func asString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	default:
		return ""
	}
}
