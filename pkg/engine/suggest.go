package engine

import (
	"errors"
	"sort"
	"strings"

	"github.com/agnivade/levenshtein"
)

const (
	maxSuggestions = 3
	minSimilarity  = 0.6
)

// Suggest returns up to three candidates that look like a misspelling of
// name, most similar first. Comparison ignores case; a candidate that
// starts with name counts as similar.
func Suggest(name string, candidates []string) []string {
	type match struct {
		name  string
		score float64
	}

	target := strings.ToLower(name)
	var matches []match
	for _, c := range candidates {
		if c == name {
			continue
		}
		lower := strings.ToLower(c)
		score := similarity(target, lower)
		if len(target) >= 3 && strings.HasPrefix(lower, target) {
			score = max(score, minSimilarity)
		}
		if score >= minSimilarity {
			matches = append(matches, match{name: c, score: score})
		}
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].score != matches[j].score {
			return matches[i].score > matches[j].score
		}
		return matches[i].name < matches[j].name
	})

	out := make([]string, 0, min(len(matches), maxSuggestions))
	for i := 0; i < len(matches) && i < maxSuggestions; i++ {
		out = append(out, matches[i].name)
	}
	return out
}

// similarity is one minus the edit distance normalized by the longer length.
func similarity(a, b string) float64 {
	longest := max(len([]rune(a)), len([]rune(b)))
	if longest == 0 {
		return 1
	}
	return 1 - float64(levenshtein.ComputeDistance(a, b))/float64(longest)
}

// CheckEnvironment returns an error listing the known environments when env
// is not one of them. Any environment is accepted when known is empty.
func CheckEnvironment(env string, known []string) error {
	if len(known) == 0 {
		return nil
	}
	for _, k := range known {
		if k == env {
			return nil
		}
	}
	return NewUnknownEnvironmentError(env, known)
}

// Suggestions returns the similar names attached to err, if any.
func Suggestions(err error) []string {
	var e *EngineError
	if !errors.As(err, &e) {
		return nil
	}
	s, _ := e.Details[detailSuggestions].([]string)
	return s
}

func didYouMean(suggestions []string) string {
	if len(suggestions) == 0 {
		return ""
	}
	return " (did you mean " + strings.Join(suggestions, ", ") + "?)"
}
