package evaluation

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/hbollon/go-edlib"

	pipelineerrors "github.com/docflow/idp-core/internal/errors"
	"github.com/docflow/idp-core/internal/resilience"
)

// compareField dispatches to method's comparator and wraps the result in
// a FieldResult. A field missing from one side never goes through a
// comparator: Match is false and Score is 0, the confusion-matrix rollup
// handles the missing-field bookkeeping itself.
func (s *Stage) compareField(ctx context.Context, field string, method Method, threshold float64, expected any, hasExpected bool, actual any, hasActual bool) (FieldResult, error) {
	fr := FieldResult{Field: field, Method: method, Expected: expected, Actual: actual}
	if !hasExpected || !hasActual {
		return fr, nil
	}

	if method == MethodHungarian {
		expectedList, ok1 := asObjectList(expected)
		actualList, ok2 := asObjectList(actual)
		if !ok1 || !ok2 {
			return fr, pipelineerrors.PermanentInputErr("evaluation", fmt.Sprintf("field %q: HUNGARIAN method requires array-of-object values", field))
		}
		score, match := s.hungarianMatch(expectedList, actualList, threshold)
		fr.Score, fr.Match = score, match
		return fr, nil
	}

	score, match, err := s.scalarCompare(ctx, method, threshold, expected, actual)
	if err != nil {
		return fr, err
	}
	fr.Score, fr.Match = score, match
	return fr, nil
}

func (s *Stage) scalarCompare(ctx context.Context, method Method, threshold float64, expected, actual any) (float64, bool, error) {
	expectedStr := fmt.Sprint(expected)
	actualStr := fmt.Sprint(actual)

	switch method {
	case MethodExact:
		match := strings.TrimSpace(expectedStr) == strings.TrimSpace(actualStr)
		return boolScore(match), match, nil

	case MethodNumericExact:
		e, ok1 := toFloat(expected)
		a, ok2 := toFloat(actual)
		if !ok1 || !ok2 {
			return 0, false, nil
		}
		match := math.Abs(e-a) < 1e-9
		return boolScore(match), match, nil

	case MethodFuzzy:
		sim, err := edlib.StringsSimilarity(expectedStr, actualStr, edlib.JaroWinkler)
		if err != nil {
			return 0, false, nil
		}
		return float64(sim), float64(sim) >= threshold, nil

	case MethodLevenshtein:
		sim, err := edlib.StringsSimilarity(expectedStr, actualStr, edlib.Levenshtein)
		if err != nil {
			return 0, false, nil
		}
		return float64(sim), float64(sim) >= threshold, nil

	case MethodSemantic:
		sim := tokenJaccard(expectedStr, actualStr)
		return sim, sim >= threshold, nil

	case MethodLLM:
		return s.llmCompare(ctx, expectedStr, actualStr, threshold)

	default:
		match := strings.TrimSpace(expectedStr) == strings.TrimSpace(actualStr)
		return boolScore(match), match, nil
	}
}

func (s *Stage) llmCompare(ctx context.Context, expected, actual string, threshold float64) (float64, bool, error) {
	evalCap, err := s.registry.ResolveEvaluate(s.providerName)
	if err != nil {
		return 0, false, err
	}
	var score float64
	err = resilience.Retry(ctx, s.retry, func() error {
		var callErr error
		score, callErr = evalCap.EvaluateLLM(ctx, expected, actual)
		return callErr
	})
	if err != nil {
		return 0, false, pipelineerrors.TransientProviderErr("evaluation", evalCap.ProviderName(), err)
	}
	return score, score >= threshold, nil
}

func boolScore(match bool) float64 {
	if match {
		return 1
	}
	return 0
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// tokenJaccard is a lightweight stand-in for semantic similarity: no
// embedding/vector-similarity library is available anywhere in the
// retrieval pack, so SEMANTIC falls back to whitespace-token set overlap
// rather than true meaning comparison. LLM remains the method of choice
// for fields that need real semantic judgment.
func tokenJaccard(a, b string) float64 {
	setA := tokenSet(a)
	setB := tokenSet(b)
	if len(setA) == 0 && len(setB) == 0 {
		return 1
	}
	intersection := 0
	for tok := range setA {
		if setB[tok] {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func tokenSet(s string) map[string]bool {
	out := make(map[string]bool)
	for _, tok := range strings.Fields(strings.ToLower(s)) {
		out[tok] = true
	}
	return out
}

func asObjectList(v any) ([]map[string]any, bool) {
	list, ok := v.([]any)
	if !ok {
		return nil, false
	}
	out := make([]map[string]any, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, false
		}
		out = append(out, m)
	}
	return out, true
}
