// SPDX-License-Identifier: MIT

// Package parse extracts structured lab measurements from OCR text. Lab
// reports are keyword tables: a label line names the parameter, the value
// follows within the next few lines. The parser is deliberately
// conservative: a value outside its plausible range is an OCR misread and
// is skipped, not repaired.
package parse

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/medvault/medvault/internal/pipeline/model"
)

// valueScanDepth is how many lines below a label the value may sit.
// OCR splits table cells onto their own lines.
const valueScanDepth = 3

var (
	valueRe     = regexp.MustCompile(`(\d+[.,]\d+|\d+)\*?`)
	referenceRe = regexp.MustCompile(`\d+[.,]\d+\s*-\s*\d+[.,]\d+`)
)

// Error classifies a parsing failure.
type Error struct {
	Code model.FailureCode
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// FailureCode implements model.FailureCoder.
func (e *Error) FailureCode() model.FailureCode { return e.Code }

func failf(code model.FailureCode, format string, args ...any) *Error {
	return &Error{Code: code, Err: fmt.Errorf(format, args...)}
}

// Result is the parsed document.
type Result struct {
	AnalysisType model.AnalysisType
	Measurements []model.Measurement
}

// Parse extracts all recognizable measurements from extracted text.
// It fails with NO_RECOGNIZED_FIELDS when nothing matched and with
// AMBIGUOUS_FORMAT when the same parameter resolved to conflicting values.
func Parse(text string, observedAt time.Time) (*Result, error) {
	text = norm.NFC.String(text)
	lines := strings.Split(text, "\n")
	lower := make([]string, len(lines))
	for i, l := range lines {
		lower[i] = strings.ToLower(strings.TrimSpace(l))
	}

	analysisType := DetectAnalysisType(text)

	start, end := bloodSectionBounds(lower)
	found := map[string]measurement{}
	var conflicts []string

	scan := func(params []param, leuko bool, from, to int) {
		for _, c := range collectPanel(lines, lower, params, leuko, from, to) {
			prev, seen := found[c.key]
			if !seen {
				found[c.key] = c
				continue
			}
			if prev.value != c.value {
				conflicts = append(conflicts, c.key)
			}
		}
	}

	scan(bloodParams, true, start, end)
	scan(biochemParams, false, 0, len(lines))
	scan(hormoneParams, false, 0, len(lines))

	if len(conflicts) > 0 {
		return nil, failf(model.FailAmbiguousFormat, "conflicting values for %s", strings.Join(conflicts, ", "))
	}
	if len(found) == 0 {
		return nil, failf(model.FailNoRecognizedFields, "no known lab parameter matched %d lines", len(lines))
	}

	result := &Result{AnalysisType: analysisType}
	for _, p := range append(append(append([]param{}, bloodParams...), biochemParams...), hormoneParams...) {
		m, ok := found[p.key]
		if !ok {
			continue
		}
		result.Measurements = append(result.Measurements, model.Measurement{
			TestName:       p.key,
			Value:          strconv.FormatFloat(m.value, 'f', -1, 64),
			Unit:           m.unit,
			ReferenceRange: m.reference,
			ObservedAt:     observedAt,
		})
	}
	return result, nil
}

type measurement struct {
	key       string
	value     float64
	unit      string
	reference string
}

// collectPanel scans one panel's keyword table over lines[from:to).
// Repeated matches for the same parameter are all collected; the caller
// detects conflicts. For leukocyte differential params the label line must
// carry a percent sign, otherwise the absolute count would be taken for
// the percentage.
func collectPanel(lines, lower []string, params []param, leuko bool, from, to int) []measurement {
	var out []measurement

	for i := from; i < to && i < len(lines); i++ {
		line := lower[i]
		if line == "" {
			continue
		}
		for _, p := range params {
			if !matchesAny(line, p.keywords) {
				continue
			}
			percentParam := leuko && leukoParams[p.key]
			if percentParam && !strings.Contains(line, "%") {
				continue
			}
			if m, ok := scanValue(lines, i, p.key, percentParam); ok {
				out = append(out, m)
			}
			break
		}
	}
	return out
}

func matchesAny(line string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(line, k) {
			return true
		}
	}
	return false
}

// scanValue looks for the numeric value in the next lines below the label.
func scanValue(lines []string, labelIdx int, key string, percent bool) (measurement, bool) {
	for offset := 1; offset <= valueScanDepth; offset++ {
		if labelIdx+offset >= len(lines) {
			break
		}
		candidate := strings.TrimSpace(lines[labelIdx+offset])
		m := valueRe.FindStringSubmatch(candidate)
		if m == nil {
			continue
		}
		value, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", "."), 64)
		if err != nil {
			continue
		}
		if percent {
			if value < 0 || value > 100 {
				continue
			}
		} else if !plausible(key, value) {
			continue
		}
		window := lines[labelIdx : labelIdx+offset+1]
		return measurement{
			key:       key,
			value:     value,
			unit:      findUnit(key, window),
			reference: findReference(window),
		}, true
	}
	return measurement{}, false
}

func plausible(key string, value float64) bool {
	r, ok := plausibleRanges[key]
	if !ok {
		return true
	}
	return r[0] <= value && value <= r[1]
}

func findUnit(key string, window []string) string {
	pattern, ok := unitPatterns[key]
	if !ok {
		return ""
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return ""
	}
	for _, line := range window {
		if m := re.FindString(strings.ToLower(line)); m != "" {
			return m
		}
	}
	return ""
}

func findReference(window []string) string {
	for _, line := range window {
		if m := referenceRe.FindString(line); m != "" {
			return m
		}
	}
	return ""
}

// bloodSectionBounds limits the CBC scan in combined reports so a
// biochemistry row never satisfies a CBC keyword.
func bloodSectionBounds(lower []string) (int, int) {
	start, end := 0, len(lower)
	for i, line := range lower {
		if matchesAny(line, bloodSectionStarts) {
			start = i
		}
		if matchesAny(line, bloodSectionEnds) {
			end = i
			break
		}
	}
	return start, end
}

// DetectAnalysisType classifies a document by keyword census. Hormone
// panels win ties against blood panels because their markers are rarer.
func DetectAnalysisType(text string) model.AnalysisType {
	lowerText := strings.ToLower(norm.NFC.String(text))

	score := func(kind string) int {
		n := 0
		for _, k := range classifyKeywords[kind] {
			if strings.Contains(lowerText, k) {
				n++
			}
		}
		return n
	}

	general := score("blood_general")
	biochem := score("blood_biochem")
	hormones := score("hormones")

	switch {
	case hormones > general && hormones > biochem:
		return model.AnalysisHormones
	case general > biochem:
		return model.AnalysisBloodGeneral
	case biochem > 0:
		return model.AnalysisBloodBiochem
	default:
		return model.AnalysisOther
	}
}

var _ error = (*Error)(nil)
