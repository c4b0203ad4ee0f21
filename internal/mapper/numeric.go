package mapper

import (
	"math"
	"regexp"
	"strconv"
	"strings"
)

// CueKind is the type of a numeric value found in free text.
type CueKind string

const (
	CuePercent CueKind = "percent"
	CueFLOP    CueKind = "flop"
	CuePower   CueKind = "power"
)

// Cue is a numeric value extracted from text.
type Cue struct {
	Kind  CueKind
	Value float64 // FLOP cues hold 10^exp
	Text  string  // matched substring
}

var (
	percentRe = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*%`)
	flopRe    = regexp.MustCompile(`(?i)10\^(\d+)|\b1e\+?(\d+)\b`)
	powerRe   = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s*gw\b`)
)

// ExtractCues returns every percentage, FLOP exponent and GW figure in text,
// in the order percent, flop, power and by position within each kind.
func ExtractCues(text string) []Cue {
	var cues []Cue

	for _, m := range percentRe.FindAllStringSubmatch(text, -1) {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			cues = append(cues, Cue{Kind: CuePercent, Value: v, Text: strings.TrimSpace(m[0])})
		}
	}

	for _, m := range flopRe.FindAllStringSubmatch(text, -1) {
		exp := m[1]
		if exp == "" {
			exp = m[2]
		}
		if n, err := strconv.Atoi(exp); err == nil && n > 0 && n < 40 {
			cues = append(cues, Cue{Kind: CueFLOP, Value: math.Pow(10, float64(n)), Text: m[0]})
		}
	}

	for _, m := range powerRe.FindAllStringSubmatch(text, -1) {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			cues = append(cues, Cue{Kind: CuePower, Value: v, Text: strings.TrimSpace(m[0])})
		}
	}

	return cues
}

// CueForUnit maps a signpost unit to the cue kind that is type-appropriate
// for it. Unknown units accept no cue.
func CueForUnit(unit string) (CueKind, bool) {
	switch strings.ToLower(strings.TrimSpace(unit)) {
	case "%", "percent", "pct":
		return CuePercent, true
	case "flop", "flops":
		return CueFLOP, true
	case "gw", "gigawatt", "gigawatts":
		return CuePower, true
	default:
		return "", false
	}
}

// firstOfKind returns the first cue of kind k.
func firstOfKind(cues []Cue, k CueKind) (Cue, bool) {
	for _, c := range cues {
		if c.Kind == k {
			return c, true
		}
	}
	return Cue{}, false
}
