package scoring

import (
	"math"
	"strings"
	"unicode"
)

var stopWords = map[string]struct{}{}

func init() {
	for _, w := range strings.Fields(`the a an is are was were be been being have has had do does did will
		would could should may might can to of in for on with at by from as into through during before
		after above below between under again further then once here there when where why how all each
		few more most other some such no nor not only own same so than too very just and but if or
		because until while this that these those what which who whom new says said its it about over out`) {
		stopWords[w] = struct{}{}
	}
}

// Tokenize lowercases text and returns its distinct non-stopword tokens.
// Short tokens are dropped unless they contain a digit or are all-caps
// acronyms in the source ("AI", "GPT").
func Tokenize(text string) map[string]struct{} {
	tokens := make(map[string]struct{})
	words := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		lower := strings.ToLower(w)
		if _, stop := stopWords[lower]; stop {
			continue
		}
		if len(lower) <= 2 && !isAcronym(w) {
			continue
		}
		tokens[lower] = struct{}{}
	}
	return tokens
}

func isAcronym(w string) bool {
	if len(w) < 2 {
		return false
	}
	for _, r := range w {
		if !unicode.IsUpper(r) && !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

// Ochiai is |A∩B| / sqrt(|A||B|)
func Ochiai(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	small, large := a, b
	if len(small) > len(large) {
		small, large = large, small
	}
	overlap := 0
	for t := range small {
		if _, ok := large[t]; ok {
			overlap++
		}
	}
	return float64(overlap) / math.Sqrt(float64(len(a))*float64(len(b)))
}
