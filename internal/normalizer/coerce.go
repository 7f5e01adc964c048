package normalizer

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/shopspring/decimal"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Tokens that upstream exports use for "no value".
var sentinels = map[string]bool{
	"nan": true, "none": true, "null": true, "nil": true, "nat": true,
	"-": true, "--": true, "n/a": true, "na": true, "#n/a": true,
	"<na>": true, "undefined": true,
}

var bareFloat = regexp.MustCompile(`^-?\d+\.0+$`)

// isSentinel reports whether s is empty or a not-a-number marker
func isSentinel(s string) bool {
	return s == "" || sentinels[strings.ToLower(s)]
}

// CoerceString renders any raw value as a trimmed string.
// Absent values and sentinels become "", integral floats lose the spurious ".0".
func CoerceString(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return cleanString(val)
	case json.Number:
		return cleanString(val.String())
	case float64:
		return formatFloat(val)
	case float32:
		return formatFloat(float64(val))
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case int32:
		return strconv.FormatInt(int64(val), 10)
	case bool:
		return strconv.FormatBool(val)
	default:
		return cleanString(fmt.Sprint(val))
	}
}

func cleanString(s string) string {
	s = strings.TrimSpace(strings.TrimPrefix(s, "\uFEFF"))
	if isSentinel(s) {
		return ""
	}
	if bareFloat.MatchString(s) {
		return s[:strings.IndexByte(s, '.')]
	}
	return s
}

func formatFloat(f float64) string {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return ""
	}
	if f == math.Trunc(f) && math.Abs(f) < 1e18 {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// CoerceDecimal converts a raw value to a decimal.
// ok is false for absent, sentinel or unparseable input; the value is then zero.
func CoerceDecimal(v interface{}) (decimal.Decimal, bool) {
	switch val := v.(type) {
	case nil:
		return decimal.Zero, false
	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return decimal.Zero, false
		}
		return decimal.NewFromFloat(val), true
	case float32:
		f := float64(val)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return decimal.Zero, false
		}
		return decimal.NewFromFloat32(val), true
	case int:
		return decimal.NewFromInt(int64(val)), true
	case int64:
		return decimal.NewFromInt(val), true
	case json.Number:
		if d, err := decimal.NewFromString(val.String()); err == nil {
			return d, true
		}
		return parseLocaleNumber(val.String())
	case string:
		return parseLocaleNumber(val)
	default:
		return parseLocaleNumber(fmt.Sprint(val))
	}
}

// parseLocaleNumber accepts "1.234.567,89", "1,234,567.89", "1234,5" and "R$ 10".
// With a single separator type, one occurrence is the decimal mark and several are thousands,
// except that a lone dot followed by exactly three digits after a 1-3 digit non-zero integer
// part ("1.234", "12.500") is a pt-BR thousands separator. "0.125" and "1.5" stay decimals.
func parseLocaleNumber(s string) (decimal.Decimal, bool) {
	s = strings.TrimSpace(s)
	if isSentinel(s) {
		return decimal.Zero, false
	}
	for _, prefix := range []string{"R$", "US$", "$"} {
		s = strings.TrimPrefix(s, prefix)
	}
	s = strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
	if isSentinel(s) {
		return decimal.Zero, false
	}

	lastDot := strings.LastIndexByte(s, '.')
	lastComma := strings.LastIndexByte(s, ',')
	switch {
	case lastDot >= 0 && lastComma >= 0:
		if lastComma > lastDot {
			s = strings.ReplaceAll(s, ".", "")
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case lastComma >= 0:
		if strings.Count(s, ",") == 1 {
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case lastDot >= 0:
		if strings.Count(s, ".") > 1 || isThousandsGroup(s, lastDot) {
			s = strings.ReplaceAll(s, ".", "")
		}
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

func isThousandsGroup(s string, sep int) bool {
	head := strings.TrimPrefix(strings.TrimPrefix(s[:sep], "-"), "+")
	tail := s[sep+1:]
	if len(tail) != 3 || len(head) == 0 || len(head) > 3 || head[0] == '0' {
		return false
	}
	for _, r := range head + tail {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Fold strips diacritics and lowercases s.
func Fold(s string) string {
	// transform.Chain is stateful, build one per call.
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.ToLower(out)
}

// FoldKey folds s and drops everything but letters and digits,
// so "CO_NCM", "co ncm" and "coNcm" collapse to "concm".
func FoldKey(s string) string {
	folded := Fold(s)
	var b strings.Builder
	b.Grow(len(folded))
	for _, r := range folded {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// FoldText folds s and collapses runs of non-alphanumerics to one space
func FoldText(s string) string {
	folded := Fold(s)
	var b strings.Builder
	space := false
	for _, r := range folded {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			b.WriteRune(r)
			space = false
			continue
		}
		space = true
	}
	return b.String()
}

// DigitsOnly keeps the ASCII digits of s
func DigitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
