package normalizer

import (
	"strconv"
	"strings"
	"time"

	"comex-platform/internal/models"
)

// NormalizeProductCode strips punctuation, truncates to the canonical width
// and left-pads with zeros. digits is the number of digits the source carried
// (capped at the width), which callers compare against MinProductCodeDigits.
func NormalizeProductCode(raw string) (code string, digits int) {
	d := DigitsOnly(raw)
	if len(d) > models.ProductCodeWidth {
		d = d[:models.ProductCodeWidth]
	}
	if d == "" {
		return "", 0
	}
	return strings.Repeat("0", models.ProductCodeWidth-len(d)) + d, len(d)
}

var dateLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"02/01/2006",
	"02/01/2006 15:04:05",
	"02-01-2006",
	"2006/01/02",
	"20060102",
	"02.01.2006",
}

// ParseDate tries every known layout and returns the UTC calendar date
func ParseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		t, err := time.Parse(layout, s)
		if err != nil {
			continue
		}
		if t.Year() < 1900 {
			continue
		}
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), true
	}
	return time.Time{}, false
}

// parseMonth accepts 1..12, "03" and Portuguese or English month names
func parseMonth(s string) (time.Month, bool) {
	if s == "" {
		return 0, false
	}
	if n, err := strconv.Atoi(s); err == nil {
		if n >= 1 && n <= 12 {
			return time.Month(n), true
		}
		return 0, false
	}
	name := FoldKey(s)
	if len(name) < 3 {
		return 0, false
	}
	if m, ok := monthNames[name[:3]]; ok {
		return m, true
	}
	return 0, false
}

var monthNames = map[string]time.Month{
	"jan": time.January, "fev": time.February, "feb": time.February,
	"mar": time.March, "abr": time.April, "apr": time.April,
	"mai": time.May, "may": time.May, "jun": time.June,
	"jul": time.July, "ago": time.August, "aug": time.August,
	"set": time.September, "sep": time.September, "out": time.October,
	"oct": time.October, "nov": time.November, "dez": time.December,
	"dec": time.December,
}

// Comex Stat CO_VIA codes
var transportCodes = map[string]models.TransportMode{
	"1": models.TransportSea, "2": models.TransportSea, "3": models.TransportSea,
	"4": models.TransportAir,
	"5": models.TransportPostal, "11": models.TransportPostal,
	"6": models.TransportRail,
	"7": models.TransportRoad, "13": models.TransportRoad,
	"8": models.TransportPipeline, "14": models.TransportPipeline,
}

var transportSynonyms = []struct {
	mode     models.TransportMode
	prefixes []string
}{
	{models.TransportSea, []string{"maritim", "fluvial", "lacustre", "aquaviari", "navio", "sea", "ocean", "vessel"}},
	{models.TransportAir, []string{"aere", "aviao", "air"}},
	{models.TransportRoad, []string{"rodovi", "caminh", "road", "truck", "reboque"}},
	{models.TransportRail, []string{"ferrovi", "trem", "rail"}},
	{models.TransportPipeline, []string{"conduto", "duto", "dutovi", "pipeline", "rede de transmissao", "tubo"}},
	{models.TransportPostal, []string{"postal", "correio", "courier", "post"}},
}

// ClassifyTransport maps a code or free-text transport description to the closed enum.
// Anything unrecognized, including empty input, is TransportOther.
func ClassifyTransport(s string) models.TransportMode {
	s = strings.TrimSpace(s)
	if s == "" {
		return models.TransportOther
	}
	if d := DigitsOnly(s); d == s {
		if n, err := strconv.Atoi(d); err == nil {
			if mode, ok := transportCodes[strconv.Itoa(n)]; ok {
				return mode
			}
		}
		return models.TransportOther
	}

	text := FoldText(s)
	for _, word := range strings.Fields(text) {
		for _, syn := range transportSynonyms {
			for _, p := range syn.prefixes {
				if strings.Contains(p, " ") {
					continue
				}
				if strings.HasPrefix(word, p) {
					return syn.mode
				}
			}
		}
	}
	for _, syn := range transportSynonyms {
		for _, p := range syn.prefixes {
			if strings.Contains(p, " ") && strings.Contains(text, p) {
				return syn.mode
			}
		}
	}
	return models.TransportOther
}

var stateCodes = map[string]string{
	"acre": "AC", "alagoas": "AL", "amapa": "AP", "amazonas": "AM", "bahia": "BA",
	"ceara": "CE", "distrito federal": "DF", "espirito santo": "ES", "goias": "GO",
	"maranhao": "MA", "mato grosso": "MT", "mato grosso do sul": "MS",
	"minas gerais": "MG", "para": "PA", "paraiba": "PB", "parana": "PR",
	"pernambuco": "PE", "piaui": "PI", "rio de janeiro": "RJ",
	"rio grande do norte": "RN", "rio grande do sul": "RS", "rondonia": "RO",
	"roraima": "RR", "santa catarina": "SC", "sao paulo": "SP", "sergipe": "SE",
	"tocantins": "TO",
}

// NormalizeRegion returns the 2-letter state code for a code or a full state name.
// Unknown values are upper-cased and trimmed.
func NormalizeRegion(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if uf, ok := stateCodes[FoldText(s)]; ok {
		return uf
	}
	return strings.ToUpper(s)
}
