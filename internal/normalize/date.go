package normalize

import (
	"regexp"
	"strings"
	"time"
)

// ISODate is the canonical date layout
const ISODate = "2006-01-02"

// dateLayouts are tried in order. Day-first wins over month-first when both
// parse, matching the Brazilian vendors this tool mostly sees.
var dateLayouts = []string{
	"2/1/2006",
	"1/2/2006",
	"2006-1-2",
	"2006/1/2",
	"2-1-2006",
	"1-2-2006",
	"2006.1.2",
	"2/1/06",
	"1/2/06",
	"06-1-2",
	"January 2, 2006",
	"January 2 2006",
	"2 January 2006",
	"2 January, 2006",
	"Jan 2, 2006",
	"Jan 2 2006",
	"2 Jan 2006",
	"Jan. 2, 2006",
	"2006-01-02T15:04:05Z07:00",
}

var portugueseMonths = map[string]string{
	"janeiro":   "January",
	"fevereiro": "February",
	"março":     "March",
	"marco":     "March",
	"abril":     "April",
	"maio":      "May",
	"junho":     "June",
	"julho":     "July",
	"agosto":    "August",
	"setembro":  "September",
	"outubro":   "October",
	"novembro":  "November",
	"dezembro":  "December",
	"fev":       "Feb",
	"abr":       "Apr",
	"mai":       "May",
	"ago":       "Aug",
	"set":       "Sep",
	"out":       "Oct",
	"dez":       "Dec",
}

var (
	words    = regexp.MustCompile(`\p{L}+\.?`)
	ordinals = regexp.MustCompile(`(\d)(?:st|nd|rd|th)\b`)
	spaces   = regexp.MustCompile(`\s+`)
	sept     = regexp.MustCompile(`(?i)\bsept\b`)
)

// Date returns raw as YYYY-MM-DD when it matches a known layout, otherwise
// raw unchanged. Callers must re-validate the result before treating it as a
// date.
func Date(raw string) string {
	t, ok := ParseDate(raw)
	if !ok {
		return raw
	}
	return t.Format(ISODate)
}

// ParseDate parses raw against the known English and Portuguese layouts
func ParseDate(raw string) (time.Time, bool) {
	s := cleanDate(raw)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// cleanDate translates Portuguese month names and drops connectors and
// ordinal suffixes so the English layouts apply
func cleanDate(raw string) string {
	s := strings.TrimSpace(raw)
	s = ordinals.ReplaceAllString(s, "$1")
	s = sept.ReplaceAllString(s, "Sep")
	s = words.ReplaceAllStringFunc(s, func(w string) string {
		lower := strings.ToLower(strings.TrimSuffix(w, "."))
		if lower == "de" || lower == "del" {
			return ""
		}
		if en, ok := portugueseMonths[lower]; ok {
			return en
		}
		return w
	})
	return strings.TrimSpace(spaces.ReplaceAllString(s, " "))
}
