package extract

import "regexp"

// Order matters in every list below: the first pattern whose match survives
// validation wins.

// number accepts grouped and ungrouped amounts in either decimal convention.
// A decimal part has exactly two digits, matching the normalizer, which
// reads any other comma group as thousands.
const number = `(\d+(?:[.,]\d{3})*(?:[.,]\d{2})?)`

// lead keeps code-after patterns from starting inside a longer number, so
// "25,5 USD" never yields 5
const lead = `(?:^|[^\d.,])`

type amountPattern struct {
	re       *regexp.Regexp
	currency string
}

var amountPatterns = []amountPattern{
	{regexp.MustCompile(`R\$\s*` + number), "BRL"},
	{regexp.MustCompile(`US\$\s*` + number), "USD"},
	{regexp.MustCompile(`(?:^|[^A-Za-z$])\$\s*` + number), "USD"},
	{regexp.MustCompile(`€\s*` + number), "EUR"},
	{regexp.MustCompile(`(?i)\bUSD\s*` + number), "USD"},
	{regexp.MustCompile(`(?i)\bBRL\s*` + number), "BRL"},
	{regexp.MustCompile(`(?i)\bEUR\s*` + number), "EUR"},
	{regexp.MustCompile(lead + number + `\s*(?i:USD)\b`), "USD"},
	{regexp.MustCompile(lead + number + `\s*(?i:BRL)\b`), "BRL"},
	{regexp.MustCompile(lead + number + `\s*(?i:EUR)\b`), "EUR"},
	{regexp.MustCompile(lead + number + `\s*€`), "EUR"},
}

var datePatterns = []*regexp.Regexp{
	regexp.MustCompile(`\b\d{1,2}/\d{1,2}/\d{4}\b`),
	regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}\b`),
	regexp.MustCompile(`\b[A-Za-z]+\.? \d{1,2}(?:st|nd|rd|th)?,? \d{4}\b`),
	regexp.MustCompile(`\b\d{1,2} (?i:de )?\p{L}+\.?,? (?i:de )?\d{4}\b`),
	regexp.MustCompile(`\b\d{1,2}/\d{1,2}/\d{2}\b`),
	regexp.MustCompile(`\b\d{4}/\d{2}/\d{2}\b`),
	regexp.MustCompile(`\b\d{1,2}-\d{1,2}-\d{4}\b`),
	regexp.MustCompile(`\b\d{4}\.\d{2}\.\d{2}\b`),
}

// idPart is a word, optionally in dash-separated groups such as 2024-001
// or ABCD-0001. Validation later requires a digit.
const idPart = `(\w+(?:-\w+)*)`

// labelled matches an identifier that follows label either after separator
// characters or directly when it starts with a digit, so "invoice" never
// yields "oice"
func labelled(label, separators string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)\b` + label + `(?:[` + separators + `]+` + idPart + `|(\d\w*(?:-\w+)*))`)
}

type invoicePattern struct {
	re     *regexp.Regexp
	prefix string
	// generic patterns only match standalone tokens and reject year-like values
	generic bool
}

var invoicePatterns = []invoicePattern{
	{re: labelled(`inv`, `_-`), prefix: "inv_"},
	{re: labelled(`receipt`, `_-`), prefix: "receipt_"},
	{re: regexp.MustCompile(`#\s?` + idPart), prefix: "#"},
	{re: labelled(`invoice(?:\s+(?:no\.?|number|n[ºo°]\.?|id))?`, `\s:#_-`), prefix: "inv_"},
	{re: labelled(`recibo(?:\s+(?:n[ºo°]\.?|n[úu]mero))?`, `\s:#_-`), prefix: "recibo_"},
	{re: labelled(`nf(?:-?e)?`, `\s:#._-`), prefix: "nf_"},
	{re: labelled(`nota(?:\s+fiscal)?(?:\s+n[ºo°]\.?)?`, `\s:#_-`), prefix: "nota_"},
	{re: labelled(`transa(?:ction|[çc][ãa]o)(?:\s+id)?`, `\s:#_-`), prefix: "tx_"},
	{re: labelled(`order(?:\s+(?:id|no\.?|number))?`, `\s:#_-`), prefix: "order_"},
	{re: labelled(`bill(?:\s+(?:id|no\.?|number))?`, `\s:#_-`), prefix: "bill_"},
	{re: regexp.MustCompile(`(?:^|[^\w./,:#$€-])(\d{4,12})(?:$|[^\w./,:-])`), prefix: "#", generic: true},
	{re: regexp.MustCompile(`(?:^|[^\w-])([A-Z0-9]{6,12})(?:$|[^\w-])`), prefix: "#", generic: true},
}

var (
	amountBlacklist  = set("0.00", "0,00", "0", "00", "000", "0000", "1.00", "1,00", "1", "test", "example", "sample", "demo")
	dateBlacklist    = set("1900-01-01", "2000-01-01", "2020-01-01", "01/01/1900", "01/01/2000", "01/01/2020", "test", "example", "sample", "demo")
	invoiceBlacklist = set("test", "example", "sample", "demo", "123", "1234", "0000", "00000", "000000", "abc", "def", "xyz")
)

func set(values ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(values))
	for _, v := range values {
		m[v] = struct{}{}
	}
	return m
}

var (
	ptMonths = regexp.MustCompile(`\b(?:janeiro|fevereiro|marco|abril|maio|junho|julho|agosto|setembro|outubro|novembro|dezembro)\b`)
	enMonths = regexp.MustCompile(`\b(?:january|february|march|april|may|june|july|august|september|october|november|december)\b`)
)

// Keywords are matched against accent-folded lowercase text, each counted once
var (
	ptKeywords = []*regexp.Regexp{
		regexp.MustCompile(`\brecibo\b`),
		regexp.MustCompile(`\bfatura\b`),
		regexp.MustCompile(`\bpagamento\b`),
		regexp.MustCompile(`\bcobranca\b`),
		regexp.MustCompile(`\btransacao\b`),
		regexp.MustCompile(`\bseu recibo\b`),
		regexp.MustCompile(`\bperiodo\b`),
		regexp.MustCompile(`\bassinatura\b`),
		regexp.MustCompile(`\bn\.?º`),
	}
	enKeywords = []*regexp.Regexp{
		regexp.MustCompile(`\breceipt\b`),
		regexp.MustCompile(`\binvoice\b`),
		regexp.MustCompile(`\bpayment\b`),
		regexp.MustCompile(`\bbilling\b`),
		regexp.MustCompile(`\btransaction\b`),
		regexp.MustCompile(`\byour receipt\b`),
		regexp.MustCompile(`\bperiod\b`),
		regexp.MustCompile(`\bsubscription\b`),
		regexp.MustCompile(`\binvoice no\.`),
		regexp.MustCompile(`\binv-`),
	}
)
