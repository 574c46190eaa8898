package dialogue

import (
	"strconv"
	"strings"
)

// Normalizer rewrites a raw transcript before guardrails and the model see
// it: lowercasing, shorthand replacements, currency suffix expansion, and
// digit groups spelled out in Vietnamese. Phone-length digit runs are left
// untouched so identifier lookups and PII screening still see them.
type Normalizer struct {
	replacements map[string]string
}

// defaultReplacements covers shorthand the transcription backend commonly
// produces for spoken Vietnamese.
var defaultReplacements = map[string]string{
	"ko":  "không",
	"dc":  "được",
	"đc":  "được",
	"vs":  "với",
	"sdt": "số điện thoại",
}

func NewNormalizer(replacements map[string]string) *Normalizer {
	return &Normalizer{replacements: replacements}
}

func DefaultNormalizer() *Normalizer { return NewNormalizer(defaultReplacements) }

// identifierDigits is the digit-run length treated as a phone number or code
// rather than an amount.
const identifierDigits = 9

// Normalize applies all rules token by token and returns the rewritten text.
func (n *Normalizer) Normalize(text string) string {
	fields := strings.Fields(strings.ToLower(text))
	out := make([]string, 0, len(fields))
	for _, tok := range fields {
		core, punct := splitTrailingPunct(tok)
		if repl, ok := n.replacements[core]; ok {
			out = append(out, repl+punct)
			continue
		}
		if words, ok := expandNumeric(core); ok {
			out = append(out, words+punct)
			continue
		}
		out = append(out, tok)
	}
	return strings.Join(out, " ")
}

func splitTrailingPunct(tok string) (string, string) {
	cut := len(tok)
	for cut > 0 && strings.ContainsRune(".,?!;:", rune(tok[cut-1])) {
		cut--
	}
	return tok[:cut], tok[cut:]
}

// expandNumeric spells out "12k", "500đ" and bare digit groups. It returns
// false for anything that is not a plain number, and leaves identifier-length
// digit runs alone.
func expandNumeric(tok string) (string, bool) {
	suffix := ""
	switch {
	case strings.HasSuffix(tok, "k"):
		suffix, tok = " nghìn", strings.TrimSuffix(tok, "k")
	case strings.HasSuffix(tok, "đ"):
		suffix, tok = " đồng", strings.TrimSuffix(tok, "đ")
	}
	if tok == "" || !allDigits(tok) {
		return "", false
	}
	if suffix == "" && len(tok) >= identifierDigits {
		return "", false
	}
	num, err := strconv.ParseInt(tok, 10, 64)
	if err != nil {
		return "", false
	}
	return numberToWords(num) + suffix, true
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

var digitWords = [...]string{"không", "một", "hai", "ba", "bốn", "năm", "sáu", "bảy", "tám", "chín"}

// numberToWords renders a non-negative integer in spoken Vietnamese.
func numberToWords(num int64) string {
	if num == 0 {
		return "không"
	}
	groups := []struct {
		unit  int64
		label string
	}{
		{1_000_000_000, "tỷ"},
		{1_000_000, "triệu"},
		{1_000, "nghìn"},
	}
	var parts []string
	for _, g := range groups {
		if q := num / g.unit; q > 0 {
			parts = append(parts, numberToWords(q)+" "+g.label)
			num %= g.unit
		}
	}
	if num > 0 {
		// "không trăm" only when the remainder follows a larger group, as in
		// "một nghìn không trăm mười lăm".
		parts = append(parts, underThousand(num, len(parts) > 0))
	}
	return strings.Join(parts, " ")
}

func underThousand(num int64, full bool) string {
	hundreds, rest := num/100, num%100
	var words []string
	if hundreds > 0 || (full && rest > 0) {
		words = append(words, digitWords[hundreds]+" trăm")
	}
	tens, units := rest/10, rest%10
	switch {
	case tens == 0:
		if units > 0 {
			if len(words) > 0 {
				words = append(words, "linh")
			}
			words = append(words, digitWords[units])
		}
	case tens == 1:
		words = append(words, "mười")
		switch units {
		case 0:
		case 5:
			words = append(words, "lăm")
		default:
			words = append(words, digitWords[units])
		}
	default:
		words = append(words, digitWords[tens]+" mươi")
		switch units {
		case 0:
		case 1:
			words = append(words, "mốt")
		case 5:
			words = append(words, "lăm")
		default:
			words = append(words, digitWords[units])
		}
	}
	return strings.Join(words, " ")
}
