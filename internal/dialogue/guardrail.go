package dialogue

import (
	"fmt"
	"regexp"
	"strings"
)

// Direction says which way the checked text is flowing.
type Direction int

const (
	Inbound  Direction = iota // caller → model
	Outbound                  // model → caller
)

// Verdict is the outcome of one guardrail check.
type Verdict struct {
	Allowed  bool
	Redacted string
	RiskTags []string
}

// Vietnamese mobile numbers and email addresses.
var (
	phoneRegex = regexp.MustCompile(`\b0?(3[2-9]|5[689]|7[06-9]|8[1-689]|9[0-46-9])[0-9]{7}\b`)
	emailRegex = regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)
)

var prohibitedKeywords = []string{
	"bạo lực", "tự sát", "ma túy", "bom", "tấn công", "hack", "xâm nhập", "giết", "suicide",
}

var jailbreakPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore previous instructions`),
	regexp.MustCompile(`(?i)act as a malicious`),
	regexp.MustCompile(`(?i)you are now in service mode`),
}

// Guardrail runs content and PII policy on dialogue text. It fails closed:
// callers treat any non-allowed verdict as a safe-redirect.
//
// Inbound PII is redacted but allowed, so the model never sees raw numbers.
// Outbound PII is a policy trip: the agent must never speak it back.
type Guardrail struct{}

func NewGuardrail() *Guardrail { return &Guardrail{} }

// Check applies the policy to text in the given direction.
func (g *Guardrail) Check(text string, dir Direction) Verdict {
	v := Verdict{Allowed: true, Redacted: text}

	lower := strings.ToLower(text)
	for _, kw := range prohibitedKeywords {
		if strings.Contains(lower, kw) {
			v.Allowed = false
			v.RiskTags = append(v.RiskTags, "prohibited_keyword:"+kw)
		}
	}
	for _, pat := range jailbreakPatterns {
		if pat.MatchString(text) {
			v.Allowed = false
			v.RiskTags = append(v.RiskTags, "jailbreak_pattern")
		}
	}

	hasPII := phoneRegex.MatchString(text) || emailRegex.MatchString(text)
	if hasPII {
		v.RiskTags = append(v.RiskTags, "pii")
		switch dir {
		case Inbound:
			v.Redacted = redactPII(text)
		case Outbound:
			v.Allowed = false
		}
	}
	return v
}

// redactPII replaces phone numbers and emails with indexed placeholders.
func redactPII(text string) string {
	n := 0
	out := phoneRegex.ReplaceAllStringFunc(text, func(string) string {
		p := fmt.Sprintf("[PHONE_%d_]", n)
		n++
		return p
	})
	n = 0
	out = emailRegex.ReplaceAllStringFunc(out, func(string) string {
		p := fmt.Sprintf("[EMAIL_%d_]", n)
		n++
		return p
	})
	return out
}
