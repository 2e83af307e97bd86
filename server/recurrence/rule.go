package recurrence

import (
	"strings"

	"github.com/teambition/rrule-go"
)

// Rule is a validated RRULE.
type Rule struct {
	opt  rrule.ROption
	text string
}

// ParseRule parses and validates the value of an RRULE property. A leading
// "RRULE:" is tolerated.
func ParseRule(text string) (*Rule, error) {
	text = strings.ToUpper(strings.TrimSpace(text))
	text = strings.TrimPrefix(text, "RRULE:")
	if text == "" {
		return nil, &MalformedRuleError{Rule: text, Reason: "empty rule"}
	}

	parts := map[string]string{}
	for _, part := range strings.Split(text, ";") {
		key, value, ok := strings.Cut(part, "=")
		if !ok || key == "" || value == "" {
			return nil, &MalformedRuleError{Rule: text, Reason: "invalid rule part " + part}
		}
		if _, dup := parts[key]; dup {
			return nil, &MalformedRuleError{Rule: text, Reason: "duplicate rule part " + key}
		}
		parts[key] = value
	}
	if _, ok := parts["FREQ"]; !ok {
		return nil, &MalformedRuleError{Rule: text, Reason: "FREQ is required"}
	}
	if _, ok := parts["DTSTART"]; ok {
		return nil, &MalformedRuleError{Rule: text, Reason: "DTSTART is not a rule part"}
	}

	opt, err := rrule.StrToROption(text)
	if err != nil {
		return nil, &MalformedRuleError{Rule: text, Reason: err.Error()}
	}
	if err := validate(text, parts, opt); err != nil {
		return nil, err
	}
	return &Rule{opt: *opt, text: text}, nil
}

func validate(text string, parts map[string]string, opt *rrule.ROption) error {
	switch opt.Freq {
	case rrule.DAILY, rrule.WEEKLY, rrule.MONTHLY, rrule.YEARLY:
	default:
		return &MalformedRuleError{Rule: text, Reason: "unsupported frequency " + parts["FREQ"]}
	}
	if opt.Interval < 0 {
		return &MalformedRuleError{Rule: text, Reason: "INTERVAL must be positive"}
	}
	if opt.Count < 0 {
		return &MalformedRuleError{Rule: text, Reason: "COUNT must be positive"}
	}
	if _, hasCount := parts["COUNT"]; hasCount {
		if _, hasUntil := parts["UNTIL"]; hasUntil {
			return &MalformedRuleError{Rule: text, Reason: "COUNT and UNTIL are mutually exclusive"}
		}
	}

	ordinal := false
	for i := range opt.Byweekday {
		if opt.Byweekday[i].N() != 0 {
			ordinal = true
			break
		}
	}
	if ordinal {
		if opt.Freq != rrule.MONTHLY && opt.Freq != rrule.YEARLY {
			return &MalformedRuleError{Rule: text, Reason: "ordinal BYDAY requires FREQ=MONTHLY or FREQ=YEARLY"}
		}
		if opt.Freq == rrule.YEARLY && len(opt.Byweekno) > 0 {
			return &MalformedRuleError{Rule: text, Reason: "ordinal BYDAY cannot be combined with BYWEEKNO"}
		}
	}

	if len(opt.Bysetpos) > 0 {
		qualified := false
		for key := range parts {
			if strings.HasPrefix(key, "BY") && key != "BYSETPOS" {
				qualified = true
				break
			}
		}
		if !qualified {
			return &MalformedRuleError{Rule: text, Reason: "BYSETPOS requires another BYxxx rule part"}
		}
	}
	return nil
}

// String returns the normalised rule text.
func (r *Rule) String() string {
	if r == nil {
		return ""
	}
	return r.text
}

// Bounded reports whether the rule produces a finite set.
func (r *Rule) Bounded() bool {
	return r.opt.Count > 0 || !r.opt.Until.IsZero()
}

// Equal compares two rules by their normalised text.
func (r *Rule) Equal(o *Rule) bool {
	return r.String() == o.String()
}
