package validation

import (
	"fmt"
	"net/url"
	"reflect"
	"regexp"
	"unicode/utf8"
)

// Kind names a field check.
type Kind string

const (
	KindRequired  Kind = "required"
	KindString    Kind = "string"
	KindNumber    Kind = "number"
	KindBoolean   Kind = "boolean"
	KindObject    Kind = "object"
	KindArray     Kind = "array"
	KindEmail     Kind = "email"
	KindURL       Kind = "url"
	KindRegex     Kind = "regex"
	KindMaxLength Kind = "maxLength"
	KindMinLength Kind = "minLength"
	KindMax       Kind = "max"
	KindMin       Kind = "min"
	KindEnum      Kind = "enum"
	KindCustom    Kind = "custom"
)

// CustomFunc receives the field value and the message params, so rules can
// depend on sibling fields.
type CustomFunc func(value interface{}, params map[string]interface{}) bool

// Rule is one check on one field. Every kind except Required passes when the
// field is absent.
type Rule struct {
	Kind    Kind
	Message string

	pattern *regexp.Regexp
	limit   float64
	values  []interface{}
	fn      CustomFunc
}

var emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

func Required(msg string) Rule { return Rule{Kind: KindRequired, Message: msg} }
func String(msg string) Rule { return Rule{Kind: KindString, Message: msg} }
func Number(msg string) Rule { return Rule{Kind: KindNumber, Message: msg} }
func Boolean(msg string) Rule { return Rule{Kind: KindBoolean, Message: msg} }
func Object(msg string) Rule { return Rule{Kind: KindObject, Message: msg} }
func Array(msg string) Rule { return Rule{Kind: KindArray, Message: msg} }
func Email(msg string) Rule { return Rule{Kind: KindEmail, Message: msg} }
func URL(msg string) Rule { return Rule{Kind: KindURL, Message: msg} }

// Regex panics if pattern does not compile; schemas are built at startup.
func Regex(pattern, msg string) Rule {
	return Rule{Kind: KindRegex, Message: msg, pattern: regexp.MustCompile(pattern)}
}

func MaxLength(n int, msg string) Rule {
	return Rule{Kind: KindMaxLength, Message: msg, limit: float64(n)}
}

func MinLength(n int, msg string) Rule {
	return Rule{Kind: KindMinLength, Message: msg, limit: float64(n)}
}

func Max(n float64, msg string) Rule { return Rule{Kind: KindMax, Message: msg, limit: n} }
func Min(n float64, msg string) Rule { return Rule{Kind: KindMin, Message: msg, limit: n} }

func Enum(msg string, values ...interface{}) Rule {
	return Rule{Kind: KindEnum, Message: msg, values: values}
}

func Custom(msg string, fn CustomFunc) Rule {
	return Rule{Kind: KindCustom, Message: msg, fn: fn}
}

// apply returns the violation message, or "" when the value passes.
func (r Rule) apply(field string, value interface{}, present bool, params map[string]interface{}) string {
	msg := r.Message
	if msg == "" {
		msg = fmt.Sprintf("Validation failed for field %s", field)
	}

	if r.Kind == KindRequired {
		if !present || value == nil || value == "" {
			return msg
		}
		return ""
	}
	if r.Kind == KindCustom {
		if r.fn != nil && !r.fn(value, params) {
			return msg
		}
		return ""
	}
	if !present {
		return ""
	}

	var ok bool
	switch r.Kind {
	case KindString:
		_, ok = value.(string)
	case KindNumber:
		_, ok = toFloat(value)
	case KindBoolean:
		_, ok = value.(bool)
	case KindObject:
		_, ok = value.(map[string]interface{})
	case KindArray:
		_, ok = value.([]interface{})
	case KindEmail:
		s, isStr := value.(string)
		ok = isStr && emailPattern.MatchString(s)
	case KindURL:
		s, isStr := value.(string)
		if isStr {
			u, err := url.Parse(s)
			ok = err == nil && u.Scheme != "" && (u.Host != "" || u.Opaque != "")
		}
	case KindRegex:
		s, isStr := value.(string)
		ok = isStr && r.pattern != nil && r.pattern.MatchString(s)
	case KindMaxLength:
		s, isStr := value.(string)
		ok = isStr && float64(utf8.RuneCountInString(s)) <= r.limit
	case KindMinLength:
		s, isStr := value.(string)
		ok = isStr && float64(utf8.RuneCountInString(s)) >= r.limit
	case KindMax:
		n, isNum := toFloat(value)
		ok = isNum && n <= r.limit
	case KindMin:
		n, isNum := toFloat(value)
		ok = isNum && n >= r.limit
	case KindEnum:
		for _, allowed := range r.values {
			if reflect.DeepEqual(allowed, value) {
				ok = true
				break
			}
		}
	default:
		ok = true
	}
	if !ok {
		return msg
	}
	return ""
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}
