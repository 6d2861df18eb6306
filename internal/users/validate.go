package users

import (
	"encoding/json"
	"math"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

const (
	maxNameLength = 100
	minAge        = 0
	maxAge        = 150
)

const (
	MsgBodyRequired  = "Request body is required"
	MsgNameRequired  = "Name is required and must be a non-empty string"
	MsgNameTooLong   = "Name must be 100 characters or less"
	MsgAgeRequired   = "Age is required"
	MsgAgeRange      = "Age must be a valid integer between 0 and 150"
	MsgIsAdminType   = "isAdmin must be a boolean value"
	MsgIsAdminNeeded = "isAdmin is required"
)

// Validation is the outcome of Validate. Fields is only meaningful when
// Valid reports true.
type Validation struct {
	Fields Fields
	Errors []string
}

func (v Validation) Valid() bool {
	return len(v.Errors) == 0
}

// Err returns a *ValidationError for an invalid result and nil otherwise.
func (v Validation) Err() error {
	if v.Valid() {
		return nil
	}
	return &ValidationError{Details: append([]string(nil), v.Errors...)}
}

// Validate checks every rule and collects all failing messages. A missing
// age reports both the required and the range message.
func Validate(in Input) Validation {
	var res Validation
	if len(in) == 0 {
		res.Errors = []string{MsgBodyRequired}
		return res
	}

	rawName, _ := in["name"].(string)
	name := strings.TrimSpace(rawName)
	switch {
	case name == "":
		res.Errors = append(res.Errors, MsgNameRequired)
	case utf8.RuneCountInString(name) > maxNameLength:
		res.Errors = append(res.Errors, MsgNameTooLong)
	default:
		res.Fields.Name = name
	}

	rawAge, hasAge := in["age"]
	if !hasAge || rawAge == nil {
		res.Errors = append(res.Errors, MsgAgeRequired)
	}
	age := toNumber(rawAge, hasAge)
	if math.IsNaN(age) || age != math.Trunc(age) || age < minAge || age > maxAge {
		res.Errors = append(res.Errors, MsgAgeRange)
	} else {
		res.Fields.Age = int(age)
	}

	rawAdmin, hasAdmin := in["isAdmin"]
	if _, ok := rawAdmin.(bool); !ok {
		res.Errors = append(res.Errors, MsgIsAdminType)
	}
	res.Fields.IsAdmin, _ = coerceBool(rawAdmin)
	if !hasAdmin || rawAdmin == nil {
		res.Errors = append(res.Errors, MsgIsAdminNeeded)
	}

	return res
}

// coerceBool maps booleans and the string forms "true", "1", "false" and
// "0" to a bool. The type rule in Validate still rejects the string forms.
func coerceBool(v any) (bool, bool) {
	switch t := v.(type) {
	case bool:
		return t, true
	case string:
		switch t {
		case "true", "1":
			return true, true
		case "false", "0":
			return false, true
		}
	}
	return false, false
}

// toNumber follows JavaScript Number(): an absent value and objects are
// NaN, null and blank strings are 0, booleans are 0 or 1, strings accept
// decimal and 0x/0o/0b integer literals, and arrays convert through their
// string form so [] is 0 and [7] is 7.
func toNumber(v any, present bool) float64 {
	if !present {
		return math.NaN()
	}
	switch t := v.(type) {
	case nil:
		return 0
	case float64:
		return t
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case json.Number:
		return stringToNumber(t.String())
	case bool:
		if t {
			return 1
		}
		return 0
	case string:
		return stringToNumber(t)
	case []any:
		switch len(t) {
		case 0:
			return 0
		case 1:
			return arrayElementToNumber(t[0])
		}
		return math.NaN()
	default:
		return math.NaN()
	}
}

// arrayElementToNumber converts the single element of an array the way its
// joined string form would convert.
func arrayElementToNumber(v any) float64 {
	switch t := v.(type) {
	case nil:
		return 0
	case float64, int, int64, json.Number, string, []any:
		return toNumber(t, true)
	default:
		// booleans join as "true"/"false" and objects as "[object Object]".
		return math.NaN()
	}
}

var decimalLiteral = regexp.MustCompile(`^[+-]?(\d+\.?\d*|\.\d+)([eE][+-]?\d+)?$`)

func stringToNumber(raw string) float64 {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0
	}
	if len(s) > 2 && s[0] == '0' {
		base := 0
		switch s[1] {
		case 'x', 'X':
			base = 16
		case 'o', 'O':
			base = 8
		case 'b', 'B':
			base = 2
		}
		if base != 0 {
			n, err := strconv.ParseUint(s[2:], base, 64)
			if err != nil {
				return math.NaN()
			}
			return float64(n)
		}
	}
	if !decimalLiteral.MatchString(s) {
		return math.NaN()
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return math.NaN()
	}
	return f
}
