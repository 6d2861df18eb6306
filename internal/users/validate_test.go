package users

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidate(t *testing.T) {
	testCases := []struct {
		name   string
		in     Input
		errors []string
		fields Fields
	}{
		{
			name:   "nil body",
			in:     nil,
			errors: []string{MsgBodyRequired},
		},
		{
			name:   "empty body",
			in:     Input{},
			errors: []string{MsgBodyRequired},
		},
		{
			name:   "valid input is trimmed",
			in:     Input{"name": "  John  ", "age": 25.0, "isAdmin": false},
			fields: Fields{Name: "John", Age: 25, IsAdmin: false},
		},
		{
			name:   "empty name",
			in:     Input{"name": "", "age": 25.0, "isAdmin": false},
			errors: []string{MsgNameRequired},
		},
		{
			name:   "whitespace name",
			in:     Input{"name": "   ", "age": 25.0, "isAdmin": true},
			errors: []string{MsgNameRequired},
		},
		{
			name:   "non-string name",
			in:     Input{"name": 42.0, "age": 25.0, "isAdmin": true},
			errors: []string{MsgNameRequired},
		},
		{
			name:   "name too long",
			in:     Input{"name": strings.Repeat("a", 101), "age": 25.0, "isAdmin": false},
			errors: []string{MsgNameTooLong},
		},
		{
			name:   "name of exactly 100 characters",
			in:     Input{"name": strings.Repeat("é", 100), "age": 1.0, "isAdmin": false},
			fields: Fields{Name: strings.Repeat("é", 100), Age: 1},
		},
		{
			name:   "missing age reports required and range",
			in:     Input{"name": "John", "isAdmin": false},
			errors: []string{MsgAgeRequired, MsgAgeRange},
		},
		{
			name:   "null age only reports required",
			in:     Input{"name": "John", "age": nil, "isAdmin": false},
			errors: []string{MsgAgeRequired},
		},
		{
			name:   "negative age",
			in:     Input{"name": "John", "age": -1.0, "isAdmin": false},
			errors: []string{MsgAgeRange},
		},
		{
			name:   "age above range",
			in:     Input{"name": "John", "age": 151.0, "isAdmin": false},
			errors: []string{MsgAgeRange},
		},
		{
			name:   "fractional age",
			in:     Input{"name": "John", "age": 25.5, "isAdmin": false},
			errors: []string{MsgAgeRange},
		},
		{
			name:   "numeric string age",
			in:     Input{"name": "John", "age": "30", "isAdmin": false},
			fields: Fields{Name: "John", Age: 30},
		},
		{
			name:   "garbage string age",
			in:     Input{"name": "John", "age": "old", "isAdmin": false},
			errors: []string{MsgAgeRange},
		},
		{
			name:   "padded numeric string age",
			in:     Input{"name": "John", "age": "  12  ", "isAdmin": false},
			fields: Fields{Name: "John", Age: 12},
		},
		{
			name:   "exponent string age",
			in:     Input{"name": "John", "age": "1e1", "isAdmin": false},
			fields: Fields{Name: "John", Age: 10},
		},
		{
			name:   "hex string age",
			in:     Input{"name": "John", "age": "0x1A", "isAdmin": false},
			fields: Fields{Name: "John", Age: 26},
		},
		{
			name:   "binary string age",
			in:     Input{"name": "John", "age": "0b101", "isAdmin": false},
			fields: Fields{Name: "John", Age: 5},
		},
		{
			name:   "hex float string age",
			in:     Input{"name": "John", "age": "0x1p4", "isAdmin": false},
			errors: []string{MsgAgeRange},
		},
		{
			name:   "underscored string age",
			in:     Input{"name": "John", "age": "1_000", "isAdmin": false},
			errors: []string{MsgAgeRange},
		},
		{
			name:   "boolean age",
			in:     Input{"name": "John", "age": true, "isAdmin": false},
			fields: Fields{Name: "John", Age: 1},
		},
		{
			name:   "empty array age",
			in:     Input{"name": "John", "age": []any{}, "isAdmin": false},
			fields: Fields{Name: "John", Age: 0},
		},
		{
			name:   "single element array age",
			in:     Input{"name": "John", "age": []any{7.0}, "isAdmin": false},
			fields: Fields{Name: "John", Age: 7},
		},
		{
			name:   "single string element array age",
			in:     Input{"name": "John", "age": []any{"8"}, "isAdmin": false},
			fields: Fields{Name: "John", Age: 8},
		},
		{
			name:   "multi element array age",
			in:     Input{"name": "John", "age": []any{1.0, 2.0}, "isAdmin": false},
			errors: []string{MsgAgeRange},
		},
		{
			name:   "object age",
			in:     Input{"name": "John", "age": map[string]any{}, "isAdmin": false},
			errors: []string{MsgAgeRange},
		},
		{
			name:   "age boundaries",
			in:     Input{"name": "John", "age": 150.0, "isAdmin": true},
			fields: Fields{Name: "John", Age: 150, IsAdmin: true},
		},
		{
			name:   "missing isAdmin",
			in:     Input{"name": "John", "age": 25.0},
			errors: []string{MsgIsAdminType, MsgIsAdminNeeded},
		},
		{
			name:   "string isAdmin true fails the type rule",
			in:     Input{"name": "John", "age": 25.0, "isAdmin": "true"},
			errors: []string{MsgIsAdminType},
		},
		{
			name:   "string isAdmin 0 fails the type rule",
			in:     Input{"name": "John", "age": 25.0, "isAdmin": "0"},
			errors: []string{MsgIsAdminType},
		},
		{
			name:   "numeric isAdmin",
			in:     Input{"name": "John", "age": 25.0, "isAdmin": 1.0},
			errors: []string{MsgIsAdminType},
		},
		{
			name:   "unrecognized isAdmin string",
			in:     Input{"name": "John", "age": 25.0, "isAdmin": "yes"},
			errors: []string{MsgIsAdminType},
		},
		{
			name:   "every rule fails",
			in:     Input{"other": 1.0},
			errors: []string{MsgNameRequired, MsgAgeRequired, MsgAgeRange, MsgIsAdminType, MsgIsAdminNeeded},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			v := Validate(tc.in)
			assert.Equal(t, tc.errors, v.Errors)
			assert.Equal(t, len(tc.errors) == 0, v.Valid())
			if v.Valid() {
				assert.Equal(t, tc.fields, v.Fields)
				assert.NoError(t, v.Err())
			} else {
				var verr *ValidationError
				assert.ErrorAs(t, v.Err(), &verr)
				assert.Equal(t, tc.errors, verr.Details)
				assert.ErrorIs(t, v.Err(), ErrValidation)
			}
		})
	}
}

func TestValidateCoercesIsAdminStringsButStillRejectsThem(t *testing.T) {
	for raw, want := range map[string]bool{"true": true, "1": true, "false": false, "0": false} {
		v := Validate(Input{"name": "John", "age": 25.0, "isAdmin": raw})
		assert.False(t, v.Valid(), raw)
		assert.Equal(t, []string{MsgIsAdminType}, v.Errors, raw)
		assert.Equal(t, want, v.Fields.IsAdmin, raw)
	}
}

func TestDecodeInput(t *testing.T) {
	in, err := DecodeInput(nil)
	assert.NoError(t, err)
	assert.Empty(t, in)

	in, err = DecodeInput([]byte(`{"name":"John","age":25,"isAdmin":true}`))
	assert.NoError(t, err)
	assert.Equal(t, "John", in["name"])

	in, err = DecodeInput([]byte(`[1,2,3]`))
	assert.NoError(t, err)
	assert.Empty(t, in)

	_, err = DecodeInput([]byte(`{"name":`))
	assert.ErrorIs(t, err, ErrMalformedInput)
}
