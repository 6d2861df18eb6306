package users

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// TimestampLayout is the wire format of createdAt/updatedAt.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

var (
	ErrNotFound       = errors.New("user not found")
	ErrInvalidID      = errors.New("invalid user id")
	ErrMalformedInput = errors.New("malformed input")
	ErrValidation     = errors.New("validation failed")
)

// ValidationError carries every failing rule's message.
type ValidationError struct {
	Details []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", ErrValidation, strings.Join(e.Details, "; "))
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// Input is a decoded, not yet validated request body.
type Input map[string]any

// Fields is the typed result of a successful validation.
type Fields struct {
	Name    string
	Age     int
	IsAdmin bool
}

type User struct {
	ID        int64     `db:"id"`
	Name      string    `db:"name"`
	Age       int       `db:"age"`
	IsAdmin   bool      `db:"is_admin"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

type userJSON struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Age       int    `json:"age"`
	IsAdmin   bool   `json:"isAdmin"`
	CreatedAt string `json:"createdAt"`
	UpdatedAt string `json:"updatedAt"`
}

func (u User) MarshalJSON() ([]byte, error) {
	return json.Marshal(userJSON{
		ID:        u.ID,
		Name:      u.Name,
		Age:       u.Age,
		IsAdmin:   u.IsAdmin,
		CreatedAt: u.CreatedAt.UTC().Format(TimestampLayout),
		UpdatedAt: u.UpdatedAt.UTC().Format(TimestampLayout),
	})
}

func (u *User) UnmarshalJSON(b []byte) error {
	var raw userJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	createdAt, err := time.Parse(time.RFC3339Nano, raw.CreatedAt)
	if err != nil {
		return fmt.Errorf("parse createdAt: %w", err)
	}
	updatedAt, err := time.Parse(time.RFC3339Nano, raw.UpdatedAt)
	if err != nil {
		return fmt.Errorf("parse updatedAt: %w", err)
	}
	*u = User{
		ID:        raw.ID,
		Name:      raw.Name,
		Age:       raw.Age,
		IsAdmin:   raw.IsAdmin,
		CreatedAt: createdAt.UTC(),
		UpdatedAt: updatedAt.UTC(),
	}
	return nil
}

// DecodeInput parses a request body. An empty body yields an empty Input and
// JSON that is not an object is treated as empty.
func DecodeInput(body []byte) (Input, error) {
	if len(strings.TrimSpace(string(body))) == 0 {
		return Input{}, nil
	}
	var decoded any
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedInput, err)
	}
	obj, ok := decoded.(map[string]any)
	if !ok {
		return Input{}, nil
	}
	return Input(obj), nil
}
