package posts

import (
	"math"
	"strings"
	"unicode/utf8"

	"usersvc/users-api/internal/users"
)

const (
	minTextLength  = 2
	maxTitleLength = 200
)

const (
	MsgTitle       = "Title is required and must be a string of at least 2 characters"
	MsgTitleLength = "Title must be 200 characters or less"
	MsgContent     = "Content is required and must be a string of at least 2 characters"
	MsgAuthorID    = "authorId is required and must be a positive integer"
	MsgImagePath   = "imagePath must be a non-empty string or null"
	MsgImageFile   = "imagePath must reference an uploaded image"
	MsgReplyToID   = "replyToId must be a positive integer or null"
	MsgNestedReply = "Replies cannot be replied to"
	MsgNoChanges   = "At least one of title, content or imagePath is required"
	MsgUserID      = "userId is required and must be a positive integer"
	MsgPostID      = "postId is required and must be a positive integer"
)

// PostFields is the typed result of validating a post body. For updates the
// Has* flags record which fields were supplied.
type PostFields struct {
	Title     string
	Content   string
	AuthorID  int64
	ImagePath *string
	ReplyToID *int64

	HasTitle     bool
	HasContent   bool
	HasImagePath bool
}

// ValidatePost checks a create body: title, content and authorId are
// required, imagePath and replyToId are optional.
func ValidatePost(in users.Input) (PostFields, error) {
	if len(in) == 0 {
		return PostFields{}, &users.ValidationError{Details: []string{users.MsgBodyRequired}}
	}
	var f PostFields
	var errs []string

	f.Title, f.HasTitle, errs = checkTitle(in, errs, true)
	f.Content, f.HasContent, errs = checkContent(in, errs, true)

	id, ok := positiveInt(in["authorId"])
	if !ok {
		errs = append(errs, MsgAuthorID)
	}
	f.AuthorID = id

	f.ImagePath, f.HasImagePath, errs = checkImagePath(in, errs)

	if raw, present := in["replyToId"]; present && raw != nil {
		id, ok := positiveInt(raw)
		if !ok {
			errs = append(errs, MsgReplyToID)
		} else {
			f.ReplyToID = &id
		}
	}

	if len(errs) > 0 {
		return PostFields{}, &users.ValidationError{Details: errs}
	}
	return f, nil
}

// ValidatePostUpdate checks a partial update body. authorId and replyToId
// are fixed at creation and ignored here.
func ValidatePostUpdate(in users.Input) (PostFields, error) {
	if len(in) == 0 {
		return PostFields{}, &users.ValidationError{Details: []string{users.MsgBodyRequired}}
	}
	var f PostFields
	var errs []string

	f.Title, f.HasTitle, errs = checkTitle(in, errs, false)
	f.Content, f.HasContent, errs = checkContent(in, errs, false)
	f.ImagePath, f.HasImagePath, errs = checkImagePath(in, errs)

	if len(errs) == 0 && !f.HasTitle && !f.HasContent && !f.HasImagePath {
		errs = append(errs, MsgNoChanges)
	}
	if len(errs) > 0 {
		return PostFields{}, &users.ValidationError{Details: errs}
	}
	return f, nil
}

// ValidateLike checks a like body and returns the user and post ids.
func ValidateLike(in users.Input) (userID, postID int64, err error) {
	if len(in) == 0 {
		return 0, 0, &users.ValidationError{Details: []string{users.MsgBodyRequired}}
	}
	var errs []string
	userID, ok := positiveInt(in["userId"])
	if !ok {
		errs = append(errs, MsgUserID)
	}
	postID, ok = positiveInt(in["postId"])
	if !ok {
		errs = append(errs, MsgPostID)
	}
	if len(errs) > 0 {
		return 0, 0, &users.ValidationError{Details: errs}
	}
	return userID, postID, nil
}

func checkTitle(in users.Input, errs []string, required bool) (string, bool, []string) {
	raw, present := in["title"]
	if !present && !required {
		return "", false, errs
	}
	s, ok := text(raw)
	switch {
	case !ok:
		errs = append(errs, MsgTitle)
	case utf8.RuneCountInString(s) > maxTitleLength:
		errs = append(errs, MsgTitleLength)
	}
	return s, present, errs
}

func checkContent(in users.Input, errs []string, required bool) (string, bool, []string) {
	raw, present := in["content"]
	if !present && !required {
		return "", false, errs
	}
	s, ok := text(raw)
	if !ok {
		errs = append(errs, MsgContent)
	}
	return s, present, errs
}

func checkImagePath(in users.Input, errs []string) (*string, bool, []string) {
	raw, present := in["imagePath"]
	if !present || raw == nil {
		return nil, present, errs
	}
	s, ok := raw.(string)
	s = strings.TrimSpace(s)
	if !ok || s == "" {
		return nil, present, append(errs, MsgImagePath)
	}
	return &s, present, errs
}

// text accepts strings of at least minTextLength characters after trimming.
func text(v any) (string, bool) {
	s, ok := v.(string)
	if !ok {
		return "", false
	}
	s = strings.TrimSpace(s)
	return s, utf8.RuneCountInString(s) >= minTextLength
}

// positiveInt accepts JSON numbers that are whole and greater than zero.
func positiveInt(v any) (int64, bool) {
	n, ok := v.(float64)
	if !ok || math.IsNaN(n) || math.IsInf(n, 0) || n != math.Trunc(n) || n < 1 || n > math.MaxInt64/2 {
		return 0, false
	}
	return int64(n), true
}
