package posts

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"usersvc/users-api/internal/users"
)

var (
	ErrPostNotFound   = errors.New("post not found")
	ErrLikeNotFound   = errors.New("like not found")
	ErrAuthorNotFound = errors.New("author not found")
	ErrUserNotFound   = errors.New("user or post not found")
	ErrDuplicateLike  = errors.New("post already liked")
	ErrInvalidPostID  = errors.New("invalid post id")
	ErrInvalidLikeID  = errors.New("invalid like id")
)

// Post is an authored entry. A post with ReplyToID set is a reply to a
// top-level post; replies cannot themselves be replied to.
type Post struct {
	ID        int64     `db:"id"`
	Title     string    `db:"title"`
	Content   string    `db:"content"`
	AuthorID  int64     `db:"author_id"`
	ImagePath *string   `db:"image_path"`
	ReplyToID *int64    `db:"reply_to_id"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

type postJSON struct {
	ID        int64   `json:"id"`
	Title     string  `json:"title"`
	Content   string  `json:"content"`
	AuthorID  int64   `json:"authorId"`
	ImagePath *string `json:"imagePath"`
	ReplyToID *int64  `json:"replyToId"`
	CreatedAt string  `json:"createdAt"`
	UpdatedAt string  `json:"updatedAt"`
}

func (p Post) MarshalJSON() ([]byte, error) {
	return json.Marshal(postJSON{
		ID:        p.ID,
		Title:     p.Title,
		Content:   p.Content,
		AuthorID:  p.AuthorID,
		ImagePath: p.ImagePath,
		ReplyToID: p.ReplyToID,
		CreatedAt: p.CreatedAt.UTC().Format(users.TimestampLayout),
		UpdatedAt: p.UpdatedAt.UTC().Format(users.TimestampLayout),
	})
}

func (p *Post) UnmarshalJSON(b []byte) error {
	var raw postJSON
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
	*p = Post{
		ID:        raw.ID,
		Title:     raw.Title,
		Content:   raw.Content,
		AuthorID:  raw.AuthorID,
		ImagePath: raw.ImagePath,
		ReplyToID: raw.ReplyToID,
		CreatedAt: createdAt.UTC(),
		UpdatedAt: updatedAt.UTC(),
	}
	return nil
}

// Like joins a user to a post. A user likes a post at most once.
type Like struct {
	ID        int64     `db:"id"`
	UserID    int64     `db:"user_id"`
	PostID    int64     `db:"post_id"`
	CreatedAt time.Time `db:"created_at"`
}

type likeJSON struct {
	ID        int64  `json:"id"`
	UserID    int64  `json:"userId"`
	PostID    int64  `json:"postId"`
	CreatedAt string `json:"createdAt"`
}

func (l Like) MarshalJSON() ([]byte, error) {
	return json.Marshal(likeJSON{
		ID:        l.ID,
		UserID:    l.UserID,
		PostID:    l.PostID,
		CreatedAt: l.CreatedAt.UTC().Format(users.TimestampLayout),
	})
}

func (l *Like) UnmarshalJSON(b []byte) error {
	var raw likeJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	createdAt, err := time.Parse(time.RFC3339Nano, raw.CreatedAt)
	if err != nil {
		return fmt.Errorf("parse createdAt: %w", err)
	}
	*l = Like{ID: raw.ID, UserID: raw.UserID, PostID: raw.PostID, CreatedAt: createdAt.UTC()}
	return nil
}

// Summary is a top-level post as listed, with its counters.
type Summary struct {
	Post
	ReplyCount int `json:"replyCount"`
	LikeCount  int `json:"likeCount"`
}

func (s Summary) MarshalJSON() ([]byte, error) {
	return mergeJSON(s.Post, map[string]any{
		"replyCount": s.ReplyCount,
		"likeCount":  s.LikeCount,
	})
}

// Detail is a single post with its replies and likes.
type Detail struct {
	Post
	Replies []Post `json:"replies"`
	Likes   []Like `json:"likes"`
}

func (d Detail) MarshalJSON() ([]byte, error) {
	replies, likes := d.Replies, d.Likes
	if replies == nil {
		replies = []Post{}
	}
	if likes == nil {
		likes = []Like{}
	}
	return mergeJSON(d.Post, map[string]any{
		"replies": replies,
		"likes":   likes,
	})
}

func mergeJSON(p Post, extra map[string]any) ([]byte, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(b, &obj); err != nil {
		return nil, err
	}
	for k, v := range extra {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		obj[k] = raw
	}
	return json.Marshal(obj)
}

// PostFilter narrows ListPosts. Zero values match everything.
type PostFilter struct {
	TopLevel bool
	ReplyTo  int64
	AuthorID int64
}

func (f PostFilter) match(p Post) bool {
	if f.TopLevel && p.ReplyToID != nil {
		return false
	}
	if f.ReplyTo != 0 && (p.ReplyToID == nil || *p.ReplyToID != f.ReplyTo) {
		return false
	}
	if f.AuthorID != 0 && p.AuthorID != f.AuthorID {
		return false
	}
	return true
}

// LikeFilter narrows ListLikes. Zero values match everything.
type LikeFilter struct {
	PostID int64
	UserID int64
}

func (f LikeFilter) match(l Like) bool {
	if f.PostID != 0 && l.PostID != f.PostID {
		return false
	}
	if f.UserID != 0 && l.UserID != f.UserID {
		return false
	}
	return true
}

func parseID(raw string, sentinel error) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", sentinel, raw)
	}
	return id, nil
}
