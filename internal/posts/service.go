package posts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"usersvc/users-api/internal/uploads"
	"usersvc/users-api/internal/users"
)

// Authors resolves the users that posts and likes refer to.
type Authors interface {
	Get(ctx context.Context, rawID string) (users.User, error)
}

// Images reports whether an uploaded file exists under its stored name.
type Images interface {
	Has(name string) bool
}

// Service owns posts and likes. References to users and posts are checked
// here, not by database constraints. Mutations are serialized.
type Service struct {
	repo    Repository
	authors Authors
	images  Images
	log     *slog.Logger
	nowFunc func() time.Time

	mutations metric.Int64Counter

	mu sync.Mutex
}

func NewService(repo Repository, authors Authors, logger *slog.Logger) (*Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("repository is required")
	}
	if authors == nil {
		return nil, fmt.Errorf("author lookup is required")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	counter, err := otel.Meter(instrumentationName).Int64Counter(
		"posts.mutations",
		metric.WithDescription("Successful post and like mutations by operation"),
	)
	if err != nil {
		return nil, fmt.Errorf("create mutation counter: %w", err)
	}
	return &Service{
		repo:      repo,
		authors:   authors,
		log:       logger,
		nowFunc:   time.Now,
		mutations: counter,
	}, nil
}

// WithImages makes imagePath values under the local upload prefix refer to
// files that actually exist.
func (s *Service) WithImages(images Images) *Service {
	s.images = images
	return s
}

func (s *Service) now() time.Time {
	return s.nowFunc().UTC().Truncate(time.Millisecond)
}

func (s *Service) CreatePost(ctx context.Context, in users.Input) (Post, error) {
	f, err := ValidatePost(in)
	if err != nil {
		return Post{}, err
	}
	if err := s.checkImage(f.ImagePath); err != nil {
		return Post{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.userExists(ctx, f.AuthorID, ErrAuthorNotFound); err != nil {
		return Post{}, err
	}
	if f.ReplyToID != nil {
		parent, err := s.repo.GetPost(ctx, *f.ReplyToID)
		if err != nil {
			return Post{}, err
		}
		if parent.ReplyToID != nil {
			return Post{}, &users.ValidationError{Details: []string{MsgNestedReply}}
		}
	}

	now := s.now()
	created, err := s.repo.InsertPost(ctx, Post{
		Title:     f.Title,
		Content:   f.Content,
		AuthorID:  f.AuthorID,
		ImagePath: f.ImagePath,
		ReplyToID: f.ReplyToID,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return Post{}, fmt.Errorf("insert post: %w", err)
	}
	s.count(ctx, "post.create")
	s.log.Debug("post created", "id", created.ID, "author_id", created.AuthorID)
	return created, nil
}

// ListPosts returns top-level posts newest first with their reply and like
// counts. A non-zero authorID narrows the list to that author.
func (s *Service) ListPosts(ctx context.Context, authorID int64) ([]Summary, error) {
	top, err := s.repo.ListPosts(ctx, PostFilter{TopLevel: true, AuthorID: authorID})
	if err != nil {
		return nil, fmt.Errorf("list posts: %w", err)
	}
	all, err := s.repo.ListPosts(ctx, PostFilter{})
	if err != nil {
		return nil, fmt.Errorf("list replies: %w", err)
	}
	likes, err := s.repo.ListLikes(ctx, LikeFilter{})
	if err != nil {
		return nil, fmt.Errorf("list likes: %w", err)
	}

	replies := make(map[int64]int)
	for _, p := range all {
		if p.ReplyToID != nil {
			replies[*p.ReplyToID]++
		}
	}
	likeCounts := make(map[int64]int)
	for _, l := range likes {
		likeCounts[l.PostID]++
	}

	out := make([]Summary, 0, len(top))
	for _, p := range top {
		out = append(out, Summary{Post: p, ReplyCount: replies[p.ID], LikeCount: likeCounts[p.ID]})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

// GetPost returns the post with its replies oldest first and its likes.
func (s *Service) GetPost(ctx context.Context, rawID string) (Detail, error) {
	id, err := parseID(rawID, ErrInvalidPostID)
	if err != nil {
		return Detail{}, err
	}
	p, err := s.repo.GetPost(ctx, id)
	if err != nil {
		return Detail{}, err
	}
	replies, err := s.repo.ListPosts(ctx, PostFilter{ReplyTo: id})
	if err != nil {
		return Detail{}, fmt.Errorf("list replies: %w", err)
	}
	likes, err := s.repo.ListLikes(ctx, LikeFilter{PostID: id})
	if err != nil {
		return Detail{}, fmt.Errorf("list likes: %w", err)
	}
	return Detail{Post: p, Replies: replies, Likes: likes}, nil
}

// UpdatePost changes any of title, content and imagePath. Existence is
// checked before the input is validated.
func (s *Service) UpdatePost(ctx context.Context, rawID string, in users.Input) (Post, error) {
	id, err := parseID(rawID, ErrInvalidPostID)
	if err != nil {
		return Post{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.repo.GetPost(ctx, id)
	if err != nil {
		return Post{}, err
	}
	f, err := ValidatePostUpdate(in)
	if err != nil {
		return Post{}, err
	}
	if err := s.checkImage(f.ImagePath); err != nil {
		return Post{}, err
	}

	if f.HasTitle {
		existing.Title = f.Title
	}
	if f.HasContent {
		existing.Content = f.Content
	}
	if f.HasImagePath {
		existing.ImagePath = f.ImagePath
	}
	now := s.now()
	if now.Before(existing.UpdatedAt) {
		now = existing.UpdatedAt
	}
	existing.UpdatedAt = now
	if err := s.repo.ReplacePost(ctx, existing); err != nil {
		return Post{}, err
	}
	s.count(ctx, "post.update")
	s.log.Debug("post updated", "id", id)
	return existing, nil
}

// DeletePost removes the post, its replies and every like on them.
func (s *Service) DeletePost(ctx context.Context, rawID string) (Post, error) {
	id, err := parseID(rawID, ErrInvalidPostID)
	if err != nil {
		return Post{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.repo.GetPost(ctx, id)
	if err != nil {
		return Post{}, err
	}
	replies, err := s.repo.ListPosts(ctx, PostFilter{ReplyTo: id})
	if err != nil {
		return Post{}, fmt.Errorf("list replies: %w", err)
	}
	ids := []int64{id}
	for _, r := range replies {
		ids = append(ids, r.ID)
	}
	if err := s.repo.DeletePosts(ctx, ids); err != nil {
		return Post{}, fmt.Errorf("delete posts: %w", err)
	}
	s.count(ctx, "post.delete")
	s.log.Debug("post deleted", "id", id, "replies", len(replies))
	return p, nil
}

// CreateLike records that a user likes a post. Both must exist.
func (s *Service) CreateLike(ctx context.Context, in users.Input) (Like, error) {
	userID, postID, err := ValidateLike(in)
	if err != nil {
		return Like{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.userExists(ctx, userID, ErrUserNotFound); err != nil {
		return Like{}, err
	}
	if _, err := s.repo.GetPost(ctx, postID); err != nil {
		if errors.Is(err, ErrPostNotFound) {
			return Like{}, ErrUserNotFound
		}
		return Like{}, err
	}
	created, err := s.repo.InsertLike(ctx, Like{UserID: userID, PostID: postID, CreatedAt: s.now()})
	if err != nil {
		return Like{}, err
	}
	s.count(ctx, "like.create")
	s.log.Debug("like created", "id", created.ID, "user_id", userID, "post_id", postID)
	return created, nil
}

func (s *Service) ListLikes(ctx context.Context, f LikeFilter) ([]Like, error) {
	out, err := s.repo.ListLikes(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list likes: %w", err)
	}
	return out, nil
}

func (s *Service) GetLike(ctx context.Context, rawID string) (Like, error) {
	id, err := parseID(rawID, ErrInvalidLikeID)
	if err != nil {
		return Like{}, err
	}
	return s.repo.GetLike(ctx, id)
}

func (s *Service) DeleteLike(ctx context.Context, rawID string) (Like, error) {
	id, err := parseID(rawID, ErrInvalidLikeID)
	if err != nil {
		return Like{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	l, err := s.repo.GetLike(ctx, id)
	if err != nil {
		return Like{}, err
	}
	if err := s.repo.DeleteLikes(ctx, []int64{id}); err != nil {
		return Like{}, fmt.Errorf("delete like: %w", err)
	}
	s.count(ctx, "like.delete")
	return l, nil
}

// RemoveUserContent deletes a removed user's likes and posts, including
// replies to those posts.
func (s *Service) RemoveUserContent(ctx context.Context, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	likes, err := s.repo.ListLikes(ctx, LikeFilter{UserID: userID})
	if err != nil {
		return fmt.Errorf("list user likes: %w", err)
	}
	likeIDs := make([]int64, 0, len(likes))
	for _, l := range likes {
		likeIDs = append(likeIDs, l.ID)
	}
	if err := s.repo.DeleteLikes(ctx, likeIDs); err != nil {
		return fmt.Errorf("delete user likes: %w", err)
	}

	authored, err := s.repo.ListPosts(ctx, PostFilter{AuthorID: userID})
	if err != nil {
		return fmt.Errorf("list user posts: %w", err)
	}
	var postIDs []int64
	for _, p := range authored {
		postIDs = append(postIDs, p.ID)
		if p.ReplyToID != nil {
			continue
		}
		replies, err := s.repo.ListPosts(ctx, PostFilter{ReplyTo: p.ID})
		if err != nil {
			return fmt.Errorf("list replies: %w", err)
		}
		for _, r := range replies {
			postIDs = append(postIDs, r.ID)
		}
	}
	if err := s.repo.DeletePosts(ctx, postIDs); err != nil {
		return fmt.Errorf("delete user posts: %w", err)
	}
	if len(likeIDs) > 0 || len(postIDs) > 0 {
		s.log.Info("user content removed", "user_id", userID, "likes", len(likeIDs), "posts", len(postIDs))
	}
	return nil
}

// Reset drops every post and like and restarts ids at 1.
func (s *Service) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.repo.Truncate(ctx); err != nil {
		return fmt.Errorf("reset posts: %w", err)
	}
	s.log.Info("post store reset")
	return nil
}

func (s *Service) Close() error {
	return s.repo.Close()
}

func (s *Service) userExists(ctx context.Context, id int64, notFound error) error {
	if _, err := s.authors.Get(ctx, strconv.FormatInt(id, 10)); err != nil {
		if errors.Is(err, users.ErrNotFound) {
			return notFound
		}
		return fmt.Errorf("look up user %d: %w", id, err)
	}
	return nil
}

func (s *Service) checkImage(imagePath *string) error {
	if s.images == nil || imagePath == nil || !strings.HasPrefix(*imagePath, uploads.PublicPrefix) {
		return nil
	}
	if !s.images.Has(strings.TrimPrefix(*imagePath, uploads.PublicPrefix)) {
		return &users.ValidationError{Details: []string{MsgImageFile}}
	}
	return nil
}

func (s *Service) count(ctx context.Context, op string) {
	s.mutations.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}
