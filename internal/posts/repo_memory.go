package posts

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Repository persists posts and likes. Ids are assigned in strictly
// increasing order per kind and never reused until Truncate.
type Repository interface {
	InsertPost(ctx context.Context, p Post) (Post, error)
	GetPost(ctx context.Context, id int64) (Post, error)
	ListPosts(ctx context.Context, f PostFilter) ([]Post, error)
	ReplacePost(ctx context.Context, p Post) error
	// DeletePosts removes the posts and every like on them.
	DeletePosts(ctx context.Context, ids []int64) error
	// InsertLike returns ErrDuplicateLike when the user already likes the post.
	InsertLike(ctx context.Context, l Like) (Like, error)
	GetLike(ctx context.Context, id int64) (Like, error)
	ListLikes(ctx context.Context, f LikeFilter) ([]Like, error)
	DeleteLikes(ctx context.Context, ids []int64) error
	Truncate(ctx context.Context) error
	Close() error
}

// MemoryRepository keeps posts and likes in id order, optionally written
// through to a JSON state file.
type MemoryRepository struct {
	stateFile string

	mu         sync.RWMutex
	nextPostID int64
	nextLikeID int64
	posts      []Post
	likes      []Like
}

type memoryState struct {
	NextPostID int64  `json:"next_post_id"`
	NextLikeID int64  `json:"next_like_id"`
	Posts      []Post `json:"posts"`
	Likes      []Like `json:"likes"`
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{nextPostID: 1, nextLikeID: 1}
}

func NewMemoryRepositoryWithFile(stateFile string) (*MemoryRepository, error) {
	r := NewMemoryRepository()
	r.stateFile = strings.TrimSpace(stateFile)
	if r.stateFile == "" {
		return nil, fmt.Errorf("state file path is required")
	}
	if err := r.loadState(); err != nil {
		return nil, err
	}
	return r, nil
}

// StateFileFor derives the post state file that sits next to a user state
// file, e.g. data/users.json becomes data/users.posts.json.
func StateFileFor(userStateFile string) string {
	ext := filepath.Ext(userStateFile)
	return strings.TrimSuffix(userStateFile, ext) + ".posts" + ext
}

func (r *MemoryRepository) InsertPost(_ context.Context, p Post) (Post, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p.ID = r.nextPostID
	r.nextPostID++
	r.posts = append(r.posts, p)
	if err := r.persistLocked(); err != nil {
		r.nextPostID--
		r.posts = r.posts[:len(r.posts)-1]
		return Post{}, err
	}
	return p, nil
}

func (r *MemoryRepository) GetPost(_ context.Context, id int64) (Post, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.posts {
		if p.ID == id {
			return p, nil
		}
	}
	return Post{}, ErrPostNotFound
}

func (r *MemoryRepository) ListPosts(_ context.Context, f PostFilter) ([]Post, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Post, 0)
	for _, p := range r.posts {
		if f.match(p) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (r *MemoryRepository) ReplacePost(_ context.Context, p Post) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.posts {
		if r.posts[i].ID != p.ID {
			continue
		}
		prev := r.posts[i]
		r.posts[i] = p
		if err := r.persistLocked(); err != nil {
			r.posts[i] = prev
			return err
		}
		return nil
	}
	return ErrPostNotFound
}

func (r *MemoryRepository) DeletePosts(_ context.Context, ids []int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	drop := idSet(ids)
	prevPosts, prevLikes := r.posts, r.likes

	posts := make([]Post, 0, len(r.posts))
	for _, p := range r.posts {
		if _, ok := drop[p.ID]; !ok {
			posts = append(posts, p)
		}
	}
	likes := make([]Like, 0, len(r.likes))
	for _, l := range r.likes {
		if _, ok := drop[l.PostID]; !ok {
			likes = append(likes, l)
		}
	}
	r.posts, r.likes = posts, likes
	if err := r.persistLocked(); err != nil {
		r.posts, r.likes = prevPosts, prevLikes
		return err
	}
	return nil
}

func (r *MemoryRepository) InsertLike(_ context.Context, l Like) (Like, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.likes {
		if existing.UserID == l.UserID && existing.PostID == l.PostID {
			return Like{}, ErrDuplicateLike
		}
	}

	l.ID = r.nextLikeID
	r.nextLikeID++
	r.likes = append(r.likes, l)
	if err := r.persistLocked(); err != nil {
		r.nextLikeID--
		r.likes = r.likes[:len(r.likes)-1]
		return Like{}, err
	}
	return l, nil
}

func (r *MemoryRepository) GetLike(_ context.Context, id int64) (Like, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, l := range r.likes {
		if l.ID == id {
			return l, nil
		}
	}
	return Like{}, ErrLikeNotFound
}

func (r *MemoryRepository) ListLikes(_ context.Context, f LikeFilter) ([]Like, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Like, 0)
	for _, l := range r.likes {
		if f.match(l) {
			out = append(out, l)
		}
	}
	return out, nil
}

func (r *MemoryRepository) DeleteLikes(_ context.Context, ids []int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	drop := idSet(ids)
	prev := r.likes
	likes := make([]Like, 0, len(r.likes))
	for _, l := range r.likes {
		if _, ok := drop[l.ID]; !ok {
			likes = append(likes, l)
		}
	}
	r.likes = likes
	if err := r.persistLocked(); err != nil {
		r.likes = prev
		return err
	}
	return nil
}

func (r *MemoryRepository) Truncate(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.posts, r.likes = nil, nil
	r.nextPostID, r.nextLikeID = 1, 1
	return r.persistLocked()
}

func (r *MemoryRepository) Close() error {
	return nil
}

func (r *MemoryRepository) loadState() error {
	b, err := os.ReadFile(r.stateFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read post state: %w", err)
	}
	if len(b) == 0 {
		return nil
	}
	var decoded memoryState
	if err := json.Unmarshal(b, &decoded); err != nil {
		return fmt.Errorf("decode post state: %w", err)
	}
	for _, p := range decoded.Posts {
		r.posts = append(r.posts, p)
		if p.ID >= decoded.NextPostID {
			decoded.NextPostID = p.ID + 1
		}
	}
	for _, l := range decoded.Likes {
		r.likes = append(r.likes, l)
		if l.ID >= decoded.NextLikeID {
			decoded.NextLikeID = l.ID + 1
		}
	}
	r.nextPostID = max(r.nextPostID, decoded.NextPostID)
	r.nextLikeID = max(r.nextLikeID, decoded.NextLikeID)
	return nil
}

func (r *MemoryRepository) persistLocked() error {
	if r.stateFile == "" {
		return nil
	}
	b, err := json.MarshalIndent(memoryState{
		NextPostID: r.nextPostID,
		NextLikeID: r.nextLikeID,
		Posts:      r.posts,
		Likes:      r.likes,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode post state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(r.stateFile), 0o755); err != nil {
		return fmt.Errorf("mkdir post state dir: %w", err)
	}
	if err := os.WriteFile(r.stateFile, b, 0o644); err != nil {
		return fmt.Errorf("write post state: %w", err)
	}
	return nil
}

func idSet(ids []int64) map[int64]struct{} {
	set := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}
