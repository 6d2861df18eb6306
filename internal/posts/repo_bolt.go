package posts

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/boltdb/bolt"
)

var (
	postsBucket = []byte("posts")
	likesBucket = []byte("likes")
)

// BoltRepository stores posts and likes as JSON documents keyed by their
// big-endian id in one bucket each, next to the users bucket.
type BoltRepository struct {
	db *bolt.DB
}

func NewBoltRepository(db *bolt.DB) (*BoltRepository, error) {
	if db == nil {
		return nil, fmt.Errorf("bolt database is required")
	}
	err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{postsBucket, likesBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("could not ensure bucket %q exists: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &BoltRepository{db: db}, nil
}

func (r *BoltRepository) InsertPost(_ context.Context, p Post) (Post, error) {
	err := r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(postsBucket)
		seq, err := b.NextSequence()
		if err != nil {
			return fmt.Errorf("next post id: %w", err)
		}
		p.ID = int64(seq)
		return put(b, p.ID, p)
	})
	if err != nil {
		return Post{}, err
	}
	return p, nil
}

func (r *BoltRepository) GetPost(_ context.Context, id int64) (p Post, err error) {
	err = r.db.View(func(tx *bolt.Tx) error {
		return get(tx.Bucket(postsBucket), id, &p, ErrPostNotFound)
	})
	return p, err
}

func (r *BoltRepository) ListPosts(_ context.Context, f PostFilter) ([]Post, error) {
	out := make([]Post, 0)
	err := r.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(postsBucket).ForEach(func(_, v []byte) error {
			var p Post
			if err := json.Unmarshal(v, &p); err != nil {
				return fmt.Errorf("decode post: %w", err)
			}
			if f.match(p) {
				out = append(out, p)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *BoltRepository) ReplacePost(_ context.Context, p Post) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(postsBucket)
		if b.Get(idKey(p.ID)) == nil {
			return ErrPostNotFound
		}
		return put(b, p.ID, p)
	})
}

func (r *BoltRepository) DeletePosts(_ context.Context, ids []int64) error {
	drop := idSet(ids)
	return r.db.Update(func(tx *bolt.Tx) error {
		var likeKeys [][]byte
		err := tx.Bucket(likesBucket).ForEach(func(k, v []byte) error {
			var l Like
			if err := json.Unmarshal(v, &l); err != nil {
				return fmt.Errorf("decode like: %w", err)
			}
			if _, ok := drop[l.PostID]; ok {
				likeKeys = append(likeKeys, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		likes := tx.Bucket(likesBucket)
		for _, k := range likeKeys {
			if err := likes.Delete(k); err != nil {
				return fmt.Errorf("could not delete like: %w", err)
			}
		}
		posts := tx.Bucket(postsBucket)
		for _, id := range ids {
			if err := posts.Delete(idKey(id)); err != nil {
				return fmt.Errorf("could not delete post %d: %w", id, err)
			}
		}
		return nil
	})
}

func (r *BoltRepository) InsertLike(_ context.Context, l Like) (Like, error) {
	err := r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(likesBucket)
		err := b.ForEach(func(_, v []byte) error {
			var existing Like
			if err := json.Unmarshal(v, &existing); err != nil {
				return fmt.Errorf("decode like: %w", err)
			}
			if existing.UserID == l.UserID && existing.PostID == l.PostID {
				return ErrDuplicateLike
			}
			return nil
		})
		if err != nil {
			return err
		}
		seq, err := b.NextSequence()
		if err != nil {
			return fmt.Errorf("next like id: %w", err)
		}
		l.ID = int64(seq)
		return put(b, l.ID, l)
	})
	if err != nil {
		return Like{}, err
	}
	return l, nil
}

func (r *BoltRepository) GetLike(_ context.Context, id int64) (l Like, err error) {
	err = r.db.View(func(tx *bolt.Tx) error {
		return get(tx.Bucket(likesBucket), id, &l, ErrLikeNotFound)
	})
	return l, err
}

func (r *BoltRepository) ListLikes(_ context.Context, f LikeFilter) ([]Like, error) {
	out := make([]Like, 0)
	err := r.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(likesBucket).ForEach(func(_, v []byte) error {
			var l Like
			if err := json.Unmarshal(v, &l); err != nil {
				return fmt.Errorf("decode like: %w", err)
			}
			if f.match(l) {
				out = append(out, l)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *BoltRepository) DeleteLikes(_ context.Context, ids []int64) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(likesBucket)
		for _, id := range ids {
			if err := b.Delete(idKey(id)); err != nil {
				return fmt.Errorf("could not delete like %d: %w", id, err)
			}
		}
		return nil
	})
}

// Truncate recreates both buckets, which also restarts their sequences.
func (r *BoltRepository) Truncate(_ context.Context) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{postsBucket, likesBucket} {
			if err := tx.DeleteBucket(name); err != nil && err != bolt.ErrBucketNotFound {
				return fmt.Errorf("could not drop bucket %q: %w", name, err)
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return fmt.Errorf("could not recreate bucket %q: %w", name, err)
			}
		}
		return nil
	})
}

// Close is a no-op: the handle is shared with the user repository, which
// owns it.
func (r *BoltRepository) Close() error {
	return nil
}

func get(b *bolt.Bucket, id int64, dst any, notFound error) error {
	v := b.Get(idKey(id))
	if v == nil {
		return notFound
	}
	if err := json.Unmarshal(v, dst); err != nil {
		return fmt.Errorf("decode record %d: %w", id, err)
	}
	return nil
}

func put(b *bolt.Bucket, id int64, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode record %d: %w", id, err)
	}
	if err := b.Put(idKey(id), data); err != nil {
		return fmt.Errorf("could not put record %d: %w", id, err)
	}
	return nil
}

func idKey(id int64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(id))
	return k
}
