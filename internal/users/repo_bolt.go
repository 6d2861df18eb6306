package users

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/boltdb/bolt"
)

var usersBucket = []byte("users")

// BoltRepository stores one JSON document per user keyed by the big-endian
// id, so cursor order is creation order. Ids come from the bucket sequence.
type BoltRepository struct {
	db *bolt.DB
}

func NewBoltRepository(db *bolt.DB) (*BoltRepository, error) {
	if db == nil {
		return nil, fmt.Errorf("bolt database is required")
	}
	err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(usersBucket); err != nil {
			return fmt.Errorf("could not ensure bucket %q exists: %w", usersBucket, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &BoltRepository{db: db}, nil
}

func (r *BoltRepository) Insert(_ context.Context, u User) (User, error) {
	err := r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(usersBucket)
		seq, err := b.NextSequence()
		if err != nil {
			return fmt.Errorf("next user id: %w", err)
		}
		u.ID = int64(seq)
		return putUser(b, u)
	})
	if err != nil {
		return User{}, err
	}
	return u, nil
}

func (r *BoltRepository) All(_ context.Context) ([]User, error) {
	out := make([]User, 0)
	err := r.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(usersBucket).ForEach(func(_, v []byte) error {
			var u User
			if err := json.Unmarshal(v, &u); err != nil {
				return fmt.Errorf("decode user: %w", err)
			}
			out = append(out, u)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *BoltRepository) Get(_ context.Context, id int64) (u User, err error) {
	err = r.db.View(func(tx *bolt.Tx) error {
		u, err = getUser(tx.Bucket(usersBucket), id)
		return err
	})
	return u, err
}

func (r *BoltRepository) Replace(_ context.Context, u User) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(usersBucket)
		if b.Get(idKey(u.ID)) == nil {
			return ErrNotFound
		}
		return putUser(b, u)
	})
}

func (r *BoltRepository) Remove(_ context.Context, id int64) (removed User, err error) {
	err = r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(usersBucket)
		removed, err = getUser(b, id)
		if err != nil {
			return err
		}
		if err := b.Delete(idKey(id)); err != nil {
			return fmt.Errorf("could not delete user %d: %w", id, err)
		}
		return nil
	})
	return removed, err
}

// Truncate recreates the bucket, which also restarts its sequence.
func (r *BoltRepository) Truncate(_ context.Context) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(usersBucket); err != nil && err != bolt.ErrBucketNotFound {
			return fmt.Errorf("could not drop bucket %q: %w", usersBucket, err)
		}
		if _, err := tx.CreateBucket(usersBucket); err != nil {
			return fmt.Errorf("could not recreate bucket %q: %w", usersBucket, err)
		}
		return nil
	})
}

func (r *BoltRepository) Close() error {
	return r.db.Close()
}

func getUser(b *bolt.Bucket, id int64) (User, error) {
	v := b.Get(idKey(id))
	if v == nil {
		return User{}, ErrNotFound
	}
	var u User
	if err := json.Unmarshal(v, &u); err != nil {
		return User{}, fmt.Errorf("decode user %d: %w", id, err)
	}
	return u, nil
}

func putUser(b *bolt.Bucket, u User) error {
	v, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("encode user %d: %w", u.ID, err)
	}
	if err := b.Put(idKey(u.ID), v); err != nil {
		return fmt.Errorf("could not put user %d: %w", u.ID, err)
	}
	return nil
}

func idKey(id int64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(id))
	return k
}
