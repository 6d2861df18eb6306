package users

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "usersvc/users-api/internal/users"

// Repository persists users. Implementations assign ids in strictly
// increasing order and never reuse them until Truncate.
type Repository interface {
	Insert(ctx context.Context, u User) (User, error)
	All(ctx context.Context) ([]User, error)
	Get(ctx context.Context, id int64) (User, error)
	Replace(ctx context.Context, u User) error
	Remove(ctx context.Context, id int64) (User, error)
	Truncate(ctx context.Context) error
	Close() error
}

// Service is the user lifecycle: validation, id parsing and timestamp
// bookkeeping on top of a Repository. Mutations are serialized.
type Service struct {
	repo    Repository
	log     *slog.Logger
	nowFunc func() time.Time

	mutations metric.Int64Counter

	mu sync.Mutex
}

func NewService(repo Repository, logger *slog.Logger) (*Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("repository is required")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	counter, err := otel.Meter(instrumentationName).Int64Counter(
		"users.mutations",
		metric.WithDescription("Successful user mutations by operation"),
	)
	if err != nil {
		return nil, fmt.Errorf("create mutation counter: %w", err)
	}
	return &Service{
		repo:      repo,
		log:       logger,
		nowFunc:   time.Now,
		mutations: counter,
	}, nil
}

func (s *Service) now() time.Time {
	return s.nowFunc().UTC().Truncate(time.Millisecond)
}

func (s *Service) Create(ctx context.Context, in Input) (User, error) {
	v := Validate(in)
	if err := v.Err(); err != nil {
		return User{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	created, err := s.repo.Insert(ctx, User{
		Name:      v.Fields.Name,
		Age:       v.Fields.Age,
		IsAdmin:   v.Fields.IsAdmin,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	s.count(ctx, "create")
	s.log.Debug("user created", "id", created.ID)
	return created, nil
}

func (s *Service) List(ctx context.Context) ([]User, error) {
	all, err := s.repo.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	if all == nil {
		all = []User{}
	}
	return all, nil
}

func (s *Service) Get(ctx context.Context, rawID string) (User, error) {
	id, err := ParseID(rawID)
	if err != nil {
		return User{}, err
	}
	return s.repo.Get(ctx, id)
}

// Update replaces name, age and isAdmin. Existence is checked before the
// input is validated.
func (s *Service) Update(ctx context.Context, rawID string, in Input) (User, error) {
	id, err := ParseID(rawID)
	if err != nil {
		return User{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.repo.Get(ctx, id)
	if err != nil {
		return User{}, err
	}
	v := Validate(in)
	if err := v.Err(); err != nil {
		return User{}, err
	}

	now := s.now()
	if now.Before(existing.UpdatedAt) {
		now = existing.UpdatedAt
	}
	existing.Name = v.Fields.Name
	existing.Age = v.Fields.Age
	existing.IsAdmin = v.Fields.IsAdmin
	existing.UpdatedAt = now
	if err := s.repo.Replace(ctx, existing); err != nil {
		return User{}, err
	}
	s.count(ctx, "update")
	s.log.Debug("user updated", "id", id)
	return existing, nil
}

func (s *Service) Delete(ctx context.Context, rawID string) (User, error) {
	id, err := ParseID(rawID)
	if err != nil {
		return User{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	removed, err := s.repo.Remove(ctx, id)
	if err != nil {
		return User{}, err
	}
	s.count(ctx, "delete")
	s.log.Debug("user deleted", "id", id)
	return removed, nil
}

// Reset drops every user and restarts ids at 1. Administrative use only.
func (s *Service) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.repo.Truncate(ctx); err != nil {
		return fmt.Errorf("reset users: %w", err)
	}
	s.log.Info("user store reset")
	return nil
}

func (s *Service) Close() error {
	return s.repo.Close()
}

func (s *Service) count(ctx context.Context, op string) {
	s.mutations.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}

// ParseID accepts base-10 integers only.
func ParseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidID, raw)
	}
	return id, nil
}
