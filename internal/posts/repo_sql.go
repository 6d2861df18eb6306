package posts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"usersvc/users-api/internal/users"
)

const (
	instrumentationName = "usersvc/users-api/internal/posts"

	postsTable = "posts"
	likesTable = "likes"
)

var (
	postColumns = []string{"id", "title", "content", "author_id", "image_path", "reply_to_id", "created_at", "updated_at"}
	likeColumns = []string{"id", "user_id", "post_id", "created_at"}
)

// SQLRepository stores posts and likes in the tables created by the
// migrations package. It shares the users table's dialect.
type SQLRepository struct {
	db         *sqlx.DB
	dialect    users.Dialect
	resetStmts []string
	builder    sq.StatementBuilderType
	tracer     trace.Tracer
}

func NewSQLRepository(db *sqlx.DB, dialect users.Dialect) (*SQLRepository, error) {
	if db == nil {
		return nil, fmt.Errorf("database is required")
	}
	var reset []string
	switch dialect.Name {
	case users.Postgres.Name:
		reset = []string{`TRUNCATE TABLE likes, posts RESTART IDENTITY`}
	case users.SQLite.Name:
		reset = []string{
			`DELETE FROM likes`,
			`DELETE FROM posts`,
			`DELETE FROM sqlite_sequence WHERE name IN ('posts', 'likes')`,
		}
	default:
		return nil, fmt.Errorf("unsupported sql dialect %q", dialect.Name)
	}
	return &SQLRepository{
		db:         db,
		dialect:    dialect,
		resetStmts: reset,
		builder:    sq.StatementBuilder.PlaceholderFormat(dialect.Placeholder),
		tracer:     otel.Tracer(instrumentationName),
	}, nil
}

func (r *SQLRepository) InsertPost(ctx context.Context, p Post) (created Post, err error) {
	ctx, end := r.span(ctx, "posts.insert")
	defer func() { end(err) }()

	q, args, err := r.builder.Insert(postsTable).
		Columns("title", "content", "author_id", "image_path", "reply_to_id", "created_at", "updated_at").
		Values(p.Title, p.Content, p.AuthorID, p.ImagePath, p.ReplyToID, p.CreatedAt, p.UpdatedAt).
		Suffix("RETURNING id").
		ToSql()
	if err != nil {
		return Post{}, fmt.Errorf("build insert: %w", err)
	}
	if err := r.db.QueryRowxContext(ctx, q, args...).Scan(&p.ID); err != nil {
		return Post{}, fmt.Errorf("insert post: %w", err)
	}
	return p, nil
}

func (r *SQLRepository) GetPost(ctx context.Context, id int64) (p Post, err error) {
	ctx, end := r.span(ctx, "posts.get", attribute.Int64("post.id", id))
	defer func() { end(err) }()

	q, args, err := r.builder.Select(postColumns...).From(postsTable).Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return Post{}, fmt.Errorf("build select: %w", err)
	}
	if err := r.db.GetContext(ctx, &p, q, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Post{}, ErrPostNotFound
		}
		return Post{}, fmt.Errorf("get post: %w", err)
	}
	normalizePost(&p)
	return p, nil
}

func (r *SQLRepository) ListPosts(ctx context.Context, f PostFilter) (out []Post, err error) {
	ctx, end := r.span(ctx, "posts.list")
	defer func() { end(err) }()

	sel := r.builder.Select(postColumns...).From(postsTable).OrderBy("id ASC")
	if f.TopLevel {
		sel = sel.Where(sq.Eq{"reply_to_id": nil})
	}
	if f.ReplyTo != 0 {
		sel = sel.Where(sq.Eq{"reply_to_id": f.ReplyTo})
	}
	if f.AuthorID != 0 {
		sel = sel.Where(sq.Eq{"author_id": f.AuthorID})
	}
	q, args, err := sel.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}
	out = make([]Post, 0)
	if err := r.db.SelectContext(ctx, &out, q, args...); err != nil {
		return nil, fmt.Errorf("select posts: %w", err)
	}
	for i := range out {
		normalizePost(&out[i])
	}
	return out, nil
}

func (r *SQLRepository) ReplacePost(ctx context.Context, p Post) (err error) {
	ctx, end := r.span(ctx, "posts.replace", attribute.Int64("post.id", p.ID))
	defer func() { end(err) }()

	q, args, err := r.builder.Update(postsTable).
		Set("title", p.Title).
		Set("content", p.Content).
		Set("image_path", p.ImagePath).
		Set("updated_at", p.UpdatedAt).
		Where(sq.Eq{"id": p.ID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build update: %w", err)
	}
	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("update post: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read update affected rows: %w", err)
	}
	if affected == 0 {
		return ErrPostNotFound
	}
	return nil
}

func (r *SQLRepository) DeletePosts(ctx context.Context, ids []int64) (err error) {
	if len(ids) == 0 {
		return nil
	}
	ctx, end := r.span(ctx, "posts.delete", attribute.Int("post.count", len(ids)))
	defer func() { end(err) }()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	likesQ, likesArgs, err := r.builder.Delete(likesTable).Where(sq.Eq{"post_id": ids}).ToSql()
	if err != nil {
		return fmt.Errorf("build like delete: %w", err)
	}
	if _, err = tx.ExecContext(ctx, likesQ, likesArgs...); err != nil {
		return fmt.Errorf("delete likes: %w", err)
	}
	postsQ, postsArgs, err := r.builder.Delete(postsTable).Where(sq.Eq{"id": ids}).ToSql()
	if err != nil {
		return fmt.Errorf("build post delete: %w", err)
	}
	if _, err = tx.ExecContext(ctx, postsQ, postsArgs...); err != nil {
		return fmt.Errorf("delete posts: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit delete: %w", err)
	}
	return nil
}

func (r *SQLRepository) InsertLike(ctx context.Context, l Like) (created Like, err error) {
	ctx, end := r.span(ctx, "likes.insert", attribute.Int64("post.id", l.PostID))
	defer func() { end(err) }()

	q, args, err := r.builder.Insert(likesTable).
		Columns("user_id", "post_id", "created_at").
		Values(l.UserID, l.PostID, l.CreatedAt).
		Suffix("RETURNING id").
		ToSql()
	if err != nil {
		return Like{}, fmt.Errorf("build insert: %w", err)
	}
	if err := r.db.QueryRowxContext(ctx, q, args...).Scan(&l.ID); err != nil {
		if isUniqueViolation(err) {
			return Like{}, ErrDuplicateLike
		}
		return Like{}, fmt.Errorf("insert like: %w", err)
	}
	return l, nil
}

func (r *SQLRepository) GetLike(ctx context.Context, id int64) (l Like, err error) {
	ctx, end := r.span(ctx, "likes.get", attribute.Int64("like.id", id))
	defer func() { end(err) }()

	q, args, err := r.builder.Select(likeColumns...).From(likesTable).Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return Like{}, fmt.Errorf("build select: %w", err)
	}
	if err := r.db.GetContext(ctx, &l, q, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Like{}, ErrLikeNotFound
		}
		return Like{}, fmt.Errorf("get like: %w", err)
	}
	l.CreatedAt = l.CreatedAt.UTC()
	return l, nil
}

func (r *SQLRepository) ListLikes(ctx context.Context, f LikeFilter) (out []Like, err error) {
	ctx, end := r.span(ctx, "likes.list")
	defer func() { end(err) }()

	sel := r.builder.Select(likeColumns...).From(likesTable).OrderBy("id ASC")
	if f.PostID != 0 {
		sel = sel.Where(sq.Eq{"post_id": f.PostID})
	}
	if f.UserID != 0 {
		sel = sel.Where(sq.Eq{"user_id": f.UserID})
	}
	q, args, err := sel.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}
	out = make([]Like, 0)
	if err := r.db.SelectContext(ctx, &out, q, args...); err != nil {
		return nil, fmt.Errorf("select likes: %w", err)
	}
	for i := range out {
		out[i].CreatedAt = out[i].CreatedAt.UTC()
	}
	return out, nil
}

func (r *SQLRepository) DeleteLikes(ctx context.Context, ids []int64) (err error) {
	if len(ids) == 0 {
		return nil
	}
	ctx, end := r.span(ctx, "likes.delete", attribute.Int("like.count", len(ids)))
	defer func() { end(err) }()

	q, args, err := r.builder.Delete(likesTable).Where(sq.Eq{"id": ids}).ToSql()
	if err != nil {
		return fmt.Errorf("build delete: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("delete likes: %w", err)
	}
	return nil
}

func (r *SQLRepository) Truncate(ctx context.Context) (err error) {
	ctx, end := r.span(ctx, "posts.truncate")
	defer func() { end(err) }()

	for _, stmt := range r.resetStmts {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("reset posts: %w", err)
		}
	}
	return nil
}

// Close is a no-op: the handle is shared with the user repository, which
// owns it.
func (r *SQLRepository) Close() error {
	return nil
}

func (r *SQLRepository) span(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	attrs = append(attrs, attribute.String("db.system", r.dialect.Name))
	ctx, span := r.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
	return ctx, func(err error) {
		if err != nil && !errors.Is(err, ErrPostNotFound) && !errors.Is(err, ErrLikeNotFound) && !errors.Is(err, ErrDuplicateLike) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}

func normalizePost(p *Post) {
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
}
