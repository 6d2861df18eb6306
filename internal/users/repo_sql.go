package users

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const usersTable = "users"

var userColumns = []string{"id", "name", "age", "is_admin", "created_at", "updated_at"}

// Dialect captures the few statements that differ between SQL backends.
type Dialect struct {
	Name        string
	Placeholder sq.PlaceholderFormat
	ResetStmts  []string
}

var (
	Postgres = Dialect{
		Name:        "postgres",
		Placeholder: sq.Dollar,
		ResetStmts:  []string{`TRUNCATE TABLE users RESTART IDENTITY`},
	}
	SQLite = Dialect{
		Name:        "sqlite3",
		Placeholder: sq.Question,
		ResetStmts: []string{
			`DELETE FROM users`,
			`DELETE FROM sqlite_sequence WHERE name = 'users'`,
		},
	}
)

// DialectFor maps a database/sql driver name to its Dialect.
func DialectFor(driver string) (Dialect, error) {
	switch driver {
	case Postgres.Name:
		return Postgres, nil
	case SQLite.Name:
		return SQLite, nil
	default:
		return Dialect{}, fmt.Errorf("unsupported sql dialect %q", driver)
	}
}

// SQLRepository stores users in the users table created by the migrations
// package.
type SQLRepository struct {
	db      *sqlx.DB
	dialect Dialect
	builder sq.StatementBuilderType
	tracer  trace.Tracer
}

func NewSQLRepository(db *sqlx.DB, dialect Dialect) (*SQLRepository, error) {
	if db == nil {
		return nil, fmt.Errorf("database is required")
	}
	if dialect.Name == "" {
		return nil, fmt.Errorf("dialect is required")
	}
	return &SQLRepository{
		db:      db,
		dialect: dialect,
		builder: sq.StatementBuilder.PlaceholderFormat(dialect.Placeholder),
		tracer:  otel.Tracer(instrumentationName),
	}, nil
}

func (r *SQLRepository) Insert(ctx context.Context, u User) (created User, err error) {
	ctx, end := r.span(ctx, "users.insert")
	defer func() { end(err) }()

	q, args, err := r.builder.Insert(usersTable).
		Columns("name", "age", "is_admin", "created_at", "updated_at").
		Values(u.Name, u.Age, u.IsAdmin, u.CreatedAt, u.UpdatedAt).
		Suffix("RETURNING id").
		ToSql()
	if err != nil {
		return User{}, fmt.Errorf("build insert: %w", err)
	}
	if err := r.db.QueryRowxContext(ctx, q, args...).Scan(&u.ID); err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return u, nil
}

func (r *SQLRepository) All(ctx context.Context) (out []User, err error) {
	ctx, end := r.span(ctx, "users.all")
	defer func() { end(err) }()

	q, args, err := r.builder.Select(userColumns...).From(usersTable).OrderBy("id ASC").ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}
	out = make([]User, 0)
	if err := r.db.SelectContext(ctx, &out, q, args...); err != nil {
		return nil, fmt.Errorf("select users: %w", err)
	}
	for i := range out {
		normalize(&out[i])
	}
	return out, nil
}

func (r *SQLRepository) Get(ctx context.Context, id int64) (u User, err error) {
	ctx, end := r.span(ctx, "users.get", attribute.Int64("user.id", id))
	defer func() { end(err) }()
	return r.get(ctx, r.db, id)
}

func (r *SQLRepository) get(ctx context.Context, q sqlx.QueryerContext, id int64) (User, error) {
	stmt, args, err := r.builder.Select(userColumns...).From(usersTable).Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return User{}, fmt.Errorf("build select: %w", err)
	}
	var u User
	if err := sqlx.GetContext(ctx, q, &u, stmt, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrNotFound
		}
		return User{}, fmt.Errorf("get user: %w", err)
	}
	normalize(&u)
	return u, nil
}

func (r *SQLRepository) Replace(ctx context.Context, u User) (err error) {
	ctx, end := r.span(ctx, "users.replace", attribute.Int64("user.id", u.ID))
	defer func() { end(err) }()

	q, args, err := r.builder.Update(usersTable).
		Set("name", u.Name).
		Set("age", u.Age).
		Set("is_admin", u.IsAdmin).
		Set("updated_at", u.UpdatedAt).
		Where(sq.Eq{"id": u.ID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build update: %w", err)
	}
	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read update affected rows: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *SQLRepository) Remove(ctx context.Context, id int64) (removed User, err error) {
	ctx, end := r.span(ctx, "users.remove", attribute.Int64("user.id", id))
	defer func() { end(err) }()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return User{}, fmt.Errorf("begin delete: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	removed, err = r.get(ctx, tx, id)
	if err != nil {
		return User{}, err
	}
	q, args, err := r.builder.Delete(usersTable).Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return User{}, fmt.Errorf("build delete: %w", err)
	}
	if _, err = tx.ExecContext(ctx, q, args...); err != nil {
		return User{}, fmt.Errorf("delete user: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return User{}, fmt.Errorf("commit delete: %w", err)
	}
	return removed, nil
}

func (r *SQLRepository) Truncate(ctx context.Context) (err error) {
	ctx, end := r.span(ctx, "users.truncate")
	defer func() { end(err) }()

	for _, stmt := range r.dialect.ResetStmts {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("reset users: %w", err)
		}
	}
	return nil
}

func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// Ping backs the readiness check.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *SQLRepository) span(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	attrs = append(attrs, attribute.String("db.system", r.dialect.Name))
	ctx, span := r.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
	return ctx, func(err error) {
		if err != nil && !errors.Is(err, ErrNotFound) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}

func normalize(u *User) {
	u.CreatedAt = u.CreatedAt.UTC()
	u.UpdatedAt = u.UpdatedAt.UTC()
}
