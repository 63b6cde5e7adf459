package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const foreignKeyViolation = "23503"

type postgresRepository struct {
	pool *pgxpool.Pool
	cfg  PostgresConfig
}

// NewPostgresRepository opens a Postgres-backed repository. Migrations must
// already be applied.
func NewPostgresRepository(ctx context.Context, dsn string, opts ...Option) (Repository, error) {
	cfg := newPostgresConfig(dsn, opts...)
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections >= 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.AcquireTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.AcquireTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	return &postgresRepository{pool: pool, cfg: cfg}, nil
}

func (r *postgresRepository) Close(ctx context.Context) error {
	if r == nil || r.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		r.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// withConn acquires a pooled connection under the acquire timeout and runs
// fn with the same deadline.
func (r *postgresRepository) withConn(ctx context.Context, fn func(context.Context, *pgxpool.Conn) error) error {
	if r.cfg.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.AcquireTimeout)
		defer cancel()
	}
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire postgres connection: %w", err)
	}
	defer conn.Release()
	return fn(ctx, conn)
}

func (r *postgresRepository) Ping(ctx context.Context) error {
	return r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		return conn.Ping(ctx)
	})
}

const fileColumns = "id, hash, path, file_type, created_at"

func scanFile(row pgx.Row) (File, error) {
	var file File
	var fileType string
	if err := row.Scan(&file.ID, &file.Hash, &file.Path, &fileType, &file.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return File{}, ErrNotFound
		}
		return File{}, err
	}
	file.Type = FileType(fileType)
	file.CreatedAt = file.CreatedAt.UTC()
	return file, nil
}

func (r *postgresRepository) findFile(ctx context.Context, query string, arg any) (File, error) {
	var file File
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		var err error
		file, err = scanFile(conn.QueryRow(ctx, query, arg))
		return err
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return File{}, ErrNotFound
		}
		return File{}, fmt.Errorf("query file: %w", err)
	}
	return file, nil
}

func (r *postgresRepository) FindFileByPath(ctx context.Context, path string) (File, error) {
	return r.findFile(ctx, "SELECT "+fileColumns+" FROM files WHERE path = $1", path)
}

func (r *postgresRepository) FindFileByID(ctx context.Context, id string) (File, error) {
	return r.findFile(ctx, "SELECT "+fileColumns+" FROM files WHERE id = $1", id)
}

func (r *postgresRepository) FindFileByHash(ctx context.Context, hash string) (File, error) {
	return r.findFile(ctx, "SELECT "+fileColumns+" FROM files WHERE hash = $1 ORDER BY created_at, id LIMIT 1", hash)
}

func (r *postgresRepository) CreateFile(ctx context.Context, hash, path string, fileType FileType) (File, error) {
	hash = strings.TrimSpace(hash)
	path = strings.TrimSpace(path)
	if hash == "" || path == "" {
		return File{}, fmt.Errorf("%w: hash and path are required", ErrInvalidInput)
	}
	if fileType == "" {
		fileType = DetectFileType(path)
	}
	var file File
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		var err error
		// The no-op update makes RETURNING yield the existing row on conflict.
		file, err = scanFile(conn.QueryRow(ctx, `
			INSERT INTO files (id, hash, path, file_type, created_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (path) DO UPDATE SET path = EXCLUDED.path
			RETURNING `+fileColumns,
			generateID(), hash, path, string(fileType), r.cfg.Clock()))
		return err
	})
	if err != nil {
		return File{}, fmt.Errorf("create file: %w", err)
	}
	return file, nil
}

func (r *postgresRepository) CreateRenditionRecord(ctx context.Context, fileID, path string, label *string) (Rendition, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return Rendition{}, fmt.Errorf("%w: rendition path is required", ErrInvalidInput)
	}
	var rendition Rendition
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		return conn.QueryRow(ctx, `
			INSERT INTO renditions (id, file_id, path, label, created_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (file_id, path) DO UPDATE SET label = EXCLUDED.label
			RETURNING id, file_id, path, label, created_at`,
			generateID(), fileID, path, label, r.cfg.Clock(),
		).Scan(&rendition.ID, &rendition.FileID, &rendition.Path, &rendition.Label, &rendition.CreatedAt)
	})
	if err != nil {
		if isForeignKeyViolation(err) {
			return Rendition{}, ErrNotFound
		}
		return Rendition{}, fmt.Errorf("create rendition: %w", err)
	}
	rendition.CreatedAt = rendition.CreatedAt.UTC()
	return rendition, nil
}

func (r *postgresRepository) ListRenditions(ctx context.Context, fileID string) ([]Rendition, error) {
	if _, err := r.FindFileByID(ctx, fileID); err != nil {
		return nil, err
	}
	renditions := make([]Rendition, 0)
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		rows, err := conn.Query(ctx, `
			SELECT id, file_id, path, label, created_at
			FROM renditions WHERE file_id = $1
			ORDER BY created_at, path`, fileID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var rendition Rendition
			if err := rows.Scan(&rendition.ID, &rendition.FileID, &rendition.Path, &rendition.Label, &rendition.CreatedAt); err != nil {
				return err
			}
			rendition.CreatedAt = rendition.CreatedAt.UTC()
			renditions = append(renditions, rendition)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("list renditions: %w", err)
	}
	return renditions, nil
}

func (r *postgresRepository) CreateOwnership(ctx context.Context, identity, fileID string) (Ownership, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return Ownership{}, fmt.Errorf("%w: identity is required", ErrInvalidInput)
	}
	ownership := Ownership{Identity: identity, FileID: fileID}
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		return conn.QueryRow(ctx, `
			INSERT INTO file_owners (identity, file_id, created_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (identity, file_id) DO UPDATE SET identity = EXCLUDED.identity
			RETURNING created_at`,
			identity, fileID, r.cfg.Clock(),
		).Scan(&ownership.CreatedAt)
	})
	if err != nil {
		if isForeignKeyViolation(err) {
			return Ownership{}, ErrNotFound
		}
		return Ownership{}, fmt.Errorf("create ownership: %w", err)
	}
	ownership.CreatedAt = ownership.CreatedAt.UTC()
	return ownership, nil
}

func (r *postgresRepository) HasOwnership(ctx context.Context, identity, fileID string) (bool, error) {
	var exists bool
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		return conn.QueryRow(ctx,
			"SELECT EXISTS (SELECT 1 FROM file_owners WHERE identity = $1 AND file_id = $2)",
			identity, fileID,
		).Scan(&exists)
	})
	if err != nil {
		return false, fmt.Errorf("query ownership: %w", err)
	}
	return exists, nil
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolation
}

var _ Repository = (*postgresRepository)(nil)
