// Package postgres implements storage.Backend backed by PostgreSQL.
//
// Session records are keyed by fingerprint and backup codes are stored one
// row per code, so consuming a code is a single conditional DELETE.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jmcleod/hubguard/principal"
	"github.com/jmcleod/hubguard/session"
	"github.com/jmcleod/hubguard/storage"
	"github.com/jmcleod/hubguard/twofactor"
)

const uniqueViolation = "23505"

const sessionColumns = `fingerprint, owner, network_origin, user_agent, device_class,
	browser_family, platform_family, location, created_at, last_active_at, is_current, expires_at`

// Store implements storage.Backend backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ storage.Backend = (*Store)(nil)

// New returns a Store backed by the given pgx connection pool. The schema
// must already be migrated.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Open migrates the database at dsn up to the latest version and returns a
// Store with a fresh connection pool.
func Open(ctx context.Context, dsn string) (*Store, error) {
	if err := Migrate(dsn, "up"); err != nil {
		return nil, err
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, storage.Transient(fmt.Errorf("pinging postgres: %w", err))
	}
	return New(pool), nil
}

// Pool returns the underlying connection pool.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// classify marks connection-level failures as transient.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) || pgconn.Timeout(err) || pgconn.SafeToRetry(err) ||
		errors.Is(err, context.DeadlineExceeded) {
		return storage.Transient(err)
	}
	return err
}

// ---------------------------------------------------------------------------
// principal.Store
// ---------------------------------------------------------------------------

func (s *Store) CreatePrincipal(ctx context.Context, p *principal.Principal) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO principals (id, email, password_hash, totp_secret, totp_enabled, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		p.ID, p.Email, p.PasswordHash, p.TOTPSecret, p.TOTPEnabled, p.CreatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return principal.ErrEmailTaken
	}
	return classify(err)
}

func (s *Store) PrincipalByID(ctx context.Context, id string) (*principal.Principal, error) {
	return s.queryPrincipal(ctx, `WHERE id = $1`, id)
}

func (s *Store) PrincipalByEmail(ctx context.Context, email string) (*principal.Principal, error) {
	return s.queryPrincipal(ctx, `WHERE email = $1`, principal.NormalizeEmail(email))
}

func (s *Store) queryPrincipal(ctx context.Context, where string, arg any) (*principal.Principal, error) {
	var p principal.Principal
	err := s.pool.QueryRow(ctx,
		`SELECT id, email, password_hash, totp_secret, totp_enabled, created_at
		 FROM principals `+where, arg).Scan(
		&p.ID, &p.Email, &p.PasswordHash, &p.TOTPSecret, &p.TOTPEnabled, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, principal.ErrNotFound
	}
	if err != nil {
		return nil, classify(err)
	}
	return &p, nil
}

// ---------------------------------------------------------------------------
// session.Store
// ---------------------------------------------------------------------------

func scanSession(row pgx.Row) (*session.Record, error) {
	var (
		rec   session.Record
		class string
	)
	err := row.Scan(&rec.Fingerprint, &rec.Owner, &rec.NetworkOrigin, &rec.UserAgent, &class,
		&rec.BrowserFamily, &rec.PlatformFamily, &rec.Location,
		&rec.CreatedAt, &rec.LastActiveAt, &rec.IsCurrent, &rec.ExpiresAt)
	if err != nil {
		return nil, err
	}
	rec.DeviceClass = session.DeviceClass(class)
	return &rec, nil
}

func (s *Store) FindByFingerprint(ctx context.Context, fingerprint, owner string) (*session.Record, error) {
	rec, err := scanSession(s.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM user_sessions WHERE fingerprint = $1 AND owner = $2`,
		fingerprint, owner))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err)
	}
	return rec, nil
}

func (s *Store) ListActive(ctx context.Context, owner string, now time.Time) ([]*session.Record, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+sessionColumns+` FROM user_sessions
		 WHERE owner = $1 AND expires_at > $2
		 ORDER BY last_active_at DESC, fingerprint`,
		owner, now)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []*session.Record
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, classify(rows.Err())
}

func (s *Store) CountActive(ctx context.Context, owner string, now time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM user_sessions WHERE owner = $1 AND expires_at > $2`,
		owner, now).Scan(&n)
	return n, classify(err)
}

func (s *Store) UpsertOnLogin(ctx context.Context, rec *session.Record) (*session.Record, error) {
	saved, err := scanSession(s.pool.QueryRow(ctx,
		`INSERT INTO user_sessions (`+sessionColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (fingerprint) DO UPDATE SET last_active_at = EXCLUDED.last_active_at
		 WHERE user_sessions.owner = EXCLUDED.owner
		 RETURNING `+sessionColumns,
		rec.Fingerprint, rec.Owner, rec.NetworkOrigin, rec.UserAgent, string(rec.DeviceClass),
		rec.BrowserFamily, rec.PlatformFamily, rec.Location,
		rec.CreatedAt, rec.LastActiveAt, rec.IsCurrent, rec.ExpiresAt))
	if errors.Is(err, pgx.ErrNoRows) {
		// The conflict guard rejected a fingerprint held by another owner.
		return nil, session.ErrFingerprintTaken
	}
	if err != nil {
		return nil, classify(err)
	}
	return saved, nil
}

func (s *Store) Touch(ctx context.Context, fingerprint, owner string, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE user_sessions SET last_active_at = $3 WHERE fingerprint = $1 AND owner = $2`,
		fingerprint, owner, at)
	if err != nil {
		return false, classify(err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) DeleteByFingerprint(ctx context.Context, fingerprint, owner string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM user_sessions WHERE fingerprint = $1 AND owner = $2`,
		fingerprint, owner)
	if err != nil {
		return false, classify(err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) DeleteAllExcept(ctx context.Context, owner, keep string) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM user_sessions
		 WHERE owner = $1 AND fingerprint <> $2
		   AND EXISTS (SELECT 1 FROM user_sessions WHERE owner = $1 AND fingerprint = $2)`,
		owner, keep)
	if err != nil {
		return 0, classify(err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM user_sessions WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, classify(err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) SetCurrent(ctx context.Context, owner, fingerprint string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE user_sessions SET is_current = (fingerprint = $2)
		 WHERE owner = $1
		   AND EXISTS (SELECT 1 FROM user_sessions WHERE owner = $1 AND fingerprint = $2)`,
		owner, fingerprint)
	return classify(err)
}

// ---------------------------------------------------------------------------
// twofactor.Store
// ---------------------------------------------------------------------------

func (s *Store) TwoFactorState(ctx context.Context, principalID string) (string, bool, error) {
	var (
		secret  string
		enabled bool
	)
	err := s.pool.QueryRow(ctx,
		`SELECT totp_secret, totp_enabled FROM principals WHERE id = $1`, principalID).
		Scan(&secret, &enabled)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, principal.ErrNotFound
	}
	return secret, enabled, classify(err)
}

func (s *Store) SetPendingSecret(ctx context.Context, principalID, secret string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE principals SET totp_secret = $2 WHERE id = $1 AND NOT totp_enabled`,
		principalID, secret)
	if err != nil {
		return classify(err)
	}
	if tag.RowsAffected() == 0 {
		return s.explainNoRows(ctx, s.pool, principalID, twofactor.ErrAlreadyEnabled)
	}
	return nil
}

func (s *Store) EnableTwoFactor(ctx context.Context, principalID, secret string, codeHashes []string) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, classify(err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx,
		`UPDATE principals SET totp_enabled = TRUE
		 WHERE id = $1 AND totp_secret = $2 AND NOT totp_enabled`,
		principalID, secret)
	if err != nil {
		return false, classify(err)
	}
	if tag.RowsAffected() == 0 {
		if err := s.explainNoRows(ctx, tx, principalID, nil); err != nil {
			return false, err
		}
		return false, nil
	}
	if err := replaceCodesInTx(ctx, tx, principalID, codeHashes); err != nil {
		return false, err
	}
	return true, classify(tx.Commit(ctx))
}

func (s *Store) DisableTwoFactor(ctx context.Context, principalID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return classify(err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx,
		`UPDATE principals SET totp_secret = '', totp_enabled = FALSE WHERE id = $1`, principalID)
	if err != nil {
		return classify(err)
	}
	if tag.RowsAffected() == 0 {
		return principal.ErrNotFound
	}
	if err := replaceCodesInTx(ctx, tx, principalID, nil); err != nil {
		return err
	}
	return classify(tx.Commit(ctx))
}

func (s *Store) ReplaceBackupCodes(ctx context.Context, principalID string, codeHashes []string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return classify(err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var enabled bool
	err = tx.QueryRow(ctx,
		`SELECT totp_enabled FROM principals WHERE id = $1 FOR UPDATE`, principalID).Scan(&enabled)
	if errors.Is(err, pgx.ErrNoRows) {
		return principal.ErrNotFound
	}
	if err != nil {
		return classify(err)
	}
	if !enabled {
		return twofactor.ErrNotEnabled
	}
	if err := replaceCodesInTx(ctx, tx, principalID, codeHashes); err != nil {
		return err
	}
	return classify(tx.Commit(ctx))
}

func (s *Store) ConsumeBackupCode(ctx context.Context, principalID, codeHash string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM backup_codes WHERE principal_id = $1 AND code_hash = $2`,
		principalID, codeHash)
	if err != nil {
		return false, classify(err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) CountBackupCodes(ctx context.Context, principalID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM backup_codes WHERE principal_id = $1`, principalID).Scan(&n)
	return n, classify(err)
}

func replaceCodesInTx(ctx context.Context, tx pgx.Tx, principalID string, codeHashes []string) error {
	if _, err := tx.Exec(ctx, `DELETE FROM backup_codes WHERE principal_id = $1`, principalID); err != nil {
		return classify(err)
	}
	if len(codeHashes) == 0 {
		return nil
	}
	rows := make([][]any, len(codeHashes))
	for i, h := range codeHashes {
		rows[i] = []any{principalID, h}
	}
	_, err := tx.CopyFrom(ctx, pgx.Identifier{"backup_codes"},
		[]string{"principal_id", "code_hash"}, pgx.CopyFromRows(rows))
	return classify(err)
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// explainNoRows distinguishes a missing principal from a failed condition
// after an UPDATE matched nothing.
func (s *Store) explainNoRows(ctx context.Context, q querier, principalID string, conditionErr error) error {
	var exists bool
	err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM principals WHERE id = $1)`, principalID).Scan(&exists)
	if err != nil {
		return classify(err)
	}
	if !exists {
		return principal.ErrNotFound
	}
	return conditionErr
}
