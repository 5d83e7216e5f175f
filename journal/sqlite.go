package journal

import (
	"context"
	"database/sql"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/rustyeddy/copytrader/broker"
	"github.com/rustyeddy/copytrader/risk"
)

type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

var _ Store = (*SQLite)(nil)

// NewSQLite opens (creating if needed) the database at path and applies the
// schema. Writes are serialised through a single connection.
func NewSQLite(path string) (*SQLite, error) {
	dsn := path
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		dsn = "file:" + path + "?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "apply schema")
	}

	return &SQLite{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (j *SQLite) Close() error {
	return j.db.Close()
}

func (j *SQLite) CreateSourceAccount(ctx context.Context, a SourceAccount) error {
	if a.ID == "" || a.Token == "" {
		return errors.New("source account id and token are required")
	}
	if a.Environment == "" {
		a.Environment = broker.Practice
	}
	now := j.now()
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO source_accounts
		(id, token, environment, last_transaction_id, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Token, string(a.Environment), a.LastTransactionID, a.Active, now, now,
	)
	return errors.Wrapf(err, "create source account %s", a.ID)
}

const sourceColumns = `id, token, environment, last_transaction_id, active, created_at, updated_at`

func scanSource(row interface{ Scan(...any) error }) (SourceAccount, error) {
	var (
		a   SourceAccount
		env string
	)
	err := row.Scan(&a.ID, &a.Token, &env, &a.LastTransactionID, &a.Active, &a.CreatedAt, &a.UpdatedAt)
	a.Environment = broker.Environment(env)
	return a, err
}

func (j *SQLite) GetSourceAccount(ctx context.Context, id string) (SourceAccount, error) {
	row := j.db.QueryRowContext(ctx, `SELECT `+sourceColumns+` FROM source_accounts WHERE id = ?`, id)
	a, err := scanSource(row)
	if err == sql.ErrNoRows {
		return SourceAccount{}, errors.Wrapf(ErrNotFound, "source account %q", id)
	}
	return a, errors.Wrapf(err, "get source account %s", id)
}

func (j *SQLite) ListSourceAccounts(ctx context.Context, activeOnly bool) ([]SourceAccount, error) {
	q := `SELECT ` + sourceColumns + ` FROM source_accounts`
	if activeOnly {
		q += ` WHERE active = 1`
	}
	q += ` ORDER BY created_at ASC, id ASC`

	rows, err := j.db.QueryContext(ctx, q)
	if err != nil {
		return nil, errors.Wrap(err, "list source accounts")
	}
	defer rows.Close()

	var out []SourceAccount
	for rows.Next() {
		a, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (j *SQLite) SetSourceActive(ctx context.Context, id string, active bool) error {
	return j.updateOne(ctx, "source account", id,
		`UPDATE source_accounts SET active = ?, updated_at = ? WHERE id = ?`, active, j.now(), id)
}

func (j *SQLite) AdvanceCursor(ctx context.Context, sourceID, cursor string) error {
	if cursor == "" {
		return nil
	}

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin")
	}
	defer tx.Rollback()

	var cur string
	err = tx.QueryRowContext(ctx, `SELECT last_transaction_id FROM source_accounts WHERE id = ?`, sourceID).Scan(&cur)
	if err == sql.ErrNoRows {
		return errors.Wrapf(ErrNotFound, "source account %q", sourceID)
	}
	if err != nil {
		return errors.Wrap(err, "read cursor")
	}
	if !CursorAfter(cursor, cur) {
		return nil
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE source_accounts SET last_transaction_id = ?, updated_at = ? WHERE id = ?`,
		cursor, j.now(), sourceID); err != nil {
		return errors.Wrap(err, "write cursor")
	}
	return errors.Wrap(tx.Commit(), "commit cursor")
}

func (j *SQLite) CreateMirrorAccount(ctx context.Context, m MirrorAccount) error {
	if m.ID == "" || m.Token == "" || m.SourceAccountID == "" {
		return errors.New("mirror account id, token and source are required")
	}
	if m.ID == m.SourceAccountID {
		return errors.New("mirror account cannot mirror itself")
	}
	if m.Environment == "" {
		m.Environment = broker.Practice
	}
	if m.ScalingMode == "" {
		m.ScalingMode = risk.Static
	}
	if err := risk.ValidateScaleFactor(m.ScaleFactor); err != nil {
		return err
	}

	now := j.now()
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO mirror_accounts
		(id, source_account_id, token, environment, scaling_mode, scale_factor, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.SourceAccountID, m.Token, string(m.Environment), string(m.ScalingMode),
		m.ScaleFactor, m.Active, now, now,
	)
	return errors.Wrapf(err, "create mirror account %s", m.ID)
}

const mirrorColumns = `id, source_account_id, token, environment, scaling_mode, scale_factor, active, created_at, updated_at`

func scanMirror(row interface{ Scan(...any) error }) (MirrorAccount, error) {
	var (
		m         MirrorAccount
		env, mode string
	)
	err := row.Scan(&m.ID, &m.SourceAccountID, &m.Token, &env, &mode, &m.ScaleFactor, &m.Active, &m.CreatedAt, &m.UpdatedAt)
	m.Environment = broker.Environment(env)
	m.ScalingMode = risk.Mode(mode)
	return m, err
}

func (j *SQLite) GetMirrorAccount(ctx context.Context, id string) (MirrorAccount, error) {
	row := j.db.QueryRowContext(ctx, `SELECT `+mirrorColumns+` FROM mirror_accounts WHERE id = ?`, id)
	m, err := scanMirror(row)
	if err == sql.ErrNoRows {
		return MirrorAccount{}, errors.Wrapf(ErrNotFound, "mirror account %q", id)
	}
	return m, errors.Wrapf(err, "get mirror account %s", id)
}

// ListMirrorAccounts lists mirrors of sourceID in creation order. An empty
// sourceID lists every mirror.
func (j *SQLite) ListMirrorAccounts(ctx context.Context, sourceID string, activeOnly bool) ([]MirrorAccount, error) {
	var (
		where []string
		args  []any
	)
	if sourceID != "" {
		where = append(where, "source_account_id = ?")
		args = append(args, sourceID)
	}
	if activeOnly {
		where = append(where, "active = 1")
	}

	q := `SELECT ` + mirrorColumns + ` FROM mirror_accounts`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY created_at ASC, id ASC`

	rows, err := j.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list mirror accounts")
	}
	defer rows.Close()

	var out []MirrorAccount
	for rows.Next() {
		m, err := scanMirror(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (j *SQLite) SetMirrorActive(ctx context.Context, id string, active bool) error {
	return j.updateOne(ctx, "mirror account", id,
		`UPDATE mirror_accounts SET active = ?, updated_at = ? WHERE id = ?`, active, j.now(), id)
}

func (j *SQLite) UpdateMirrorScaling(ctx context.Context, id string, mode risk.Mode, factor float64) error {
	if _, err := risk.ParseMode(string(mode)); err != nil {
		return err
	}
	if err := risk.ValidateScaleFactor(factor); err != nil {
		return err
	}
	return j.updateOne(ctx, "mirror account", id,
		`UPDATE mirror_accounts SET scaling_mode = ?, scale_factor = ?, updated_at = ? WHERE id = ?`,
		string(mode), factor, j.now(), id)
}

func (j *SQLite) updateOne(ctx context.Context, what, id, q string, args ...any) error {
	res, err := j.db.ExecContext(ctx, q, args...)
	if err != nil {
		return errors.Wrapf(err, "update %s %s", what, id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.Wrapf(ErrNotFound, "%s %q", what, id)
	}
	return nil
}
