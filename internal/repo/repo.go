package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"klawfield/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound        = errors.New("not found")
	ErrUniqueViolation = errors.New("unique violation")
	ErrSchemaMissing   = errors.New("schema missing")
)

// mapErr folds driver errors into the package sentinels. modernc.org/sqlite
// surfaces constraint failures as plain error strings, so match on message.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	msg := err.Error()
	if strings.Contains(msg, "UNIQUE constraint failed") {
		return ErrUniqueViolation
	}
	if strings.Contains(msg, "no such table") {
		return ErrSchemaMissing
	}
	return err
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func strPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

// escapeLike escapes LIKE wildcards so user input matches literally.
func escapeLike(q string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(q)
}

type AuthUser struct {
	ID           string
	Email        string
	PasswordHash string
	CreatedAt    string
}

func (r Repo) GetAuthUserByEmail(ctx context.Context, email string) (AuthUser, error) {
	var u AuthUser
	err := r.DB.QueryRowContext(ctx, `SELECT id,email,password_hash,created_at FROM auth_users WHERE email=?`, email).
		Scan(&u.ID, &u.Email, &u.PasswordHash, &u.CreatedAt)
	return u, mapErr(err)
}

func scanProfile(row *sql.Row) (domain.Profile, error) {
	var p domain.Profile
	var username sql.NullString
	err := row.Scan(&p.ID, &p.Email, &username, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return p, mapErr(err)
	}
	p.XUsername = strPtr(username)
	return p, nil
}

func (r Repo) GetProfile(ctx context.Context, id string) (domain.Profile, error) {
	return scanProfile(r.DB.QueryRowContext(ctx, `SELECT id,email,x_username,created_at,updated_at FROM profiles WHERE id=?`, id))
}

func (r Repo) GetProfileTx(ctx context.Context, tx *sql.Tx, id string) (domain.Profile, error) {
	return scanProfile(tx.QueryRowContext(ctx, `SELECT id,email,x_username,created_at,updated_at FROM profiles WHERE id=?`, id))
}

func (r Repo) SetProfileXUsernameTx(ctx context.Context, tx *sql.Tx, id, username, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE profiles SET x_username=?, updated_at=? WHERE id=? AND x_username IS NULL`,
		username, updatedAt, id)
	if err != nil {
		return mapErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
