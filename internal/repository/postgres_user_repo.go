package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/hitoshi/rentauth/internal/model"
)

// uniqueViolation はPostgreSQLの一意制約違反のSQLSTATE。
const uniqueViolation = "23505"

const userColumns = `id, email, name, phone_number, image_url, role, provider, provider_account_id, password_hash, created_at, updated_at`

// PostgresUserRepo はPostgreSQLを使用したユーザーリポジトリ。
type PostgresUserRepo struct {
	db *sql.DB
}

// NewPostgresUserRepo はPostgresUserRepoを生成する。
func NewPostgresUserRepo(db *sql.DB) *PostgresUserRepo {
	return &PostgresUserRepo{db: db}
}

// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	user, err := scanUser(r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`,
		id,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to find user by ID: %w", err)
	}
	return user, nil
}

// FindByEmail はメールアドレスでユーザーを検索する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	user, err := scanUser(r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE email = $1`,
		model.NormalizeEmail(email),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to find user by email: %w", err)
	}
	return user, nil
}

// FindByProviderAccount はproviderとprovider_account_idでユーザーを検索する。
func (r *PostgresUserRepo) FindByProviderAccount(ctx context.Context, provider model.Provider, providerAccountID string) (*model.User, error) {
	user, err := scanUser(r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE provider = $1 AND provider_account_id = $2`,
		string(provider), providerAccountID,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to find user by provider account: %w", err)
	}
	return user, nil
}

// Create はユーザーを作成する。
// IDが空の場合はUUIDを採番し、作成後のタイムスタンプをuserに反映する。
func (r *PostgresUserRepo) Create(ctx context.Context, user *model.User) error {
	if user.ID == "" {
		user.ID = uuid.NewString()
	}

	err := r.db.QueryRowContext(ctx,
		`INSERT INTO users (id, email, name, phone_number, image_url, role, provider, provider_account_id, password_hash)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING created_at, updated_at`,
		user.ID,
		model.NormalizeEmail(user.Email),
		user.Name,
		nullString(user.PhoneNumber),
		nullString(user.ImageURL),
		nullRole(user.Role),
		string(user.Provider),
		nullString(user.ProviderAccountID),
		nullIfEmpty(user.PasswordHash),
	).Scan(&user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to insert user: %w", err)
	}

	user.Email = model.NormalizeEmail(user.Email)
	return nil
}

// UpdateProfile はプロフィールを部分更新し、更新後のユーザーを返す。
// 電話番号と画像URLは空文字列でNULLに戻す。
func (r *PostgresUserRepo) UpdateProfile(ctx context.Context, id string, update ProfileUpdate) (*model.User, error) {
	user, err := scanUser(r.db.QueryRowContext(ctx,
		`UPDATE users SET
			name = COALESCE($2, name),
			phone_number = CASE WHEN $3::text IS NULL THEN phone_number ELSE NULLIF($3, '') END,
			image_url = CASE WHEN $4::text IS NULL THEN image_url ELSE NULLIF($4, '') END,
			updated_at = $5
		 WHERE id = $1
		 RETURNING `+userColumns,
		id,
		nullString(update.Name),
		nullString(update.PhoneNumber),
		nullString(update.ImageURL),
		time.Now(),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to update user profile: %w", err)
	}
	return user, nil
}

// AssignRole はロール未設定のユーザーにのみロールを設定する。
// role IS NULL を条件に含めることで、同時実行時も一度だけ設定される。
func (r *PostgresUserRepo) AssignRole(ctx context.Context, id string, role model.Role) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE users SET role = $2, updated_at = $3 WHERE id = $1 AND role IS NULL`,
		id, string(role), time.Now(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to assign role: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return affected == 1, nil
}

// DeleteByID は指定IDのユーザーを削除する。
func (r *PostgresUserRepo) DeleteByID(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	return nil
}

// scanUser は1行をUserに変換する。行がない場合はnil, nilを返す。
func scanUser(row *sql.Row) (*model.User, error) {
	var (
		user            model.User
		phone, image    sql.NullString
		role, accountID sql.NullString
		provider        string
		passwordHash    sql.NullString
	)

	err := row.Scan(
		&user.ID, &user.Email, &user.Name, &phone, &image, &role,
		&provider, &accountID, &passwordHash, &user.CreatedAt, &user.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	user.Provider = model.Provider(provider)
	user.PhoneNumber = stringPtr(phone)
	user.ImageURL = stringPtr(image)
	user.ProviderAccountID = stringPtr(accountID)
	user.PasswordHash = passwordHash.String
	if role.Valid {
		r := model.Role(role.String)
		user.Role = &r
	}

	return &user, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullIfEmpty(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullRole(r *model.Role) sql.NullString {
	if r == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(*r), Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

// コンパイル時にインターフェースの実装を検証する。
var _ UserRepository = (*PostgresUserRepo)(nil)
