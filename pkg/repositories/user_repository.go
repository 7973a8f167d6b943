package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/recete-ai/recete-engine/pkg/apperrors"
	"github.com/recete-ai/recete-engine/pkg/crypto"
	"github.com/recete-ai/recete-engine/pkg/database"
	"github.com/recete-ai/recete-engine/pkg/models"
)

// DefaultMaxUserScan bounds how many users FindByPhone decrypts per lookup.
const DefaultMaxUserScan = 5000

// UserRepository provides data access for merchant customers.
// Phones are stored encrypted with a random nonce, so equality is decided by
// decrypting and comparing in the application.
type UserRepository interface {
	// FindByPhone returns the merchant's user with the given normalized phone,
	// or nil when none matches.
	FindByPhone(ctx context.Context, merchantID uuid.UUID, phone string) (*models.User, error)
	Get(ctx context.Context, merchantID, id uuid.UUID) (*models.User, error)
	Create(ctx context.Context, user *models.User) error
	// Update persists name and consent status.
	Update(ctx context.Context, user *models.User) error
	SetConsent(ctx context.Context, merchantID, id uuid.UUID, consent models.ConsentStatus) error
}

type userRepository struct {
	cipher  *crypto.PhoneCipher
	maxScan int
}

// NewUserRepository creates a new UserRepository. maxScan <= 0 uses DefaultMaxUserScan.
func NewUserRepository(cipher *crypto.PhoneCipher, maxScan int) UserRepository {
	if maxScan <= 0 {
		maxScan = DefaultMaxUserScan
	}
	return &userRepository{cipher: cipher, maxScan: maxScan}
}

var _ UserRepository = (*userRepository)(nil)

const userColumns = `id, merchant_id, phone_encrypted, phone_hash, name, consent_status, created_at, updated_at`

func (r *userRepository) FindByPhone(ctx context.Context, merchantID uuid.UUID, phone string) (*models.User, error) {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no tenant scope in context")
	}

	// Rows with a matching hash sort first, so the common case decrypts one row.
	query := `
		SELECT ` + userColumns + `
		FROM users
		WHERE merchant_id = $1
		ORDER BY (phone_hash = $2) DESC, created_at
		LIMIT $3`

	rows, err := scope.Conn.Query(ctx, query, merchantID, r.cipher.Hash(phone), r.maxScan)
	if err != nil {
		return nil, fmt.Errorf("failed to scan users: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		u, err := scanUserRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		decrypted, err := r.cipher.Decrypt(u.PhoneEncrypted)
		if err != nil {
			// A row sealed under a rotated key cannot match; keep scanning.
			continue
		}
		if decrypted == phone {
			u.Phone = decrypted
			return u, nil
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating users: %w", err)
	}
	return nil, nil
}

func (r *userRepository) Get(ctx context.Context, merchantID, id uuid.UUID) (*models.User, error) {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no tenant scope in context")
	}

	u, err := scanUserRow(scope.Conn.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE merchant_id = $1 AND id = $2`, merchantID, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	if u.Phone, err = r.cipher.Decrypt(u.PhoneEncrypted); err != nil {
		return nil, fmt.Errorf("failed to decrypt user phone: %w", err)
	}
	return u, nil
}

func (r *userRepository) Create(ctx context.Context, u *models.User) error {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return fmt.Errorf("no tenant scope in context")
	}

	encrypted, err := r.cipher.Encrypt(u.Phone)
	if err != nil {
		return fmt.Errorf("failed to encrypt phone: %w", err)
	}

	now := time.Now()
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	if !u.ConsentStatus.IsValid() {
		u.ConsentStatus = models.ConsentPending
	}
	u.PhoneEncrypted = encrypted
	u.PhoneHash = r.cipher.Hash(u.Phone)
	u.CreatedAt = now
	u.UpdatedAt = now

	query := `
		INSERT INTO users (
			id, merchant_id, phone_encrypted, phone_hash, name, consent_status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err = scope.Conn.Exec(ctx, query,
		u.ID, u.MerchantID, u.PhoneEncrypted, u.PhoneHash, u.Name, string(u.ConsentStatus),
		u.CreatedAt, u.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

func (r *userRepository) Update(ctx context.Context, u *models.User) error {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return fmt.Errorf("no tenant scope in context")
	}

	u.UpdatedAt = time.Now()
	tag, err := scope.Conn.Exec(ctx,
		`UPDATE users SET name = $3, consent_status = $4, updated_at = $5 WHERE merchant_id = $1 AND id = $2`,
		u.MerchantID, u.ID, u.Name, string(u.ConsentStatus), u.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (r *userRepository) SetConsent(ctx context.Context, merchantID, id uuid.UUID, consent models.ConsentStatus) error {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return fmt.Errorf("no tenant scope in context")
	}

	tag, err := scope.Conn.Exec(ctx,
		`UPDATE users SET consent_status = $3, updated_at = now() WHERE merchant_id = $1 AND id = $2`,
		merchantID, id, string(consent))
	if err != nil {
		return fmt.Errorf("failed to set consent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func scanUserRow(row pgx.Row) (*models.User, error) {
	var u models.User
	var consent string
	err := row.Scan(
		&u.ID, &u.MerchantID, &u.PhoneEncrypted, &u.PhoneHash, &u.Name, &consent,
		&u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	u.ConsentStatus = models.ConsentStatus(consent)
	return &u, nil
}
