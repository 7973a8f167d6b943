package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/recete-ai/recete-engine/pkg/apperrors"
	"github.com/recete-ai/recete-engine/pkg/database"
	"github.com/recete-ai/recete-engine/pkg/models"
)

// MerchantRepository defines the interface for merchant data access.
// Merchants are not row-level scoped, so lookups work from a system scope
// (webhook routing happens before the merchant is known).
type MerchantRepository interface {
	Create(ctx context.Context, merchant *models.Merchant) error
	Get(ctx context.Context, id uuid.UUID) (*models.Merchant, error)
	GetByWhatsAppPhoneID(ctx context.Context, phoneNumberID string) (*models.Merchant, error)
	GetByShopDomain(ctx context.Context, domain string) (*models.Merchant, error)
	Update(ctx context.Context, merchant *models.Merchant) error
}

type merchantRepository struct{}

// NewMerchantRepository creates a new MerchantRepository.
func NewMerchantRepository() MerchantRepository {
	return &merchantRepository{}
}

var _ MerchantRepository = (*merchantRepository)(nil)

const merchantColumns = `
	id, name, persona, bot_info, instruction_scope, addons, guardrails,
	COALESCE(whatsapp_phone_number_id, ''), whatsapp_token_encrypted,
	COALESCE(shopify_shop_domain, ''), shopify_secret_encrypted, created_at, updated_at`

func (r *merchantRepository) Create(ctx context.Context, m *models.Merchant) error {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return fmt.Errorf("no tenant scope in context")
	}

	now := time.Now()
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	m.CreatedAt = now
	m.UpdatedAt = now
	if !m.InstructionScope.IsValid() {
		m.InstructionScope = models.InstructionScopeOrderOnly
	}

	query := `
		INSERT INTO merchants (
			id, name, persona, bot_info, instruction_scope, addons, guardrails,
			whatsapp_phone_number_id, whatsapp_token_encrypted,
			shopify_shop_domain, shopify_secret_encrypted, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9, NULLIF($10, ''), $11, $12, $13)`

	_, err := scope.Conn.Exec(ctx, query,
		m.ID, m.Name, m.Persona, m.BotInfo, string(m.InstructionScope), addonStrings(m.Addons),
		guardrailsOrEmpty(m.Guardrails), m.WhatsAppPhoneID, m.WhatsAppTokenEnc,
		m.ShopifyShopDomain, m.ShopifySecretEnc, m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("merchant integration already registered: %w", apperrors.ErrConflict)
		}
		return fmt.Errorf("failed to create merchant: %w", err)
	}
	return nil
}

func (r *merchantRepository) Get(ctx context.Context, id uuid.UUID) (*models.Merchant, error) {
	return r.getOne(ctx, `SELECT`+merchantColumns+` FROM merchants WHERE id = $1`, id)
}

func (r *merchantRepository) GetByWhatsAppPhoneID(ctx context.Context, phoneNumberID string) (*models.Merchant, error) {
	return r.getOne(ctx, `SELECT`+merchantColumns+` FROM merchants WHERE whatsapp_phone_number_id = $1`, phoneNumberID)
}

func (r *merchantRepository) GetByShopDomain(ctx context.Context, domain string) (*models.Merchant, error) {
	return r.getOne(ctx, `SELECT`+merchantColumns+` FROM merchants WHERE shopify_shop_domain = $1`, domain)
}

func (r *merchantRepository) getOne(ctx context.Context, query string, arg any) (*models.Merchant, error) {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no tenant scope in context")
	}

	m, err := scanMerchantRow(scope.Conn.QueryRow(ctx, query, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get merchant: %w", err)
	}
	return m, nil
}

func (r *merchantRepository) Update(ctx context.Context, m *models.Merchant) error {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return fmt.Errorf("no tenant scope in context")
	}

	m.UpdatedAt = time.Now()
	query := `
		UPDATE merchants SET
			name = $2, persona = $3, bot_info = $4, instruction_scope = $5, addons = $6,
			guardrails = $7, whatsapp_phone_number_id = NULLIF($8, ''), whatsapp_token_encrypted = $9,
			shopify_shop_domain = NULLIF($10, ''), shopify_secret_encrypted = $11, updated_at = $12
		WHERE id = $1`

	tag, err := scope.Conn.Exec(ctx, query,
		m.ID, m.Name, m.Persona, m.BotInfo, string(m.InstructionScope), addonStrings(m.Addons),
		guardrailsOrEmpty(m.Guardrails), m.WhatsAppPhoneID, m.WhatsAppTokenEnc,
		m.ShopifyShopDomain, m.ShopifySecretEnc, m.UpdatedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("merchant integration already registered: %w", apperrors.ErrConflict)
		}
		return fmt.Errorf("failed to update merchant: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func scanMerchantRow(row pgx.Row) (*models.Merchant, error) {
	var m models.Merchant
	var scope string
	var addons []string
	err := row.Scan(
		&m.ID, &m.Name, &m.Persona, &m.BotInfo, &scope, &addons, &m.Guardrails,
		&m.WhatsAppPhoneID, &m.WhatsAppTokenEnc, &m.ShopifyShopDomain, &m.ShopifySecretEnc,
		&m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	m.InstructionScope = models.InstructionScope(scope)
	m.Addons = make([]models.Addon, len(addons))
	for i, a := range addons {
		m.Addons[i] = models.Addon(a)
	}
	return &m, nil
}

func addonStrings(addons []models.Addon) []string {
	out := make([]string, len(addons))
	for i, a := range addons {
		out[i] = string(a)
	}
	return out
}

func guardrailsOrEmpty(g []models.CustomGuardrail) []models.CustomGuardrail {
	if g == nil {
		return []models.CustomGuardrail{}
	}
	return g
}
