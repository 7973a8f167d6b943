package services

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/recete-ai/recete-engine/pkg/cache"
	"github.com/recete-ai/recete-engine/pkg/models"
	"github.com/recete-ai/recete-engine/pkg/repositories"
)

// MerchantCacheTTL bounds how stale persona and guardrail settings may be.
const MerchantCacheTTL = 5 * time.Minute

// MerchantService is a read-through cache over merchant settings.
type MerchantService interface {
	Get(ctx context.Context, id uuid.UUID) (*models.Merchant, error)
	GetByWhatsAppPhoneID(ctx context.Context, phoneNumberID string) (*models.Merchant, error)
	GetByShopDomain(ctx context.Context, domain string) (*models.Merchant, error)
	Update(ctx context.Context, merchant *models.Merchant) error
}

// cachedMerchant keeps the encrypted secrets that models.Merchant hides from JSON.
type cachedMerchant struct {
	Merchant         *models.Merchant `json:"merchant"`
	WhatsAppTokenEnc string           `json:"whatsapp_token_enc,omitempty"`
	ShopifySecretEnc string           `json:"shopify_secret_enc,omitempty"`
}

func wrapMerchant(m *models.Merchant) cachedMerchant {
	return cachedMerchant{Merchant: m, WhatsAppTokenEnc: m.WhatsAppTokenEnc, ShopifySecretEnc: m.ShopifySecretEnc}
}

func (c cachedMerchant) unwrap() *models.Merchant {
	m := *c.Merchant
	m.WhatsAppTokenEnc = c.WhatsAppTokenEnc
	m.ShopifySecretEnc = c.ShopifySecretEnc
	return &m
}

type merchantService struct {
	repo   repositories.MerchantRepository
	cache  *cache.Cache
	logger *zap.Logger
}

// NewMerchantService creates a MerchantService. With a nil cache every call
// goes to the repository.
func NewMerchantService(repo repositories.MerchantRepository, c *cache.Cache, logger *zap.Logger) MerchantService {
	return &merchantService{repo: repo, cache: c, logger: logger.Named("merchants")}
}

var _ MerchantService = (*merchantService)(nil)

func (s *merchantService) Get(ctx context.Context, id uuid.UUID) (*models.Merchant, error) {
	return s.lookup(ctx, "id:"+id.String(), func(ctx context.Context) (*models.Merchant, error) {
		return s.repo.Get(ctx, id)
	})
}

func (s *merchantService) GetByWhatsAppPhoneID(ctx context.Context, phoneNumberID string) (*models.Merchant, error) {
	return s.lookup(ctx, "wa:"+phoneNumberID, func(ctx context.Context) (*models.Merchant, error) {
		return s.repo.GetByWhatsAppPhoneID(ctx, phoneNumberID)
	})
}

func (s *merchantService) GetByShopDomain(ctx context.Context, domain string) (*models.Merchant, error) {
	return s.lookup(ctx, "shop:"+domain, func(ctx context.Context) (*models.Merchant, error) {
		return s.repo.GetByShopDomain(ctx, domain)
	})
}

func (s *merchantService) lookup(ctx context.Context, key string, load func(context.Context) (*models.Merchant, error)) (*models.Merchant, error) {
	if s.cache == nil {
		return load(ctx)
	}
	entry, err := cache.GetOrCompute(ctx, s.cache, cache.NamespaceMerchants, key, MerchantCacheTTL,
		func(ctx context.Context) (cachedMerchant, error) {
			m, err := load(ctx)
			if err != nil {
				return cachedMerchant{}, err
			}
			return wrapMerchant(m), nil
		})
	if err != nil {
		return nil, err
	}
	return entry.unwrap(), nil
}

func (s *merchantService) Update(ctx context.Context, merchant *models.Merchant) error {
	previous, err := s.repo.Get(ctx, merchant.ID)
	if err != nil {
		return err
	}
	if err := s.repo.Update(ctx, merchant); err != nil {
		return err
	}
	if s.cache != nil {
		for _, m := range []*models.Merchant{previous, merchant} {
			s.cache.Delete(ctx, cache.NamespaceMerchants, "id:"+m.ID.String())
			s.cache.Delete(ctx, cache.NamespaceMerchants, "wa:"+m.WhatsAppPhoneID)
			s.cache.Delete(ctx, cache.NamespaceMerchants, "shop:"+m.ShopifyShopDomain)
		}
	}
	s.logger.Info("Merchant settings updated", zap.String("merchant_id", merchant.ID.String()))
	return nil
}
