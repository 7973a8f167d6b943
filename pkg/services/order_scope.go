package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/text/cases"

	"github.com/recete-ai/recete-engine/pkg/models"
	"github.com/recete-ai/recete-engine/pkg/repositories"
)

const scopeEventLimit = 20

// ScopeSource records how an order's products were resolved.
type ScopeSource string

const (
	ScopeSourceExternalID ScopeSource = "external_id"
	ScopeSourceNameMatch  ScopeSource = "name_match"
	ScopeSourceNone       ScopeSource = "none"
)

// OrderProductScope is the set of products an order contains.
type OrderProductScope struct {
	ProductIDs []uuid.UUID `json:"product_ids"`
	Chunks     int         `json:"chunks"` // knowledge chunks backing ProductIDs
	Source     ScopeSource `json:"source"`
}

// OrderScopeResolver maps an order to the merchant's products.
type OrderScopeResolver interface {
	// ResolveOrderProductScope never widens to the whole catalog: when nothing
	// matches the scope is empty with Source none.
	ResolveOrderProductScope(ctx context.Context, merchantID, orderID uuid.UUID) (*OrderProductScope, error)
}

type orderScopeResolver struct {
	orderRepo   repositories.OrderRepository
	eventRepo   repositories.ExternalEventRepository
	productRepo repositories.ProductRepository
	chunkRepo   repositories.KnowledgeChunkRepository
	logger      *zap.Logger
}

// NewOrderScopeResolver creates an OrderScopeResolver.
func NewOrderScopeResolver(
	orderRepo repositories.OrderRepository,
	eventRepo repositories.ExternalEventRepository,
	productRepo repositories.ProductRepository,
	chunkRepo repositories.KnowledgeChunkRepository,
	logger *zap.Logger,
) OrderScopeResolver {
	return &orderScopeResolver{
		orderRepo:   orderRepo,
		eventRepo:   eventRepo,
		productRepo: productRepo,
		chunkRepo:   chunkRepo,
		logger:      logger.Named("order-scope"),
	}
}

var _ OrderScopeResolver = (*orderScopeResolver)(nil)

func (s *orderScopeResolver) ResolveOrderProductScope(ctx context.Context, merchantID, orderID uuid.UUID) (*OrderProductScope, error) {
	order, err := s.orderRepo.Get(ctx, merchantID, orderID)
	if err != nil {
		return nil, fmt.Errorf("load order: %w", err)
	}

	events, err := s.eventRepo.RecentByOrder(ctx, merchantID, order.ExternalOrderID, scopeEventLimit)
	if err != nil {
		return nil, fmt.Errorf("load order events: %w", err)
	}

	var externalIDs, names []string
	seenExt, seenName := map[string]bool{}, map[string]bool{}
	for _, e := range events {
		if e.Payload == nil {
			continue
		}
		for _, item := range e.Payload.Items {
			if id := strings.TrimSpace(item.ExternalProductID); id != "" && !seenExt[id] {
				seenExt[id] = true
				externalIDs = append(externalIDs, id)
			}
			if n := foldName(item.Name); n != "" && !seenName[n] {
				seenName[n] = true
				names = append(names, n)
			}
		}
	}

	scope := &OrderProductScope{ProductIDs: []uuid.UUID{}, Source: ScopeSourceNone}

	if len(externalIDs) > 0 {
		products, err := s.productRepo.GetByExternalIDs(ctx, merchantID, externalIDs)
		if err != nil {
			return nil, fmt.Errorf("match products by external id: %w", err)
		}
		if len(products) > 0 {
			scope.ProductIDs = productIDs(products)
			scope.Source = ScopeSourceExternalID
		}
	}

	if scope.Source == ScopeSourceNone && len(names) > 0 {
		catalog, err := s.productRepo.ListByMerchant(ctx, merchantID)
		if err != nil {
			return nil, fmt.Errorf("list products: %w", err)
		}
		var matched []*models.Product
		for _, p := range catalog {
			if seenName[foldName(p.Name)] {
				matched = append(matched, p)
			}
		}
		if len(matched) > 0 {
			scope.ProductIDs = productIDs(matched)
			scope.Source = ScopeSourceNameMatch
		}
	}

	if len(scope.ProductIDs) > 0 {
		n, err := s.chunkRepo.CountForProducts(ctx, merchantID, scope.ProductIDs)
		if err != nil {
			return nil, fmt.Errorf("count chunks: %w", err)
		}
		scope.Chunks = n
	}

	s.logger.Debug("Resolved order product scope",
		zap.String("order_id", orderID.String()),
		zap.String("source", string(scope.Source)),
		zap.Int("products", len(scope.ProductIDs)),
		zap.Int("chunks", scope.Chunks))
	return scope, nil
}

// foldName normalizes a product name for case- and locale-insensitive equality.
func foldName(name string) string {
	return cases.Fold().String(strings.Join(strings.Fields(name), " "))
}

func productIDs(products []*models.Product) []uuid.UUID {
	ids := make([]uuid.UUID, len(products))
	for i, p := range products {
		ids[i] = p.ID
	}
	return ids
}
