package services

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/recete-ai/recete-engine/pkg/apperrors"
	"github.com/recete-ai/recete-engine/pkg/models"
)

type scopeFixture struct {
	merchantID uuid.UUID
	order      *models.Order
	orders     *fakeOrderRepo
	events     *fakeExternalEventRepo
	products   *fakeProductRepo
	chunks     *fakeChunkRepo
	resolver   OrderScopeResolver
}

func newScopeFixture(t *testing.T) *scopeFixture {
	t.Helper()
	f := &scopeFixture{
		merchantID: uuid.New(),
		orders:     &fakeOrderRepo{},
		events:     &fakeExternalEventRepo{},
		products:   &fakeProductRepo{},
		chunks:     newFakeChunkRepo(),
	}
	f.order = &models.Order{MerchantID: f.merchantID, UserID: uuid.New(), ExternalOrderID: "1001", Status: models.OrderStatusDelivered}
	_, err := f.orders.Upsert(context.Background(), f.order)
	require.NoError(t, err)
	f.resolver = NewOrderScopeResolver(f.orders, f.events, f.products, f.chunks, zap.NewNop())
	return f
}

func (f *scopeFixture) addEvent(t *testing.T, items ...models.EventItem) {
	t.Helper()
	err := f.events.Insert(context.Background(), &models.ExternalEvent{
		MerchantID:      f.merchantID,
		ExternalOrderID: f.order.ExternalOrderID,
		IdempotencyKey:  uuid.NewString(),
		Payload: &models.NormalizedEvent{
			MerchantID:      f.merchantID,
			ExternalOrderID: f.order.ExternalOrderID,
			OccurredAt:      time.Now(),
			Items:           items,
		},
	})
	require.NoError(t, err)
}

func TestResolveOrderProductScope_ByExternalID(t *testing.T) {
	f := newScopeFixture(t)
	serum := f.products.add(f.merchantID, "Serum", "sp-1")
	f.products.add(f.merchantID, "Cream", "sp-2")
	f.chunks.chunks[serum.ID] = make([]*models.KnowledgeChunk, 3)
	f.addEvent(t, models.EventItem{ExternalProductID: "sp-1", Name: "Something else"})

	scope, err := f.resolver.ResolveOrderProductScope(context.Background(), f.merchantID, f.order.ID)

	require.NoError(t, err)
	assert.Equal(t, ScopeSourceExternalID, scope.Source)
	assert.Equal(t, []uuid.UUID{serum.ID}, scope.ProductIDs)
	assert.Equal(t, 3, scope.Chunks)
}

func TestResolveOrderProductScope_FallsBackToFoldedName(t *testing.T) {
	f := newScopeFixture(t)
	cream := f.products.add(f.merchantID, "Gece  Kremi", "")
	f.products.add(f.merchantID, "Gündüz Kremi", "")
	f.addEvent(t, models.EventItem{ExternalProductID: "unknown", Name: "GECE KREMI"})

	scope, err := f.resolver.ResolveOrderProductScope(context.Background(), f.merchantID, f.order.ID)

	require.NoError(t, err)
	assert.Equal(t, ScopeSourceNameMatch, scope.Source)
	assert.Equal(t, []uuid.UUID{cream.ID}, scope.ProductIDs)
}

func TestResolveOrderProductScope_NothingMatchesIsEmpty(t *testing.T) {
	f := newScopeFixture(t)
	f.products.add(f.merchantID, "Serum", "sp-1")
	f.addEvent(t, models.EventItem{Name: "Shampoo"})

	scope, err := f.resolver.ResolveOrderProductScope(context.Background(), f.merchantID, f.order.ID)

	require.NoError(t, err)
	assert.Equal(t, ScopeSourceNone, scope.Source)
	assert.NotNil(t, scope.ProductIDs)
	assert.Empty(t, scope.ProductIDs)
	assert.Zero(t, scope.Chunks)
}

func TestResolveOrderProductScope_NoEvents(t *testing.T) {
	f := newScopeFixture(t)
	f.products.add(f.merchantID, "Serum", "sp-1")

	scope, err := f.resolver.ResolveOrderProductScope(context.Background(), f.merchantID, f.order.ID)

	require.NoError(t, err)
	assert.Equal(t, ScopeSourceNone, scope.Source)
}

func TestResolveOrderProductScope_OtherMerchantsProductsIgnored(t *testing.T) {
	f := newScopeFixture(t)
	f.products.add(uuid.New(), "Serum", "sp-1")
	f.addEvent(t, models.EventItem{ExternalProductID: "sp-1", Name: "Serum"})

	scope, err := f.resolver.ResolveOrderProductScope(context.Background(), f.merchantID, f.order.ID)

	require.NoError(t, err)
	assert.Equal(t, ScopeSourceNone, scope.Source)
}

func TestResolveOrderProductScope_UnknownOrder(t *testing.T) {
	f := newScopeFixture(t)

	_, err := f.resolver.ResolveOrderProductScope(context.Background(), f.merchantID, uuid.New())

	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestFoldName(t *testing.T) {
	assert.Equal(t, foldName("Gece Kremi"), foldName("  GECE   kremi "))
	assert.Equal(t, foldName("STRASSE"), foldName("straße"))
	assert.NotEqual(t, foldName("Serum A"), foldName("Serum B"))
}
