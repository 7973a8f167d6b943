//go:build integration

package repositories

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/recete-ai/recete-engine/pkg/crypto"
	"github.com/recete-ai/recete-engine/pkg/database"
	"github.com/recete-ai/recete-engine/pkg/models"
	"github.com/recete-ai/recete-engine/pkg/testhelpers"
)

const testPhoneKey = "repository-integration-test-key"

// repoTestContext holds a fresh merchant and a scoped context for one test.
type repoTestContext struct {
	t          *testing.T
	engineDB   *testhelpers.EngineDB
	merchantID uuid.UUID
	ctx        context.Context
}

// setupRepoTest creates a merchant and returns a context scoped to it. Every
// test gets its own merchant, so tests never see each other's rows.
func setupRepoTest(t *testing.T) *repoTestContext {
	t.Helper()
	engineDB := testhelpers.GetEngineDB(t)

	tc := &repoTestContext{
		t:          t,
		engineDB:   engineDB,
		merchantID: uuid.New(),
	}

	sysCtx, done := tc.systemCtx()
	defer done()
	err := NewMerchantRepository().Create(sysCtx, &models.Merchant{
		ID:   tc.merchantID,
		Name: "Test Merchant " + tc.merchantID.String()[:8],
	})
	if err != nil {
		t.Fatalf("failed to create test merchant: %v", err)
	}

	scope, err := engineDB.DB.WithTenant(context.Background(), tc.merchantID)
	if err != nil {
		t.Fatalf("failed to create tenant scope: %v", err)
	}
	t.Cleanup(scope.Close)
	tc.ctx = database.SetTenantScope(context.Background(), scope)
	return tc
}

// systemCtx returns an unscoped context for cross-merchant operations.
func (tc *repoTestContext) systemCtx() (context.Context, func()) {
	tc.t.Helper()
	scope, err := tc.engineDB.DB.WithoutTenant(context.Background())
	if err != nil {
		tc.t.Fatalf("failed to create system scope: %v", err)
	}
	return database.SetTenantScope(context.Background(), scope), scope.Close
}

func (tc *repoTestContext) phoneCipher() *crypto.PhoneCipher {
	tc.t.Helper()
	c, err := crypto.NewPhoneCipher(testPhoneKey)
	if err != nil {
		tc.t.Fatalf("failed to create phone cipher: %v", err)
	}
	return c
}

func (tc *repoTestContext) createUser(phone string, consent models.ConsentStatus) *models.User {
	tc.t.Helper()
	u := &models.User{MerchantID: tc.merchantID, Phone: phone, Name: "Ayşe", ConsentStatus: consent}
	if err := NewUserRepository(tc.phoneCipher(), 0).Create(tc.ctx, u); err != nil {
		tc.t.Fatalf("failed to create user: %v", err)
	}
	return u
}

func (tc *repoTestContext) createOrder(userID uuid.UUID, externalID string, status models.OrderStatus) *models.Order {
	tc.t.Helper()
	o := &models.Order{MerchantID: tc.merchantID, UserID: userID, ExternalOrderID: externalID, Status: status}
	if _, err := NewOrderRepository().Upsert(tc.ctx, o); err != nil {
		tc.t.Fatalf("failed to create order: %v", err)
	}
	return o
}

func (tc *repoTestContext) createProduct(name, externalID string) *models.Product {
	tc.t.Helper()
	p := &models.Product{MerchantID: tc.merchantID, Name: name, ExternalID: externalID, RawText: name + " details"}
	if err := NewProductRepository().Create(tc.ctx, p); err != nil {
		tc.t.Fatalf("failed to create product: %v", err)
	}
	return p
}

func (tc *repoTestContext) createConversation(userID uuid.UUID) *models.Conversation {
	tc.t.Helper()
	c := &models.Conversation{MerchantID: tc.merchantID, UserID: userID}
	if err := NewConversationRepository().Create(tc.ctx, c); err != nil {
		tc.t.Fatalf("failed to create conversation: %v", err)
	}
	return c
}
