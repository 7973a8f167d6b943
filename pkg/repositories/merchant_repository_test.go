//go:build integration

package repositories

import (
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recete-ai/recete-engine/pkg/apperrors"
	"github.com/recete-ai/recete-engine/pkg/models"
)

func TestMerchantRepository_CreateAndGet(t *testing.T) {
	tc := setupRepoTest(t)
	ctx, done := tc.systemCtx()
	defer done()
	repo := NewMerchantRepository()

	phoneID := "wa-" + uuid.NewString()[:8]
	m := &models.Merchant{
		Name:             "Glow Cosmetics",
		Persona:          models.Persona{BotName: "Glow", Tone: "friendly", EmojiUsage: "minimal"},
		BotInfo:          models.BotInfo{BrandGuidelines: "Be kind"},
		InstructionScope: models.InstructionScopeRAGProductsToo,
		Addons:           []models.Addon{models.AddonReturnPrevention},
		Guardrails: []models.CustomGuardrail{{
			ID: "g1", Name: "no prices", MatchType: models.GuardrailMatchKeywords,
			Keywords: []string{"discount"}, ApplyTo: models.GuardrailTargetBoth,
			Action: models.GuardrailActionBlock, Enabled: true,
		}},
		WhatsAppPhoneID: phoneID,
	}
	require.NoError(t, repo.Create(ctx, m))

	got, err := repo.GetByWhatsAppPhoneID(ctx, phoneID)
	require.NoError(t, err)
	assert.Equal(t, m.ID, got.ID)
	assert.Equal(t, "Glow", got.Persona.BotName)
	assert.Equal(t, "Be kind", got.BotInfo.BrandGuidelines)
	assert.True(t, got.HasAddon(models.AddonReturnPrevention))
	assert.Equal(t, models.InstructionScopeRAGProductsToo, got.InstructionScope)
	require.Len(t, got.Guardrails, 1)
	assert.Equal(t, []string{"discount"}, got.Guardrails[0].Keywords)

	byID, err := repo.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, m.Name, byID.Name)
}

func TestMerchantRepository_DuplicatePhoneID(t *testing.T) {
	tc := setupRepoTest(t)
	ctx, done := tc.systemCtx()
	defer done()
	repo := NewMerchantRepository()

	phoneID := "wa-" + uuid.NewString()[:8]
	require.NoError(t, repo.Create(ctx, &models.Merchant{Name: "A", WhatsAppPhoneID: phoneID}))
	err := repo.Create(ctx, &models.Merchant{Name: "B", WhatsAppPhoneID: phoneID})
	assert.True(t, errors.Is(err, apperrors.ErrConflict), "got %v", err)
}

func TestMerchantRepository_UpdateAndNotFound(t *testing.T) {
	tc := setupRepoTest(t)
	ctx, done := tc.systemCtx()
	defer done()
	repo := NewMerchantRepository()

	m, err := repo.Get(ctx, tc.merchantID)
	require.NoError(t, err)
	m.Addons = []models.Addon{models.AddonReturnPrevention}
	require.NoError(t, repo.Update(ctx, m))

	got, err := repo.Get(ctx, tc.merchantID)
	require.NoError(t, err)
	assert.True(t, got.HasAddon(models.AddonReturnPrevention))

	_, err = repo.Get(ctx, uuid.New())
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	assert.ErrorIs(t, repo.Update(ctx, &models.Merchant{ID: uuid.New(), Name: "ghost"}), apperrors.ErrNotFound)
}
