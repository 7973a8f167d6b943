package services

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/recete-ai/recete-engine/pkg/apperrors"
	"github.com/recete-ai/recete-engine/pkg/models"
	"github.com/recete-ai/recete-engine/pkg/repositories"
	"github.com/recete-ai/recete-engine/pkg/retry"
	"github.com/recete-ai/recete-engine/pkg/services/workqueue"
)

func passthroughTenantContext(ctx context.Context, _ uuid.UUID) (context.Context, func(), error) {
	return ctx, func() {}, nil
}

func passthroughSystemContext(ctx context.Context) (context.Context, func(), error) {
	return ctx, func() {}, nil
}

func fastRetryConfig() *retry.Config {
	return &retry.Config{MaxRetries: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
}

// recordingEnqueuer implements workqueue.TaskEnqueuer for testing.
type recordingEnqueuer struct {
	mu    sync.Mutex
	tasks []workqueue.Task
}

func (e *recordingEnqueuer) Enqueue(task workqueue.Task) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tasks = append(e.tasks, task)
}

func (e *recordingEnqueuer) EnqueueAfter(task workqueue.Task, _ time.Duration) {
	e.Enqueue(task)
}

// fakeMerchantRepo implements repositories.MerchantRepository for testing.
type fakeMerchantRepo struct {
	mu        sync.Mutex
	merchants map[uuid.UUID]*models.Merchant
	gets      int
}

func newFakeMerchantRepo(merchants ...*models.Merchant) *fakeMerchantRepo {
	r := &fakeMerchantRepo{merchants: map[uuid.UUID]*models.Merchant{}}
	for _, m := range merchants {
		r.merchants[m.ID] = m
	}
	return r
}

func (r *fakeMerchantRepo) Create(_ context.Context, m *models.Merchant) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	r.merchants[m.ID] = m
	return nil
}

func (r *fakeMerchantRepo) Get(_ context.Context, id uuid.UUID) (*models.Merchant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gets++
	if m, ok := r.merchants[id]; ok {
		cp := *m
		return &cp, nil
	}
	return nil, apperrors.ErrNotFound
}

func (r *fakeMerchantRepo) GetByWhatsAppPhoneID(_ context.Context, phoneNumberID string) (*models.Merchant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.merchants {
		if m.WhatsAppPhoneID == phoneNumberID {
			cp := *m
			return &cp, nil
		}
	}
	return nil, apperrors.ErrNotFound
}

func (r *fakeMerchantRepo) GetByShopDomain(_ context.Context, domain string) (*models.Merchant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.merchants {
		if m.ShopifyShopDomain == domain {
			cp := *m
			return &cp, nil
		}
	}
	return nil, apperrors.ErrNotFound
}

func (r *fakeMerchantRepo) Update(_ context.Context, m *models.Merchant) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.merchants[m.ID]; !ok {
		return apperrors.ErrNotFound
	}
	cp := *m
	r.merchants[m.ID] = &cp
	return nil
}

// fakeProductRepo implements repositories.ProductRepository for testing.
type fakeProductRepo struct {
	mu       sync.Mutex
	products []*models.Product
}

func (r *fakeProductRepo) add(merchantID uuid.UUID, name, externalID string) *models.Product {
	p := &models.Product{ID: uuid.New(), MerchantID: merchantID, Name: name, ExternalID: externalID}
	r.mu.Lock()
	r.products = append(r.products, p)
	r.mu.Unlock()
	return p
}

func (r *fakeProductRepo) Create(_ context.Context, p *models.Product) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	r.products = append(r.products, p)
	return nil
}

func (r *fakeProductRepo) Get(_ context.Context, merchantID, id uuid.UUID) (*models.Product, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.products {
		if p.MerchantID == merchantID && p.ID == id {
			return p, nil
		}
	}
	return nil, apperrors.ErrNotFound
}

func (r *fakeProductRepo) GetByExternalIDs(_ context.Context, merchantID uuid.UUID, externalIDs []string) ([]*models.Product, error) {
	return r.filter(func(p *models.Product) bool {
		return p.MerchantID == merchantID && p.ExternalID != "" && slices.Contains(externalIDs, p.ExternalID)
	}), nil
}

func (r *fakeProductRepo) GetByIDs(_ context.Context, merchantID uuid.UUID, ids []uuid.UUID) ([]*models.Product, error) {
	return r.filter(func(p *models.Product) bool {
		return p.MerchantID == merchantID && slices.Contains(ids, p.ID)
	}), nil
}

func (r *fakeProductRepo) ListByMerchant(_ context.Context, merchantID uuid.UUID) ([]*models.Product, error) {
	return r.filter(func(p *models.Product) bool { return p.MerchantID == merchantID }), nil
}

func (r *fakeProductRepo) filter(keep func(*models.Product) bool) []*models.Product {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Product
	for _, p := range r.products {
		if keep(p) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *fakeProductRepo) Update(_ context.Context, p *models.Product) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, existing := range r.products {
		if existing.ID == p.ID && existing.MerchantID == p.MerchantID {
			r.products[i] = p
			return nil
		}
	}
	return apperrors.ErrNotFound
}

func (r *fakeProductRepo) Delete(_ context.Context, merchantID, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, p := range r.products {
		if p.ID == id && p.MerchantID == merchantID {
			r.products = append(r.products[:i], r.products[i+1:]...)
			return nil
		}
	}
	return apperrors.ErrNotFound
}

// fakeChunkRepo implements repositories.KnowledgeChunkRepository for testing.
type fakeChunkRepo struct {
	mu         sync.Mutex
	chunks     map[uuid.UUID][]*models.KnowledgeChunk
	replaceErr error

	matches     []models.ChunkMatch
	searchErr   error
	searchCalls []repositories.ChunkSearchParams
}

func newFakeChunkRepo() *fakeChunkRepo {
	return &fakeChunkRepo{chunks: map[uuid.UUID][]*models.KnowledgeChunk{}}
}

func (r *fakeChunkRepo) ReplaceForProduct(_ context.Context, _, productID uuid.UUID, chunks []*models.KnowledgeChunk) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.replaceErr != nil {
		return r.replaceErr
	}
	r.chunks[productID] = chunks
	return nil
}

func (r *fakeChunkRepo) DeleteForProduct(_ context.Context, _, productID uuid.UUID) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.chunks[productID])
	delete(r.chunks, productID)
	return int64(n), nil
}

func (r *fakeChunkRepo) ListByProduct(_ context.Context, _, productID uuid.UUID) ([]*models.KnowledgeChunk, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.chunks[productID], nil
}

// Search filters the canned matches by product scope and threshold the way
// the SQL does and returns at most MatchCount of them.
func (r *fakeChunkRepo) Search(_ context.Context, params repositories.ChunkSearchParams) ([]models.ChunkMatch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.searchCalls = append(r.searchCalls, params)
	if r.searchErr != nil {
		return nil, r.searchErr
	}
	var out []models.ChunkMatch
	for _, m := range r.matches {
		if len(params.ProductIDs) > 0 && !slices.Contains(params.ProductIDs, m.ProductID) {
			continue
		}
		if m.Similarity < params.Threshold {
			continue
		}
		out = append(out, m)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Similarity > out[j].Similarity })
	if len(out) > params.MatchCount {
		out = out[:params.MatchCount]
	}
	return out, nil
}

func (r *fakeChunkRepo) CountForProducts(_ context.Context, _ uuid.UUID, productIDs []uuid.UUID) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, id := range productIDs {
		n += len(r.chunks[id])
	}
	return n, nil
}

// fakeExternalEventRepo implements repositories.ExternalEventRepository for testing.
type fakeExternalEventRepo struct {
	mu     sync.Mutex
	events []*models.ExternalEvent
}

func (r *fakeExternalEventRepo) Insert(_ context.Context, e *models.ExternalEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.events {
		if existing.MerchantID == e.MerchantID && existing.IdempotencyKey == e.IdempotencyKey {
			return fmt.Errorf("insert external event: %w", apperrors.ErrConflict)
		}
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.ReceivedAt.IsZero() {
		e.ReceivedAt = time.Now().Add(time.Duration(len(r.events)) * time.Millisecond)
	}
	r.events = append(r.events, e)
	return nil
}

func (r *fakeExternalEventRepo) RecentByOrder(_ context.Context, merchantID uuid.UUID, externalOrderID string, limit int) ([]*models.ExternalEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.ExternalEvent
	for i := len(r.events) - 1; i >= 0 && len(out) < limit; i-- {
		e := r.events[i]
		if e.MerchantID == merchantID && e.ExternalOrderID == externalOrderID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r *fakeExternalEventRepo) ListUnprocessed(_ context.Context, limit int) ([]*models.ExternalEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.ExternalEvent
	for _, e := range r.events {
		if e.ProcessedAt == nil && e.Error == "" && len(out) < limit {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r *fakeExternalEventRepo) MarkProcessed(_ context.Context, id uuid.UUID) error {
	return r.mark(id, func(e *models.ExternalEvent) {
		now := time.Now()
		e.ProcessedAt = &now
	})
}

func (r *fakeExternalEventRepo) MarkFailed(_ context.Context, id uuid.UUID, errMsg string) error {
	return r.mark(id, func(e *models.ExternalEvent) { e.Error = errMsg })
}

func (r *fakeExternalEventRepo) mark(id uuid.UUID, fn func(*models.ExternalEvent)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.ID == id {
			fn(e)
			return nil
		}
	}
	return apperrors.ErrNotFound
}

// fakeUserRepo implements repositories.UserRepository for testing.
type fakeUserRepo struct {
	mu    sync.Mutex
	users []*models.User
	// findDelay widens the window between lookup and create.
	findDelay time.Duration
}

func (r *fakeUserRepo) add(merchantID uuid.UUID, phone string, consent models.ConsentStatus) *models.User {
	u := &models.User{ID: uuid.New(), MerchantID: merchantID, Phone: phone, ConsentStatus: consent}
	r.mu.Lock()
	r.users = append(r.users, u)
	r.mu.Unlock()
	return u
}

func (r *fakeUserRepo) FindByPhone(_ context.Context, merchantID uuid.UUID, phone string) (*models.User, error) {
	time.Sleep(r.findDelay)
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if u.MerchantID == merchantID && u.Phone == phone {
			cp := *u
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *fakeUserRepo) Get(_ context.Context, merchantID, id uuid.UUID) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if u.MerchantID == merchantID && u.ID == id {
			cp := *u
			return &cp, nil
		}
	}
	return nil, apperrors.ErrNotFound
}

func (r *fakeUserRepo) Create(_ context.Context, u *models.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	if u.ConsentStatus == "" {
		u.ConsentStatus = models.ConsentPending
	}
	cp := *u
	r.users = append(r.users, &cp)
	return nil
}

func (r *fakeUserRepo) Update(_ context.Context, u *models.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.users {
		if existing.ID == u.ID && existing.MerchantID == u.MerchantID {
			existing.Name = u.Name
			existing.ConsentStatus = u.ConsentStatus
			return nil
		}
	}
	return apperrors.ErrNotFound
}

func (r *fakeUserRepo) SetConsent(_ context.Context, merchantID, id uuid.UUID, consent models.ConsentStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.users {
		if existing.ID == id && existing.MerchantID == merchantID {
			existing.ConsentStatus = consent
			return nil
		}
	}
	return apperrors.ErrNotFound
}

func (r *fakeUserRepo) count(merchantID uuid.UUID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, u := range r.users {
		if u.MerchantID == merchantID {
			n++
		}
	}
	return n
}

func (r *fakeUserRepo) byID(id uuid.UUID) *models.User {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if u.ID == id {
			return u
		}
	}
	return nil
}

// fakeOrderRepo implements repositories.OrderRepository for testing.
type fakeOrderRepo struct {
	mu     sync.Mutex
	orders []*models.Order
}

func (r *fakeOrderRepo) Upsert(_ context.Context, o *models.Order) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	for _, existing := range r.orders {
		if existing.MerchantID == o.MerchantID && existing.ExternalOrderID == o.ExternalOrderID {
			existing.UserID = o.UserID
			existing.Status = o.Status
			if o.DeliveryDate != nil {
				existing.DeliveryDate = o.DeliveryDate
			}
			existing.UpdatedAt = now
			*o = *existing
			return false, nil
		}
	}
	o.ID = uuid.New()
	o.CreatedAt, o.UpdatedAt = now, now
	cp := *o
	r.orders = append(r.orders, &cp)
	return true, nil
}

func (r *fakeOrderRepo) Get(_ context.Context, merchantID, id uuid.UUID) (*models.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, o := range r.orders {
		if o.MerchantID == merchantID && o.ID == id {
			cp := *o
			return &cp, nil
		}
	}
	return nil, apperrors.ErrNotFound
}

func (r *fakeOrderRepo) GetByExternalID(_ context.Context, merchantID uuid.UUID, externalOrderID string) (*models.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, o := range r.orders {
		if o.MerchantID == merchantID && o.ExternalOrderID == externalOrderID {
			cp := *o
			return &cp, nil
		}
	}
	return nil, apperrors.ErrNotFound
}

func (r *fakeOrderRepo) LatestForUser(_ context.Context, merchantID, userID uuid.UUID) (*models.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var latest *models.Order
	for _, o := range r.orders {
		if o.MerchantID == merchantID && o.UserID == userID {
			if latest == nil || !o.UpdatedAt.Before(latest.UpdatedAt) {
				latest = o
			}
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

// fakeConversationRepo implements repositories.ConversationRepository for testing.
type fakeConversationRepo struct {
	mu    sync.Mutex
	convs []*models.Conversation
}

func (r *fakeConversationRepo) find(merchantID, id uuid.UUID) *models.Conversation {
	for _, c := range r.convs {
		if c.MerchantID == merchantID && c.ID == id {
			return c
		}
	}
	return nil
}

func (r *fakeConversationRepo) Create(_ context.Context, c *models.Conversation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.Status == "" {
		c.Status = models.ConversationStatusAI
	}
	c.CreatedAt, c.UpdatedAt = time.Now(), time.Now()
	cp := *c
	cp.History = slices.Clone(c.History)
	r.convs = append(r.convs, &cp)
	return nil
}

func (r *fakeConversationRepo) Get(_ context.Context, merchantID, id uuid.UUID) (*models.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c := r.find(merchantID, id); c != nil {
		cp := *c
		cp.History = slices.Clone(c.History)
		return &cp, nil
	}
	return nil, apperrors.ErrNotFound
}

func (r *fakeConversationRepo) LatestForUser(_ context.Context, merchantID, userID uuid.UUID) (*models.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.convs) - 1; i >= 0; i-- {
		c := r.convs[i]
		if c.MerchantID == merchantID && c.UserID == userID {
			cp := *c
			cp.History = slices.Clone(c.History)
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *fakeConversationRepo) AppendMessages(_ context.Context, merchantID, id uuid.UUID, msgs ...models.ConversationMessage) error {
	return r.update(merchantID, id, func(c *models.Conversation) { c.History = append(c.History, msgs...) })
}

func (r *fakeConversationRepo) UpdateState(_ context.Context, merchantID, id uuid.UUID, intent models.Intent) error {
	return r.update(merchantID, id, func(c *models.Conversation) { c.CurrentState = intent })
}

func (r *fakeConversationRepo) Escalate(_ context.Context, merchantID, id uuid.UUID, reason string) error {
	return r.update(merchantID, id, func(c *models.Conversation) {
		now := time.Now()
		c.Status = models.ConversationStatusHuman
		c.EscalatedAt = &now
		c.EscalationReason = reason
	})
}

func (r *fakeConversationRepo) SetStatus(_ context.Context, merchantID, id uuid.UUID, status models.ConversationStatus) error {
	return r.update(merchantID, id, func(c *models.Conversation) { c.Status = status })
}

func (r *fakeConversationRepo) SetOrder(_ context.Context, merchantID, id, orderID uuid.UUID) error {
	return r.update(merchantID, id, func(c *models.Conversation) { c.OrderID = &orderID })
}

func (r *fakeConversationRepo) update(merchantID, id uuid.UUID, fn func(*models.Conversation)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.find(merchantID, id)
	if c == nil {
		return apperrors.ErrNotFound
	}
	fn(c)
	c.UpdatedAt = time.Now()
	return nil
}

func (r *fakeConversationRepo) only() *models.Conversation {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.convs) != 1 {
		return nil
	}
	return r.convs[0]
}

// fakeReturnPreventionRepo implements repositories.ReturnPreventionRepository for testing.
type fakeReturnPreventionRepo struct {
	mu       sync.Mutex
	attempts []*models.ReturnPreventionAttempt
}

func (r *fakeReturnPreventionRepo) Create(_ context.Context, a *models.ReturnPreventionAttempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.attempts {
		if existing.ConversationID == a.ConversationID && existing.Outcome == models.OutcomePending {
			return fmt.Errorf("create attempt: %w", apperrors.ErrConflict)
		}
	}
	a.ID = uuid.New()
	a.Outcome = models.OutcomePending
	cp := *a
	r.attempts = append(r.attempts, &cp)
	return nil
}

func (r *fakeReturnPreventionRepo) GetPending(_ context.Context, merchantID, conversationID uuid.UUID) (*models.ReturnPreventionAttempt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.attempts {
		if a.MerchantID == merchantID && a.ConversationID == conversationID && a.Outcome == models.OutcomePending {
			cp := *a
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *fakeReturnPreventionRepo) SetOutcome(_ context.Context, merchantID, id uuid.UUID, outcome models.PreventionOutcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.attempts {
		if a.MerchantID == merchantID && a.ID == id && a.Outcome == models.OutcomePending {
			a.Outcome = outcome
			return nil
		}
	}
	return apperrors.ErrNotFound
}

func (r *fakeReturnPreventionRepo) all() []models.ReturnPreventionAttempt {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.ReturnPreventionAttempt, len(r.attempts))
	for i, a := range r.attempts {
		out[i] = *a
	}
	return out
}

// fakeScheduledTaskRepo implements repositories.ScheduledTaskRepository for testing.
type fakeScheduledTaskRepo struct {
	mu        sync.Mutex
	tasks     []*models.ScheduledTask
	createErr error
}

func (r *fakeScheduledTaskRepo) Create(_ context.Context, t *models.ScheduledTask) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErr != nil {
		return r.createErr
	}
	for _, existing := range r.tasks {
		if existing.OrderID != nil && t.OrderID != nil && *existing.OrderID == *t.OrderID &&
			existing.TaskType == t.TaskType && existing.Status != models.ScheduledTaskFailed {
			return fmt.Errorf("create scheduled task: %w", apperrors.ErrConflict)
		}
	}
	t.ID = uuid.New()
	t.Status = models.ScheduledTaskPending
	cp := *t
	r.tasks = append(r.tasks, &cp)
	return nil
}

func (r *fakeScheduledTaskRepo) HasCompleted(_ context.Context, merchantID, userID, orderID uuid.UUID, taskType models.TaskType) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.tasks {
		if t.MerchantID == merchantID && t.UserID == userID && t.OrderID != nil && *t.OrderID == orderID &&
			t.TaskType == taskType && t.Status == models.ScheduledTaskCompleted {
			return true, nil
		}
	}
	return false, nil
}

func (r *fakeScheduledTaskRepo) ClaimDue(_ context.Context, now time.Time, limit int, lease time.Duration) ([]*models.ScheduledTask, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.ScheduledTask
	for _, t := range r.tasks {
		if len(out) >= limit {
			break
		}
		if t.Status == models.ScheduledTaskPending && !t.ExecuteAt.After(now) {
			t.Attempts++
			t.ExecuteAt = now.Add(lease)
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *fakeScheduledTaskRepo) MarkCompleted(_ context.Context, id uuid.UUID) error {
	return r.update(id, func(t *models.ScheduledTask) { t.Status = models.ScheduledTaskCompleted })
}

func (r *fakeScheduledTaskRepo) MarkFailed(_ context.Context, id uuid.UUID, errMsg string) error {
	return r.update(id, func(t *models.ScheduledTask) {
		t.Status = models.ScheduledTaskFailed
		t.LastError = errMsg
	})
}

func (r *fakeScheduledTaskRepo) RecordError(_ context.Context, id uuid.UUID, errMsg string) error {
	return r.update(id, func(t *models.ScheduledTask) { t.LastError = errMsg })
}

func (r *fakeScheduledTaskRepo) ListForOrder(_ context.Context, merchantID, orderID uuid.UUID) ([]*models.ScheduledTask, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.ScheduledTask
	for _, t := range r.tasks {
		if t.MerchantID == merchantID && t.OrderID != nil && *t.OrderID == orderID {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExecuteAt.Before(out[j].ExecuteAt) })
	return out, nil
}

func (r *fakeScheduledTaskRepo) update(id uuid.UUID, fn func(*models.ScheduledTask)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.tasks {
		if t.ID == id {
			fn(t)
			return nil
		}
	}
	return apperrors.ErrNotFound
}

func (r *fakeScheduledTaskRepo) all() []models.ScheduledTask {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.ScheduledTask, len(r.tasks))
	for i, t := range r.tasks {
		out[i] = *t
	}
	return out
}

// sentMessage is one call recorded by fakeSender.
type sentMessage struct {
	MerchantID uuid.UUID
	To         string
	Body       string
	Kind       string
}

// fakeSender implements MessageSender for testing.
type fakeSender struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

func (s *fakeSender) SendText(_ context.Context, merchant *models.Merchant, to, body, kind string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, sentMessage{MerchantID: merchant.ID, To: to, Body: body, Kind: kind})
	return nil
}

func (s *fakeSender) messages() []sentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentMessage(nil), s.sent...)
}

var (
	_ MessageSender                           = (*fakeSender)(nil)
	_ repositories.MerchantRepository         = (*fakeMerchantRepo)(nil)
	_ repositories.ProductRepository          = (*fakeProductRepo)(nil)
	_ repositories.KnowledgeChunkRepository   = (*fakeChunkRepo)(nil)
	_ repositories.ExternalEventRepository    = (*fakeExternalEventRepo)(nil)
	_ repositories.UserRepository             = (*fakeUserRepo)(nil)
	_ repositories.OrderRepository            = (*fakeOrderRepo)(nil)
	_ repositories.ConversationRepository     = (*fakeConversationRepo)(nil)
	_ repositories.ReturnPreventionRepository = (*fakeReturnPreventionRepo)(nil)
	_ repositories.ScheduledTaskRepository    = (*fakeScheduledTaskRepo)(nil)
)

// fakeRAG implements RAGQueryService for testing.
type fakeRAG struct {
	mu      sync.Mutex
	queries []RAGQuery
	results []RAGResult
	err     error
}

func (f *fakeRAG) Query(_ context.Context, q RAGQuery) (*RAGResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	if f.err != nil {
		return nil, f.err
	}
	results := append([]RAGResult{}, f.results...)
	return &RAGResponse{Results: results, TotalResults: len(results)}, nil
}

func (f *fakeRAG) calls() []RAGQuery {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]RAGQuery(nil), f.queries...)
}

// fakeScope implements OrderScopeResolver for testing.
type fakeScope struct {
	productIDs []uuid.UUID
	err        error
}

func (f *fakeScope) ResolveOrderProductScope(_ context.Context, _, _ uuid.UUID) (*OrderProductScope, error) {
	if f.err != nil {
		return nil, f.err
	}
	source := ScopeSourceExternalID
	if len(f.productIDs) == 0 {
		source = ScopeSourceNone
	}
	return &OrderProductScope{ProductIDs: f.productIDs, Source: source}, nil
}

var (
	_ RAGQueryService    = (*fakeRAG)(nil)
	_ OrderScopeResolver = (*fakeScope)(nil)
)
