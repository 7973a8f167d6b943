package handlers

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/recete-ai/recete-engine/pkg/apperrors"
	"github.com/recete-ai/recete-engine/pkg/models"
	"github.com/recete-ai/recete-engine/pkg/services"
	"github.com/recete-ai/recete-engine/pkg/services/workqueue"
	"github.com/recete-ai/recete-engine/pkg/whatsapp"
)

func passthroughTenantContext(ctx context.Context, _ uuid.UUID) (context.Context, func(), error) {
	return ctx, func() {}, nil
}

func passthroughSystemContext(ctx context.Context) (context.Context, func(), error) {
	return ctx, func() {}, nil
}

// fakeProcessor implements services.OrderProcessor. Events without a phone
// fail like the real processor and repeated idempotency keys are duplicates.
type fakeProcessor struct {
	mu     sync.Mutex
	events []*models.NormalizedEvent
	keys   map[string]bool
	err    error
}

func (p *fakeProcessor) Ingest(_ context.Context, e *models.NormalizedEvent) (*services.ProcessResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	if p.keys == nil {
		p.keys = map[string]bool{}
	}
	if p.keys[e.IdempotencyKey] {
		return nil, apperrors.ErrDuplicateEvent
	}
	p.keys[e.IdempotencyKey] = true
	if e.Customer == nil || e.Customer.Phone == "" {
		return nil, apperrors.ErrMissingPhone
	}
	p.events = append(p.events, e)
	return &services.ProcessResult{UserID: uuid.New(), OrderID: uuid.New(), Created: true}, nil
}

func (p *fakeProcessor) Process(ctx context.Context, e *models.NormalizedEvent) (*services.ProcessResult, error) {
	return p.Ingest(ctx, e)
}

func (p *fakeProcessor) ProcessExternalEvents(context.Context, int) (*services.DrainResult, error) {
	return &services.DrainResult{}, nil
}

func (p *fakeProcessor) ingested() []*models.NormalizedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*models.NormalizedEvent(nil), p.events...)
}

var _ services.OrderProcessor = (*fakeProcessor)(nil)

// fakeConversations implements services.ConversationService.
type fakeConversations struct {
	mu       sync.Mutex
	inbound  []whatsapp.InboundMessage
	handle   func(whatsapp.InboundMessage) (*services.InboundResult, error)
	statuses map[uuid.UUID]models.ConversationStatus
}

func (c *fakeConversations) HandleInbound(_ context.Context, msg whatsapp.InboundMessage) (*services.InboundResult, error) {
	c.mu.Lock()
	c.inbound = append(c.inbound, msg)
	c.mu.Unlock()
	if c.handle != nil {
		return c.handle(msg)
	}
	return &services.InboundResult{Reply: "ok"}, nil
}

func (c *fakeConversations) SetStatus(_ context.Context, _, conversationID uuid.UUID, status models.ConversationStatus) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.statuses[conversationID]; !ok {
		return apperrors.ErrNotFound
	}
	c.statuses[conversationID] = status
	return nil
}

var _ services.ConversationService = (*fakeConversations)(nil)

// fakeMerchants implements services.MerchantService over a map.
type fakeMerchants struct {
	mu        sync.Mutex
	merchants map[uuid.UUID]*models.Merchant
	updates   int
}

func newFakeMerchants(merchants ...*models.Merchant) *fakeMerchants {
	f := &fakeMerchants{merchants: map[uuid.UUID]*models.Merchant{}}
	for _, m := range merchants {
		f.merchants[m.ID] = m
	}
	return f
}

func (f *fakeMerchants) Get(_ context.Context, id uuid.UUID) (*models.Merchant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.merchants[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (f *fakeMerchants) GetByWhatsAppPhoneID(_ context.Context, phoneNumberID string) (*models.Merchant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.merchants {
		if m.WhatsAppPhoneID == phoneNumberID {
			return m, nil
		}
	}
	return nil, apperrors.ErrNotFound
}

func (f *fakeMerchants) GetByShopDomain(_ context.Context, domain string) (*models.Merchant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.merchants {
		if m.ShopifyShopDomain == domain {
			return m, nil
		}
	}
	return nil, apperrors.ErrNotFound
}

func (f *fakeMerchants) Update(_ context.Context, m *models.Merchant) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.merchants[m.ID]; !ok {
		return apperrors.ErrNotFound
	}
	cp := *m
	f.merchants[m.ID] = &cp
	f.updates++
	return nil
}

var _ services.MerchantService = (*fakeMerchants)(nil)

// fakeScheduler implements services.MessageScheduler; only ListForOrder is used.
type fakeScheduler struct {
	tasks []*models.ScheduledTask
}

func (s *fakeScheduler) ScheduleDeliveryFlow(context.Context, uuid.UUID, uuid.UUID, uuid.UUID, time.Time) error {
	return nil
}

func (s *fakeScheduler) ScheduleUpsell(context.Context, uuid.UUID, uuid.UUID, uuid.UUID, time.Time) error {
	return nil
}

func (s *fakeScheduler) DispatchDue(context.Context, workqueue.TaskEnqueuer, int) (int, error) {
	return 0, nil
}

func (s *fakeScheduler) Send(context.Context, *models.ScheduledTask) error {
	return nil
}

func (s *fakeScheduler) ListForOrder(_ context.Context, merchantID, orderID uuid.UUID) ([]*models.ScheduledTask, error) {
	var out []*models.ScheduledTask
	for _, t := range s.tasks {
		if t.MerchantID == merchantID && t.OrderID != nil && *t.OrderID == orderID {
			out = append(out, t)
		}
	}
	return out, nil
}

var _ services.MessageScheduler = (*fakeScheduler)(nil)

// fakeRAG implements services.RAGQueryService and records the last query.
type fakeRAG struct {
	last    services.RAGQuery
	results []services.RAGResult
	err     error
}

func (r *fakeRAG) Query(_ context.Context, q services.RAGQuery) (*services.RAGResponse, error) {
	r.last = q
	if r.err != nil {
		return nil, r.err
	}
	return &services.RAGResponse{Results: r.results, TotalResults: len(r.results)}, nil
}

var _ services.RAGQueryService = (*fakeRAG)(nil)

// fakeIndexer implements services.KnowledgeIndexer.
type fakeIndexer struct {
	mu        sync.Mutex
	reindexed []uuid.UUID
}

func (i *fakeIndexer) IndexProduct(context.Context, uuid.UUID, uuid.UUID, string, string) (*services.IndexResult, error) {
	return &services.IndexResult{Success: true}, nil
}

func (i *fakeIndexer) ReindexProduct(_ context.Context, _, productID uuid.UUID) (*services.IndexResult, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.reindexed = append(i.reindexed, productID)
	return &services.IndexResult{Success: true, ChunksCreated: 3}, nil
}

var _ services.KnowledgeIndexer = (*fakeIndexer)(nil)

// recordingEnqueuer implements workqueue.TaskEnqueuer without running tasks.
type recordingEnqueuer struct {
	tasks []workqueue.Task
}

func (e *recordingEnqueuer) Enqueue(task workqueue.Task) {
	e.tasks = append(e.tasks, task)
}

func (e *recordingEnqueuer) EnqueueAfter(task workqueue.Task, _ time.Duration) {
	e.tasks = append(e.tasks, task)
}

var _ workqueue.TaskEnqueuer = (*recordingEnqueuer)(nil)
