package services

import (
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/tidwall/gjson"

	"github.com/recete-ai/recete-engine/pkg/apperrors"
	"github.com/recete-ai/recete-engine/pkg/models"
	"github.com/recete-ai/recete-engine/pkg/phone"
)

// Shopify webhook topics.
const (
	TopicOrdersCreate    = "orders/create"
	TopicOrdersPaid      = "orders/paid"
	TopicOrdersFulfilled = "orders/fulfilled"
	TopicOrdersCancelled = "orders/cancelled"
	TopicOrdersUpdated   = "orders/updated"
	TopicRefundsCreate   = "refunds/create"
)

var shopifyTopics = map[string]models.EventType{
	TopicOrdersCreate:    models.EventOrderCreated,
	TopicOrdersPaid:      models.EventOrderUpdated,
	TopicOrdersFulfilled: models.EventOrderDelivered,
	TopicOrdersCancelled: models.EventOrderCancelled,
	TopicRefundsCreate:   models.EventOrderReturned,
	TopicOrdersUpdated:   models.EventOrderUpdated,
}

// IsSupportedShopifyTopic reports whether topic maps to an event type.
func IsSupportedShopifyTopic(topic string) bool {
	_, ok := shopifyTopics[topic]
	return ok
}

//go:embed schemas/manual_event.json
var manualEventSchemaJSON string

var manualEventSchema = mustCompileSchema("manual_event.json", manualEventSchemaJSON)

func mustCompileSchema(url, src string) *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	c.AssertFormat = true
	if err := c.AddResource(url, strings.NewReader(src)); err != nil {
		panic(fmt.Sprintf("add schema %s: %v", url, err))
	}
	return c.MustCompile(url)
}

// IdempotencyKey is the hex SHA-256 of
// source|event_type|external_order_id|occurred_at, with |eventID appended
// when the source supplied one. occurredAt is rendered as RFC3339Nano in UTC.
func IdempotencyKey(source models.EventSource, eventType models.EventType, externalOrderID string, occurredAt time.Time, eventID string) string {
	parts := []string{
		string(source),
		string(eventType),
		externalOrderID,
		occurredAt.UTC().Format(time.RFC3339Nano),
	}
	if eventID != "" {
		parts = append(parts, eventID)
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// NormalizeEvent dispatches a raw payload to the source's normalizer. A nil
// event with a nil error means the payload should be skipped.
func NormalizeEvent(source models.EventSource, topic string, payload []byte, merchantID uuid.UUID, eventID string) (*models.NormalizedEvent, error) {
	switch source {
	case models.EventSourceShopify:
		return NormalizeShopify(topic, payload, merchantID, eventID), nil
	case models.EventSourceManual, models.EventSourceTest:
		e, err := NormalizeManual(payload, merchantID)
		if err != nil {
			return nil, err
		}
		e.Source = source
		e.IdempotencyKey = IdempotencyKey(e.Source, e.EventType, e.ExternalOrderID, e.OccurredAt, e.ExternalEventID)
		return e, nil
	case models.EventSourceCSV:
		return nil, fmt.Errorf("%w: csv events are normalized per row", apperrors.ErrInvalidEvent)
	}
	return nil, fmt.Errorf("%w: unknown source %q", apperrors.ErrInvalidEvent, source)
}

// NormalizeShopify maps a Shopify order or refund webhook onto a
// NormalizedEvent. It returns nil for unsupported topics and for payloads
// without an order id. Invalid phones degrade to no phone.
func NormalizeShopify(topic string, payload []byte, merchantID uuid.UUID, eventID string) *models.NormalizedEvent {
	eventType, ok := shopifyTopics[topic]
	if !ok || !gjson.ValidBytes(payload) {
		return nil
	}
	root := gjson.ParseBytes(payload)

	orderID := root.Get("id").String()
	if topic == TopicRefundsCreate {
		orderID = root.Get("order_id").String()
	}
	if orderID == "" || orderID == "0" {
		return nil
	}

	if topic == TopicOrdersUpdated && shopifyFulfilled(root) {
		eventType = models.EventOrderDelivered
	}

	occurredAt := shopifyOccurredAt(root, topic)
	order := &models.EventOrder{
		Status:    models.StatusForEvent(eventType, shopifyReportedStatus(root)),
		CreatedAt: parseTimeField(root.Get("created_at")),
	}
	if eventType == models.EventOrderDelivered {
		order.DeliveredAt = shopifyDeliveredAt(root, occurredAt)
	}

	e := &models.NormalizedEvent{
		MerchantID:      merchantID,
		Source:          models.EventSourceShopify,
		EventType:       eventType,
		OccurredAt:      occurredAt,
		ExternalOrderID: orderID,
		ExternalEventID: eventID,
		Customer:        shopifyCustomer(root),
		Order:           order,
		Items:           shopifyItems(root, topic),
		ConsentStatus:   shopifyConsent(root.Get("customer")),
	}
	e.IdempotencyKey = IdempotencyKey(e.Source, e.EventType, e.ExternalOrderID, e.OccurredAt, e.ExternalEventID)
	return e
}

func shopifyFulfilled(root gjson.Result) bool {
	if root.Get("fulfillment_status").String() == "fulfilled" {
		return true
	}
	for _, f := range root.Get("fulfillments").Array() {
		if f.Get("status").String() == "success" {
			return true
		}
	}
	return false
}

func shopifyReportedStatus(root gjson.Result) models.OrderStatus {
	if root.Get("cancelled_at").Exists() && root.Get("cancelled_at").Type != gjson.Null {
		return models.OrderStatusCancelled
	}
	return ""
}

func shopifyOccurredAt(root gjson.Result, topic string) time.Time {
	var keys []string
	switch topic {
	case TopicOrdersCreate:
		keys = []string{"created_at"}
	case TopicOrdersCancelled:
		keys = []string{"cancelled_at", "updated_at"}
	case TopicRefundsCreate:
		keys = []string{"processed_at", "created_at"}
	default:
		keys = []string{"updated_at"}
	}
	keys = append(keys, "created_at")
	for _, k := range keys {
		if t := parseTimeField(root.Get(k)); t != nil {
			return *t
		}
	}
	return startOfUTCDay(time.Now())
}

func shopifyDeliveredAt(root gjson.Result, fallback time.Time) *time.Time {
	var latest *time.Time
	for _, f := range root.Get("fulfillments").Array() {
		if f.Get("status").String() != "success" {
			continue
		}
		if t := parseTimeField(f.Get("updated_at")); t != nil && (latest == nil || t.After(*latest)) {
			latest = t
		}
	}
	if latest == nil {
		latest = &fallback
	}
	return latest
}

func shopifyCustomer(root gjson.Result) *models.EventCustomer {
	p := firstValidPhone(
		root.Get("shipping_address.phone").String(),
		root.Get("billing_address.phone").String(),
		root.Get("customer.phone").String(),
	)

	name := strings.TrimSpace(root.Get("customer.first_name").String() + " " + root.Get("customer.last_name").String())
	for _, path := range []string{"shipping_address.name", "billing_address.name"} {
		if name != "" {
			break
		}
		name = strings.TrimSpace(root.Get(path).String())
	}

	if p == "" && name == "" {
		return nil
	}
	return &models.EventCustomer{Phone: p, Name: name}
}

func firstValidPhone(candidates ...string) string {
	for _, c := range candidates {
		if p := phone.NormalizeOrEmpty(c); p != "" {
			return p
		}
	}
	return ""
}

func shopifyItems(root gjson.Result, topic string) []models.EventItem {
	lines := root.Get("line_items").Array()
	if topic == TopicRefundsCreate {
		lines = root.Get("refund_line_items.#.line_item").Array()
	}

	items := make([]models.EventItem, 0, len(lines))
	for _, li := range lines {
		name := li.Get("title").String()
		if name == "" {
			name = li.Get("name").String()
		}
		items = append(items, models.EventItem{
			ExternalProductID: li.Get("product_id").String(),
			Name:              name,
			Quantity:          int(li.Get("quantity").Int()),
		})
	}
	return items
}

// shopifyConsent is opt_in when either marketing channel is subscribed,
// opt_out when one is unsubscribed, otherwise pending.
func shopifyConsent(customer gjson.Result) *models.ConsentStatus {
	states := []string{
		customer.Get("email_marketing_consent.state").String(),
		customer.Get("sms_marketing_consent.state").String(),
	}
	consent := models.ConsentPending
	for _, s := range states {
		if s == "subscribed" {
			consent = models.ConsentOptIn
			return &consent
		}
	}
	for _, s := range states {
		if s == "unsubscribed" {
			consent = models.ConsentOptOut
		}
	}
	return &consent
}

func parseTimeField(r gjson.Result) *time.Time {
	if r.Type != gjson.String {
		return nil
	}
	t, err := time.Parse(time.RFC3339, r.String())
	if err != nil {
		return nil
	}
	t = t.UTC()
	return &t
}

var csvStatuses = map[string]models.EventType{
	"created":   models.EventOrderCreated,
	"new":       models.EventOrderCreated,
	"pending":   models.EventOrderCreated,
	"paid":      models.EventOrderUpdated,
	"shipped":   models.EventOrderUpdated,
	"updated":   models.EventOrderUpdated,
	"delivered": models.EventOrderDelivered,
	"cancelled": models.EventOrderCancelled,
	"canceled":  models.EventOrderCancelled,
	"returned":  models.EventOrderReturned,
	"refunded":  models.EventOrderReturned,
}

var csvDateLayouts = []string{time.RFC3339, "2006-01-02", "02.01.2006", "02/01/2006", "2006-01-02 15:04:05"}

// CSVColumns are the recognised import columns. Only external_order_id is required.
var CSVColumns = []string{"external_order_id", "customer_phone", "customer_name", "status", "delivery_date", "order_date", "product_name", "product_id", "consent"}

// NormalizeCSVRow maps one import row, keyed by lowercase header, onto a
// NormalizedEvent. A blank status means delivered when a delivery date is
// given and created otherwise. Rows without a date occur at the start of
// the current UTC day so a same-day re-import is deduplicated.
func NormalizeCSVRow(record map[string]string, merchantID uuid.UUID) (*models.NormalizedEvent, error) {
	get := func(k string) string { return strings.TrimSpace(record[k]) }

	orderID := get("external_order_id")
	if orderID == "" {
		return nil, fmt.Errorf("%w: external_order_id is required", apperrors.ErrInvalidEvent)
	}

	deliveryDate, err := parseCSVDate(get("delivery_date"))
	if err != nil {
		return nil, err
	}
	orderDate, err := parseCSVDate(get("order_date"))
	if err != nil {
		return nil, err
	}

	status := strings.ToLower(get("status"))
	eventType, ok := csvStatuses[status]
	switch {
	case status == "" && deliveryDate != nil:
		eventType = models.EventOrderDelivered
	case status == "":
		eventType = models.EventOrderCreated
	case !ok:
		return nil, fmt.Errorf("%w: unknown status %q", apperrors.ErrInvalidEvent, status)
	}

	occurredAt := startOfUTCDay(time.Now())
	switch {
	case deliveryDate != nil:
		occurredAt = *deliveryDate
	case orderDate != nil:
		occurredAt = *orderDate
	}

	e := &models.NormalizedEvent{
		MerchantID:      merchantID,
		Source:          models.EventSourceCSV,
		EventType:       eventType,
		OccurredAt:      occurredAt,
		ExternalOrderID: orderID,
		Order: &models.EventOrder{
			Status:    models.StatusForEvent(eventType, ""),
			CreatedAt: orderDate,
		},
		Items: []models.EventItem{},
	}
	if eventType == models.EventOrderDelivered {
		e.Order.DeliveredAt = deliveryDate
	}
	if p, name := phone.NormalizeOrEmpty(get("customer_phone")), get("customer_name"); p != "" || name != "" {
		e.Customer = &models.EventCustomer{Phone: p, Name: name}
	}
	if name := get("product_name"); name != "" {
		e.Items = append(e.Items, models.EventItem{Name: name, ExternalProductID: get("product_id"), Quantity: 1})
	}
	if c := models.ConsentStatus(strings.ToLower(get("consent"))); c.IsValid() {
		e.ConsentStatus = &c
	}

	e.IdempotencyKey = IdempotencyKey(e.Source, e.EventType, e.ExternalOrderID, e.OccurredAt, "")
	return e, nil
}

// startOfUTCDay is the occurred_at used when a payload carries no timestamp.
// Replays within the same day keep the same idempotency key.
func startOfUTCDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func parseCSVDate(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	for _, layout := range csvDateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}
	return nil, fmt.Errorf("%w: unrecognised date %q", apperrors.ErrInvalidEvent, raw)
}

type manualEvent struct {
	ExternalOrderID string               `json:"external_order_id"`
	EventType       models.EventType     `json:"event_type"`
	EventID         string               `json:"event_id"`
	CustomerPhone   string               `json:"customer_phone"`
	CustomerName    string               `json:"customer_name"`
	OccurredAt      *time.Time           `json:"occurred_at"`
	DeliveredAt     *time.Time           `json:"delivered_at"`
	ConsentStatus   models.ConsentStatus `json:"consent_status"`
	Items           []models.EventItem   `json:"items"`
}

// NormalizeManual validates a merchant-submitted event against the manual
// event schema. Errors wrap apperrors.ErrInvalidEvent. A phone that cannot be
// normalized degrades to no phone, which Process rejects.
func NormalizeManual(payload []byte, merchantID uuid.UUID) (*models.NormalizedEvent, error) {
	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrInvalidEvent, err)
	}
	if err := manualEventSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrInvalidEvent, err)
	}

	var in manualEvent
	if err := json.Unmarshal(payload, &in); err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrInvalidEvent, err)
	}

	p := phone.NormalizeOrEmpty(in.CustomerPhone)

	occurredAt := startOfUTCDay(time.Now())
	switch {
	case in.OccurredAt != nil:
		occurredAt = in.OccurredAt.UTC()
	case in.DeliveredAt != nil:
		occurredAt = in.DeliveredAt.UTC()
	}

	e := &models.NormalizedEvent{
		MerchantID:      merchantID,
		Source:          models.EventSourceManual,
		EventType:       in.EventType,
		OccurredAt:      occurredAt,
		ExternalOrderID: in.ExternalOrderID,
		ExternalEventID: in.EventID,
		Customer:        &models.EventCustomer{Phone: p, Name: strings.TrimSpace(in.CustomerName)},
		Order:           &models.EventOrder{Status: models.StatusForEvent(in.EventType, "")},
		Items:           in.Items,
	}
	if e.Items == nil {
		e.Items = []models.EventItem{}
	}
	if in.EventType == models.EventOrderDelivered {
		delivered := occurredAt
		if in.DeliveredAt != nil {
			delivered = in.DeliveredAt.UTC()
		}
		e.Order.DeliveredAt = &delivered
	}
	if in.ConsentStatus != "" {
		c := in.ConsentStatus
		e.ConsentStatus = &c
	}

	e.IdempotencyKey = IdempotencyKey(e.Source, e.EventType, e.ExternalOrderID, e.OccurredAt, e.ExternalEventID)
	return e, nil
}

