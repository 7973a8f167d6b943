package handlers

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/recete-ai/recete-engine/pkg/apperrors"
	"github.com/recete-ai/recete-engine/pkg/auth"
	"github.com/recete-ai/recete-engine/pkg/models"
	"github.com/recete-ai/recete-engine/pkg/services"
	"github.com/recete-ai/recete-engine/pkg/services/workqueue"
)

const (
	maxCSVUpload    = 10 << 20
	maxCSVRowErrors = 100
	maxQueryTopK    = 20
	maxSettingsBody = 1 << 20
	csvUploadField  = "file"
)

// CSVRowError reports why one import row was rejected. Row is the 1-based
// line number in the uploaded file, header included, or 0 when the upload
// could not be read further.
type CSVRowError struct {
	Row   int    `json:"row"`
	Error string `json:"error"`
}

// CSVImportResponse summarises one CSV import.
type CSVImportResponse struct {
	Imported   int           `json:"imported"`
	Duplicates int           `json:"duplicates"`
	Failed     int           `json:"failed"`
	Errors     []CSVRowError `json:"errors,omitempty"`
}

// KnowledgeQueryRequest is the body of POST .../knowledge/query.
type KnowledgeQueryRequest struct {
	Query               string               `json:"query"`
	ProductIDs          []string             `json:"product_ids,omitempty"`
	TopK                int                  `json:"top_k,omitempty"`
	SimilarityThreshold float64              `json:"similarity_threshold,omitempty"`
	SectionTypes        []models.SectionType `json:"section_types,omitempty"`
	Language            string               `json:"language,omitempty"`
}

// KnowledgeQueryResponse returns the matches and the text the agent would see.
type KnowledgeQueryResponse struct {
	*services.RAGResponse
	Formatted string `json:"formatted"`
}

// ConversationStatusRequest is the body of PATCH .../conversations/{id}/status.
type ConversationStatusRequest struct {
	Status models.ConversationStatus `json:"status"`
}

// SettingsRequest replaces the merchant's bot configuration. Nil fields are
// left unchanged.
type SettingsRequest struct {
	Persona          *models.Persona           `json:"persona,omitempty"`
	BotInfo          *models.BotInfo           `json:"bot_info,omitempty"`
	InstructionScope *models.InstructionScope  `json:"instruction_scope,omitempty"`
	Addons           *[]models.Addon           `json:"addons,omitempty"`
	Guardrails       *[]models.CustomGuardrail `json:"guardrails,omitempty"`
}

// MerchantAPIHandler serves the authenticated per-merchant API.
type MerchantAPIHandler struct {
	processor     services.OrderProcessor
	rag           services.RAGQueryService
	indexer       services.KnowledgeIndexer
	enqueuer      workqueue.TaskEnqueuer
	conversations services.ConversationService
	scheduler     services.MessageScheduler
	merchants     services.MerchantService
	getTenantCtx  services.TenantContextFunc
	logger        *zap.Logger
}

// NewMerchantAPIHandler creates a MerchantAPIHandler. Reindex requests are
// queued on enqueuer and run with their own tenant connection.
func NewMerchantAPIHandler(
	processor services.OrderProcessor,
	rag services.RAGQueryService,
	indexer services.KnowledgeIndexer,
	enqueuer workqueue.TaskEnqueuer,
	conversations services.ConversationService,
	scheduler services.MessageScheduler,
	merchants services.MerchantService,
	getTenantCtx services.TenantContextFunc,
	logger *zap.Logger,
) *MerchantAPIHandler {
	return &MerchantAPIHandler{
		processor:     processor,
		rag:           rag,
		indexer:       indexer,
		enqueuer:      enqueuer,
		conversations: conversations,
		scheduler:     scheduler,
		merchants:     merchants,
		getTenantCtx:  getTenantCtx,
		logger:        logger.Named("merchant_api"),
	}
}

// RegisterRoutes registers the merchant API routes with auth and tenant middleware.
func (h *MerchantAPIHandler) RegisterRoutes(mux *http.ServeMux, authMiddleware *auth.Middleware, tenantMiddleware TenantMiddleware) {
	base := "/api/merchants/{merchantId}"
	protect := func(fn http.HandlerFunc) http.HandlerFunc {
		return authMiddleware.RequireMerchant("merchantId")(tenantMiddleware(fn))
	}

	mux.HandleFunc("POST "+base+"/events", protect(h.CreateEvent))
	mux.HandleFunc("POST "+base+"/events/csv", protect(h.ImportCSV))
	mux.HandleFunc("POST "+base+"/products/{productId}/reindex", protect(h.ReindexProduct))
	mux.HandleFunc("POST "+base+"/knowledge/query", protect(h.QueryKnowledge))
	mux.HandleFunc("PATCH "+base+"/conversations/{conversationId}/status", protect(h.SetConversationStatus))
	mux.HandleFunc("GET "+base+"/orders/{orderId}/messages", protect(h.ListOrderMessages))
	mux.HandleFunc("GET "+base+"/settings", protect(h.GetSettings))
	mux.HandleFunc("PUT "+base+"/settings", protect(h.UpdateSettings))
}

// CreateEvent handles POST /api/merchants/{merchantId}/events.
// The body is a manual event. ?source=test marks it as a test event.
func (h *MerchantAPIHandler) CreateEvent(w http.ResponseWriter, r *http.Request) {
	merchantID, ok := ParseMerchantID(w, r, h.logger)
	if !ok {
		return
	}

	source := models.EventSourceManual
	if r.URL.Query().Get("source") == string(models.EventSourceTest) {
		source = models.EventSourceTest
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		writeBadRequest(w, h.logger, "invalid_request", "Unreadable request body")
		return
	}

	event, err := services.NormalizeEvent(source, "", body, merchantID, "")
	if err != nil {
		writeServiceError(w, h.logger, "Failed to normalize event", err)
		return
	}

	result, err := h.processor.Ingest(r.Context(), event)
	if err != nil {
		writeServiceError(w, h.logger, "Failed to ingest event", err)
		return
	}

	if err := WriteJSON(w, http.StatusCreated, ApiResponse{Success: true, Data: result}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// ImportCSV handles POST /api/merchants/{merchantId}/events/csv. The file is
// read from the multipart field "file", or from the raw body otherwise.
// Rows are ingested one at a time and a bad row does not stop the import.
func (h *MerchantAPIHandler) ImportCSV(w http.ResponseWriter, r *http.Request) {
	merchantID, ok := ParseMerchantID(w, r, h.logger)
	if !ok {
		return
	}

	src, closeSrc, err := csvSource(w, r)
	if err != nil {
		writeBadRequest(w, h.logger, "invalid_request", err.Error())
		return
	}
	defer closeSrc()

	reader := csv.NewReader(src)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		writeBadRequest(w, h.logger, "invalid_csv", "CSV header row is missing")
		return
	}
	columns := make([]string, len(header))
	for i, name := range header {
		columns[i] = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))
	}

	resp := CSVImportResponse{}
	fail := func(row int, err error) {
		resp.Failed++
		if len(resp.Errors) < maxCSVRowErrors {
			resp.Errors = append(resp.Errors, CSVRowError{Row: row, Error: err.Error()})
		}
	}

	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		var parseErr *csv.ParseError
		if errors.As(err, &parseErr) {
			fail(parseErr.Line, err)
			continue
		}
		if err != nil {
			fail(0, err)
			break
		}
		row, _ := reader.FieldPos(0)

		fields := make(map[string]string, len(columns))
		for i, name := range columns {
			if i < len(record) {
				fields[name] = record[i]
			}
		}

		event, err := services.NormalizeCSVRow(fields, merchantID)
		if err != nil {
			fail(row, err)
			continue
		}
		_, err = h.processor.Ingest(r.Context(), event)
		switch {
		case errors.Is(err, apperrors.ErrDuplicateEvent):
			resp.Duplicates++
		case err != nil:
			fail(row, err)
		default:
			resp.Imported++
		}
	}

	h.logger.Info("CSV import finished",
		zap.String("merchant_id", merchantID.String()),
		zap.Int("imported", resp.Imported),
		zap.Int("duplicates", resp.Duplicates),
		zap.Int("failed", resp.Failed))

	if err := WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Data: resp}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

func csvSource(w http.ResponseWriter, r *http.Request) (io.Reader, func(), error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxCSVUpload)
	if !strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		return r.Body, func() {}, nil
	}
	file, _, err := r.FormFile(csvUploadField)
	if err != nil {
		return nil, nil, fmt.Errorf("multipart field %q is required", csvUploadField)
	}
	return file, func() { _ = file.Close() }, nil
}

// ReindexProduct handles POST /api/merchants/{merchantId}/products/{productId}/reindex.
func (h *MerchantAPIHandler) ReindexProduct(w http.ResponseWriter, r *http.Request) {
	merchantID, ok := ParseMerchantID(w, r, h.logger)
	if !ok {
		return
	}
	productID, ok := ParseProductID(w, r, h.logger)
	if !ok {
		return
	}

	h.enqueuer.Enqueue(services.NewIndexProductTask(h.indexer, h.getTenantCtx, merchantID, productID, h.logger))

	if err := WriteJSON(w, http.StatusAccepted, ApiResponse{Success: true, Message: "Reindex queued"}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// QueryKnowledge handles POST /api/merchants/{merchantId}/knowledge/query.
func (h *MerchantAPIHandler) QueryKnowledge(w http.ResponseWriter, r *http.Request) {
	merchantID, ok := ParseMerchantID(w, r, h.logger)
	if !ok {
		return
	}

	var req KnowledgeQueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, h.logger, "invalid_request", "Invalid request body")
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeBadRequest(w, h.logger, "validation_error", "query is required")
		return
	}
	if req.TopK < 0 || req.TopK > maxQueryTopK {
		writeBadRequest(w, h.logger, "validation_error", fmt.Sprintf("top_k must be between 1 and %d", maxQueryTopK))
		return
	}

	result, err := h.rag.Query(r.Context(), services.RAGQuery{
		MerchantID:            merchantID,
		Query:                 req.Query,
		ProductIDs:            req.ProductIDs,
		TopK:                  req.TopK,
		SimilarityThreshold:   req.SimilarityThreshold,
		PreferredSectionTypes: req.SectionTypes,
		PreferredLanguage:     req.Language,
	})
	if err != nil {
		writeServiceError(w, h.logger, "Knowledge query failed", err)
		return
	}

	data := KnowledgeQueryResponse{RAGResponse: result, Formatted: services.FormatForLLM(result.Results)}
	if err := WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Data: data}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// SetConversationStatus handles PATCH /api/merchants/{merchantId}/conversations/{conversationId}/status.
func (h *MerchantAPIHandler) SetConversationStatus(w http.ResponseWriter, r *http.Request) {
	merchantID, ok := ParseMerchantID(w, r, h.logger)
	if !ok {
		return
	}
	conversationID, ok := ParseConversationID(w, r, h.logger)
	if !ok {
		return
	}

	var req ConversationStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, h.logger, "invalid_request", "Invalid request body")
		return
	}
	if !req.Status.IsValid() {
		writeBadRequest(w, h.logger, "validation_error", "status must be ai, human or resolved")
		return
	}

	if err := h.conversations.SetStatus(r.Context(), merchantID, conversationID, req.Status); err != nil {
		writeServiceError(w, h.logger, "Failed to update conversation status", err)
		return
	}

	if err := WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Data: req}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// ListOrderMessages handles GET /api/merchants/{merchantId}/orders/{orderId}/messages.
func (h *MerchantAPIHandler) ListOrderMessages(w http.ResponseWriter, r *http.Request) {
	merchantID, ok := ParseMerchantID(w, r, h.logger)
	if !ok {
		return
	}
	orderID, ok := ParseOrderID(w, r, h.logger)
	if !ok {
		return
	}

	tasks, err := h.scheduler.ListForOrder(r.Context(), merchantID, orderID)
	if err != nil {
		writeServiceError(w, h.logger, "Failed to list scheduled messages", err)
		return
	}
	if tasks == nil {
		tasks = []*models.ScheduledTask{}
	}

	if err := WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Data: tasks}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// GetSettings handles GET /api/merchants/{merchantId}/settings.
func (h *MerchantAPIHandler) GetSettings(w http.ResponseWriter, r *http.Request) {
	merchantID, ok := ParseMerchantID(w, r, h.logger)
	if !ok {
		return
	}

	merchant, err := h.merchants.Get(r.Context(), merchantID)
	if err != nil {
		writeServiceError(w, h.logger, "Failed to load settings", err)
		return
	}

	if err := WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Data: merchant}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// UpdateSettings handles PUT /api/merchants/{merchantId}/settings.
func (h *MerchantAPIHandler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	merchantID, ok := ParseMerchantID(w, r, h.logger)
	if !ok {
		return
	}

	var req SettingsRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSettingsBody)).Decode(&req); err != nil {
		writeBadRequest(w, h.logger, "invalid_request", "Invalid request body")
		return
	}
	if msg := validateSettings(&req); msg != "" {
		writeBadRequest(w, h.logger, "validation_error", msg)
		return
	}

	merchant, err := h.merchants.Get(r.Context(), merchantID)
	if err != nil {
		writeServiceError(w, h.logger, "Failed to load settings", err)
		return
	}
	if req.Persona != nil {
		merchant.Persona = *req.Persona
	}
	if req.BotInfo != nil {
		merchant.BotInfo = *req.BotInfo
	}
	if req.InstructionScope != nil {
		merchant.InstructionScope = *req.InstructionScope
	}
	if req.Addons != nil {
		merchant.Addons = *req.Addons
	}
	if req.Guardrails != nil {
		merchant.Guardrails = *req.Guardrails
	}

	if err := h.merchants.Update(r.Context(), merchant); err != nil {
		writeServiceError(w, h.logger, "Failed to update settings", err)
		return
	}

	if err := WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Data: merchant}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// validateSettings returns a message describing the first invalid field, or "".
func validateSettings(req *SettingsRequest) string {
	if req.InstructionScope != nil && !req.InstructionScope.IsValid() {
		return "instruction_scope must be order_only or rag_products_too"
	}
	if req.Addons != nil {
		for _, a := range *req.Addons {
			if a != models.AddonReturnPrevention {
				return fmt.Sprintf("unknown addon %q", a)
			}
		}
	}
	if req.Guardrails != nil {
		seen := make(map[string]bool, len(*req.Guardrails))
		for i, g := range *req.Guardrails {
			if strings.TrimSpace(g.ID) == "" {
				return fmt.Sprintf("guardrails[%d]: id is required", i)
			}
			if seen[g.ID] {
				return fmt.Sprintf("guardrails[%d]: duplicate id %q", i, g.ID)
			}
			seen[g.ID] = true
			if err := g.Validate(); err != nil {
				return fmt.Sprintf("guardrails[%d]: %v", i, err)
			}
		}
	}
	return ""
}
