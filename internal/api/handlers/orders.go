// Package handlers provides HTTP handlers for the lab API.
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/drfirst/go-labflow/internal/api/middleware"
	"github.com/drfirst/go-labflow/internal/domain/laborder"
	"github.com/drfirst/go-labflow/internal/fhir/mapper"
	fhir "github.com/drfirst/go-labflow/internal/fhir/r5"
	"github.com/drfirst/go-labflow/internal/service"
)

// multipartMemory is how much of an upload is buffered before spilling to
// temporary files.
const multipartMemory = 8 << 20

// LabHandler serves the order, test and verification endpoints.
type LabHandler struct {
	svc    *service.Service
	mapper *mapper.LabToFHIRMapper
	logger *zap.Logger
}

// NewLabHandler creates a new handler
func NewLabHandler(svc *service.Service, logger *zap.Logger) *LabHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LabHandler{
		svc:    svc,
		mapper: mapper.NewLabToFHIRMapper(svc.Registry()),
		logger: logger,
	}
}

// WithFHIRMapper replaces the default exporter, for example to plug in
// patient and practitioner directory lookups.
func (h *LabHandler) WithFHIRMapper(m *mapper.LabToFHIRMapper) *LabHandler {
	h.mapper = m
	return h
}

// Routes returns the handler routes
func (h *LabHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Route("/orders", func(r chi.Router) {
		r.Post("/", h.PlaceOrder)
		r.Get("/", h.ListOrders)
		r.Route("/{orderID}", func(r chi.Router) {
			r.Get("/", h.GetOrder)
			r.Get("/fhir", h.ExportFHIR)
			r.Route("/tests/{testID}", func(r chi.Router) {
				r.Post("/commands", h.Command)
				r.Post("/collect", h.fixedCommand(service.CommandCollect))
				r.Post("/process", h.fixedCommand(service.CommandStartProcessing))
				r.Post("/results", h.fixedCommand(service.CommandSubmitResults))
				r.Post("/verify", h.fixedCommand(service.CommandVerify))
				r.Post("/reject", h.fixedCommand(service.CommandReject))
				r.Post("/rework", h.fixedCommand(service.CommandRework))
				r.Post("/documents", h.UploadDocument)
				r.Get("/document", h.DownloadDocument)
				r.Get("/rework-form", h.ReworkForm)
				r.Get("/events", h.TestEvents)
			})
		})
	})

	r.Get("/verification", h.VerificationQueue)
	r.Post("/verification/batch", h.VerifyBatch)
	r.Get("/dashboard", h.Dashboard)
	r.Get("/templates", h.Templates)
	r.Get("/sample-types", h.SampleTypes)
	return r
}

// PlaceOrder handles POST /orders
func (h *LabHandler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("lab-handler").Start(r.Context(), "place_order")
	defer span.End()

	var req laborder.NewOrder
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.badRequest(w, "invalid request body")
		return
	}

	snap, err := h.svc.PlaceOrder(ctx, req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	span.SetAttributes(attribute.String("order_id", snap.ID))
	h.logger.Debug("order accepted",
		zap.String("order_id", snap.ID),
		zap.String("request_id", middleware.GetRequestID(ctx)),
		zap.String("client_id", middleware.GetClientID(ctx)))

	w.Header().Set("Location", "/api/v1/orders/"+snap.ID)
	writeJSON(w, http.StatusCreated, snap)
}

// ListOrders handles GET /orders?state=&priority=&patient=&limit=
func (h *LabHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter laborder.OrderFilter
	if v := q.Get("state"); v != "" {
		st, err := laborder.ParseState(v)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		filter.TestState = st
	}
	if v := q.Get("priority"); v != "" {
		p, err := laborder.ParsePriority(v)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		filter.Priority = p
	}
	filter.PatientRef = q.Get("patient")
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			h.badRequest(w, "limit must be a non-negative integer")
			return
		}
		filter.Limit = n
	}

	orders, err := h.svc.ListOrders(r.Context(), filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"orders": orders,
		"count":  len(orders),
	})
}

// GetOrder handles GET /orders/{orderID}
func (h *LabHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	snap, err := h.svc.GetOrder(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// ExportFHIR handles GET /orders/{orderID}/fhir
func (h *LabHandler) ExportFHIR(w http.ResponseWriter, r *http.Request) {
	snap, err := h.svc.GetOrder(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	bundle, err := h.mapper.MapOrder(snap)
	if err != nil {
		var merr *mapper.MapError
		if errors.As(err, &merr) {
			h.logger.Warn("fhir export failed", zap.String("order_id", snap.ID), zap.Error(err))
			w.Header().Set("Content-Type", "application/fhir+json")
			w.WriteHeader(http.StatusBadGateway)
			_ = json.NewEncoder(w).Encode(fhir.NewErrorOutcome("exception", err.Error()))
			return
		}
		h.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/fhir+json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(bundle)
}

// CommandRequest is the generic command body: the command name plus its
// payload fields.
type CommandRequest struct {
	Command string `json:"command"`
	service.Payload
}

// Command handles POST /orders/{orderID}/tests/{testID}/commands
func (h *LabHandler) Command(w http.ResponseWriter, r *http.Request) {
	var req CommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.badRequest(w, "invalid request body")
		return
	}
	cmd, err := service.ParseCommand(req.Command)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.apply(w, r, cmd, req.Payload)
}

func (h *LabHandler) fixedCommand(cmd service.Command) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var p service.Payload
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			h.badRequest(w, "invalid request body")
			return
		}
		h.apply(w, r, cmd, p)
	}
}

func (h *LabHandler) apply(w http.ResponseWriter, r *http.Request, cmd service.Command, p service.Payload) {
	snap, err := h.svc.ApplyCommand(r.Context(), chi.URLParam(r, "orderID"), chi.URLParam(r, "testID"), cmd, p)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// UploadDocument handles POST /orders/{orderID}/tests/{testID}/documents as
// multipart form data with a "file" part and optional "actor" and "notes".
func (h *LabHandler) UploadDocument(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.svc.MaxUploadBytes()+multipartMemory)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, ErrorResponse{Error: "result document too large", Kind: laborder.KindInvalidCommand})
			return
		}
		h.badRequest(w, "expected a multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{Error: "result document is required", Kind: laborder.KindMissingDocument})
		return
	}
	defer file.Close()

	snap, err := h.svc.UploadResultDocument(r.Context(), chi.URLParam(r, "orderID"), chi.URLParam(r, "testID"), service.Upload{
		Actor:       r.FormValue("actor"),
		Notes:       r.FormValue("notes"),
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Body:        file,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// DownloadDocument handles GET /orders/{orderID}/tests/{testID}/document
func (h *LabHandler) DownloadDocument(w http.ResponseWriter, r *http.Request) {
	ref, body, err := h.svc.DocumentDownload(r.Context(), chi.URLParam(r, "orderID"), chi.URLParam(r, "testID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	defer body.Close()

	// Uploaded bytes are never rendered on the API origin.
	w.Header().Set("Content-Type", documentContentType(ref.ContentType))
	w.Header().Set("Content-Disposition", attachment(ref.Name))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Content-Security-Policy", "sandbox")
	if _, err := io.Copy(w, body); err != nil {
		h.logger.Warn("document download interrupted", zap.String("key", ref.Key), zap.Error(err))
	}
}

func documentContentType(v string) string {
	mediaType, params, err := mime.ParseMediaType(v)
	if err != nil {
		return "application/octet-stream"
	}
	if ct := mime.FormatMediaType(mediaType, params); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

func attachment(filename string) string {
	if filename == "" {
		return "attachment"
	}
	if d := mime.FormatMediaType("attachment", map[string]string{"filename": filename}); d != "" {
		return d
	}
	return "attachment"
}

// ReworkForm handles GET /orders/{orderID}/tests/{testID}/rework-form
func (h *LabHandler) ReworkForm(w http.ResponseWriter, r *http.Request) {
	form, err := h.svc.ReworkForm(r.Context(), chi.URLParam(r, "orderID"), chi.URLParam(r, "testID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, form)
}

// TestEvents handles GET /orders/{orderID}/tests/{testID}/events
func (h *LabHandler) TestEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.svc.TestHistory(r.Context(), chi.URLParam(r, "orderID"), chi.URLParam(r, "testID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// VerificationQueue handles GET /verification
func (h *LabHandler) VerificationQueue(w http.ResponseWriter, r *http.Request) {
	queue, err := h.svc.VerificationQueue(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tests": queue,
		"count": len(queue),
	})
}

// VerifyBatch handles POST /verification/batch
func (h *LabHandler) VerifyBatch(w http.ResponseWriter, r *http.Request) {
	var req service.BatchVerify
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.badRequest(w, "invalid request body")
		return
	}
	results, err := h.svc.VerifyBatch(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	verified := 0
	for _, res := range results {
		if res.OK {
			verified++
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"results":  results,
		"verified": verified,
		"failed":   len(results) - verified,
	})
}

// Dashboard handles GET /dashboard
func (h *LabHandler) Dashboard(w http.ResponseWriter, r *http.Request) {
	d, err := h.svc.Dashboard(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// Templates handles GET /templates
func (h *LabHandler) Templates(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Registry().All())
}

type sampleTypeInfo struct {
	SampleType laborder.SampleType         `json:"sample_type"`
	Methods    []laborder.CollectionMethod `json:"methods"`
}

// SampleTypes handles GET /sample-types
func (h *LabHandler) SampleTypes(w http.ResponseWriter, r *http.Request) {
	out := make([]sampleTypeInfo, 0, len(laborder.SampleTypes))
	for _, st := range laborder.SampleTypes {
		methods := laborder.CollectionMethods(st)
		if methods == nil {
			methods = []laborder.CollectionMethod{}
		}
		out = append(out, sampleTypeInfo{SampleType: st, Methods: methods})
	}
	writeJSON(w, http.StatusOK, out)
}
