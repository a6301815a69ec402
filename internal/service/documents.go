package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-labflow/internal/domain/laborder"
	"github.com/drfirst/go-labflow/internal/infrastructure/blobstore"
)

// ErrDocumentStore marks failures of the document backend. No transition
// happens when it is returned.
var ErrDocumentStore = errors.New("document store unavailable")

// Upload is one result document on its way in.
type Upload struct {
	Actor       string
	Filename    string
	ContentType string
	Notes       string
	Body        io.Reader
}

// UploadResultDocument stores the document and then submits it as the
// result, or as the rework of a rejected result. The test must be in
// processing or rejected. If the store fails nothing changes; if the
// transition is refused the stored object is removed again.
func (s *Service) UploadResultDocument(ctx context.Context, orderID, testID string, up Upload) (*laborder.OrderSnapshot, error) {
	ctx, span := s.tracer.Start(ctx, "service.upload_result_document",
		trace.WithAttributes(
			attribute.String("order_id", orderID),
			attribute.String("test_id", testID),
		))
	defer span.End()

	if s.documents == nil {
		return nil, fmt.Errorf("%w: no document store configured", ErrDocumentStore)
	}

	_, t, err := s.loadTest(ctx, orderID, testID)
	if err != nil {
		return nil, err
	}
	var cmd Command
	switch t.State() {
	case laborder.StateProcessing:
		cmd = CommandSubmitResults
	case laborder.StateRejected:
		cmd = CommandRework
	default:
		s.metrics.DocumentUpload("refused")
		return nil, &laborder.Error{
			Kind:    laborder.KindInvalidState,
			Message: fmt.Sprintf("cannot upload a result document for test %s in state %s", testID, t.State()),
		}
	}
	if strings.TrimSpace(up.Actor) == "" {
		s.metrics.DocumentUpload("refused")
		return nil, laborder.InvalidCommandError("submitter is required")
	}
	if up.Body == nil {
		s.metrics.DocumentUpload("refused")
		return nil, &laborder.Error{
			Kind:    laborder.KindMissingDocument,
			Message: fmt.Sprintf("result document is required for test %s", testID),
		}
	}

	contentType := up.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	key := blobstore.ObjectKey(orderID, testID, up.Filename)
	obj, err := s.documents.Put(ctx, key, io.LimitReader(up.Body, s.maxUpload+1), contentType)
	if err != nil {
		s.metrics.DocumentUpload("store_failed")
		span.SetStatus(codes.Error, err.Error())
		s.logger.Error("result document upload failed",
			zap.String("order_id", orderID),
			zap.String("test_id", testID),
			zap.String("driver", s.documents.Driver()),
			zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrDocumentStore, err)
	}
	if obj.Size > s.maxUpload {
		s.discard(ctx, key)
		s.metrics.DocumentUpload("refused")
		return nil, laborder.InvalidCommandError("result document exceeds %d bytes", s.maxUpload)
	}

	ref := laborder.DocumentRef{
		Key:         obj.Key,
		Name:        up.Filename,
		ContentType: contentType,
		UploadedAt:  obj.UploadedAt,
	}
	if _, err := s.execute(ctx, orderID, testID, cmd, Payload{
		Actor:          up.Actor,
		ResultDocument: &ref,
		Notes:          up.Notes,
	}); err != nil {
		s.discard(ctx, key)
		s.metrics.DocumentUpload("orphaned")
		return nil, err
	}
	s.metrics.DocumentUpload("ok")
	// The test now points at key; a failed reload must not remove it.
	return s.GetOrder(ctx, orderID)
}

// DocumentDownload opens the result document of a test.
func (s *Service) DocumentDownload(ctx context.Context, orderID, testID string) (laborder.DocumentRef, io.ReadCloser, error) {
	_, t, err := s.loadTest(ctx, orderID, testID)
	if err != nil {
		return laborder.DocumentRef{}, nil, err
	}
	doc, ok := t.Result().(laborder.Document)
	if !ok {
		return laborder.DocumentRef{}, nil, laborder.NotFoundError("test %s has no result document", testID)
	}
	if s.documents == nil {
		return laborder.DocumentRef{}, nil, fmt.Errorf("%w: no document store configured", ErrDocumentStore)
	}
	_, body, err := s.documents.Get(ctx, doc.Ref.Key)
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return laborder.DocumentRef{}, nil, laborder.NotFoundError("document %s not found", doc.Ref.Key)
		}
		return laborder.DocumentRef{}, nil, fmt.Errorf("%w: %v", ErrDocumentStore, err)
	}
	return doc.Ref, body, nil
}

// ReworkForm is what a result entry screen starts from.
type ReworkForm struct {
	OrderID         string                     `json:"order_id"`
	TestID          string                     `json:"test_id"`
	Code            string                     `json:"code"`
	State           laborder.State             `json:"state"`
	Fields          []laborder.FieldDefinition `json:"fields"`
	Values          map[string]string          `json:"values"`
	Document        *laborder.DocumentRef      `json:"document,omitempty"`
	RejectedBy      string                     `json:"rejected_by,omitempty"`
	RejectionReason string                     `json:"rejection_reason,omitempty"`
}

// ReworkForm returns the pre-filled result form of a test in processing or
// rejected. For a rejected test it carries the prior result and the reason
// it was sent back.
func (s *Service) ReworkForm(ctx context.Context, orderID, testID string) (*ReworkForm, error) {
	_, t, err := s.loadTest(ctx, orderID, testID)
	if err != nil {
		return nil, err
	}
	if st := t.State(); st != laborder.StateProcessing && st != laborder.StateRejected {
		return nil, &laborder.Error{
			Kind:    laborder.KindInvalidState,
			Message: fmt.Sprintf("no result form for test %s in state %s", testID, st),
		}
	}

	form := &ReworkForm{
		OrderID: orderID,
		TestID:  testID,
		Code:    t.Code(),
		State:   t.State(),
		Fields:  laborder.FieldsFor(s.registry, t.Code()),
		Values:  t.ResultForm(s.registry),
	}
	if t.State() == laborder.StateRejected {
		if doc, ok := t.Result().(laborder.Document); ok {
			ref := doc.Ref
			form.Document = &ref
		}
		if r, ok := t.LastRejection(); ok {
			form.RejectedBy, form.RejectionReason = r.By, r.Reason
		}
	}
	return form, nil
}

func (s *Service) discard(ctx context.Context, key string) {
	if err := s.documents.Delete(context.WithoutCancel(ctx), key); err != nil {
		s.logger.Warn("failed to remove orphaned document", zap.String("key", key), zap.Error(err))
	}
}
