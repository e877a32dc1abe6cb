package service

import (
	"context"
	"encoding/json"

	"lexrelay/internal/errors"
	"lexrelay/internal/metrics"
	"lexrelay/internal/models"

	"github.com/sirupsen/logrus"
)

// DocumentStore persists generated documents.
type DocumentStore interface {
	SaveDocument(ctx context.Context, doc *models.Document) error
}

// DocumentWorker consumes document-generation jobs: it asks the document
// collaborator to author the content and persists the result for the
// tenant user.
type DocumentWorker struct {
	generator DocumentGenerator
	store     DocumentStore
	logger    *logrus.Logger
}

// NewDocumentWorker creates the document pipeline worker.
func NewDocumentWorker(generator DocumentGenerator, store DocumentStore, logger *logrus.Logger) *DocumentWorker {
	return &DocumentWorker{generator: generator, store: store, logger: logger}
}

// Handle processes one document-generation job.
func (w *DocumentWorker) Handle(ctx context.Context, job *models.Job) error {
	var req models.DocumentRequest
	if err := json.Unmarshal(job.Payload, &req); err != nil {
		return errors.Wrap(err, errors.ErrCodeInvalidInput, "malformed document job payload")
	}
	if req.TenantID == "" || req.DocType == "" {
		return errors.New(errors.ErrCodeInvalidInput, "document job missing tenant or document type")
	}

	content, err := w.generator.GenerateDocument(ctx, req.DocType, req.Context)
	if err != nil {
		return err
	}

	doc := &models.Document{
		TenantID: req.TenantID,
		UserID:   req.UserID,
		DocType:  req.DocType,
		Content:  content,
	}
	if err := w.store.SaveDocument(ctx, doc); err != nil {
		return errors.WrapRetryable(err, errors.ErrCodePersistence, "failed to persist generated document")
	}

	metrics.IncrementCounter("pipeline_documents_total", map[string]string{"doc_type": req.DocType}, "Documents generated")
	w.logger.WithFields(logrus.Fields{
		"tenant_id": req.TenantID,
		"doc_type":  req.DocType,
	}).Info("Document generated")
	return nil
}
