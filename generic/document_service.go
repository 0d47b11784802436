package generic

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// =============================================================================
// WORKFLOW SERVICE - Drives documents through the shared status machine
// =============================================================================

// WorkflowService creates documents and moves them between statuses. Stock
// effects go through Engine; the document save runs as an engine hook so a
// failed commit leaves the document in its previous status.
type WorkflowService struct {
	Engine    *Engine
	Documents DocumentStore
	Kinds     *KindRegistry
	Clock     Clock
	Logger    zerolog.Logger
	NewID     func() string
}

func NewWorkflowService(engine *Engine, docs DocumentStore, kinds *KindRegistry) *WorkflowService {
	return &WorkflowService{
		Engine:    engine,
		Documents: docs,
		Kinds:     kinds,
		Clock:     engine.Clock,
		Logger:    engine.Logger,
		NewID:     uuid.NewString,
	}
}

type CreateDocumentInput struct {
	Kind     DocumentKind
	Lines    []DocumentLine
	Metadata map[string]string
	Note     string
	Actor    string
}

// Create validates the lines, assigns the next reference number for the
// kind and year, and stores the document as a draft.
func (ws *WorkflowService) Create(ctx context.Context, in CreateDocumentInput) (*Document, error) {
	spec, err := ws.Kinds.Lookup(in.Kind)
	if err != nil {
		return nil, err
	}
	if len(in.Lines) == 0 {
		return nil, fmt.Errorf("%w: document has no lines", ErrInvalidInput)
	}
	for i, l := range in.Lines {
		if err := spec.ValidateLine(i, l); err != nil {
			return nil, err
		}
	}

	now := ws.now()
	seq, err := ws.Documents.NextSequence(ctx, spec.RefPrefix, now.Year())
	if err != nil {
		return nil, fmt.Errorf("failed to allocate reference: %w", err)
	}

	doc := Document{
		ID:        DocumentID(ws.newID()),
		Kind:      spec.Kind,
		Reference: FormatReference(spec.RefPrefix, now.Year(), seq),
		Status:    StatusDraft,
		Lines:     in.Lines,
		Metadata:  in.Metadata,
		Note:      in.Note,
		CreatedBy: in.Actor,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := ws.Documents.SaveDocument(ctx, doc); err != nil {
		return nil, fmt.Errorf("failed to save document: %w", err)
	}
	ws.Logger.Info().Str("kind", string(doc.Kind)).Str("reference", doc.Reference).Str("actor", in.Actor).Msg("document created")
	return &doc, nil
}

func (ws *WorkflowService) Get(ctx context.Context, id DocumentID) (*Document, error) {
	return ws.Documents.GetDocument(ctx, id)
}

func (ws *WorkflowService) List(ctx context.Context, filter DocumentFilter) ([]Document, error) {
	return ws.Documents.ListDocuments(ctx, filter)
}

func (ws *WorkflowService) Submit(ctx context.Context, id DocumentID, actor string) (*Document, error) {
	return ws.transition(ctx, id, StatusPending, actor, "")
}

func (ws *WorkflowService) Approve(ctx context.Context, id DocumentID, actor string) (*Document, error) {
	return ws.transition(ctx, id, StatusApproved, actor, "")
}

func (ws *WorkflowService) Reject(ctx context.Context, id DocumentID, actor, reason string) (*Document, error) {
	return ws.transition(ctx, id, StatusRejected, actor, reason)
}

func (ws *WorkflowService) Cancel(ctx context.Context, id DocumentID, actor, reason string) (*Document, error) {
	return ws.transition(ctx, id, StatusCancelled, actor, reason)
}

// Complete moves an approved document into its kind's fulfilment status
// (completed for dispatches and transfers, issued for material issuance).
func (ws *WorkflowService) Complete(ctx context.Context, id DocumentID, actor string) (*Document, error) {
	doc, err := ws.Documents.GetDocument(ctx, id)
	if err != nil {
		return nil, err
	}
	spec, err := ws.Kinds.Lookup(doc.Kind)
	if err != nil {
		return nil, err
	}
	if spec.Fulfilled == "" {
		return nil, &InvalidTransitionError{Subject: describe(*doc), From: string(doc.Status), To: string(StatusCompleted)}
	}
	return ws.transition(ctx, id, spec.Fulfilled, actor, "")
}

func (ws *WorkflowService) Reverse(ctx context.Context, id DocumentID, actor, note string) (*Document, error) {
	return ws.transition(ctx, id, StatusReversed, actor, note)
}

func (ws *WorkflowService) Delete(ctx context.Context, id DocumentID, actor string) (*Document, error) {
	return ws.transition(ctx, id, StatusDeleted, actor, "")
}

// transition validates the edge, then saves the new status together with
// the stock effect of entering it. Re-entering the current status is a no-op.
func (ws *WorkflowService) transition(ctx context.Context, id DocumentID, to Status, actor, note string) (*Document, error) {
	doc, err := ws.Documents.GetDocument(ctx, id)
	if err != nil {
		return nil, err
	}
	spec, err := ws.Kinds.Lookup(doc.Kind)
	if err != nil {
		return nil, err
	}
	if doc.Status == to {
		return doc, nil
	}
	if !spec.CanTransition(doc.Status, to) {
		return nil, &InvalidTransitionError{Subject: describe(*doc), From: string(doc.Status), To: string(to)}
	}

	now := ws.now()
	next := doc.withStatus(to, actor, note, now)
	// The status is read again inside the transaction: a concurrent
	// transition that committed first wins and this one rolls back.
	save := func(ctx context.Context, tx Store) error {
		ds := ws.docStore(tx)
		cur, err := ds.GetDocument(ctx, id)
		if err != nil {
			return err
		}
		switch cur.Status {
		case doc.Status:
			return ds.SaveDocument(ctx, next)
		case to:
			return nil
		default:
			return &InvalidTransitionError{Subject: describe(*cur), From: string(cur.Status), To: string(to)}
		}
	}

	switch {
	case to == spec.CommitOn:
		_, err = ws.Engine.CommitBatch(ctx, spec.CommitRequests(next, actor, now), save)
	case to == StatusReversed || to == StatusDeleted:
		_, err = ws.Engine.Reverse(ctx, ReverseRequest{
			Document:     next.Ref(),
			Policy:       spec.ZeroPolicy,
			Note:         note,
			Actor:        actor,
			MovementDate: now,
		}, save)
	default:
		err = ws.Engine.Store.WithTx(ctx, func(tx Store) error { return save(ctx, tx) })
	}
	if err != nil {
		return nil, fmt.Errorf("%s -> %s: %w", describe(*doc), to, err)
	}

	ws.Logger.Info().
		Str("reference", next.Reference).
		Str("from", string(doc.Status)).
		Str("to", string(to)).
		Str("actor", actor).
		Msg("document transitioned")
	return &next, nil
}

// docStore prefers the transaction-bound store so the status save is atomic
// with the stock change.
func (ws *WorkflowService) docStore(tx Store) DocumentStore {
	if ds, ok := tx.(DocumentStore); ok {
		return ds
	}
	return ws.Documents
}

func (ws *WorkflowService) now() time.Time {
	if ws.Clock == nil {
		return time.Now().UTC()
	}
	return ws.Clock.Now()
}

func (ws *WorkflowService) newID() string {
	if ws.NewID == nil {
		return uuid.NewString()
	}
	return ws.NewID()
}

func describe(d Document) string {
	return fmt.Sprintf("%s %s", d.Kind, d.Reference)
}
