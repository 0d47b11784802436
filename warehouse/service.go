package warehouse

import (
	"context"
	"fmt"

	"github.com/warp/stock-engine/generic"
)

// Service is the typed entry point for warehouse documents. It checks the
// kind payload and hands everything else to the shared workflow.
type Service struct {
	Workflow *generic.WorkflowService
}

func NewService(workflow *generic.WorkflowService) *Service {
	return &Service{Workflow: workflow}
}

// Create stores a new draft document of payload's kind.
func (s *Service) Create(ctx context.Context, payload Payload, lines []generic.DocumentLine, actor, note string) (*generic.Document, error) {
	if err := payload.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", payload.Kind(), err)
	}
	return s.Workflow.Create(ctx, generic.CreateDocumentInput{
		Kind:     payload.Kind(),
		Lines:    lines,
		Metadata: payload.Metadata(),
		Note:     note,
		Actor:    actor,
	})
}

// Submit creates the document and moves it straight to pending.
func (s *Service) Submit(ctx context.Context, payload Payload, lines []generic.DocumentLine, actor, note string) (*generic.Document, error) {
	doc, err := s.Create(ctx, payload, lines, actor, note)
	if err != nil {
		return nil, err
	}
	return s.Workflow.Submit(ctx, doc.ID, actor)
}

// Payload returns the typed payload of a stored document.
func (s *Service) Payload(doc generic.Document) (Payload, error) {
	return PayloadFromMetadata(doc.Kind, doc.Metadata)
}

// Action names accepted by Apply (used by the HTTP layer).
const (
	ActionSubmit   = "submit"
	ActionApprove  = "approve"
	ActionReject   = "reject"
	ActionComplete = "complete"
	ActionIssue    = "issue"
	ActionCancel   = "cancel"
	ActionReverse  = "reverse"
	ActionDelete   = "delete"
)

// Apply runs a named status action against a document.
func (s *Service) Apply(ctx context.Context, id generic.DocumentID, action, actor, note string) (*generic.Document, error) {
	wf := s.Workflow
	switch action {
	case ActionSubmit:
		return wf.Submit(ctx, id, actor)
	case ActionApprove:
		return wf.Approve(ctx, id, actor)
	case ActionReject:
		return wf.Reject(ctx, id, actor, note)
	case ActionComplete, ActionIssue:
		return wf.Complete(ctx, id, actor)
	case ActionCancel:
		return wf.Cancel(ctx, id, actor, note)
	case ActionReverse:
		return wf.Reverse(ctx, id, actor, note)
	case ActionDelete:
		return wf.Delete(ctx, id, actor)
	}
	return nil, fmt.Errorf("%w: unknown action %q", generic.ErrInvalidInput, action)
}
