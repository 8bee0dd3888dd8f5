package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/charmbracelet/huh"
)

// Request describes a viewer asking for a session.
type Request struct {
	SessionID string
	// Viewer is the sender id the relay reported for the requester.
	Viewer string
}

// Approver decides whether a session request is accepted. Approve may block
// until ctx is cancelled, which happens when the request is withdrawn.
type Approver interface {
	Approve(ctx context.Context, req Request) (bool, error)
}

// ApproverFunc adapts a function to Approver.
type ApproverFunc func(ctx context.Context, req Request) (bool, error)

func (f ApproverFunc) Approve(ctx context.Context, req Request) (bool, error) {
	return f(ctx, req)
}

// AutoApprover accepts every request.
type AutoApprover struct{}

func (AutoApprover) Approve(context.Context, Request) (bool, error) { return true, nil }

// DenyApprover rejects every request.
type DenyApprover struct{}

func (DenyApprover) Approve(context.Context, Request) (bool, error) { return false, nil }

// PromptApprover asks the local user on the terminal. Prompts are
// serialized; a request waiting for the terminal can still be withdrawn.
type PromptApprover struct {
	// Name is shown in the prompt title.
	Name  string
	Theme *huh.Theme

	mu sync.Mutex
}

func (p *PromptApprover) Approve(ctx context.Context, req Request) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return false, err
	}

	theme := p.Theme
	if theme == nil {
		theme = huh.ThemeDracula()
	}

	title := "Incoming remote session"
	if p.Name != "" {
		title = fmt.Sprintf("Incoming remote session on %s", p.Name)
	}
	viewer := req.Viewer
	if viewer == "" {
		viewer = "unknown viewer"
	}

	var allow bool
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title(title).
				Description(fmt.Sprintf("Session %s requested by %s.\nThe viewer gets keyboard, mouse, shell and file access.", req.SessionID, viewer)),

			huh.NewConfirm().
				Title("Allow this connection?").
				Affirmative("Allow").
				Negative("Deny").
				Value(&allow),
		),
	).WithTheme(theme)

	if err := form.RunWithContext(ctx); err != nil {
		return false, err
	}
	return allow, nil
}

// NewApprover returns the approver for an approval mode: auto, deny or prompt.
func NewApprover(mode, name string) (Approver, error) {
	switch mode {
	case "auto":
		return AutoApprover{}, nil
	case "deny":
		return DenyApprover{}, nil
	case "prompt", "":
		return &PromptApprover{Name: name}, nil
	default:
		return nil, fmt.Errorf("unknown approval mode %q", mode)
	}
}
