package core

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"
)

// DefaultApprovalTimeout applies when a gate does not set its own bound.
const DefaultApprovalTimeout = 24 * time.Hour

// ErrNotApprover is returned when the deciding actor is not on the gate's list.
var ErrNotApprover = errors.New("actor is not an approver for this gate")

// ApprovalState is the gate state machine: Pending -> Approved | Rejected | Expired.
type ApprovalState string

const (
	ApprovalPending  ApprovalState = "pending"
	ApprovalApproved ApprovalState = "approved"
	ApprovalRejected ApprovalState = "rejected"
	ApprovalExpired  ApprovalState = "expired"
)

// Decision is an external actor's answer to a pending gate.
type Decision struct {
	Approve bool   `json:"approve"`
	Actor   string `json:"actor"`
	Comment string `json:"comment,omitempty"`
}

// PendingApproval describes a gate waiting for a decision.
type PendingApproval struct {
	RunID     string    `json:"runId"`
	Stage     string    `json:"stage"`
	Message   string    `json:"message,omitempty"`
	Approvers []string  `json:"approvers,omitempty"`
	OpenedAt  time.Time `json:"openedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type approvalRequest struct {
	info     PendingApproval
	decision chan Decision
}

// ApprovalBroker routes external decisions to waiting gates. Its lock only
// guards the registry; no lock is held while a gate waits.
type ApprovalBroker struct {
	mu      sync.Mutex
	pending map[string]*approvalRequest
}

func NewApprovalBroker() *ApprovalBroker {
	return &ApprovalBroker{pending: make(map[string]*approvalRequest)}
}

func approvalKey(runID, stage string) string { return runID + "/" + stage }

func (b *ApprovalBroker) open(info PendingApproval) (*approvalRequest, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := approvalKey(info.RunID, info.Stage)
	if _, exists := b.pending[key]; exists {
		return nil, fmt.Errorf("approval for %s already pending", key)
	}
	req := &approvalRequest{info: info, decision: make(chan Decision, 1)}
	b.pending[key] = req
	return req, nil
}

// withdraw removes req from the registry. It returns false when Decide
// already claimed it, in which case a decision is on its way.
func (b *ApprovalBroker) withdraw(req *approvalRequest) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := approvalKey(req.info.RunID, req.info.Stage)
	if b.pending[key] != req {
		return false
	}
	delete(b.pending, key)
	return true
}

// Decide delivers d to the gate pending for runID/stage. Only the first
// decision for a gate is accepted.
func (b *ApprovalBroker) Decide(runID, stage string, d Decision) error {
	b.mu.Lock()
	key := approvalKey(runID, stage)
	req, ok := b.pending[key]
	if ok && len(req.info.Approvers) > 0 && !slices.Contains(req.info.Approvers, d.Actor) {
		b.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrNotApprover, d.Actor)
	}
	if ok {
		delete(b.pending, key)
	}
	b.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNoPendingApproval, key)
	}
	req.decision <- d
	return nil
}

// Pending lists the gates currently waiting, oldest first.
func (b *ApprovalBroker) Pending() []PendingApproval {
	b.mu.Lock()
	out := make([]PendingApproval, 0, len(b.pending))
	for _, req := range b.pending {
		out = append(out, req.info)
	}
	b.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out
}

// ApprovalGate suspends the stage until a decision arrives or Timeout
// elapses. Expiry is an implicit rejection.
type ApprovalGate struct {
	Timeout   time.Duration
	Message   string
	Approvers []string
}

func (g *ApprovalGate) Name() string { return "approval" }

// Await runs the gate state machine. It returns ApprovalPending with the
// context error if ctx ends first.
func (g *ApprovalGate) Await(ctx context.Context, broker *ApprovalBroker, runID, stage string) (ApprovalState, Decision, error) {
	timeout := g.timeoutOrDefault()
	now := time.Now()
	req, err := broker.open(PendingApproval{
		RunID:     runID,
		Stage:     stage,
		Message:   g.Message,
		Approvers: g.Approvers,
		OpenedAt:  now,
		ExpiresAt: now.Add(timeout),
	})
	if err != nil {
		return ApprovalPending, Decision{}, err
	}
	defer broker.withdraw(req)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case d := <-req.decision:
		return decided(d)
	case <-timer.C:
		if !broker.withdraw(req) {
			// Decide won the race; its answer stands.
			return decided(<-req.decision)
		}
		return ApprovalExpired, Decision{}, nil
	case <-ctx.Done():
		return ApprovalPending, Decision{}, ctx.Err()
	}
}

func decided(d Decision) (ApprovalState, Decision, error) {
	if d.Approve {
		return ApprovalApproved, d, nil
	}
	return ApprovalRejected, d, nil
}

func (g *ApprovalGate) Execute(ctx context.Context, s *Scope) error {
	if g.Timeout <= 0 && s.ctrl.ApprovalTimeout > 0 {
		bounded := *g
		bounded.Timeout = s.ctrl.ApprovalTimeout
		g = &bounded
	}
	broker := s.ctrl.Approvals
	if broker == nil {
		s.Logger.Warn("No approval broker configured, gate can only expire", "stage", s.Stage)
		broker = NewApprovalBroker()
	}
	s.Logger.Info("Awaiting approval", "stage", s.Stage, "run", s.Context.RunID(), "timeout", g.timeoutOrDefault(), "message", g.Message)

	state, d, err := g.Await(ctx, broker, s.Context.RunID(), s.Stage)
	if err != nil {
		return err
	}
	s.ctrl.observer().ApprovalResolved(s.Context.Pipeline(), s.Stage, state)
	s.Logger.Info("Approval resolved", "stage", s.Stage, "state", state, "actor", d.Actor)

	switch state {
	case ApprovalApproved:
		return nil
	case ApprovalRejected:
		return fmt.Errorf("%w by %q", ErrApprovalRejected, d.Actor)
	default:
		return fmt.Errorf("%w after %s", ErrApprovalExpired, g.timeoutOrDefault())
	}
}

func (g *ApprovalGate) timeoutOrDefault() time.Duration {
	if g.Timeout <= 0 {
		return DefaultApprovalTimeout
	}
	return g.Timeout
}
