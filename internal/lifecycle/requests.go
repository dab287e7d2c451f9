// ABOUTME: Permission request lifecycle: submission, risk assessment, approval,
// ABOUTME: rejection, timeout, and post-approval command execution

package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/2389/muster/internal/bridge"
	"github.com/2389/muster/internal/bus"
	"github.com/2389/muster/internal/store"
)

// SubmitRequest records a permission request from an agent, assesses its
// risk against the rules table, and auto-approves it when the rules allow.
// Critical-risk requests are never auto-approved regardless of rules.
// Caller metadata is merged into the persisted request metadata.
func (m *Manager) SubmitRequest(ctx context.Context, agentName, requestType, command string, metadata map[string]any) (*store.Request, error) {
	if agentName == "" {
		return nil, fmt.Errorf("%w: agent is required", ErrValidation)
	}
	if requestType == "" {
		return nil, fmt.Errorf("%w: request type is required", ErrValidation)
	}
	if command == "" {
		return nil, fmt.Errorf("%w: command is required", ErrValidation)
	}
	if _, err := m.store.GetAgent(ctx, agentName); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown agent %q", ErrValidation, agentName)
		}
		return nil, err
	}

	assessment := m.rules.Assess(requestType, command)

	meta := map[string]any{"matched_rule": assessment.Matched}
	for k, v := range metadata {
		meta[k] = v
	}

	req := &store.Request{
		ID:           uuid.New().String(),
		Agent:        agentName,
		Type:         requestType,
		Command:      command,
		RiskLevel:    assessment.Risk,
		AutoApproved: assessment.AutoApprove,
		Status:       store.RequestPending,
		Metadata:     mustJSON(meta),
		CreatedAt:    time.Now().UTC(),
	}
	if err := m.store.CreateRequest(ctx, req); err != nil {
		return nil, err
	}

	m.appendActivity(ctx, agentName, "request_submitted",
		fmt.Sprintf("request %s (%s, risk %s)", req.ID, requestType, assessment.Risk),
		mustJSON(map[string]any{"request_id": req.ID, "risk": assessment.Risk}))
	m.publish(bus.Event{
		Type:   bus.RequestPending,
		Source: eventSource,
		Payload: map[string]any{
			"request_id": req.ID, "agent": agentName,
			"type": requestType, "risk": assessment.Risk,
		},
	})

	if assessment.AutoApprove {
		approver := "rules"
		if err := m.ApproveRequest(ctx, req.ID, approver); err != nil {
			m.logger.Error("auto-approving request", "request_id", req.ID, "error", err)
			return req, nil
		}
		req.Status = store.RequestApproved
		req.Approver = &approver
	}

	m.logger.Info("request submitted", "request_id", req.ID, "agent", agentName,
		"risk", assessment.Risk, "auto_approved", assessment.AutoApprove)
	return req, nil
}

// ApproveRequest resolves a pending request as approved and executes its
// command in the requesting agent's session. Execution runs in the
// background; its outcome lands as executed or execution_failed.
func (m *Manager) ApproveRequest(ctx context.Context, requestID, approver string) error {
	if approver == "" {
		return fmt.Errorf("%w: approver is required", ErrValidation)
	}

	req, err := m.store.GetRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if req.Status != store.RequestPending {
		return fmt.Errorf("%w: request %s is %s, not pending", ErrInvalidTransition, requestID, req.Status)
	}

	if err := m.store.UpdateRequestStatus(ctx, requestID, store.RequestPending, store.RequestApproved, &approver, nil); err != nil {
		if errors.Is(err, store.ErrConcurrentModification) {
			return fmt.Errorf("%w: request %s resolved concurrently", ErrInvalidTransition, requestID)
		}
		return err
	}

	m.appendActivity(ctx, approver, "request_approved",
		fmt.Sprintf("request %s approved by %s", requestID, approver),
		mustJSON(map[string]any{"request_id": requestID}))
	m.publish(bus.Event{
		Type:    bus.RequestResolved,
		Source:  eventSource,
		Payload: map[string]any{"request_id": requestID, "status": store.RequestApproved, "approver": approver},
	})

	m.watchers.Add(1)
	go m.runRequest(req)

	m.logger.Info("request approved", "request_id", requestID, "approver", approver)
	return nil
}

// RejectRequest resolves a pending request as rejected. Nothing runs.
func (m *Manager) RejectRequest(ctx context.Context, requestID, approver, reason string) error {
	if approver == "" {
		return fmt.Errorf("%w: approver is required", ErrValidation)
	}

	req, err := m.store.GetRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if req.Status != store.RequestPending {
		return fmt.Errorf("%w: request %s is %s, not pending", ErrInvalidTransition, requestID, req.Status)
	}

	var reasonRef *string
	if reason != "" {
		reasonRef = &reason
	}
	if err := m.store.UpdateRequestStatus(ctx, requestID, store.RequestPending, store.RequestRejected, &approver, reasonRef); err != nil {
		if errors.Is(err, store.ErrConcurrentModification) {
			return fmt.Errorf("%w: request %s resolved concurrently", ErrInvalidTransition, requestID)
		}
		return err
	}

	m.appendActivity(ctx, approver, "request_rejected",
		fmt.Sprintf("request %s rejected by %s", requestID, approver),
		mustJSON(map[string]any{"request_id": requestID, "reason": reason}))
	m.publish(bus.Event{
		Type:    bus.RequestResolved,
		Source:  eventSource,
		Payload: map[string]any{"request_id": requestID, "status": store.RequestRejected, "approver": approver},
	})

	m.logger.Info("request rejected", "request_id", requestID, "approver", approver, "reason", reason)
	return nil
}

// TimeoutRequest expires a pending request. Called by the recovery monitor
// when a request sits unresolved past its deadline.
func (m *Manager) TimeoutRequest(ctx context.Context, requestID string) error {
	req, err := m.store.GetRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if req.Status != store.RequestPending {
		return fmt.Errorf("%w: request %s is %s, not pending", ErrInvalidTransition, requestID, req.Status)
	}

	reason := "approval deadline elapsed"
	if err := m.store.UpdateRequestStatus(ctx, requestID, store.RequestPending, store.RequestTimeout, nil, &reason); err != nil {
		if errors.Is(err, store.ErrConcurrentModification) {
			return fmt.Errorf("%w: request %s resolved concurrently", ErrInvalidTransition, requestID)
		}
		return err
	}

	m.appendActivity(ctx, "recovery", "request_timeout",
		fmt.Sprintf("request %s timed out awaiting approval", requestID),
		mustJSON(map[string]any{"request_id": requestID}))
	m.publish(bus.Event{
		Type:    bus.RequestResolved,
		Source:  eventSource,
		Payload: map[string]any{"request_id": requestID, "status": store.RequestTimeout},
	})

	m.logger.Warn("request timed out", "request_id", requestID, "agent", req.Agent)
	return nil
}

// runRequest executes an approved request's command in the agent session
// and records whether it actually ran. Approval and execution are separate
// outcomes: an approved command that fails lands as execution_failed.
func (m *Manager) runRequest(req *store.Request) {
	defer m.watchers.Done()
	ctx := m.baseCtx

	deliveryID, err := m.bridge.Deliver(ctx, req.Agent, markedCommand(req.Command))
	if err != nil {
		m.finishRequest(ctx, req, store.RequestExecutionFailed, fmt.Sprintf("delivery failed: %v", err))
		return
	}

	result, err := m.bridge.AwaitCompletion(ctx, deliveryID, m.bridge.DefaultTimeout())
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		m.finishRequest(ctx, req, store.RequestExecutionFailed, fmt.Sprintf("bridge error: %v", err))
		return
	}

	switch result.Status {
	case bridge.StatusSuccess:
		m.finishRequest(ctx, req, store.RequestExecuted, "")
	default:
		m.finishRequest(ctx, req, store.RequestExecutionFailed, result.Detail)
	}
}

func (m *Manager) finishRequest(ctx context.Context, req *store.Request, status, detail string) {
	var reasonRef *string
	if detail != "" {
		reasonRef = &detail
	}
	if err := m.store.UpdateRequestStatus(ctx, req.ID, store.RequestApproved, status, nil, reasonRef); err != nil {
		m.logger.Error("recording request outcome", "request_id", req.ID, "status", status, "error", err)
		return
	}

	m.appendActivity(ctx, req.Agent, "request_"+status,
		fmt.Sprintf("request %s %s", req.ID, status),
		mustJSON(map[string]any{"request_id": req.ID, "detail": detail}))
	m.publish(bus.Event{
		Type:    bus.RequestResolved,
		Source:  eventSource,
		Payload: map[string]any{"request_id": req.ID, "status": status},
	})

	m.logger.Info("request execution finished", "request_id", req.ID, "status", status)
}
