// ABOUTME: Resource conflict detection over active tasks sharing a resource tag
// ABOUTME: Records conflicts, publishes events, and supports operator resolution

package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/2389/muster/internal/bus"
	"github.com/2389/muster/internal/store"
)

// CheckConflicts scans non-terminal tasks for resource tags claimed by more
// than one agent and records a conflict for each such resource. With no
// agent names given, all agents are checked; otherwise only resources with
// at least one named claimant are recorded. Resources already covered by an
// open conflict are skipped so repeated sweeps do not duplicate records,
// and open conflicts whose resource has dropped below two active claimants
// are closed as superseded. Returns the conflicts recorded by this call.
func (m *Manager) CheckConflicts(ctx context.Context, agentNames ...string) ([]*store.Conflict, error) {
	var scope map[string]bool
	if len(agentNames) > 0 {
		scope = make(map[string]bool, len(agentNames))
		for _, name := range agentNames {
			scope[name] = true
		}
	}

	// Claimants are counted over all agents regardless of scope; a
	// conflict is a property of the resource, not of who asked.
	agentsByResource := make(map[string]map[string]bool)
	for _, status := range []string{store.TaskAssigned, store.TaskInProgress} {
		tasks, err := listAllTasks(ctx, m.store, status)
		if err != nil {
			return nil, err
		}
		for _, t := range tasks {
			if t.Resource == "" || t.AssignedAgent == nil {
				continue
			}
			if agentsByResource[t.Resource] == nil {
				agentsByResource[t.Resource] = make(map[string]bool)
			}
			agentsByResource[t.Resource][*t.AssignedAgent] = true
		}
	}

	open, err := m.store.ListOpenConflicts(ctx)
	if err != nil {
		return nil, err
	}
	covered := make(map[string]bool, len(open))
	for _, c := range open {
		if len(agentsByResource[c.Resource]) < 2 {
			m.supersedeConflict(ctx, c)
			continue
		}
		covered[c.Resource] = true
	}

	var recorded []*store.Conflict
	for resource, agents := range agentsByResource {
		if len(agents) < 2 || covered[resource] {
			continue
		}
		if scope != nil && !anyInScope(agents, scope) {
			continue
		}

		names := make([]string, 0, len(agents))
		for name := range agents {
			names = append(names, name)
		}
		sort.Strings(names)

		conflict := &store.Conflict{
			ID:         uuid.New().String(),
			Resource:   resource,
			Agents:     names,
			DetectedAt: time.Now().UTC(),
		}
		if err := m.store.RecordConflict(ctx, conflict); err != nil {
			return recorded, err
		}
		recorded = append(recorded, conflict)

		m.appendActivity(ctx, "system", "conflict_detected",
			fmt.Sprintf("resource %q claimed by %d agents", resource, len(names)),
			mustJSON(map[string]any{"conflict_id": conflict.ID, "resource": resource, "agents": names}))
		m.publish(bus.Event{
			Type:    bus.ConflictDetected,
			Source:  eventSource,
			Payload: map[string]any{"conflict_id": conflict.ID, "resource": resource, "agents": names},
		})

		m.logger.Warn("resource conflict detected", "resource", resource, "agents", names)
	}

	return recorded, nil
}

// taskScanPage is the page size for full scans over non-terminal tasks.
// It matches the store's hard limit cap.
const taskScanPage = 1000

// listAllTasks pages through every task in the given status. The store
// caps single-call limits, and a sweep must not miss the oldest tasks.
func listAllTasks(ctx context.Context, st store.Store, status string) ([]*store.Task, error) {
	var all []*store.Task
	for offset := 0; ; offset += taskScanPage {
		page, err := st.ListTasks(ctx, store.TaskFilter{Status: status, Limit: taskScanPage, Offset: offset})
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < taskScanPage {
			return all, nil
		}
	}
}

// supersedeConflict closes an open conflict whose resource no longer has
// two active claimants. Losing the store race to an operator resolution is
// fine either way.
func (m *Manager) supersedeConflict(ctx context.Context, c *store.Conflict) {
	if err := m.store.ResolveConflict(ctx, c.ID, "superseded: resource no longer contended"); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			m.logger.Error("superseding conflict", "conflict_id", c.ID, "error", err)
		}
		return
	}

	m.appendActivity(ctx, "system", "conflict_resolved",
		fmt.Sprintf("conflict %s superseded, resource %q no longer contended", c.ID, c.Resource),
		mustJSON(map[string]any{"conflict_id": c.ID, "resource": c.Resource}))

	m.logger.Info("conflict superseded", "conflict_id", c.ID, "resource", c.Resource)
}

func anyInScope(agents, scope map[string]bool) bool {
	for name := range agents {
		if scope[name] {
			return true
		}
	}
	return false
}

// ResolveConflict closes an open conflict with an operator's note.
func (m *Manager) ResolveConflict(ctx context.Context, conflictID, operator, resolution string) error {
	if resolution == "" {
		return fmt.Errorf("%w: resolution is required", ErrValidation)
	}
	if err := m.store.ResolveConflict(ctx, conflictID, resolution); err != nil {
		return err
	}

	m.appendActivity(ctx, operator, "conflict_resolved",
		fmt.Sprintf("conflict %s resolved: %s", conflictID, resolution),
		mustJSON(map[string]any{"conflict_id": conflictID}))

	m.logger.Info("conflict resolved", "conflict_id", conflictID, "operator", operator)
	return nil
}
