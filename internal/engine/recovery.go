package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/draftsync/draftsync/internal/document"
	"github.com/draftsync/draftsync/internal/policy"
	"github.com/draftsync/draftsync/internal/saveapi"
	"github.com/draftsync/draftsync/internal/store"
)

// RecoveryPrompt is surfaced when a restart finds an unsent snapshot. The
// document stays blocked for editing until the user decides.
type RecoveryPrompt struct {
	DocumentID  string
	Snapshot    []document.Block
	BaseVersion int64
	HasConflict bool
	Severity    policy.Severity
	ServerDoc   document.Document
}

// RecoveryManager reconciles crash leftovers: snapshots that were pending
// when the previous process died.
type RecoveryManager struct {
	store  *store.Store
	guard  saveapi.Guard
	policy *policy.SeverityPolicy
	logger Logger
}

func NewRecoveryManager(s *store.Store, guard saveapi.Guard, pol *policy.SeverityPolicy, logger Logger) *RecoveryManager {
	if pol == nil {
		pol = policy.MustCompile(policy.DefaultProgram)
	}
	return &RecoveryManager{store: s, guard: guard, policy: pol, logger: logger}
}

// Check looks for an unsent snapshot and decides whether recovering it
// would conflict with work the server saw in the meantime. A nil prompt
// means there is nothing to recover.
func (m *RecoveryManager) Check(ctx context.Context, documentID string) (*RecoveryPrompt, error) {
	pending, ok := m.store.Pending(documentID)
	if !ok {
		return nil, nil
	}

	serverDoc, err := m.guard.Fetch(ctx, documentID)
	if err != nil {
		if errors.Is(err, document.ErrNotFound) {
			// The server never saw this document; the snapshot is all
			// there is.
			return &RecoveryPrompt{
				DocumentID:  documentID,
				Snapshot:    pending.Snapshot,
				BaseVersion: pending.BaseVersion,
			}, nil
		}
		return nil, fmt.Errorf("recovery check %s: %w", documentID, err)
	}

	// The pending snapshot losing or tying on time with a server copy at
	// the same version means the crash happened after the save landed.
	// Nothing was lost; drop the leftover.
	if serverDoc.Version <= pending.BaseVersion && !pending.Timestamp.After(serverDoc.UpdatedAt) {
		if m.logger != nil {
			m.logger.Printf("recovery %s: snapshot already confirmed at v%d, discarding", documentID, serverDoc.Version)
		}
		if err := m.store.ClearPending(documentID); err != nil {
			return nil, err
		}
		return nil, nil
	}

	prompt := &RecoveryPrompt{
		DocumentID:  documentID,
		Snapshot:    pending.Snapshot,
		BaseVersion: pending.BaseVersion,
		ServerDoc:   serverDoc,
	}
	if serverDoc.Version > pending.BaseVersion {
		// The server moved past the snapshot's base: another client (or a
		// landed save we never heard about) wrote in between.
		prompt.HasConflict = true
		prompt.Severity = m.policy.Classify(document.Diverge(pending.Snapshot, serverDoc.Blocks))
	}
	return prompt, nil
}

// Recover returns the snapshot as the live draft. The pending record is
// kept until the draft lands on the server.
func (m *RecoveryManager) Recover(prompt *RecoveryPrompt) []document.Block {
	return document.CloneBlocks(prompt.Snapshot)
}

// Discard drops the crash leftover in favor of the server's copy.
func (m *RecoveryManager) Discard(documentID string) error {
	return m.store.ClearPending(documentID)
}
