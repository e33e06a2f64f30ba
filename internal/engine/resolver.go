package engine

import (
	"time"

	"github.com/draftsync/draftsync/internal/document"
	"github.com/draftsync/draftsync/internal/policy"
	"github.com/draftsync/draftsync/internal/saveapi"
)

// Resolution is the user's decision on an open conflict. There is no
// automatic merge path; overwriting the server is always explicit.
type Resolution string

const (
	// AcceptServer discards the local draft and adopts the server's copy.
	AcceptServer Resolution = "accept_server"
	// ForceLocal overwrites the server with the local draft.
	ForceLocal Resolution = "force_local"
)

// ConflictRecord captures everything a resolution UI needs: both copies,
// both versions, and how badly they diverge.
type ConflictRecord struct {
	DocumentID       string
	LocalContent     []document.Block
	LocalBaseVersion int64
	ServerVersion    int64
	ServerContent    []document.Block
	ServerUpdatedAt  time.Time
	Severity         policy.Severity
}

func newConflictRecord(docID string, local []document.Block, base int64, cerr *saveapi.ConflictError, pol *policy.SeverityPolicy) ConflictRecord {
	return ConflictRecord{
		DocumentID:       docID,
		LocalContent:     document.CloneBlocks(local),
		LocalBaseVersion: base,
		ServerVersion:    cerr.LatestVersion,
		ServerContent:    document.CloneBlocks(cerr.LatestContent),
		ServerUpdatedAt:  cerr.LatestUpdatedAt,
		Severity:         pol.Classify(document.Diverge(local, cerr.LatestContent)),
	}
}
