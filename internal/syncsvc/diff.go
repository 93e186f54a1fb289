package syncsvc

import (
	"context"
	"fmt"

	"github.com/erauner12/notesync/internal/entity"
)

// maxDiffRecords bounds the server-side scan for a data diff.
const maxDiffRecords = 10000

// DiffEntry is the client's view of one entity.
type DiffEntry struct {
	EntityID    int64  `json:"entityId"`
	Version     int64  `json:"version"`
	ContentHash string `json:"contentHash,omitempty"`
}

// DiffRequest asks for a consistency check of one entity kind.
type DiffRequest struct {
	EntityKind entity.Kind `json:"entityKind"`
	Entities   []DiffEntry `json:"entities"`
}

// DiffResult partitions the compared entities. Stale and ServerOnly carry the
// server state so the client can repair itself without another round trip.
type DiffResult struct {
	EntityKind entity.Kind    `json:"entityKind"`
	Matching   []int64        `json:"matching"`
	Stale      []ServerUpdate `json:"stale"`
	Missing    []int64        `json:"missing"`
	Deleted    []int64        `json:"deleted"`
	ServerOnly []ServerUpdate `json:"serverOnly"`
}

// DataDiff compares the client's entity inventory against server state.
func (c *Coordinator) DataDiff(ctx context.Context, userID int64, req DiffRequest) (*DiffResult, error) {
	kind, ok := entity.ParseKind(string(req.EntityKind))
	if !ok {
		return nil, fmt.Errorf("unknown entity kind %q", req.EntityKind)
	}

	recs, err := c.store.ListChangedSince(ctx, userID, []entity.Kind{kind}, 0, maxDiffRecords)
	if err != nil {
		return nil, err
	}

	byID := make(map[int64]int, len(recs))
	for i, rec := range recs {
		byID[rec.ID] = i
	}

	res := &DiffResult{
		EntityKind: kind,
		Matching:   []int64{},
		Stale:      []ServerUpdate{},
		Missing:    []int64{},
		Deleted:    []int64{},
		ServerOnly: []ServerUpdate{},
	}

	claimed := make(map[int64]struct{}, len(req.Entities))
	for _, e := range req.Entities {
		claimed[e.EntityID] = struct{}{}

		i, found := byID[e.EntityID]
		if !found {
			res.Missing = append(res.Missing, e.EntityID)
			continue
		}
		rec := recs[i]
		if rec.Deleted() {
			res.Deleted = append(res.Deleted, e.EntityID)
			continue
		}
		if rec.Version == e.Version && hashMatches(rec.Payload, e.ContentHash) {
			res.Matching = append(res.Matching, e.EntityID)
			continue
		}
		res.Stale = append(res.Stale, updateFor(rec))
	}

	for _, rec := range recs {
		if _, ok := claimed[rec.ID]; ok {
			continue
		}
		if rec.Deleted() {
			continue
		}
		res.ServerOnly = append(res.ServerOnly, updateFor(rec))
	}
	return res, nil
}

// hashMatches treats an absent client hash as a pass; version comparison is
// then the sole signal.
func hashMatches(payload map[string]any, clientHash string) bool {
	if clientHash == "" {
		return true
	}
	serverHash, _ := entity.GetString(payload, "contentHash")
	if serverHash == "" {
		return true
	}
	return serverHash == clientHash
}
