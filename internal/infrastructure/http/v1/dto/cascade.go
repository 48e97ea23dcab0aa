package dto

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"tombstone/internal/domain/cascade"
)

// ValidationResponse answers whether an entity may be deleted right now.
type ValidationResponse struct {
	EntityType string   `json:"entity_type"`
	ID         string   `json:"id"`
	Deletable  bool     `json:"deletable"`
	Reasons    []string `json:"reasons"`
}

// DeleteRequest is the optional body of DELETE /entities/:type/:id.
type DeleteRequest struct {
	Reason string `json:"reason" binding:"max=1000"`
}

// BulkDeleteRequest deletes many roots of one type.
type BulkDeleteRequest struct {
	EntityType  string            `json:"entity_type" binding:"required"`
	IDs         []json.RawMessage `json:"ids" binding:"required,min=1,max=1000"`
	Reason      string            `json:"reason" binding:"max=1000"`
	Concurrency int               `json:"concurrency" binding:"min=0,max=32"`
}

// BulkRestoreRequest restores many deletions.
type BulkRestoreRequest struct {
	DeletionKeys []string `json:"deletion_keys" binding:"required,min=1,max=1000"`
	Concurrency  int      `json:"concurrency" binding:"min=0,max=32"`
}

// PurgeResponse reports whether a single deletion was discarded.
type PurgeResponse struct {
	DeletionKey string `json:"deletion_key"`
	Purged      bool   `json:"purged"`
}

// PurgeExpiredRequest discards deletions older than MaxAge (a Go duration, e.g. "720h").
type PurgeExpiredRequest struct {
	MaxAge string `json:"max_age" binding:"required"`
}

// PurgeExpiredResponse reports how many deletions were discarded.
type PurgeExpiredResponse struct {
	Purged int `json:"purged"`
}

// ManifestFilter binds the query string of GET /manifests.
type ManifestFilter struct {
	EntityType string `form:"entity_type"`
	RootID     string `form:"root_id"`
	DeletedBy  string `form:"deleted_by"`
	Before     string `form:"before"`
	Limit      int    `form:"limit" binding:"min=0,max=500"`
	Offset     int    `form:"offset" binding:"min=0"`
}

// ToFilter converts the query into a cascade.ManifestFilter.
// Before accepts RFC 3339 timestamps.
func (f ManifestFilter) ToFilter() (cascade.ManifestFilter, error) {
	out := cascade.ManifestFilter{
		EntityType: f.EntityType,
		RootID:     f.RootID,
		DeletedBy:  f.DeletedBy,
		Limit:      f.Limit,
		Offset:     f.Offset,
	}
	if f.Before != "" {
		t, err := time.Parse(time.RFC3339, f.Before)
		if err != nil {
			return out, fmt.Errorf("before: %w", err)
		}
		out.Before = t
	}
	return out, nil
}

// ManifestResponse is a manifest plus its derived dependent count.
type ManifestResponse struct {
	cascade.Manifest
	DependentCount int `json:"dependent_count"`
}

// FromManifest creates ManifestResponse from cascade.Manifest.
func FromManifest(m cascade.Manifest) ManifestResponse {
	return ManifestResponse{Manifest: m, DependentCount: m.DependentCount()}
}

// FromManifests converts a listing.
func FromManifests(list []cascade.Manifest) []ManifestResponse {
	out := make([]ManifestResponse, len(list))
	for i, m := range list {
		out[i] = FromManifest(m)
	}
	return out
}

// ParseID turns a path segment into a primary key value. Canonical integers
// become int64; anything else, zero-padded numbers included, stays text.
// Entities with a declared key type convert the value again on lookup.
func ParseID(s string) any {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil && strconv.FormatInt(n, 10) == s {
		return n
	}
	return s
}

// ParseIDs decodes bulk ids given as JSON numbers or strings.
func ParseIDs(raw []json.RawMessage) ([]any, error) {
	ids := make([]any, len(raw))
	for i, r := range raw {
		dec := json.NewDecoder(strings.NewReader(string(r)))
		dec.UseNumber()
		var v any
		if err := dec.Decode(&v); err != nil {
			return nil, fmt.Errorf("ids[%d]: %w", i, err)
		}
		switch t := v.(type) {
		case json.Number:
			n, err := t.Int64()
			if err != nil {
				return nil, fmt.Errorf("ids[%d]: %q is not an integer", i, t.String())
			}
			ids[i] = n
		case string:
			if t == "" {
				return nil, fmt.Errorf("ids[%d]: empty id", i)
			}
			ids[i] = t
		default:
			return nil, fmt.Errorf("ids[%d]: must be a number or a string", i)
		}
	}
	return ids, nil
}
