// Package archive stores the final settlement report of a fully paid pool
// in an S3-compatible object store.
package archive

import (
	"context"
	"time"

	"github.com/atmx/pool-engine/internal/model"
)

// Archiver persists a settlement report.
type Archiver interface {
	Archive(ctx context.Context, r Report) error
}

// Report is the archived document: the settlement summary plus every bet of
// the pool as it stood when the last winner was paid.
type Report struct {
	Settlement model.Settlement `json:"settlement"`
	Pool       model.Pool       `json:"pool"`
	Bets       []model.Bet      `json:"bets"`
	ArchivedAt time.Time        `json:"archived_at"`
}

// Key is the object key of a pool's report.
func Key(prefix string, s model.Settlement) string {
	return prefix + s.StreamID + "/" + s.Pool + ".json"
}
