package segment

import (
	"context"
	"log"
	"time"

	"github.com/lodgedb/lodgedb/internal/catalog"
	"github.com/lodgedb/lodgedb/internal/storage"
)

// GarbageCollector removes superseded segment objects. Each export writes a
// fresh segment per partition; only the newest per partition is ever
// restored, so older ones past the TTL are dead weight. The TTL keeps
// recent exports around in case a restore is rolled back to them by hand.
type GarbageCollector struct {
	catalog *catalog.Catalog
	objects storage.ObjectStorage
	ttl     time.Duration
}

func NewGarbageCollector(cat *catalog.Catalog, objects storage.ObjectStorage, ttl time.Duration) *GarbageCollector {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &GarbageCollector{catalog: cat, objects: objects, ttl: ttl}
}

// GCResult holds the outcome of one collection run.
type GCResult struct {
	DeletedSegments []string `json:"deleted_segments"`
	Errors          []string `json:"errors,omitempty"`
}

// Collect deletes every segment of the table that is both superseded by a
// newer segment of the same partition and older than the TTL. The object is
// deleted first, then the catalog record, so a crash between the two leaves
// only a dangling record rather than an unreachable object.
func (gc *GarbageCollector) Collect(ctx context.Context, table string) (GCResult, error) {
	var result GCResult

	recs, err := gc.catalog.Segments(ctx, table)
	if err != nil {
		return result, err
	}

	cutoff := time.Now().Add(-gc.ttl)
	newest := make(map[string]bool)
	for _, rec := range recs {
		// Records are ordered newest first; the first one seen per
		// partition is the live segment.
		if !newest[rec.Partition] {
			newest[rec.Partition] = true
			continue
		}
		if rec.CreatedAt.After(cutoff) {
			continue
		}
		if err := gc.objects.Delete(ctx, rec.ObjectPath); err != nil {
			result.Errors = append(result.Errors, err.Error())
			continue
		}
		if err := gc.catalog.DeleteSegment(ctx, rec.SegmentID); err != nil {
			result.Errors = append(result.Errors, err.Error())
			continue
		}
		result.DeletedSegments = append(result.DeletedSegments, rec.SegmentID)
	}

	if len(result.DeletedSegments) > 0 {
		log.Printf("segment/gc: deleted %d superseded segments for table %s", len(result.DeletedSegments), table)
	}
	return result, nil
}
