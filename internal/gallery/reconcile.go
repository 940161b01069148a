package gallery

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/napworks/gallery/internal/logging"
	"github.com/napworks/gallery/internal/models"
)

// ReconcileReport summarizes an orphan scan for one owner.
type ReconcileReport struct {
	OwnerID string
	Blobs   int
	Records int
	Orphans []string
	Removed []string
	Failed  map[string]error
}

// Reconcile lists owner's blobs that no record references. With remove set
// the orphans are deleted. Blobs of uploads still in flight look orphaned,
// so run it while owner is not uploading.
func Reconcile(ctx context.Context, remote Remote, owner string, remove bool, workers int) (ReconcileReport, error) {
	report := ReconcileReport{OwnerID: owner}
	if owner == "" {
		return report, fmt.Errorf("reconcile: owner is required")
	}
	if workers <= 0 {
		workers = 4
	}

	var (
		blobs   []string
		records []models.ImageRecord
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		blobs, err = remote.ListBlobs(gctx, owner)
		return err
	})
	g.Go(func() error {
		var err error
		records, err = remote.QueryImages(gctx, owner)
		return err
	})
	if err := g.Wait(); err != nil {
		return report, fmt.Errorf("reconcile %s: %w", owner, err)
	}

	referenced := make(map[string]struct{}, len(records))
	for _, rec := range records {
		referenced[rec.StoragePath] = struct{}{}
	}
	for _, path := range blobs {
		if _, ok := referenced[path]; !ok {
			report.Orphans = append(report.Orphans, path)
		}
	}
	sort.Strings(report.Orphans)
	report.Blobs = len(blobs)
	report.Records = len(records)

	if !remove || len(report.Orphans) == 0 {
		return report, nil
	}

	logger := logging.FromContext(ctx)
	var mu sync.Mutex
	report.Failed = make(map[string]error)

	var dg errgroup.Group
	dg.SetLimit(workers)
	for _, path := range report.Orphans {
		dg.Go(func() error {
			err := remote.DeleteBlob(ctx, path)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				logger.WarnContext(ctx, "remove orphaned blob", "path", path, "error", err)
				report.Failed[path] = err
				return nil
			}
			report.Removed = append(report.Removed, path)
			return nil
		})
	}
	_ = dg.Wait()
	sort.Strings(report.Removed)
	return report, nil
}
