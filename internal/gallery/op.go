package gallery

import (
	"context"
	"sync"

	"github.com/napworks/gallery/internal/models"
)

// Op is the completion handle of an asynchronous upload or delete.
type Op struct {
	done chan struct{}
	once sync.Once

	rec models.ImageRecord
	err error
}

func newOp() *Op {
	return &Op{done: make(chan struct{})}
}

func failedOp(err error) *Op {
	op := newOp()
	op.finish(models.ImageRecord{}, err)
	return op
}

func (o *Op) finish(rec models.ImageRecord, err error) {
	o.once.Do(func() {
		o.rec = rec
		o.err = err
		close(o.done)
	})
}

// Done is closed when the operation completes.
func (o *Op) Done() <-chan struct{} { return o.done }

// Err returns the outcome, or nil while the operation is still running.
func (o *Op) Err() error {
	select {
	case <-o.done:
		return o.err
	default:
		return nil
	}
}

// Record returns the affected record once the operation has completed.
func (o *Op) Record() models.ImageRecord {
	select {
	case <-o.done:
		return o.rec
	default:
		return models.ImageRecord{}
	}
}

// Wait blocks until the operation completes or ctx is done.
func (o *Op) Wait(ctx context.Context) (models.ImageRecord, error) {
	select {
	case <-ctx.Done():
		return models.ImageRecord{}, ctx.Err()
	case <-o.done:
		return o.rec, o.err
	}
}
