package docstore

import "github.com/napworks/gallery/internal/mailbox"

// feed is a Subscription backed by a latest-value mailbox. stop releases the
// producer and runs once, after the mailbox is closed.
type feed struct {
	box  *mailbox.Mailbox[Snapshot]
	stop func()
}

func newFeed(stop func()) *feed {
	return &feed{box: mailbox.New[Snapshot](), stop: stop}
}

func (f *feed) Snapshots() <-chan Snapshot { return f.box.C() }

func (f *feed) publish(s Snapshot) bool { return f.box.Publish(s) }

func (f *feed) Cancel() {
	if f.box.Close() && f.stop != nil {
		f.stop()
	}
}

// Done is closed when the feed is cancelled.
func (f *feed) Done() <-chan struct{} { return f.box.Done() }
