package gallery

import (
	"context"
	"sync"

	"github.com/napworks/gallery/internal/auth"
	"github.com/napworks/gallery/internal/logging"
)

// SessionSource is the observable session the manager follows.
type SessionSource interface {
	Current() auth.Session
	Subscribe(fn func(auth.Session)) func()
}

// FollowSession keeps the manager bound to the signed-in identity: it
// starts syncing the user's images on sign-in, switches owners when the
// identity changes and stops on sign-out. The returned function detaches it.
//
// Notifications only trigger a re-read of source.Current, so a late or
// reordered notification cannot leave the manager on a stale identity.
func (m *Manager) FollowSession(ctx context.Context, source SessionSource) func() {
	logger := logging.FromContext(ctx)

	var mu sync.Mutex
	track := func() {
		mu.Lock()
		defer mu.Unlock()

		s := source.Current()
		if s.IsAuthenticated && s.UserID != "" {
			if err := m.Start(ctx, s.UserID); err != nil {
				logger.WarnContext(ctx, "start image sync", "owner", s.UserID, "error", err)
			}
			return
		}
		m.Stop()
	}

	cancel := source.Subscribe(func(auth.Session) { track() })
	track()
	return cancel
}
