package gallery

import "github.com/napworks/gallery/internal/models"

// Phase is the sync state of the manager.
type Phase int

const (
	Idle Phase = iota
	Loading
	Live
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Loading:
		return "loading"
	case Live:
		return "live"
	default:
		return "unknown"
	}
}

// CollectionState is the synchronized image list of the current owner.
// Records are ordered by name, then id.
type CollectionState struct {
	OwnerID            string
	Records            []models.ImageRecord
	IsLoading          bool
	SubscriptionActive bool
	Phase              Phase
	// Err holds the *SyncError that ended the last subscription, if any.
	Err error
}

func (s CollectionState) clone() CollectionState {
	if s.Records != nil {
		s.Records = append([]models.ImageRecord(nil), s.Records...)
	}
	return s
}
