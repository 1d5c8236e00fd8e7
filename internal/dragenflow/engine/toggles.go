package engine

import (
	"sync/atomic"

	log "github.com/sirupsen/logrus"
)

// Admin is the narrow surface through which operators change engine behaviour at runtime.
type Admin interface {
	SubmissionsEnabled() bool
	SetSubmissionsEnabled(enabled bool)
}

// Toggles holds the runtime switches. While submissions are disabled the engine still polls and advances
// machines but starts no new scheduler jobs.
type Toggles struct {
	submissionsEnabled atomic.Bool
}

func NewToggles(submissionsEnabled bool) *Toggles {
	t := &Toggles{}
	t.submissionsEnabled.Store(submissionsEnabled)
	return t
}

func (t *Toggles) SubmissionsEnabled() bool {
	return t.submissionsEnabled.Load()
}

func (t *Toggles) SetSubmissionsEnabled(enabled bool) {
	if previous := t.submissionsEnabled.Swap(enabled); previous != enabled {
		log.Infof("Submissions enabled changed from %t to %t", previous, enabled)
	}
}
