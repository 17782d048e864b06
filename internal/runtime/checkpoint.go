package runtime

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	errspkg "github.com/drblury/busflow/internal/runtime/errors"
)

// checkpointTrigger accumulates a message counter and a wall-clock window
// and signals when a partition consumer must commit progress. One trigger is
// shared by every consumer on the same (topic, group); it is mutex-guarded
// because partitions increment it concurrently.
type checkpointTrigger struct {
	after int
	every time.Duration
	clock Clock

	mu       sync.Mutex
	count    int
	deadline time.Time
}

func newCheckpointTrigger(settings CheckpointSettings, clock Clock) *checkpointTrigger {
	t := &checkpointTrigger{
		after: settings.After,
		every: settings.Every,
		clock: clock,
	}
	t.Reset()
	return t
}

// Increment records one processed message and reports whether a checkpoint
// is due: the counter reached After since the last reset, or Every has
// elapsed.
func (t *checkpointTrigger) Increment() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.count++
	if t.after > 0 && t.count >= t.after {
		return true
	}
	if t.every > 0 && !t.clock.Now().Before(t.deadline) {
		return true
	}
	return false
}

// Reset clears the counter and restarts the time window.
func (t *checkpointTrigger) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.count = 0
	if t.every > 0 {
		t.deadline = t.clock.Now().Add(t.every)
	}
}

type topicGroup struct {
	topic string
	group string
}

// checkpointTriggerSet hands out the shared trigger per (topic, group) and
// enforces that every endpoint sharing the pair declares identical
// checkpoint settings.
type checkpointTriggerSet struct {
	clock    Clock
	defaults CheckpointSettings

	mu       sync.Mutex
	settings map[topicGroup]CheckpointSettings
	triggers map[topicGroup]*checkpointTrigger
}

func newCheckpointTriggerSet(defaults CheckpointSettings, clock Clock) *checkpointTriggerSet {
	return &checkpointTriggerSet{
		clock:    clock,
		defaults: defaults,
		settings: make(map[topicGroup]CheckpointSettings),
		triggers: make(map[topicGroup]*checkpointTrigger),
	}
}

func (s *checkpointTriggerSet) effective(settings CheckpointSettings) CheckpointSettings {
	if settings.After == 0 && settings.Every == 0 {
		return s.defaults
	}
	return settings
}

// Validate collects the checkpoint settings declared across endpoints and
// fails when a (topic, group) pair observes more than one configuration.
// The error enumerates every conflicting configuration.
func (s *checkpointTriggerSet) Validate(endpoints []*Endpoint) error {
	observed := make(map[topicGroup]map[CheckpointSettings]struct{})
	for _, ep := range endpoints {
		key := topicGroup{topic: ep.Path, group: ep.Group}
		settings := s.effective(ep.Checkpoint)
		if observed[key] == nil {
			observed[key] = make(map[CheckpointSettings]struct{})
		}
		observed[key][settings] = struct{}{}
	}

	var conflicts []string
	for key, set := range observed {
		if len(set) <= 1 {
			continue
		}
		variants := make([]string, 0, len(set))
		for settings := range set {
			variants = append(variants, fmt.Sprintf("{after: %d, every: %s}", settings.After, settings.Every))
		}
		sort.Strings(variants)
		conflicts = append(conflicts, fmt.Sprintf("topic %q group %q: %s", key.topic, key.group, strings.Join(variants, " vs ")))
	}
	if len(conflicts) > 0 {
		sort.Strings(conflicts)
		return errspkg.Configf("checkpoint settings must be identical per (topic, group): %s", strings.Join(conflicts, "; "))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ep := range endpoints {
		key := topicGroup{topic: ep.Path, group: ep.Group}
		s.settings[key] = s.effective(ep.Checkpoint)
	}
	return nil
}

// TriggerFor returns the shared trigger for a (topic, group), creating it
// on first use.
func (s *checkpointTriggerSet) TriggerFor(topic, group string) *checkpointTrigger {
	key := topicGroup{topic: topic, group: group}

	s.mu.Lock()
	defer s.mu.Unlock()

	if trigger, ok := s.triggers[key]; ok {
		return trigger
	}
	settings, ok := s.settings[key]
	if !ok {
		settings = s.defaults
	}
	trigger := newCheckpointTrigger(settings, s.clock)
	s.triggers[key] = trigger
	return trigger
}
