package lifecycle

import (
	"maps"
	"slices"
)

// Tracked is a pipeline believed to still need the instance.
type Tracked struct {
	ID      string `json:"id"`
	Project string `json:"project"`
}

// Tracker maps pipeline ids to the project that owns them.  An id is
// present exactly while its most recently observed status is active.
//
// Tracker is not safe for concurrent use; the Controller serializes
// access under its own lock.
type Tracker struct {
	pipelines map[string]string
}

// NewTracker returns an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{pipelines: make(map[string]string)}
}

// Upsert records id as owned by project, overwriting any previous entry.
func (t *Tracker) Upsert(id, project string) {
	t.pipelines[id] = project
}

// Remove drops id and returns how many pipelines remain and whether id
// was tracked.
func (t *Tracker) Remove(id string) (remaining int, existed bool) {
	_, existed = t.pipelines[id]
	delete(t.pipelines, id)
	return len(t.pipelines), existed
}

// Clear drops every entry.
func (t *Tracker) Clear() {
	clear(t.pipelines)
}

// Len returns the number of tracked pipelines.
func (t *Tracker) Len() int {
	return len(t.pipelines)
}

// Project returns the project that owns id.
func (t *Tracker) Project(id string) (string, bool) {
	p, ok := t.pipelines[id]
	return p, ok
}

// Snapshot returns a copy of the tracked pipelines sorted by id.
func (t *Tracker) Snapshot() []Tracked {
	out := make([]Tracked, 0, len(t.pipelines))
	for _, id := range slices.Sorted(maps.Keys(t.pipelines)) {
		out = append(out, Tracked{ID: id, Project: t.pipelines[id]})
	}
	return out
}
