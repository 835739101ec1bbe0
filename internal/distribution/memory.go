// Package distribution keeps a rank-queryable multiset of join dates per
// platform, one date per user.
package distribution

import (
	"slices"
	"sync"
	"time"

	"github.com/sells-group/firstmover/internal/model"
)

// Index answers rank queries over per-platform join dates.
type Index interface {
	// InsertOrReplace sets the user's date for the platform, replacing any
	// prior contribution in one step.
	InsertOrReplace(platformID, userID string, date time.Time)
	// RankOf returns the number of stored dates strictly earlier than date
	// and the total number of stored dates.
	RankOf(platformID string, date time.Time) model.Rank
}

// Memory is an Index backed by one sorted slice per platform. Writers for
// different platforms never contend; writers for the same platform are
// serialized by that platform's lock.
type Memory struct {
	mu        sync.RWMutex
	platforms map[string]*sortedDates
}

type sortedDates struct {
	mu    sync.RWMutex
	dates []time.Time
	users map[string]time.Time
}

func newSortedDates() *sortedDates {
	return &sortedDates{users: make(map[string]time.Time)}
}

// NewMemory returns an empty index.
func NewMemory() *Memory {
	return &Memory{platforms: make(map[string]*sortedDates)}
}

func (m *Memory) platform(id string) *sortedDates {
	m.mu.RLock()
	d, ok := m.platforms[id]
	m.mu.RUnlock()
	if ok {
		return d
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok = m.platforms[id]; !ok {
		d = newSortedDates()
		m.platforms[id] = d
	}
	return d
}

// InsertOrReplace implements Index.
func (m *Memory) InsertOrReplace(platformID, userID string, date time.Time) {
	d := m.platform(platformID)
	date = model.Day(date)

	d.mu.Lock()
	defer d.mu.Unlock()
	d.set(userID, date)
}

func (d *sortedDates) set(userID string, date time.Time) {
	if prior, ok := d.users[userID]; ok {
		if prior.Equal(date) {
			return
		}
		if i, found := slices.BinarySearchFunc(d.dates, prior, time.Time.Compare); found {
			d.dates = slices.Delete(d.dates, i, i+1)
		}
	}
	i, _ := slices.BinarySearchFunc(d.dates, date, time.Time.Compare)
	d.dates = slices.Insert(d.dates, i, date)
	d.users[userID] = date
}

// RankOf implements Index. An unknown platform has an empty distribution.
func (m *Memory) RankOf(platformID string, date time.Time) model.Rank {
	m.mu.RLock()
	d, ok := m.platforms[platformID]
	m.mu.RUnlock()
	if !ok {
		return model.Rank{}
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	// BinarySearchFunc returns the first position >= date, which is the
	// count of strictly earlier dates.
	earlier, _ := slices.BinarySearchFunc(d.dates, model.Day(date), time.Time.Compare)
	return model.Rank{Earlier: earlier, Total: len(d.dates)}
}

// Len returns the number of users in the platform's distribution.
func (m *Memory) Len(platformID string) int {
	m.mu.RLock()
	d, ok := m.platforms[platformID]
	m.mu.RUnlock()
	if !ok {
		return 0
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.dates)
}

// Replace swaps the platform's whole distribution for the given entries.
// Readers see either the old or the new distribution, never a mix.
func (m *Memory) Replace(platformID string, entries map[string]time.Time) {
	next := newSortedDates()
	next.dates = make([]time.Time, 0, len(entries))
	for user, date := range entries {
		date = model.Day(date)
		next.users[user] = date
		next.dates = append(next.dates, date)
	}
	slices.SortFunc(next.dates, time.Time.Compare)

	m.mu.Lock()
	m.platforms[platformID] = next
	m.mu.Unlock()
}
