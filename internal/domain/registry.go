package domain

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ConsoleOwner is the reserved owner of slot 0.
const ConsoleOwner = "Serial Console"

// PortManager implements PortAllocator over a fixed number of hardware slots.
// Slot 0 always belongs to the console.
type PortManager struct {
	slots  []*PortInfo
	mutex  sync.RWMutex
	logger zerolog.Logger
	now    func() time.Time
}

// NewPortManager creates a manager for count slots including the console.
func NewPortManager(count int, logger zerolog.Logger) *PortManager {
	if count < 1 {
		count = 1
	}
	m := &PortManager{
		slots:  make([]*PortInfo, count),
		logger: logger.With().Str("component", "ports").Logger(),
		now:    time.Now,
	}
	m.slots[0] = &PortInfo{Slot: 0, Owner: ConsoleOwner, Allocated: m.now()}
	return m
}

// Allocate assigns the lowest free slot to owner.
func (m *PortManager) Allocate(owner string) (int, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	for i := 1; i < len(m.slots); i++ {
		if m.slots[i] != nil {
			continue
		}
		m.slots[i] = &PortInfo{Slot: i, Owner: owner, Allocated: m.now()}
		m.logger.Info().Int("slot", i).Str("owner", owner).Msg("Port allocated")
		return i, nil
	}

	m.logger.Error().Str("owner", owner).Msg("Cannot assign another port")
	return 0, fmt.Errorf("%w for %s", ErrPortUnavailable, owner)
}

// Free releases all slots held by owner. The console slot is never released.
func (m *PortManager) Free(owner string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	for i := 1; i < len(m.slots); i++ {
		if m.slots[i] == nil || m.slots[i].Owner != owner {
			continue
		}
		m.slots[i] = nil
		m.logger.Info().Int("slot", i).Str("owner", owner).Msg("Port freed")
	}
}

// Owner returns the owner of slot.
func (m *PortManager) Owner(slot int) (string, bool) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	if slot < 0 || slot >= len(m.slots) || m.slots[slot] == nil {
		return "", false
	}
	return m.slots[slot].Owner, true
}

// Allocations returns all occupied slots ordered by slot number.
func (m *PortManager) Allocations() []PortInfo {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	out := make([]PortInfo, 0, len(m.slots))
	for _, s := range m.slots {
		if s != nil {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slot < out[j].Slot })
	return out
}
