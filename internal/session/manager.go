// Package session tracks the traffic statistics of every serial or CAN link
// a protocol controller owns.
package session

import (
	"sort"
	"sync"
	"time"
)

// LinkState represents the current state of a link.
type LinkState int

const (
	LinkStateOpen LinkState = iota
	LinkStateActive
	LinkStateTimeout
	LinkStateClosed
)

// String returns the string representation of the link state.
func (s LinkState) String() string {
	switch s {
	case LinkStateOpen:
		return "open"
	case LinkStateActive:
		return "active"
	case LinkStateTimeout:
		return "timeout"
	case LinkStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON.
func (s LinkState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Link holds the counters of one controller's transport.
type Link struct {
	Name           string
	Protocol       string
	Device         string
	State          LinkState
	OpenedAt       time.Time
	LastActivity   time.Time
	LastRequest    time.Time
	BytesReceived  int64
	BytesSent      int64
	FramesReceived int64
	RequestsSent   int64
	ChecksumErrors int64
	FramingErrors  int64
	Timeouts       int64
	NoiseBytes     int64
	now            func() time.Time
	mutex          sync.RWMutex
}

// NewLink creates a link record.
func NewLink(name, protocol, device string, now func() time.Time) *Link {
	if now == nil {
		now = time.Now
	}
	return &Link{
		Name:     name,
		Protocol: protocol,
		Device:   device,
		State:    LinkStateOpen,
		OpenedAt: now(),
		now:      now,
	}
}

// AddBytesReceived adds to the received byte counter.
func (l *Link) AddBytesReceived(n int) {
	if n <= 0 {
		return
	}
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.BytesReceived += int64(n)
	l.LastActivity = l.now()
}

// AddRequest records a transmitted request of n bytes.
func (l *Link) AddRequest(n int) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.BytesSent += int64(n)
	l.RequestsSent++
	l.LastRequest = l.now()
}

// FrameReceived records a complete, valid frame.
func (l *Link) FrameReceived() {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.FramesReceived++
	l.State = LinkStateActive
	l.LastActivity = l.now()
}

// ChecksumError records a frame discarded for a bad checksum.
func (l *Link) ChecksumError() {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.ChecksumErrors++
}

// FramingError records a frame abandoned by the framer.
func (l *Link) FramingError() {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.FramingErrors++
}

// Timeout records a request that was never answered.
func (l *Link) Timeout() {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.Timeouts++
	l.State = LinkStateTimeout
}

// AddNoise records bytes discarded outside of any frame.
func (l *Link) AddNoise(n int) {
	if n <= 0 {
		return
	}
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.NoiseBytes += int64(n)
}

// SetState updates the link state.
func (l *Link) SetState(state LinkState) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.State = state
}

// GetState returns the link state.
func (l *Link) GetState() LinkState {
	l.mutex.RLock()
	defer l.mutex.RUnlock()
	return l.State
}

// GetStats returns a copy of the link statistics.
func (l *Link) GetStats() LinkStats {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	return LinkStats{
		Name:           l.Name,
		Protocol:       l.Protocol,
		Device:         l.Device,
		State:          l.State,
		OpenedAt:       l.OpenedAt,
		LastActivity:   l.LastActivity,
		LastRequest:    l.LastRequest,
		BytesReceived:  l.BytesReceived,
		BytesSent:      l.BytesSent,
		FramesReceived: l.FramesReceived,
		RequestsSent:   l.RequestsSent,
		ChecksumErrors: l.ChecksumErrors,
		FramingErrors:  l.FramingErrors,
		Timeouts:       l.Timeouts,
		NoiseBytes:     l.NoiseBytes,
	}
}

// IsIdle reports whether nothing was received for longer than timeout.
func (l *Link) IsIdle(timeout time.Duration) bool {
	l.mutex.RLock()
	defer l.mutex.RUnlock()
	last := l.LastActivity
	if last.IsZero() {
		last = l.OpenedAt
	}
	return l.now().Sub(last) > timeout
}

// LinkStats is a snapshot of a link for external consumption.
type LinkStats struct {
	Name           string    `json:"name"`
	Protocol       string    `json:"protocol"`
	Device         string    `json:"device"`
	State          LinkState `json:"state"`
	OpenedAt       time.Time `json:"opened_at"`
	LastActivity   time.Time `json:"last_activity"`
	LastRequest    time.Time `json:"last_request"`
	BytesReceived  int64     `json:"bytes_received"`
	BytesSent      int64     `json:"bytes_sent"`
	FramesReceived int64     `json:"frames_received"`
	RequestsSent   int64     `json:"requests_sent"`
	ChecksumErrors int64     `json:"checksum_errors"`
	FramingErrors  int64     `json:"framing_errors"`
	Timeouts       int64     `json:"timeouts"`
	NoiseBytes     int64     `json:"noise_bytes"`
}

// Manager keeps the links of all running controllers.
type Manager struct {
	links map[string]*Link
	now   func() time.Time
	mutex sync.RWMutex
}

// NewManager creates an empty link manager.
func NewManager(now func() time.Time) *Manager {
	if now == nil {
		now = time.Now
	}
	return &Manager{links: make(map[string]*Link), now: now}
}

// Open registers a new link under name, replacing and closing any previous one.
func (m *Manager) Open(name, protocol, device string) *Link {
	link := NewLink(name, protocol, device, m.now)

	m.mutex.Lock()
	defer m.mutex.Unlock()

	if existing, ok := m.links[name]; ok {
		existing.SetState(LinkStateClosed)
	}
	m.links[name] = link
	return link
}

// Get returns the link registered under name.
func (m *Manager) Get(name string) (*Link, bool) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	link, ok := m.links[name]
	return link, ok
}

// All returns statistics for every link, ordered by name.
func (m *Manager) All() []LinkStats {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	stats := make([]LinkStats, 0, len(m.links))
	for _, link := range m.links {
		stats = append(stats, link.GetStats())
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Name < stats[j].Name })
	return stats
}

// Remove closes and forgets the link registered under name.
func (m *Manager) Remove(name string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if link, ok := m.links[name]; ok {
		link.SetState(LinkStateClosed)
		delete(m.links, name)
	}
}

// Count returns the number of registered links.
func (m *Manager) Count() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.links)
}
