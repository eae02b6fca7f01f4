package manager

import (
	"errors"
	"time"

	"github.com/zaolin/pinguard/internal/delay"
	"github.com/zaolin/pinguard/internal/hashtree"
)

// LeafInfo is the diagnostic view of one credential.
type LeafInfo struct {
	Label        uint64
	AttemptCount uint32
	LastFailed   uint64
	Schedule     delay.Schedule
	Locked       bool
	LockedFor    time.Duration // zero when unlocked or permanently locked
	Permanent    bool
}

// Status is the diagnostic view of the whole store.
type Status struct {
	RootDigest  []byte
	Generation  uint64
	BackendRoot []byte
	InSync      bool
	Capacity    uint64
	Leaves      []LeafInfo
}

// GetLeafData returns the diagnostic view of label. The backend is only
// consulted for its clock, never for the credential itself. Safe to call
// concurrently with mutating operations.
func (m *Manager) GetLeafData(label uint64) (*LeafInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now, err := m.be.GetCurrentTime()
	if err != nil {
		return nil, err
	}
	return m.leafInfo(label, now)
}

func (m *Manager) leafInfo(label uint64, now uint64) (*LeafInfo, error) {
	md, err := m.store.GetLeaf(label)
	if errors.Is(err, hashtree.ErrNotFound) {
		return nil, ErrInvalidLabel
	} else if err != nil {
		return nil, err
	}
	info := &LeafInfo{
		Label:        md.Label,
		AttemptCount: md.AttemptCount,
		LastFailed:   md.LastFailed,
		Schedule:     md.Schedule,
	}
	d, forever := md.Schedule.ForAttempt(md.AttemptCount)
	switch {
	case forever:
		info.Locked = true
		info.Permanent = true
	case d > 0:
		until := md.LastFailed + uint64(d/time.Second)
		if now < until {
			info.Locked = true
			info.LockedFor = time.Duration(until-now) * time.Second
		}
	}
	return info, nil
}

// GetStatus reports the store-wide view. The backend calls (root digest
// and clock) are read-only.
func (m *Manager) GetStatus() (*Status, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st := &Status{
		RootDigest: m.store.RootDigest(),
		Generation: m.store.Generation(),
		Capacity:   m.store.Geometry().MaxLabels(),
	}
	backendRoot, err := m.be.GetCurrentRoot()
	if err != nil {
		return nil, err
	}
	st.BackendRoot = backendRoot
	st.InSync = bytesEqual(st.RootDigest, backendRoot)

	now, err := m.be.GetCurrentTime()
	if err != nil {
		return nil, err
	}
	for _, label := range m.store.Labels() {
		info, err := m.leafInfo(label, now)
		if err != nil {
			return nil, err
		}
		st.Leaves = append(st.Leaves, *info)
	}
	return st, nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
