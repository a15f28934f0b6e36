package policy_test

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/bastionauth/bastion/internal/models"
	"github.com/bastionauth/bastion/internal/policy"
)

// memLog is an in-memory AttemptLog with the same ordering and matching
// semantics as the SQL backends: ids strictly increase, usernames compare
// case-insensitively, addresses exactly.
type memLog struct {
	mu       sync.Mutex
	nextID   int64
	attempts []*models.LoginAttempt
}

func newMemLog() *memLog {
	return &memLog{}
}

func (m *memLog) matches(a *models.LoginAttempt, key policy.KeyField, value string) bool {
	if key == policy.KeyAddress {
		return a.SourceAddress == value
	}
	return strings.EqualFold(a.Username, value)
}

func (m *memLog) Append(ctx context.Context, attempt *models.LoginAttempt) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	cp := *attempt
	cp.ID = m.nextID
	m.attempts = append(m.attempts, &cp)
	return cp.ID, nil
}

func (m *memLog) MostRecent(ctx context.Context, key policy.KeyField, value string, excludeID int64) (*models.LoginAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := len(m.attempts) - 1; i >= 0; i-- {
		a := m.attempts[i]
		if a.ID == excludeID || !m.matches(a, key, value) {
			continue
		}
		cp := *a
		return &cp, nil
	}
	return nil, nil
}

func (m *memLog) CountLockouts(ctx context.Context, key policy.KeyField, value string, excludeID int64, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, a := range m.attempts {
		if a.ID == excludeID || !m.matches(a, key, value) {
			continue
		}
		if a.Successful || !a.Lockout {
			continue
		}
		if !since.IsZero() && !a.Timestamp.After(since) {
			continue
		}
		count++
	}
	return count, nil
}

func (m *memLog) ClearLockout(ctx context.Context, key policy.KeyField, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, a := range m.attempts {
		if m.matches(a, key, value) && a.Lockout {
			a.Lockout = false
		}
	}
	return nil
}

func (m *memLog) Finalize(ctx context.Context, id int64, successful, lockout bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, a := range m.attempts {
		if a.ID == id {
			a.Successful = successful
			a.Lockout = lockout
			return nil
		}
	}
	return models.ErrNotFound
}

// seed inserts a finalized attempt directly, bypassing the chain.
func (m *memLog) seed(username, address string, ts time.Time, successful, lockout bool) int64 {
	id, _ := m.Append(context.Background(), &models.LoginAttempt{
		Username:      username,
		SourceAddress: address,
		Timestamp:     ts,
		Successful:    successful,
		Lockout:       lockout,
	})
	return id
}

// backdate shifts every stored attempt's timestamp into the past, as if
// the given duration had elapsed since they were recorded.
func (m *memLog) backdate(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, a := range m.attempts {
		a.Timestamp = a.Timestamp.Add(-d)
	}
}

// lockoutCount reports how many stored attempts for the key still carry
// the lockout flag.
func (m *memLog) lockoutCount(key policy.KeyField, value string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, a := range m.attempts {
		if m.matches(a, key, value) && a.Lockout {
			count++
		}
	}
	return count
}

// get returns a copy of the attempt with the given id.
func (m *memLog) get(id int64) *models.LoginAttempt {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, a := range m.attempts {
		if a.ID == id {
			cp := *a
			return &cp
		}
	}
	return nil
}
