package temporal

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockScheduler is a mock implementation of Scheduler for testing.
type MockScheduler struct {
	mu        sync.Mutex
	schedules map[string]mockSchedule
	triggers  int
	createErr error
	deleteErr error
}

type mockSchedule struct {
	interval time.Duration
	input    SweepInput
}

// NewMockScheduler creates a new MockScheduler.
func NewMockScheduler() *MockScheduler {
	return &MockScheduler{
		schedules: make(map[string]mockSchedule),
	}
}

// UpsertSweepSchedule creates or updates the sweep schedule.
func (m *MockScheduler) UpsertSweepSchedule(ctx context.Context, interval time.Duration, input SweepInput) error {
	if m.createErr != nil {
		return m.createErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.schedules[SweepScheduleID] = mockSchedule{interval: interval, input: input}
	return nil
}

// DeleteSweepSchedule records that the schedule was deleted.
func (m *MockScheduler) DeleteSweepSchedule(ctx context.Context) error {
	if m.deleteErr != nil {
		return m.deleteErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.schedules[SweepScheduleID]; !exists {
		return fmt.Errorf("schedule %q not found", SweepScheduleID)
	}
	delete(m.schedules, SweepScheduleID)
	return nil
}

// TriggerSweep records a manual trigger.
func (m *MockScheduler) TriggerSweep(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.schedules[SweepScheduleID]; !exists {
		return fmt.Errorf("schedule %q not found", SweepScheduleID)
	}
	m.triggers++
	return nil
}

// SetCreateError makes UpsertSweepSchedule return an error.
func (m *MockScheduler) SetCreateError(err error) {
	m.createErr = err
}

// SetDeleteError makes DeleteSweepSchedule return an error.
func (m *MockScheduler) SetDeleteError(err error) {
	m.deleteErr = err
}

// ScheduleExists reports whether the sweep schedule exists.
func (m *MockScheduler) ScheduleExists() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, exists := m.schedules[SweepScheduleID]
	return exists
}

// GetSchedule returns the sweep schedule's interval and input.
func (m *MockScheduler) GetSchedule() (time.Duration, SweepInput, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, exists := m.schedules[SweepScheduleID]
	return s.interval, s.input, exists
}

// TriggerCount returns the number of manual triggers.
func (m *MockScheduler) TriggerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.triggers
}

// ScheduleCount returns the number of schedules.
func (m *MockScheduler) ScheduleCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.schedules)
}

// Reset clears all schedules and errors.
func (m *MockScheduler) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.schedules = make(map[string]mockSchedule)
	m.triggers = 0
	m.createErr = nil
	m.deleteErr = nil
}
