package rules

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/agentworkforce/engagesync/internal/durable"
)

const mirrorKey = "rules"

var ErrRuleNotFound = errors.New("rule not found")

type mirrorState struct {
	Rules     []AutomationRule `json:"rules"`
	Running   bool             `json:"running"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// Mirror is the best-effort local copy of the rule set and run state, used
// when the control plane cannot be reached. It is never authoritative.
type Mirror struct {
	mu      sync.Mutex
	backend durable.Backend
	now     func() time.Time
}

func NewMirror(backend durable.Backend, now func() time.Time) *Mirror {
	if backend == nil {
		backend = durable.NewInMemoryBackend()
	}
	if now == nil {
		now = time.Now
	}
	return &Mirror{backend: backend, now: now}
}

func (m *Mirror) Rules() ([]AutomationRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, err := m.loadLocked()
	if err != nil {
		return nil, err
	}
	return state.Rules, nil
}

func (m *Mirror) Running() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, err := m.loadLocked()
	if err != nil {
		return false, err
	}
	return state.Running, nil
}

func (m *Mirror) Replace(rules []AutomationRule) error {
	return m.update(func(state *mirrorState) error {
		state.Rules = append([]AutomationRule(nil), rules...)
		return nil
	})
}

// Put replaces the rule with the same id or appends it.
func (m *Mirror) Put(rule AutomationRule) error {
	return m.update(func(state *mirrorState) error {
		for i := range state.Rules {
			if state.Rules[i].ID == rule.ID {
				state.Rules[i] = rule
				return nil
			}
		}
		state.Rules = append(state.Rules, rule)
		return nil
	})
}

func (m *Mirror) SetEnabled(id string, enabled bool) (AutomationRule, error) {
	var updated AutomationRule
	err := m.update(func(state *mirrorState) error {
		for i := range state.Rules {
			if state.Rules[i].ID == id {
				now := m.now().UTC()
				state.Rules[i].Enabled = enabled
				state.Rules[i].UpdatedAt = &now
				updated = state.Rules[i]
				return nil
			}
		}
		return fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	})
	return updated, err
}

func (m *Mirror) Delete(id string) error {
	return m.update(func(state *mirrorState) error {
		for i := range state.Rules {
			if state.Rules[i].ID == id {
				state.Rules = append(state.Rules[:i], state.Rules[i+1:]...)
				return nil
			}
		}
		return fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	})
}

func (m *Mirror) SetRunning(running bool) error {
	return m.update(func(state *mirrorState) error {
		state.Running = running
		return nil
	})
}

func (m *Mirror) update(mutate func(state *mirrorState) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, err := m.loadLocked()
	if err != nil {
		return err
	}
	if err := mutate(&state); err != nil {
		return err
	}
	state.UpdatedAt = m.now().UTC()
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	if err := m.backend.Save(mirrorKey, data); err != nil {
		return fmt.Errorf("persist rule mirror: %w", err)
	}
	return nil
}

func (m *Mirror) loadLocked() (mirrorState, error) {
	state := mirrorState{Rules: []AutomationRule{}}
	data, err := m.backend.Load(mirrorKey)
	if err != nil {
		return state, fmt.Errorf("load rule mirror: %w", err)
	}
	if len(data) == 0 {
		return state, nil
	}
	if err := json.Unmarshal(data, &state); err != nil {
		return state, fmt.Errorf("decode rule mirror: %w", err)
	}
	if state.Rules == nil {
		state.Rules = []AutomationRule{}
	}
	return state, nil
}
