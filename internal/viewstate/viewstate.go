// Package viewstate models screen navigation as an explicit finite-state
// machine instead of layered per-screen boolean flags.
package viewstate

import (
	"fmt"
	"sync"
)

// State is one screen.
type State string

const (
	Home              State = "home"
	Manage            State = "manage"
	ClassDetail       State = "class_detail"
	Attendance        State = "attendance"
	AttendanceHistory State = "attendance_history"
	Chat              State = "chat"
)

// transitions is the allowed-move table. Chat is reachable from anywhere
// and returns to the state it was opened from.
var transitions = map[State][]State{
	Home:              {Manage, Chat},
	Manage:            {Home, ClassDetail, Chat},
	ClassDetail:       {Manage, Attendance, AttendanceHistory, Chat},
	Attendance:        {ClassDetail, AttendanceHistory, Chat},
	AttendanceHistory: {ClassDetail, Attendance, Chat},
	Chat:              {},
}

// classStates carry an open class id.
var classStates = map[State]bool{
	ClassDetail:       true,
	Attendance:        true,
	AttendanceHistory: true,
}

// Machine tracks the current screen and open class.
type Machine struct {
	mu        sync.Mutex
	state     State
	openClass string
	// chatFrom remembers where chat was opened from
	chatFrom State
}

// New starts at Home.
func New() *Machine {
	return &Machine{state: Home}
}

// State returns the current screen.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// OpenClass returns the class id carried by the current class-family
// screen, or "".
func (m *Machine) OpenClass() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.openClass
}

// Transition moves to the target screen. classID is required when entering
// a class-family screen and ignored otherwise. Illegal moves are rejected.
func (m *Machine) Transition(to State, classID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if to == Chat {
		// re-opening chat while already in it keeps the original origin
		if m.state != Chat {
			m.chatFrom = m.state
		}
		m.state = Chat
		return nil
	}
	if m.state == Chat {
		// chat closes back to where it was opened from, or to an adjacent
		// screen of that origin
		if to != m.chatFrom && !allowed(m.chatFrom, to) {
			return fmt.Errorf("viewstate: cannot move from chat(%s) to %s", m.chatFrom, to)
		}
	} else if !allowed(m.state, to) {
		return fmt.Errorf("viewstate: cannot move from %s to %s", m.state, to)
	}

	if classStates[to] {
		if classID == "" && m.openClass == "" {
			return fmt.Errorf("viewstate: %s requires an open class", to)
		}
		if classID != "" {
			m.openClass = classID
		}
	} else {
		m.openClass = ""
	}
	m.state = to
	return nil
}

func allowed(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
