package viewstate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransitionTable(t *testing.T) {
	tests := []struct {
		name string
		path []State
		ok   bool
	}{
		{"home to manage", []State{Manage}, true},
		{"home straight to detail", []State{ClassDetail}, false},
		{"manage to detail", []State{Manage, ClassDetail}, true},
		{"detail to attendance", []State{Manage, ClassDetail, Attendance}, true},
		{"attendance to history", []State{Manage, ClassDetail, Attendance, AttendanceHistory}, true},
		{"history back to detail", []State{Manage, ClassDetail, AttendanceHistory, ClassDetail}, true},
		{"attendance to home", []State{Manage, ClassDetail, Attendance, Home}, false},
		{"detail back to manage", []State{Manage, ClassDetail, Manage}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := New()
			var err error
			for _, to := range tt.path {
				err = m.Transition(to, "c1")
				if err != nil {
					break
				}
			}
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestClassStatesRequireOpenClass(t *testing.T) {
	m := New()
	require.NoError(t, m.Transition(Manage, ""))

	err := m.Transition(ClassDetail, "")
	require.Error(t, err)
	assert.Equal(t, Manage, m.State())

	require.NoError(t, m.Transition(ClassDetail, "c1"))
	assert.Equal(t, "c1", m.OpenClass())

	// moving within the class family keeps the open class
	require.NoError(t, m.Transition(Attendance, ""))
	assert.Equal(t, "c1", m.OpenClass())

	// leaving the class family clears it
	require.NoError(t, m.Transition(ClassDetail, ""))
	require.NoError(t, m.Transition(Manage, ""))
	assert.Empty(t, m.OpenClass())
}

func TestChatOverlay(t *testing.T) {
	m := New()
	require.NoError(t, m.Transition(Manage, ""))
	require.NoError(t, m.Transition(ClassDetail, "c1"))

	// chat opens from anywhere
	require.NoError(t, m.Transition(Chat, ""))
	assert.Equal(t, Chat, m.State())

	// and closes back to where it was opened from
	require.NoError(t, m.Transition(ClassDetail, ""))
	assert.Equal(t, ClassDetail, m.State())
	assert.Equal(t, "c1", m.OpenClass())
}

func TestChatClosesToAdjacentScreen(t *testing.T) {
	m := New()
	require.NoError(t, m.Transition(Manage, ""))
	require.NoError(t, m.Transition(Chat, ""))

	// manage's neighbors are reachable when closing chat
	require.NoError(t, m.Transition(Home, ""))
	assert.Equal(t, Home, m.State())
}

func TestChatDoubleOpenKeepsOrigin(t *testing.T) {
	m := New()
	require.NoError(t, m.Transition(Manage, ""))
	require.NoError(t, m.Transition(Chat, ""))
	require.NoError(t, m.Transition(Chat, ""))

	// the origin survives a repeated open; the machine is never stuck
	require.NoError(t, m.Transition(Manage, ""))
	assert.Equal(t, Manage, m.State())
}

func TestChatRejectsUnrelatedClose(t *testing.T) {
	m := New()
	require.NoError(t, m.Transition(Chat, ""))

	// chat opened from home cannot close into the class family
	assert.Error(t, m.Transition(Attendance, "c1"))
	assert.Equal(t, Chat, m.State())
}
