package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransitionHappyPath(t *testing.T) {
	path := []string{StatusReceived, StatusValidated, StatusFundsLocked, StatusSent, StatusConfirmed, StatusActive}
	for i := 0; i < len(path)-1; i++ {
		assert.True(t, CanTransition(path[i], path[i+1]), "%s -> %s", path[i], path[i+1])
	}
}

func TestCanTransitionRetryAndHold(t *testing.T) {
	assert.True(t, CanTransition(StatusSent, StatusSent), "retry keeps the row in SENT")
	assert.True(t, CanTransition(StatusValidated, StatusOnHold))
	assert.True(t, CanTransition(StatusOnHold, StatusValidated))
}

func TestCanTransitionTerminalStatesAdmitNothing(t *testing.T) {
	for _, terminal := range []string{StatusActive, StatusFailed} {
		for _, target := range []string{StatusReceived, StatusValidated, StatusSent, StatusActive, StatusFailed} {
			assert.False(t, CanTransition(terminal, target), "%s -> %s", terminal, target)
		}
		assert.True(t, IsTerminalStatus(terminal))
	}
}

func TestCanTransitionRejectsSkips(t *testing.T) {
	assert.False(t, CanTransition(StatusReceived, StatusSent))
	assert.False(t, CanTransition(StatusValidated, StatusConfirmed))
	assert.False(t, CanTransition(StatusSent, StatusActive))
	assert.False(t, CanTransition(StatusOnHold, StatusFailed))
}

func TestTypePriority(t *testing.T) {
	assert.Equal(t, 1, TypePriority(TypeDeletion))
	assert.Equal(t, 2, TypePriority(TypeModification))
	assert.Equal(t, 3, TypePriority(TypeAddition))
	assert.Equal(t, 4, TypePriority("SOMETHING_ELSE"))
}
