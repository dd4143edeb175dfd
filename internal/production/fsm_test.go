package production

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTransitionTable(t *testing.T) {
	require.NoError(t, Transition(StatusDraft, StatusPlanned))
	require.NoError(t, Transition(StatusPlanned, StatusInProgress))
	require.NoError(t, Transition(StatusInProgress, StatusCompleted))
	require.NoError(t, Transition(StatusInProgress, StatusCancelled))
	require.NoError(t, Transition(StatusDraft, StatusCancelled))
}

func TestTransitionRejectsSkippingInProgress(t *testing.T) {
	err := Transition(StatusDraft, StatusCompleted)
	var transition *TransitionError
	require.ErrorAs(t, err, &transition)
	require.Equal(t, StatusDraft, transition.Current)
	require.Equal(t, StatusCompleted, transition.Target)
	require.ElementsMatch(t, []OrderStatus{StatusPlanned, StatusCancelled}, transition.Allowed)
}

func TestTerminalStatesAreFinal(t *testing.T) {
	for _, terminal := range []OrderStatus{StatusCompleted, StatusCancelled} {
		for _, target := range []OrderStatus{StatusDraft, StatusPlanned, StatusInProgress, StatusCompleted, StatusCancelled} {
			require.Error(t, Transition(terminal, target), "%s -> %s must be rejected", terminal, target)
		}
	}
}

func TestTransitionRejectsUnknownState(t *testing.T) {
	require.Error(t, Transition(OrderStatus("ARCHIVED"), StatusPlanned))
}
