package session

import "slipstream-vpn/internal/core"

// transitions lists the legal moves of the session state machine.
var transitions = map[core.SessionState][]core.SessionState{
	core.StateDisconnected:  {core.StateConnecting},
	core.StateConnecting:    {core.StateConnected, core.StateError, core.StateDisconnecting},
	core.StateConnected:     {core.StateDisconnecting},
	core.StateDisconnecting: {core.StateDisconnected},
	core.StateError:         {core.StateDisconnected},
}

func canTransition(from, to core.SessionState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
