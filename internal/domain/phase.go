package domain

import "fmt"

// Phase is the session lifecycle state.
type Phase string

const (
	PhaseWaiting    Phase = "waiting"
	PhaseStarting   Phase = "starting"
	PhaseInProgress Phase = "in_progress"
	PhasePaused     Phase = "paused"
	PhaseFinished   Phase = "finished"
)

// Terminal reports whether no further transitions are possible.
func (p Phase) Terminal() bool {
	return p == PhaseFinished
}

// Command is a host-triggered lifecycle transition.
type Command string

const (
	CmdStart  Command = "start"
	CmdPause  Command = "pause"
	CmdResume Command = "resume"
	CmdEnd    Command = "end"
)

var commandTransitions = map[Command]struct {
	from []Phase
	to   Phase
}{
	CmdStart:  {from: []Phase{PhaseWaiting}, to: PhaseStarting},
	CmdPause:  {from: []Phase{PhaseInProgress}, to: PhasePaused},
	CmdResume: {from: []Phase{PhasePaused}, to: PhaseInProgress},
	CmdEnd:    {from: []Phase{PhaseWaiting, PhaseInProgress}, to: PhaseFinished},
}

// Target returns the phase cmd moves to from the given phase.
func (c Command) Target(from Phase) (Phase, error) {
	t, ok := commandTransitions[c]
	if !ok {
		return "", fmt.Errorf("%w: unknown command %q", ErrInvalid, c)
	}
	for _, p := range t.from {
		if p == from {
			return t.to, nil
		}
	}
	return "", fmt.Errorf("%w: cannot %s from %s", ErrInvalidPhase, c, from)
}

// CheckCommand validates a host command against the session: authority first, then phase.
func CheckCommand(s Session, cmd Command, callerID string) (Phase, error) {
	if !s.IsHost(callerID) {
		return "", fmt.Errorf("%w: %s requires the host", ErrForbidden, cmd)
	}
	return cmd.Target(s.Phase)
}
