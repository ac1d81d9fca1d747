package domain

import (
	"errors"
	"testing"
)

func TestCheckCommand(t *testing.T) {
	cases := []struct {
		name   string
		phase  Phase
		cmd    Command
		caller string
		want   Phase
		err    error
	}{
		{name: "host starts waiting session", phase: PhaseWaiting, cmd: CmdStart, caller: "host", want: PhaseStarting},
		{name: "host pauses running session", phase: PhaseInProgress, cmd: CmdPause, caller: "host", want: PhasePaused},
		{name: "host resumes paused session", phase: PhasePaused, cmd: CmdResume, caller: "host", want: PhaseInProgress},
		{name: "host ends before start", phase: PhaseWaiting, cmd: CmdEnd, caller: "host", want: PhaseFinished},
		{name: "host cannot end while paused", phase: PhasePaused, cmd: CmdEnd, caller: "host", err: ErrInvalidPhase},
		{name: "host cannot start twice", phase: PhaseStarting, cmd: CmdStart, caller: "host", err: ErrInvalidPhase},
		{name: "nothing leaves finished", phase: PhaseFinished, cmd: CmdResume, caller: "host", err: ErrInvalidPhase},
		// Authority is checked before phase.
		{name: "player pause while waiting is forbidden", phase: PhaseWaiting, cmd: CmdPause, caller: "p1", err: ErrForbidden},
		{name: "unknown command", phase: PhaseWaiting, cmd: Command("skip"), caller: "host", err: ErrInvalid},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := CheckCommand(Session{HostID: "host", Phase: tc.phase}, tc.cmd, tc.caller)
			if tc.err != nil {
				if !errors.Is(err, tc.err) {
					t.Fatalf("expected %v, got %v", tc.err, err)
				}
				return
			}
			if err != nil || got != tc.want {
				t.Fatalf("got %s, %v; want %s", got, err, tc.want)
			}
		})
	}
}

func TestErrorCodesRoundTrip(t *testing.T) {
	for _, err := range []error{ErrNotFound, ErrForbidden, ErrInvalidPhase, ErrConflict, ErrFull, ErrClosed, ErrAlreadyClaimed, ErrInvalid, ErrNetwork, ErrDecode} {
		code := Code(err)
		if got := ErrorForCode(code); got != err {
			t.Fatalf("code %q mapped back to %v, want %v", code, got, err)
		}
	}
	if Code(errors.New("boom")) != "internal" {
		t.Fatal("expected unknown errors to map to internal")
	}
	if ErrorForCode("internal") != nil {
		t.Fatal("expected no sentinel for internal")
	}
}
