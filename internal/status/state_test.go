package status

import (
	"errors"
	"testing"

	"github.com/cherrygifts/cherrychat/internal/bus"
)

func TestInitialState(t *testing.T) {
	m := NewMachine(nil, "messages:c1")
	if m.Current() != Disconnected {
		t.Errorf("initial state = %s, want DISCONNECTED", m.Current())
	}
}

func TestValidTransitions(t *testing.T) {
	tests := []struct {
		from State
		to   State
	}{
		{Disconnected, Connecting},
		{Connecting, Connected},
		{Connecting, Error},
		{Connecting, Disconnected},
		{Connected, Error},
		{Connected, Disconnected},
		{Error, Connecting},
		{Error, Disconnected},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			m := NewMachine(nil, "")
			walkTo(t, m, tt.from)
			if err := m.Transition(tt.to); err != nil {
				t.Errorf("Transition(%s -> %s) error = %v", tt.from, tt.to, err)
			}
			if m.Current() != tt.to {
				t.Errorf("state = %s, want %s", m.Current(), tt.to)
			}
		})
	}
}

func TestInvalidTransition(t *testing.T) {
	m := NewMachine(nil, "")
	if err := m.Transition(Connected); err == nil {
		t.Error("Transition(DISCONNECTED -> CONNECTED) should fail")
	}
}

func TestTransitionEmitsEvent(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("realtime.", 10)
	defer unsub()

	m := NewMachine(b, "messages:c1")
	if err := m.Transition(Connecting); err != nil {
		t.Fatal(err)
	}

	evt := <-ch
	if evt.Kind != bus.RealtimeStatusChanged {
		t.Errorf("event kind = %q, want %s", evt.Kind, bus.RealtimeStatusChanged)
	}
	change, ok := evt.Payload.(StatusChange)
	if !ok {
		t.Fatalf("payload type = %T, want StatusChange", evt.Payload)
	}
	if change.Name != "messages:c1" || change.From != Disconnected || change.To != Connecting {
		t.Errorf("change = %+v, want messages:c1 DISCONNECTED -> CONNECTING", change)
	}
}

func TestFailRecordsCause(t *testing.T) {
	m := NewMachine(nil, "")
	walkTo(t, m, Connected)

	cause := errors.New("TIMED_OUT")
	if err := m.Fail(cause); err != nil {
		t.Fatal(err)
	}
	if !errors.Is(m.Err(), cause) {
		t.Errorf("Err() = %v, want %v", m.Err(), cause)
	}

	// Resubscribe clears the error once connected again.
	for _, s := range []State{Connecting, Connected} {
		if err := m.Transition(s); err != nil {
			t.Fatal(err)
		}
	}
	if m.Err() != nil {
		t.Errorf("Err() = %v after reconnect, want nil", m.Err())
	}
}

func TestResetFromAnyState(t *testing.T) {
	for _, from := range []State{Disconnected, Connecting, Connected, Error} {
		m := NewMachine(nil, "")
		walkTo(t, m, from)
		m.Reset()
		if m.Current() != Disconnected {
			t.Errorf("Reset from %s: state = %s, want DISCONNECTED", from, m.Current())
		}
	}
}

// walkTo is a helper that transitions the machine to a target state.
func walkTo(t *testing.T, m *Machine, target State) {
	t.Helper()
	paths := map[State][]State{
		Disconnected: {},
		Connecting:   {Connecting},
		Connected:    {Connecting, Connected},
		Error:        {Connecting, Error},
	}
	for _, s := range paths[target] {
		if err := m.Transition(s); err != nil {
			t.Fatalf("walkTo(%s): %v", target, err)
		}
	}
}
