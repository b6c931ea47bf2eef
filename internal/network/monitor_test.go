package network

import (
	"testing"
	"time"

	"github.com/cherrygifts/cherrychat/internal/bus"
)

func TestSetOnlinePublishesTransitions(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("net.", 10)
	defer unsub()

	m := NewMonitor(b, true, nil)
	m.SetOnline(true)
	m.SetOnline(false)
	m.SetOnline(false)
	m.SetOnline(true)

	var kinds []string
	timeout := time.After(time.Second)
	for len(kinds) < 2 {
		select {
		case evt := <-ch:
			kinds = append(kinds, evt.Kind)
		case <-timeout:
			t.Fatalf("got %v, want two events", kinds)
		}
	}
	if kinds[0] != bus.NetOffline || kinds[1] != bus.NetOnline {
		t.Errorf("events = %v, want [net.offline net.online]", kinds)
	}
	select {
	case evt := <-ch:
		t.Errorf("unexpected extra event %s", evt.Kind)
	case <-time.After(20 * time.Millisecond):
	}
	if !m.IsOnline() {
		t.Error("IsOnline() = false, want true")
	}
}
