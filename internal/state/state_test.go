package state

import (
	"sync"
	"testing"
)

func TestRecordAndPort(t *testing.T) {
	s := New()
	if _, ok := s.Port(); ok {
		t.Fatalf("empty state must not report a port")
	}
	s.Record(42, 0)
	if s.PID() != 42 {
		t.Fatalf("pid not recorded: %d", s.PID())
	}
	if _, ok := s.Port(); ok {
		t.Fatalf("port must be unset right after Record")
	}
	if !s.SetPort(42, 8080) {
		t.Fatalf("SetPort for current pid should succeed")
	}
	if p, ok := s.Port(); !ok || p != 8080 {
		t.Fatalf("port = %d,%v want 8080,true", p, ok)
	}
}

func TestSetPortIgnoresStalePID(t *testing.T) {
	s := New()
	s.Record(10, 0)
	if s.SetPort(11, 9000) {
		t.Fatalf("SetPort for foreign pid must be rejected")
	}
	if _, ok := s.PortFor(10); ok {
		t.Fatalf("port should be unset")
	}
	s.SetPort(10, 9000)
	if _, ok := s.PortFor(11); ok {
		t.Fatalf("PortFor must not leak another child's port")
	}
}

func TestRecordDropsOldPort(t *testing.T) {
	s := New()
	s.Record(1, 0)
	s.SetPort(1, 1234)
	s.Record(2, 0)
	if _, ok := s.Port(); ok {
		t.Fatalf("new child must start without a port")
	}
}

func TestClearIf(t *testing.T) {
	s := New()
	s.Record(5, 99)
	s.SetPort(5, 5555)
	if s.ClearIf(6) {
		t.Fatalf("ClearIf with foreign pid must not clear")
	}
	if !s.ClearIf(5) {
		t.Fatalf("ClearIf with current pid should clear")
	}
	snap := s.Snapshot()
	if snap.Running() || snap.Port != 0 || snap.Identity != 0 {
		t.Fatalf("state not fully cleared: %+v", snap)
	}
}

func TestTake(t *testing.T) {
	s := New()
	s.Record(7, 0)
	s.SetPort(7, 7000)
	snap := s.Take()
	if snap.PID != 7 || snap.Port != 7000 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if s.PID() != 0 {
		t.Fatalf("Take must clear the state")
	}
}

func TestConcurrentAccess(t *testing.T) {
	s := New()
	var wg sync.WaitGroup
	for i := 1; i <= 50; i++ {
		wg.Add(1)
		go func(pid int) {
			defer wg.Done()
			s.Record(pid, 0)
			s.SetPort(pid, uint16(pid))
			_, _ = s.Port()
			s.ClearIf(pid)
		}(i)
	}
	wg.Wait()
	if p, ok := s.Port(); ok && s.PID() == 0 {
		t.Fatalf("port %d visible without pid", p)
	}
}
