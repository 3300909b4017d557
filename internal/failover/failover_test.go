package failover

import (
	"errors"
	"testing"
	"time"
)

func mustSelector(t *testing.T, addrs []string, opts Options) *Selector {
	t.Helper()
	eps, err := ParseEndpoints(addrs)
	if err != nil {
		t.Fatalf("ParseEndpoints: %v", err)
	}
	s, err := NewSelector(eps, opts)
	if err != nil {
		t.Fatalf("NewSelector: %v", err)
	}
	return s
}

func TestParseEndpoint(t *testing.T) {
	tests := []struct {
		in      string
		want    Endpoint
		wantErr bool
	}{
		{in: "radio1:5000", want: Endpoint{Host: "radio1", ControlPort: 5000}},
		{in: "10.0.0.7:5000", want: Endpoint{Host: "10.0.0.7", ControlPort: 5000}},
		{in: "radio1", wantErr: true},
		{in: "radio1:notaport", wantErr: true},
		{in: "radio1:0", wantErr: true},
		{in: "radio1:70000", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseEndpoint(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseEndpoint(%q): expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseEndpoint(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseEndpoint(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestSelector_WalksInOrderAndWraps(t *testing.T) {
	s := mustSelector(t, []string{"a:1", "b:1", "c:1"}, Options{})

	want := []string{"a:1", "b:1", "c:1", "a:1", "b:1"}
	for i, w := range want {
		ep, err := s.Next()
		if err != nil {
			t.Fatalf("Next #%d: %v", i, err)
		}
		if ep.Addr() != w {
			t.Errorf("Next #%d = %s, want %s", i, ep.Addr(), w)
		}
	}
}

func TestSelector_Exhausted(t *testing.T) {
	s := mustSelector(t, []string{"a:1", "b:1"}, Options{MaxCycles: 1})

	for i := 0; i < 2; i++ {
		if _, err := s.Next(); err != nil {
			t.Fatalf("Next #%d: %v", i, err)
		}
	}
	if _, err := s.Next(); !errors.Is(err, ErrExhausted) {
		t.Fatalf("Next after full cycle: err = %v, want ErrExhausted", err)
	}

	// Reset forgives the history and starts over from the top.
	s.Reset()
	ep, err := s.Next()
	if err != nil {
		t.Fatalf("Next after Reset: %v", err)
	}
	if ep.Addr() != "a:1" {
		t.Errorf("Next after Reset = %s, want a:1", ep.Addr())
	}
}

func TestSelector_MinDwellHoldsEndpoint(t *testing.T) {
	s := mustSelector(t, []string{"a:1", "b:1"}, Options{MinDwell: 10 * time.Second})

	clock := time.Unix(1000, 0)
	s.now = func() time.Time { return clock }

	ep, _ := s.Next()
	if ep.Addr() != "a:1" {
		t.Fatalf("first Next = %s, want a:1", ep.Addr())
	}

	// Within the dwell window the selector refuses to advance.
	clock = clock.Add(2 * time.Second)
	ep, _ = s.Next()
	if ep.Addr() != "a:1" {
		t.Errorf("Next inside dwell = %s, want a:1", ep.Addr())
	}

	clock = clock.Add(10 * time.Second)
	ep, _ = s.Next()
	if ep.Addr() != "b:1" {
		t.Errorf("Next after dwell = %s, want b:1", ep.Addr())
	}
}

func TestSelector_CurrentTracksNext(t *testing.T) {
	s := mustSelector(t, []string{"a:1", "b:1"}, Options{})
	ep, _ := s.Next()
	if s.Current() != ep {
		t.Errorf("Current = %v, want %v", s.Current(), ep)
	}
}
