package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/piremote/piremote/internal/control"
	"github.com/piremote/piremote/internal/failover"
	"github.com/piremote/piremote/pkg/audio"
	"github.com/piremote/piremote/pkg/serialio"
)

// fakeRadio is the far end of a dialed control link: it answers with
// heartbeats so the link establishes, and drains whatever the panel sends.
type fakeRadio struct {
	conn net.Conn
	stop chan struct{}
	once sync.Once
}

func serveFakeRadio(conn net.Conn) *fakeRadio {
	r := &fakeRadio{conn: conn, stop: make(chan struct{})}
	go io.Copy(io.Discard, conn)
	go func() {
		t := time.NewTicker(10 * time.Millisecond)
		defer t.Stop()
		for {
			select {
			case <-r.stop:
				return
			case <-t.C:
				if _, err := conn.Write([]byte{0, 0}); err != nil {
					return
				}
			}
		}
	}()
	return r
}

func (r *fakeRadio) Close() {
	r.once.Do(func() { close(r.stop) })
	r.conn.Close()
}

// stubAudio satisfies AudioLink and lets tests inject pipeline failures.
type stubAudio struct {
	done   chan error
	closed chan struct{}
	once   sync.Once
}

func newStubAudio() *stubAudio {
	return &stubAudio{done: make(chan error, 1), closed: make(chan struct{})}
}

func (a *stubAudio) Done() <-chan error { return a.done }

func (a *stubAudio) Close() error {
	a.once.Do(func() { close(a.closed) })
	return nil
}

func (a *stubAudio) fail(err error) { a.done <- err }

type harness struct {
	sup     *Supervisor
	changes chan StateChange

	mu     sync.Mutex
	radios []*fakeRadio
	audios []*stubAudio

	dialErrs map[string]error // addr → forced dial failure
	dialed   []string
}

func newHarness(t *testing.T, cfg Config, endpoints ...string) *harness {
	t.Helper()
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = time.Second
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 20 * time.Millisecond
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = 10 * time.Millisecond
	}
	if cfg.Backoff == 0 {
		cfg.Backoff = 20 * time.Millisecond
	}
	if cfg.GracePeriod == 0 {
		cfg.GracePeriod = time.Hour
	}
	if cfg.DegradedRatio == 0 {
		cfg.DegradedRatio = 0.5
	}

	eps, err := failover.ParseEndpoints(endpoints)
	if err != nil {
		t.Fatalf("ParseEndpoints: %v", err)
	}
	sel, err := failover.NewSelector(eps, failover.Options{})
	if err != nil {
		t.Fatalf("NewSelector: %v", err)
	}

	h := &harness{
		changes:  make(chan StateChange, 64),
		dialErrs: make(map[string]error),
	}

	openPort := func() (serialio.Port, error) {
		near, _ := serialio.Pipe()
		return near, nil
	}
	openAudio := func(ctx context.Context, ep failover.Endpoint, onLoss func(float64)) (AudioLink, error) {
		a := newStubAudio()
		h.mu.Lock()
		h.audios = append(h.audios, a)
		h.mu.Unlock()
		return a, nil
	}

	h.sup = NewSupervisor(cfg, sel, openPort, openAudio)
	h.sup.dial = func(ctx context.Context, addr string) (*control.Link, error) {
		h.mu.Lock()
		h.dialed = append(h.dialed, addr)
		forced := h.dialErrs[addr]
		h.mu.Unlock()
		if forced != nil {
			return nil, forced
		}
		ours, theirs := net.Pipe()
		radio := serveFakeRadio(theirs)
		h.mu.Lock()
		h.radios = append(h.radios, radio)
		h.mu.Unlock()
		return control.New(ours, control.Options{HeartbeatInterval: cfg.HeartbeatInterval}), nil
	}
	h.sup.Notify(h.changes)
	return h
}

func (h *harness) lastRadio() *fakeRadio {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.radios[len(h.radios)-1]
}

func (h *harness) lastAudio() *stubAudio {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.audios[len(h.audios)-1]
}

func (h *harness) audioCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.audios)
}

func (h *harness) dialedAddrs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.dialed...)
}

// waitState consumes change notifications until one transitions to want.
func (h *harness) waitState(t *testing.T, want State) StateChange {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ch := <-h.changes:
			if ch.To == want {
				return ch
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %v", want)
		}
	}
}

// startRun launches Run and arranges a cleanup that works whether or not
// the test body consumed the result itself.
func startRun(t *testing.T, h *harness) (context.CancelFunc, chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	done := make(chan struct{})
	go func() {
		runErr <- h.sup.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			t.Error("Run did not return after cancel")
		}
	})
	return cancel, runErr
}

func TestSupervisor_AudioOnlyAfterControl(t *testing.T) {
	h := newHarness(t, Config{}, "radio1:5000")
	startRun(t, h)

	// The lifecycle must pass through Connecting and ControlEstablished
	// before any audio exists.
	h.waitState(t, Connecting)
	if n := h.audioCount(); n != 0 {
		t.Fatalf("audio opened before control: %d links", n)
	}
	h.waitState(t, ControlEstablished)
	h.waitState(t, AudioEstablished)
	if n := h.audioCount(); n != 1 {
		t.Fatalf("audio links = %d, want 1", n)
	}
	if !h.sup.Ready() {
		t.Fatal("Ready = false in AudioEstablished")
	}
}

func TestSupervisor_FailoverWalksEndpoints(t *testing.T) {
	h := newHarness(t, Config{}, "a:5000", "b:5000", "c:5000")
	h.dialErrs["a:5000"] = errors.New("connection refused")
	h.dialErrs["b:5000"] = errors.New("connection refused")
	startRun(t, h)

	h.waitState(t, AudioEstablished)

	dialed := h.dialedAddrs()
	want := []string{"a:5000", "b:5000", "c:5000"}
	if len(dialed) != len(want) {
		t.Fatalf("dialed %v, want %v", dialed, want)
	}
	for i := range want {
		if dialed[i] != want[i] {
			t.Fatalf("dialed %v, want %v", dialed, want)
		}
	}
}

func TestSupervisor_RetryDelayPacesAttempts(t *testing.T) {
	h := newHarness(t, Config{RetryDelay: 25 * time.Millisecond}, "a:5000")
	h.dialErrs["a:5000"] = errors.New("connection refused")
	startRun(t, h)

	time.Sleep(250 * time.Millisecond)
	n := len(h.dialedAddrs())
	if n == 0 {
		t.Fatal("no dial attempts")
	}
	// ~10 paced attempts fit in the window; a tight loop would make tens of
	// thousands.
	if n > 15 {
		t.Fatalf("%d dial attempts in 250ms, want paced retries", n)
	}

	// Walking a dead endpoint list is one long Connecting phase.
	if st := h.sup.State(); st != Connecting {
		t.Fatalf("state = %v between attempts, want %v", st, Connecting)
	}
}

func TestSupervisor_ControlDeathReattachesBeforeFailover(t *testing.T) {
	h := newHarness(t, Config{}, "a:5000", "b:5000")
	startRun(t, h)

	h.waitState(t, AudioEstablished)
	firstAudio := h.lastAudio()

	// First control death: one reconnect to the same endpoint, audio
	// untouched.
	h.lastRadio().Close()
	h.waitState(t, Degraded)
	h.waitState(t, AudioEstablished)

	select {
	case <-firstAudio.closed:
		t.Fatal("audio torn down during control reconnect")
	default:
	}
	if n := h.audioCount(); n != 1 {
		t.Fatalf("audio links = %d, want the original to survive", n)
	}
	dialed := h.dialedAddrs()
	if got := dialed[len(dialed)-1]; got != "a:5000" {
		t.Fatalf("reconnected to %s, want a:5000", got)
	}

	// Second death before the grace period tears the session down, audio
	// first, and fails over.
	h.lastRadio().Close()
	h.waitState(t, Closing)
	select {
	case <-firstAudio.closed:
	case <-time.After(time.Second):
		t.Fatal("audio not closed on session teardown")
	}

	h.waitState(t, AudioEstablished)
	dialed = h.dialedAddrs()
	if got := dialed[len(dialed)-1]; got != "b:5000" {
		t.Fatalf("dialed %v, want failover to b:5000", dialed)
	}
}

func TestSupervisor_DegradedRebuildsAudioOnce(t *testing.T) {
	h := newHarness(t, Config{}, "radio1:5000")
	startRun(t, h)

	h.waitState(t, AudioEstablished)
	first := h.lastAudio()

	// Transient pipeline failure: one rebuild, control stays up.
	first.fail(errors.New("receive socket hiccup"))
	h.waitState(t, Degraded)
	h.waitState(t, AudioEstablished)
	if h.audioCount() != 2 {
		t.Fatalf("audio links = %d, want 2 after rebuild", h.audioCount())
	}
	dialsBefore := len(h.dialedAddrs())

	// Second incident before the grace period: the session dies instead of
	// flapping forever.
	h.lastAudio().fail(errors.New("receive socket hiccup"))
	h.waitState(t, Degraded)
	h.waitState(t, Closing)

	// And the loop starts over with a fresh session.
	h.waitState(t, AudioEstablished)
	if len(h.dialedAddrs()) != dialsBefore+1 {
		t.Fatalf("dials = %d, want %d", len(h.dialedAddrs()), dialsBefore+1)
	}
}

func TestSupervisor_DeviceFailureRestartsSession(t *testing.T) {
	h := newHarness(t, Config{}, "radio1:5000")
	_, runErr := startRun(t, h)

	h.waitState(t, AudioEstablished)
	h.lastAudio().fail(fmt.Errorf("playback: %w", audio.ErrDeviceFailure))

	// The session dies without a Degraded detour, but the loop keeps the
	// process alive and comes back with fresh devices.
	h.waitState(t, Closing)
	h.waitState(t, AudioEstablished)
	if h.audioCount() != 2 {
		t.Fatalf("audio links = %d, want a fresh link after device failure", h.audioCount())
	}

	select {
	case err := <-runErr:
		t.Fatalf("Run returned %v, want it to keep retrying", err)
	default:
	}
}

func TestSupervisor_LossRatioDegrades(t *testing.T) {
	h := newHarness(t, Config{DegradedRatio: 0.5}, "radio1:5000")

	var onLoss func(float64)
	h.sup.openAudio = func(ctx context.Context, ep failover.Endpoint, cb func(float64)) (AudioLink, error) {
		onLoss = cb
		a := newStubAudio()
		h.mu.Lock()
		h.audios = append(h.audios, a)
		h.mu.Unlock()
		return a, nil
	}
	startRun(t, h)

	h.waitState(t, AudioEstablished)

	// Below the threshold nothing happens.
	onLoss(0.2)
	select {
	case ch := <-h.changes:
		if ch.To == Degraded {
			t.Fatal("degraded below loss threshold")
		}
	case <-time.After(50 * time.Millisecond):
	}

	onLoss(0.8)
	h.waitState(t, Degraded)
	h.waitState(t, AudioEstablished)
}

func TestSupervisor_GraceResetsFailoverHistory(t *testing.T) {
	h := newHarness(t, Config{GracePeriod: 100 * time.Millisecond}, "a:5000", "b:5000")
	h.dialErrs["a:5000"] = errors.New("connection refused")
	startRun(t, h)

	// The session lands on b after a refuses.
	h.waitState(t, AudioEstablished)
	if got := h.sup.selector.Current().Addr(); got != "b:5000" {
		t.Fatalf("selector on %s, want b:5000", got)
	}

	h.mu.Lock()
	delete(h.dialErrs, "a:5000")
	h.mu.Unlock()

	// Stay healthy past the grace period so the selector forgets the walk.
	time.Sleep(250 * time.Millisecond)

	// Kill control twice: one in-place reconnect, then teardown. The next
	// session must start from the first endpoint again.
	h.lastRadio().Close()
	h.waitState(t, Degraded)
	h.waitState(t, AudioEstablished)
	h.lastRadio().Close()
	h.waitState(t, Closing)

	h.waitState(t, AudioEstablished)
	dialed := h.dialedAddrs()
	if got := dialed[len(dialed)-1]; got != "a:5000" {
		t.Fatalf("dialed %v, want restart from a:5000 after grace reset", dialed)
	}
}

func TestSupervisor_ExhaustionBacksOffThenRetries(t *testing.T) {
	h := newHarness(t, Config{Backoff: 30 * time.Millisecond}, "a:5000")
	h.dialErrs["a:5000"] = errors.New("connection refused")

	eps, _ := failover.ParseEndpoints([]string{"a:5000"})
	sel, err := failover.NewSelector(eps, failover.Options{MaxCycles: 1})
	if err != nil {
		t.Fatalf("NewSelector: %v", err)
	}
	h.sup.selector = sel

	startRun(t, h)

	// Exhaustion is announced to observers so the power policy can react.
	deadline := time.After(3 * time.Second)
	for {
		var ch StateChange
		select {
		case ch = <-h.changes:
		case <-deadline:
			t.Fatal("exhaustion never reported")
		}
		if errors.Is(ch.Err, failover.ErrExhausted) {
			break
		}
	}

	// Once the endpoint recovers, the backed-off loop finds it again.
	h.mu.Lock()
	delete(h.dialErrs, "a:5000")
	h.mu.Unlock()
	h.waitState(t, AudioEstablished)
}

func TestSupervisor_CancelStopsCleanly(t *testing.T) {
	h := newHarness(t, Config{}, "radio1:5000")
	cancel, runErr := startRun(t, h)

	h.waitState(t, AudioEstablished)
	a := h.lastAudio()
	cancel()

	select {
	case err := <-runErr:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run = %v, want context.Canceled", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return on cancel")
	}
	select {
	case <-a.closed:
	case <-time.After(time.Second):
		t.Fatal("audio not closed on cancel")
	}
}
