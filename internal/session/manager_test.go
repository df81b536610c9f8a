package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"pgregory.net/rapid"

	"voice-platform/internal/calls"
	"voice-platform/internal/store"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *fakeClock { return &fakeClock{t: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// flakyStore fails turn writes while failAppend is set.
type flakyStore struct {
	*store.MemoryStore
	mu         sync.Mutex
	failAppend error
}

func (f *flakyStore) AppendTurnRecord(ctx context.Context, s calls.Session, turn calls.Turn) error {
	f.mu.Lock()
	err := f.failAppend
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.MemoryStore.AppendTurnRecord(ctx, s, turn)
}

func newTestManager(st Store, clock *fakeClock) *Manager {
	return NewManager(st, NewKeyedMutex(), WithClock(clock.Now))
}

func openReq(call string) OpenRequest {
	return OpenRequest{TenantID: "t1", AgentID: "agent-1", Provider: "twilio", ProviderCallID: call}
}

func TestOpen_FindOrCreate(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(store.NewMemoryStore(), newClock())

	s1, created, err := m.Open(ctx, openReq("CA1"))
	if err != nil || !created {
		t.Fatalf("expected new session, got created=%v err=%v", created, err)
	}
	if s1.State != calls.StateInitiated || s1.Direction != calls.DirectionInbound {
		t.Fatalf("unexpected initial session %+v", s1)
	}

	s2, created, err := m.Open(ctx, openReq("CA1"))
	if err != nil || created {
		t.Fatalf("expected existing session, got created=%v err=%v", created, err)
	}
	if s2.ID != s1.ID {
		t.Fatalf("expected same session id %s, got %s", s1.ID, s2.ID)
	}

	other := openReq("CA1")
	other.TenantID = "t2"
	if _, _, err := m.Open(ctx, other); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest for foreign tenant, got %v", err)
	}
	if _, _, err := m.Open(ctx, OpenRequest{TenantID: "t1"}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestOpen_AfterEndStartsFreshSession(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(store.NewMemoryStore(), newClock())

	first, _, _ := m.Open(ctx, openReq("CA1"))
	if _, err := m.End(ctx, first.ID, ""); err != nil {
		t.Fatalf("end: %v", err)
	}
	second, created, err := m.Open(ctx, openReq("CA1"))
	if err != nil || !created || second.ID == first.ID {
		t.Fatalf("expected a new session after end, got %+v created=%v err=%v", second, created, err)
	}
}

func TestOpen_RecoversLiveSessionFromStore(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	clock := newClock()

	before := newTestManager(st, clock)
	s, _, _ := before.Open(ctx, openReq("CA1"))
	if _, err := before.AppendTurn(ctx, s.ID, TurnInput{Speaker: calls.SpeakerAgent, Text: calls.Text("hello")}); err != nil {
		t.Fatalf("append: %v", err)
	}

	after := newTestManager(st, clock)
	got, created, err := after.Open(ctx, openReq("CA1"))
	if err != nil || created {
		t.Fatalf("expected recovered session, got created=%v err=%v", created, err)
	}
	if got.ID != s.ID || len(got.Turns) != 1 {
		t.Fatalf("unexpected recovered session %+v", got)
	}
	n, err := after.AppendTurn(ctx, s.ID, TurnInput{Speaker: calls.SpeakerCounterparty, Text: calls.Text("hi")})
	if err != nil || n != 2 {
		t.Fatalf("expected 2 turns after recovery, got %d err=%v", n, err)
	}
}

func TestResume_RefusesClosedCall(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	m := newTestManager(st, newClock())

	first, created, err := m.Resume(ctx, openReq("CA1"))
	if err != nil || !created {
		t.Fatalf("expected new session, got created=%v err=%v", created, err)
	}
	again, created, err := m.Resume(ctx, openReq("CA1"))
	if err != nil || created || again.ID != first.ID {
		t.Fatalf("expected live session %s, got %s created=%v err=%v", first.ID, again.ID, created, err)
	}
	if _, err := m.End(ctx, first.ID, ""); err != nil {
		t.Fatalf("end: %v", err)
	}

	_, _, err = m.Resume(ctx, openReq("CA1"))
	var te *TerminalError
	if !errors.As(err, &te) || te.SessionID != first.ID || te.State != calls.StateEnded {
		t.Fatalf("expected *TerminalError for %s, got %v", first.ID, err)
	}
	other := openReq("CA1")
	other.TenantID = "t2"
	if _, _, err := m.Resume(ctx, other); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest for foreign tenant, got %v", err)
	}
	if _, err := m.Lookup(ctx, "agent-1", "CA1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected no live session, got %v", err)
	}
}

func TestManagers_SharingStoreSeeEachOthersTurns(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	locks := NewKeyedMutex()
	clock := newClock()
	a := NewManager(st, locks, WithClock(clock.Now))
	b := NewManager(st, locks, WithClock(clock.Now))

	s, _, err := a.Open(ctx, openReq("CA1"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := a.Connect(ctx, s.ID); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if n, err := b.AppendTurn(ctx, s.ID, TurnInput{Speaker: calls.SpeakerCounterparty, Text: calls.Text("hi")}); err != nil || n != 1 {
		t.Fatalf("b append: n=%d err=%v", n, err)
	}
	n, err := a.AppendTurn(ctx, s.ID, TurnInput{Speaker: calls.SpeakerAgent, Text: calls.Text("hello")})
	if err != nil || n != 2 {
		t.Fatalf("a append after b: n=%d err=%v", n, err)
	}

	if _, err := b.End(ctx, s.ID, ""); err != nil {
		t.Fatalf("b end: %v", err)
	}
	if _, err := a.Lookup(ctx, "agent-1", "CA1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected a to see the call closed, got %v", err)
	}
	if _, err := a.AppendTurn(ctx, s.ID, TurnInput{Speaker: calls.SpeakerAgent, Text: calls.Text("late")}); !errors.Is(err, ErrSessionTerminal) {
		t.Fatalf("expected ErrSessionTerminal on a, got %v", err)
	}
	got, _ := st.GetSession(ctx, s.ID)
	if got.State != calls.StateEnded || len(got.Turns) != 2 {
		t.Fatalf("unexpected stored session %s with %d turns", got.State, len(got.Turns))
	}
}

func TestReapStale_LeavesSessionActiveOnAnotherManager(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	locks := NewKeyedMutex()
	clock := newClock()
	a := NewManager(st, locks, WithClock(clock.Now))
	b := NewManager(st, locks, WithClock(clock.Now))

	s, _, _ := a.Open(ctx, openReq("CA1"))
	clock.Advance(10 * time.Minute)
	if _, err := b.AppendTurn(ctx, s.ID, TurnInput{Speaker: calls.SpeakerAgent, Text: calls.Text("still here")}); err != nil {
		t.Fatalf("append: %v", err)
	}
	clock.Advance(6 * time.Minute)

	n, err := a.ReapStale(ctx, 15*time.Minute)
	if err != nil || n != 0 {
		t.Fatalf("expected nothing reaped, got %d err=%v", n, err)
	}
	got, _ := st.GetSession(ctx, s.ID)
	if got.State != calls.StateActive {
		t.Fatalf("expected session to stay active, got %s", got.State)
	}
}

func TestCallIndex_HoldsOneEntryPerLiveCall(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(store.NewMemoryStore(), newClock())

	s1, _, _ := m.Open(ctx, openReq("CA1"))
	s2, _, _ := m.Open(ctx, openReq("CA2"))
	m.mu.RLock()
	if len(m.byCall) != 2 || m.byCall[callKey("agent-1", "CA1")] != s1.ID || m.byCall[callKey("agent-1", "CA2")] != s2.ID {
		t.Fatalf("unexpected index %v", m.byCall)
	}
	m.mu.RUnlock()

	if _, err := m.End(ctx, s1.ID, ""); err != nil {
		t.Fatalf("end: %v", err)
	}
	m.mu.RLock()
	_, stillIndexed := m.byCall[callKey("agent-1", "CA1")]
	m.mu.RUnlock()
	if stillIndexed {
		t.Fatalf("ended call still indexed")
	}
	got, err := m.Lookup(ctx, "agent-1", "CA2")
	if err != nil || got.ID != s2.ID {
		t.Fatalf("expected lookup of %s, got %s err=%v", s2.ID, got.ID, err)
	}
}

func TestAppendTurn_ActivatesAndClampsTimestamps(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	m := newTestManager(store.NewMemoryStore(), clock)
	s, _, _ := m.Open(ctx, openReq("CA1"))

	late := clock.Now().Add(time.Minute)
	if _, err := m.AppendTurn(ctx, s.ID, TurnInput{Speaker: calls.SpeakerAgent, Text: calls.Text("one"), At: late}); err != nil {
		t.Fatalf("append: %v", err)
	}
	// An earlier provider timestamp must not reorder the dialogue.
	if _, err := m.AppendTurn(ctx, s.ID, TurnInput{Speaker: calls.SpeakerCounterparty, AudioRef: "rec/2.wav", At: late.Add(-time.Hour)}); err != nil {
		t.Fatalf("append: %v", err)
	}

	got, err := m.Get(ctx, s.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != calls.StateActive {
		t.Fatalf("expected active, got %s", got.State)
	}
	if !got.Turns[1].AppendedAt.Equal(got.Turns[0].AppendedAt) {
		t.Fatalf("expected clamped timestamp %v, got %v", got.Turns[0].AppendedAt, got.Turns[1].AppendedAt)
	}
	if got.LastActivityAt.Before(late) {
		t.Fatalf("expected last activity >= %v, got %v", late, got.LastActivityAt)
	}

	if _, err := m.AppendTurn(ctx, s.ID, TurnInput{Speaker: "narrator", Text: calls.Text("x")}); !errors.Is(err, ErrInvalidTurn) {
		t.Fatalf("expected ErrInvalidTurn for speaker, got %v", err)
	}
	if _, err := m.AppendTurn(ctx, s.ID, TurnInput{Speaker: calls.SpeakerAgent}); !errors.Is(err, ErrInvalidTurn) {
		t.Fatalf("expected ErrInvalidTurn for empty turn, got %v", err)
	}
}

func TestAppendTurn_StoreFailureLeavesSessionUnchanged(t *testing.T) {
	ctx := context.Background()
	st := &flakyStore{MemoryStore: store.NewMemoryStore()}
	m := newTestManager(st, newClock())
	s, _, _ := m.Open(ctx, openReq("CA1"))

	boom := errors.New("disk full")
	st.failAppend = boom
	if _, err := m.AppendTurn(ctx, s.ID, TurnInput{Speaker: calls.SpeakerAgent, Text: calls.Text("lost")}); !errors.Is(err, boom) {
		t.Fatalf("expected store error, got %v", err)
	}
	got, _ := m.Get(ctx, s.ID)
	if len(got.Turns) != 0 || got.State != calls.StateInitiated {
		t.Fatalf("expected untouched session, got %+v", got)
	}

	st.failAppend = nil
	n, err := m.AppendTurn(ctx, s.ID, TurnInput{Speaker: calls.SpeakerAgent, Text: calls.Text("kept")})
	if err != nil || n != 1 {
		t.Fatalf("expected first turn to land, got n=%d err=%v", n, err)
	}
}

func TestTerminalSessionRejectsEvents(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(store.NewMemoryStore(), newClock())
	s, _, _ := m.Open(ctx, openReq("CA1"))

	ended, err := m.Terminate(ctx, s.ID)
	if err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if ended.State != calls.StateEnded || ended.EndReason != calls.EndReasonAdminTerminated || ended.EndedAt == nil {
		t.Fatalf("unexpected terminated session %+v", ended)
	}

	if _, err := m.AppendTurn(ctx, s.ID, TurnInput{Speaker: calls.SpeakerAgent, Text: calls.Text("late")}); !errors.Is(err, ErrSessionTerminal) {
		t.Fatalf("expected ErrSessionTerminal, got %v", err)
	}
	if _, err := m.Connect(ctx, s.ID); !errors.Is(err, ErrSessionTerminal) {
		t.Fatalf("expected ErrSessionTerminal on connect, got %v", err)
	}
	_, err = m.Terminate(ctx, s.ID)
	var te *TerminalError
	if !errors.As(err, &te) || te.State != calls.StateEnded {
		t.Fatalf("expected *TerminalError with state ended, got %v", err)
	}
	if _, err := m.Get(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFailAndConnect(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(store.NewMemoryStore(), newClock())
	s, _, _ := m.Open(ctx, openReq("CA1"))

	c, err := m.Connect(ctx, s.ID)
	if err != nil || c.State != calls.StateActive {
		t.Fatalf("expected active, got %+v err=%v", c, err)
	}
	if c, err = m.Connect(ctx, s.ID); err != nil || c.State != calls.StateActive {
		t.Fatalf("expected idempotent connect, got %+v err=%v", c, err)
	}
	f, err := m.Fail(ctx, s.ID, "")
	if err != nil || f.State != calls.StateFailed || f.EndReason != calls.EndReasonProviderFailed {
		t.Fatalf("unexpected failed session %+v err=%v", f, err)
	}
}

func TestReapStale_IsIdempotent(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	clock := newClock()
	m := newTestManager(st, clock)

	idle, _, _ := m.Open(ctx, openReq("CA1"))
	busy, _, _ := m.Open(ctx, openReq("CA2"))
	clock.Advance(20 * time.Minute)
	if _, err := m.AppendTurn(ctx, busy.ID, TurnInput{Speaker: calls.SpeakerAgent, Text: calls.Text("still here")}); err != nil {
		t.Fatalf("append: %v", err)
	}

	n, err := m.ReapStale(ctx, 15*time.Minute)
	if err != nil || n != 1 {
		t.Fatalf("expected 1 reaped, got %d err=%v", n, err)
	}
	n, err = m.ReapStale(ctx, 15*time.Minute)
	if err != nil || n != 0 {
		t.Fatalf("expected second pass to reap nothing, got %d err=%v", n, err)
	}

	got, _ := m.Get(ctx, idle.ID)
	if got.State != calls.StateFailed || got.EndReason != calls.EndReasonStale {
		t.Fatalf("expected failed/stale, got %s/%s", got.State, got.EndReason)
	}
	if got, _ := m.Get(ctx, busy.ID); got.State != calls.StateActive {
		t.Fatalf("expected busy session to stay active, got %s", got.State)
	}
	if _, err := m.AppendTurn(ctx, idle.ID, TurnInput{Speaker: calls.SpeakerAgent, Text: calls.Text("x")}); !errors.Is(err, ErrSessionTerminal) {
		t.Fatalf("expected reaped session to be terminal, got %v", err)
	}
}

func TestReapStale_FindsSessionsFromPreviousProcess(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	clock := newClock()

	s, _, _ := newTestManager(st, clock).Open(ctx, openReq("CA1"))
	clock.Advance(time.Hour)

	n, err := newTestManager(st, clock).ReapStale(ctx, 15*time.Minute)
	if err != nil || n != 1 {
		t.Fatalf("expected 1 reaped, got %d err=%v", n, err)
	}
	got, _ := st.GetSession(ctx, s.ID)
	if got.State != calls.StateFailed {
		t.Fatalf("expected failed in store, got %s", got.State)
	}
}

func TestAppendTurn_ConcurrentWritersKeepDenseSequence(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	m := newTestManager(st, newClock())
	s, _, _ := m.Open(ctx, openReq("CA1"))

	const writers = 40
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			speaker := calls.SpeakerAgent
			if i%2 == 1 {
				speaker = calls.SpeakerCounterparty
			}
			if _, err := m.AppendTurn(ctx, s.ID, TurnInput{Speaker: speaker, Text: calls.Text(fmt.Sprint(i))}); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("append: %v", err)
	}

	got, _ := st.GetSession(ctx, s.ID)
	if len(got.Turns) != writers {
		t.Fatalf("expected %d turns, got %d", writers, len(got.Turns))
	}
	for i, turn := range got.Turns {
		if turn.Seq != i {
			t.Fatalf("turn %d has seq %d", i, turn.Seq)
		}
	}
}

func TestFormatForDownstream(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(store.NewMemoryStore(), newClock())
	s, _, _ := m.Open(ctx, openReq("CA1"))

	_, _ = m.AppendTurn(ctx, s.ID, TurnInput{Speaker: calls.SpeakerAgent, Text: calls.Text("How can I help?")})
	_, _ = m.AppendTurn(ctx, s.ID, TurnInput{Speaker: calls.SpeakerCounterparty, AudioRef: "rec/1.wav"})
	_, _ = m.AppendTurn(ctx, s.ID, TurnInput{Speaker: calls.SpeakerCounterparty, Text: calls.Text("My order is late.")})

	got, err := m.FormatForDownstream(ctx, s.ID)
	if err != nil {
		t.Fatalf("format: %v", err)
	}
	want := "agent: How can I help?\ncounterparty: [audio]\ncounterparty: My order is late."
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	m := NewManager(store.NewMemoryStore(), nil, WithReaperInterval(time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	time.Sleep(5 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected nil on shutdown, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("reaper did not stop")
	}
}

func TestTurnOrderingProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		ctx := context.Background()
		clock := newClock()
		m := newTestManager(store.NewMemoryStore(), clock)
		s, _, err := m.Open(ctx, openReq("CA1"))
		if err != nil {
			rt.Fatalf("open: %v", err)
		}

		ops := rapid.IntRange(1, 30).Draw(rt, "ops")
		appended := 0
		for i := 0; i < ops; i++ {
			clock.Advance(time.Duration(rapid.IntRange(0, 5000).Draw(rt, "step_ms")) * time.Millisecond)
			offset := time.Duration(rapid.IntRange(-60, 60).Draw(rt, "offset_s")) * time.Second
			speaker := rapid.SampledFrom([]calls.Speaker{calls.SpeakerAgent, calls.SpeakerCounterparty}).Draw(rt, "speaker")
			in := TurnInput{Speaker: speaker, At: clock.Now().Add(offset)}
			if rapid.Bool().Draw(rt, "audio_only") {
				in.AudioRef = fmt.Sprintf("rec/%d.wav", i)
			} else {
				in.Text = calls.Text(fmt.Sprintf("t%d", i))
			}
			n, err := m.AppendTurn(ctx, s.ID, in)
			if err != nil {
				rt.Fatalf("append %d: %v", i, err)
			}
			appended++
			if n != appended {
				rt.Fatalf("expected count %d, got %d", appended, n)
			}
		}

		got, _ := m.Get(ctx, s.ID)
		for i := range got.Turns {
			if got.Turns[i].Seq != i {
				rt.Fatalf("turn %d has seq %d", i, got.Turns[i].Seq)
			}
			if i > 0 && got.Turns[i].AppendedAt.Before(got.Turns[i-1].AppendedAt) {
				rt.Fatalf("turn %d appended before turn %d", i, i-1)
			}
		}

		if _, err := m.End(ctx, s.ID, ""); err != nil {
			rt.Fatalf("end: %v", err)
		}
		if _, err := m.AppendTurn(ctx, s.ID, TurnInput{Speaker: calls.SpeakerAgent, Text: calls.Text("after")}); !errors.Is(err, ErrSessionTerminal) {
			rt.Fatalf("expected ErrSessionTerminal, got %v", err)
		}
		final, _ := m.Get(ctx, s.ID)
		if len(final.Turns) != appended {
			rt.Fatalf("terminal session changed: %d turns, want %d", len(final.Turns), appended)
		}
	})
}
