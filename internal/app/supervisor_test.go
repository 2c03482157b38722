package app

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"

	"funpay-agent/internal/domain/market"
	"funpay-agent/internal/infra/clock"
	"funpay-agent/internal/infra/stores"
)

type fakeSession struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (f *fakeSession) Setup(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.err
}

type fakeEventLoop struct {
	listenFn func(ctx context.Context) error
	resets   int
}

func (f *fakeEventLoop) Listen(ctx context.Context) error { return f.listenFn(ctx) }
func (f *fakeEventLoop) LastActivity() time.Time          { return time.Time{} }
func (f *fakeEventLoop) Reset()                           { f.resets++ }

type recordedNote struct {
	kind stores.NotificationKind
	text string
}

type fakeSupNotifier struct {
	mu    sync.Mutex
	notes []recordedNote
	first chan struct{}
	once  sync.Once
}

func newFakeSupNotifier() *fakeSupNotifier {
	return &fakeSupNotifier{first: make(chan struct{})}
}

func (f *fakeSupNotifier) Notify(kind stores.NotificationKind, text string) {
	f.mu.Lock()
	f.notes = append(f.notes, recordedNote{kind: kind, text: text})
	f.mu.Unlock()
	f.once.Do(func() { close(f.first) })
}

func (f *fakeSupNotifier) all() []recordedNote {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedNote(nil), f.notes...)
}

func TestSupervisorStopsOnCancel(t *testing.T) {
	t.Parallel()

	events := &fakeEventLoop{listenFn: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}}
	s := NewSupervisor(&fakeSession{}, events, nil, nil, clock.System())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run() = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not stop after cancel")
	}
}

func TestSupervisorFatalErrorPropagates(t *testing.T) {
	t.Parallel()

	boom := errors.New("runner exploded")
	events := &fakeEventLoop{listenFn: func(context.Context) error { return boom }}
	s := NewSupervisor(&fakeSession{}, events, nil, nil, clock.System())

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	select {
	case err := <-done:
		if !errors.Is(err, boom) {
			t.Fatalf("Run() = %v, want %v", err, boom)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return fatal error")
	}
}

func TestSupervisorDegradedNotifiesOnce(t *testing.T) {
	t.Parallel()

	events := &fakeEventLoop{listenFn: func(context.Context) error {
		return &market.UnauthorizedError{Status: 403}
	}}
	notify := newFakeSupNotifier()
	s := NewSupervisor(&fakeSession{err: errors.New("still invalid")}, events, nil, notify, clock.System())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	// Дожидаемся однократного уведомления о деградации и останавливаемся:
	// цикл восстановления тикает раз в пять минут.
	select {
	case <-notify.first:
	case <-time.After(5 * time.Second):
		t.Fatal("degradation was not reported")
	}
	if got := s.State(); len(got) < len("degraded") || got[:len("degraded")] != "degraded" {
		t.Fatalf("State() = %q, want degraded", got)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not stop after cancel")
	}

	notes := notify.all()
	if len(notes) != 1 || notes[0].kind != stores.NotifyCritical {
		t.Fatalf("notifications = %+v, want single critical", notes)
	}
}

func TestSupervisorDegradedOnProxyFailures(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name       string
		cause      error
		wantReason string
	}{
		{
			name: "upstream closed connection through proxy",
			cause: &market.RequestFailedError{
				Status: 502, URL: "https://funpay.com/", Body: "RemoteDisconnected",
			},
			wantReason: "proxy-blocked",
		},
		{
			name:       "transport error before status",
			cause:      &market.NetworkError{Err: errors.New("connect: connection refused")},
			wantReason: "proxy-dead",
		},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			events := &fakeEventLoop{listenFn: func(context.Context) error { return tc.cause }}
			notify := newFakeSupNotifier()
			s := NewSupervisor(&fakeSession{err: errors.New("still down")}, events, nil, notify, clock.System())

			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan error, 1)
			go func() { done <- s.Run(ctx) }()

			select {
			case <-notify.first:
			case <-time.After(5 * time.Second):
				t.Fatal("degradation was not reported")
			}
			state := s.State()
			if !strings.Contains(state, "degraded ["+tc.wantReason+"]") {
				t.Fatalf("State() = %q, want reason %q", state, tc.wantReason)
			}

			cancel()
			select {
			case <-done:
			case <-time.After(5 * time.Second):
				t.Fatal("Run() did not stop after cancel")
			}

			notes := notify.all()
			if len(notes) != 1 || notes[0].kind != stores.NotifyCritical {
				t.Fatalf("notifications = %+v, want single critical", notes)
			}
		})
	}
}
