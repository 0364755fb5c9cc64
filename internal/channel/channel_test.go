package channel

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ThanhHiep25/Detal-CRM-sub002/pkg/interfaces"
	"github.com/ThanhHiep25/Detal-CRM-sub002/pkg/logger"
	"github.com/ThanhHiep25/Detal-CRM-sub002/pkg/monitoring"
)

type fakeSubscription struct {
	ch chan interfaces.Message
}

func (s *fakeSubscription) C() <-chan interfaces.Message { return s.ch }
func (s *fakeSubscription) Unsubscribe() error          { return nil }

type fakeSession struct {
	mu     sync.Mutex
	subs   map[string]*fakeSubscription
	closed bool
}

func (s *fakeSession) Subscribe(topic string) (interfaces.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub := &fakeSubscription{ch: make(chan interfaces.Message, 16)}
	s.subs[topic] = sub
	return sub, nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSession) publish(topic, body string) {
	s.mu.Lock()
	sub := s.subs[topic]
	s.mu.Unlock()
	sub.ch <- interfaces.Message{Body: []byte(body)}
}

func (s *fakeSession) fail(topic string, err error) {
	s.mu.Lock()
	sub := s.subs[topic]
	s.mu.Unlock()
	sub.ch <- interfaces.Message{Err: err}
}

func (s *fakeSession) topics() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.subs))
	for topic := range s.subs {
		out = append(out, topic)
	}
	return out
}

type fakeDialer struct {
	mu       sync.Mutex
	requests []interfaces.DialRequest
	failures int
	sessions chan *fakeSession
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{sessions: make(chan *fakeSession, 16)}
}

func (d *fakeDialer) Dial(ctx context.Context, req interfaces.DialRequest) (interfaces.Session, error) {
	d.mu.Lock()
	d.requests = append(d.requests, req)
	if d.failures > 0 {
		d.failures--
		d.mu.Unlock()
		return nil, io.ErrUnexpectedEOF
	}
	d.mu.Unlock()

	session := &fakeSession{subs: make(map[string]*fakeSubscription)}
	d.sessions <- session
	return session, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.requests)
}

func (d *fakeDialer) next(t *testing.T) *fakeSession {
	t.Helper()
	select {
	case s := <-d.sessions:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("no session dialed")
		return nil
	}
}

type recorder struct {
	mu   sync.Mutex
	msgs []interfaces.Message
	gens []uint64
}

func (r *recorder) handle(gen uint64, msg interfaces.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	r.gens = append(r.gens, gen)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func newTestChannel(d interfaces.Dialer) *Channel {
	return New(d, logger.NewWithOutput("error", io.Discard), monitoring.NewSyncMetrics("test", nil))
}

func int64Ptr(v int64) *int64 { return &v }

func TestChannel_ConnectsAndDelivers(t *testing.T) {
	dialer := newFakeDialer()
	ch := newTestChannel(dialer)
	rec := &recorder{}

	gen := ch.Start(Options{
		Endpoint:           "ws://clinic.local/ws",
		Token:              "abc",
		DentistID:          int64Ptr(12),
		Heartbeat:          10 * time.Second,
		HeartbeatTolerance: 3 * time.Second,
		Reconnect:          FixedDelay(10 * time.Millisecond),
	}, rec.handle)
	defer ch.Stop()

	session := dialer.next(t)
	require.Eventually(t, ch.Connected, time.Second, 5*time.Millisecond)

	assert.ElementsMatch(t, []string{GlobalTopic, "/topic/appointments/dentist.12"}, session.topics())

	dialer.mu.Lock()
	req := dialer.requests[0]
	dialer.mu.Unlock()
	assert.Equal(t, "Bearer abc", req.Headers["Authorization"])
	assert.Equal(t, 10*time.Second, req.Heartbeat)
	assert.Equal(t, 3*time.Second, req.HeartbeatTolerance)
	assert.Equal(t, "ws://clinic.local/ws", req.Endpoint)

	session.publish(GlobalTopic, `{"id":1}`)
	session.publish("/topic/appointments/dentist.12", `{"id":2}`)

	require.Eventually(t, func() bool { return rec.count() == 2 }, time.Second, 5*time.Millisecond)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, []uint64{gen, gen}, rec.gens)
	topics := []string{rec.msgs[0].Topic, rec.msgs[1].Topic}
	assert.ElementsMatch(t, []string{GlobalTopic, "/topic/appointments/dentist.12"}, topics)
}

func TestChannel_NoTokenNoHeader(t *testing.T) {
	dialer := newFakeDialer()
	ch := newTestChannel(dialer)

	ch.Start(Options{Endpoint: "tcp://localhost:61613"}, func(uint64, interfaces.Message) {})
	defer ch.Stop()

	session := dialer.next(t)
	require.Eventually(t, ch.Connected, time.Second, 5*time.Millisecond)

	dialer.mu.Lock()
	_, hasAuth := dialer.requests[0].Headers["Authorization"]
	dialer.mu.Unlock()
	assert.False(t, hasAuth)
	assert.Equal(t, []string{GlobalTopic}, session.topics())
}

func TestChannel_ReconnectsAfterFailure(t *testing.T) {
	dialer := newFakeDialer()
	ch := newTestChannel(dialer)
	rec := &recorder{}

	var mu sync.Mutex
	var states []State
	ch.OnStateChange(func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	ch.Start(Options{Reconnect: FixedDelay(10 * time.Millisecond)}, rec.handle)
	defer ch.Stop()

	first := dialer.next(t)
	require.Eventually(t, ch.Connected, time.Second, 5*time.Millisecond)

	first.fail(GlobalTopic, errors.New("heartbeat timeout"))

	second := dialer.next(t)
	require.Eventually(t, ch.Connected, time.Second, 5*time.Millisecond)
	assert.True(t, first.isClosed())
	require.Error(t, ch.LastError())
	assert.Contains(t, ch.LastError().Error(), "heartbeat timeout")

	second.publish(GlobalTopic, `{"id":3}`)
	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(states), 5)
	assert.Equal(t, []State{
		StateConnecting, StateConnected,
		StateDisconnected, StateConnecting, StateConnected,
	}, states[:5])
}

func TestChannel_RetriesFailedDials(t *testing.T) {
	dialer := newFakeDialer()
	dialer.failures = 2
	ch := newTestChannel(dialer)

	ch.Start(Options{Reconnect: FixedDelay(5 * time.Millisecond)}, func(uint64, interfaces.Message) {})
	defer ch.Stop()

	dialer.next(t)
	require.Eventually(t, ch.Connected, time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, dialer.dialCount())
}

func TestChannel_StopIsSynchronous(t *testing.T) {
	dialer := newFakeDialer()
	ch := newTestChannel(dialer)
	rec := &recorder{}

	ch.Start(Options{Reconnect: FixedDelay(time.Hour)}, rec.handle)
	session := dialer.next(t)
	require.Eventually(t, ch.Connected, time.Second, 5*time.Millisecond)

	ch.Stop()

	assert.Equal(t, StateTerminated, ch.State())
	assert.False(t, ch.Connected())
	assert.True(t, session.isClosed())

	session.publish(GlobalTopic, `{"id":1}`)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, rec.count())

	assert.NotPanics(t, ch.Stop)
}

func TestChannel_StopDuringBackoff(t *testing.T) {
	dialer := newFakeDialer()
	dialer.failures = 1
	ch := newTestChannel(dialer)

	ch.Start(Options{Reconnect: FixedDelay(time.Hour)}, func(uint64, interfaces.Message) {})
	require.Eventually(t, func() bool { return dialer.dialCount() == 1 && ch.State() == StateDisconnected }, time.Second, 5*time.Millisecond)

	done := make(chan struct{})
	go func() {
		ch.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked on reconnect delay")
	}
	assert.Equal(t, StateTerminated, ch.State())
}

func TestChannel_RestartBumpsGeneration(t *testing.T) {
	dialer := newFakeDialer()
	ch := newTestChannel(dialer)
	rec := &recorder{}

	first := ch.Start(Options{Reconnect: FixedDelay(time.Hour)}, rec.handle)
	old := dialer.next(t)
	require.Eventually(t, ch.Connected, time.Second, 5*time.Millisecond)

	second := ch.Start(Options{Reconnect: FixedDelay(time.Hour)}, rec.handle)
	current := dialer.next(t)
	require.Eventually(t, ch.Connected, time.Second, 5*time.Millisecond)
	defer ch.Stop()

	assert.Greater(t, second, first)
	assert.Equal(t, second, ch.Generation())
	assert.True(t, old.isClosed())

	current.publish(GlobalTopic, `{"id":9}`)
	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
	rec.mu.Lock()
	assert.Equal(t, second, rec.gens[0])
	rec.mu.Unlock()
}

func TestReconnectPolicy(t *testing.T) {
	fixed := FixedDelay(5 * time.Second)
	assert.Equal(t, 5*time.Second, fixed.Next(0))
	assert.Equal(t, 5*time.Second, fixed.Next(10))

	assert.Equal(t, DefaultReconnectDelay, ReconnectPolicy{}.Next(3))

	exp := ExponentialBackoff(time.Second, 8*time.Second)
	exp.random = func() float64 { return 1 }
	assert.Equal(t, time.Second, exp.Next(0))
	assert.Equal(t, 2*time.Second, exp.Next(1))
	assert.Equal(t, 4*time.Second, exp.Next(2))
	assert.Equal(t, 8*time.Second, exp.Next(3))
	assert.Equal(t, 8*time.Second, exp.Next(30))

	exp.random = func() float64 { return 0.5 }
	assert.Equal(t, 3*time.Second, exp.Next(2))

	exp.random = func() float64 { return 0 }
	assert.Equal(t, time.Second, exp.Next(0), "never below the base delay")
	assert.Equal(t, time.Second, exp.Next(1))
	assert.Equal(t, 2*time.Second, exp.Next(2))
	assert.Equal(t, 4*time.Second, exp.Next(30))

	exp.random = nil
	for i := 0; i < 50; i++ {
		d := exp.Next(i)
		assert.GreaterOrEqual(t, d, time.Second)
		assert.LessOrEqual(t, d, 8*time.Second)
	}
}

func TestOptionsTopics(t *testing.T) {
	assert.Equal(t, []string{GlobalTopic}, Options{}.Topics())
	assert.Equal(t, []string{GlobalTopic, "/topic/appointments/dentist.3"}, Options{DentistID: int64Ptr(3)}.Topics())
}
