package livesync

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/ThanhHiep25/Detal-CRM-sub002/internal/store"
	"github.com/ThanhHiep25/Detal-CRM-sub002/pkg/config"
	"github.com/ThanhHiep25/Detal-CRM-sub002/pkg/interfaces"
	"github.com/ThanhHiep25/Detal-CRM-sub002/pkg/logger"
	"github.com/ThanhHiep25/Detal-CRM-sub002/pkg/monitoring"
)

// MockQueryService is a mock implementation of AppointmentQueryService
type MockQueryService struct {
	mock.Mock
}

func (m *MockQueryService) GetAll(ctx context.Context) (json.RawMessage, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return json.RawMessage(args.String(0)), args.Error(1)
}

func (m *MockQueryService) GetDaySchedule(ctx context.Context, dentistID int64, date string) (json.RawMessage, error) {
	args := m.Called(ctx, dentistID, date)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return json.RawMessage(args.String(0)), args.Error(1)
}

func (m *MockQueryService) GetOne(ctx context.Context, id int64) (json.RawMessage, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return json.RawMessage(args.String(0)), args.Error(1)
}

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

func (s *fakeSession) hasTopic(topic string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.subs[topic]
	return ok
}

func (s *fakeSession) publish(topic, body string) {
	s.mu.Lock()
	sub := s.subs[topic]
	s.mu.Unlock()
	sub.ch <- interfaces.Message{Body: []byte(body)}
}

type fakeDialer struct {
	mu       sync.Mutex
	requests []interfaces.DialRequest
	sessions chan *fakeSession
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{sessions: make(chan *fakeSession, 16)}
}

func (d *fakeDialer) Dial(ctx context.Context, req interfaces.DialRequest) (interfaces.Session, error) {
	d.mu.Lock()
	d.requests = append(d.requests, req)
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

func (d *fakeDialer) lastRequest() interfaces.DialRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.requests[len(d.requests)-1]
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

type staticToken string

func (s staticToken) Token() (string, bool) { return string(s), s != "" }

func testSyncConfig() config.SyncConfig {
	return config.SyncConfig{
		Endpoint:    "ws://clinic.test/ws",
		HeartbeatMS: 10000,
		WatchBuffer: 8,
		Reconnect: config.ReconnectConfig{
			Policy:  config.ReconnectFixed,
			DelayMS: 10,
		},
	}
}

func newTestController(query interfaces.AppointmentQueryService, dialer interfaces.Dialer) *Controller {
	return NewController(Dependencies{
		Config:      testSyncConfig(),
		Query:       query,
		Dialer:      dialer,
		Credentials: staticToken("stored-token"),
		Store:       store.New(),
		Logger:      logger.NewWithOutput("error", io.Discard),
		Metrics:     monitoring.NewSyncMetrics("test", nil),
	})
}

func int64Ptr(v int64) *int64 { return &v }
