package livesync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ThanhHiep25/Detal-CRM-sub002/internal/channel"
	"github.com/ThanhHiep25/Detal-CRM-sub002/pkg/interfaces"
	"github.com/ThanhHiep25/Detal-CRM-sub002/pkg/logger"
	"github.com/ThanhHiep25/Detal-CRM-sub002/pkg/types"
)

func statusOf(t *testing.T, c *Controller, id int64) string {
	t.Helper()
	record, ok := c.Get(id)
	if !ok {
		return ""
	}
	return record.Status
}

func TestController_EndToEnd(t *testing.T) {
	query := new(MockQueryService)
	query.On("GetAll", mock.Anything).
		Return(`[{"id":1,"scheduledTime":"2025-01-01T08:00:00Z","status":"confirmed"}]`, nil)
	dialer := newFakeDialer()
	c := newTestController(query, dialer)
	defer c.Deactivate()

	require.NoError(t, c.Activate(context.Background(), ActivateOptions{}))

	model := c.ReadModel()
	require.Len(t, model, 1)
	assert.Equal(t, "confirmed", model[0].Status)

	session := dialer.next(t)
	require.Eventually(t, c.Connected, time.Second, 5*time.Millisecond)

	session.publish(channel.GlobalTopic, `{"id":1,"status":"checked_in"}`)

	require.Eventually(t, func() bool { return statusOf(t, c, 1) == "checked_in" }, time.Second, 5*time.Millisecond)
	model = c.ReadModel()
	require.Len(t, model, 1)
	assert.Equal(t, "2025-01-01T08:00:00Z", model[0].ScheduledTime)

	req := dialer.lastRequest()
	assert.Equal(t, "Bearer stored-token", req.Headers["Authorization"])
	assert.Equal(t, 10*time.Second, req.Heartbeat)
	assert.Equal(t, 10*time.Second, req.HeartbeatTolerance)
	assert.Equal(t, "ws://clinic.test/ws", req.Endpoint)
}

func TestController_DeactivationHaltsWrites(t *testing.T) {
	query := new(MockQueryService)
	query.On("GetAll", mock.Anything).Return(`{"success":true,"data":[{"id":1,"status":"confirmed"}]}`, nil)
	dialer := newFakeDialer()
	c := newTestController(query, dialer)

	require.NoError(t, c.Activate(context.Background(), ActivateOptions{}))
	session := dialer.next(t)
	require.Eventually(t, c.Connected, time.Second, 5*time.Millisecond)

	staleHandler := c.handler(c.generation.Load(), "stale")

	c.Deactivate()
	assert.False(t, c.Connected())
	assert.False(t, c.Active())
	assert.True(t, session.isClosed())

	version := c.Version()
	session.publish(channel.GlobalTopic, `{"id":1,"status":"cancelled"}`)
	staleHandler(0, interfaces.Message{Topic: channel.GlobalTopic, Body: []byte(`{"id":1,"status":"no_show"}`)})
	staleHandler(0, interfaces.Message{Topic: channel.GlobalTopic, Body: []byte(`{"id":2}`)})
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, version, c.Version())
	assert.Equal(t, "confirmed", statusOf(t, c, 1))
	assert.Len(t, c.ReadModel(), 1, "read model stays frozen after deactivation")
}

func TestController_EnvelopeTolerance(t *testing.T) {
	payloads := map[string]string{
		"envelope": `{"success":true,"data":[{"id":2,"scheduledTime":"2025-01-01T09:00:00Z"},{"id":1,"scheduledTime":"2025-01-01T08:00:00Z"}]}`,
		"bare":     `[{"id":2,"scheduledTime":"2025-01-01T09:00:00Z"},{"id":1,"scheduledTime":"2025-01-01T08:00:00Z"}]`,
	}

	for name, payload := range payloads {
		t.Run(name, func(t *testing.T) {
			query := new(MockQueryService)
			query.On("GetAll", mock.Anything).Return(payload, nil)
			c := newTestController(query, newFakeDialer())
			defer c.Deactivate()

			require.NoError(t, c.Activate(context.Background(), ActivateOptions{}))

			model := c.ReadModel()
			require.Len(t, model, 2)
			assert.Equal(t, int64(1), model[0].ID)
			assert.Equal(t, int64(2), model[1].ID)
		})
	}
}

func TestController_SnapshotBeforeChannel(t *testing.T) {
	dialer := newFakeDialer()
	query := new(MockQueryService)
	query.On("GetAll", mock.Anything).
		Run(func(args mock.Arguments) {
			assert.Equal(t, 0, dialer.dialCount(), "channel must not start before the snapshot completes")
		}).
		Return(`[]`, nil)
	c := newTestController(query, dialer)
	defer c.Deactivate()

	require.NoError(t, c.Activate(context.Background(), ActivateOptions{}))
	dialer.next(t)
	query.AssertExpectations(t)
}

func TestController_SnapshotFailureIsSwallowed(t *testing.T) {
	query := new(MockQueryService)
	query.On("GetAll", mock.Anything).Return(nil, errors.New("connection refused"))
	dialer := newFakeDialer()
	c := newTestController(query, dialer)
	defer c.Deactivate()

	require.NoError(t, c.Activate(context.Background(), ActivateOptions{}))

	assert.Empty(t, c.ReadModel())
	var syncErr *types.SyncError
	require.ErrorAs(t, c.LastError(), &syncErr)
	assert.Equal(t, types.ErrorTypeSnapshot, syncErr.Type)
	assert.Contains(t, c.Status().LastError, "connection refused")

	dialer.next(t)
	require.Eventually(t, c.Connected, time.Second, 5*time.Millisecond)
}

func TestController_ReactivationTearsDownPreviousChannel(t *testing.T) {
	query := new(MockQueryService)
	query.On("GetAll", mock.Anything).Return(`[]`, nil)
	query.On("GetDaySchedule", mock.Anything, int64(5), "2025-01-01").
		Return(`{"success":true,"data":[{"id":10,"dentistId":5}]}`, nil)
	dialer := newFakeDialer()
	c := newTestController(query, dialer)
	defer c.Deactivate()

	require.NoError(t, c.Activate(context.Background(), ActivateOptions{}))
	first := dialer.next(t)
	require.Eventually(t, c.Connected, time.Second, 5*time.Millisecond)

	require.NoError(t, c.Activate(context.Background(), ActivateOptions{}))
	assert.Equal(t, 1, dialer.dialCount(), "same options are a no-op")

	opts := ActivateOptions{DentistID: int64Ptr(5), Date: "2025-01-01", Token: "explicit"}
	require.NoError(t, c.Activate(context.Background(), opts))
	second := dialer.next(t)
	require.Eventually(t, c.Connected, time.Second, 5*time.Millisecond)

	assert.True(t, first.isClosed())
	assert.True(t, second.hasTopic(channel.GlobalTopic))
	assert.True(t, second.hasTopic("/topic/appointments/dentist.5"))
	assert.Equal(t, "Bearer explicit", dialer.lastRequest().Headers["Authorization"])

	_, ok := c.Get(10)
	assert.True(t, ok)
	query.AssertNumberOfCalls(t, "GetAll", 1)
	query.AssertNumberOfCalls(t, "GetDaySchedule", 1)

	status := c.Status()
	assert.True(t, status.Active)
	require.NotNil(t, status.DentistID)
	assert.Equal(t, int64(5), *status.DentistID)
	assert.Equal(t, "2025-01-01", status.Date)
	assert.NotEmpty(t, status.SessionID)
	assert.NotNil(t, status.ActivatedAt)
}

func TestController_ActivateValidation(t *testing.T) {
	tests := []struct {
		name string
		opts ActivateOptions
	}{
		{"bad date", ActivateOptions{Date: "01/02/2025"}},
		{"non-positive dentist", ActivateOptions{DentistID: int64Ptr(0)}},
		{"http endpoint", ActivateOptions{Endpoint: "http://clinic.test/ws"}},
		{"relative endpoint", ActivateOptions{Endpoint: "/ws"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			query := new(MockQueryService)
			dialer := newFakeDialer()
			c := newTestController(query, dialer)

			err := c.Activate(context.Background(), tt.opts)

			var syncErr *types.SyncError
			require.ErrorAs(t, err, &syncErr)
			assert.Equal(t, types.ErrorTypeValidation, syncErr.Type)
			assert.False(t, c.Active())
			assert.Equal(t, 0, dialer.dialCount())
			query.AssertNotCalled(t, "GetAll", mock.Anything)
		})
	}
}

func TestController_MalformedMessagesAreDropped(t *testing.T) {
	query := new(MockQueryService)
	query.On("GetAll", mock.Anything).Return(`[]`, nil)
	dialer := newFakeDialer()
	c := newTestController(query, dialer)
	defer c.Deactivate()

	require.NoError(t, c.Activate(context.Background(), ActivateOptions{}))
	session := dialer.next(t)
	require.Eventually(t, c.Connected, time.Second, 5*time.Millisecond)

	session.publish(channel.GlobalTopic, `not json`)
	session.publish(channel.GlobalTopic, `{"foo":"bar"}`)
	session.publish(channel.GlobalTopic, `{"id":3,"customerName":"Lan"}`)

	require.Eventually(t, func() bool { return len(c.ReadModel()) == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, c.Connected())
	assert.Equal(t, 1, dialer.dialCount())

	var syncErr *types.SyncError
	require.ErrorAs(t, c.LastError(), &syncErr)
	assert.Equal(t, types.ErrorTypeMalformed, syncErr.Type)
}

func TestController_ForceRefreshOne(t *testing.T) {
	query := new(MockQueryService)
	query.On("GetAll", mock.Anything).Return(`[{"id":4,"customerName":"Hoa","status":"pending"}]`, nil)
	query.On("GetOne", mock.Anything, int64(4)).Return(`{"success":true,"data":{"id":4,"status":"confirmed"}}`, nil)
	query.On("GetOne", mock.Anything, int64(5)).Return(nil, errors.New("timeout"))
	query.On("GetOne", mock.Anything, int64(6)).Return(`{"id":7}`, nil)
	c := newTestController(query, newFakeDialer())

	_, err := c.ForceRefreshOne(context.Background(), 4)
	var syncErr *types.SyncError
	require.ErrorAs(t, err, &syncErr)
	assert.Equal(t, types.ErrCodeInactive, syncErr.Code)

	require.NoError(t, c.Activate(context.Background(), ActivateOptions{}))
	defer c.Deactivate()

	record, err := c.ForceRefreshOne(context.Background(), 4)
	require.NoError(t, err)
	assert.Equal(t, "confirmed", record.Status)
	require.NotNil(t, record.CustomerName)
	assert.Equal(t, "Hoa", *record.CustomerName)
	assert.Equal(t, "confirmed", statusOf(t, c, 4))

	version := c.Version()
	_, err = c.ForceRefreshOne(context.Background(), 5)
	require.Error(t, err)
	assert.Equal(t, version, c.Version())
	assert.Equal(t, err, c.LastError())

	_, err = c.ForceRefreshOne(context.Background(), 6)
	require.Error(t, err)
	_, ok := c.Get(7)
	assert.False(t, ok)

	_, err = c.ForceRefreshOne(context.Background(), 0)
	require.ErrorAs(t, err, &syncErr)
	assert.Equal(t, types.ErrorTypeValidation, syncErr.Type)
}

func TestController_RefreshDuringSnapshotIsRejected(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	query := new(MockQueryService)
	query.On("GetAll", mock.Anything).
		Run(func(mock.Arguments) {
			close(started)
			<-release
		}).
		Return(`[{"id":4,"status":"pending"}]`, nil)
	query.On("GetOne", mock.Anything, int64(4)).Return(`{"id":4,"status":"checked_in"}`, nil)
	c := newTestController(query, newFakeDialer())
	defer c.Deactivate()

	activated := make(chan error, 1)
	go func() { activated <- c.Activate(context.Background(), ActivateOptions{}) }()
	<-started

	_, err := c.ForceRefreshOne(context.Background(), 4)
	var syncErr *types.SyncError
	require.ErrorAs(t, err, &syncErr)
	assert.Equal(t, types.ErrCodeInactive, syncErr.Code)
	query.AssertNotCalled(t, "GetOne", mock.Anything, int64(4))

	close(release)
	require.NoError(t, <-activated)
	assert.Equal(t, "pending", statusOf(t, c, 4))

	record, err := c.ForceRefreshOne(context.Background(), 4)
	require.NoError(t, err)
	assert.Equal(t, "checked_in", record.Status)
	assert.Equal(t, "checked_in", statusOf(t, c, 4))
}

func TestController_RefreshInFlightAcrossDeactivateDoesNotWrite(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	query := new(MockQueryService)
	query.On("GetAll", mock.Anything).Return(`[{"id":4,"status":"pending"}]`, nil)
	query.On("GetOne", mock.Anything, int64(4)).
		Run(func(mock.Arguments) {
			close(started)
			<-release
		}).
		Return(`{"id":4,"status":"checked_in"}`, nil)
	c := newTestController(query, newFakeDialer())
	require.NoError(t, c.Activate(context.Background(), ActivateOptions{}))

	refreshed := make(chan error, 1)
	go func() {
		_, err := c.ForceRefreshOne(context.Background(), 4)
		refreshed <- err
	}()
	<-started

	c.Deactivate()
	version := c.Version()
	close(release)

	err := <-refreshed
	var syncErr *types.SyncError
	require.ErrorAs(t, err, &syncErr)
	assert.Equal(t, types.ErrCodeInactive, syncErr.Code)
	assert.Equal(t, "pending", statusOf(t, c, 4))
	assert.Equal(t, version, c.Version())
}

func TestController_SnapshotLogsPerformance(t *testing.T) {
	var logs bytes.Buffer
	query := new(MockQueryService)
	query.On("GetAll", mock.Anything).Return(`[{"id":1}]`, nil)
	c := NewController(Dependencies{
		Config: testSyncConfig(),
		Query:  query,
		Dialer: newFakeDialer(),
		Logger: logger.NewWithOutput("info", &logs),
	})
	defer c.Deactivate()

	require.NoError(t, c.Activate(context.Background(), ActivateOptions{}))

	var found bool
	for _, line := range strings.Split(strings.TrimSpace(logs.String()), "\n") {
		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		if entry["performance"] == true {
			found = true
			assert.Equal(t, "snapshot_load", entry["operation"])
			assert.Contains(t, entry, "duration_ms")
		}
	}
	assert.True(t, found)
}

func TestController_DeactivateIsSafeInAnyState(t *testing.T) {
	c := newTestController(new(MockQueryService), newFakeDialer())

	assert.NotPanics(t, func() {
		c.Deactivate()
		c.Deactivate()
	})
	assert.False(t, c.Active())
	assert.Equal(t, "disconnected", c.Status().State)
}

func TestController_Watch(t *testing.T) {
	query := new(MockQueryService)
	query.On("GetAll", mock.Anything).Return(`[{"id":1}]`, nil)
	c := newTestController(query, newFakeDialer())
	defer c.Deactivate()

	id, changes := c.Watch(0)
	defer c.Unwatch(id)

	require.NoError(t, c.Activate(context.Background(), ActivateOptions{}))

	select {
	case change := <-changes:
		assert.Equal(t, 1, change.Count)
	case <-time.After(time.Second):
		t.Fatal("no change notification after snapshot seed")
	}
}
