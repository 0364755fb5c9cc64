// Package channel keeps a topic subscription to the appointment event source
// alive: it connects, subscribes, forwards messages and reconnects after
// failures until stopped.
package channel

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThanhHiep25/Detal-CRM-sub002/pkg/interfaces"
	"github.com/ThanhHiep25/Detal-CRM-sub002/pkg/logger"
	"github.com/ThanhHiep25/Detal-CRM-sub002/pkg/monitoring"
	"github.com/ThanhHiep25/Detal-CRM-sub002/pkg/types"
)

// Topics
const (
	GlobalTopic        = "/topic/appointments/global"
	dentistTopicPrefix = "/topic/appointments/dentist."
)

// DentistTopic returns the per-dentist topic
func DentistTopic(dentistID int64) string {
	return fmt.Sprintf("%s%d", dentistTopicPrefix, dentistID)
}

// State of the channel
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// AllStates lists every state, for metrics
var AllStates = []string{
	StateDisconnected.String(),
	StateConnecting.String(),
	StateConnected.String(),
	StateTerminated.String(),
}

// Options configures one run of the channel
type Options struct {
	Endpoint  string
	Token     string
	DentistID *int64
	Heartbeat time.Duration
	// HeartbeatTolerance is passed to the transport with Heartbeat
	HeartbeatTolerance time.Duration
	Reconnect          ReconnectPolicy
}

// Topics returns the topics subscribed for these options
func (o Options) Topics() []string {
	topics := []string{GlobalTopic}
	if o.DentistID != nil {
		topics = append(topics, DentistTopic(*o.DentistID))
	}
	return topics
}

// Handler receives every message delivered during generation gen. It runs on
// the channel goroutine and must not call Stop.
type Handler func(gen uint64, msg interfaces.Message)

// Channel is a reconnecting subscription. Start and Stop may be called from
// any goroutine.
type Channel struct {
	dialer  interfaces.Dialer
	logger  *logger.Logger
	metrics *monitoring.SyncMetrics

	generation atomic.Uint64
	state      atomic.Int32

	// runMu serializes Start and Stop
	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	lastErr  error
	onChange func(State)
}

// New creates a stopped channel
func New(dialer interfaces.Dialer, log *logger.Logger, metrics *monitoring.SyncMetrics) *Channel {
	if log == nil {
		log = logger.New("info")
	}
	return &Channel{
		dialer:  dialer,
		logger:  log,
		metrics: metrics,
	}
}

// OnStateChange registers fn to be called after every state transition
func (c *Channel) OnStateChange(fn func(State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onChange = fn
}

// Start stops any previous run and begins a new one, returning its generation
func (c *Channel) Start(opts Options, handler Handler) uint64 {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	c.stopLocked()

	gen := c.generation.Add(1)
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	c.recordError(nil)

	c.setState(StateDisconnected)
	go c.run(ctx, gen, opts, handler, c.done)

	return gen
}

// Stop cancels the current run and waits for it to release the session.
// No handler call happens after Stop returns.
func (c *Channel) Stop() {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	c.stopLocked()
}

func (c *Channel) stopLocked() {
	if c.cancel == nil {
		return
	}
	c.generation.Add(1)
	c.cancel()
	<-c.done
	c.cancel, c.done = nil, nil
	c.setState(StateTerminated)
}

// State returns the current state
func (c *Channel) State() State {
	return State(c.state.Load())
}

// Connected reports whether the channel is subscribed
func (c *Channel) Connected() bool {
	return c.State() == StateConnected
}

// Generation returns the current run's generation
func (c *Channel) Generation() uint64 {
	return c.generation.Load()
}

// LastError returns the most recent transport failure of the current run
func (c *Channel) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

func (c *Channel) setState(s State) {
	prev := State(c.state.Swap(int32(s)))
	if prev == s {
		return
	}
	c.metrics.RecordConnectionState(s.String(), AllStates)
	c.metrics.RecordConnected(s == StateConnected)

	c.mu.Lock()
	onChange := c.onChange
	c.mu.Unlock()
	if onChange != nil {
		onChange(s)
	}
}

func (c *Channel) recordError(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
}

func (c *Channel) run(ctx context.Context, gen uint64, opts Options, handler Handler, done chan struct{}) {
	defer close(done)

	log := c.logger.WithComponent("channel").WithField("generation", gen)
	req := interfaces.DialRequest{
		Endpoint:           opts.Endpoint,
		Heartbeat:          opts.Heartbeat,
		HeartbeatTolerance: opts.HeartbeatTolerance,
		Headers:            map[string]string{},
	}
	if opts.Token != "" {
		req.Headers["Authorization"] = "Bearer " + opts.Token
	}
	topics := opts.Topics()

	attempt := 0
	for {
		c.transition(ctx, StateConnecting)
		session, err := c.dialer.Dial(ctx, req)
		if err == nil {
			attempt = 0
			err = c.serve(ctx, gen, session, topics, handler)
		} else {
			err = types.NewTransportError(types.ErrCodeDialFailed, "failed to connect to event source", err)
		}

		if ctx.Err() != nil {
			return
		}
		c.recordError(err)
		c.transition(ctx, StateDisconnected)

		delay := opts.Reconnect.Next(attempt)
		attempt++
		c.metrics.RecordReconnect()
		log.WithError(err).WithField("retry_in", delay.String()).Warn("Subscription channel disconnected")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// transition changes state unless the run has been cancelled; Stop owns the
// final transition.
func (c *Channel) transition(ctx context.Context, s State) {
	if ctx.Err() != nil {
		return
	}
	c.setState(s)
}

// serve subscribes every topic and forwards messages until the context is
// cancelled or a subscription fails. It always closes the session.
func (c *Channel) serve(ctx context.Context, gen uint64, session interfaces.Session, topics []string, handler Handler) error {
	serveCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
		session.Close()
	}()

	subs := make([]interfaces.Subscription, 0, len(topics))
	defer func() {
		for _, sub := range subs {
			sub.Unsubscribe()
		}
	}()
	for _, topic := range topics {
		sub, err := session.Subscribe(topic)
		if err != nil {
			return types.NewTransportError(types.ErrCodeSubscribeFailed,
				fmt.Sprintf("failed to subscribe to %s", topic), err)
		}
		subs = append(subs, sub)
	}

	c.transition(ctx, StateConnected)
	c.logger.WithComponent("channel").WithFields(map[string]interface{}{
		"generation": gen,
		"topics":     topics,
	}).Info("Subscription channel connected")

	inbox := make(chan interfaces.Message)
	failed := make(chan error, len(subs))
	for i, sub := range subs {
		wg.Add(1)
		go forward(serveCtx, &wg, topics[i], sub, inbox, failed)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-failed:
			return err
		case msg := <-inbox:
			if c.generation.Load() != gen {
				return nil
			}
			handler(gen, msg)
		}
	}
}

func forward(ctx context.Context, wg *sync.WaitGroup, topic string, sub interfaces.Subscription, inbox chan<- interfaces.Message, failed chan<- error) {
	defer wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.C():
			if !ok {
				failed <- types.NewTransportError(types.ErrCodeConnectionLost,
					fmt.Sprintf("subscription to %s closed", topic), nil)
				return
			}
			if msg.Err != nil {
				failed <- types.NewTransportError(types.ErrCodeConnectionLost,
					fmt.Sprintf("subscription to %s failed", topic), msg.Err)
				return
			}
			if msg.Topic == "" {
				msg.Topic = topic
			}
			select {
			case inbox <- msg:
			case <-ctx.Done():
				return
			}
		}
	}
}
