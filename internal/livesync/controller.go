// Package livesync orchestrates the live appointment view: it seeds the
// store from a snapshot, keeps it current from the subscription channel and
// exposes the sorted read model and connectivity.
package livesync

import (
	"context"
	"fmt"
	"net/url"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ThanhHiep25/Detal-CRM-sub002/internal/channel"
	"github.com/ThanhHiep25/Detal-CRM-sub002/internal/normalizer"
	"github.com/ThanhHiep25/Detal-CRM-sub002/internal/snapshot"
	"github.com/ThanhHiep25/Detal-CRM-sub002/internal/store"
	"github.com/ThanhHiep25/Detal-CRM-sub002/pkg/config"
	"github.com/ThanhHiep25/Detal-CRM-sub002/pkg/interfaces"
	"github.com/ThanhHiep25/Detal-CRM-sub002/pkg/logger"
	"github.com/ThanhHiep25/Detal-CRM-sub002/pkg/monitoring"
	"github.com/ThanhHiep25/Detal-CRM-sub002/pkg/types"
)

// ActivateOptions select what to sync. Empty fields fall back to the
// configured defaults.
type ActivateOptions struct {
	DentistID *int64 `json:"dentistId,omitempty"`
	Date      string `json:"date,omitempty"`
	Endpoint  string `json:"endpoint,omitempty"`
	Token     string `json:"token,omitempty"`
}

// Status is a point-in-time view of the controller
type Status struct {
	Active      bool       `json:"active"`
	Connected   bool       `json:"connected"`
	State       string     `json:"state"`
	SessionID   string     `json:"sessionId,omitempty"`
	Generation  uint64     `json:"generation"`
	Records     int        `json:"records"`
	Version     uint64     `json:"version"`
	DentistID   *int64     `json:"dentistId,omitempty"`
	Date        string     `json:"date,omitempty"`
	Endpoint    string     `json:"endpoint,omitempty"`
	ActivatedAt *time.Time `json:"activatedAt,omitempty"`
	LastError   string     `json:"lastError,omitempty"`
}

// Dependencies wires a Controller
type Dependencies struct {
	Config      config.SyncConfig
	Query       interfaces.AppointmentQueryService
	Dialer      interfaces.Dialer
	Credentials interfaces.CredentialStore
	Store       *store.LiveStore
	Logger      *logger.Logger
	Metrics     *monitoring.SyncMetrics
	Tracing     *monitoring.TracingManager
}

// Controller owns the activation lifecycle
type Controller struct {
	cfg         config.SyncConfig
	loader      *snapshot.Loader
	store       *store.LiveStore
	channel     *channel.Channel
	credentials interfaces.CredentialStore
	logger      *logger.Logger
	metrics     *monitoring.SyncMetrics
	tracing     *monitoring.TracingManager

	// generation is bumped by every activation and deactivation; writes
	// carrying an older generation are dropped.
	generation atomic.Uint64

	mu          sync.Mutex
	active      bool
	sessionID   string
	opts        ActivateOptions
	activatedAt time.Time

	// ready is set once the snapshot of the current activation is seeded;
	// refreshes before that would be overwritten by Seed.
	ready bool

	errMu   sync.RWMutex
	lastErr error
}

// NewController creates an inactive controller
func NewController(deps Dependencies) *Controller {
	if deps.Logger == nil {
		deps.Logger = logger.New("info")
	}
	if deps.Store == nil {
		deps.Store = store.New()
	}
	if deps.Tracing == nil {
		deps.Tracing = monitoring.NewNoopTracingManager("livesync")
	}

	c := &Controller{
		cfg:         deps.Config,
		loader:      snapshot.NewLoader(deps.Query),
		store:       deps.Store,
		channel:     channel.New(deps.Dialer, deps.Logger, deps.Metrics),
		credentials: deps.Credentials,
		logger:      deps.Logger,
		metrics:     deps.Metrics,
		tracing:     deps.Tracing,
	}
	c.channel.OnStateChange(c.onChannelState)
	return c
}

// Activate loads the snapshot and then starts the subscription channel.
// Activating again with the same options is a no-op; different options tear
// the previous channel down first. Only malformed options are returned as
// errors; snapshot and transport failures are logged and kept in LastError.
func (c *Controller) Activate(ctx context.Context, opts ActivateOptions) error {
	opts, err := c.resolve(opts)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.active && reflect.DeepEqual(c.opts, opts) {
		c.mu.Unlock()
		return nil
	}
	if c.active {
		c.channel.Stop()
	}
	gen := c.generation.Add(1)
	sessionID := uuid.New().String()
	c.active = true
	c.ready = false
	c.sessionID = sessionID
	c.opts = opts
	c.activatedAt = time.Now()
	c.mu.Unlock()

	log := c.logger.WithSession("livesync", sessionID).WithField("generation", gen)
	log.WithFields(map[string]interface{}{
		"endpoint":   opts.Endpoint,
		"dentist_id": opts.DentistID,
		"date":       opts.Date,
	}).Info("Activating live sync")

	ctx = context.WithValue(ctx, logger.SessionIDKey, sessionID)
	result := c.loadSnapshot(ctx, opts)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation.Load() != gen {
		log.Info("Activation superseded before the channel started")
		return nil
	}
	if result != nil {
		c.store.Seed(result.Records)
		c.metrics.SetStoreRecords(c.store.Len())
	}
	c.ready = true

	heartbeat := time.Duration(c.cfg.HeartbeatMS) * time.Millisecond
	c.channel.Start(channel.Options{
		Endpoint:           opts.Endpoint,
		Token:              c.token(opts),
		DentistID:          opts.DentistID,
		Heartbeat:          heartbeat,
		HeartbeatTolerance: c.heartbeatTolerance(heartbeat),
		Reconnect:          c.reconnectPolicy(),
	}, c.handler(gen, sessionID))

	return nil
}

// Deactivate stops the channel and freezes the read model. It is safe to
// call in any state; no store write from the stopped activation happens
// after it returns.
func (c *Controller) Deactivate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.generation.Add(1)
	c.channel.Stop()
	if !c.active {
		return
	}
	c.active = false
	c.ready = false

	c.logger.WithSession("livesync", c.sessionID).WithField("records", c.store.Len()).Info("Live sync deactivated")
}

// ForceRefreshOne re-fetches one appointment and merges it into the store.
// Failures leave the store untouched; they are logged, recorded as the last
// error and returned for callers that want to report them.
func (c *Controller) ForceRefreshOne(ctx context.Context, id int64) (types.AppointmentRecord, error) {
	if id <= 0 {
		return types.AppointmentRecord{}, types.NewValidationError(types.ErrCodeInvalidInput,
			"appointment id must be positive", map[string]interface{}{"id": id})
	}

	c.mu.Lock()
	active, ready, sessionID := c.active, c.ready, c.sessionID
	gen := c.generation.Load()
	c.mu.Unlock()

	log := c.logger.WithSession("livesync", sessionID).WithField("appointment_id", id)
	if !active {
		err := types.NewRefreshError(types.ErrCodeInactive, "live sync is not active", nil)
		log.Warn("Refresh requested while inactive")
		return types.AppointmentRecord{}, err
	}
	if !ready {
		err := types.NewRefreshError(types.ErrCodeInactive, "live sync is still loading its snapshot", nil)
		log.Warn("Refresh requested before the snapshot was seeded")
		return types.AppointmentRecord{}, err
	}

	ctx, span := c.tracing.StartSyncSpan(ctx, "refresh_one", attribute.Int64("appointment.id", id))
	defer span.End()

	event, err := c.loader.LoadOne(ctx, id)
	if err == nil && event.ID != id {
		err = types.NewRefreshError(types.ErrCodeRefreshFailed,
			fmt.Sprintf("lookup for appointment %d returned appointment %d", id, event.ID), nil)
	}
	if err != nil {
		c.tracing.RecordError(span, err)
		c.metrics.RecordRefresh(false)
		c.recordError(err)
		log.WithError(err).Warn("Appointment refresh failed")
		return types.AppointmentRecord{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation.Load() != gen {
		err := types.NewRefreshError(types.ErrCodeInactive, "live sync changed during refresh", nil)
		c.metrics.RecordRefresh(false)
		log.Info("Dropping refresh result from a previous activation")
		return types.AppointmentRecord{}, err
	}

	record := c.store.Upsert(event)
	c.metrics.RecordRefresh(true)
	c.metrics.SetStoreRecords(c.store.Len())
	log.Debug("Appointment refreshed")
	return record, nil
}

// ReadModel returns the appointments sorted by scheduled time
func (c *Controller) ReadModel() []types.AppointmentRecord {
	return c.store.ReadModel()
}

// Version returns the read-model version
func (c *Controller) Version() uint64 {
	return c.store.Version()
}

// Get returns one appointment from the read model
func (c *Controller) Get(id int64) (types.AppointmentRecord, bool) {
	return c.store.Get(id)
}

// Connected reports whether the subscription channel is connected
func (c *Controller) Connected() bool {
	return c.channel.Connected()
}

// Active reports whether an activation is in effect
func (c *Controller) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// LastError returns the most recent swallowed failure, or nil
func (c *Controller) LastError() error {
	c.errMu.RLock()
	defer c.errMu.RUnlock()
	return c.lastErr
}

// Watch registers a read-model change listener; see store.LiveStore.Watch
func (c *Controller) Watch(buffer int) (uint64, <-chan store.Change) {
	if buffer <= 0 {
		buffer = c.cfg.WatchBuffer
	}
	return c.store.Watch(buffer)
}

// Unwatch releases a listener registered with Watch
func (c *Controller) Unwatch(id uint64) {
	c.store.Unwatch(id)
}

// Status returns a snapshot of the controller state
func (c *Controller) Status() Status {
	c.mu.Lock()
	status := Status{
		Active:     c.active,
		SessionID:  c.sessionID,
		Generation: c.generation.Load(),
		DentistID:  c.opts.DentistID,
		Date:       c.opts.Date,
		Endpoint:   c.opts.Endpoint,
	}
	if c.active {
		at := c.activatedAt
		status.ActivatedAt = &at
	}
	c.mu.Unlock()

	status.State = c.channel.State().String()
	status.Connected = c.channel.Connected()
	status.Records = c.store.Len()
	status.Version = c.store.Version()
	if err := c.LastError(); err != nil {
		status.LastError = err.Error()
	}
	return status
}

// handler applies channel messages of one activation to the store
func (c *Controller) handler(gen uint64, sessionID string) channel.Handler {
	log := c.logger.WithSession("livesync", sessionID)
	return func(_ uint64, msg interfaces.Message) {
		if c.generation.Load() != gen {
			c.metrics.RecordMessage(msg.Topic, monitoring.OutcomeStale)
			return
		}

		event, err := normalizer.NormalizeJSON(msg.Body)
		if err != nil {
			c.metrics.RecordMessage(msg.Topic, monitoring.OutcomeMalformed)
			c.recordError(types.NewMalformedMessageError(types.ErrCodeNormalizeFailed,
				fmt.Sprintf("dropped message on %s", msg.Topic), err))
			log.WithError(err).WithField("topic", msg.Topic).Warn("Dropping malformed appointment event")
			return
		}

		before := c.store.Version()
		c.store.Upsert(event)
		if c.store.Version() == before {
			c.metrics.RecordMessage(msg.Topic, monitoring.OutcomeUnchanged)
			return
		}
		c.metrics.RecordMessage(msg.Topic, monitoring.OutcomeApplied)
		c.metrics.SetStoreRecords(c.store.Len())
		log.WithFields(map[string]interface{}{
			"topic":          msg.Topic,
			"appointment_id": event.ID,
		}).Debug("Applied appointment event")
	}
}

func (c *Controller) loadSnapshot(ctx context.Context, opts ActivateOptions) *snapshot.Result {
	filter := snapshot.Filter{DentistID: opts.DentistID, Date: opts.Date}

	ctx, span := c.tracing.StartSyncSpan(ctx, "snapshot", attribute.String("snapshot.mode", filter.Mode()))
	defer span.End()

	start := time.Now()
	result, err := c.loader.Load(ctx, filter)
	duration := time.Since(start)
	c.metrics.RecordSnapshot(filter.Mode(), err == nil, duration)
	c.logger.Performance("snapshot_load", duration.Milliseconds(), map[string]interface{}{
		"mode":    filter.Mode(),
		"success": err == nil,
	})

	details := map[string]interface{}{
		"mode":        filter.Mode(),
		"duration_ms": duration.Milliseconds(),
	}
	if err != nil {
		c.tracing.RecordError(span, err)
		c.recordError(err)
		details["error"] = err.Error()
		c.logger.SyncEvent("snapshot_loaded", false, details)
		return nil
	}

	details["records"] = len(result.Records)
	details["skipped"] = result.Skipped
	c.logger.SyncEvent("snapshot_loaded", true, details)
	return result
}

func (c *Controller) onChannelState(s channel.State) {
	c.logger.WithComponent("livesync").WithField("state", s.String()).Debug("Channel state changed")
	if s == channel.StateDisconnected {
		if err := c.channel.LastError(); err != nil {
			c.recordError(err)
		}
	}
}

func (c *Controller) recordError(err error) {
	c.errMu.Lock()
	c.lastErr = err
	c.errMu.Unlock()
}

// resolve applies defaults and validates activation options
func (c *Controller) resolve(opts ActivateOptions) (ActivateOptions, error) {
	if opts.Endpoint == "" {
		opts.Endpoint = c.cfg.Endpoint
	}
	if opts.DentistID == nil && c.cfg.DentistID > 0 {
		id := c.cfg.DentistID
		opts.DentistID = &id
	}
	if opts.Date == "" {
		opts.Date = c.cfg.Date
	}

	if opts.DentistID != nil && *opts.DentistID <= 0 {
		return opts, types.NewValidationError(types.ErrCodeInvalidInput,
			"dentist id must be positive", map[string]interface{}{"dentistId": *opts.DentistID})
	}
	if opts.Date != "" && !config.IsDate(opts.Date) {
		return opts, types.NewValidationError(types.ErrCodeInvalidInput,
			"date must be formatted as YYYY-MM-DD", map[string]interface{}{"date": opts.Date})
	}
	u, err := url.Parse(opts.Endpoint)
	if err != nil || u.Host == "" {
		return opts, types.NewValidationError(types.ErrCodeInvalidInput,
			"endpoint must be an absolute URL", map[string]interface{}{"endpoint": opts.Endpoint})
	}
	switch u.Scheme {
	case "tcp", "ws", "wss":
	default:
		return opts, types.NewValidationError(types.ErrCodeInvalidInput,
			"endpoint scheme must be tcp, ws or wss", map[string]interface{}{"endpoint": opts.Endpoint})
	}
	return opts, nil
}

func (c *Controller) token(opts ActivateOptions) string {
	if opts.Token != "" {
		return opts.Token
	}
	if c.credentials == nil {
		return ""
	}
	token, _ := c.credentials.Token()
	return token
}

// heartbeatTolerance defaults to one heartbeat interval, so a silent server
// is detected after roughly two missed beats.
func (c *Controller) heartbeatTolerance(heartbeat time.Duration) time.Duration {
	if c.cfg.HeartbeatToleranceMS > 0 {
		return time.Duration(c.cfg.HeartbeatToleranceMS) * time.Millisecond
	}
	return heartbeat
}

func (c *Controller) reconnectPolicy() channel.ReconnectPolicy {
	delay := time.Duration(c.cfg.Reconnect.DelayMS) * time.Millisecond
	if c.cfg.Reconnect.Policy == config.ReconnectExponential {
		return channel.ExponentialBackoff(delay, time.Duration(c.cfg.Reconnect.MaxDelayMS)*time.Millisecond)
	}
	return channel.FixedDelay(delay)
}
