package client

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sitewire/sitewire/models"
)

// ErrNoCredentials tells the controller the caller is not logged in.
// A dialer returning it leaves the controller disconnected with no
// retry pending; Connect kicks it again after login.
var ErrNoCredentials = errors.New("no credentials available")

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateStreaming    State = "streaming"
	StateTornDown     State = "torn_down"
)

const (
	defaultReconnectDelay = 30 * time.Second
	defaultPollInterval   = 30 * time.Second
)

// Baseline is one poll snapshot of server-side state.
type Baseline struct {
	Unread        []models.ChannelUnread
	Notifications models.Page[models.Notification]
}

type LiveConfig struct {
	Logger   *slog.Logger
	Identity models.TokenData

	// Dial opens a stream with fresh credentials. Client.OpenStream
	// satisfies this; tests substitute their own.
	Dial func(ctx context.Context) (EventStream, error)

	// Poll fetches a baseline snapshot. Optional.
	Poll func(ctx context.Context) (Baseline, error)

	// OnRedirect fires when maintenance mode comes on and the identity
	// holds none of the allowed roles.
	OnRedirect func(pl models.MaintenancePayload)

	ReconnectDelay time.Duration
	PollInterval   time.Duration

	// Store to reconcile into. One is created when nil.
	Store *LocalStore
}

// LiveController owns one live connection and the reconnect policy
// around it. At most one reconnect timer is pending at any moment, and
// teardown cancels it before it can fire.
type LiveController struct {
	logger     *slog.Logger
	identity   models.TokenData
	dial       func(ctx context.Context) (EventStream, error)
	poll       func(ctx context.Context) (Baseline, error)
	onRedirect func(pl models.MaintenancePayload)

	reconnectDelay time.Duration
	pollInterval   time.Duration

	store *LocalStore

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	state   State
	stream  EventStream
	pending *time.Timer
	started bool
}

func NewLiveController(cfg LiveConfig) (*LiveController, error) {
	if cfg.Dial == nil {
		return nil, errors.New("dial function is required")
	}

	reconnectDelay := cfg.ReconnectDelay
	if reconnectDelay == 0 {
		reconnectDelay = defaultReconnectDelay
	}
	pollInterval := cfg.PollInterval
	if pollInterval == 0 {
		pollInterval = defaultPollInterval
	}

	store := cfg.Store
	if store == nil {
		store = NewLocalStore(cfg.Logger)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &LiveController{
		logger:         cfg.Logger.WithGroup("live"),
		identity:       cfg.Identity,
		dial:           cfg.Dial,
		poll:           cfg.Poll,
		onRedirect:     cfg.OnRedirect,
		reconnectDelay: reconnectDelay,
		pollInterval:   pollInterval,
		store:          store,
		ctx:            ctx,
		cancel:         cancel,
		state:          StateDisconnected,
	}, nil
}

func (c *LiveController) Store() *LocalStore {
	return c.store
}

func (c *LiveController) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start begins streaming and polling. Safe to call once; teardown is
// final and a torn down controller never restarts.
func (c *LiveController) Start() {
	c.mu.Lock()
	if c.started || c.state == StateTornDown {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	if c.poll != nil {
		go c.pollLoop()
	}
	go c.connect()
}

// Connect kicks a disconnected controller that has no retry pending,
// typically right after the user logs in.
func (c *LiveController) Connect() {
	c.mu.Lock()
	if c.state != StateDisconnected || c.pending != nil {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	go c.connect()
}

// Teardown closes the stream, cancels any pending reconnect and stops
// the poll loop. A timer that was due can no longer fire an attempt.
func (c *LiveController) Teardown() {
	c.mu.Lock()
	if c.state == StateTornDown {
		c.mu.Unlock()
		return
	}
	c.state = StateTornDown
	if c.pending != nil {
		c.pending.Stop()
		c.pending = nil
	}
	stream := c.stream
	c.stream = nil
	c.mu.Unlock()

	c.cancel()
	if stream != nil {
		if err := stream.Close(); err != nil {
			c.logger.Debug("error closing stream on teardown", "error", err)
		}
	}
	c.logger.Info("live controller torn down")
}

func (c *LiveController) connect() {
	c.mu.Lock()
	if c.state == StateTornDown {
		c.mu.Unlock()
		return
	}
	c.state = StateConnecting
	c.mu.Unlock()

	stream, err := c.dial(c.ctx)
	if err != nil {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.state == StateTornDown {
			return
		}
		c.state = StateDisconnected
		if errors.Is(err, ErrNoCredentials) {
			c.logger.Info("no credentials, staying disconnected")
			return
		}
		c.logger.Warn("stream dial failed", "error", err, "retry_in", c.reconnectDelay)
		c.scheduleReconnectLocked()
		return
	}

	c.mu.Lock()
	if c.state == StateTornDown {
		c.mu.Unlock()
		stream.Close()
		return
	}
	c.stream = stream
	c.state = StateStreaming
	c.mu.Unlock()

	c.logger.Info("stream connected")
	c.readLoop(stream)
}

func (c *LiveController) readLoop(stream EventStream) {
	for {
		name, data, err := stream.Recv()
		if err != nil {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.stream = nil
			if c.state == StateTornDown {
				return
			}
			c.state = StateDisconnected
			c.logger.Warn("stream lost", "error", err, "retry_in", c.reconnectDelay)
			c.scheduleReconnectLocked()
			return
		}
		c.handleFrame(name, data)
	}
}

// handleFrame applies one pushed event. A frame that fails to decode is
// dropped with a log line; it never takes the connection down.
func (c *LiveController) handleFrame(name string, data []byte) {
	var ev models.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		c.logger.Warn("dropping unparseable frame", "topic", name, "error", err)
		return
	}

	payload, err := models.DecodePayload(ev.Kind, ev.Payload)
	if err != nil {
		c.logger.Warn("dropping event with bad payload", "kind", ev.Kind, "event_id", ev.EventID, "error", err)
		return
	}

	switch pl := payload.(type) {
	case models.MaintenancePayload:
		c.store.SetMaintenance(pl)
		if pl.Mode && !c.identity.HasAnyRole(pl.AllowedRoles) {
			c.logger.Info("maintenance mode active, redirecting", "account", pl.AccountID)
			if c.onRedirect != nil {
				c.onRedirect(pl)
			}
		}
	case models.ChatMessagePayload:
		c.store.ApplyChatMessage(pl)
	case models.NotificationPayload:
		c.store.ApplyNotification(pl)
	case models.NotificationReadPayload:
		c.store.ApplyNotificationRead(pl)
	}
}

// scheduleReconnectLocked arms the single retry timer. An armed timer
// is replaced, never doubled. Callers hold c.mu.
func (c *LiveController) scheduleReconnectLocked() {
	if c.pending != nil {
		c.pending.Stop()
	}
	c.pending = time.AfterFunc(c.reconnectDelay, func() {
		c.mu.Lock()
		c.pending = nil
		if c.state != StateDisconnected {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()
		c.connect()
	})
}

// pollLoop refreshes the baseline on a fixed period, independent of
// stream health. It is the recovery path for anything the push channel
// dropped.
func (c *LiveController) pollLoop() {
	c.runPoll()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.runPoll()
		}
	}
}

func (c *LiveController) runPoll() {
	baseline, err := c.poll(c.ctx)
	if err != nil {
		if c.ctx.Err() == nil {
			c.logger.Warn("baseline poll failed", "error", err)
		}
		return
	}
	c.store.SetBaselineUnread(baseline.Unread)
	c.store.SetBaselineNotifications(baseline.Notifications)
}
