// Package termconnect is the public facade of the terminal connection SDK:
// it wires the transport, terminal state mirror, history storage, health
// monitor, synchronization engine, trade client, and query client together
// behind one per-account Connection, and serializes concurrent opens of the
// same account through a registry.
package termconnect

import (
	"context"
	"time"

	"github.com/coachpo/termconnect/config"
	"github.com/coachpo/termconnect/internal/events"
	"github.com/coachpo/termconnect/internal/health"
	"github.com/coachpo/termconnect/internal/history"
	"github.com/coachpo/termconnect/internal/query"
	"github.com/coachpo/termconnect/internal/registry"
	"github.com/coachpo/termconnect/internal/syncengine"
	"github.com/coachpo/termconnect/internal/terminalstate"
	"github.com/coachpo/termconnect/internal/trade"
	"github.com/coachpo/termconnect/internal/transport"
)

// Client is the process-wide entry point: one Transport shared by every
// account opened through it, plus the registry serializing concurrent opens.
type Client struct {
	cfg       config.Settings
	transport *transport.Transport
	registry  *registry.Registry[*Connection]
}

// Options configures a new Client.
type Options struct {
	URL    string
	Config config.Settings
}

// New constructs a Client and dials the transport; it blocks until the
// first connection succeeds or Config.ConnectTimeout elapses.
func New(opts Options) (*Client, error) {
	cfg := opts.Config
	if cfg.RequestTimeout == 0 && cfg.ConnectTimeout == 0 {
		cfg = config.Default()
	}
	t := transport.New(transport.Config{
		URL:               opts.URL,
		RequestTimeout:    cfg.RequestTimeout,
		ConnectTimeout:    cfg.ConnectTimeout,
		OutOfOrderTimeout: cfg.PacketOrderingTimeout,
		MaxBuffer:         cfg.PacketOrderingMaxBuffer,
	})
	if err := t.Start(); err != nil {
		return nil, err
	}
	return &Client{
		cfg:       cfg,
		transport: t,
		registry:  registry.New[*Connection](),
	}, nil
}

// ConnectOptions configures one account's Connection.
type ConnectOptions struct {
	AccountID string
	// DefaultMagic seeds the trade client's default magic number.
	DefaultMagic int64
	// IsCopyFactory selects waitSynchronized's applicationPattern.
	IsCopyFactory bool
	// HistoryStorage overrides the default in-memory history log, e.g. with
	// history.NewBadgerStorage for a durable backend.
	HistoryStorage history.Storage
	// HistoryStartTime/DealStartTime are lower bounds for the starting times
	// each synchronize sends; the storage's watermark is used when later.
	HistoryStartTime time.Time
	DealStartTime    time.Time
}

// Connect returns the account's Connection, building and starting it on the
// first call and handing every concurrent/subsequent caller the same
// instance, per §4.G's at-most-one-build guarantee.
func (c *Client) Connect(ctx context.Context, opts ConnectOptions) (*Connection, error) {
	return c.registry.Connect(ctx, opts.AccountID, func(ctx context.Context) (*Connection, error) {
		return c.build(opts)
	})
}

// Get returns the account's already-open Connection, if any.
func (c *Client) Get(accountID string) (*Connection, bool) {
	return c.registry.Get(accountID)
}

// Close stops the transport; every Connection built from this Client stops
// receiving events once this returns.
func (c *Client) Close() {
	c.transport.Stop()
}

func (c *Client) build(opts ConnectOptions) (*Connection, error) {
	storage := opts.HistoryStorage
	if storage == nil {
		storage = history.NewMemoryStorage()
	}
	mirror := terminalstate.New(opts.AccountID, c.cfg.StatusTimerTimeout)
	monitor := health.New(opts.AccountID, c.cfg.HealthMonitor.SamplePeriod)
	queryClient := query.New(c.transport, opts.AccountID)
	tradeClient := trade.New(c.transport, opts.AccountID, opts.DefaultMagic)

	engine := syncengine.New(syncengine.Options{
		AccountID:        opts.AccountID,
		Transport:        c.transport,
		Listeners:        []events.Listener{mirror, monitor},
		HistoryStorage:   storage,
		Query:            queryClient,
		Config:           c.cfg,
		HistoryStartTime: opts.HistoryStartTime,
		DealStartTime:    opts.DealStartTime,
		IsCopyFactory:    opts.IsCopyFactory,
	})
	engine.Start()

	return &Connection{
		accountID: opts.AccountID,
		client:    c,
		mirror:    mirror,
		history:   storage,
		health:    monitor,
		engine:    engine,
		trade:     tradeClient,
		query:     queryClient,
	}, nil
}

// Connection is one account's live view onto the terminal: the state
// mirror, history log, health monitor, and the trade/query clients that
// operate against it. A Connection exclusively owns its mirror, history
// storage and health monitor; they are destroyed on Close. It holds the
// transport weakly — closing a Connection never tears the shared Transport
// down, per the data model's ownership rules.
type Connection struct {
	accountID string
	client    *Client

	mirror  *terminalstate.Mirror
	history history.Storage
	health  *health.Monitor
	engine  *syncengine.Engine
	trade   *trade.Client
	query   *query.Client
}

// AccountID returns the account this connection mirrors.
func (c *Connection) AccountID() string { return c.accountID }

// Mirror exposes the terminal state mirror's read accessors.
func (c *Connection) Mirror() *terminalstate.Mirror { return c.mirror }

// History exposes the history storage's read accessors.
func (c *Connection) History() history.Storage { return c.history }

// Health exposes the uptime/server-health accessors.
func (c *Connection) Health() *health.Monitor { return c.health }

// Trade exposes the trade client bound to this account.
func (c *Connection) Trade() *trade.Client { return c.trade }

// Query exposes the query client bound to this account.
func (c *Connection) Query() *query.Client { return c.query }

// WaitSynchronized blocks until the account's terminal state has caught up
// with the remote server, per §4.F's waitSynchronized.
func (c *Connection) WaitSynchronized(ctx context.Context, opts syncengine.WaitOptions) error {
	return c.engine.WaitSynchronized(ctx, opts)
}

// WaitRemoved blocks until the server reports the account no longer exists.
func (c *Connection) WaitRemoved(ctx context.Context, timeout, interval time.Duration) error {
	return c.engine.WaitRemoved(ctx, timeout, interval)
}

// Close tears down this connection's synchronization engine, stops its
// health monitor sampler, closes its history storage, and removes the
// account from the registry so a later Connect rebuilds from scratch. The
// shared transport is left running, per the Ownership rules.
func (c *Connection) Close() error {
	c.engine.Close()
	c.health.Stop()
	err := c.history.Close()
	c.client.registry.Remove(c.accountID)
	return err
}
