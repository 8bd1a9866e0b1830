package wzl

import (
	"context"
	"fmt"

	"github.com/wzlgo/wzl/dispatch"
	"github.com/wzlgo/wzl/object"
	"github.com/wzlgo/wzl/registry"
	"github.com/wzlgo/wzl/transport"
)

// Client is a connection to a compositor: the dispatch engine, object
// table, and the bootstrapped registry used to discover and bind globals.
type Client struct {
	engine   *dispatch.Engine
	table    *object.Table
	registry *registry.Registry

	cancel context.CancelFunc
	runErr chan error
}

// Dial connects to a compositor, bootstraps wl_display (object 1) and
// wl_registry, and performs one sync roundtrip so Registry().ListGlobals
// reflects the compositor's advertised globals by the time Dial returns
// (§8 S1/S2).
func Dial(ctx context.Context, opts ...Option) (*Client, error) {
	cfg := newConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.loadErr != nil {
		return nil, cfg.loadErr
	}

	path := cfg.socketPath
	if path == "" {
		var err error
		path, err = transport.ClientSocketPath()
		if err != nil {
			return nil, err
		}
	}

	t, err := transport.DialQueued(path, cfg.maxQueuedBytes)
	if err != nil {
		return nil, err
	}
	return bootstrap(ctx, t, cfg)
}

func bootstrap(ctx context.Context, t *transport.Transport, cfg *config) (*Client, error) {
	tbl := object.NewTable(object.ClientSide)
	if err := tbl.Insert(1, registry.DisplayInterface, 1, 0); err != nil {
		_ = t.Close()
		return nil, fmt.Errorf("wzl: bootstrap display object: %w", err)
	}

	engine := dispatch.New(dispatch.Client, t, tbl,
		dispatch.WithBounds(cfg.bounds),
		dispatch.WithLogger(cfg.logger),
	)

	runCtx, cancel := context.WithCancel(ctx)
	runErr := make(chan error, 1)
	go func() {
		runErr <- engine.Run(runCtx)
	}()

	reg, err := registry.NewRegistry(engine)
	if err != nil {
		cancel()
		return nil, err
	}

	if err := engine.Sync(ctx); err != nil {
		cancel()
		return nil, fmt.Errorf("wzl: initial roundtrip: %w", err)
	}

	return &Client{engine: engine, table: tbl, registry: reg, cancel: cancel, runErr: runErr}, nil
}

// Registry returns the client's bootstrapped wl_registry view.
func (c *Client) Registry() *registry.Registry { return c.registry }

// Engine returns the underlying dispatch engine, for registering handlers
// on objects bound through the registry (e.g. a wl_seat's events).
func (c *Client) Engine() *dispatch.Engine { return c.engine }

// Sync performs a synchronous roundtrip: every request issued before Sync
// is guaranteed processed by the compositor once it returns (§4.4).
func (c *Client) Sync(ctx context.Context) error {
	return c.engine.Sync(ctx)
}

// Close ends the connection and waits for the dispatch loop to exit.
func (c *Client) Close() error {
	c.cancel()
	err := c.engine.Close()
	<-c.runErr
	return err
}
