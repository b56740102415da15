package srt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/mseq/internal/ingest"
)

// dialTimeout bounds one Pull handshake.
const dialTimeout = 10 * time.Second

// ErrPullActive is returned when a key already has a running pull.
var ErrPullActive = errors.New("srt: pull already active")

// PullRequest names a remote SRT listener and the key its stream is
// registered under.
type PullRequest struct {
	Address   string `json:"address"`
	StreamKey string `json:"streamKey"`
	StreamID  string `json:"streamId,omitempty"`
}

// ParsePullRequest parses "key=host:port", the form the CLI accepts.
func ParsePullRequest(s string) (PullRequest, error) {
	key, addr, ok := strings.Cut(s, "=")
	if !ok || key == "" || addr == "" {
		return PullRequest{}, fmt.Errorf("srt: pull %q: want key=host:port", s)
	}
	return PullRequest{Address: addr, StreamKey: key}, nil
}

func (r PullRequest) validate() error {
	if r.Address == "" {
		return errors.New("srt: address is required")
	}
	if r.StreamKey == "" {
		return errors.New("srt: stream key is required")
	}
	return nil
}

// Caller dials remote SRT listeners and feeds their streams into the
// registry.
type Caller struct {
	log      *slog.Logger
	registry *ingest.Registry

	mu    sync.Mutex
	pulls map[string]*activePull
}

type activePull struct {
	req    PullRequest
	cancel context.CancelFunc
}

// NewCaller creates a Caller. A nil log uses slog.Default().
func NewCaller(registry *ingest.Registry, log *slog.Logger) *Caller {
	if log == nil {
		log = slog.Default()
	}
	return &Caller{
		log:      log.With("component", "srt-caller"),
		registry: registry,
		pulls:    make(map[string]*activePull),
	}
}

// Pull dials req.Address and, once connected, streams in the background
// until ctx is cancelled, Stop is called or the remote side closes.
func (c *Caller) Pull(ctx context.Context, req PullRequest) error {
	if err := req.validate(); err != nil {
		return err
	}
	if c.active(req.StreamKey) {
		return fmt.Errorf("%w: %s", ErrPullActive, req.StreamKey)
	}

	cfg := srtgo.DefaultConfig()
	cfg.Latency = latencyNs
	cfg.StreamID = req.StreamID
	if cfg.StreamID == "" {
		cfg.StreamID = "live/" + req.StreamKey
	}
	c.log.Info("dialing", "address", req.Address, "stream_key", req.StreamKey)

	type dialResult struct {
		conn *srtgo.Conn
		err  error
	}
	ch := make(chan dialResult, 1)
	go func() {
		conn, err := srtgo.Dial(req.Address, cfg)
		ch <- dialResult{conn, err}
	}()
	abandon := func() {
		go func() {
			if res := <-ch; res.conn != nil {
				res.conn.Close()
			}
		}()
	}

	timer := time.NewTimer(dialTimeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		if res.err != nil {
			return fmt.Errorf("srt: dial %s: %w", req.Address, res.err)
		}
		return c.stream(ctx, req, res.conn)
	case <-timer.C:
		abandon()
		return fmt.Errorf("srt: dial %s timed out after %s", req.Address, dialTimeout)
	case <-ctx.Done():
		abandon()
		return ctx.Err()
	}
}

func (c *Caller) active(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pulls[key]
	return ok
}

func (c *Caller) stream(ctx context.Context, req PullRequest, conn *srtgo.Conn) error {
	pullCtx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	if _, ok := c.pulls[req.StreamKey]; ok {
		c.mu.Unlock()
		cancel()
		conn.Close()
		return fmt.Errorf("%w: %s", ErrPullActive, req.StreamKey)
	}
	c.pulls[req.StreamKey] = &activePull{req: req, cancel: cancel}
	c.mu.Unlock()

	stream, w, err := c.registry.Register(req.StreamKey, ingest.OriginPull)
	if err != nil {
		c.forget(req.StreamKey)
		cancel()
		conn.Close()
		return fmt.Errorf("srt: pull %s: %w", req.StreamKey, err)
	}
	c.log.Info("connected", "address", req.Address, "stream_key", req.StreamKey)

	// Closing the connection unblocks a pending read on Stop.
	context.AfterFunc(pullCtx, func() { conn.Close() })
	go func() {
		defer cancel()
		defer c.forget(req.StreamKey)
		pump(pullCtx, c.log, c.registry, stream, w, conn, req.Address)
	}()
	return nil
}

func (c *Caller) forget(key string) {
	c.mu.Lock()
	delete(c.pulls, key)
	c.mu.Unlock()
}

// Stop cancels the pull for key.
func (c *Caller) Stop(key string) error {
	c.mu.Lock()
	ap, ok := c.pulls[key]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("srt: no active pull for %q", key)
	}
	ap.cancel()
	return nil
}

// ActivePulls returns the running pulls ordered by key.
func (c *Caller) ActivePulls() []PullRequest {
	c.mu.Lock()
	out := make([]PullRequest, 0, len(c.pulls))
	for _, ap := range c.pulls {
		out = append(out, ap.req)
	}
	c.mu.Unlock()
	slices.SortFunc(out, func(a, b PullRequest) int { return strings.Compare(a.StreamKey, b.StreamKey) })
	return out
}
