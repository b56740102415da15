// Package ingest tracks live MPEG-TS publishers. Each registered stream is
// a pipe: the network receiver writes into one end and the stream's
// pipeline reads the other.
package ingest

import (
	"errors"
	"io"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// ErrDuplicate is returned when a key is already publishing.
var ErrDuplicate = errors.New("ingest: stream key already active")

// Origin says how a stream reached the process.
type Origin int

const (
	// OriginListen is a publisher that connected to our listener.
	OriginListen Origin = iota
	// OriginPull is a remote source we dialed.
	OriginPull
)

func (o Origin) String() string {
	if o == OriginPull {
		return "pull"
	}
	return "listen"
}

// Stats is a snapshot of a stream's receive counters.
type Stats struct {
	Key           string `json:"key"`
	Origin        string `json:"origin"`
	BytesReceived int64  `json:"bytesReceived"`
	ReadCount     int64  `json:"readCount"`
	ConnectedAt   int64  `json:"connectedAt"`
	UptimeMs      int64  `json:"uptimeMs"`
	RemoteAddr    string `json:"remoteAddr"`
}

// Stream is one active publisher.
type Stream struct {
	Key       string
	StartedAt time.Time
	Origin    Origin
	input     *io.PipeReader
	pw        *io.PipeWriter
	done      chan struct{}

	bytesReceived atomic.Int64
	readCount     atomic.Int64
	remoteAddr    atomic.Value
}

// Input returns the reader the stream's consumer drains.
func (s *Stream) Input() io.Reader { return s.input }

// Done is closed once the stream is unregistered.
func (s *Stream) Done() <-chan struct{} { return s.done }

// RecordRead counts one socket read of n bytes.
func (s *Stream) RecordRead(n int) {
	s.bytesReceived.Add(int64(n))
	s.readCount.Add(1)
}

// SetRemoteAddr records the peer address.
func (s *Stream) SetRemoteAddr(addr string) {
	s.remoteAddr.Store(addr)
}

// Stats returns the current counters.
func (s *Stream) Stats() Stats {
	addr, _ := s.remoteAddr.Load().(string)
	return Stats{
		Key:           s.Key,
		Origin:        s.Origin.String(),
		BytesReceived: s.bytesReceived.Load(),
		ReadCount:     s.readCount.Load(),
		ConnectedAt:   s.StartedAt.UnixMilli(),
		UptimeMs:      time.Since(s.StartedAt).Milliseconds(),
		RemoteAddr:    addr,
	}
}

// Registry holds the active streams by key and hands each new one to the
// onStream callback, which runs on its own goroutine.
type Registry struct {
	mu      sync.RWMutex
	streams map[string]*Stream

	onStream func(*Stream)
}

// NewRegistry creates a Registry. onStream may be nil.
func NewRegistry(onStream func(*Stream)) *Registry {
	return &Registry{
		streams:  make(map[string]*Stream),
		onStream: onStream,
	}
}

// Register adds a stream and returns the writer its receiver feeds.
func (r *Registry) Register(key string, origin Origin) (*Stream, io.Writer, error) {
	pr, pw := io.Pipe()
	stream := &Stream{
		Key:       key,
		StartedAt: time.Now(),
		Origin:    origin,
		input:     pr,
		pw:        pw,
		done:      make(chan struct{}),
	}

	r.mu.Lock()
	if _, ok := r.streams[key]; ok {
		r.mu.Unlock()
		return nil, nil, ErrDuplicate
	}
	r.streams[key] = stream
	r.mu.Unlock()

	if r.onStream != nil {
		go r.onStream(stream)
	}
	return stream, pw, nil
}

// Unregister removes the stream, closing its pipe so the consumer sees EOF.
func (r *Registry) Unregister(key string) {
	r.mu.Lock()
	stream, ok := r.streams[key]
	if ok {
		delete(r.streams, key)
	}
	r.mu.Unlock()

	if ok {
		stream.pw.Close()
		close(stream.done)
	}
}

// Get returns the stream registered under key.
func (r *Registry) Get(key string) (*Stream, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.streams[key]
	return s, ok
}

// List returns the stats of every active stream ordered by key.
func (r *Registry) List() []Stats {
	r.mu.RLock()
	out := make([]Stats, 0, len(r.streams))
	for _, s := range r.streams {
		out = append(out, s.Stats())
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b Stats) int { return strings.Compare(a.Key, b.Key) })
	return out
}
