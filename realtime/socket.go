// Copyright concrnt Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package realtime implements C8, the realtime socket: a reconnecting
// WebSocket subscription client that dispatches timeline events to
// registered listeners and keeps the cache layer in sync.
package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"github.com/concrnt/go-sdk/auth"
	"github.com/concrnt/go-sdk/liveness"
)

// State is the socket's connection state, per spec.md §4.8.
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateReconnecting
)

const (
	reconnectSupervisorInterval = 1 * time.Second
	heartbeatInterval           = 30 * time.Second
	waitOpenPollInterval        = 200 * time.Millisecond
	waitOpenMaxAttempts         = 10
)

// Invalidator is the narrow cache surface the socket needs to drop stale
// entities; satisfied by *cache.Layer.
type Invalidator interface {
	Invalidate(ctx context.Context, cacheKey string) error
}

// Upserter is the narrow cache surface the socket needs to push fresh
// message bodies; satisfied by *cache.Layer.
type Upserter interface {
	Upsert(ctx context.Context, cacheKey string, raw []byte) error
}

// CacheSink is the combined cache dependency of the socket.
type CacheSink interface {
	Invalidator
	Upserter
}

// EventDocument is the embedded document of a TimelineEvent, per spec.md
// §4.8 and §6.
type EventDocument struct {
	Type        string          `json:"type"`
	Target      string          `json:"target,omitempty"`
	Association *AssociationRef `json:"association,omitempty"`
}

// AssociationRef names the message an association document points at.
type AssociationRef struct {
	Target string `json:"target"`
}

// TimelineEvent is a single server-pushed event, per spec.md §6's wire
// protocol fields.
type TimelineEvent struct {
	Timeline  string          `json:"timeline"`
	Item      string          `json:"item"`
	Resource  string          `json:"resource,omitempty"`
	Document  *EventDocument  `json:"document,omitempty"`
	ParsedDoc json.RawMessage `json:"parsedDoc,omitempty"`
}

// Listener receives dispatched TimelineEvents for the timelines it
// registered for.
type Listener func(TimelineEvent)

// Handle identifies a registered Listener for Unlisten. Go function values
// are not comparable, so (unlike the "same callback" removal spec.md
// describes) callers keep the Handle returned by Listen and pass it back.
type Handle uint64

type registration struct {
	handle    Handle
	timelines map[string]struct{}
	cb        Listener
}

var handleSeq uint64

// Socket is the C8 realtime socket.
type Socket struct {
	url    string
	authP  auth.Provider
	cache  CacheSink
	clock  clockwork.Clock
	dialer *websocket.Dialer

	mu            sync.Mutex
	conn          *websocket.Conn
	state         State
	failCount     int
	reconnecting  bool
	registrations map[Handle]*registration
	listenersByID map[string]map[Handle]struct{}

	dispatchMu sync.Mutex // serializes per-timeline dispatch ordering

	done      chan struct{}
	closeOnce sync.Once
}

// New constructs a Socket bound to host (an override, or authP.GetHost()).
func New(host string, authP auth.Provider, cacheSink CacheSink, clock clockwork.Clock) *Socket {
	if host == "" {
		host = authP.GetHost()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Socket{
		url:           "wss://" + host + "/api/v1/timelines/realtime",
		authP:         authP,
		cache:         cacheSink,
		clock:         clock,
		dialer:        websocket.DefaultDialer,
		state:         StateConnecting,
		registrations: make(map[Handle]*registration),
		listenersByID: make(map[string]map[Handle]struct{}),
		done:          make(chan struct{}),
	}
}

// Connect starts the first dial and the reconnect and heartbeat
// supervisors in background goroutines and returns immediately, without
// waiting for the dial; callers wanting to block until the socket is open
// should call WaitOpen.
func (s *Socket) Connect(ctx context.Context) {
	go s.dial(ctx)
	go s.superviseReconnect(ctx)
	go s.superviseHeartbeat(ctx)
}

// Close disposes the socket and stops its supervisors.
func (s *Socket) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		if s.conn != nil {
			err = s.conn.Close()
		}
		s.mu.Unlock()
	})
	return err
}

// State reports the socket's current connection state.
func (s *Socket) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// WaitOpen polls the socket's state every 200ms for up to 10 attempts, per
// spec.md §4.8.
func (s *Socket) WaitOpen(ctx context.Context) error {
	for i := 0; i < waitOpenMaxAttempts; i++ {
		if s.State() == StateOpen {
			return nil
		}
		select {
		case <-ctx.Done():
			return trace.Wrap(ctx.Err())
		case <-time.After(waitOpenPollInterval):
		}
	}
	return trace.Errorf("realtime socket did not open after %d attempts", waitOpenMaxAttempts)
}

func (s *Socket) dial(ctx context.Context) {
	s.mu.Lock()
	s.state = StateConnecting
	s.mu.Unlock()

	headers := http.Header{}
	if s.authP != nil {
		if authHeaders, err := s.authP.GetHeaders(ctx, s.authP.GetHost()); err == nil {
			for k, v := range authHeaders {
				headers.Set(k, v)
			}
		}
	}

	conn, _, err := s.dialer.DialContext(ctx, s.url, headers)
	if err != nil {
		log.WithError(err).Warn("realtime socket dial failed")
		s.mu.Lock()
		s.failCount++
		s.state = StateConnecting
		s.mu.Unlock()
		return
	}

	s.mu.Lock()
	s.conn = conn
	s.state = StateOpen
	s.failCount = 0
	channels := s.allTimelineIDs()
	s.mu.Unlock()

	if err := s.sendFrame(wireFrame{Type: "listen", Channels: channels}); err != nil {
		log.WithError(err).Warn("failed to send initial listen frame")
	}

	go s.readLoop(conn)
}

// readLoop pumps incoming frames until the connection errors or closes, at
// which point the reconnect supervisor takes over.
func (s *Socket) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			if s.conn == conn {
				s.state = StateConnecting
			}
			s.mu.Unlock()
			return
		}
		var event TimelineEvent
		if err := json.Unmarshal(data, &event); err != nil {
			log.WithError(err).Warn("realtime socket: malformed event frame")
			continue
		}
		s.handleEvent(event)
	}
}

// handleEvent applies the cache-invalidation side effects of spec.md §4.8
// and dispatches the event to every listener registered for its timeline.
func (s *Socket) handleEvent(event TimelineEvent) {
	ctx := context.Background()
	if event.Document != nil {
		switch event.Document.Type {
		case "message":
			if event.Resource != "" && event.Item != "" {
				_ = s.cache.Upsert(ctx, "message:"+event.Item, []byte(event.Resource))
			}
		case "association":
			if event.Document.Association != nil {
				_ = s.cache.Invalidate(ctx, "message:"+event.Document.Association.Target)
			}
		case "delete":
			target := event.Document.Target
			if len(target) > 0 {
				switch target[0] {
				case 'm':
					_ = s.cache.Invalidate(ctx, "message:"+target)
				case 'a':
					if event.Document.Association != nil {
						_ = s.cache.Invalidate(ctx, "message:"+event.Document.Association.Target)
					}
				}
			}
		}
	}

	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()

	s.mu.Lock()
	handles := make([]Handle, 0)
	for h := range s.listenersByID[event.Timeline] {
		handles = append(handles, h)
	}
	cbs := make([]Listener, 0, len(handles))
	for _, h := range handles {
		if reg, ok := s.registrations[h]; ok {
			cbs = append(cbs, reg.cb)
		}
	}
	s.mu.Unlock()

	for _, cb := range cbs {
		cb(event)
	}
}

// Listen registers cb for every id in timelines, sending a refreshed
// "listen" frame if any id is newly subscribed, per spec.md §4.8.
func (s *Socket) Listen(timelines []string, cb Listener) Handle {
	s.mu.Lock()
	handle := Handle(atomic.AddUint64(&handleSeq, 1))
	set := make(map[string]struct{}, len(timelines))
	grew := false
	for _, id := range timelines {
		set[id] = struct{}{}
		if _, ok := s.listenersByID[id]; !ok {
			s.listenersByID[id] = make(map[Handle]struct{})
			grew = true
		}
		s.listenersByID[id][handle] = struct{}{}
	}
	s.registrations[handle] = &registration{handle: handle, timelines: set, cb: cb}
	channels := s.allTimelineIDsLocked()
	s.mu.Unlock()

	if grew {
		if err := s.sendFrame(wireFrame{Type: "listen", Channels: channels}); err != nil {
			log.WithError(err).Warn("failed to send refreshed listen frame")
		}
	}
	return handle
}

// Unlisten removes the registration identified by handle, sending a
// refreshed "unlisten" frame if the overall set of subscribed ids shrank.
func (s *Socket) Unlisten(handle Handle) {
	s.mu.Lock()
	reg, ok := s.registrations[handle]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.registrations, handle)
	shrank := false
	for id := range reg.timelines {
		if byID, ok := s.listenersByID[id]; ok {
			delete(byID, handle)
			if len(byID) == 0 {
				delete(s.listenersByID, id)
				shrank = true
			}
		}
	}
	channels := s.allTimelineIDsLocked()
	s.mu.Unlock()

	if shrank {
		if err := s.sendFrame(wireFrame{Type: "unlisten", Channels: channels}); err != nil {
			log.WithError(err).Warn("failed to send refreshed unlisten frame")
		}
	}
}

func (s *Socket) allTimelineIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.allTimelineIDsLocked()
}

func (s *Socket) allTimelineIDsLocked() []string {
	ids := make([]string, 0, len(s.listenersByID))
	for id := range s.listenersByID {
		ids = append(ids, id)
	}
	return ids
}

type wireFrame struct {
	Type     string   `json:"type"`
	Channels []string `json:"channels,omitempty"`
}

func (s *Socket) sendFrame(f wireFrame) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return trace.Errorf("realtime socket is not connected")
	}
	data, err := json.Marshal(f)
	if err != nil {
		return trace.Wrap(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return trace.Wrap(conn.WriteMessage(websocket.TextMessage, data))
}

// superviseReconnect runs every 1s: if the socket is not open and no
// reconnect is already pending, schedules a new dial after the back-off
// interval for the current failure count.
func (s *Socket) superviseReconnect(ctx context.Context) {
	ticker := s.clock.NewTicker(reconnectSupervisorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			s.mu.Lock()
			notOpen := s.state != StateOpen
			alreadyPending := s.reconnecting
			failCount := s.failCount
			if notOpen && !alreadyPending {
				s.reconnecting = true
				s.state = StateReconnecting
			}
			s.mu.Unlock()

			if notOpen && !alreadyPending {
				delay := liveness.BackoffDuration(failCount)
				go func() {
					select {
					case <-s.done:
						return
					case <-time.After(delay):
					}
					s.mu.Lock()
					s.reconnecting = false
					s.mu.Unlock()
					s.dial(ctx)
				}()
			}
		}
	}
}

// superviseHeartbeat sends a {"type":"h"} frame on the open socket every
// 30s, per spec.md §4.8.
func (s *Socket) superviseHeartbeat(ctx context.Context) {
	ticker := s.clock.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if s.State() == StateOpen {
				if err := s.sendFrame(wireFrame{Type: "h"}); err != nil {
					log.WithError(err).Debug("heartbeat send failed")
				}
			}
		}
	}
}
