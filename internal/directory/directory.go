// Package directory keeps the client's view of which endpoints are online and
// through which relay connections, built from the relay's presence events.
package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-signal/internal/transport"
)

// Source is the relay connection the directory listens to. *transport.Channel
// satisfies it.
type Source interface {
	Subscribe(class transport.EventClass, fn func(transport.Event)) (unsubscribe func())
	Request(ctx context.Context, method, path string, body any) (json.RawMessage, error)
}

type ChangeKind int

const (
	// EndpointOnline: the first connection of an endpoint appeared.
	EndpointOnline ChangeKind = iota
	// EndpointOffline: the last connection of an endpoint went away.
	EndpointOffline
)

func (k ChangeKind) String() string {
	if k == EndpointOffline {
		return "offline"
	}
	return "online"
}

type Change struct {
	Kind     ChangeKind
	Endpoint string
}

// Entry is a snapshot of one endpoint.
type Entry struct {
	Endpoint    string
	Connections []string
	// Since is when the endpoint was first seen online.
	Since time.Time
}

type entry struct {
	conns map[string]struct{}
	since time.Time
}

type Directory struct {
	log *slog.Logger
	now func() time.Time

	mu      sync.RWMutex
	entries map[string]*entry

	watchMu  sync.RWMutex
	watchers []func(Change)
}

func New(logger *slog.Logger) *Directory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Directory{
		log:     logger.With("component", "directory"),
		now:     time.Now,
		entries: make(map[string]*entry),
	}
}

// OnChange registers fn for online/offline transitions. fn runs on the
// goroutine delivering the event and must not block.
func (d *Directory) OnChange(fn func(Change)) {
	d.watchMu.Lock()
	d.watchers = append(d.watchers, fn)
	d.watchMu.Unlock()
}

// Attach feeds the directory from src and re-syncs it after every
// reconnect, since presence changes during the outage were missed.
func (d *Directory) Attach(ctx context.Context, src Source) (detach func()) {
	var unsubs []func()
	for _, class := range []transport.EventClass{transport.EventJoin, transport.EventLeave, transport.EventPresence} {
		unsubs = append(unsubs, src.Subscribe(class, d.HandleEvent))
	}
	unsubs = append(unsubs, src.Subscribe(transport.EventReconnect, func(transport.Event) {
		// Off the dispatch goroutine: Refresh waits on a relay round trip.
		go func() {
			if err := d.Refresh(ctx, src); err != nil && ctx.Err() == nil {
				d.log.Warn("presence refresh after reconnect failed", "err", err)
			}
		}()
	}))
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// HandleEvent applies a join, leave or presence event. Other classes and
// malformed payloads are ignored.
func (d *Directory) HandleEvent(ev transport.Event) {
	var p transport.Presence
	if err := json.Unmarshal(ev.Data, &p); err != nil || strings.TrimSpace(p.Endpoint) == "" {
		d.log.Warn("dropping malformed presence event", "event", string(ev.Class), "err", err)
		return
	}

	var changes []Change
	d.mu.Lock()
	switch ev.Class {
	case transport.EventJoin:
		if p.ConnectionID == "" {
			d.mu.Unlock()
			d.log.Warn("join event without connection id", "endpoint", p.Endpoint)
			return
		}
		changes = d.addLocked(p.Endpoint, p.ConnectionID)
	case transport.EventLeave:
		changes = d.removeLocked(p.Endpoint, p.ConnectionID)
	case transport.EventPresence:
		changes = d.replaceLocked(p.Endpoint, p.Connections)
	}
	d.mu.Unlock()

	d.emit(changes)
}

// Refresh replaces the whole directory with the relay's current presence
// list.
func (d *Directory) Refresh(ctx context.Context, r Source) error {
	body, err := r.Request(ctx, "GET", transport.PathPresence, nil)
	if err != nil {
		return fmt.Errorf("directory: fetch presence: %w", err)
	}
	var list transport.PresenceList
	if len(body) > 0 {
		if err := json.Unmarshal(body, &list); err != nil {
			return fmt.Errorf("directory: decode presence: %w", err)
		}
	}

	listed := make(map[string]bool, len(list.Endpoints))
	var changes []Change
	d.mu.Lock()
	for _, p := range list.Endpoints {
		if p.Endpoint == "" {
			continue
		}
		listed[p.Endpoint] = true
		changes = append(changes, d.replaceLocked(p.Endpoint, p.Connections)...)
	}
	for endpoint := range d.entries {
		if !listed[endpoint] {
			changes = append(changes, d.replaceLocked(endpoint, nil)...)
		}
	}
	n := len(d.entries)
	d.mu.Unlock()

	d.log.Debug("presence refreshed", "endpoints", n)
	d.emit(changes)
	return nil
}

func (d *Directory) addLocked(endpoint, conn string) []Change {
	e, ok := d.entries[endpoint]
	if !ok {
		e = &entry{conns: make(map[string]struct{}), since: d.now()}
		d.entries[endpoint] = e
	}
	e.conns[conn] = struct{}{}
	if !ok {
		return []Change{{Kind: EndpointOnline, Endpoint: endpoint}}
	}
	return nil
}

// removeLocked drops conn, or every connection when conn is empty.
func (d *Directory) removeLocked(endpoint, conn string) []Change {
	e, ok := d.entries[endpoint]
	if !ok {
		return nil
	}
	if conn == "" {
		clear(e.conns)
	} else {
		delete(e.conns, conn)
	}
	if len(e.conns) > 0 {
		return nil
	}
	delete(d.entries, endpoint)
	return []Change{{Kind: EndpointOffline, Endpoint: endpoint}}
}

func (d *Directory) replaceLocked(endpoint string, conns []string) []Change {
	if len(conns) == 0 {
		return d.removeLocked(endpoint, "")
	}
	var changes []Change
	e, ok := d.entries[endpoint]
	if !ok {
		e = &entry{since: d.now()}
		d.entries[endpoint] = e
		changes = append(changes, Change{Kind: EndpointOnline, Endpoint: endpoint})
	}
	e.conns = make(map[string]struct{}, len(conns))
	for _, c := range conns {
		if c != "" {
			e.conns[c] = struct{}{}
		}
	}
	return changes
}

func (d *Directory) emit(changes []Change) {
	if len(changes) == 0 {
		return
	}
	d.watchMu.RLock()
	watchers := make([]func(Change), len(d.watchers))
	copy(watchers, d.watchers)
	d.watchMu.RUnlock()
	for _, c := range changes {
		d.log.Info("endpoint presence changed", "endpoint", c.Endpoint, "state", c.Kind.String())
		for _, fn := range watchers {
			fn(c)
		}
	}
}

func (d *Directory) Lookup(endpoint string) (Entry, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.entries[endpoint]
	if !ok {
		return Entry{}, false
	}
	return Entry{Endpoint: endpoint, Connections: sortedKeys(e.conns), Since: e.since}, true
}

// Connections lists an endpoint's connection ids in sorted order, or nil when
// it is offline.
func (d *Directory) Connections(endpoint string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.entries[endpoint]
	if !ok {
		return nil
	}
	return sortedKeys(e.conns)
}

// Endpoints lists the online endpoints in sorted order.
func (d *Directory) Endpoints() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.entries))
	for endpoint := range d.entries {
		out = append(out, endpoint)
	}
	sort.Strings(out)
	return out
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
