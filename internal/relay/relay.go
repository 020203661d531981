// Package relay serves a shared memstore tree to remote clients over
// websockets and optionally mirrors its documents to a snapshot repository.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/npezzotti/go-pinboard/internal/database"
	"github.com/npezzotti/go-pinboard/internal/stats"
	"github.com/npezzotti/go-pinboard/internal/store"
	"github.com/npezzotti/go-pinboard/internal/store/memstore"
	"go.uber.org/zap"
)

const (
	// docDepth is the number of path segments that name a persisted
	// document, e.g. rooms/123456.
	docDepth = 2
	// ephemeralKey names the per-document child that is never persisted.
	ephemeralKey = "presence"
)

type Relay struct {
	log            *zap.SugaredLogger
	tree           *memstore.Tree
	stats          stats.StatsProvider
	repo           database.SnapshotRepository
	clients        map[*Client]struct{}
	clientsLock    sync.Mutex
	registerChan   chan *Client
	deRegisterChan chan *Client
	persistChan    chan string
	stop           chan struct{}
	stopOnce       sync.Once
	done           chan struct{}
	persistDone    chan struct{}
}

// NewRelay returns a relay serving tree. repo may be nil, in which case
// nothing is persisted.
func NewRelay(logger *zap.SugaredLogger, tree *memstore.Tree, repo database.SnapshotRepository, su stats.StatsProvider) *Relay {
	su.RegisterMetric(stats.ActiveClients)
	su.RegisterMetric(stats.ActiveSubscriptions)
	su.RegisterMetric(stats.Writes)
	su.RegisterMetric(stats.PersistErrors)

	r := &Relay{
		log:            logger,
		tree:           tree,
		stats:          su,
		repo:           repo,
		clients:        make(map[*Client]struct{}),
		registerChan:   make(chan *Client),
		deRegisterChan: make(chan *Client),
		persistChan:    make(chan string, 256),
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
		persistDone:    make(chan struct{}),
	}
	tree.OnWrite(r.onWrite)
	return r
}

// Load restores persisted documents into the tree. Ephemeral children are
// dropped since the connections that owned them are gone.
func (r *Relay) Load() error {
	if r.repo == nil {
		return nil
	}

	records, err := r.repo.ListRecords()
	if err != nil {
		return fmt.Errorf("load records: %w", err)
	}

	for _, rec := range records {
		var v any
		if err := json.Unmarshal(rec.Value, &v); err != nil {
			r.log.Warnw("skipping unreadable record", "path", rec.Path, "error", err)
			continue
		}
		if err := r.tree.Load(rec.Path, stripEphemeral(v)); err != nil {
			r.log.Warnw("skipping record", "path", rec.Path, "error", err)
			continue
		}
	}

	r.log.Infow("restored documents", "count", len(records))
	return nil
}

func (r *Relay) Run() {
	go r.persistLoop()

	for {
		select {
		case c := <-r.registerChan:
			r.log.Debugw("adding connection", "remote_addr", c.remoteAddr())
			r.addClient(c)
			r.stats.Incr(stats.ActiveClients)
		case c := <-r.deRegisterChan:
			r.log.Debugw("removing connection", "remote_addr", c.remoteAddr())
			if r.removeClient(c) {
				r.stats.Decr(stats.ActiveClients)
			}
		case <-r.stop:
			r.log.Info("stopping clients")
			r.clientsLock.Lock()
			for c := range r.clients {
				c.stopClient()
			}
			r.clientsLock.Unlock()

			<-r.persistDone
			close(r.done)
			return
		}
	}
}

// Register hands a connected client to the relay. It reports false once the
// relay is shutting down.
func (r *Relay) Register(c *Client) bool {
	select {
	case r.registerChan <- c:
		return true
	case <-r.stop:
		return false
	}
}

func (r *Relay) deRegister(c *Client) {
	select {
	case r.deRegisterChan <- c:
	case <-r.stop:
	}
}

func (r *Relay) addClient(c *Client) {
	r.clientsLock.Lock()
	defer r.clientsLock.Unlock()
	r.clients[c] = struct{}{}
}

func (r *Relay) removeClient(c *Client) bool {
	r.clientsLock.Lock()
	defer r.clientsLock.Unlock()
	if _, ok := r.clients[c]; !ok {
		return false
	}
	delete(r.clients, c)
	return true
}

func (r *Relay) NumClients() int {
	r.clientsLock.Lock()
	defer r.clientsLock.Unlock()
	return len(r.clients)
}

func (r *Relay) Shutdown(ctx context.Context) error {
	r.stopOnce.Do(func() {
		r.log.Info("received shutdown signal")
		close(r.stop)
	})

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// onWrite runs on the writer's goroutine after every applied write.
func (r *Relay) onWrite(touched [][]string) {
	r.stats.Incr(stats.Writes)
	if r.repo == nil {
		return
	}

	seen := make(map[string]struct{}, len(touched))
	for _, parts := range touched {
		if len(parts) < docDepth {
			r.log.Warnw("write above document level is not persisted", "path", store.Join(parts...))
			continue
		}
		if len(parts) > docDepth && parts[docDepth] == ephemeralKey {
			continue
		}

		doc := store.Join(parts[:docDepth]...)
		if _, ok := seen[doc]; ok {
			continue
		}
		seen[doc] = struct{}{}

		select {
		case r.persistChan <- doc:
		case <-r.stop:
			return
		}
	}
}

// persistLoop saves documents queued by onWrite. The value is read at save
// time, so a burst of writes to one document costs at most a few saves.
func (r *Relay) persistLoop() {
	defer close(r.persistDone)
	for {
		select {
		case doc := <-r.persistChan:
			r.persist(doc)
		case <-r.stop:
			for {
				select {
				case doc := <-r.persistChan:
					r.persist(doc)
				default:
					return
				}
			}
		}
	}
}

func (r *Relay) persist(doc string) {
	v, err := r.tree.Value(doc)
	if err != nil {
		r.log.Errorw("read document", "path", doc, "error", err)
		return
	}

	v = stripEphemeral(v)
	if v == nil {
		err = r.repo.DeleteRecord(doc)
	} else {
		var raw []byte
		raw, err = json.Marshal(v)
		if err == nil {
			err = r.repo.UpsertRecord(doc, raw)
		}
	}

	if err != nil {
		r.stats.Incr(stats.PersistErrors)
		r.log.Errorw("persist document", "path", doc, "error", err)
	}
}

func stripEphemeral(v any) any {
	m, ok := v.(map[string]any)
	if !ok {
		return v
	}
	if _, ok := m[ephemeralKey]; !ok {
		return m
	}

	out := make(map[string]any, len(m))
	for k, child := range m {
		if k != ephemeralKey {
			out[k] = child
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
