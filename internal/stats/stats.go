// Package stats publishes relay counters through expvar.
package stats

import (
	"encoding/json"
	"expvar"
	"net/http"
	"runtime"
	"sync"
	"time"
)

const (
	ActiveClients       = "NumActiveClients"
	ActiveSubscriptions = "NumActiveSubscriptions"
	Writes              = "NumWrites"
	PersistErrors       = "NumPersistErrors"
)

type StatsProvider interface {
	Incr(name string)
	Decr(name string)
	Add(name string, delta int)
	RegisterMetric(name string)
}

// StatsUpdater applies counter changes on a single goroutine. Changes sent
// after Stop are dropped.
type StatsUpdater struct {
	vars     *expvar.Map
	deltas   chan delta
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

type delta struct {
	name string
	n    int64
}

// NewStatsUpdater publishes a new expvar map under name and serves it on
// GET /debug/vars. expvar panics if name is already published.
func NewStatsUpdater(mux *http.ServeMux, name string) *StatsUpdater {
	su := &StatsUpdater{
		vars:   expvar.NewMap(name),
		deltas: make(chan delta, 512),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	mux.HandleFunc("GET /debug/vars", su.serveVars)

	started := time.Now()
	su.vars.Set("Uptime", expvar.Func(func() any {
		return time.Since(started).Milliseconds()
	}))
	su.vars.Set("NumGoroutines", expvar.Func(func() any {
		return runtime.NumGoroutine()
	}))

	return su
}

func (su *StatsUpdater) serveVars(w http.ResponseWriter, _ *http.Request) {
	out := make(map[string]json.RawMessage)
	su.vars.Do(func(kv expvar.KeyValue) {
		out[kv.Key] = json.RawMessage(kv.Value.String())
	})

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	json.NewEncoder(w).Encode(out)
}

func (su *StatsUpdater) apply(d delta) {
	if metric, ok := su.vars.Get(d.name).(*expvar.Int); ok {
		metric.Add(d.n)
	}
}

func (su *StatsUpdater) loop() {
	defer close(su.done)
	for {
		select {
		case d := <-su.deltas:
			su.apply(d)
		case <-su.stop:
			for {
				select {
				case d := <-su.deltas:
					su.apply(d)
				default:
					return
				}
			}
		}
	}
}

func (su *StatsUpdater) Incr(name string) {
	su.Add(name, 1)
}

func (su *StatsUpdater) Decr(name string) {
	su.Add(name, -1)
}

func (su *StatsUpdater) Add(name string, n int) {
	select {
	case su.deltas <- delta{name: name, n: int64(n)}:
	case <-su.stop:
	}
}

// RegisterMetric creates a zeroed counter. Changes to unregistered names
// are ignored.
func (su *StatsUpdater) RegisterMetric(name string) {
	su.vars.Set(name, new(expvar.Int))
}

func (su *StatsUpdater) Value(name string) int64 {
	if metric, ok := su.vars.Get(name).(*expvar.Int); ok {
		return metric.Value()
	}
	return 0
}

func (su *StatsUpdater) Run() {
	go su.loop()
}

// Stop applies the changes already queued and stops the updater. It must
// follow Run.
func (su *StatsUpdater) Stop() {
	su.stopOnce.Do(func() { close(su.stop) })
	<-su.done
}
