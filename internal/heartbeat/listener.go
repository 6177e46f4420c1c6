// SPDX-FileCopyrightText: 2026 Bill Wright
// SPDX-License-Identifier: Apache-2.0

package heartbeat

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// State is a Watch's liveness state machine (spec.md sec 3).
type State int

const (
	StateInit State = iota
	StateAlive
	StateMissed
)

// Callbacks are invoked by the Listener's scan loop and recv path. All
// three may be called concurrently with each other across different
// component ids, but never concurrently for the same Watch.
type Callbacks struct {
	FirstHeartbeat    func(componentID string)
	ReceivedHeartbeat func(componentID string)
	MissedHeartbeat   func(componentID string, sinceUS int64)
}

type watch struct {
	componentID string
	max         time.Duration
	lastSeen    time.Time
	state       State
	cb          Callbacks
}

// Listener maintains a component-id -> Watch map and periodically scans
// for missed heartbeats (spec.md sec 4.7).
type Listener struct {
	lock    sync.Mutex
	watches map[string]*watch
	log     zerolog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup

	now func() time.Time
}

// New creates an empty Listener. Call Start to begin the scan loop before
// adding watches with Watch.
func New(log zerolog.Logger) *Listener {
	return &Listener{
		watches: make(map[string]*watch),
		log:     log.With().Str("component", "heartbeat_listener").Logger(),
		now:     time.Now,
	}
}

// Watch registers a watch for componentID with a maximum inter-arrival
// time; cb.MissedHeartbeat fires once per transition into MISSED.
func (l *Listener) Watch(componentID string, max time.Duration, cb Callbacks) {
	l.lock.Lock()
	defer l.lock.Unlock()

	l.watches[componentID] = &watch{
		componentID: componentID,
		max:         max,
		lastSeen:    l.now(),
		state:       StateInit,
		cb:          cb,
	}
}

// Unwatch removes componentID's watch.
func (l *Listener) Unwatch(componentID string) {
	l.lock.Lock()
	defer l.lock.Unlock()
	delete(l.watches, componentID)
}

// OnHeartbeat records an arrival for componentID, firing FirstHeartbeat on
// the very first arrival or ReceivedHeartbeat on a transition back from
// MISSED to ALIVE (spec.md sec 4.7).
func (l *Listener) OnHeartbeat(componentID string) {
	l.lock.Lock()
	w, ok := l.watches[componentID]
	if !ok {
		l.lock.Unlock()
		return
	}

	wasInit := w.state == StateInit
	wasMissed := w.state == StateMissed
	w.lastSeen = l.now()
	w.state = StateAlive
	cb := w.cb
	l.lock.Unlock()

	switch {
	case wasInit && cb.FirstHeartbeat != nil:
		cb.FirstHeartbeat(componentID)
	case wasMissed && cb.ReceivedHeartbeat != nil:
		cb.ReceivedHeartbeat(componentID)
	}
}

// Start begins the periodic scan loop. Idempotent.
func (l *Listener) Start(scanInterval time.Duration) error {
	l.lock.Lock()
	defer l.lock.Unlock()

	if l.cancel != nil {
		return nil
	}
	if scanInterval <= 0 {
		scanInterval = 50 * time.Millisecond
	}

	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel

	l.wg.Add(1)
	go l.loop(ctx, scanInterval)
	return nil
}

// Stop halts the scan loop. Idempotent.
func (l *Listener) Stop() error {
	l.lock.Lock()
	cancel := l.cancel
	l.cancel = nil
	l.lock.Unlock()

	if cancel != nil {
		cancel()
		l.wg.Wait()
	}
	return nil
}

func (l *Listener) loop(ctx context.Context, scanInterval time.Duration) {
	defer l.wg.Done()

	ticker := time.NewTicker(scanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.scan()
		}
	}
}

func (l *Listener) scan() {
	now := l.now()

	type missed struct {
		componentID string
		sinceUS     int64
		cb          func(string, int64)
	}
	var fired []missed

	l.lock.Lock()
	for _, w := range l.watches {
		if w.state == StateMissed {
			continue
		}
		since := now.Sub(w.lastSeen)
		if since > w.max {
			w.state = StateMissed
			if w.cb.MissedHeartbeat != nil {
				fired = append(fired, missed{componentID: w.componentID, sinceUS: since.Microseconds(), cb: w.cb.MissedHeartbeat})
			}
		}
	}
	l.lock.Unlock()

	for _, m := range fired {
		m.cb(m.componentID, m.sinceUS)
	}
}
