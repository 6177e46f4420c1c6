// SPDX-FileCopyrightText: 2026 Bill Wright
// SPDX-License-Identifier: Apache-2.0

// Package heartbeat implements the Heartbeat Publisher and Listener
// (spec.md sec 4.6-4.7). The Publisher is a dedicated goroutine that
// republishes a small liveness message under a component id at a fixed
// interval; the Listener watches subscribed heartbeat streams and fires
// timeout notifications. Grounded on the teacher's
// Server.sendHeartbeat, whose time.After-in-a-select ticker loop is
// reused verbatim in shape — the teacher already implements exactly this
// pattern for its own ServiceAlive heartbeat.
package heartbeat

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/bill-wright/gravity/internal/wire"
)

// PublishFunc sends body under productID/filterText with a timestamp,
// matching publish.Manager.Publish's signature without creating an
// import-cycle dependency on that package.
type PublishFunc func(productID, filterText string, body []byte, timestampUS int64) error

// Publisher republishes a Heartbeat message for componentID at interval
// until stopped. Sleep drift is acceptable; the timestamp inside each
// message is authoritative (spec.md sec 4.6).
type Publisher struct {
	componentID string
	interval    time.Duration
	publish     PublishFunc
	log         zerolog.Logger

	lock   sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup

	now func() time.Time // overridable for tests
}

// NewPublisher creates a Publisher for componentID. publish is typically
// publish.Manager.Publish bound to the already-registered heartbeat
// product (spec.md sec 4.1: startHeartbeat registers the product first).
func NewPublisher(componentID string, interval time.Duration, publish PublishFunc, log zerolog.Logger) *Publisher {
	return &Publisher{
		componentID: componentID,
		interval:    interval,
		publish:     publish,
		log:         log.With().Str("component", "heartbeat_publisher").Str("component_id", componentID).Logger(),
		now:         time.Now,
	}
}

// Start begins the publish loop. Idempotent.
func (p *Publisher) Start() error {
	p.lock.Lock()
	defer p.lock.Unlock()

	if p.cancel != nil {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	p.wg.Add(1)
	go p.loop(ctx)
	return nil
}

// Stop halts the publish loop. Idempotent.
func (p *Publisher) Stop() error {
	p.lock.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.lock.Unlock()

	if cancel != nil {
		cancel()
		p.wg.Wait()
	}
	return nil
}

func (p *Publisher) loop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hb := &wire.Heartbeat{ComponentID: p.componentID, TimestampUS: p.now().UnixMicro()}
			body, err := wire.Encode(hb)
			if err != nil {
				p.log.Warn().Err(err).Msg("failed to encode heartbeat")
				continue
			}
			if err := p.publish(p.componentID, "", body, hb.TimestampUS); err != nil {
				p.log.Warn().Err(err).Msg("failed to publish heartbeat")
			}
		}
	}
}
