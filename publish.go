// Copyright 2025 Edgeo SCADA
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

package uaf

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/edgeo-scada/uaf/ua"
)

const (
	// minPublishTimeout bounds the wait for a publish response from below.
	minPublishTimeout = 10 * time.Second

	// publishRetryDelay is the pause after a failed publish.
	publishRetryDelay = 250 * time.Millisecond
)

// publishPump keeps one Publish request outstanding on a session and routes
// the responses to the subscriptions by server side subscription id.
type publishPump struct {
	m      *SubscriptionManager
	s      *session
	routes map[uint32]*subscription // guarded by m.mu
	wake   chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	ackMu sync.Mutex
	acks  []ua.SubscriptionAcknowledgement
}

// pumpLocked returns the pump of a session, starting it on first use. Must
// hold m.mu.
func (m *SubscriptionManager) pumpLocked(s *session) *publishPump {
	if p, ok := m.pumps[s.id]; ok {
		return p
	}
	ctx, cancel := context.WithCancel(m.ctx)
	p := &publishPump{
		m:      m,
		s:      s,
		routes: make(map[uint32]*subscription),
		wake:   make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	m.pumps[s.id] = p
	if m.ctx.Err() != nil {
		close(p.done)
		return p
	}
	m.wg.Add(1)
	go p.run()
	return p
}

func (p *publishPump) wakeUp() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *publishPump) close() {
	p.cancel()
	<-p.done
}

func (p *publishPump) run() {
	defer p.m.wg.Done()
	defer close(p.done)

	for {
		if !p.active() {
			select {
			case <-p.ctx.Done():
				return
			case <-p.wake:
			}
			continue
		}
		if _, err := p.s.waitConnected(p.ctx); err != nil {
			if p.ctx.Err() != nil {
				return
			}
			select {
			case <-p.ctx.Done():
				return
			case <-p.wake:
			}
			continue
		}

		res, err := p.publish()
		if err != nil {
			if p.ctx.Err() != nil {
				return
			}
			p.pause(err)
			continue
		}
		p.route(res)
	}
}

func (p *publishPump) active() bool {
	p.m.mu.Lock()
	defer p.m.mu.Unlock()
	return len(p.routes) > 0
}

// timeout is the longest keep-alive period of the routed subscriptions.
func (p *publishPump) timeout() time.Duration {
	p.m.mu.Lock()
	defer p.m.mu.Unlock()
	d := minPublishTimeout
	for _, sub := range p.routes {
		d = max(d, sub.keepAliveTimeout())
	}
	return d
}

func (p *publishPump) publish() (*ua.PublishResult, error) {
	p.ackMu.Lock()
	acks := p.acks
	p.acks = nil
	p.ackMu.Unlock()

	ctx, cancel := context.WithTimeout(p.ctx, p.timeout())
	defer cancel()

	var res *ua.PublishResult
	err := p.s.do(ctx, ua.ServicePublish, func(ctx context.Context, ch Channel) error {
		var err error
		res, err = ch.Publish(ctx, acks)
		return err
	})
	if err != nil && IsTimeout(err) && len(acks) > 0 {
		p.ackMu.Lock()
		p.acks = append(acks, p.acks...)
		p.ackMu.Unlock()
	}
	return res, err
}

// pause waits after a failed publish. Publish timeouts are retried at once.
func (p *publishPump) pause(err error) {
	if IsTimeout(err) {
		return
	}
	delay := publishRetryDelay
	if IsStatusCode(err, ua.StatusBadNoSubscription) {
		delay = p.m.retryInterval
	} else {
		p.s.logger.Debug("publish failed", slog.String("error", err.Error()))
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-p.ctx.Done():
	case <-p.wake:
	case <-t.C:
	}
}

func (p *publishPump) route(res *ua.PublishResult) {
	p.m.mu.Lock()
	sub := p.routes[res.SubscriptionID]
	p.m.mu.Unlock()
	if sub == nil {
		if !res.Message.IsKeepAlive() {
			p.ack(res.SubscriptionID, res.Message.SequenceNumber)
		}
		p.s.logger.Debug("publish response for unknown subscription",
			slog.Uint64("subscription_id", uint64(res.SubscriptionID)))
		return
	}
	select {
	case sub.inbox <- delivery{serverID: res.SubscriptionID, result: res}:
	case <-sub.stop:
	case <-p.ctx.Done():
	}
}

func (p *publishPump) ack(serverID, seq uint32) {
	p.ackMu.Lock()
	p.acks = append(p.acks, ua.SubscriptionAcknowledgement{SubscriptionID: serverID, SequenceNumber: seq})
	p.ackMu.Unlock()
}

// startConsumer starts the goroutine that processes the publish responses
// of a subscription in order. Must hold m.mu.
func (m *SubscriptionManager) startConsumer(sub *subscription) {
	m.wg.Add(1)
	go m.consume(sub)
}

func (m *SubscriptionManager) consume(sub *subscription) {
	defer m.wg.Done()
	var serverID, last uint32
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-sub.stop:
			return
		case d := <-sub.inbox:
			if d.serverID != serverID {
				serverID, last = d.serverID, 0
			}
			last = m.process(sub, d.serverID, &d.result.Message, last)
		}
	}
}

// process handles one notification message and returns the sequence number
// of the last message seen. A keep-alive carries the number of the next
// message, so it implies everything before it was sent.
func (m *SubscriptionManager) process(sub *subscription, serverID uint32, msg *ua.NotificationMessage, last uint32) uint32 {
	seq := msg.SequenceNumber
	if msg.IsKeepAlive() {
		if last != 0 && seq != nextSequence(last) && sequenceAfter(seq, last) {
			m.recover(sub, serverID, last, seq)
		}
		m.metrics.KeepAlives.Add(1)
		emit(m, sub, m.notifier.keepAlive, KeepAliveNotification{
			ServerURI:          sub.session.serverURI,
			ConnectionID:       sub.session.id,
			SubscriptionHandle: sub.handle,
			SequenceNumber:     seq,
			PublishTime:        msg.PublishTime,
		})
		if last != 0 && !sequenceAfter(seq, last) {
			return last
		}
		return prevSequence(seq)
	}

	if last != 0 {
		if !sequenceAfter(seq, last) {
			m.ack(sub.session, serverID, seq)
			return last
		}
		if seq != nextSequence(last) {
			m.recover(sub, serverID, last, seq)
		}
	}
	m.deliver(sub, serverID, msg)
	m.ack(sub.session, serverID, seq)
	return seq
}

// recover republishes the messages between last and next and reports the
// runs that could not be recovered.
func (m *SubscriptionManager) recover(sub *subscription, serverID, last, next uint32) {
	prev := last
	missing := false
	attempts := 0
	for n := nextSequence(last); n != next; n = nextSequence(n) {
		if attempts >= m.maxRepublish {
			missing = true
			break
		}
		attempts++
		msg := m.republish(sub, serverID, n)
		if msg == nil {
			missing = true
			continue
		}
		if missing {
			m.missing(sub, prev, n)
			missing = false
		}
		m.deliver(sub, serverID, msg)
		m.ack(sub.session, serverID, n)
		prev = n
	}
	if missing {
		m.missing(sub, prev, next)
	}
}

func (m *SubscriptionManager) republish(sub *subscription, serverID, seq uint32) *ua.NotificationMessage {
	m.metrics.RepublishRequests.Add(1)
	ctx, cancel := withCallTimeout(m.ctx, m.service.CallTimeout)
	defer cancel()
	var msg *ua.NotificationMessage
	err := sub.session.do(ctx, ua.ServiceRepublish, func(ctx context.Context, ch Channel) error {
		var err error
		msg, err = ch.Republish(ctx, serverID, seq)
		return err
	})
	if err != nil {
		return nil
	}
	return msg
}

func (m *SubscriptionManager) missing(sub *subscription, prev, next uint32) {
	m.metrics.MissingNotifications.Add(1)
	m.logger.Warn("notifications missing",
		slog.Uint64("subscription", uint64(sub.handle)),
		slog.Uint64("previous", uint64(prev)),
		slog.Uint64("next", uint64(next)))
	emit(m, sub, m.notifier.notificationsMissing, NotificationsMissing{
		ServerURI:              sub.session.serverURI,
		ConnectionID:           sub.session.id,
		SubscriptionHandle:     sub.handle,
		PreviousSequenceNumber: prev,
		NewSequenceNumber:      next,
	})
}

// deliver hands the notifications of a message to the sinks of their
// items. Notifications of deleted items are dropped.
func (m *SubscriptionManager) deliver(sub *subscription, serverID uint32, msg *ua.NotificationMessage) {
	if msg.StatusChange != nil && msg.StatusChange.IsBad() {
		status := *msg.StatusChange
		m.mu.Lock()
		changed := sub.serverID == serverID && m.invalidateLocked(sub, status)
		m.mu.Unlock()
		if changed {
			m.emitSubscriptionStatus(sub, NotCreated, status)
			m.kickRetry()
		}
	}

	var (
		data   []DataChangeNotification
		events []EventNotification
	)
	serverURI, conn := sub.session.serverURI, sub.session.id
	m.mu.Lock()
	for _, n := range msg.DataChanges {
		h := ClientHandle(n.ClientHandle)
		if it, ok := m.items[h]; !ok || it.sub != sub || it.event {
			continue
		}
		data = append(data, DataChangeNotification{
			ServerURI:          serverURI,
			ConnectionID:       conn,
			SubscriptionHandle: sub.handle,
			ClientHandle:       h,
			SequenceNumber:     msg.SequenceNumber,
			Value:              n.Value,
			Status:             n.Value.Status,
		})
	}
	for _, e := range msg.Events {
		h := ClientHandle(e.ClientHandle)
		if it, ok := m.items[h]; !ok || it.sub != sub || !it.event {
			continue
		}
		events = append(events, EventNotification{
			ServerURI:          serverURI,
			ConnectionID:       conn,
			SubscriptionHandle: sub.handle,
			ClientHandle:       h,
			SequenceNumber:     msg.SequenceNumber,
			Fields:             e.EventFields,
		})
	}
	m.mu.Unlock()

	if len(data) == 0 && len(events) == 0 {
		return
	}
	m.metrics.DataNotifications.Add(int64(len(data)))
	m.metrics.EventNotifications.Add(int64(len(events)))
	m.workers.submit(uint32(sub.handle), func() {
		for _, n := range data {
			m.notifier.dataChange(n)
		}
		for _, e := range events {
			m.notifier.event(e)
		}
	})
}

func (m *SubscriptionManager) ack(s *session, serverID, seq uint32) {
	m.mu.Lock()
	p := m.pumps[s.id]
	m.mu.Unlock()
	if p != nil {
		p.ack(serverID, seq)
	}
}

func (m *SubscriptionManager) emitSubscriptionStatus(sub *subscription, state CreationState, status ua.StatusCode) {
	emit(m, sub, m.notifier.subscriptionStatus, SubscriptionStatusChange{
		ServerURI:          sub.session.serverURI,
		ConnectionID:       sub.session.id,
		SubscriptionHandle: sub.handle,
		State:              state,
		Status:             status,
	})
}

// emit delivers v on the worker of the subscription, after the
// notifications queued before it.
func emit[T any](m *SubscriptionManager, sub *subscription, fn func(T), v T) {
	m.workers.submit(uint32(sub.handle), func() { fn(v) })
}
