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
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edgeo-scada/uaf/ua"
)

// SessionInformation is a snapshot of a session.
type SessionInformation struct {
	ConnectionID                ConnectionID
	ServerURI                   string
	EndpointURL                 string
	Settings                    SessionSettings
	State                       SessionState
	LastConnectionAttemptStatus ua.StatusCode
	LastError                   error
	SecurityPolicy              ua.SecurityPolicy
	SecurityMode                ua.MessageSecurityMode
	ConnectedSince              time.Time
}

// session is one channel to one server, kept alive by its own goroutine.
type session struct {
	id          ConnectionID
	serverURI   string // set before the session is registered
	endpointURL string // non-empty when bound to one endpoint
	settings    SessionSettings
	mgr         *SessionManager
	logger      *slog.Logger

	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
	lost       chan error
	registered atomic.Bool

	mu          sync.Mutex
	state       SessionState
	ch          Channel
	endpoint    ua.EndpointDescription
	changed     chan struct{}
	attempted   bool // a connection attempt failed since the last loss
	lastErr     error
	lastStatus  ua.StatusCode
	connected   bool // connected at least once
	connectedAt time.Time
	closed      bool
}

func newSession(m *SessionManager, id ConnectionID, serverURI, endpointURL string, settings SessionSettings) *session {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		id:          id,
		serverURI:   serverURI,
		endpointURL: endpointURL,
		settings:    settings,
		mgr:         m,
		logger:      m.logger.With(slog.Uint64("connection_id", uint64(id))),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
		lost:        make(chan error, 1),
		changed:     make(chan struct{}),
	}
}

func (s *session) start() {
	go s.run()
}

// run connects with exponential backoff and supervises the channel until
// the session is closed.
func (s *session) run() {
	defer close(s.done)

	initial := s.settings.ReconnectBackoff
	if initial <= 0 {
		initial = DefaultReconnectBackoff
	}
	backoff := initial
	for {
		if !s.isConnected() {
			if err := s.connect(s.ctx); err != nil {
				if s.ctx.Err() != nil {
					return
				}
				s.failed(err)

				t := time.NewTimer(backoff)
				select {
				case <-s.ctx.Done():
					t.Stop()
					return
				case <-t.C:
				}
				backoff *= 2
				if maxDelay := s.settings.MaxReconnectDelay; maxDelay > 0 && backoff > maxDelay {
					backoff = maxDelay
				}
				continue
			}
		}
		backoff = initial
		if !s.supervise() {
			return
		}
	}
}

func (s *session) isConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateConnected && s.ch != nil
}

// isCurrent reports whether ch is the live channel of the session.
func (s *session) isCurrent(ch Channel) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ch != nil && s.ch == ch && s.state == StateConnected
}

// connect opens a channel and activates a session on it.
func (s *session) connect(ctx context.Context) error {
	s.mu.Lock()
	reconnecting := s.connected
	s.mu.Unlock()

	if !reconnecting {
		s.setState(StateConnecting, ua.StatusGood)
	}

	cctx, cancel := ctx, context.CancelFunc(func() {})
	if s.settings.ConnectTimeout > 0 {
		cctx, cancel = context.WithTimeout(ctx, s.settings.ConnectTimeout)
	}
	defer cancel()

	var (
		ep  ua.EndpointDescription
		err error
	)
	if s.endpointURL != "" {
		ep, err = s.mgr.discovery.EndpointAt(cctx, s.endpointURL, s.settings)
	} else {
		ep, err = s.mgr.discovery.ResolveEndpoint(cctx, s.serverURI, s.settings)
	}
	if err != nil {
		return connectError(err)
	}
	if err := validateEndpoint(s.mgr.certs, ep); err != nil {
		return err
	}

	if !reconnecting {
		s.setState(StateActivatingSession, ua.StatusGood)
	}
	s.logger.Debug("opening session",
		slog.String("endpoint", ep.EndpointURL),
		slog.String("security_policy", ep.SecurityPolicyURI.ShortName()),
		slog.String("security_mode", ep.SecurityMode.String()))

	ch, err := s.mgr.transport.Connect(cctx, s.mgr.channelConfig(ep, s.settings))
	if err != nil {
		return connectError(err)
	}

	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		closeChannel(ch)
		return s.closedError(ua.ServiceCreateSession)
	}
	if s.serverURI == "" {
		s.serverURI = ep.Server.ApplicationURI
		if s.serverURI == "" {
			s.serverURI = s.endpointURL
		}
	}
	s.ch, s.endpoint = ch, ep
	s.attempted, s.lastErr, s.lastStatus = true, nil, ua.StatusGood
	s.connected = true
	s.connectedAt = time.Now()
	s.mu.Unlock()

	s.mgr.metrics.ActiveSessions.Add(1)
	s.logger.Info("session connected",
		slog.String("server_uri", s.serverURI),
		slog.String("endpoint", ep.EndpointURL))
	s.setState(StateConnected, ua.StatusGood)
	return nil
}

// connectError maps a failure to open a session to ErrConnection unless it
// is a security or discovery failure.
func connectError(err error) error {
	err = classify(ua.ServiceCreateSession, err)
	var e *Error
	if !errors.As(err, &e) {
		return err
	}
	if errors.Is(err, ErrSecurity) || errors.Is(err, ErrDiscovery) || errors.Is(err, ErrConnection) {
		return err
	}
	status := e.Status
	if status == ua.StatusGood {
		status = ua.StatusBadCommunicationError
	}
	return &Error{Kind: ErrConnection, Service: e.Service, Status: status, Message: e.Message, Err: e.Err}
}

func (s *session) failed(err error) {
	status := StatusOf(err)
	s.mu.Lock()
	s.attempted, s.lastErr, s.lastStatus = true, err, status
	next := StateDisconnected
	if s.connected {
		next = StateReconnecting
	}
	s.mu.Unlock()

	s.logger.Warn("connection attempt failed",
		slog.String("server_uri", s.serverURI),
		slog.String("error", err.Error()))
	s.setState(next, status)
}

// setState wakes everyone waiting for a change and reports transitions of
// registered sessions.
func (s *session) setState(st SessionState, status ua.StatusCode) {
	s.mu.Lock()
	prev := s.state
	s.state = st
	close(s.changed)
	s.changed = make(chan struct{})
	s.mu.Unlock()

	if prev != st && s.registered.Load() {
		s.mgr.stateChanged(s, prev, st, status)
	}
}

// supervise watches the channel until it is lost (true) or the session is
// closed (false).
func (s *session) supervise() bool {
	var tick <-chan time.Time
	if s.settings.WatchdogInterval > 0 {
		t := time.NewTicker(s.settings.WatchdogInterval)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case <-s.ctx.Done():
			return false
		case cause := <-s.lost:
			s.drop(cause)
			return true
		case <-tick:
			if err := s.watchdog(); err != nil {
				s.drop(err)
				return true
			}
		}
	}
}

// watchdog reads the server state. Connection failures, timeouts and a
// server that is not running count as a lost channel.
func (s *session) watchdog() error {
	s.mu.Lock()
	ch := s.ch
	s.mu.Unlock()
	if ch == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.settings.WatchdogInterval)
	defer cancel()

	start := time.Now()
	dvs, err := ch.Read(ctx, 0, []ua.ReadValueID{{NodeID: ua.ServerStatusStateNode, AttributeID: ua.AttributeValue}})
	err = classify(ua.ServiceRead, err)
	s.mgr.metrics.observe(ua.ServiceRead, start, err)
	switch {
	case s.ctx.Err() != nil:
		return nil
	case IsConnectionError(err), IsTimeout(err):
		return err
	case err != nil:
		s.logger.Debug("watchdog read failed", slog.String("error", err.Error()))
		return nil
	}
	if len(dvs) != 1 || !dvs[0].Status.IsGood() {
		return nil
	}
	if st, ok := serverState(dvs[0].Value); ok && st != ServerStateRunning {
		return newError(ErrConnection, ua.ServiceRead, ua.StatusBadServerNotConnected, "server state is %d", st)
	}
	return nil
}

func serverState(v *ua.Variant) (ServerState, bool) {
	if v == nil {
		return 0, false
	}
	switch x := v.Value.(type) {
	case int32:
		return ServerState(x), true
	case uint32:
		return ServerState(x), true
	case int64:
		return ServerState(x), true
	case int:
		return ServerState(x), true
	}
	return 0, false
}

// drop closes a lost channel and starts reconnecting.
func (s *session) drop(cause error) {
	s.mu.Lock()
	ch := s.ch
	s.ch = nil
	s.attempted, s.lastErr = false, nil
	s.lastStatus = StatusOf(cause)
	s.mu.Unlock()

	select {
	case <-s.lost:
	default:
	}
	if ch != nil {
		closeChannel(ch)
		s.mgr.metrics.ActiveSessions.Add(-1)
	}
	s.mgr.metrics.Reconnections.Add(1)
	s.logger.Warn("session lost",
		slog.String("server_uri", s.serverURI),
		slog.String("error", cause.Error()))
	s.setState(StateReconnecting, StatusOf(cause))
}

func closeChannel(ch Channel) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = ch.Close(ctx)
}

// channelFailed reports a connection failure seen on ch. Failures of a
// channel that was already replaced are ignored.
func (s *session) channelFailed(ch Channel, cause error) {
	s.mu.Lock()
	current := s.ch == ch && s.state == StateConnected
	s.mu.Unlock()
	if !current {
		return
	}
	select {
	case s.lost <- cause:
	default:
	}
}

// channel returns the current channel, waiting while a first connection
// attempt is in progress. After a failed attempt it fails fast with that
// attempt's error until the session connects again.
func (s *session) channel(ctx context.Context) (Channel, error) {
	return s.wait(ctx, true)
}

// waitConnected blocks until the session is connected.
func (s *session) waitConnected(ctx context.Context) (Channel, error) {
	return s.wait(ctx, false)
}

func (s *session) wait(ctx context.Context, failFast bool) (Channel, error) {
	for {
		s.mu.Lock()
		switch {
		case s.closed:
			s.mu.Unlock()
			return nil, s.closedError(0)
		case s.state == StateConnected && s.ch != nil:
			ch := s.ch
			s.mu.Unlock()
			return ch, nil
		case failFast && s.attempted && s.lastErr != nil:
			err := s.lastErr
			s.mu.Unlock()
			return nil, err
		}
		changed := s.changed
		s.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.ctx.Done():
			return nil, s.closedError(0)
		}
	}
}

func (s *session) closedError(svc ua.ServiceID) *Error {
	return newError(ErrConnection, svc, ua.StatusBadSessionClosed, "session %d closed", s.id)
}

// do runs one service call on the session's channel. The call is aborted
// when the session is closed; connection failures start a reconnect.
func (s *session) do(ctx context.Context, svc ua.ServiceID, fn func(context.Context, Channel) error) error {
	start := time.Now()
	err := s.call(ctx, svc, fn)
	s.mgr.metrics.observe(svc, start, err)
	if err != nil {
		s.logger.Debug("service call failed",
			slog.String("service", svc.String()),
			slog.String("error", err.Error()))
	}
	return err
}

func (s *session) call(ctx context.Context, svc ua.ServiceID, fn func(context.Context, Channel) error) error {
	ch, err := s.channel(ctx)
	if err != nil {
		return s.callError(ctx, svc, err)
	}

	cctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	if err = fn(cctx, ch); err == nil {
		return nil
	}
	err = s.callError(ctx, svc, err)
	if IsConnectionError(err) && s.ctx.Err() == nil {
		s.channelFailed(ch, err)
	}
	return err
}

func (s *session) callError(ctx context.Context, svc ua.ServiceID, err error) error {
	switch {
	case s.ctx.Err() != nil:
		return s.closedError(svc)
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return &Error{Kind: ErrTimeout, Service: svc, Status: ua.StatusBadTimeout, Err: ctx.Err()}
	case ctx.Err() != nil:
		return ctx.Err()
	}
	return classify(svc, err)
}

// close stops the session loop and closes the channel. In-flight calls fail
// with BadSessionClosed.
func (s *session) close(ctx context.Context) error {
	s.cancel()
	<-s.done

	s.mu.Lock()
	ch := s.ch
	s.ch = nil
	s.closed = true
	s.mu.Unlock()

	var err error
	if ch != nil {
		err = ch.Close(ctx)
		s.mgr.metrics.ActiveSessions.Add(-1)
	}
	s.setState(StateDisconnected, ua.StatusBadSessionClosed)
	s.logger.Info("session closed", slog.String("server_uri", s.serverURI))
	return err
}

func (s *session) info() SessionInformation {
	s.mu.Lock()
	defer s.mu.Unlock()
	settings := s.settings
	settings.Password = ""
	info := SessionInformation{
		ConnectionID:                s.id,
		ServerURI:                   s.serverURI,
		EndpointURL:                 s.endpoint.EndpointURL,
		Settings:                    settings,
		State:                       s.state,
		LastConnectionAttemptStatus: s.lastStatus,
		LastError:                   s.lastErr,
		SecurityPolicy:              s.endpoint.SecurityPolicyURI,
		SecurityMode:                s.endpoint.SecurityMode,
	}
	if info.EndpointURL == "" {
		info.EndpointURL = s.endpointURL
	}
	if s.state == StateConnected {
		info.ConnectedSince = s.connectedAt
	}
	return info
}
