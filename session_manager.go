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
	"maps"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/edgeo-scada/uaf/ua"
)

// sessionListener is told about session transitions. Calls for one session
// are made in order.
type sessionListener interface {
	sessionStateChanged(s *session, prev, cur SessionState, status ua.StatusCode)
	sessionRemoved(s *session)
}

// SessionManager owns the sessions of a Client. Sessions are created on
// demand by requests and shared by requests with equal settings.
type SessionManager struct {
	transport ua.Transport
	discovery *DiscoveryManager
	certs     CertificateStore
	appName   string
	appURI    string
	defaults  SessionSettings
	logger    *slog.Logger
	metrics   *Metrics
	listener  sessionListener

	nextID atomic.Uint32
	locks  keyedMutex

	mu       sync.RWMutex
	sessions map[ConnectionID]*session
	closed   bool
}

func newSessionManager(t ua.Transport, d *DiscoveryManager, certs CertificateStore, s ClientSettings, logger *slog.Logger, metrics *Metrics) *SessionManager {
	return &SessionManager{
		transport: t,
		discovery: d,
		certs:     certs,
		appName:   s.ApplicationName,
		appURI:    s.ApplicationURI,
		defaults:  s.Session,
		logger:    logger,
		metrics:   metrics,
		sessions:  make(map[ConnectionID]*session),
	}
}

// settings returns the effective settings of a request.
func (m *SessionManager) settings(o *SessionSettings) SessionSettings {
	return m.defaults.Merge(o)
}

// ManuallyConnect returns a session to serverURI, reusing one with equal
// settings. Connection failures are not returned: the session keeps
// retrying in the background, see SessionInformation.
func (m *SessionManager) ManuallyConnect(ctx context.Context, serverURI string, settings *SessionSettings) (ConnectionID, error) {
	if serverURI == "" {
		return 0, newError(ErrInvalidRequest, 0, ua.StatusBadServerURIInvalid, "empty server URI")
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s, err := m.acquire(serverURI, m.settings(settings))
	if err != nil {
		return 0, err
	}
	return s.id, nil
}

// ManuallyConnectToEndpoint opens a new session on endpointURL and waits
// for it. On failure no session is kept.
func (m *SessionManager) ManuallyConnectToEndpoint(ctx context.Context, endpointURL string, settings *SessionSettings) (ConnectionID, error) {
	if endpointURL == "" {
		return 0, newError(ErrInvalidRequest, 0, ua.StatusBadTCPEndpointURLInvalid, "empty endpoint URL")
	}
	if m.isClosed() {
		return 0, ErrClosed
	}

	s := newSession(m, ConnectionID(m.nextID.Add(1)), "", endpointURL, m.settings(settings))
	if err := s.connect(ctx); err != nil {
		s.cancel()
		m.logger.Warn("connect to endpoint failed",
			slog.String("endpoint", endpointURL),
			slog.String("error", err.Error()))
		return 0, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = s.close(ctx)
		return 0, ErrClosed
	}
	m.sessions[s.id] = s
	m.mu.Unlock()

	s.registered.Store(true)
	m.stateChanged(s, StateDisconnected, StateConnected, ua.StatusGood)
	s.start()
	return s.id, nil
}

// ManuallyDisconnect closes a session. Requests in flight on it fail with
// BadSessionClosed and its subscriptions are removed.
func (m *SessionManager) ManuallyDisconnect(ctx context.Context, id ConnectionID) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return newError(ErrUnknownHandle, 0, ua.StatusBadInvalidArgument, "connection %d", id)
	}
	err := s.close(ctx)
	if m.listener != nil {
		m.listener.sessionRemoved(s)
	}
	return err
}

// SessionInformation returns a snapshot of one session.
func (m *SessionManager) SessionInformation(id ConnectionID) (SessionInformation, error) {
	s, err := m.session(id)
	if err != nil {
		return SessionInformation{}, err
	}
	return s.info(), nil
}

// AllSessionInformations returns a snapshot of every session ordered by
// connection id.
func (m *SessionManager) AllSessionInformations() []SessionInformation {
	sessions := m.all()
	out := make([]SessionInformation, len(sessions))
	for i, s := range sessions {
		out[i] = s.info()
	}
	return out
}

func (m *SessionManager) all() []*session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := slices.Sorted(maps.Keys(m.sessions))
	out := make([]*session, len(ids))
	for i, id := range ids {
		out[i] = m.sessions[id]
	}
	return out
}

func (m *SessionManager) session(id ConnectionID) (*session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, newError(ErrUnknownHandle, 0, ua.StatusBadInvalidArgument, "connection %d", id)
	}
	return s, nil
}

func (m *SessionManager) isClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

// acquire returns the session for serverURI and settings, creating it when
// none can be shared. It does not wait for the connection.
func (m *SessionManager) acquire(serverURI string, settings SessionSettings) (*session, error) {
	unlock := m.locks.lock(serverURI)
	defer unlock()

	if !settings.Unique {
		m.mu.RLock()
		var found *session
		for _, s := range m.sessions {
			if s.serverURI == serverURI && s.endpointURL == "" && s.settings == settings &&
				(found == nil || s.id < found.id) {
				found = s
			}
		}
		m.mu.RUnlock()
		if found != nil {
			return found, nil
		}
	}

	s := newSession(m, ConnectionID(m.nextID.Add(1)), serverURI, "", settings)
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		s.cancel()
		return nil, ErrClosed
	}
	m.sessions[s.id] = s
	m.mu.Unlock()
	s.registered.Store(true)
	s.start()
	m.logger.Debug("session created",
		slog.String("server_uri", serverURI),
		slog.Uint64("connection_id", uint64(s.id)),
		slog.Bool("unique", settings.Unique))
	return s, nil
}

func (m *SessionManager) stateChanged(s *session, prev, cur SessionState, status ua.StatusCode) {
	m.logger.Debug("session state changed",
		slog.Uint64("connection_id", uint64(s.id)),
		slog.String("from", prev.String()),
		slog.String("to", cur.String()),
		slog.String("status", status.String()))
	if m.listener != nil {
		m.listener.sessionStateChanged(s, prev, cur, status)
	}
}

func (m *SessionManager) channelConfig(ep ua.EndpointDescription, s SessionSettings) ua.ChannelConfig {
	cfg := ua.ChannelConfig{
		Endpoint:        ep,
		SessionName:     s.SessionName + "-" + uuid.NewString(),
		SessionTimeout:  s.SessionTimeout,
		Username:        s.Username,
		Password:        s.Password,
		ApplicationURI:  m.appURI,
		ApplicationName: m.appName,
	}
	if m.certs != nil {
		cfg.Certificate = m.certs.Certificate()
		cfg.PrivateKey = m.certs.PrivateKey()
	}
	return cfg
}

// close closes every session.
func (m *SessionManager) close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	sessions := m.sessions
	m.sessions = make(map[ConnectionID]*session)
	m.mu.Unlock()

	var errs []error
	for _, id := range slices.Sorted(maps.Keys(sessions)) {
		s := sessions[id]
		if err := s.close(ctx); err != nil {
			errs = append(errs, err)
		}
		if m.listener != nil {
			m.listener.sessionRemoved(s)
		}
	}
	return errors.Join(errs...)
}

// keyedMutex serializes work per key.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyedLock)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
