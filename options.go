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
	"log/slog"
	"runtime"
	"time"

	"github.com/edgeo-scada/uaf/ua"
)

// Option configures a Client.
type Option func(*clientOptions)

type clientOptions struct {
	settings  ClientSettings
	transport ua.Transport
	certStore CertificateStore
	logger    *slog.Logger
	workers   int
}

func defaultOptions() *clientOptions {
	return &clientOptions{
		settings: DefaultClientSettings(),
		logger:   slog.Default(),
		workers:  runtime.GOMAXPROCS(0),
	}
}

// WithSettings replaces the whole configuration.
func WithSettings(s ClientSettings) Option {
	return func(o *clientOptions) {
		o.settings = s
	}
}

// WithApplication sets the application name and instance URI.
func WithApplication(name, uri string) Option {
	return func(o *clientOptions) {
		o.settings.ApplicationName = name
		o.settings.ApplicationURI = uri
	}
}

// WithDiscoveryURLs sets the URLs probed by the discovery manager.
func WithDiscoveryURLs(urls ...string) Option {
	return func(o *clientOptions) {
		o.settings.DiscoveryURLs = append([]string(nil), urls...)
	}
}

// WithDiscoveryInterval sets the background discovery interval. Zero
// disables the background loop.
func WithDiscoveryInterval(d time.Duration) Option {
	return func(o *clientOptions) {
		o.settings.DiscoveryInterval = d
	}
}

// WithSessionSettings sets the default session settings.
func WithSessionSettings(s SessionSettings) Option {
	return func(o *clientOptions) {
		o.settings.Session = s
	}
}

// WithSubscriptionSettings sets the default subscription settings.
func WithSubscriptionSettings(s SubscriptionSettings) Option {
	return func(o *clientOptions) {
		o.settings.Subscription = s
	}
}

// WithServiceSettings sets the default service settings.
func WithServiceSettings(s ServiceSettings) Option {
	return func(o *clientOptions) {
		o.settings.Service = s
	}
}

// WithCreationRetryInterval sets how often monitored items that are not
// created on their server are retried.
func WithCreationRetryInterval(d time.Duration) Option {
	return func(o *clientOptions) {
		o.settings.CreationRetryInterval = d
	}
}

// WithMaxRepublish bounds the Republish calls made for one gap in the
// sequence numbers of a subscription.
func WithMaxRepublish(n int) Option {
	return func(o *clientOptions) {
		o.settings.MaxRepublish = n
	}
}

// WithTransport sets the wire stack. The default is the gopcua based stack.
func WithTransport(t ua.Transport) Option {
	return func(o *clientOptions) {
		o.transport = t
	}
}

// WithCertificateStore sets the PKI used to validate server certificates
// and to provide the client's own certificate.
func WithCertificateStore(s CertificateStore) Option {
	return func(o *clientOptions) {
		o.certStore = s
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *clientOptions) {
		o.logger = logger
	}
}

// WithWorkers sets the number of callback dispatch workers.
func WithWorkers(n int) Option {
	return func(o *clientOptions) {
		if n > 0 {
			o.workers = n
		}
	}
}
