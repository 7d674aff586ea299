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
	"time"

	"github.com/edgeo-scada/uaf/ua"
)

// Default values.
const (
	DefaultConnectTimeout        = 5 * time.Second
	DefaultSessionTimeout        = 20 * time.Minute
	DefaultReconnectBackoff      = 1 * time.Second
	DefaultMaxReconnectDelay     = 30 * time.Second
	DefaultWatchdogInterval      = 5 * time.Second
	DefaultCallTimeout           = 10 * time.Second
	DefaultPublishingInterval    = 1 * time.Second
	DefaultMaxKeepAliveCount     = 5
	DefaultLifetimeCount         = 1200
	DefaultQueueSize             = 1
	DefaultMaxAutoBrowseNext     = 5
	DefaultMaxAutoReadMore       = 5
	DefaultDiscoveryInterval     = 30 * time.Second
	DefaultCreationRetryInterval = 2 * time.Second
	DefaultMaxRepublish          = 10
)

// SessionSettings configure one session. Two requests reuse the same session
// when their settings are equal with == and Unique is not set.
//
// Zero fields of settings passed with a request inherit the client's
// defaults; see the Merge methods.
type SessionSettings struct {
	ConnectTimeout    time.Duration          `mapstructure:"connect_timeout"`
	SessionTimeout    time.Duration          `mapstructure:"session_timeout"`
	SecurityPolicy    ua.SecurityPolicy      `mapstructure:"-"`
	SecurityMode      ua.MessageSecurityMode `mapstructure:"-"`
	Username          string                 `mapstructure:"username"`
	Password          string                 `mapstructure:"password"`
	SessionName       string                 `mapstructure:"session_name"`
	Unique            bool                   `mapstructure:"unique"`
	ReconnectBackoff  time.Duration          `mapstructure:"reconnect_backoff"`
	MaxReconnectDelay time.Duration          `mapstructure:"max_reconnect_delay"`
	WatchdogInterval  time.Duration          `mapstructure:"watchdog_interval"`
}

// DefaultSessionSettings returns the default session settings: no security,
// anonymous user.
func DefaultSessionSettings() SessionSettings {
	return SessionSettings{
		ConnectTimeout:    DefaultConnectTimeout,
		SessionTimeout:    DefaultSessionTimeout,
		SecurityPolicy:    ua.SecurityPolicyNone,
		SecurityMode:      ua.MessageSecurityModeNone,
		SessionName:       "uaf",
		ReconnectBackoff:  DefaultReconnectBackoff,
		MaxReconnectDelay: DefaultMaxReconnectDelay,
		WatchdogInterval:  DefaultWatchdogInterval,
	}
}

// Merge returns s with every non-zero field of o applied.
func (s SessionSettings) Merge(o *SessionSettings) SessionSettings {
	if o == nil {
		return s
	}
	setIf(&s.ConnectTimeout, o.ConnectTimeout)
	setIf(&s.SessionTimeout, o.SessionTimeout)
	setIf(&s.SecurityPolicy, o.SecurityPolicy)
	setIf(&s.SecurityMode, o.SecurityMode)
	setIf(&s.Username, o.Username)
	setIf(&s.Password, o.Password)
	setIf(&s.SessionName, o.SessionName)
	setIf(&s.Unique, o.Unique)
	setIf(&s.ReconnectBackoff, o.ReconnectBackoff)
	setIf(&s.MaxReconnectDelay, o.MaxReconnectDelay)
	setIf(&s.WatchdogInterval, o.WatchdogInterval)
	return s
}

// SubscriptionSettings configure one subscription. Monitored item requests
// reuse a subscription on the same session with equal settings unless
// Unique is set.
type SubscriptionSettings struct {
	PublishingInterval         time.Duration `mapstructure:"publishing_interval"`
	MaxKeepAliveCount          uint32        `mapstructure:"max_keep_alive_count"`
	LifetimeCount              uint32        `mapstructure:"lifetime_count"`
	MaxNotificationsPerPublish uint32        `mapstructure:"max_notifications_per_publish"`
	Priority                   uint8         `mapstructure:"priority"`
	Unique                     bool          `mapstructure:"unique"`
}

// DefaultSubscriptionSettings returns a 1s publishing interval with a
// keep-alive every 5 intervals.
func DefaultSubscriptionSettings() SubscriptionSettings {
	return SubscriptionSettings{
		PublishingInterval: DefaultPublishingInterval,
		MaxKeepAliveCount:  DefaultMaxKeepAliveCount,
		LifetimeCount:      DefaultLifetimeCount,
	}
}

// Merge returns s with every non-zero field of o applied.
func (s SubscriptionSettings) Merge(o *SubscriptionSettings) SubscriptionSettings {
	if o == nil {
		return s
	}
	setIf(&s.PublishingInterval, o.PublishingInterval)
	setIf(&s.MaxKeepAliveCount, o.MaxKeepAliveCount)
	setIf(&s.LifetimeCount, o.LifetimeCount)
	setIf(&s.MaxNotificationsPerPublish, o.MaxNotificationsPerPublish)
	setIf(&s.Priority, o.Priority)
	setIf(&s.Unique, o.Unique)
	return s
}

func (s SubscriptionSettings) parameters(enabled bool) ua.SubscriptionParameters {
	lifetime := s.LifetimeCount
	if floor := 3 * s.MaxKeepAliveCount; lifetime < floor {
		lifetime = floor
	}
	return ua.SubscriptionParameters{
		PublishingInterval:         s.PublishingInterval,
		LifetimeCount:              lifetime,
		MaxKeepAliveCount:          s.MaxKeepAliveCount,
		MaxNotificationsPerPublish: s.MaxNotificationsPerPublish,
		PublishingEnabled:          enabled,
		Priority:                   s.Priority,
	}
}

// ServiceSettings configure a single service call.
type ServiceSettings struct {
	CallTimeout          time.Duration `mapstructure:"call_timeout"`
	MaxAge               time.Duration `mapstructure:"max_age"`
	MaxReferencesPerNode uint32        `mapstructure:"max_references_per_node"`
	MaxAutoBrowseNext    int           `mapstructure:"max_auto_browse_next"`
	MaxAutoReadMore      int           `mapstructure:"max_auto_read_more"`
}

// DefaultServiceSettings returns a 10s call timeout and up to 5 automatic
// continuation calls.
func DefaultServiceSettings() ServiceSettings {
	return ServiceSettings{
		CallTimeout:       DefaultCallTimeout,
		MaxAutoBrowseNext: DefaultMaxAutoBrowseNext,
		MaxAutoReadMore:   DefaultMaxAutoReadMore,
	}
}

// Merge returns s with every non-zero field of o applied. A negative
// continuation budget disables automatic continuation.
func (s ServiceSettings) Merge(o *ServiceSettings) ServiceSettings {
	if o == nil {
		return s
	}
	setIf(&s.CallTimeout, o.CallTimeout)
	setIf(&s.MaxAge, o.MaxAge)
	setIf(&s.MaxReferencesPerNode, o.MaxReferencesPerNode)
	setIf(&s.MaxAutoBrowseNext, o.MaxAutoBrowseNext)
	setIf(&s.MaxAutoReadMore, o.MaxAutoReadMore)
	return s
}

func budget(n int) int {
	if n < 0 {
		return 0
	}
	return n
}

// ClientSettings is the complete configuration of a Client. It can be loaded
// from a configuration file.
type ClientSettings struct {
	ApplicationName       string               `mapstructure:"application_name"`
	ApplicationURI        string               `mapstructure:"application_uri"`
	DiscoveryURLs         []string             `mapstructure:"discovery_urls"`
	DiscoveryInterval     time.Duration        `mapstructure:"discovery_interval"`
	CreationRetryInterval time.Duration        `mapstructure:"creation_retry_interval"`
	MaxRepublish          int                  `mapstructure:"max_republish"`
	CertificateFile       string               `mapstructure:"certificate_file"`
	PrivateKeyFile        string               `mapstructure:"private_key_file"`
	TrustListDir          string               `mapstructure:"trust_list_dir"`
	Session               SessionSettings      `mapstructure:"session"`
	Subscription          SubscriptionSettings `mapstructure:"subscription"`
	Service               ServiceSettings      `mapstructure:"service"`
}

// DefaultClientSettings returns the default configuration.
func DefaultClientSettings() ClientSettings {
	return ClientSettings{
		ApplicationName:       "uaf",
		DiscoveryInterval:     DefaultDiscoveryInterval,
		CreationRetryInterval: DefaultCreationRetryInterval,
		MaxRepublish:          DefaultMaxRepublish,
		Session:               DefaultSessionSettings(),
		Subscription:          DefaultSubscriptionSettings(),
		Service:               DefaultServiceSettings(),
	}
}

func setIf[T comparable](dst *T, v T) {
	var zero T
	if v != zero {
		*dst = v
	}
}
