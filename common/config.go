// Copyright 2022 The topicrouter Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package common

import "github.com/spf13/viper"

// ===============================================================================
// NATS Related Config

// NATSReconnectConfig defines reconnect parameters
type NATSReconnectConfig struct {
	// MaxAttempts sets the max number of reconnect attempts (-1 is unlimited)
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"gte=-1"`
	// WaitInterval is the duration between reconnect attempts in seconds
	WaitInterval int `mapstructure:"wait_interval_sec" json:"wait_interval_sec" validate:"gte=1"`
}

// NATSConfig defines parameters for connecting to NATS server
type NATSConfig struct {
	// ServerURI is the NATS connection URI
	ServerURI string `mapstructure:"server_uri" json:"server_uri" validate:"required,uri"`
	// ConnectTimeout is the max duration for connecting to NATS server in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// Reconnect defines reconnect parameters
	Reconnect NATSReconnectConfig `mapstructure:"reconnect" json:"reconnect" validate:"required,dive"`
}

// NATSIngressConfig defines the NATS subject bridge which feeds messages into the hub
type NATSIngressConfig struct {
	// NATS is the NATS connection parameters
	NATS NATSConfig `mapstructure:"nats" json:"nats" validate:"required,dive"`
	// Subjects is the list of NATS subjects to read from. Wildcards are allowed.
	Subjects []string `mapstructure:"subjects" json:"subjects" validate:"required,gte=1,dive,required"`
	// QueueGroup if set, the subjects are read as part of this queue group
	QueueGroup string `mapstructure:"queue_group" json:"queue_group"`
	// DestinationPrefix is prepended to the destination derived from the subject
	DestinationPrefix string `mapstructure:"destination_prefix" json:"destination_prefix"`
	// StripSubjectPrefix is removed from the subject before deriving the destination
	StripSubjectPrefix string `mapstructure:"strip_subject_prefix" json:"strip_subject_prefix"`
}

// ===============================================================================
// HTTP Related Config

// HTTPServerConfig defines the HTTP server parameters
type HTTPServerConfig struct {
	// ListenOn is the interface the HTTP server will listen on
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the port the HTTP server will listen on
	Port uint16 `mapstructure:"listen_port" json:"listen_port" validate:"required,gt=0,lt=65536"`
	// ReadTimeout is the maximum duration for reading the entire
	// request, including the body in seconds. A zero or negative
	// value means there will be no timeout.
	ReadTimeout int `mapstructure:"read_timeout_sec" json:"read_timeout_sec" validate:"gte=0"`
	// WriteTimeout is the maximum duration before timing out
	// writes of the response in seconds. A zero value means there will be no timeout.
	//
	// The event stream is long lived, so this should normally stay 0.
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=0"`
	// IdleTimeout is the maximum amount of time to wait for the
	// next request when keep-alives are enabled in seconds. If
	// IdleTimeout is zero, the value of ReadTimeout is used. If
	// both are zero, there is no timeout.
	IdleTimeout int `mapstructure:"idle_timeout_sec" json:"idle_timeout_sec" validate:"gte=0"`
}

// HTTPRequestLogging defines HTTP request logging parameters
type HTTPRequestLogging struct {
	// RequestIDHeader is the HTTP header containing the API request ID
	RequestIDHeader string `mapstructure:"request_id_header" json:"request_id_header"`
	// DoNotLogHeaders is the list of headers to not include in logging metadata
	DoNotLogHeaders []string `mapstructure:"do_not_log_headers" json:"do_not_log_headers"`
}

// HTTPConfig defines HTTP API / server parameters
type HTTPConfig struct {
	// Server defines HTTP server parameters
	Server HTTPServerConfig `mapstructure:"server_config" json:"server_config" validate:"required,dive"`
	// Logging defines operation logging parameters
	Logging HTTPRequestLogging `mapstructure:"logging_config" json:"logging_config" validate:"required,dive"`
}

// ===============================================================================
// Hub Related Config

// AuthorizationRule one ACL rule applied to subscribe / send requests
type AuthorizationRule struct {
	// Mode is the operation the rule applies to: subscribe, send, or any
	Mode string `mapstructure:"mode" json:"mode" validate:"required,oneof=subscribe send any"`
	// Destination is the destination prefix the rule applies to
	Destination string `mapstructure:"destination" json:"destination" validate:"required"`
	// Allow whether matching requests are accepted
	Allow bool `mapstructure:"allow" json:"allow"`
	// Reason is the rejection reason reported for denied requests
	Reason string `mapstructure:"reason" json:"reason,omitempty"`
}

// AuthorizationConfig defines the destination authorization gate
type AuthorizationConfig struct {
	// Enabled whether subscribe / send requests go through the ACL
	Enabled bool `mapstructure:"enabled" json:"enabled"`
	// DefaultAllow whether requests not matching any rule are accepted
	DefaultAllow bool `mapstructure:"default_allow" json:"default_allow"`
	// Rules is the ordered list of ACL rules. First match wins.
	Rules []AuthorizationRule `mapstructure:"rules" json:"rules" validate:"omitempty,dive"`
}

// HubConfig defines the connection registry parameters
type HubConfig struct {
	// KeepAliveInterval is the interval between keep-alive pings in milliseconds.
	// 0 disables pings.
	KeepAliveInterval int `mapstructure:"keep_alive_interval_ms" json:"keep_alive_interval_ms" validate:"gte=0"`
	// DispatchOnSend whether messages sent by clients are dispatched to subscribers
	DispatchOnSend bool `mapstructure:"dispatch_on_send" json:"dispatch_on_send"`
	// DispatchMode is how published messages are fanned out: sync or async
	DispatchMode string `mapstructure:"dispatch_mode" json:"dispatch_mode" validate:"required,oneof=sync async"`
	// DispatchQueueLen is the task buffer length for async dispatch
	DispatchQueueLen int `mapstructure:"dispatch_queue_len" json:"dispatch_queue_len" validate:"gte=1"`
	// SelectorErrorPolicy is the handling of selector errors: suppress or deliver
	SelectorErrorPolicy string `mapstructure:"selector_error_policy" json:"selector_error_policy" validate:"required,oneof=suppress deliver"`
	// DestinationMatch is the destination matching mode: prefix or contains
	DestinationMatch string `mapstructure:"destination_match" json:"destination_match" validate:"required,oneof=prefix contains"`
	// Authorization is the destination authorization gate config
	Authorization AuthorizationConfig `mapstructure:"authorization" json:"authorization" validate:"required,dive"`
}

// ===============================================================================
// Hub Server Related Config

// HubEndpointConfig defines hub API endpoint config
type HubEndpointConfig struct {
	// PathPrefix is the end-point path prefix for the hub APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
	// EventPath is the path of the event stream, relative to PathPrefix
	EventPath string `mapstructure:"event_path" json:"event_path" validate:"required,startswith=/"`
	// SinkBufferLen is the number of messages buffered per event stream before dropping
	SinkBufferLen int `mapstructure:"sink_buffer_len" json:"sink_buffer_len" validate:"gte=1"`
	// CookieHeaders are the request headers copied into the connection cookie when the
	// event stream opens
	CookieHeaders []string `mapstructure:"cookie_headers" json:"cookie_headers,omitempty" validate:"omitempty,dive,required"`
	// CookieQueryParams are the query parameters copied into the connection cookie when
	// the event stream opens
	CookieQueryParams []string `mapstructure:"cookie_query_params" json:"cookie_query_params,omitempty" validate:"omitempty,dive,required"`
}

// HubServerConfig defines configuration for the hub API server
type HubServerConfig struct {
	// HTTPSetting is the HTTP API / server parameters for the hub API server
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required,dive"`
	// Endpoints is the API endpoint config parameters for the hub API server
	Endpoints HubEndpointConfig `mapstructure:"endpoint_config" json:"endpoint_config" validate:"required,dive"`
}

// MetricsConfig defines the Prometheus metrics endpoint
type MetricsConfig struct {
	// Enabled whether metrics are collected and exposed
	Enabled bool `mapstructure:"enabled" json:"enabled"`
	// Path is the metrics endpoint path
	Path string `mapstructure:"path" json:"path" validate:"required,startswith=/"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete system config
type SystemConfig struct {
	// Hub are the connection registry config parameters
	Hub HubConfig `mapstructure:"hub" json:"hub" validate:"required,dive"`
	// Server are the hub API server configs
	Server HubServerConfig `mapstructure:"server" json:"server" validate:"required,dive"`
	// Metrics are the metrics endpoint configs
	Metrics MetricsConfig `mapstructure:"metrics" json:"metrics" validate:"required,dive"`
	// Ingress are the optional NATS ingress configs
	Ingress *NATSIngressConfig `mapstructure:"ingress,omitempty" json:"ingress,omitempty" validate:"omitempty,dive"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default hub settings
	viper.SetDefault("hub.keep_alive_interval_ms", 30000)
	viper.SetDefault("hub.dispatch_on_send", true)
	viper.SetDefault("hub.dispatch_mode", "sync")
	viper.SetDefault("hub.dispatch_queue_len", 64)
	viper.SetDefault("hub.selector_error_policy", "suppress")
	viper.SetDefault("hub.destination_match", "prefix")
	viper.SetDefault("hub.authorization.enabled", false)
	viper.SetDefault("hub.authorization.default_allow", false)

	// Default hub server settings
	viper.SetDefault("server.endpoint_config.path_prefix", "/")
	viper.SetDefault("server.endpoint_config.event_path", "/events")
	viper.SetDefault("server.endpoint_config.sink_buffer_len", 256)
	viper.SetDefault("server.api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("server.api_server.server_config.listen_port", 3000)
	viper.SetDefault("server.api_server.server_config.read_timeout_sec", 60)
	viper.SetDefault("server.api_server.server_config.write_timeout_sec", 0)
	viper.SetDefault("server.api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault(
		"server.api_server.logging_config.request_id_header", "Topicrouter-Request-ID",
	)
	viper.SetDefault(
		"server.api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)

	// Default metrics settings
	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.path", "/metrics")
}

// InstallDefaultIngressConfigValues installs default NATS ingress parameters in viper.
//
// Only call this when the ingress is wanted, as it makes the ingress section non-empty.
func InstallDefaultIngressConfigValues() {
	viper.SetDefault("ingress.nats.server_uri", "nats://127.0.0.1:4222")
	viper.SetDefault("ingress.nats.connect_timeout_sec", 30)
	viper.SetDefault("ingress.nats.reconnect.max_attempts", -1)
	viper.SetDefault("ingress.nats.reconnect.wait_interval_sec", 15)
	viper.SetDefault("ingress.subjects", []string{"hub.>"})
	viper.SetDefault("ingress.destination_prefix", "/")
	viper.SetDefault("ingress.strip_subject_prefix", "hub")
}
