// Package config loads and persists the three JSON configuration sections
// (system, devices, vehicles), applies environment overrides, and notifies
// listeners on hot reload.
package config

// SystemConfig is the system.json section.
type SystemConfig struct {
	Version            int                      `json:"version" default:"1"`
	Logging            LoggingConfig            `json:"logging"`
	Bluetooth          BluetoothConfig          `json:"bluetooth"`
	Discovery          DiscoveryConfig          `json:"discovery"`
	InfluxDB           InfluxDBConfig           `json:"influxdb"`
	MQTT               MQTTConfig               `json:"mqtt"`
	API                APIConfig                `json:"api"`
	VehicleAssociation VehicleAssociationConfig `json:"vehicle_association"`
	Storage            StorageConfig            `json:"storage"`
}

type LoggingConfig struct {
	Level string `json:"level" default:"info"`
}

type BluetoothConfig struct {
	Adapter                  string `json:"adapter,omitempty"`
	MaxConcurrentConnections int    `json:"max_concurrent_connections" default:"3"`
	TestMode                 bool   `json:"test_mode,omitempty"`
}

type DiscoveryConfig struct {
	InitialScan      bool                `json:"initial_scan" default:"true"`
	ScanDuration     int                 `json:"scan_duration" default:"10"`
	PeriodicInterval int                 `json:"periodic_interval" default:"43200"`
	AutoConfigure    AutoConfigureConfig `json:"auto_configure"`
}

type AutoConfigureConfig struct {
	Enabled             bool                  `json:"enabled" default:"true"`
	ConfidenceThreshold float64               `json:"confidence_threshold" default:"0.5"`
	Rules               map[string]FamilyRule `json:"rules,omitempty"`
}

// FamilyRule controls auto-configuration for one device family.
type FamilyRule struct {
	AutoConfigure       bool   `json:"auto_configure"`
	DefaultNameTemplate string `json:"default_name_template,omitempty"`
	PollingInterval     int    `json:"polling_interval,omitempty"`
}

type InfluxDBConfig struct {
	Enabled           bool                       `json:"enabled"`
	Host              string                     `json:"host" default:"localhost"`
	Port              int                        `json:"port" default:"8086"`
	Database          string                     `json:"database" default:"battery_hawk"`
	Username          string                     `json:"username,omitempty"`
	Password          string                     `json:"password,omitempty"`
	Timeout           int                        `json:"timeout" default:"30"`
	Retries           int                        `json:"retries" default:"3"`
	RetentionPolicies map[string]RetentionPolicy `json:"retention_policies,omitempty"`
	ErrorRecovery     ErrorRecoveryConfig        `json:"error_recovery"`
}

// RetentionPolicy describes one InfluxDB retention policy the backend
// ensures at connect.
type RetentionPolicy struct {
	Duration         string `json:"duration"`
	Replication      int    `json:"replication" default:"1"`
	Default          bool   `json:"default,omitempty"`
	ShardDuration    string `json:"shard_duration,omitempty"`
	CurrentThreshold float64 `json:"current_threshold,omitempty"`
}

// ErrorRecoveryConfig tunes storage retry, buffering, and health checking.
type ErrorRecoveryConfig struct {
	MaxRetryAttempts           int     `json:"max_retry_attempts" default:"3"`
	RetryDelaySeconds          float64 `json:"retry_delay_seconds" default:"1"`
	RetryBackoffMultiplier     float64 `json:"retry_backoff_multiplier" default:"2"`
	MaxRetryDelaySeconds       float64 `json:"max_retry_delay_seconds" default:"60"`
	BufferMaxSize              int     `json:"buffer_max_size" default:"10000"`
	BufferFlushIntervalSeconds int     `json:"buffer_flush_interval_seconds" default:"30"`
	ConnectionTimeoutSeconds   int     `json:"connection_timeout_seconds" default:"30"`
	HealthCheckIntervalSeconds int     `json:"health_check_interval_seconds" default:"60"`
	MessageRetryLimit          int     `json:"message_retry_limit" default:"3"`
}

type MQTTConfig struct {
	Enabled             bool    `json:"enabled"`
	Broker              string  `json:"broker" default:"localhost"`
	Port                int     `json:"port" default:"1883"`
	Username            string  `json:"username,omitempty"`
	Password            string  `json:"password,omitempty"`
	TopicPrefix         string  `json:"topic_prefix" default:"batteryhawk"`
	QoS                 int     `json:"qos" default:"1"`
	Keepalive           int     `json:"keepalive" default:"60"`
	TLS                 bool    `json:"tls,omitempty"`
	MaxRetries          int     `json:"max_retries" default:"10"`
	InitialRetryDelay   float64 `json:"initial_retry_delay" default:"1"`
	MaxRetryDelay       float64 `json:"max_retry_delay" default:"300"`
	BackoffMultiplier   float64 `json:"backoff_multiplier" default:"2"`
	JitterFactor        float64 `json:"jitter_factor" default:"0.1"`
	ConnectionTimeout   float64 `json:"connection_timeout" default:"30"`
	HealthCheckInterval float64 `json:"health_check_interval" default:"60"`
	MessageQueueSize    int     `json:"message_queue_size" default:"1000"`
	MessageRetryLimit   int     `json:"message_retry_limit" default:"3"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled" default:"true"`
	Host    string `json:"host" default:"0.0.0.0"`
	Port    int    `json:"port" default:"5000"`
	Debug   bool   `json:"debug,omitempty"`
}

type VehicleAssociationConfig struct {
	Interval int           `json:"interval" default:"3600"`
	Vehicles []VehicleRule `json:"vehicles,omitempty"`
}

// VehicleRule matches devices to a vehicle for automatic association.
type VehicleRule struct {
	ID               string           `json:"id,omitempty"`
	Name             string           `json:"name,omitempty"`
	AssociationRules AssociationRules `json:"association_rules"`
}

type AssociationRules struct {
	DeviceType  string `json:"device_type,omitempty"`
	NamePattern string `json:"name_pattern,omitempty"`
	MACPattern  string `json:"mac_pattern,omitempty"`
}

type StorageConfig struct {
	Backend string `json:"backend" default:"influxdb"`
}

// clamp forces post-validation shape on ranges the core depends on even when
// a hand-edited file or env override is out of bounds.
func (c *SystemConfig) clamp() {
	c.Bluetooth.MaxConcurrentConnections = clampInt(c.Bluetooth.MaxConcurrentConnections, 1, 32)
	c.API.Port = clampInt(c.API.Port, 1024, 65535)
	c.MQTT.Port = clampInt(c.MQTT.Port, 1, 65535)
	c.MQTT.QoS = clampInt(c.MQTT.QoS, 0, 2)
	if c.MQTT.MessageQueueSize < 1 {
		c.MQTT.MessageQueueSize = 1
	}
	if c.Discovery.ScanDuration < 1 {
		c.Discovery.ScanDuration = 1
	}
	if c.Discovery.PeriodicInterval < 60 {
		c.Discovery.PeriodicInterval = 60
	}
	if c.VehicleAssociation.Interval < 60 {
		c.VehicleAssociation.Interval = 60
	}
	for family, rule := range c.Discovery.AutoConfigure.Rules {
		if rule.PollingInterval != 0 {
			rule.PollingInterval = clampInt(rule.PollingInterval, 60, 86400)
			c.Discovery.AutoConfigure.Rules[family] = rule
		}
	}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
