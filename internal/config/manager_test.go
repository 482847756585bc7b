package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type ManagerTestSuite struct {
	suite.Suite
	dir string
	mgr *Manager
}

func (s *ManagerTestSuite) SetupTest() {
	s.dir = s.T().TempDir()
	mgr, err := NewManager(s.dir)
	s.Require().NoError(err)
	s.mgr = mgr
}

func TestManagerTestSuite(t *testing.T) {
	suite.Run(t, new(ManagerTestSuite))
}

func (s *ManagerTestSuite) TestDefaultsApplied() {
	sys := s.mgr.System()

	s.Equal("info", sys.Logging.Level)
	s.Equal(3, sys.Bluetooth.MaxConcurrentConnections)
	s.Equal(1883, sys.MQTT.Port)
	s.Equal("batteryhawk", sys.MQTT.TopicPrefix)
	s.Equal(43200, sys.Discovery.PeriodicInterval)
	s.Equal(10000, sys.InfluxDB.ErrorRecovery.BufferMaxSize)
	s.Equal(5000, sys.API.Port)
}

func (s *ManagerTestSuite) TestUpdatePersistsAndClamps() {
	err := s.mgr.UpdateSystem(func(cfg *SystemConfig) {
		cfg.MQTT.Broker = "broker.example"
		cfg.MQTT.QoS = 9
		cfg.Bluetooth.MaxConcurrentConnections = 100
	})
	s.Require().NoError(err)

	sys := s.mgr.System()
	s.Equal("broker.example", sys.MQTT.Broker)
	s.Equal(2, sys.MQTT.QoS)
	s.Equal(32, sys.Bluetooth.MaxConcurrentConnections)

	// A fresh manager sees the persisted values.
	reloaded, err := NewManager(s.dir)
	s.Require().NoError(err)
	s.Equal("broker.example", reloaded.System().MQTT.Broker)
}

func (s *ManagerTestSuite) TestLoadSectionMissingFile() {
	var v map[string]interface{}
	err := s.mgr.LoadSection("devices", &v)
	s.Require().Error(err)
	s.True(os.IsNotExist(err))
}

func (s *ManagerTestSuite) TestSaveLoadSectionRoundTrip() {
	type payload struct {
		Version int      `json:"version"`
		Names   []string `json:"names"`
	}
	in := payload{Version: 1, Names: []string{"a", "b"}}
	s.Require().NoError(s.mgr.SaveSection("devices", &in))

	var out payload
	s.Require().NoError(s.mgr.LoadSection("devices", &out))
	s.Equal(in, out)

	// Atomic write leaves no temp files behind.
	entries, err := os.ReadDir(s.dir)
	s.Require().NoError(err)
	for _, e := range entries {
		s.NotContains(e.Name(), ".tmp")
	}
}

func (s *ManagerTestSuite) TestListenerNotifiedOnUpdate() {
	var sections []string
	s.mgr.RegisterListener(func(section string) {
		sections = append(sections, section)
	})

	s.Require().NoError(s.mgr.UpdateSystem(func(cfg *SystemConfig) {
		cfg.Logging.Level = "debug"
	}))
	s.Equal([]string{"system"}, sections)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("BATTERYHAWK_SYSTEM_MQTT_BROKER", "10.0.0.2")
	t.Setenv("BATTERYHAWK_SYSTEM_MQTT_TOPIC_PREFIX", "fleet")
	t.Setenv("BATTERYHAWK_SYSTEM_MQTT_PORT", "8883")
	t.Setenv("BATTERYHAWK_SYSTEM_DISCOVERY_SCAN_DURATION", "30")

	mgr, err := NewManager(t.TempDir())
	require.NoError(t, err)

	sys := mgr.System()
	require.Equal(t, "10.0.0.2", sys.MQTT.Broker)
	require.Equal(t, "fleet", sys.MQTT.TopicPrefix)
	require.Equal(t, 8883, sys.MQTT.Port)
	require.Equal(t, 30, sys.Discovery.ScanDuration)
}

func TestEnvOverrideClamped(t *testing.T) {
	t.Setenv("BATTERYHAWK_SYSTEM_API_PORT", "80")

	mgr, err := NewManager(t.TempDir())
	require.NoError(t, err)
	require.Equal(t, 1024, mgr.System().API.Port)
}

func TestFileValuesOverrideDefaults(t *testing.T) {
	dir := t.TempDir()
	content := map[string]interface{}{
		"version": 1,
		"logging": map[string]interface{}{"level": "debug"},
		"mqtt":    map[string]interface{}{"enabled": true, "broker": "mqtt.local"},
	}
	data, err := json.Marshal(content)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "system.json"), data, 0o644))

	mgr, err := NewManager(dir)
	require.NoError(t, err)

	sys := mgr.System()
	require.Equal(t, "debug", sys.Logging.Level)
	require.True(t, sys.MQTT.Enabled)
	require.Equal(t, "mqtt.local", sys.MQTT.Broker)
	// Untouched keys keep defaults.
	require.Equal(t, 1883, sys.MQTT.Port)
}
