package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/battery-hawk/battery-hawk/internal/config"
	"github.com/battery-hawk/battery-hawk/internal/protocol"
)

type DeviceRegistryTestSuite struct {
	suite.Suite
	dir string
	cfg *config.Manager
	reg *DeviceRegistry
}

func (s *DeviceRegistryTestSuite) SetupTest() {
	s.dir = s.T().TempDir()
	cfg, err := config.NewManager(s.dir)
	s.Require().NoError(err)
	s.cfg = cfg

	reg, err := NewDeviceRegistry(cfg)
	s.Require().NoError(err)
	s.reg = reg
}

func TestDeviceRegistryTestSuite(t *testing.T) {
	suite.Run(t, new(DeviceRegistryTestSuite))
}

func (s *DeviceRegistryTestSuite) TestRegisterDiscoveredIsIdempotent() {
	batch := []Discovered{
		{MAC: "aa:bb:cc:dd:ee:01", Name: "BM6", DiscoveredAt: time.Now()},
		{MAC: "AA:BB:CC:DD:EE:02", Name: "Battery Monitor"},
	}

	inserted, err := s.reg.RegisterDiscovered(batch)
	s.Require().NoError(err)
	s.Equal([]string{"AA:BB:CC:DD:EE:01", "AA:BB:CC:DD:EE:02"}, inserted)

	inserted, err = s.reg.RegisterDiscovered(batch)
	s.Require().NoError(err)
	s.Empty(inserted)
	s.Equal(2, s.reg.Len())

	rec, ok := s.reg.Get("aa:bb:cc:dd:ee:01")
	s.Require().True(ok)
	s.Equal(StatusDiscovered, rec.Status)
	s.Equal(protocol.FamilyUnknown, rec.Family)
	s.Equal(DefaultPollingInterval, rec.PollingInterval)
	s.Equal("BM6", rec.AdvertisedName)
}

func (s *DeviceRegistryTestSuite) TestRegisterDiscoveredSkipsInvalidMAC() {
	inserted, err := s.reg.RegisterDiscovered([]Discovered{
		{MAC: "not-a-mac"},
		{MAC: "AA:BB:CC:DD:EE:03"},
	})
	s.Require().NoError(err)
	s.Equal([]string{"AA:BB:CC:DD:EE:03"}, inserted)
	s.Equal(1, s.reg.Len())
}

func (s *DeviceRegistryTestSuite) TestConfigurePromotesDevice() {
	_, err := s.reg.RegisterDiscovered([]Discovered{{MAC: "AA:BB:CC:DD:EE:01"}})
	s.Require().NoError(err)

	err = s.reg.Configure("aa:bb:cc:dd:ee:01", protocol.FamilyBM6, "Truck Battery", "vehicle_1", 900)
	s.Require().NoError(err)

	rec, ok := s.reg.Get("AA:BB:CC:DD:EE:01")
	s.Require().True(ok)
	s.Equal(StatusConfigured, rec.Status)
	s.Equal(protocol.FamilyBM6, rec.Family)
	s.Equal("Truck Battery", rec.FriendlyName)
	s.Equal("vehicle_1", rec.VehicleID)
	s.Equal(900, rec.PollingInterval)
	s.Require().NotNil(rec.ConfiguredAt)
}

func (s *DeviceRegistryTestSuite) TestConfigureValidation() {
	_, err := s.reg.RegisterDiscovered([]Discovered{{MAC: "AA:BB:CC:DD:EE:01"}})
	s.Require().NoError(err)

	err = s.reg.Configure("AA:BB:CC:DD:EE:01", "BM99", "", "", 900)
	s.Require().ErrorIs(err, ErrUnknownFamily)

	err = s.reg.Configure("AA:BB:CC:DD:EE:01", protocol.FamilyBM2, "", "", MinPollingInterval-1)
	s.Require().ErrorIs(err, ErrInvalidPollingInterval)

	err = s.reg.Configure("AA:BB:CC:DD:EE:01", protocol.FamilyBM2, "", "", MaxPollingInterval+1)
	s.Require().ErrorIs(err, ErrInvalidPollingInterval)

	err = s.reg.Configure("AA:BB:CC:DD:EE:99", protocol.FamilyBM2, "", "", 900)
	s.Require().ErrorIs(err, ErrDeviceNotFound)
}

func (s *DeviceRegistryTestSuite) TestPersistenceSurvivesReload() {
	_, err := s.reg.RegisterDiscovered([]Discovered{{MAC: "AA:BB:CC:DD:EE:01", Name: "BM2"}})
	s.Require().NoError(err)
	s.Require().NoError(s.reg.Configure("AA:BB:CC:DD:EE:01", protocol.FamilyBM2, "Car", "", 600))

	fresh, err := NewDeviceRegistry(s.cfg)
	s.Require().NoError(err)

	rec, ok := fresh.Get("AA:BB:CC:DD:EE:01")
	s.Require().True(ok)
	s.Equal(StatusConfigured, rec.Status)
	s.Equal("Car", rec.FriendlyName)
	s.Equal(600, rec.PollingInterval)
}

func (s *DeviceRegistryTestSuite) TestRemove() {
	_, err := s.reg.RegisterDiscovered([]Discovered{{MAC: "AA:BB:CC:DD:EE:01"}})
	s.Require().NoError(err)

	s.Require().NoError(s.reg.Remove("aa:bb:cc:dd:ee:01"))
	s.Equal(0, s.reg.Len())
	s.Require().ErrorIs(s.reg.Remove("AA:BB:CC:DD:EE:01"), ErrDeviceNotFound)
}

func (s *DeviceRegistryTestSuite) TestListConfiguredAndByVehicle() {
	_, err := s.reg.RegisterDiscovered([]Discovered{
		{MAC: "AA:BB:CC:DD:EE:01"},
		{MAC: "AA:BB:CC:DD:EE:02"},
		{MAC: "AA:BB:CC:DD:EE:03"},
	})
	s.Require().NoError(err)
	s.Require().NoError(s.reg.Configure("AA:BB:CC:DD:EE:01", protocol.FamilyBM6, "", "vehicle_1", 600))
	s.Require().NoError(s.reg.Configure("AA:BB:CC:DD:EE:02", protocol.FamilyBM2, "", "vehicle_2", 600))

	configured := s.reg.ListConfigured()
	s.Len(configured, 2)

	byVehicle := s.reg.ListByVehicle("vehicle_1")
	s.Require().Len(byVehicle, 1)
	s.Equal("AA:BB:CC:DD:EE:01", byVehicle[0].MAC)
}

func (s *DeviceRegistryTestSuite) TestLatestReadingSnapshot() {
	_, err := s.reg.RegisterDiscovered([]Discovered{{MAC: "AA:BB:CC:DD:EE:01"}})
	s.Require().NoError(err)

	reading := &protocol.Reading{Voltage: 12.83, StateOfCharge: 95}
	s.Require().NoError(s.reg.UpdateLatestReading("AA:BB:CC:DD:EE:01", reading))

	rec, ok := s.reg.Get("AA:BB:CC:DD:EE:01")
	s.Require().True(ok)
	s.Require().NotNil(rec.LatestReading)
	s.InDelta(12.83, rec.LatestReading.Voltage, 0.001)
	s.Require().NotNil(rec.LastReadingTime)
}
