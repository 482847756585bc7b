package discovery

import (
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/battery-hawk/battery-hawk/internal/protocol"
	"github.com/battery-hawk/battery-hawk/internal/registry"
)

// Classification precedence, higher wins.
const (
	matchNone = iota
	matchService
	matchManufacturer
	matchName
)

// Rule maps an advertisement signature to a device family. Name matching is
// a case-insensitive substring check, manufacturer matching a hex prefix,
// service matching a normalized short UUID.
type Rule struct {
	Family             string
	NameContains       string
	ManufacturerPrefix string
	ServiceUUID        string
}

// DefaultRules recognize the supported battery monitor families.
var DefaultRules = []Rule{
	{Family: protocol.FamilyBM6, NameContains: "BM6"},
	{Family: protocol.FamilyBM2, NameContains: "BM2"},
	{Family: protocol.FamilyBM6, ManufacturerPrefix: "6c65"},
	{Family: protocol.FamilyBM2, ServiceUUID: "fff0"},
}

// AutoConfigurator promotes discovered devices to configured registry
// entries when their advertisements match a known family.
type AutoConfigurator struct {
	devices         *registry.DeviceRegistry
	rules           []Rule
	nameTemplate    string
	pollingInterval int
	log             *logrus.Entry
}

// NewAutoConfigurator builds a configurator using DefaultRules. nameTemplate
// supports {mac}, {suffix}, {family}, and {name} placeholders; empty falls
// back to "{family} {suffix}".
func NewAutoConfigurator(devices *registry.DeviceRegistry, nameTemplate string, pollingInterval int) *AutoConfigurator {
	if nameTemplate == "" {
		nameTemplate = "{family} {suffix}"
	}
	if pollingInterval <= 0 {
		pollingInterval = registry.DefaultPollingInterval
	}
	return &AutoConfigurator{
		devices:         devices,
		rules:           DefaultRules,
		nameTemplate:    nameTemplate,
		pollingInterval: pollingInterval,
		log:             logrus.WithField("component", "autoconfig"),
	}
}

// Classify picks a family for the record, preferring name matches over
// manufacturer matches over service UUID matches. Returns "" when nothing
// matches.
func (a *AutoConfigurator) Classify(rec Record) string {
	best := matchNone
	family := ""
	name := strings.ToUpper(rec.Name)
	mfg := strings.ToLower(rec.ManufacturerData)

	for _, rule := range a.rules {
		switch {
		case rule.NameContains != "":
			if name != "" && strings.Contains(name, strings.ToUpper(rule.NameContains)) && best < matchName {
				best, family = matchName, rule.Family
			}
		case rule.ManufacturerPrefix != "":
			if mfg != "" && strings.HasPrefix(mfg, strings.ToLower(rule.ManufacturerPrefix)) && best < matchManufacturer {
				best, family = matchManufacturer, rule.Family
			}
		case rule.ServiceUUID != "":
			if best < matchService && hasService(rec.ServiceUUIDs, rule.ServiceUUID) {
				best, family = matchService, rule.Family
			}
		}
	}
	return family
}

// Apply classifies every record and configures the matches that are still in
// discovered status. Returns mac to configured for each input record.
func (a *AutoConfigurator) Apply(records []Record) map[string]bool {
	result := make(map[string]bool, len(records))
	for _, rec := range records {
		result[rec.MAC] = false

		family := a.Classify(rec)
		if family == "" {
			continue
		}
		existing, ok := a.devices.Get(rec.MAC)
		if !ok || existing.Status != registry.StatusDiscovered {
			continue
		}

		friendly := a.renderName(rec, family)
		if err := a.devices.Configure(rec.MAC, family, friendly, "", a.pollingInterval); err != nil {
			a.log.WithError(err).WithField("mac", rec.MAC).Warn("auto-configuration failed")
			continue
		}
		a.log.WithFields(logrus.Fields{
			"mac":           rec.MAC,
			"family":        family,
			"friendly_name": friendly,
		}).Info("device auto-configured")
		result[rec.MAC] = true
	}
	return result
}

func (a *AutoConfigurator) renderName(rec Record, family string) string {
	name := rec.Name
	if name == "" {
		name = family
	}
	r := strings.NewReplacer(
		"{mac}", rec.MAC,
		"{suffix}", protocol.MACSuffix(rec.MAC),
		"{family}", family,
		"{name}", name,
	)
	return r.Replace(a.nameTemplate)
}

func hasService(uuids []string, want string) bool {
	for _, u := range uuids {
		if strings.EqualFold(shortUUID(u), want) {
			return true
		}
	}
	return false
}

// shortUUID reduces Bluetooth SIG base UUIDs to their 16-bit short form so
// rules can compare against "fff0" style identifiers.
func shortUUID(u string) string {
	u = strings.ToLower(strings.ReplaceAll(u, "-", ""))
	u = strings.TrimPrefix(u, "0x")
	if len(u) == 32 && strings.HasPrefix(u, "0000") && strings.HasSuffix(u, "00001000800000805f9b34fb") {
		return u[4:8]
	}
	return u
}
