package mqtt

import "github.com/nugget/chatty/internal/buildinfo"

// DeviceInfo is the Home Assistant device block shared by every sensor
// so they group under one device page.
type DeviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
	SWVersion    string   `json:"sw_version"`
}

// SensorConfig is a retained MQTT discovery payload for one sensor.
type SensorConfig struct {
	Name              string     `json:"name"`
	UniqueID          string     `json:"unique_id"`
	StateTopic        string     `json:"state_topic"`
	AvailabilityTopic string     `json:"availability_topic"`
	Device            DeviceInfo `json:"device"`
	Icon              string     `json:"icon,omitempty"`
	StateClass        string     `json:"state_class,omitempty"`
	EntityCategory    string     `json:"entity_category,omitempty"`
}

// NewDeviceInfo describes this installation, identified by instanceID.
func NewDeviceInfo(instanceID string) DeviceInfo {
	return DeviceInfo{
		Identifiers:  []string{"chatty_" + instanceID},
		Name:         "Chatty",
		Manufacturer: "nugget",
		Model:        "Chatty assistant",
		SWVersion:    buildinfo.Version,
	}
}
