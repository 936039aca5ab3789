package posture

import "time"

// TestAlertAngle is the angle reported by published test alerts.
const TestAlertAngle = 75

// ConfigMessage is published to the config topic to change the
// device's desired angle.
type ConfigMessage struct {
	DeviceID     string  `json:"device_id"`
	DesiredAngle float64 `json:"desired_angle"`
	TS           int64   `json:"ts"`
}

// TestAlert is published to the alert topic to exercise the whole
// alert path end to end.
type TestAlert struct {
	DeviceID string  `json:"device_id"`
	Status   string  `json:"status"`
	Alert    bool    `json:"alert"`
	Angle    float64 `json:"angle"`
	TS       int64   `json:"ts"`
}

// BuildConfigMessage stamps a configuration update with the current
// time. The angle is not range-checked here.
func BuildConfigMessage(deviceID string, desiredAngle float64) ConfigMessage {
	return ConfigMessage{
		DeviceID:     deviceID,
		DesiredAngle: desiredAngle,
		TS:           time.Now().UnixMilli(),
	}
}

// BuildTestAlertMessage returns a bad-posture alert stamped with the
// current time.
func BuildTestAlertMessage(deviceID string) TestAlert {
	return TestAlert{
		DeviceID: deviceID,
		Status:   StatusBadPosture,
		Alert:    true,
		Angle:    TestAlertAngle,
		TS:       time.Now().UnixMilli(),
	}
}
