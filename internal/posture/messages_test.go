package posture

import (
	"encoding/json"
	"testing"
	"time"
)

func TestBuildConfigMessage(t *testing.T) {
	before := time.Now().UnixMilli()
	m := BuildConfigMessage("demo", 20)
	after := time.Now().UnixMilli()

	if m.DeviceID != "demo" || m.DesiredAngle != 20 {
		t.Errorf("message = %+v", m)
	}
	if m.TS < before || m.TS > after {
		t.Errorf("TS = %d, want within [%d, %d]", m.TS, before, after)
	}

	// Out-of-range angles pass through untouched.
	if got := BuildConfigMessage("demo", -400).DesiredAngle; got != -400 {
		t.Errorf("DesiredAngle = %v, want -400", got)
	}

	var wire map[string]any
	data, _ := json.Marshal(m)
	if err := json.Unmarshal(data, &wire); err != nil {
		t.Fatal(err)
	}
	if len(wire) != 3 || wire["device_id"] != "demo" || wire["desired_angle"] != 20.0 {
		t.Errorf("wire shape = %s", data)
	}
}

func TestBuildTestAlertMessage(t *testing.T) {
	before := time.Now().UnixMilli()
	m := BuildTestAlertMessage("demo")
	after := time.Now().UnixMilli()

	if m.TS < before || m.TS > after {
		t.Errorf("TS = %d, want within [%d, %d]", m.TS, before, after)
	}

	data, err := json.Marshal(m)
	if err != nil {
		t.Fatal(err)
	}
	var wire map[string]any
	if err := json.Unmarshal(data, &wire); err != nil {
		t.Fatal(err)
	}
	want := map[string]any{"device_id": "demo", "status": "bad_posture", "alert": true, "angle": 75.0}
	for k, v := range want {
		if wire[k] != v {
			t.Errorf("%s = %v, want %v", k, wire[k], v)
		}
	}
	if _, ok := wire["ts"].(float64); !ok {
		t.Errorf("ts missing or not a number in %s", data)
	}

	// The device's own interpreter must read the test alert as an alert.
	if c := Classify(string(data)); c.Verdict != VerdictAlert {
		t.Errorf("Classify(test alert) = %s, want alert", c.Verdict)
	}
}
