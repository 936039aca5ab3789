package posture

import (
	"strings"
	"testing"
)

func TestClassify_JSON(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    Verdict
	}{
		{"alert true", `{"alert":true}`, VerdictAlert},
		{"alert with angle", `{"alert":true,"angle":75}`, VerdictAlert},
		{"bad posture status", `{"status":"bad_posture"}`, VerdictAlert},
		{"bad posture with alert false", `{"status":"bad_posture","alert":false}`, VerdictAlert},
		{"alert numeric", `{"alert":1}`, VerdictAlert},
		{"alert non-empty string", `{"alert":"yes"}`, VerdictAlert},
		{"alert empty object", `{"alert":{}}`, VerdictAlert},
		{"alert empty array", `{"alert":[]}`, VerdictAlert},
		{"status ok", `{"status":"ok"}`, VerdictOk},
		{"alert false", `{"alert":false}`, VerdictOk},
		{"alert zero", `{"alert":0}`, VerdictOk},
		{"alert empty string", `{"alert":""}`, VerdictOk},
		{"alert null", `{"alert":null}`, VerdictOk},
		{"status case differs", `{"status":"BAD_POSTURE"}`, VerdictOk},
		{"status not a string", `{"status":1}`, VerdictOk},
		{"empty object", `{}`, VerdictOk},
		{"unrelated fields mention alert", `{"note":"ALERT soon","angle":10}`, VerdictOk},
		{"array", `[1,2,3]`, VerdictOk},
		{"number", `42`, VerdictOk},
		{"json string containing alert", `"ALERT"`, VerdictOk},
		{"boolean", `true`, VerdictOk},
		{"whitespace around object", "  {\"alert\": true}\n", VerdictAlert},
		{"bad posture with huge angle", `{"status":"bad_posture","angle":1e400}`, VerdictAlert},
		{"ok with huge reading", `{"status":"ok","reading":1e400}`, VerdictOk},
		{"alert huge number", `{"alert":1e400}`, VerdictAlert},
		{"alert negative zero", `{"alert":-0.0}`, VerdictOk},
		{"huge top-level number", `1e400`, VerdictOk},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.payload)
			if got.Verdict != tt.want {
				t.Errorf("Classify(%q).Verdict = %s, want %s (summary %q)", tt.payload, got.Verdict, tt.want, got.Summary)
			}
			if !got.Decoded {
				t.Errorf("Classify(%q).Decoded = false, want true", tt.payload)
			}
			if got.Summary == "" {
				t.Errorf("Classify(%q).Summary is empty", tt.payload)
			}
		})
	}
}

func TestClassify_TextFallback(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    Verdict
	}{
		{"upper", "sensor ALERT triggered", VerdictAlert},
		{"lower", "alert", VerdictAlert},
		{"mixed", "posture AlErT!", VerdictAlert},
		{"embedded", "xxalertxx", VerdictAlert},
		{"broken json with alert", `{"alert":tru`, VerdictAlert},
		{"json null with text", "null", VerdictNone},
		{"no token", "all good", VerdictNone},
		{"empty", "", VerdictNone},
		{"partial token", "aler t", VerdictNone},
		{"broken json without token", `{"status":"ok"`, VerdictNone},
		{"trailing data after object", `{"status":"ok"} extra`, VerdictNone},
		{"two objects", `{"status":"ok"}{"status":"ok"}`, VerdictNone},
		{"trailing data with token", `{"status":"ok"} ALERT`, VerdictAlert},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.payload)
			if got.Verdict != tt.want {
				t.Errorf("Classify(%q).Verdict = %s, want %s", tt.payload, got.Verdict, tt.want)
			}
			if got.Decoded {
				t.Errorf("Classify(%q).Decoded = true, want false", tt.payload)
			}
		})
	}
}

func TestClassify_SummaryMentionsAngle(t *testing.T) {
	got := Classify(`{"alert":true,"angle":75}`)
	if !strings.Contains(got.Summary, "angle=75") {
		t.Errorf("Summary = %q, want angle=75", got.Summary)
	}
}

func TestStateAndVerdictStrings(t *testing.T) {
	if Ok.String() != "ok" || Alert.String() != "alert" {
		t.Errorf("State strings = %q, %q", Ok, Alert)
	}
	for v, want := range map[Verdict]string{VerdictNone: "none", VerdictOk: "ok", VerdictAlert: "alert"} {
		if v.String() != want {
			t.Errorf("Verdict(%d).String() = %q, want %q", v, v.String(), want)
		}
	}
}

func TestState_UnmarshalText(t *testing.T) {
	var s State
	if err := s.UnmarshalText([]byte("alert")); err != nil || s != Alert {
		t.Errorf("UnmarshalText(alert) = %v, %v", s, err)
	}
	if err := s.UnmarshalText([]byte("ok")); err != nil || s != Ok {
		t.Errorf("UnmarshalText(ok) = %v, %v", s, err)
	}
	if err := s.UnmarshalText([]byte("slouch")); err == nil {
		t.Error("UnmarshalText(slouch) succeeded")
	}
}
