// Package posture decides whether an inbound device payload signals bad
// posture, applies the outcome to the alert flag and tone, and builds
// the two outbound message shapes (configuration update and test
// alert).
package posture

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
)

// State is the derived posture of the monitored person.
type State int

const (
	Ok State = iota
	Alert
)

func (s State) String() string {
	if s == Alert {
		return "alert"
	}
	return "ok"
}

// MarshalText renders the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText accepts "ok" or "alert".
func (s *State) UnmarshalText(text []byte) error {
	switch string(text) {
	case "ok":
		*s = Ok
	case "alert":
		*s = Alert
	default:
		return fmt.Errorf("unknown posture state %q", text)
	}
	return nil
}

// Verdict is the outcome of classifying one payload.
type Verdict int

const (
	// VerdictNone leaves the posture state as it was. Only undecodable
	// payloads without the alert token produce it.
	VerdictNone Verdict = iota
	VerdictOk
	VerdictAlert
)

func (v Verdict) String() string {
	switch v {
	case VerdictOk:
		return "ok"
	case VerdictAlert:
		return "alert"
	default:
		return "none"
	}
}

// StatusBadPosture is the status value devices report for an alert.
const StatusBadPosture = "bad_posture"

// alertToken is searched case-insensitively in undecodable payloads.
const alertToken = "ALERT"

// Classification is the result of [Classify].
type Classification struct {
	Verdict Verdict
	// Decoded is true when the payload parsed as JSON.
	Decoded bool
	// Summary describes how the verdict was reached.
	Summary string
}

// Classify interprets a raw payload.
//
// JSON objects are alerts when "alert" is truthy or "status" equals
// "bad_posture", and ok otherwise. Other JSON values (arrays, numbers,
// strings, booleans) carry no alert fields and are ok. Anything that
// does not decode, including a bare null, falls back to a
// case-insensitive search for "ALERT": a hit is an alert, a miss
// leaves the state unchanged.
func Classify(raw string) Classification {
	if v, ok := decode(raw); ok {
		obj, isObj := v.(map[string]any)
		if !isObj {
			return Classification{Verdict: VerdictOk, Decoded: true, Summary: fmt.Sprintf("json %T without alert fields", v)}
		}
		alert := truthy(obj["alert"])
		status, _ := obj["status"].(string)
		summary := fmt.Sprintf("json alert=%v status=%q", alert, status)
		if angle, ok := obj["angle"].(json.Number); ok {
			summary += " angle=" + angle.String()
		}
		if alert || status == StatusBadPosture {
			return Classification{Verdict: VerdictAlert, Decoded: true, Summary: summary}
		}
		return Classification{Verdict: VerdictOk, Decoded: true, Summary: summary}
	}

	if strings.Contains(strings.ToUpper(raw), alertToken) {
		return Classification{Verdict: VerdictAlert, Summary: "text contains alert token"}
	}
	return Classification{Verdict: VerdictNone, Summary: "text without alert token"}
}

// decode parses raw as a single JSON value. Numbers stay json.Number
// so values beyond float64 range (1e400) still decode. A null value or
// trailing data reports ok=false.
func decode(raw string) (any, bool) {
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil || v == nil {
		return nil, false
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, false
	}
	return v, true
}

// truthy mirrors loose JSON truthiness: false, 0, NaN, "" and null are
// falsy, everything else (including empty objects and arrays) is truthy.
func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case json.Number:
		f, err := strconv.ParseFloat(t.String(), 64)
		if err != nil {
			// Out of float64 range: ±Inf, which is truthy.
			return true
		}
		return f != 0 && !math.IsNaN(f)
	case float64:
		return t != 0 && !math.IsNaN(t)
	case string:
		return t != ""
	default:
		return true
	}
}
