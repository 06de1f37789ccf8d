package plants

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ReasonTimeout is the failure reason recorded when a retrieval times out.
const ReasonTimeout = "request timed out"

// SentinelStatus is the status attached to failures that never produced an
// HTTP response.
const SentinelStatus = 400

// FailureKind classifies why a snapshot could not be retrieved.
type FailureKind string

const (
	KindTimeout      FailureKind = "timeout"
	KindTransport    FailureKind = "transport"
	KindErrorPayload FailureKind = "error_payload"
	KindInvalidBody  FailureKind = "invalid_body"
)

// Snapshot is one plant's retrieval result for a run: *Success or *Failure.
type Snapshot interface {
	ID() int
	isSnapshot()
}

// Success holds a decoded plant payload.
type Success struct {
	PlantID int
	Status  int
	Payload Payload
}

// Failure stands in for a snapshot that could not be retrieved or that the
// API reported as an error.
type Failure struct {
	PlantID int
	Kind    FailureKind
	Reason  string
	Status  int
}

func (s *Success) ID() int { return s.PlantID }
func (f *Failure) ID() int { return f.PlantID }

func (*Success) isSnapshot() {}
func (*Failure) isSnapshot() {}

// Payload holds the plant API fields the pipeline consumes. Pointer fields
// are nil when the key is absent or null.
type Payload struct {
	Botanist       *Botanist `json:"botanist" validate:"required"`
	SoilMoisture   *Number   `json:"soil_moisture" validate:"required"`
	Temperature    *Number   `json:"temperature" validate:"required"`
	RecordingTaken *Text     `json:"recording_taken" validate:"required"`
	PlantID        *Number   `json:"plant_id" validate:"required"`
	LastWatered    *Text     `json:"last_watered" validate:"required"`
}

// Botanist is the operator block embedded in a payload.
type Botanist struct {
	Email string `json:"email" validate:"required"`
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

// UnmarshalJSON leaves the botanist empty instead of failing the whole
// payload when the value is not an object.
func (b *Botanist) UnmarshalJSON(data []byte) error {
	type plain Botanist
	var v plain
	if err := json.Unmarshal(data, &v); err != nil {
		return nil
	}
	*b = Botanist(v)
	return nil
}

// Number holds a JSON number or numeric string verbatim; conversion errors
// surface only when the value is read.
type Number string

func (n *Number) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*n = Number(strings.TrimSpace(s))
		return nil
	}
	*n = Number(data)
	return nil
}

// Float64 parses the number.
func (n Number) Float64() (float64, error) {
	f, err := strconv.ParseFloat(string(n), 64)
	if err != nil {
		return 0, fmt.Errorf("not a number: %q", string(n))
	}
	return f, nil
}

// Int parses the number as a 32-bit integer, the width of the id columns.
// Floats are accepted only when integral and in range.
func (n Number) Int() (int, error) {
	if i, err := strconv.ParseInt(string(n), 10, 32); err == nil {
		return int(i), nil
	}
	f, err := n.Float64()
	if err != nil || f != math.Trunc(f) || f < math.MinInt32 || f > math.MaxInt32 {
		return 0, fmt.Errorf("not an integer: %q", string(n))
	}
	return int(f), nil
}

// Text holds a JSON string; any other JSON value is kept as its literal.
type Text string

func (t *Text) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*t = Text(s)
		return nil
	}
	*t = Text(data)
	return nil
}

type envelope struct {
	Error *Text `json:"error"`
}

// DecodeSnapshot turns one API response into a Snapshot. A non-2xx status or
// an "error" key in the body yields a Failure; the body's own "response"
// field is not consulted.
func DecodeSnapshot(plantID, status int, body []byte) Snapshot {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		if status < 200 || status >= 300 {
			return &Failure{PlantID: plantID, Kind: KindErrorPayload, Reason: fmt.Sprintf("unexpected status %d", status), Status: status}
		}
		return &Failure{PlantID: plantID, Kind: KindInvalidBody, Reason: fmt.Sprintf("decode body: %v", err), Status: status}
	}

	if env.Error != nil && *env.Error != "" {
		return &Failure{PlantID: plantID, Kind: KindErrorPayload, Reason: string(*env.Error), Status: status}
	}
	if status < 200 || status >= 300 {
		return &Failure{PlantID: plantID, Kind: KindErrorPayload, Reason: fmt.Sprintf("unexpected status %d", status), Status: status}
	}

	var p Payload
	if err := json.Unmarshal(body, &p); err != nil {
		return &Failure{PlantID: plantID, Kind: KindInvalidBody, Reason: fmt.Sprintf("decode payload: %v", err), Status: status}
	}
	return &Success{PlantID: plantID, Status: status, Payload: p}
}
