package pipeline

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"github.com/lnhm-botany/plant-monitor/internal/metrics"
	"github.com/lnhm-botany/plant-monitor/internal/models"
	"github.com/lnhm-botany/plant-monitor/internal/plants"
)

// Rejection reasons reported when a snapshot is dropped.
const (
	RejectErrorPayload     = "error_payload"
	RejectMissingField     = "missing_field"
	RejectInvalidType      = "invalid_type"
	RejectInvalidTimestamp = "invalid_timestamp"
)

// LastWateredLayout is the RFC 1123 layout of the last_watered field.
const LastWateredLayout = "Mon, 02 Jan 2006 15:04:05 GMT"

var recordingLayouts = []string{
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05",
}

var validate = newValidator()

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return v
}

// Rejection explains why a snapshot did not become a reading.
type Rejection struct {
	PlantID int
	Reason  string
	Detail  string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("plant %d rejected (%s): %s", r.PlantID, r.Reason, r.Detail)
}

// Normalizer validates snapshots and converts them into readings.
type Normalizer struct {
	log     logrus.FieldLogger
	metrics *metrics.Metrics
}

// NewNormalizer builds a Normalizer.
func NewNormalizer(log logrus.FieldLogger, m *metrics.Metrics) *Normalizer {
	return &Normalizer{log: log, metrics: m}
}

// Normalize keeps the input order, drops rejected snapshots after logging
// them, and never merges or deduplicates readings.
func (n *Normalizer) Normalize(snaps []plants.Snapshot) []models.Reading {
	readings := make([]models.Reading, 0, len(snaps))
	for _, snap := range snaps {
		reading, err := NormalizeSnapshot(snap)
		if err != nil {
			var rej *Rejection
			if errors.As(err, &rej) {
				n.metrics.RejectedTotal.WithLabelValues(rej.Reason).Inc()
				n.log.WithFields(logrus.Fields{
					"plant_id": rej.PlantID,
					"reason":   rej.Reason,
					"detail":   rej.Detail,
				}).Warn("snapshot rejected")
			}
			continue
		}
		readings = append(readings, reading)
	}
	return readings
}

// NormalizeSnapshot converts one snapshot, returning a *Rejection when it
// cannot be used.
func NormalizeSnapshot(snap plants.Snapshot) (models.Reading, error) {
	switch s := snap.(type) {
	case *plants.Failure:
		reason := string(s.Kind)
		if reason == "" {
			reason = RejectErrorPayload
		}
		return models.Reading{}, &Rejection{PlantID: s.PlantID, Reason: reason, Detail: s.Reason}
	case *plants.Success:
		return normalizePayload(s.PlantID, s.Payload)
	default:
		return models.Reading{}, &Rejection{PlantID: snap.ID(), Reason: RejectInvalidType, Detail: fmt.Sprintf("unknown snapshot %T", snap)}
	}
}

func normalizePayload(fetchedID int, p plants.Payload) (models.Reading, error) {
	if err := validate.Struct(p); err != nil {
		return models.Reading{}, &Rejection{PlantID: fetchedID, Reason: RejectMissingField, Detail: missingFields(err)}
	}

	plantID, err := p.PlantID.Int()
	if err != nil {
		return models.Reading{}, &Rejection{PlantID: fetchedID, Reason: RejectInvalidType, Detail: "plant_id: " + err.Error()}
	}
	moisture, err := p.SoilMoisture.Float64()
	if err != nil {
		return models.Reading{}, &Rejection{PlantID: plantID, Reason: RejectInvalidType, Detail: "soil_moisture: " + err.Error()}
	}
	temperature, err := p.Temperature.Float64()
	if err != nil {
		return models.Reading{}, &Rejection{PlantID: plantID, Reason: RejectInvalidType, Detail: "temperature: " + err.Error()}
	}
	taken, err := ParseRecordingTaken(string(*p.RecordingTaken))
	if err != nil {
		return models.Reading{}, &Rejection{PlantID: plantID, Reason: RejectInvalidTimestamp, Detail: "recording_taken: " + err.Error()}
	}
	watered, err := ParseLastWatered(string(*p.LastWatered))
	if err != nil {
		return models.Reading{}, &Rejection{PlantID: plantID, Reason: RejectInvalidTimestamp, Detail: "last_watered: " + err.Error()}
	}

	return models.Reading{
		Email:        p.Botanist.Email,
		SoilMoisture: moisture,
		Temperature:  temperature,
		Timestamp:    taken,
		PlantID:      plantID,
		LastWatered:  watered,
	}, nil
}

// ParseRecordingTaken parses an ISO-8601 timestamp. Values without an offset
// are taken as UTC.
func ParseRecordingTaken(v string) (time.Time, error) {
	for _, layout := range recordingLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("not an ISO-8601 timestamp: %q", v)
}

// ParseLastWatered parses an RFC 1123 GMT date such as
// "Mon, 10 Jun 2024 14:03:04 GMT".
func ParseLastWatered(v string) (time.Time, error) {
	t, err := time.Parse(LastWateredLayout, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("not an RFC 1123 date: %q", v)
	}
	return t.UTC(), nil
}

func missingFields(err error) string {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err.Error()
	}
	names := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		_, field, _ := strings.Cut(fe.Namespace(), ".")
		names = append(names, field)
	}
	return strings.Join(names, ", ")
}
