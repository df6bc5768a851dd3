// Package submit delivers completion records to the backend.
package submit

import (
	"context"

	"github.com/kuatovakamila/track-facility-akimat/internal/logic"
)

// Record is the completion record. It is assembled once per submission
// attempt from the controller's final readings and the subject identifier.
type Record struct {
	TemperatureData float64  `json:"temperatureData"`
	PulseData       *float64 `json:"pulseData,omitempty"`
	AlcoholData     string   `json:"alcoholData"`
	SubjectID       string   `json:"subjectId"`

	// FlowID travels as request metadata, never in the body.
	FlowID string `json:"-"`
}

// NewRecord builds a record from readings.
func NewRecord(r logic.Readings, subjectID, flowID string) Record {
	rec := Record{
		TemperatureData: r.Temperature,
		AlcoholData:     string(r.Alcohol),
		SubjectID:       subjectID,
		FlowID:          flowID,
	}
	if r.HasPulse {
		p := r.Pulse
		rec.PulseData = &p
	}
	if rec.AlcoholData == "" {
		rec.AlcoholData = string(logic.AlcoholUndetermined)
	}
	return rec
}

// Endpoint accepts one record per call. Implementations do not retry.
type Endpoint interface {
	Submit(ctx context.Context, rec Record) error
}
