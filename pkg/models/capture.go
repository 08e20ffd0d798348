package models

import "time"

// SensorPose is the device orientation at shutter time, in degrees.
// Informational only.
type SensorPose struct {
	Pitch float64 `json:"pitch"`
	Roll  float64 `json:"roll"`
	Yaw   float64 `json:"yaw"`
}

// ImageRecord references one captured photograph of the meter.
// Two records with the same ContentHash are treated as byte-identical.
type ImageRecord struct {
	URI         string     `json:"uri" binding:"required"`
	CapturedAt  time.Time  `json:"captured_at" binding:"required"`
	Width       int        `json:"width"`
	Height      int        `json:"height"`
	SensorPose  SensorPose `json:"sensor_pose"`
	ContentHash string     `json:"content_hash,omitempty"`
}

// SameContent reports whether both records carry the same non-empty content hash.
func (r ImageRecord) SameContent(other ImageRecord) bool {
	return r.ContentHash != "" && r.ContentHash == other.ContentHash
}

// ElapsedSeconds returns the interval between two captures.
func ElapsedSeconds(before, after ImageRecord) float64 {
	return after.CapturedAt.Sub(before.CapturedAt).Seconds()
}
