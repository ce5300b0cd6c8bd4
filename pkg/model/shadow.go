// pkg/model/shadow.go
package model

import "time"

// ShadowDocument is the authoritative record for one device: the state the
// device last reported and the state a user or automation wants it to reach.
type ShadowDocument struct {
	DeviceID string `json:"deviceId"` // Unique device identifier, immutable
	Version  int64  `json:"version"`  // Incremented by exactly 1 on every accepted write

	// ReportedState holds the device's last known state, keyed by capability.
	// Only report ingestion may write it.
	ReportedState map[string]interface{} `json:"reportedState"`

	// DesiredState holds the target state requested by the control plane,
	// keyed by capability. Only desired-state requests may write it.
	DesiredState map[string]interface{} `json:"desiredState"`

	Metadata Metadata `json:"metadata"`
}

// Metadata carries the document timestamps. All times are UTC.
type Metadata struct {
	CreatedAt         time.Time `json:"createdAt"`
	LastReported      time.Time `json:"lastReported"`
	LastDesiredUpdate time.Time `json:"lastDesiredUpdate"`
}

// NewShadowDocument returns an empty document at version 0. The first
// accepted mutation brings it to version 1.
func NewShadowDocument(deviceID string, now time.Time) *ShadowDocument {
	return &ShadowDocument{
		DeviceID:      deviceID,
		Version:       0,
		ReportedState: map[string]interface{}{},
		DesiredState:  map[string]interface{}{},
		Metadata:      Metadata{CreatedAt: now},
	}
}

// Clone returns a deep copy. Mutators work on clones so a failed
// compare-and-swap never leaves a half-applied document behind.
func (d *ShadowDocument) Clone() *ShadowDocument {
	out := *d
	out.ReportedState = CopyState(d.ReportedState)
	out.DesiredState = CopyState(d.DesiredState)
	return &out
}

// PendingDelta recomputes the set of capabilities whose desired value is not
// yet reflected in the reported state. Derived, never stored.
func (d *ShadowDocument) PendingDelta() map[string]DeltaEntry {
	return Diff(d.ReportedState, d.DesiredState)
}

// HistoryPoint is a single state-transition record. Immutable once written.
type HistoryPoint struct {
	DeviceID   string      `json:"-"` // Known from context, not repeated in response bodies
	Timestamp  time.Time   `json:"ts"`
	Capability string      `json:"capability"`
	Value      interface{} `json:"value"`
}
