package audit

import (
	"time"
)

// Event is a v1 audit event describing one snapshot acquisition.
type Event struct {
	Version   string    `json:"version"`
	EventType string    `json:"event_type"`
	EventID   string    `json:"event_id"`
	Timestamp time.Time `json:"timestamp"`

	Acquisition AcquisitionInfo     `json:"acquisition"`
	Files       map[string]FileInfo `json:"files"`
	Producer    ProducerInfo        `json:"producer"`
	Chain       ChainInfo           `json:"chain"`
}

// AcquisitionInfo identifies the pass and the node that served the files.
type AcquisitionInfo struct {
	Cluster       string  `json:"cluster"`
	PassID        string  `json:"pass_id"`
	Attempt       int     `json:"attempt"`
	ReferenceSlot uint64  `json:"reference_slot"`
	SourceAddress string  `json:"source_address"`
	MeasuredSpeed float64 `json:"measured_speed"` // bytes per second
}

// FileInfo contains the checksum and placement of one archive.
type FileInfo struct {
	Kind        string `json:"kind"`
	Slot        uint64 `json:"slot"`
	BaseSlot    uint64 `json:"base_slot,omitempty"`
	Checksum    string `json:"checksum"`
	ByteSize    int64  `json:"byte_size"`
	StoragePath string `json:"storage_path"`
	Skipped     bool   `json:"skipped,omitempty"`
}

// ProducerInfo identifies the software that acquired the files.
type ProducerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	GitSHA  string `json:"git_sha"`
}

// ChainInfo provides hash chaining for a tamper-evident audit log.
type ChainInfo struct {
	Sequence      uint64 `json:"sequence"`
	PrevEventHash string `json:"prev_event_hash"`
	EventHash     string `json:"event_hash"`
}
