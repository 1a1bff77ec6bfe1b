package stream

import (
	"encoding/json"
	"fmt"
	"slices"
)

// SupportedVersions lists the stream versions the decoder understands.
var SupportedVersions = []int{1, 2}

// Metadata is the JSON document carried by the leading meta frame.
type Metadata struct {
	VirtualSize       uint64 `json:"virtualSize"`
	DataSize          uint64 `json:"dataSize"`
	Date              string `json:"date"`
	DiskName          string `json:"diskName"`
	DiskFormat        string `json:"diskFormat"`
	CheckpointName    string `json:"checkpointName"`
	ParentCheckpoint  string `json:"parentCheckpoint"`
	Compressed        bool   `json:"compressed"`
	CompressionMethod string `json:"compressionMethod,omitempty"`
	Incremental       bool   `json:"incremental"`
	StreamVersion     int    `json:"streamVersion"`
}

// BackupKind derives the chain role from the incremental flag.
func (m Metadata) BackupKind() BackupKind {
	if m.Incremental {
		return Incremental
	}
	return Full
}

func parseMetadata(b []byte) (Metadata, error) {
	var m Metadata
	if err := json.Unmarshal(b, &m); err != nil {
		return Metadata{}, fmt.Errorf("decode metadata: %w", err)
	}
	if !slices.Contains(SupportedVersions, m.StreamVersion) {
		return Metadata{}, fmt.Errorf("unsupported stream version %d", m.StreamVersion)
	}
	if m.VirtualSize == 0 {
		return Metadata{}, fmt.Errorf("metadata declares zero virtual size")
	}
	return m, nil
}

// MarshalMetadata encodes m as a meta frame payload.
func MarshalMetadata(m Metadata) ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return b, nil
}
