// Package config holds the engine's configuration surface: one nested
// struct per component, JSON-decodable, with sensible defaults. The
// shape mirrors the reference engine's pkg/config package (one
// ServerConfig/DatabaseConfig/... per concern, a DefaultConfig()
// constructor, a thin file loader).
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/c2h5oh/datasize"
)

// Config is the top-level, per-process configuration.
type Config struct {
	Block       BlockConfig       `json:"block"`
	WAL         WALConfig         `json:"wal"`
	MVCC        MVCCConfig        `json:"mvcc"`
	Tablet      TabletConfig      `json:"tablet"`
	Maintenance MaintenanceConfig `json:"maintenance"`
	Log         LogConfig         `json:"log"`
}

// BlockConfig controls the block container (§4.A).
type BlockConfig struct {
	// DataDirs lists the directories blocks may be placed in, round-robin.
	DataDirs []string `json:"data_dirs"`
	// ContainerPreallocate is how much to fallocate ahead of writes.
	ContainerPreallocate ByteSize `json:"container_preallocate"`
	// PunchHolesOnDelete disables hole-punching (e.g. on filesystems that
	// don't support it) when false; blocks are then only removed from
	// the live-block index, not reclaimed on disk until compaction.
	PunchHolesOnDelete bool `json:"punch_holes_on_delete"`
}

// WALConfig controls WAL segment I/O (§4.B) and retention (§4.C).
type WALConfig struct {
	Dir           string   `json:"dir"`
	SegmentSizeMB ByteSize `json:"segment_size_mb"`
	Codec         string   `json:"codec"` // "", "zstd"
	SyncOnAppend  bool     `json:"sync_on_append"`
}

// MVCCConfig controls the MVCC coordinator (§4.D).
type MVCCConfig struct {
	WaitPollInterval time.Duration `json:"wait_poll_interval"`
}

// TabletConfig controls the write/read path and flush thresholds (§4.I).
type TabletConfig struct {
	MemRowSetFlushThreshold ByteSize `json:"mem_row_set_flush_threshold"`
	DeltaFlushThreshold     ByteSize `json:"delta_flush_threshold"`
	CompactionByteBudget    ByteSize `json:"compaction_byte_budget"`
}

// MaintenanceConfig controls the maintenance scheduler (§12).
type MaintenanceConfig struct {
	Workers      int           `json:"workers"`
	PollInterval time.Duration `json:"poll_interval"`
}

// LogConfig controls logging (§10).
type LogConfig struct {
	Level       string `json:"level"`
	FilePath    string `json:"file_path"`
	Development bool   `json:"development"`
}

// ByteSize is a JSON-friendly wrapper over datasize.ByteSize accepting
// both raw numbers and human strings ("64MB").
type ByteSize struct {
	datasize.ByteSize
}

func (b ByteSize) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.ByteSize.HumanReadable())
}

func (b *ByteSize) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		var v datasize.ByteSize
		if err := v.UnmarshalText([]byte(s)); err != nil {
			return fmt.Errorf("invalid byte size %q: %w", s, err)
		}
		b.ByteSize = v
		return nil
	}
	var n uint64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid byte size: %w", err)
	}
	b.ByteSize = datasize.ByteSize(n)
	return nil
}

// DefaultConfig returns the engine's default configuration.
func DefaultConfig() *Config {
	return &Config{
		Block: BlockConfig{
			DataDirs:             []string{"data"},
			ContainerPreallocate: ByteSize{8 * datasize.MB},
			PunchHolesOnDelete:   true,
		},
		WAL: WALConfig{
			Dir:           "wal",
			SegmentSizeMB: ByteSize{64 * datasize.MB},
			Codec:         "",
			SyncOnAppend:  true,
		},
		MVCC: MVCCConfig{
			WaitPollInterval: 10 * time.Millisecond,
		},
		Tablet: TabletConfig{
			MemRowSetFlushThreshold: ByteSize{128 * datasize.MB},
			DeltaFlushThreshold:     ByteSize{32 * datasize.MB},
			CompactionByteBudget:    ByteSize{1 * datasize.GB},
		},
		Maintenance: MaintenanceConfig{
			Workers:      4,
			PollInterval: time.Second,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads and decodes a Config from a JSON file, starting from
// DefaultConfig so unset fields keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %q: %w", path, err)
	}
	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %q: %w", path, err)
	}
	return cfg, nil
}
