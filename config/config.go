// Package config holds the engine's plain-struct configuration: memory
// watermarks, eviction tuning, and durability/checkpoint defaults.
// Byte-size fields use datasize.ByteSize so a value like "2GB" or "512MB"
// parses straight from a flag or config file instead of a raw int64 of
// bytes.
package config

import (
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/shirou/gopsutil/mem"
)

// Memory holds the item pager's watermark and the hash table's
// admission-ceiling configuration.
type Memory struct {
	HighWatermark  datasize.ByteSize
	LowWatermark   datasize.ByteSize
	Ceiling        datasize.ByteSize // hash table admission ceiling
	RelaxedCeiling datasize.ByteSize // ceiling applied to replication-originated writes
}

// Pager holds the item pager's scheduling and policy knobs.
type Pager struct {
	SleepInterval          time.Duration
	ActiveBias             float64 // in (0, 2)
	EvictionMultiplierStep float64 // added to the multiplier after each pass that misses the low watermark
	MaxPersistenceQueue    int     // MAX_PERSISTENCE_QUEUE_SIZE
	ExpiryPagerInterval    time.Duration
}

// Checkpoint holds the checkpoint manager's rotation tuning.
type Checkpoint struct {
	MaxItemsPerCheckpoint int
	MaxCheckpointAge      time.Duration
}

// Durability holds the default synchronous-write timeout, one value for
// every level.
type Durability struct {
	DefaultTimeout time.Duration
}

// Engine is the top-level configuration passed to vbucket/pager
// construction.
type Engine struct {
	NumVBuckets int
	NumShards   int

	Memory     Memory
	Pager      Pager
	Checkpoint Checkpoint
	Durability Durability
}

// Default returns sane defaults, seeding the memory watermarks from the
// host's actual RAM via gopsutil rather than a hardcoded constant.
func Default() Engine {
	total := hostMemoryBytes()
	high := datasize.ByteSize(total * 70 / 100)
	low := datasize.ByteSize(total * 55 / 100)
	ceil := datasize.ByteSize(total * 80 / 100)

	return Engine{
		NumVBuckets: 1024,
		NumShards:   4,
		Memory: Memory{
			HighWatermark:  high,
			LowWatermark:   low,
			Ceiling:        ceil,
			RelaxedCeiling: datasize.ByteSize(total * 90 / 100),
		},
		Pager: Pager{
			SleepInterval:          5 * time.Second,
			ActiveBias:             0.6,
			EvictionMultiplierStep: 0.05,
			MaxPersistenceQueue:    1 << 20,
			ExpiryPagerInterval:    30 * time.Second,
		},
		Checkpoint: Checkpoint{
			MaxItemsPerCheckpoint: 10_000,
			MaxCheckpointAge:      30 * time.Minute,
		},
		Durability: Durability{
			DefaultTimeout: 30 * time.Second,
		},
	}
}

// hostMemoryBytes returns the host's total physical memory, falling back
// to a conservative 4GiB if gopsutil can't read it (e.g. sandboxed/
// containerized environments without /proc access).
func hostMemoryBytes() uint64 {
	const fallback = 4 << 30
	vm, err := mem.VirtualMemory()
	if err != nil || vm.Total == 0 {
		return fallback
	}
	return vm.Total
}
