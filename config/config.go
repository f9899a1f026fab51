// Package config loads and validates the cluster topology: the replica
// grid, the number of partitions, and the mapping from keys to partitions
// and from (replica, partition) coordinates to machine ids.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/goccy/go-yaml"
)

var (
	ErrNoReplicas           = errors.New("topology must declare at least one replica")
	ErrNoPartitions         = errors.New("topology must declare at least one partition")
	ErrAddressCountMismatch = errors.New("number of addresses in each replica must match number of partitions")
	ErrReplicationFactor    = errors.New("replication factor must not exceed number of replicas")
	ErrUnknownLocalAddress  = errors.New("topology does not contain the local address")
)

// Replica is one geographic replica: a full copy of the key space spread
// over one machine per partition.
type Replica struct {
	Addresses []string `yaml:"addresses"`
}

// Config is the parsed and validated topology.
type Config struct {
	Protocol          string    `yaml:"protocol"`
	NumPartitions     uint32    `yaml:"num_partitions"`
	ReplicationFactor uint32    `yaml:"replication_factor"`
	NumWorkers        uint32    `yaml:"num_workers"`
	Replicas          []Replica `yaml:"replicas"`

	localAddress   string
	localReplica   uint32
	localPartition uint32
}

// FromFile reads a YAML topology and resolves the local machine by its
// address within the replica grid.
func FromFile(path, localAddress string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read topology %s: %w", path, err)
	}
	return Parse(raw, localAddress)
}

// Parse builds a Config from raw YAML. localAddress may be empty for
// tooling that only needs the key-routing side of the topology.
func Parse(raw []byte, localAddress string) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse topology: %w", err)
	}
	if len(cfg.Replicas) == 0 {
		return nil, ErrNoReplicas
	}
	if cfg.NumPartitions == 0 {
		return nil, ErrNoPartitions
	}
	if cfg.ReplicationFactor > uint32(len(cfg.Replicas)) {
		return nil, ErrReplicationFactor
	}
	if cfg.ReplicationFactor == 0 {
		cfg.ReplicationFactor = 1
	}
	if cfg.NumWorkers == 0 {
		cfg.NumWorkers = 1
	}

	localFound := localAddress == ""
	for r, replica := range cfg.Replicas {
		if uint32(len(replica.Addresses)) != cfg.NumPartitions {
			return nil, fmt.Errorf("%w: replica %d has %d addresses, want %d",
				ErrAddressCountMismatch, r, len(replica.Addresses), cfg.NumPartitions)
		}
		for p, address := range replica.Addresses {
			if address == localAddress {
				localFound = true
				cfg.localReplica = uint32(r)
				cfg.localPartition = uint32(p)
			}
		}
	}
	if !localFound {
		return nil, fmt.Errorf("%w: %q", ErrUnknownLocalAddress, localAddress)
	}
	cfg.localAddress = localAddress
	return cfg, nil
}

// PartitionOfKey routes a key to its partition with the same 32-bit FNV
// variant the rest of the deployment uses. The exact constants and update
// order are part of the routing contract; changing them re-shards every
// key.
func (c *Config) PartitionOfKey(key string) uint32 {
	var hash uint64 = 0x811c9dc5
	for i := 0; i < len(key); i++ {
		hash = (hash * 0x01000193) % (1 << 32)
		hash ^= uint64(key[i])
	}
	return uint32(hash) % c.NumPartitions
}

// NumReplicas returns the number of geographic replicas.
func (c *Config) NumReplicas() uint32 { return uint32(len(c.Replicas)) }

// Address returns the address of the machine at the given coordinates.
func (c *Config) Address(replica, partition uint32) string {
	return c.Replicas[replica].Addresses[partition]
}

// AllAddresses returns every machine address, replica-major.
func (c *Config) AllAddresses() []string {
	out := make([]string, 0, len(c.Replicas)*int(c.NumPartitions))
	for _, replica := range c.Replicas {
		out = append(out, replica.Addresses...)
	}
	return out
}

// MakeMachineID flattens (replica, partition) coordinates into the
// machine id used in event traces.
func (c *Config) MakeMachineID(replica, partition uint32) uint32 {
	return replica*c.NumPartitions + partition
}

// AllMachineIDs lists every machine id in the topology.
func (c *Config) AllMachineIDs() []uint32 {
	out := make([]uint32, 0, len(c.Replicas)*int(c.NumPartitions))
	for r := range c.Replicas {
		for p := uint32(0); p < c.NumPartitions; p++ {
			out = append(out, c.MakeMachineID(uint32(r), p))
		}
	}
	return out
}

// LocalAddress returns the address this process was resolved against.
func (c *Config) LocalAddress() string { return c.localAddress }

// LocalReplica returns the replica index of the local machine.
func (c *Config) LocalReplica() uint32 { return c.localReplica }

// LocalPartition returns the partition index of the local machine.
func (c *Config) LocalPartition() uint32 { return c.localPartition }

// LocalMachineID returns the flattened id of the local machine.
func (c *Config) LocalMachineID() uint32 {
	return c.MakeMachineID(c.localReplica, c.localPartition)
}
