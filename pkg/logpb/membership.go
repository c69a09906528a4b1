// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package logpb

// StorageState is one of the per-shard states named in spec.md §3 and the
// GLOSSARY.
type StorageState int8

const (
	StorageStateProvisioning StorageState = iota
	StorageStateNone
	StorageStateReadWrite
	StorageStateReadOnly
	StorageStateDataMigration
	StorageStateDisabled
)

func (s StorageState) String() string {
	switch s {
	case StorageStateProvisioning:
		return "PROVISIONING"
	case StorageStateNone:
		return "NONE"
	case StorageStateReadWrite:
		return "READ_WRITE"
	case StorageStateReadOnly:
		return "READ_ONLY"
	case StorageStateDataMigration:
		return "DATA_MIGRATION"
	case StorageStateDisabled:
		return "DISABLED"
	default:
		return "UNKNOWN"
	}
}

// MetadataState is the per-shard metadata role (spec.md §3).
type MetadataState int8

const (
	MetadataStateNone MetadataState = iota
	MetadataStateMetadata
)

func (s MetadataState) String() string {
	if s == MetadataStateMetadata {
		return "METADATA"
	}
	return "NONE"
}

// ShardIndex identifies one of a node's local storage shards.
type ShardIndex int32

// AllShards is the sentinel shard_index value that expands to "all shards
// of the node" for markShardsAsProvisioned (spec.md §4.4.3).
const AllShards ShardIndex = -1

// ShardID names one shard cluster-wide.
type ShardID struct {
	NodeIndex  NodeIndex
	ShardIndex ShardIndex
}

// ShardState is the per-shard record in storage membership (spec.md §3
// "Storage membership"), including the manual_override flag supplemented
// from original_source/logdevice (SPEC_FULL.md §4.2).
type ShardState struct {
	StorageState   StorageState
	MetadataState  MetadataState
	SinceVersion   uint64
	ManualOverride bool
	Flags          uint32
}

// Role is a bit in a node's role set (spec.md §3 NodeServiceDiscovery).
type Role uint8

const (
	RoleSequencer Role = 1 << iota
	RoleStorage
)

func (r Role) Has(role Role) bool { return r&role != 0 }

// PeerType distinguishes cluster peers from client sessions at the
// transport level (spec.md §3 ConnectionInfo).
type PeerType int8

const (
	PeerTypeNode PeerType = iota
	PeerTypeClient
)

// NetworkPriority selects among a node's address-per-network-priority map
// (spec.md §3 NodeServiceDiscovery).
type NetworkPriority int8

// NodeServiceDiscovery is the per-node discovery record (spec.md §3).
type NodeServiceDiscovery struct {
	Name       string
	Version    uint64
	Address    string // default data address, "host:port"
	GossipAddr string
	SSLAddr    string
	AdminAddr  string
	ServerToServerAddr string
	ServerThriftAddr   string
	ClientThriftAddr   string

	AddressByPriority map[NetworkPriority]string

	Location Location
	Roles    Role
	Tags     map[string]string
}

// StorageAttributes holds the per-node storage configuration, including
// the generation bumped by AdminAPI.bumpNodeGeneration (spec.md §4.4.3).
type StorageAttributes struct {
	Generation   Generation
	Capacity     float64
	NumShards    int32
	ExcludeFromNodeset bool
}

// SequencerAttributes holds the per-node sequencer configuration.
type SequencerAttributes struct {
	Enabled            bool
	Weight             float64
	ExcludeFromNodeset bool
}

// NodeConfig is a convenient, flattened view of one node's configuration
// across service discovery, sequencer and storage membership, matching the
// shape of AddSingleNodeRequest.new_config / the added_nodes/updated_nodes
// response fields named in spec.md §6.
type NodeConfig struct {
	NodeIndex   NodeIndex
	Generation  Generation
	ServiceDiscovery NodeServiceDiscovery
	Sequencer   *SequencerAttributes
	Storage     *StorageAttributes
}

// HasRole reports whether the node's role set contains role.
func (n NodeConfig) HasRole(role Role) bool {
	return n.ServiceDiscovery.Roles.Has(role)
}
