// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package nodes

import (
	"bytes"
	"encoding/binary"
	"math"
	"time"

	"github.com/cockroachdb/logflow/pkg/lferrors"
	"github.com/cockroachdb/logflow/pkg/logpb"
)

// codecMagic and codecVersion identify the on-wire framing named in
// SPEC_FULL.md §3.4: a 4-byte magic plus a 1-byte format version ahead of
// the length-prefixed field encoding. Bumping codecVersion is how a future
// field addition stays bytewise-compatible with old readers, the same role
// a real `.proto` file's field numbers would play.
const (
	codecMagic   uint32 = 0x4c464e43 // "LFNC"
	codecVersion byte   = 1
)

// Serialize produces the opaque byte blob stored by a VersionedConfigStore
// (spec.md §6 "NodesConfiguration codec"). The encoding is a hand-written
// binary framing rather than generated protobuf, per SPEC_FULL.md §3.4;
// it is deliberately simple enough that swapping in a real `.proto`-
// generated struct later only touches this file.
func (nc *NodesConfiguration) Serialize() ([]byte, error) {
	var buf bytes.Buffer
	writeUint32(&buf, codecMagic)
	buf.WriteByte(codecVersion)

	writeUint64(&buf, nc.Version)
	writeInt64(&buf, nc.LastChangeTimestamp.UnixNano())
	writeInt32(&buf, nc.MetadataReplication.ReplicationFactor)

	writeBool(&buf, nc.SequencerMembership.Bootstrapping)
	writeUint64(&buf, nc.SequencerMembership.Version)
	writeBool(&buf, nc.StorageMembership.Bootstrapping)
	writeUint64(&buf, nc.StorageMembership.Version)

	writeUint32(&buf, uint32(len(nc.ServiceDiscovery)))
	for idx, sd := range nc.ServiceDiscovery {
		writeUint16(&buf, uint16(idx))
		writeServiceDiscovery(&buf, sd)
		sa, hasStorage := nc.StorageAttributes[idx]
		writeBool(&buf, hasStorage)
		if hasStorage {
			writeStorageAttributes(&buf, sa)
		}
		seq, hasSeq := nc.SequencerMembership.Nodes[idx]
		writeBool(&buf, hasSeq)
		if hasSeq {
			writeSequencerAttributes(&buf, seq)
		}
	}

	writeUint32(&buf, uint32(len(nc.StorageMembership.Shards)))
	for id, st := range nc.StorageMembership.Shards {
		writeUint16(&buf, uint16(id.NodeIndex))
		writeInt32(&buf, int32(id.ShardIndex))
		buf.WriteByte(byte(st.StorageState))
		buf.WriteByte(byte(st.MetadataState))
		writeUint64(&buf, st.SinceVersion)
		writeBool(&buf, st.ManualOverride)
		writeUint32(&buf, st.Flags)
	}

	return buf.Bytes(), nil
}

// Deserialize parses a blob produced by Serialize. Invalid bytes return
// lferrors.ErrInvalidConfig wrapped with the offending detail, surfaced by
// nodestore as INVALID_CONFIG per spec.md §6.
func Deserialize(blob []byte) (*NodesConfiguration, error) {
	r := bytes.NewReader(blob)

	magic, err := readUint32(r)
	if err != nil || magic != codecMagic {
		return nil, lferrors.Mark(lferrors.ErrInvalidConfig, "bad magic (len=%d)", len(blob))
	}
	version, err := r.ReadByte()
	if err != nil || version != codecVersion {
		return nil, lferrors.Mark(lferrors.ErrInvalidConfig, "unsupported codec version %d", version)
	}

	nc := Empty()

	if nc.Version, err = readUint64(r); err != nil {
		return nil, invalidConfig(err)
	}
	nanos, err := readInt64(r)
	if err != nil {
		return nil, invalidConfig(err)
	}
	nc.LastChangeTimestamp = time.Unix(0, nanos).UTC()
	if nc.MetadataReplication.ReplicationFactor, err = readInt32(r); err != nil {
		return nil, invalidConfig(err)
	}

	if nc.SequencerMembership.Bootstrapping, err = readBool(r); err != nil {
		return nil, invalidConfig(err)
	}
	if nc.SequencerMembership.Version, err = readUint64(r); err != nil {
		return nil, invalidConfig(err)
	}
	if nc.StorageMembership.Bootstrapping, err = readBool(r); err != nil {
		return nil, invalidConfig(err)
	}
	if nc.StorageMembership.Version, err = readUint64(r); err != nil {
		return nil, invalidConfig(err)
	}

	numNodes, err := readUint32(r)
	if err != nil {
		return nil, invalidConfig(err)
	}
	for i := uint32(0); i < numNodes; i++ {
		idxRaw, err := readUint16(r)
		if err != nil {
			return nil, invalidConfig(err)
		}
		idx := logpb.NodeIndex(idxRaw)
		sd, err := readServiceDiscovery(r)
		if err != nil {
			return nil, invalidConfig(err)
		}
		nc.ServiceDiscovery[idx] = sd

		hasStorage, err := readBool(r)
		if err != nil {
			return nil, invalidConfig(err)
		}
		if hasStorage {
			sa, err := readStorageAttributes(r)
			if err != nil {
				return nil, invalidConfig(err)
			}
			nc.StorageAttributes[idx] = sa
		}

		hasSeq, err := readBool(r)
		if err != nil {
			return nil, invalidConfig(err)
		}
		if hasSeq {
			seq, err := readSequencerAttributes(r)
			if err != nil {
				return nil, invalidConfig(err)
			}
			nc.SequencerMembership.Nodes[idx] = seq
		}
	}

	numShards, err := readUint32(r)
	if err != nil {
		return nil, invalidConfig(err)
	}
	for i := uint32(0); i < numShards; i++ {
		nodeIdx, err := readUint16(r)
		if err != nil {
			return nil, invalidConfig(err)
		}
		shardIdx, err := readInt32(r)
		if err != nil {
			return nil, invalidConfig(err)
		}
		storageState, err := r.ReadByte()
		if err != nil {
			return nil, invalidConfig(err)
		}
		metadataState, err := r.ReadByte()
		if err != nil {
			return nil, invalidConfig(err)
		}
		since, err := readUint64(r)
		if err != nil {
			return nil, invalidConfig(err)
		}
		manualOverride, err := readBool(r)
		if err != nil {
			return nil, invalidConfig(err)
		}
		flags, err := readUint32(r)
		if err != nil {
			return nil, invalidConfig(err)
		}
		id := logpb.ShardID{NodeIndex: logpb.NodeIndex(nodeIdx), ShardIndex: logpb.ShardIndex(shardIdx)}
		nc.StorageMembership.Shards[id] = logpb.ShardState{
			StorageState:   logpb.StorageState(storageState),
			MetadataState:  logpb.MetadataState(metadataState),
			SinceVersion:   since,
			ManualOverride: manualOverride,
			Flags:          flags,
		}
	}

	if r.Len() != 0 {
		return nil, lferrors.Mark(lferrors.ErrInvalidConfig, "%d trailing bytes after decode", r.Len())
	}
	return nc, nil
}

func invalidConfig(cause error) error {
	return lferrors.Mark(lferrors.ErrInvalidConfig, "truncated nodes configuration: %v", cause)
}

func writeServiceDiscovery(buf *bytes.Buffer, sd logpb.NodeServiceDiscovery) {
	writeString(buf, sd.Name)
	writeUint64(buf, sd.Version)
	writeString(buf, sd.Address)
	writeString(buf, sd.GossipAddr)
	writeString(buf, sd.SSLAddr)
	writeString(buf, sd.AdminAddr)
	writeString(buf, sd.ServerToServerAddr)
	writeString(buf, sd.ServerThriftAddr)
	writeString(buf, sd.ClientThriftAddr)
	writeString(buf, sd.Location.String())
	buf.WriteByte(byte(sd.Roles))

	writeUint32(buf, uint32(len(sd.AddressByPriority)))
	for p, addr := range sd.AddressByPriority {
		buf.WriteByte(byte(p))
		writeString(buf, addr)
	}
	writeUint32(buf, uint32(len(sd.Tags)))
	for k, v := range sd.Tags {
		writeString(buf, k)
		writeString(buf, v)
	}
}

func readServiceDiscovery(r *bytes.Reader) (logpb.NodeServiceDiscovery, error) {
	var sd logpb.NodeServiceDiscovery
	var err error
	if sd.Name, err = readString(r); err != nil {
		return sd, err
	}
	if sd.Version, err = readUint64(r); err != nil {
		return sd, err
	}
	if sd.Address, err = readString(r); err != nil {
		return sd, err
	}
	if sd.GossipAddr, err = readString(r); err != nil {
		return sd, err
	}
	if sd.SSLAddr, err = readString(r); err != nil {
		return sd, err
	}
	if sd.AdminAddr, err = readString(r); err != nil {
		return sd, err
	}
	if sd.ServerToServerAddr, err = readString(r); err != nil {
		return sd, err
	}
	if sd.ServerThriftAddr, err = readString(r); err != nil {
		return sd, err
	}
	if sd.ClientThriftAddr, err = readString(r); err != nil {
		return sd, err
	}
	locStr, err := readString(r)
	if err != nil {
		return sd, err
	}
	loc, err := logpb.ParseLocation(locStr)
	if err != nil {
		return sd, err
	}
	sd.Location = loc
	roles, err := r.ReadByte()
	if err != nil {
		return sd, err
	}
	sd.Roles = logpb.Role(roles)

	numPri, err := readUint32(r)
	if err != nil {
		return sd, err
	}
	if numPri > 0 {
		sd.AddressByPriority = make(map[logpb.NetworkPriority]string, numPri)
	}
	for i := uint32(0); i < numPri; i++ {
		p, err := r.ReadByte()
		if err != nil {
			return sd, err
		}
		addr, err := readString(r)
		if err != nil {
			return sd, err
		}
		sd.AddressByPriority[logpb.NetworkPriority(int8(p))] = addr
	}

	numTags, err := readUint32(r)
	if err != nil {
		return sd, err
	}
	if numTags > 0 {
		sd.Tags = make(map[string]string, numTags)
	}
	for i := uint32(0); i < numTags; i++ {
		k, err := readString(r)
		if err != nil {
			return sd, err
		}
		v, err := readString(r)
		if err != nil {
			return sd, err
		}
		sd.Tags[k] = v
	}
	return sd, nil
}

func writeStorageAttributes(buf *bytes.Buffer, sa logpb.StorageAttributes) {
	writeUint32(buf, uint32(sa.Generation))
	writeFloat64(buf, sa.Capacity)
	writeInt32(buf, sa.NumShards)
	writeBool(buf, sa.ExcludeFromNodeset)
}

func readStorageAttributes(r *bytes.Reader) (logpb.StorageAttributes, error) {
	var sa logpb.StorageAttributes
	gen, err := readUint32(r)
	if err != nil {
		return sa, err
	}
	sa.Generation = logpb.Generation(gen)
	if sa.Capacity, err = readFloat64(r); err != nil {
		return sa, err
	}
	if sa.NumShards, err = readInt32(r); err != nil {
		return sa, err
	}
	if sa.ExcludeFromNodeset, err = readBool(r); err != nil {
		return sa, err
	}
	return sa, nil
}

func writeSequencerAttributes(buf *bytes.Buffer, sa logpb.SequencerAttributes) {
	writeBool(buf, sa.Enabled)
	writeFloat64(buf, sa.Weight)
	writeBool(buf, sa.ExcludeFromNodeset)
}

func readSequencerAttributes(r *bytes.Reader) (logpb.SequencerAttributes, error) {
	var sa logpb.SequencerAttributes
	var err error
	if sa.Enabled, err = readBool(r); err != nil {
		return sa, err
	}
	if sa.Weight, err = readFloat64(r); err != nil {
		return sa, err
	}
	if sa.ExcludeFromNodeset, err = readBool(r); err != nil {
		return sa, err
	}
	return sa, nil
}

func writeUint16(buf *bytes.Buffer, v uint16) { var b [2]byte; binary.BigEndian.PutUint16(b[:], v); buf.Write(b[:]) }
func writeUint32(buf *bytes.Buffer, v uint32) { var b [4]byte; binary.BigEndian.PutUint32(b[:], v); buf.Write(b[:]) }
func writeUint64(buf *bytes.Buffer, v uint64) { var b [8]byte; binary.BigEndian.PutUint64(b[:], v); buf.Write(b[:]) }
func writeInt32(buf *bytes.Buffer, v int32)   { writeUint32(buf, uint32(v)) }
func writeInt64(buf *bytes.Buffer, v int64)   { writeUint64(buf, uint64(v)) }
func writeFloat64(buf *bytes.Buffer, v float64) { writeUint64(buf, math.Float64bits(v)) }
func writeBool(buf *bytes.Buffer, v bool) {
	if v {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
}
func writeString(buf *bytes.Buffer, s string) {
	writeUint32(buf, uint32(len(s)))
	buf.WriteString(s)
}

func readUint16(r *bytes.Reader) (uint16, error) {
	var b [2]byte
	if _, err := readFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b[:]), nil
}
func readUint32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := readFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}
func readUint64(r *bytes.Reader) (uint64, error) {
	var b [8]byte
	if _, err := readFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}
func readInt32(r *bytes.Reader) (int32, error) {
	v, err := readUint32(r)
	return int32(v), err
}
func readInt64(r *bytes.Reader) (int64, error) {
	v, err := readUint64(r)
	return int64(v), err
}
func readFloat64(r *bytes.Reader) (float64, error) {
	v, err := readUint64(r)
	return math.Float64frombits(v), err
}
func readBool(r *bytes.Reader) (bool, error) {
	b, err := r.ReadByte()
	return b != 0, err
}
func readString(r *bytes.Reader) (string, error) {
	n, err := readUint32(r)
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := readFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}
func readFull(r *bytes.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
