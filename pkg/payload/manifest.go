package payload

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// The manifest is the DeltaArchiveManifest message from update_engine's
// update_metadata.proto. It is decoded by field tag so unknown fields added
// by newer Android releases pass through harmlessly.

// OperationType is an InstallOperation type from update_metadata.proto.
type OperationType int32

const (
	REPLACE          OperationType = 0
	REPLACE_BZ       OperationType = 1
	MOVE             OperationType = 2
	BSDIFF           OperationType = 3
	SOURCE_COPY      OperationType = 4
	SOURCE_BSDIFF    OperationType = 5
	ZERO             OperationType = 6
	DISCARD          OperationType = 7
	REPLACE_XZ       OperationType = 8
	PUFFDIFF         OperationType = 9
	BROTLI_BSDIFF    OperationType = 10
	ZUCCHINI         OperationType = 11
	LZ4DIFF_BSDIFF   OperationType = 12
	LZ4DIFF_PUFFDIFF OperationType = 13
	REPLACE_ZSTD     OperationType = 14
)

func (t OperationType) String() string {
	switch t {
	case REPLACE:
		return "REPLACE"
	case REPLACE_BZ:
		return "REPLACE_BZ"
	case MOVE:
		return "MOVE"
	case BSDIFF:
		return "BSDIFF"
	case SOURCE_COPY:
		return "SOURCE_COPY"
	case SOURCE_BSDIFF:
		return "SOURCE_BSDIFF"
	case ZERO:
		return "ZERO"
	case DISCARD:
		return "DISCARD"
	case REPLACE_XZ:
		return "REPLACE_XZ"
	case PUFFDIFF:
		return "PUFFDIFF"
	case BROTLI_BSDIFF:
		return "BROTLI_BSDIFF"
	case ZUCCHINI:
		return "ZUCCHINI"
	case LZ4DIFF_BSDIFF:
		return "LZ4DIFF_BSDIFF"
	case LZ4DIFF_PUFFDIFF:
		return "LZ4DIFF_PUFFDIFF"
	case REPLACE_ZSTD:
		return "REPLACE_ZSTD"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int32(t))
	}
}

// Delta reports whether the operation reads from the old partition image.
func (t OperationType) Delta() bool {
	switch t {
	case SOURCE_COPY, SOURCE_BSDIFF, BROTLI_BSDIFF, PUFFDIFF, ZUCCHINI, LZ4DIFF_BSDIFF, LZ4DIFF_PUFFDIFF:
		return true
	}
	return false
}

// Extent is a run of contiguous blocks.
type Extent struct {
	StartBlock uint64
	NumBlocks  uint64
}

// PartitionInfo carries the size and sha256 of a partition image.
type PartitionInfo struct {
	Size uint64
	Hash []byte
}

// InstallOperation describes one step of a partition's reassembly.
type InstallOperation struct {
	Type           OperationType
	DataOffset     uint64
	DataLength     uint64
	SrcExtents     []Extent
	SrcLength      uint64
	DstExtents     []Extent
	DstLength      uint64
	DataSha256Hash []byte
	SrcSha256Hash  []byte
}

// PartitionUpdate is one partition's entry in the manifest.
type PartitionUpdate struct {
	PartitionName    string
	Version          string
	OldPartitionInfo *PartitionInfo
	NewPartitionInfo *PartitionInfo
	Operations       []InstallOperation
}

// Size returns the partition's output image size in bytes, preferring the
// manifest's partition info over a walk of the destination extents.
func (p *PartitionUpdate) Size(blockSize uint32) uint64 {
	if p.NewPartitionInfo != nil && p.NewPartitionInfo.Size > 0 {
		return p.NewPartitionInfo.Size
	}
	var max uint64
	for _, op := range p.Operations {
		for _, e := range op.DstExtents {
			if end := (e.StartBlock + e.NumBlocks) * uint64(blockSize); end > max {
				max = end
			}
		}
	}
	return max
}

// DynamicPartitionGroup is a named group of dynamic partitions.
type DynamicPartitionGroup struct {
	Name           string
	Size           uint64
	PartitionNames []string
}

// DynamicPartitionMetadata describes the super partition layout.
type DynamicPartitionMetadata struct {
	Groups          []DynamicPartitionGroup
	SnapshotEnabled bool
	VabcEnabled     bool
	VabcCompression string
	CowVersion      uint32
}

// Manifest is the decoded DeltaArchiveManifest.
type Manifest struct {
	BlockSize          uint32
	SignaturesOffset   uint64
	SignaturesSize     uint64
	MinorVersion       uint32
	Partitions         []PartitionUpdate
	MaxTimestamp       int64
	DynamicPartitions  *DynamicPartitionMetadata
	PartialUpdate      bool
	SecurityPatchLevel string
}

// Delta reports whether any partition needs its old image to apply.
func (m *Manifest) Delta() bool {
	for _, p := range m.Partitions {
		for _, op := range p.Operations {
			if op.Type.Delta() {
				return true
			}
		}
	}
	return false
}

func decodeManifest(data []byte) (*Manifest, error) {
	m := &Manifest{BlockSize: 4096}

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		data = data[n:]

		switch num {
		case 3: // block_size
			v, n, err := consumeVarint(data)
			if err != nil {
				return nil, err
			}
			m.BlockSize = uint32(v)
			data = data[n:]
		case 4: // signatures_offset
			v, n, err := consumeVarint(data)
			if err != nil {
				return nil, err
			}
			m.SignaturesOffset = v
			data = data[n:]
		case 5: // signatures_size
			v, n, err := consumeVarint(data)
			if err != nil {
				return nil, err
			}
			m.SignaturesSize = v
			data = data[n:]
		case 12: // minor_version
			v, n, err := consumeVarint(data)
			if err != nil {
				return nil, err
			}
			m.MinorVersion = uint32(v)
			data = data[n:]
		case 13: // partitions
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			part, err := decodePartitionUpdate(v)
			if err != nil {
				return nil, fmt.Errorf("partitions[%d]: %v", len(m.Partitions), err)
			}
			m.Partitions = append(m.Partitions, part)
			data = data[n:]
		case 14: // max_timestamp
			v, n, err := consumeVarint(data)
			if err != nil {
				return nil, err
			}
			m.MaxTimestamp = int64(v)
			data = data[n:]
		case 15: // dynamic_partition_metadata
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			dpm, err := decodeDynamicPartitionMetadata(v)
			if err != nil {
				return nil, fmt.Errorf("dynamic_partition_metadata: %v", err)
			}
			m.DynamicPartitions = dpm
			data = data[n:]
		case 16: // partial_update
			v, n, err := consumeVarint(data)
			if err != nil {
				return nil, err
			}
			m.PartialUpdate = protowire.DecodeBool(v)
			data = data[n:]
		case 19: // security_patch_level
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			m.SecurityPatchLevel = string(v)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			data = data[n:]
		}
	}

	return m, nil
}

func decodePartitionUpdate(data []byte) (PartitionUpdate, error) {
	var p PartitionUpdate

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return p, protowire.ParseError(n)
		}
		data = data[n:]

		switch num {
		case 1: // partition_name
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return p, protowire.ParseError(n)
			}
			p.PartitionName = string(v)
			data = data[n:]
		case 6: // old_partition_info
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return p, protowire.ParseError(n)
			}
			info, err := decodePartitionInfo(v)
			if err != nil {
				return p, err
			}
			p.OldPartitionInfo = info
			data = data[n:]
		case 7: // new_partition_info
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return p, protowire.ParseError(n)
			}
			info, err := decodePartitionInfo(v)
			if err != nil {
				return p, err
			}
			p.NewPartitionInfo = info
			data = data[n:]
		case 8: // operations
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return p, protowire.ParseError(n)
			}
			op, err := decodeInstallOperation(v)
			if err != nil {
				return p, fmt.Errorf("operations[%d]: %v", len(p.Operations), err)
			}
			p.Operations = append(p.Operations, op)
			data = data[n:]
		case 17: // version
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return p, protowire.ParseError(n)
			}
			p.Version = string(v)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return p, protowire.ParseError(n)
			}
			data = data[n:]
		}
	}

	return p, nil
}

func decodePartitionInfo(data []byte) (*PartitionInfo, error) {
	info := &PartitionInfo{}

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		data = data[n:]

		switch num {
		case 1: // size
			v, n, err := consumeVarint(data)
			if err != nil {
				return nil, err
			}
			info.Size = v
			data = data[n:]
		case 2: // hash
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			info.Hash = append([]byte(nil), v...)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			data = data[n:]
		}
	}

	return info, nil
}

func decodeInstallOperation(data []byte) (InstallOperation, error) {
	var op InstallOperation

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return op, protowire.ParseError(n)
		}
		data = data[n:]

		switch num {
		case 1: // type
			v, n, err := consumeVarint(data)
			if err != nil {
				return op, err
			}
			op.Type = OperationType(v)
			data = data[n:]
		case 2: // data_offset
			v, n, err := consumeVarint(data)
			if err != nil {
				return op, err
			}
			op.DataOffset = v
			data = data[n:]
		case 3: // data_length
			v, n, err := consumeVarint(data)
			if err != nil {
				return op, err
			}
			op.DataLength = v
			data = data[n:]
		case 4: // src_extents
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return op, protowire.ParseError(n)
			}
			ext, err := decodeExtent(v)
			if err != nil {
				return op, err
			}
			op.SrcExtents = append(op.SrcExtents, ext)
			data = data[n:]
		case 5: // src_length
			v, n, err := consumeVarint(data)
			if err != nil {
				return op, err
			}
			op.SrcLength = v
			data = data[n:]
		case 6: // dst_extents
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return op, protowire.ParseError(n)
			}
			ext, err := decodeExtent(v)
			if err != nil {
				return op, err
			}
			op.DstExtents = append(op.DstExtents, ext)
			data = data[n:]
		case 7: // dst_length
			v, n, err := consumeVarint(data)
			if err != nil {
				return op, err
			}
			op.DstLength = v
			data = data[n:]
		case 8: // data_sha256_hash
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return op, protowire.ParseError(n)
			}
			op.DataSha256Hash = append([]byte(nil), v...)
			data = data[n:]
		case 9: // src_sha256_hash
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return op, protowire.ParseError(n)
			}
			op.SrcSha256Hash = append([]byte(nil), v...)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return op, protowire.ParseError(n)
			}
			data = data[n:]
		}
	}

	return op, nil
}

func decodeExtent(data []byte) (Extent, error) {
	var e Extent

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return e, protowire.ParseError(n)
		}
		data = data[n:]

		switch num {
		case 1: // start_block
			v, n, err := consumeVarint(data)
			if err != nil {
				return e, err
			}
			e.StartBlock = v
			data = data[n:]
		case 2: // num_blocks
			v, n, err := consumeVarint(data)
			if err != nil {
				return e, err
			}
			e.NumBlocks = v
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return e, protowire.ParseError(n)
			}
			data = data[n:]
		}
	}

	return e, nil
}

func decodeDynamicPartitionMetadata(data []byte) (*DynamicPartitionMetadata, error) {
	dpm := &DynamicPartitionMetadata{}

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		data = data[n:]

		switch num {
		case 1: // groups
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			grp, err := decodeDynamicPartitionGroup(v)
			if err != nil {
				return nil, err
			}
			dpm.Groups = append(dpm.Groups, grp)
			data = data[n:]
		case 2: // snapshot_enabled
			v, n, err := consumeVarint(data)
			if err != nil {
				return nil, err
			}
			dpm.SnapshotEnabled = protowire.DecodeBool(v)
			data = data[n:]
		case 3: // vabc_enabled
			v, n, err := consumeVarint(data)
			if err != nil {
				return nil, err
			}
			dpm.VabcEnabled = protowire.DecodeBool(v)
			data = data[n:]
		case 4: // vabc_compression_param
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			dpm.VabcCompression = string(v)
			data = data[n:]
		case 5: // cow_version
			v, n, err := consumeVarint(data)
			if err != nil {
				return nil, err
			}
			dpm.CowVersion = uint32(v)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			data = data[n:]
		}
	}

	return dpm, nil
}

func decodeDynamicPartitionGroup(data []byte) (DynamicPartitionGroup, error) {
	var g DynamicPartitionGroup

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return g, protowire.ParseError(n)
		}
		data = data[n:]

		switch num {
		case 1: // name
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return g, protowire.ParseError(n)
			}
			g.Name = string(v)
			data = data[n:]
		case 2: // size
			v, n, err := consumeVarint(data)
			if err != nil {
				return g, err
			}
			g.Size = v
			data = data[n:]
		case 3: // partition_names
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return g, protowire.ParseError(n)
			}
			g.PartitionNames = append(g.PartitionNames, string(v))
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return g, protowire.ParseError(n)
			}
			data = data[n:]
		}
	}

	return g, nil
}

func consumeVarint(data []byte) (uint64, int, error) {
	v, n := protowire.ConsumeVarint(data)
	if n < 0 {
		return 0, 0, protowire.ParseError(n)
	}
	return v, n, nil
}
