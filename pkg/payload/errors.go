package payload

import (
	"errors"
	"fmt"
)

var (
	// ErrBadMagic means the stream does not start with the CrAU payload magic.
	ErrBadMagic = errors.New("bad payload magic")
	// ErrUnsupportedVersion means the payload major version is not 2.
	ErrUnsupportedVersion = errors.New("unsupported payload version")
	// ErrTruncatedManifest means the header promised more manifest bytes than
	// the source holds.
	ErrTruncatedManifest = errors.New("truncated payload manifest")
	// ErrManifestDecode means the manifest protobuf could not be decoded.
	ErrManifestDecode = errors.New("failed to decode payload manifest")
	// ErrPartitionNotFound means the requested partition is not in the manifest.
	ErrPartitionNotFound = errors.New("partition not found in payload")
	// ErrRangeUnsupported means the remote server cannot serve byte ranges.
	ErrRangeUnsupported = errors.New("server does not support range requests")
	// ErrShortRead means the source returned fewer bytes than requested.
	ErrShortRead = errors.New("short read from payload source")
	// ErrUnreachable means the remote source could not be reached at all.
	ErrUnreachable = errors.New("payload source unreachable")
	// ErrUnsupportedDeltaPayload means the payload carries differential
	// operations and no source partitions were supplied to apply them against.
	ErrUnsupportedDeltaPayload = errors.New("delta payload requires source partition images")
	// ErrMissingSource means source images were supplied but not for the
	// partition being extracted.
	ErrMissingSource = errors.New("missing source partition image")
	// ErrNotStored means payload.bin sits compressed inside its OTA zip and
	// cannot be range-read in place.
	ErrNotStored = errors.New("payload.bin zip entry is not stored")
)

// UnsupportedOpError reports an operation kind the extractor cannot replay.
type UnsupportedOpError struct {
	Partition string
	Index     int
	Type      OperationType
}

func (e *UnsupportedOpError) Error() string {
	return fmt.Sprintf("partition %s operation %d: unsupported operation type %s", e.Partition, e.Index, e.Type)
}

// OperationHashError reports an operation whose payload data (or gathered
// source bytes) failed its sha256 check.
type OperationHashError struct {
	Partition string
	Index     int
	Stream    string // "data" or "source"
	Expected  []byte
	Actual    []byte
}

func (e *OperationHashError) Error() string {
	return fmt.Sprintf("partition %s operation %d: %s hash mismatch: expected %x, got %x", e.Partition, e.Index, e.Stream, e.Expected, e.Actual)
}

// PartitionHashError reports a reassembled partition whose sha256 does not
// match the manifest.
type PartitionHashError struct {
	Partition string
	Expected  []byte
	Actual    []byte
}

func (e *PartitionHashError) Error() string {
	return fmt.Sprintf("partition %s: output hash mismatch: expected %x, got %x", e.Partition, e.Expected, e.Actual)
}
