package types

// RegionID identifies the geographic region a node serves. Region ids are compared
// lexicographically when two writes carry the same logical counter.
type RegionID = string

// SequenceNumber is the position of a record in a region's replication log.
type SequenceNumber = uint64

// Counter is the logical clock value stamped on every local mutation.
type Counter = uint64

// TimestampNs is a wall-clock unix timestamp in nanoseconds, used for deadlines on the wire.
type TimestampNs = int64
