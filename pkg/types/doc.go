// Package types defines shared Go types used by every protosnap package and
// binary. These are the canonical in-memory representations of prototype
// data, separate from the ProtoPedia wire format (see internal/upstream).
package types
