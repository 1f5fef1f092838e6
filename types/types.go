// Package types defines core data structures for the PBFT consensus engine.
package types

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// PeerID is the opaque identifier of a validator peer.
type PeerID string

// String returns the first six hex characters of the id.
func (p PeerID) String() string {
	return shortHex([]byte(p))
}

// Hex returns the full hex encoding of the id.
func (p PeerID) Hex() string {
	return hex.EncodeToString([]byte(p))
}

// BlockID is the opaque identifier of a chain block.
type BlockID string

// String returns the first six hex characters of the id.
func (id BlockID) String() string {
	return shortHex([]byte(id))
}

// Hex returns the full hex encoding of the id.
func (id BlockID) Hex() string {
	return hex.EncodeToString([]byte(id))
}

func shortHex(b []byte) string {
	s := hex.EncodeToString(b)
	if len(s) > 6 {
		return s[:6]
	}
	return s
}

// Block represents a candidate or finalized block in the blockchain.
// Two blocks are interchangeable only when every field matches.
type Block struct {
	BlockID    BlockID `json:"block_id"`
	BlockNum   uint64  `json:"block_num"`
	SignerID   PeerID  `json:"signer_id"`
	PreviousID BlockID `json:"previous_id"`
	Summary    []byte  `json:"summary"`
}

// BlockIdentityFields lists, in hashing order, the fields that make up a block's identity.
var BlockIdentityFields = []string{"BlockID", "BlockNum", "SignerID", "PreviousID", "Summary"}

// Equal reports whether both blocks carry identical values for every identity field.
func (b Block) Equal(other Block) bool {
	return b.BlockID == other.BlockID &&
		b.BlockNum == other.BlockNum &&
		b.SignerID == other.SignerID &&
		b.PreviousID == other.PreviousID &&
		bytes.Equal(b.Summary, other.Summary)
}

// HashInto feeds the identity fields into d. Variable length fields are length-prefixed so
// that adjacent fields cannot alias each other.
func (b Block) HashInto(d *xxhash.Digest) {
	WriteBytes(d, []byte(b.BlockID))
	WriteUint64(d, b.BlockNum)
	WriteBytes(d, []byte(b.SignerID))
	WriteBytes(d, []byte(b.PreviousID))
	WriteBytes(d, b.Summary)
}

// Hash returns the 64-bit identity hash of the block.
func (b Block) Hash() uint64 {
	d := xxhash.New()
	b.HashInto(d)
	return d.Sum64()
}

// String returns a short human readable form of the block.
func (b Block) String() string {
	return fmt.Sprintf("Block(%d, %s, signer %s, prev %s)", b.BlockNum, b.BlockID, b.SignerID, b.PreviousID)
}

// WriteUint64 writes v to d as a fixed width big endian integer.
func WriteUint64(d *xxhash.Digest, v uint64) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	_, _ = d.Write(buf[:])
}

// WriteBytes writes a length-prefixed byte string to d.
func WriteBytes(d *xxhash.Digest, b []byte) {
	WriteUint64(d, uint64(len(b)))
	_, _ = d.Write(b)
}
