// Package estest builds synthetic signed records for tests. The blobs carry a
// plausible signature header and issuer so the structural checks of store
// implementations accept them; they are not cryptographically signed.
package estest

import (
	"encoding/binary"

	"github.com/nandsync/nandsync/es"
)

const signatureTypeRSA2048 = 0x00010001

// TMDParams describes the synthetic title-metadata record to build.
type TMDParams struct {
	TitleID  uint64
	Version  uint16
	IOSID    uint64
	Region   uint16
	Contents []es.Content
}

// TMDBytes encodes params as a fixed-layout metadata record.
func TMDBytes(p TMDParams) []byte {
	b := make([]byte, es.TMDHeaderSize+len(p.Contents)*es.ContentEntrySize)
	binary.BigEndian.PutUint32(b, signatureTypeRSA2048)
	copy(b[0x140:], "Root-CA00000001-CP00000004")
	binary.BigEndian.PutUint64(b[0x184:], p.IOSID)
	binary.BigEndian.PutUint64(b[0x18c:], p.TitleID)
	binary.BigEndian.PutUint16(b[0x19c:], p.Region)
	binary.BigEndian.PutUint16(b[0x1dc:], p.Version)
	binary.BigEndian.PutUint16(b[0x1de:], uint16(len(p.Contents)))
	for i, c := range p.Contents {
		entry := b[es.TMDHeaderSize+i*es.ContentEntrySize:]
		binary.BigEndian.PutUint32(entry, c.ID)
		binary.BigEndian.PutUint16(entry[4:], c.Index)
		binary.BigEndian.PutUint16(entry[6:], c.Type)
		binary.BigEndian.PutUint64(entry[8:], c.Size)
		copy(entry[16:36], c.Hash[:])
	}
	return b
}

// TMD builds a parsed view over TMDBytes(p).
func TMD(p TMDParams) es.TMD {
	return es.ParseTMD(TMDBytes(p))
}

// TicketBytes encodes a fixed-size ticket record bound to titleID.
func TicketBytes(titleID uint64) []byte {
	b := make([]byte, es.TicketSize)
	binary.BigEndian.PutUint32(b, signatureTypeRSA2048)
	copy(b[0x140:], "Root-CA00000001-XS00000003")
	binary.BigEndian.PutUint64(b[0x1dc:], titleID)
	return b
}

// CertChain returns a non-empty stand-in certificate chain.
func CertChain() []byte {
	chain := make([]byte, 0x300)
	binary.BigEndian.PutUint32(chain, signatureTypeRSA2048)
	copy(chain[0x140:], "Root-CA00000001")
	return chain
}
