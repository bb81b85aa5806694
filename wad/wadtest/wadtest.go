// Package wadtest builds synthetic containers for tests.
package wadtest

import (
	"encoding/binary"

	"github.com/nandsync/nandsync/es"
	"github.com/nandsync/nandsync/es/estest"
)

const sectionAlign = 0x40

// Params describes the synthetic container to build. Blocks are matched to
// the metadata contents by position and padded to the declared size; missing
// blocks come out zero-filled.
type Params struct {
	Boot   bool
	TMD    estest.TMDParams
	Blocks [][]byte
	Footer []byte
}

// Build encodes params as a container accepted by the decoder.
func Build(p Params) []byte {
	certs := estest.CertChain()
	ticket := estest.TicketBytes(p.TMD.TitleID)
	tmd := estest.TMDBytes(p.TMD)

	var data []byte
	for i, c := range p.TMD.Contents {
		block := make([]byte, alignUp(c.Size))
		if i < len(p.Blocks) {
			copy(block, p.Blocks[i])
		}
		data = append(data, block...)
	}

	containerType := uint32(0x49730000)
	if p.Boot {
		containerType = 0x69620000
	}

	header := make([]byte, 0x20)
	binary.BigEndian.PutUint32(header, 0x20)
	binary.BigEndian.PutUint32(header[0x04:], containerType)
	binary.BigEndian.PutUint32(header[0x08:], uint32(len(certs)))
	binary.BigEndian.PutUint32(header[0x10:], uint32(len(ticket)))
	binary.BigEndian.PutUint32(header[0x14:], uint32(len(tmd)))
	binary.BigEndian.PutUint32(header[0x18:], uint32(len(data)))
	binary.BigEndian.PutUint32(header[0x1c:], uint32(len(p.Footer)))

	out := pad(header)
	out = append(out, pad(certs)...)
	out = append(out, pad(ticket)...)
	out = append(out, pad(tmd)...)
	out = append(out, pad(data)...)
	out = append(out, pad(p.Footer)...)
	return out
}

// Block returns the padded data block for content c with the given payload,
// the exact bytes the decoder hands back for that content.
func Block(c es.Content, payload []byte) []byte {
	block := make([]byte, alignUp(c.Size))
	copy(block, payload)
	return block
}

func pad(b []byte) []byte {
	padded := make([]byte, alignUp(uint64(len(b))))
	copy(padded, b)
	return padded
}

func alignUp(n uint64) uint64 {
	return (n + sectionAlign - 1) &^ uint64(sectionAlign-1)
}
