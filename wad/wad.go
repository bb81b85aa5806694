// Package wad decodes the container format used to ship titles outside the
// update service. A container carries the certificate chain, ticket, title
// metadata and content blocks of exactly one title.
package wad

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/nandsync/nandsync/es"
)

const (
	headerSize   = 0x20
	sectionAlign = 0x40

	// typeInstall marks a regular installable container, typeBoot a container
	// holding the second-stage boot loader. Both use the same layout.
	typeInstall = 0x49730000
	typeBoot    = 0x69620000
)

// WAD is a decoded container. The section slices alias the buffer handed to
// Parse; callers must not mutate it afterwards.
type WAD struct {
	certChain []byte
	ticket    es.Ticket
	tmd       es.TMD
	data      []byte
	footer    []byte
}

// Parse decodes b as a container. It fails if the header is malformed or any
// declared section overruns the buffer.
func Parse(b []byte) (*WAD, error) {
	if len(b) < headerSize {
		return nil, fmt.Errorf("container too small: %d bytes", len(b))
	}

	declaredHeader := binary.BigEndian.Uint32(b)
	if declaredHeader != headerSize {
		return nil, fmt.Errorf("unexpected header size 0x%x", declaredHeader)
	}
	containerType := binary.BigEndian.Uint32(b[0x04:])
	if containerType != typeInstall && containerType != typeBoot {
		return nil, fmt.Errorf("unknown container type 0x%08x", containerType)
	}

	certSize := binary.BigEndian.Uint32(b[0x08:])
	ticketSize := binary.BigEndian.Uint32(b[0x10:])
	tmdSize := binary.BigEndian.Uint32(b[0x14:])
	dataSize := binary.BigEndian.Uint32(b[0x18:])
	footerSize := binary.BigEndian.Uint32(b[0x1c:])

	offset := uint64(alignUp(headerSize))
	section := func(size uint32) ([]byte, error) {
		end := offset + uint64(size)
		if end > uint64(len(b)) {
			return nil, fmt.Errorf("section of %d bytes at 0x%x overruns the container", size, offset)
		}
		s := b[offset:end]
		offset += uint64(alignUp(size))
		return s, nil
	}

	certChain, err := section(certSize)
	if err != nil {
		return nil, err
	}
	ticketBytes, err := section(ticketSize)
	if err != nil {
		return nil, err
	}
	tmdBytes, err := section(tmdSize)
	if err != nil {
		return nil, err
	}
	data, err := section(dataSize)
	if err != nil {
		return nil, err
	}
	footer, err := section(footerSize)
	if err != nil {
		return nil, err
	}

	ticket := es.ParseTicket(ticketBytes)
	if !ticket.IsValid() {
		return nil, fmt.Errorf("container ticket section is not a valid ticket")
	}
	tmd := es.ParseTMD(tmdBytes)
	if !tmd.IsValid() {
		return nil, fmt.Errorf("container metadata section is not a valid TMD")
	}

	return &WAD{
		certChain: certChain,
		ticket:    ticket,
		tmd:       tmd,
		data:      data,
		footer:    footer,
	}, nil
}

// ParseFile reads and decodes the container at path.
func ParseFile(path string) (*WAD, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read container: %w", err)
	}
	w, err := Parse(b)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return w, nil
}

// CertChain returns the certificate chain section.
func (w *WAD) CertChain() []byte {
	return w.certChain
}

// Ticket returns the decoded ticket.
func (w *WAD) Ticket() es.Ticket {
	return w.ticket
}

// TMD returns the decoded title metadata.
func (w *WAD) TMD() es.TMD {
	return w.tmd
}

// Footer returns the footer section, if any.
func (w *WAD) Footer() []byte {
	return w.footer
}

// Content returns the stored block for the content with the given index. The
// data area packs blocks in metadata order, each padded to the section
// alignment, so the block for a content is located by summing the padded
// sizes of the contents before it.
func (w *WAD) Content(index uint16) ([]byte, error) {
	var offset uint64
	for _, c := range w.tmd.Contents() {
		padded := alignUp64(c.Size)
		if padded < c.Size || padded > uint64(len(w.data)) || offset > uint64(len(w.data))-padded {
			return nil, fmt.Errorf("content %08x overruns the data area", c.ID)
		}
		if c.Index == index {
			return w.data[offset : offset+padded], nil
		}
		offset += padded
	}
	return nil, fmt.Errorf("no content with index %d", index)
}

func alignUp(n uint32) uint32 {
	return (n + sectionAlign - 1) &^ uint32(sectionAlign-1)
}

func alignUp64(n uint64) uint64 {
	return (n + sectionAlign - 1) &^ uint64(sectionAlign-1)
}
