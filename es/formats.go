package es

import (
	"encoding/binary"
)

// Sizes and field offsets of the signed records exchanged with the secure
// store. All integer fields are big-endian.
const (
	// TMDHeaderSize is the fixed size of a title-metadata header, up to but
	// not including the content-entry table.
	TMDHeaderSize = 0x1e4
	// ContentEntrySize is the size of one entry in the TMD content table.
	ContentEntrySize = 36
	// TicketSize is the fixed size of a signed ticket record.
	TicketSize = 0x2a4

	tmdIOSIDOffset        = 0x184
	tmdTitleIDOffset      = 0x18c
	tmdRegionOffset       = 0x19c
	tmdTitleVersionOffset = 0x1dc
	tmdNumContentsOffset  = 0x1de

	ticketTitleIDOffset = 0x1dc
)

// Well-known system title ids.
const (
	// TitleBoot2 is the second-stage boot loader. It is never updated by this
	// engine.
	TitleBoot2 uint64 = 0x0000000100000001
	// TitleSystemMenu is the system menu title; its metadata carries the
	// console region.
	TitleSystemMenu uint64 = 0x0000000100000002
)

// titleTypeSystem is the high word shared by boot stages, the system menu and
// runtime (IOS) titles.
const titleTypeSystem uint32 = 0x00000001

// IsSystemTitle reports whether id belongs to the system title group.
func IsSystemTitle(id uint64) bool {
	return uint32(id>>32) == titleTypeSystem
}

// Region tags carried in the TMD header.
const (
	RegionJapan  uint16 = 0
	RegionUSA    uint16 = 1
	RegionEurope uint16 = 2
	RegionKorea  uint16 = 4
)

// RegionCode maps a TMD region tag to the region string understood by the
// update service. Unknown tags fall back to EUR.
func RegionCode(region uint16) string {
	switch region {
	case RegionJapan:
		return "JPN"
	case RegionUSA:
		return "USA"
	case RegionEurope:
		return "EUR"
	case RegionKorea:
		return "KOR"
	default:
		return "EUR"
	}
}

// Content describes one data block belonging to a title.
type Content struct {
	ID    uint32
	Index uint16
	Type  uint16
	Size  uint64
	Hash  [20]byte
}

// TMD is a read-only view over a signed title-metadata record. The zero value
// is invalid. Accessors never read past the underlying buffer; callers must
// check IsValid before trusting any of them.
type TMD struct {
	bytes []byte
}

// ParseTMD wraps raw metadata bytes without copying. The view is invalid when
// the buffer is shorter than the fixed header or the declared content table
// overruns it.
func ParseTMD(b []byte) TMD {
	return TMD{bytes: b}
}

// IsValid reports whether the underlying buffer holds the full header and
// content table it declares.
func (t TMD) IsValid() bool {
	if len(t.bytes) < TMDHeaderSize {
		return false
	}
	return len(t.bytes) >= TMDHeaderSize+int(t.NumContents())*ContentEntrySize
}

// Bytes returns the raw signed record backing the view.
func (t TMD) Bytes() []byte {
	return t.bytes
}

// TitleID returns the 64-bit title identifier.
func (t TMD) TitleID() uint64 {
	if len(t.bytes) < TMDHeaderSize {
		return 0
	}
	return binary.BigEndian.Uint64(t.bytes[tmdTitleIDOffset:])
}

// TitleVersion returns the title version.
func (t TMD) TitleVersion() uint16 {
	if len(t.bytes) < TMDHeaderSize {
		return 0
	}
	return binary.BigEndian.Uint16(t.bytes[tmdTitleVersionOffset:])
}

// IOSID returns the id of the runtime title this title requires, or 0 when it
// requires none.
func (t TMD) IOSID() uint64 {
	if len(t.bytes) < TMDHeaderSize {
		return 0
	}
	return binary.BigEndian.Uint64(t.bytes[tmdIOSIDOffset:])
}

// Region returns the region tag from the header.
func (t TMD) Region() uint16 {
	if len(t.bytes) < TMDHeaderSize {
		return 0
	}
	return binary.BigEndian.Uint16(t.bytes[tmdRegionOffset:])
}

// NumContents returns the declared length of the content table.
func (t TMD) NumContents() uint16 {
	if len(t.bytes) < TMDHeaderSize {
		return 0
	}
	return binary.BigEndian.Uint16(t.bytes[tmdNumContentsOffset:])
}

// Contents decodes the content table in declaration order. It returns nil for
// an invalid view.
func (t TMD) Contents() []Content {
	if !t.IsValid() {
		return nil
	}
	contents := make([]Content, t.NumContents())
	for i := range contents {
		entry := t.bytes[TMDHeaderSize+i*ContentEntrySize:]
		contents[i].ID = binary.BigEndian.Uint32(entry)
		contents[i].Index = binary.BigEndian.Uint16(entry[4:])
		contents[i].Type = binary.BigEndian.Uint16(entry[6:])
		contents[i].Size = binary.BigEndian.Uint64(entry[8:])
		copy(contents[i].Hash[:], entry[16:36])
	}
	return contents
}

// FindContent returns the content entry with the given id.
func (t TMD) FindContent(id uint32) (Content, bool) {
	for _, c := range t.Contents() {
		if c.ID == id {
			return c, true
		}
	}
	return Content{}, false
}

// SplitTMD separates a downloaded metadata blob into the signed TMD record
// and the certificate chain appended after the declared record length. It
// reports false when the blob is too small to contain both.
func SplitTMD(b []byte) (TMD, []byte, bool) {
	if len(b) <= TMDHeaderSize {
		return TMD{}, nil, false
	}
	size := TMDHeaderSize + ContentEntrySize*int(binary.BigEndian.Uint16(b[tmdNumContentsOffset:]))
	if len(b) <= size {
		return TMD{}, nil, false
	}
	return ParseTMD(b[:size]), b[size:], true
}

// Ticket is a read-only view over a signed ticket record. The engine forwards
// tickets as opaque bytes; only the bound title id is exposed.
type Ticket struct {
	bytes []byte
}

// ParseTicket wraps raw ticket bytes without copying.
func ParseTicket(b []byte) Ticket {
	return Ticket{bytes: b}
}

// IsValid reports whether the buffer holds at least one full ticket record.
func (t Ticket) IsValid() bool {
	return len(t.bytes) >= TicketSize
}

// Bytes returns the raw signed record backing the view.
func (t Ticket) Bytes() []byte {
	return t.bytes
}

// TitleID returns the title id the ticket grants rights for.
func (t Ticket) TitleID() uint64 {
	if !t.IsValid() {
		return 0
	}
	return binary.BigEndian.Uint64(t.bytes[ticketTitleIDOffset:])
}

// SplitTicket separates a downloaded ticket blob into the signed ticket
// record and the trailing certificate chain. It reports false when the blob
// is too small to contain both.
func SplitTicket(b []byte) (Ticket, []byte, bool) {
	if len(b) <= TicketSize {
		return Ticket{}, nil, false
	}
	return ParseTicket(b[:TicketSize]), b[TicketSize:], true
}
