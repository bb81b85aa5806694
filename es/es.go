// Package es defines the read-only views over signed title records and the
// secure-storage collaborator interfaces the install and update engines are
// built on. The store owns persistence and verification; this package owns
// the wire layout and the transaction handle contract.
package es

import (
	"errors"
)

// ErrSignatureCheckFailed is returned by store import calls when signature or
// certificate-chain verification rejects a blob. It is the only store error
// the import transaction reacts to specially (the one-shot interactive
// downgrade of signature checks).
var ErrSignatureCheckFailed = errors.New("signature check failed")

// SignaturePolicy carries the signature-verification switch threaded through
// install calls. The import transaction may flip ChecksEnabled off for its
// single permitted retry and restores the prior value before returning; the
// engine is single-threaded per invocation, so no locking is provided.
type SignaturePolicy struct {
	ChecksEnabled bool
}

// ImportContext is the exclusively-owned handle for one in-flight title
// import. It is created by ImportTitleInit and must be finished with exactly
// one of ImportTitleDone or ImportTitleCancel before the surrounding install
// call returns. At most one context may exist per title id; callers serialize
// installs.
type ImportContext struct {
	TitleID uint64
	TMD     TMD

	// State is owned by the Store implementation that created the context.
	State any
}

// Store is the secure-storage title-import API. Implementations persist
// titles, tickets and contents and perform signature verification; the
// install engine only sequences calls and never bypasses the store.
type Store interface {
	// ImportTicket imports a signed ticket together with its certificate
	// chain, verifying both when the policy asks for it.
	ImportTicket(ticket, certs []byte, policy SignaturePolicy) error

	// ImportTitleInit opens an import context for the title described by tmd.
	// The returned context must be finished with ImportTitleDone or
	// ImportTitleCancel.
	ImportTitleInit(tmd TMD, certs []byte, policy SignaturePolicy) (*ImportContext, error)

	// ImportContentBegin starts the import of one content block.
	ImportContentBegin(c *ImportContext, titleID uint64, contentID uint32) error

	// ImportContentData appends data to the content opened by
	// ImportContentBegin.
	ImportContentData(c *ImportContext, data []byte) error

	// ImportContentEnd closes and validates the open content block.
	ImportContentEnd(c *ImportContext) error

	// ImportTitleDone commits the context, making the title visible to
	// readers.
	ImportTitleDone(c *ImportContext) error

	// ImportTitleCancel rolls the context back, discarding staged contents.
	ImportTitleCancel(c *ImportContext) error

	// FindInstalledTMD returns the metadata of an installed title, or an
	// invalid view when the title is not installed.
	FindInstalledTMD(titleID uint64) TMD

	// StoredContents returns the subset of tmd's content entries whose data
	// is present in the store.
	StoredContents(tmd TMD) []Content

	// DeviceID returns the 32-bit hardware id of this console.
	DeviceID() (uint32, error)
}

// CacheInvalidator flushes the secure-storage read cache so subsequent
// lookups observe freshly installed titles. Invalidation happens only at
// well-defined points (end of a successful install, end of an update run),
// never as a side effect of individual store calls.
type CacheInvalidator interface {
	InvalidateCache()
}
