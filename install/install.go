// Package install implements the transactional title import: ticket, then an
// import context bound to the title metadata, then every content block in
// metadata order, then a single commit or rollback. Both the local package
// path and the network update path funnel through the same transaction.
package install

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/nandsync/nandsync/es"
	"github.com/nandsync/nandsync/wad"
)

// ErrContentFetch marks failures of the content source, as opposed to
// failures of the store itself. The update engine reports the two
// differently.
var ErrContentFetch = errors.New("content fetch failed")

// ConfirmFunc asks the user a yes/no question. It is only consulted for the
// signature-check downgrade decision.
type ConfirmFunc func(prompt string) bool

// ContentSource supplies the raw block of one content entry. Sources exist
// for local packages and for the update service.
type ContentSource interface {
	Content(ctx context.Context, titleID uint64, content es.Content) ([]byte, error)
}

// Installer drives import transactions against one store. Installs are
// serialized by the caller; an Installer holds no per-install state.
type Installer struct {
	Store es.Store
	Cache es.CacheInvalidator

	// Policy is the signature-check policy installs start out with. A
	// confirmed downgrade only ever affects the one retried attempt.
	Policy es.SignaturePolicy

	// Confirm decides the signature-check downgrade. When nil, a signature
	// failure is terminal.
	Confirm ConfirmFunc
}

// Install runs one import transaction. The context is passed through to the
// content source only; cancellation of a running transaction is not
// supported, callers cancel between titles.
//
// Whatever happens, an opened import context is finished exactly once, by
// commit or by rollback, before Install returns. On success the store read
// cache is invalidated so lookups see the new title.
func (i *Installer) Install(ctx context.Context, tmd es.TMD, certs []byte, ticket es.Ticket, source ContentSource) error {
	if !tmd.IsValid() || !ticket.IsValid() {
		return fmt.Errorf("refusing to install: invalid metadata or ticket")
	}

	c, err := i.beginImport(tmd, certs, ticket)
	if err != nil {
		return err
	}

	if err := i.importContents(ctx, c, tmd, source); err != nil {
		if cancelErr := i.Store.ImportTitleCancel(c); cancelErr != nil {
			log.Warnf("failed to roll back import of %016x: %v", tmd.TitleID(), cancelErr)
		}
		return err
	}

	if err := i.Store.ImportTitleDone(c); err != nil {
		return fmt.Errorf("finalize import of %016x: %w", tmd.TitleID(), err)
	}
	if i.Cache != nil {
		i.Cache.InvalidateCache()
	}
	log.Infof("installed title %016x v%d (%d contents)", tmd.TitleID(), tmd.TitleVersion(), tmd.NumContents())
	return nil
}

// InstallWAD decodes the container at path and installs it.
func (i *Installer) InstallWAD(ctx context.Context, path string) error {
	w, err := wad.ParseFile(path)
	if err != nil {
		return err
	}
	return i.Install(ctx, w.TMD(), w.CertChain(), w.Ticket(), &WADSource{WAD: w})
}

// beginImport runs the ticket import and the title-import init. When the
// store rejects a signature and the active policy has checks enabled, the
// user may allow one retry of both steps with checks disabled. The policy
// handed to later installs is never changed.
func (i *Installer) beginImport(tmd es.TMD, certs []byte, ticket es.Ticket) (*es.ImportContext, error) {
	policy := i.Policy

	for attempt := 0; ; attempt++ {
		c, err := i.openImport(tmd, certs, ticket, policy)
		if err == nil {
			return c, nil
		}
		if attempt > 0 || !policy.ChecksEnabled || !errors.Is(err, es.ErrSignatureCheckFailed) {
			return nil, err
		}
		if i.Confirm == nil || !i.Confirm(fmt.Sprintf("Title %016x is not signed by a certified authority. Install it anyway?", tmd.TitleID())) {
			return nil, err
		}
		log.Warnf("signature check for title %016x failed, retrying once with checks disabled", tmd.TitleID())
		policy.ChecksEnabled = false
	}
}

func (i *Installer) openImport(tmd es.TMD, certs []byte, ticket es.Ticket, policy es.SignaturePolicy) (*es.ImportContext, error) {
	if err := i.Store.ImportTicket(ticket.Bytes(), certs, policy); err != nil {
		return nil, fmt.Errorf("import ticket for %016x: %w", tmd.TitleID(), err)
	}
	c, err := i.Store.ImportTitleInit(tmd, certs, policy)
	if err != nil {
		return nil, fmt.Errorf("initialize import of %016x: %w", tmd.TitleID(), err)
	}
	return c, nil
}

// importContents walks the content list in metadata order. Contents already
// present in the store are left alone, which lets an interrupted install be
// resumed without refetching what survived.
func (i *Installer) importContents(ctx context.Context, c *es.ImportContext, tmd es.TMD, source ContentSource) error {
	stored := make(map[uint32]bool)
	for _, content := range i.Store.StoredContents(tmd) {
		stored[content.ID] = true
	}

	titleID := tmd.TitleID()
	for _, content := range tmd.Contents() {
		if stored[content.ID] {
			log.Debugf("content %08x of %016x already stored, skipping", content.ID, titleID)
			continue
		}
		if err := i.Store.ImportContentBegin(c, titleID, content.ID); err != nil {
			return fmt.Errorf("begin content %08x of %016x: %w", content.ID, titleID, err)
		}
		data, err := source.Content(ctx, titleID, content)
		if err != nil {
			return fmt.Errorf("%w: content %08x of %016x: %v", ErrContentFetch, content.ID, titleID, err)
		}
		if err := i.Store.ImportContentData(c, data); err != nil {
			return fmt.Errorf("write content %08x of %016x: %w", content.ID, titleID, err)
		}
		if err := i.Store.ImportContentEnd(c); err != nil {
			return fmt.Errorf("finish content %08x of %016x: %w", content.ID, titleID, err)
		}
	}
	return nil
}
