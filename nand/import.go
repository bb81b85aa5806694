package nand

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/nandsync/nandsync/es"
	"github.com/nandsync/nandsync/util"
)

// contentAlign is the block padding of container data areas. Stored content
// files may carry up to this much padding past the declared size.
const contentAlign = 0x40

// importState tracks one staged title import on disk.
type importState struct {
	dir  string
	open *stagedContent
}

type stagedContent struct {
	id      uint32
	file    *os.File
	written uint64
}

// ImportTicket verifies a ticket against the policy and persists it.
func (s *Store) ImportTicket(ticket, certs []byte, policy es.SignaturePolicy) error {
	parsed := es.ParseTicket(ticket)
	if !parsed.IsValid() {
		return fmt.Errorf("ticket record is malformed")
	}
	if policy.ChecksEnabled {
		if err := s.verify(ticket, certs); err != nil {
			return fmt.Errorf("verify ticket: %w", err)
		}
	}
	if err := util.WriteBytes(context.Background(), s.ticketPath(parsed.TitleID()), ticket); err != nil {
		return fmt.Errorf("persist ticket: %w", err)
	}
	return nil
}

// ImportTitleInit verifies the metadata and opens a staging directory for
// the import. A staging directory left over by an interrupted import of the
// same title is discarded; resumption works through contents that were
// already committed, not through stale staged files.
func (s *Store) ImportTitleInit(tmd es.TMD, certs []byte, policy es.SignaturePolicy) (*es.ImportContext, error) {
	if !tmd.IsValid() {
		return nil, fmt.Errorf("metadata record is malformed")
	}
	if policy.ChecksEnabled {
		if err := s.verify(tmd.Bytes(), certs); err != nil {
			return nil, fmt.Errorf("verify metadata: %w", err)
		}
	}

	dir := s.importDir(tmd.TitleID())
	if err := os.RemoveAll(dir); err != nil {
		return nil, fmt.Errorf("reset staging directory: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create staging directory: %w", err)
	}
	if err := util.WriteBytes(context.Background(), filepath.Join(dir, "title.tmd"), tmd.Bytes()); err != nil {
		return nil, fmt.Errorf("stage metadata: %w", err)
	}

	return &es.ImportContext{TitleID: tmd.TitleID(), TMD: tmd, State: &importState{dir: dir}}, nil
}

// ImportContentBegin opens a staged file for one content block. Only one
// content may be open per context.
func (s *Store) ImportContentBegin(c *es.ImportContext, titleID uint64, contentID uint32) error {
	state, err := stateOf(c)
	if err != nil {
		return err
	}
	if state.open != nil {
		return fmt.Errorf("content %08x is still open", state.open.id)
	}

	f, err := os.OpenFile(stagedPath(state.dir, contentID), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create staged content %08x: %w", contentID, err)
	}
	state.open = &stagedContent{id: contentID, file: f}
	return nil
}

// ImportContentData appends to the open content.
func (s *Store) ImportContentData(c *es.ImportContext, data []byte) error {
	state, err := stateOf(c)
	if err != nil {
		return err
	}
	if state.open == nil {
		return fmt.Errorf("no content is open")
	}

	n, err := state.open.file.Write(data)
	state.open.written += uint64(n)
	if err != nil {
		return fmt.Errorf("write staged content %08x: %w", state.open.id, err)
	}
	return nil
}

// ImportContentEnd closes the open content and validates its size against
// the metadata entry. Blocks arrive encrypted and padded, so the stored size
// may exceed the declared size by up to the block alignment.
func (s *Store) ImportContentEnd(c *es.ImportContext) error {
	state, err := stateOf(c)
	if err != nil {
		return err
	}
	if state.open == nil {
		return fmt.Errorf("no content is open")
	}

	open := state.open
	state.open = nil
	if err := open.file.Close(); err != nil {
		return fmt.Errorf("close staged content %08x: %w", open.id, err)
	}

	entry, ok := c.TMD.FindContent(open.id)
	if !ok {
		return fmt.Errorf("content %08x is not declared by the metadata", open.id)
	}
	if open.written < entry.Size || open.written > alignUp(entry.Size) {
		return fmt.Errorf("content %08x has %d bytes, expected between %d and %d",
			open.id, open.written, entry.Size, alignUp(entry.Size))
	}
	return nil
}

// ImportTitleDone commits the staged import. Contents move into the title
// directory first and the metadata record last, so a commit interrupted
// half-way never leaves a title that looks installed. Content files of a
// previous version that the new metadata no longer declares are removed.
func (s *Store) ImportTitleDone(c *es.ImportContext) error {
	state, err := stateOf(c)
	if err != nil {
		return err
	}
	if state.open != nil {
		return fmt.Errorf("content %08x is still open", state.open.id)
	}

	titleID := c.TitleID
	for _, content := range c.TMD.Contents() {
		if fileExists(stagedPath(state.dir, content.ID)) || fileExists(s.contentPath(titleID, content.ID)) {
			continue
		}
		return fmt.Errorf("content %08x was neither imported nor already stored", content.ID)
	}

	if err := os.MkdirAll(s.contentDir(titleID), 0o755); err != nil {
		return fmt.Errorf("create content directory: %w", err)
	}
	for _, content := range c.TMD.Contents() {
		staged := stagedPath(state.dir, content.ID)
		if !fileExists(staged) {
			continue
		}
		if err := os.Rename(staged, s.contentPath(titleID, content.ID)); err != nil {
			return fmt.Errorf("commit content %08x: %w", content.ID, err)
		}
	}
	if err := os.Rename(filepath.Join(state.dir, "title.tmd"), s.tmdPath(titleID)); err != nil {
		return fmt.Errorf("commit metadata: %w", err)
	}

	if err := os.RemoveAll(state.dir); err != nil {
		log.Warnf("failed to remove staging directory of %016x: %v", titleID, err)
	}
	s.removeUndeclaredContents(titleID, c.TMD)

	log.Debugf("committed title %016x v%d", titleID, c.TMD.TitleVersion())
	return nil
}

// ImportTitleCancel discards the staged import. Contents committed by a
// previous version stay untouched.
func (s *Store) ImportTitleCancel(c *es.ImportContext) error {
	state, err := stateOf(c)
	if err != nil {
		return err
	}

	var result *multierror.Error
	if state.open != nil {
		if err := state.open.file.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close staged content %08x: %w", state.open.id, err))
		}
		state.open = nil
	}
	if err := os.RemoveAll(state.dir); err != nil {
		result = multierror.Append(result, fmt.Errorf("remove staging directory: %w", err))
	}

	log.Debugf("cancelled import of %016x", c.TitleID)
	return result.ErrorOrNil()
}

// removeUndeclaredContents drops leftover content files a version change
// made obsolete. Failures only cost disk space, they are not fatal.
func (s *Store) removeUndeclaredContents(titleID uint64, tmd es.TMD) {
	declared := map[string]bool{"title.tmd": true}
	for _, content := range tmd.Contents() {
		declared[fmt.Sprintf("%08x.app", content.ID)] = true
	}

	entries, err := os.ReadDir(s.contentDir(titleID))
	if err != nil {
		log.Warnf("failed to scan content directory of %016x: %v", titleID, err)
		return
	}
	for _, entry := range entries {
		if declared[entry.Name()] {
			continue
		}
		if err := os.Remove(filepath.Join(s.contentDir(titleID), entry.Name())); err != nil {
			log.Warnf("failed to remove obsolete content %s of %016x: %v", entry.Name(), titleID, err)
		}
	}
}

func stateOf(c *es.ImportContext) (*importState, error) {
	state, ok := c.State.(*importState)
	if !ok || state == nil {
		return nil, fmt.Errorf("import context was not created by this store")
	}
	return state, nil
}

func stagedPath(dir string, contentID uint32) string {
	return filepath.Join(dir, fmt.Sprintf("%08x.app", contentID))
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func alignUp(n uint64) uint64 {
	return (n + contentAlign - 1) &^ uint64(contentAlign-1)
}
