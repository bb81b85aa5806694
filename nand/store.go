// Package nand is the on-disk secure-storage backend. It lays titles out the
// way the console filesystem does (title/<hi>/<lo>/content, ticket/<hi>,
// import staging directories) and implements the transactional import API
// the install engine drives. Signature verification is pluggable; the
// built-in check is structural only.
package nand

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/patrickmn/go-cache"
	log "github.com/sirupsen/logrus"

	"github.com/nandsync/nandsync/es"
)

// Config describes the store to open.
type Config struct {
	// Dir is the storage root. It is created if missing.
	Dir string

	// DeviceID is the 32-bit hardware id reported to the update service.
	DeviceID uint32

	// Verify overrides the built-in structural record check. It only runs
	// while the signature policy has checks enabled.
	Verify VerifyFunc
}

// Store implements es.Store on a directory tree.
type Store struct {
	root     string
	deviceID uint32
	verify   VerifyFunc

	// tmds caches installed-metadata lookups until InvalidateCache.
	tmds *cache.Cache
}

var _ es.Store = (*Store)(nil)
var _ es.CacheInvalidator = (*Store)(nil)

// NewStore opens (or creates) the storage tree rooted at config.Dir.
func NewStore(config Config) (*Store, error) {
	s := &Store{
		root:     config.Dir,
		deviceID: config.DeviceID,
		verify:   config.Verify,
		tmds:     cache.New(cache.NoExpiration, 0),
	}
	if s.verify == nil {
		s.verify = structuralVerify
	}
	for _, dir := range []string{s.root, filepath.Join(s.root, "title"), filepath.Join(s.root, "ticket"), filepath.Join(s.root, "import")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage directory: %w", err)
		}
	}
	return s, nil
}

// FindInstalledTMD returns the committed metadata of a title, or an invalid
// view when the title is not installed. Hits are cached until
// InvalidateCache.
func (s *Store) FindInstalledTMD(titleID uint64) es.TMD {
	key := fmt.Sprintf("%016x", titleID)
	if cached, ok := s.tmds.Get(key); ok {
		return cached.(es.TMD)
	}

	b, err := os.ReadFile(s.tmdPath(titleID))
	if err != nil {
		return es.TMD{}
	}
	tmd := es.ParseTMD(b)
	if !tmd.IsValid() {
		log.Warnf("installed metadata of %016x does not parse, treating the title as absent", titleID)
		return es.TMD{}
	}
	s.tmds.Set(key, tmd, cache.DefaultExpiration)
	return tmd
}

// StoredContents returns the entries of tmd whose content file is present.
func (s *Store) StoredContents(tmd es.TMD) []es.Content {
	titleID := tmd.TitleID()
	var out []es.Content
	for _, content := range tmd.Contents() {
		if _, err := os.Stat(s.contentPath(titleID, content.ID)); err == nil {
			out = append(out, content)
		}
	}
	return out
}

// DeviceID returns the configured hardware id.
func (s *Store) DeviceID() (uint32, error) {
	if s.deviceID == 0 {
		return 0, fmt.Errorf("no device id configured")
	}
	return s.deviceID, nil
}

// InvalidateCache drops all cached metadata lookups.
func (s *Store) InvalidateCache() {
	s.tmds.Flush()
}

func (s *Store) titleDir(titleID uint64) string {
	return filepath.Join(s.root, "title",
		fmt.Sprintf("%08x", uint32(titleID>>32)), fmt.Sprintf("%08x", uint32(titleID)))
}

func (s *Store) contentDir(titleID uint64) string {
	return filepath.Join(s.titleDir(titleID), "content")
}

func (s *Store) tmdPath(titleID uint64) string {
	return filepath.Join(s.contentDir(titleID), "title.tmd")
}

func (s *Store) contentPath(titleID uint64, contentID uint32) string {
	return filepath.Join(s.contentDir(titleID), fmt.Sprintf("%08x.app", contentID))
}

func (s *Store) ticketPath(titleID uint64) string {
	return filepath.Join(s.root, "ticket",
		fmt.Sprintf("%08x", uint32(titleID>>32)), fmt.Sprintf("%08x.tik", uint32(titleID)))
}

func (s *Store) importDir(titleID uint64) string {
	return filepath.Join(s.root, "import", fmt.Sprintf("%016x", titleID))
}
