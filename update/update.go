// Package update plans and executes full system updates: it asks the update
// service which titles a device of a given region should run, decides per
// title whether the installed copy is current and complete, resolves runtime
// prerequisites, and feeds the stale titles to the import transaction in the
// order the service prescribes.
package update

import (
	"context"
	"errors"
	"strconv"

	log "github.com/sirupsen/logrus"

	"github.com/nandsync/nandsync/es"
	"github.com/nandsync/nandsync/install"
	"github.com/nandsync/nandsync/nus"
)

// maxPrereqDepth bounds the runtime-prerequisite recursion. Real update
// lists have a dependency depth of one; anything deeper than this means the
// service data implies a cycle.
const maxPrereqDepth = 8

// deviceIDTag is the fixed high word combined with the 32-bit hardware id to
// form the device id the service expects.
const deviceIDTag = uint64(1) << 32

// Catalog is the update-service surface the planner consumes. *nus.Client
// implements it.
type Catalog interface {
	GetSystemUpdate(ctx context.Context, deviceID, region string) (*nus.UpdateInfo, error)
	DownloadTMD(ctx context.Context, prefixURL string, title nus.TitleVersion) (es.TMD, []byte, error)
	DownloadTicket(ctx context.Context, prefixURL string, titleID uint64) (es.Ticket, []byte, error)
	DownloadContent(ctx context.Context, prefixURL string, titleID uint64, contentID uint32) ([]byte, error)
}

// Updater drives a full system update against one store. Runs are
// synchronous and must not overlap.
type Updater struct {
	Store   es.Store
	Cache   es.CacheInvalidator
	Catalog Catalog

	// Policy and Confirm parameterize the underlying import transactions,
	// see install.Installer.
	Policy  es.SignaturePolicy
	Confirm install.ConfirmFunc
}

// RunUpdate fetches the update list for the given region (empty means the
// region of the installed system menu) and installs every title that is
// stale or incomplete, in service order. The callback is the only
// cancellation mechanism and is honored at title boundaries only.
func (u *Updater) RunUpdate(ctx context.Context, callback Callback, region string) Result {
	if u.Cache != nil {
		// Readers must not see stale lookups afterwards, whatever the
		// outcome was.
		defer u.Cache.InvalidateCache()
	}

	if region == "" {
		region = u.deviceRegion()
	}
	info, err := u.Catalog.GetSystemUpdate(ctx, u.deviceID(), region)
	if err != nil {
		log.Errorf("failed to fetch the update list: %v", err)
		return ServerFailed
	}
	if len(info.Titles) == 0 {
		log.Errorf("update service returned an empty title list for region %s", region)
		return ServerFailed
	}

	updated := make(map[uint64]bool)
	total := len(info.Titles)
	for i, title := range info.Titles {
		if callback != nil && !callback(i, total, title.ID) {
			log.Warnf("update cancelled before title %016x", title.ID)
			return Cancelled
		}

		if res := u.installTitle(ctx, info.ContentPrefixURL, title, updated, 0); res != Succeeded {
			log.Errorf("failed to update title %016x: %s", title.ID, res)
			return res
		}

		if callback != nil {
			callback(i+1, total, title.ID)
		}
	}

	if len(updated) == 0 {
		return AlreadyUpToDate
	}
	return Succeeded
}

// ShouldInstallTitle reports whether a title needs installing. It is false
// only when an installed record exists with at least the requested version
// and every content the record declares is present in the store; a missing
// content forces a reinstall even at an equal or higher version.
func (u *Updater) ShouldInstallTitle(title nus.TitleVersion) bool {
	installed := u.Store.FindInstalledTMD(title.ID)
	return !(installed.IsValid() && installed.TitleVersion() >= title.Version &&
		len(u.Store.StoredContents(installed)) == int(installed.NumContents()))
}

// installTitle installs one title from the service, recursing into its
// runtime prerequisite first when that runtime is absent.
func (u *Updater) installTitle(ctx context.Context, prefixURL string, title nus.TitleVersion, updated map[uint64]bool, depth int) Result {
	// The boot loader is never updated through this path.
	if title.ID == es.TitleBoot2 {
		return Succeeded
	}
	if updated[title.ID] || !u.ShouldInstallTitle(title) {
		return Succeeded
	}
	if depth > maxPrereqDepth {
		log.Errorf("prerequisite chain at %016x exceeds depth %d, assuming a cycle", title.ID, maxPrereqDepth)
		return ImportFailed
	}

	log.Infof("updating title %016x to v%d", title.ID, title.Version)

	ticket, _, err := u.Catalog.DownloadTicket(ctx, prefixURL, title.ID)
	if err != nil {
		log.Errorf("failed to download ticket: %v", err)
		return DownloadFailed
	}

	tmd, certs, err := u.Catalog.DownloadTMD(ctx, prefixURL, title)
	if err != nil {
		log.Errorf("failed to download metadata: %v", err)
		return DownloadFailed
	}

	// Install the runtime this title wants before the title itself. Version
	// zero requests the latest the service has.
	if iosID := tmd.IOSID(); iosID != 0 && es.IsSystemTitle(iosID) {
		if !u.Store.FindInstalledTMD(iosID).IsValid() {
			log.Warnf("title %016x requires runtime %016x, installing it first", title.ID, iosID)
			if res := u.installTitle(ctx, prefixURL, nus.TitleVersion{ID: iosID}, updated, depth+1); res != Succeeded {
				log.Errorf("failed to install required runtime %016x", iosID)
				return res
			}
		}
	}

	installer := &install.Installer{
		Store:   u.Store,
		Cache:   u.Cache,
		Policy:  u.Policy,
		Confirm: u.Confirm,
	}
	source := &nusSource{catalog: u.Catalog, prefixURL: prefixURL}
	if err := installer.Install(ctx, tmd, certs, ticket, source); err != nil {
		if errors.Is(err, install.ErrContentFetch) {
			log.Errorf("failed to download contents of %016x: %v", title.ID, err)
			return DownloadFailed
		}
		log.Errorf("failed to import title %016x: %v", title.ID, err)
		return ImportFailed
	}

	updated[title.ID] = true
	return Succeeded
}

// deviceRegion derives the region string from the installed system menu.
func (u *Updater) deviceRegion() string {
	tmd := u.Store.FindInstalledTMD(es.TitleSystemMenu)
	if !tmd.IsValid() {
		log.Warnf("no system menu installed, cannot derive the device region")
		return ""
	}
	return es.RegionCode(tmd.Region())
}

// deviceID formats the device identity the way the service expects, or ""
// when the store cannot supply one. The service does not verify it beyond
// well-formedness.
func (u *Updater) deviceID() string {
	id, err := u.Store.DeviceID()
	if err != nil {
		log.Warnf("failed to read the device id: %v", err)
		return ""
	}
	return strconv.FormatUint(deviceIDTag|uint64(id), 10)
}

// nusSource adapts the catalog to the content source the import transaction
// consumes.
type nusSource struct {
	catalog   Catalog
	prefixURL string
}

func (s *nusSource) Content(ctx context.Context, titleID uint64, content es.Content) ([]byte, error) {
	return s.catalog.DownloadContent(ctx, s.prefixURL, titleID, content.ID)
}
