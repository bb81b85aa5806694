package update_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nandsync/nandsync/es"
	"github.com/nandsync/nandsync/es/estest"
	"github.com/nandsync/nandsync/nus"
	"github.com/nandsync/nandsync/update"
)

const (
	menuID = es.TitleSystemMenu
	iosID  = uint64(0x0000000100000039)
	appID  = uint64(0x0001000148414241)
)

type stagedImport struct {
	open uint32
	ids  []uint32
}

// fakeStore is an in-memory store with real commit/rollback semantics, so
// planner runs observe their own installs.
type fakeStore struct {
	installed map[uint64]es.TMD
	contents  map[uint64]map[uint32]bool
	events    []string
	deviceID  uint32
	deviceErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		installed: make(map[uint64]es.TMD),
		contents:  make(map[uint64]map[uint32]bool),
		deviceID:  0x12345678,
	}
}

// seed marks a title as fully installed.
func (s *fakeStore) seed(p estest.TMDParams) {
	s.installed[p.TitleID] = estest.TMD(p)
	stored := make(map[uint32]bool)
	for _, c := range p.Contents {
		stored[c.ID] = true
	}
	s.contents[p.TitleID] = stored
}

func (s *fakeStore) ImportTicket(_, _ []byte, _ es.SignaturePolicy) error {
	return nil
}

func (s *fakeStore) ImportTitleInit(tmd es.TMD, _ []byte, _ es.SignaturePolicy) (*es.ImportContext, error) {
	return &es.ImportContext{TitleID: tmd.TitleID(), TMD: tmd, State: &stagedImport{}}, nil
}

func (s *fakeStore) ImportContentBegin(c *es.ImportContext, _ uint64, contentID uint32) error {
	c.State.(*stagedImport).open = contentID
	return nil
}

func (s *fakeStore) ImportContentData(_ *es.ImportContext, _ []byte) error {
	return nil
}

func (s *fakeStore) ImportContentEnd(c *es.ImportContext) error {
	staged := c.State.(*stagedImport)
	staged.ids = append(staged.ids, staged.open)
	return nil
}

func (s *fakeStore) ImportTitleDone(c *es.ImportContext) error {
	s.installed[c.TitleID] = c.TMD
	stored := s.contents[c.TitleID]
	if stored == nil {
		stored = make(map[uint32]bool)
		s.contents[c.TitleID] = stored
	}
	for _, id := range c.State.(*stagedImport).ids {
		stored[id] = true
	}
	s.events = append(s.events, fmt.Sprintf("done %016x", c.TitleID))
	return nil
}

func (s *fakeStore) ImportTitleCancel(c *es.ImportContext) error {
	s.events = append(s.events, fmt.Sprintf("cancel %016x", c.TitleID))
	return nil
}

func (s *fakeStore) FindInstalledTMD(titleID uint64) es.TMD {
	return s.installed[titleID]
}

func (s *fakeStore) StoredContents(tmd es.TMD) []es.Content {
	stored := s.contents[tmd.TitleID()]
	var out []es.Content
	for _, c := range tmd.Contents() {
		if stored[c.ID] {
			out = append(out, c)
		}
	}
	return out
}

func (s *fakeStore) DeviceID() (uint32, error) {
	return s.deviceID, s.deviceErr
}

// fakeCatalog serves synthetic records for a configured set of titles.
type fakeCatalog struct {
	info    *nus.UpdateInfo
	infoErr error
	tmds    map[uint64]estest.TMDParams
	// badContent marks content ids whose fetch fails.
	badContent map[uint32]bool

	downloads   []string
	gotDeviceID string
	gotRegion   string
}

func (c *fakeCatalog) GetSystemUpdate(_ context.Context, deviceID, region string) (*nus.UpdateInfo, error) {
	c.gotDeviceID = deviceID
	c.gotRegion = region
	return c.info, c.infoErr
}

func (c *fakeCatalog) DownloadTMD(_ context.Context, _ string, title nus.TitleVersion) (es.TMD, []byte, error) {
	c.downloads = append(c.downloads, fmt.Sprintf("tmd %016x", title.ID))
	p, ok := c.tmds[title.ID]
	if !ok {
		return es.TMD{}, nil, fmt.Errorf("no metadata for %016x", title.ID)
	}
	return estest.TMD(p), estest.CertChain(), nil
}

func (c *fakeCatalog) DownloadTicket(_ context.Context, _ string, titleID uint64) (es.Ticket, []byte, error) {
	c.downloads = append(c.downloads, fmt.Sprintf("cetk %016x", titleID))
	if _, ok := c.tmds[titleID]; !ok {
		return es.Ticket{}, nil, fmt.Errorf("no ticket for %016x", titleID)
	}
	return es.ParseTicket(estest.TicketBytes(titleID)), estest.CertChain(), nil
}

func (c *fakeCatalog) DownloadContent(_ context.Context, _ string, titleID uint64, contentID uint32) ([]byte, error) {
	c.downloads = append(c.downloads, fmt.Sprintf("content %016x/%08x", titleID, contentID))
	if c.badContent[contentID] {
		return nil, fmt.Errorf("not found")
	}
	return []byte(fmt.Sprintf("%08x-data", contentID)), nil
}

type cacheRecorder struct {
	invalidated int
}

func (c *cacheRecorder) InvalidateCache() { c.invalidated++ }

func newTestUpdater(store *fakeStore, catalog *fakeCatalog) (*update.Updater, *cacheRecorder) {
	cache := &cacheRecorder{}
	return &update.Updater{
		Store:   store,
		Cache:   cache,
		Catalog: catalog,
		Policy:  es.SignaturePolicy{ChecksEnabled: true},
	}, cache
}

func menuParams(version uint16) estest.TMDParams {
	return estest.TMDParams{
		TitleID: menuID,
		Version: version,
		Region:  es.RegionEurope,
		Contents: []es.Content{
			{ID: 0x10, Index: 0, Size: 0x40},
			{ID: 0x11, Index: 1, Size: 0x40},
		},
	}
}

func count(entries []string, want string) int {
	n := 0
	for _, e := range entries {
		if e == want {
			n++
		}
	}
	return n
}

func indexOf(entries []string, want string) int {
	for i, e := range entries {
		if e == want {
			return i
		}
	}
	return -1
}

func TestRunUpdate_ServerFailed(t *testing.T) {
	store := newFakeStore()

	catalog := &fakeCatalog{infoErr: fmt.Errorf("connection refused")}
	updater, cache := newTestUpdater(store, catalog)
	assert.Equal(t, update.ServerFailed, updater.RunUpdate(context.Background(), nil, "EUR"))
	assert.Equal(t, 1, cache.invalidated)

	catalog = &fakeCatalog{info: &nus.UpdateInfo{ContentPrefixURL: "http://cdn"}}
	updater, _ = newTestUpdater(store, catalog)
	assert.Equal(t, update.ServerFailed, updater.RunUpdate(context.Background(), nil, "EUR"))
}

func TestRunUpdate_AlreadyUpToDate(t *testing.T) {
	store := newFakeStore()
	store.seed(menuParams(513))

	catalog := &fakeCatalog{
		info: &nus.UpdateInfo{
			ContentPrefixURL: "http://cdn",
			Titles:           []nus.TitleVersion{{ID: menuID, Version: 513}},
		},
		tmds: map[uint64]estest.TMDParams{menuID: menuParams(513)},
	}

	updater, cache := newTestUpdater(store, catalog)
	result := updater.RunUpdate(context.Background(), nil, "EUR")

	assert.Equal(t, update.AlreadyUpToDate, result)
	assert.Empty(t, catalog.downloads, "an up-to-date title must not be fetched")
	assert.Equal(t, 1, cache.invalidated)
}

func TestRunUpdate_Succeeded(t *testing.T) {
	store := newFakeStore()
	store.seed(menuParams(1))

	catalog := &fakeCatalog{
		info: &nus.UpdateInfo{
			ContentPrefixURL: "http://cdn",
			Titles: []nus.TitleVersion{
				{ID: es.TitleBoot2, Version: 0},
				{ID: menuID, Version: 2},
			},
		},
		tmds: map[uint64]estest.TMDParams{menuID: menuParams(2)},
	}

	var calls []string
	callback := func(processed, total int, titleID uint64) bool {
		calls = append(calls, fmt.Sprintf("%d/%d %016x", processed, total, titleID))
		return true
	}

	updater, cache := newTestUpdater(store, catalog)
	result := updater.RunUpdate(context.Background(), callback, "EUR")

	require.Equal(t, update.Succeeded, result)
	assert.Equal(t, uint16(2), store.installed[menuID].TitleVersion())
	// The boot loader is skipped without touching the service.
	assert.Zero(t, count(catalog.downloads, fmt.Sprintf("cetk %016x", es.TitleBoot2)))
	assert.Equal(t, []string{
		"0/2 0000000100000001",
		"1/2 0000000100000001",
		"1/2 0000000100000002",
		"2/2 0000000100000002",
	}, calls)
	// Once by the menu install, once more at the end of the run.
	assert.Equal(t, 2, cache.invalidated)
}

func TestRunUpdate_ProcessesTitlesInOrder(t *testing.T) {
	store := newFakeStore()

	appParams := estest.TMDParams{
		TitleID:  appID,
		Version:  3,
		Contents: []es.Content{{ID: 0x30, Index: 0, Size: 0x40}},
	}
	catalog := &fakeCatalog{
		info: &nus.UpdateInfo{
			ContentPrefixURL: "http://cdn",
			Titles: []nus.TitleVersion{
				{ID: menuID, Version: 2},
				{ID: appID, Version: 3},
			},
		},
		tmds: map[uint64]estest.TMDParams{
			menuID: menuParams(2),
			appID:  appParams,
		},
	}

	updater, _ := newTestUpdater(store, catalog)
	require.Equal(t, update.Succeeded, updater.RunUpdate(context.Background(), nil, "EUR"))

	menuDone := indexOf(store.events, fmt.Sprintf("done %016x", menuID))
	appDone := indexOf(store.events, fmt.Sprintf("done %016x", appID))
	require.NotEqual(t, -1, menuDone)
	require.NotEqual(t, -1, appDone)
	assert.Less(t, menuDone, appDone, "titles must be installed in service order")
}

func TestRunUpdate_PrerequisiteRuntime(t *testing.T) {
	store := newFakeStore()

	appParams := estest.TMDParams{
		TitleID:  appID,
		Version:  3,
		IOSID:    iosID,
		Contents: []es.Content{{ID: 0x30, Index: 0, Size: 0x40}},
	}
	iosParams := estest.TMDParams{
		TitleID:  iosID,
		Version:  7,
		Contents: []es.Content{{ID: 0x20, Index: 0, Size: 0x40}},
	}
	catalog := &fakeCatalog{
		info: &nus.UpdateInfo{
			ContentPrefixURL: "http://cdn",
			Titles: []nus.TitleVersion{
				{ID: appID, Version: 3},
				// Listed again later with a higher version: must be skipped
				// because the prerequisite pass already updated it this run.
				{ID: iosID, Version: 9},
			},
		},
		tmds: map[uint64]estest.TMDParams{
			appID: appParams,
			iosID: iosParams,
		},
	}

	updater, _ := newTestUpdater(store, catalog)
	require.Equal(t, update.Succeeded, updater.RunUpdate(context.Background(), nil, "EUR"))

	iosDone := indexOf(store.events, fmt.Sprintf("done %016x", iosID))
	appDone := indexOf(store.events, fmt.Sprintf("done %016x", appID))
	require.NotEqual(t, -1, iosDone)
	require.NotEqual(t, -1, appDone)
	assert.Less(t, iosDone, appDone, "the runtime must be installed before its dependent")

	assert.Equal(t, 1, count(catalog.downloads, fmt.Sprintf("cetk %016x", iosID)),
		"the runtime must be fetched exactly once per run")
	assert.Equal(t, uint16(7), store.installed[iosID].TitleVersion())
}

func TestRunUpdate_PrerequisiteFailureAbortsRun(t *testing.T) {
	store := newFakeStore()

	appParams := estest.TMDParams{
		TitleID:  appID,
		Version:  3,
		IOSID:    iosID,
		Contents: []es.Content{{ID: 0x30, Index: 0, Size: 0x40}},
	}
	iosParams := estest.TMDParams{
		TitleID:  iosID,
		Version:  7,
		Contents: []es.Content{{ID: 0x20, Index: 0, Size: 0x40}},
	}
	catalog := &fakeCatalog{
		info: &nus.UpdateInfo{
			ContentPrefixURL: "http://cdn",
			Titles:           []nus.TitleVersion{{ID: appID, Version: 3}},
		},
		tmds:       map[uint64]estest.TMDParams{appID: appParams, iosID: iosParams},
		badContent: map[uint32]bool{0x20: true},
	}

	updater, _ := newTestUpdater(store, catalog)
	result := updater.RunUpdate(context.Background(), nil, "EUR")

	assert.Equal(t, update.DownloadFailed, result)
	assert.NotContains(t, store.installed, appID)
	assert.Contains(t, store.events, fmt.Sprintf("cancel %016x", iosID))
}

func TestRunUpdate_PrerequisiteCycle(t *testing.T) {
	store := newFakeStore()

	iosB := uint64(0x000000010000003c)
	catalog := &fakeCatalog{
		info: &nus.UpdateInfo{
			ContentPrefixURL: "http://cdn",
			Titles:           []nus.TitleVersion{{ID: iosID, Version: 7}},
		},
		tmds: map[uint64]estest.TMDParams{
			iosID: {TitleID: iosID, Version: 7, IOSID: iosB},
			iosB:  {TitleID: iosB, Version: 4, IOSID: iosID},
		},
	}

	updater, _ := newTestUpdater(store, catalog)
	assert.Equal(t, update.ImportFailed, updater.RunUpdate(context.Background(), nil, "EUR"))
	assert.Empty(t, store.installed)
}

func TestRunUpdate_Cancellation(t *testing.T) {
	store := newFakeStore()

	appParams := estest.TMDParams{
		TitleID:  appID,
		Version:  3,
		Contents: []es.Content{{ID: 0x30, Index: 0, Size: 0x40}},
	}
	catalog := &fakeCatalog{
		info: &nus.UpdateInfo{
			ContentPrefixURL: "http://cdn",
			Titles: []nus.TitleVersion{
				{ID: menuID, Version: 2},
				{ID: appID, Version: 3},
			},
		},
		tmds: map[uint64]estest.TMDParams{menuID: menuParams(2), appID: appParams},
	}

	callback := func(processed, total int, titleID uint64) bool {
		return !(titleID == appID && processed == 1)
	}

	updater, _ := newTestUpdater(store, catalog)
	result := updater.RunUpdate(context.Background(), callback, "EUR")

	assert.Equal(t, update.Cancelled, result)
	// The first title went through, the cancelled one was never started.
	assert.Contains(t, store.installed, menuID)
	assert.Zero(t, count(catalog.downloads, fmt.Sprintf("cetk %016x", appID)))
	assert.NotContains(t, store.installed, appID)
}

func TestRunUpdate_ContentFetchFailure(t *testing.T) {
	store := newFakeStore()

	catalog := &fakeCatalog{
		info: &nus.UpdateInfo{
			ContentPrefixURL: "http://cdn",
			Titles:           []nus.TitleVersion{{ID: menuID, Version: 2}},
		},
		tmds:       map[uint64]estest.TMDParams{menuID: menuParams(2)},
		badContent: map[uint32]bool{0x11: true},
	}

	updater, _ := newTestUpdater(store, catalog)
	result := updater.RunUpdate(context.Background(), nil, "EUR")

	assert.Equal(t, update.DownloadFailed, result)
	// The transaction was rolled back; the first content must not survive as
	// committed.
	assert.Contains(t, store.events, fmt.Sprintf("cancel %016x", menuID))
	assert.NotContains(t, store.events, fmt.Sprintf("done %016x", menuID))
	assert.NotContains(t, store.installed, menuID)
	assert.Empty(t, store.contents[menuID])
}

func TestRunUpdate_TicketDownloadFailure(t *testing.T) {
	store := newFakeStore()

	catalog := &fakeCatalog{
		info: &nus.UpdateInfo{
			ContentPrefixURL: "http://cdn",
			Titles:           []nus.TitleVersion{{ID: menuID, Version: 2}},
		},
		// No record for the menu: both the ticket and metadata fetch fail.
		tmds: map[uint64]estest.TMDParams{},
	}

	updater, _ := newTestUpdater(store, catalog)
	assert.Equal(t, update.DownloadFailed, updater.RunUpdate(context.Background(), nil, "EUR"))
}

func TestRunUpdate_DeviceIdentity(t *testing.T) {
	store := newFakeStore()
	menu := menuParams(513)
	menu.Region = es.RegionUSA
	store.seed(menu)

	catalog := &fakeCatalog{
		info: &nus.UpdateInfo{
			ContentPrefixURL: "http://cdn",
			Titles:           []nus.TitleVersion{{ID: menuID, Version: 513}},
		},
		tmds: map[uint64]estest.TMDParams{menuID: menu},
	}

	updater, _ := newTestUpdater(store, catalog)
	updater.RunUpdate(context.Background(), nil, "")

	// Region comes from the installed system menu when not requested
	// explicitly; the device id carries the fixed high-order tag.
	assert.Equal(t, "USA", catalog.gotRegion)
	assert.Equal(t, "4600387192", catalog.gotDeviceID)

	updater.RunUpdate(context.Background(), nil, "KOR")
	assert.Equal(t, "KOR", catalog.gotRegion)

	// A failing device-id lookup leaves the request without an id rather
	// than claiming a tagged zero.
	store.deviceErr = fmt.Errorf("otp read failed")
	updater.RunUpdate(context.Background(), nil, "KOR")
	assert.Equal(t, "", catalog.gotDeviceID)
}

func TestShouldInstallTitle(t *testing.T) {
	store := newFakeStore()
	updater, _ := newTestUpdater(store, &fakeCatalog{})

	// Not installed at all.
	assert.True(t, updater.ShouldInstallTitle(nus.TitleVersion{ID: menuID, Version: 1}))

	store.seed(menuParams(2))

	assert.False(t, updater.ShouldInstallTitle(nus.TitleVersion{ID: menuID, Version: 2}))
	assert.False(t, updater.ShouldInstallTitle(nus.TitleVersion{ID: menuID, Version: 1}),
		"a newer installed version satisfies an older request")
	assert.True(t, updater.ShouldInstallTitle(nus.TitleVersion{ID: menuID, Version: 3}))

	// A missing content forces a reinstall even at a matching version.
	delete(store.contents[menuID], 0x11)
	assert.True(t, updater.ShouldInstallTitle(nus.TitleVersion{ID: menuID, Version: 2}))
}

func TestResultString(t *testing.T) {
	assert.Equal(t, "succeeded", update.Succeeded.String())
	assert.Equal(t, "already up to date", update.AlreadyUpToDate.String())
	assert.Equal(t, "cancelled", update.Cancelled.String())
	assert.Equal(t, "server failed", update.ServerFailed.String())
	assert.Equal(t, "download failed", update.DownloadFailed.String())
	assert.Equal(t, "import failed", update.ImportFailed.String())
	assert.Equal(t, "unknown", update.Result(42).String())
}
