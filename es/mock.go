package es

// MockStore is a mock implementation of the Store interface
type MockStore struct {
	ImportTicketFunc       func(ticket, certs []byte, policy SignaturePolicy) error
	ImportTitleInitFunc    func(tmd TMD, certs []byte, policy SignaturePolicy) (*ImportContext, error)
	ImportContentBeginFunc func(c *ImportContext, titleID uint64, contentID uint32) error
	ImportContentDataFunc  func(c *ImportContext, data []byte) error
	ImportContentEndFunc   func(c *ImportContext) error
	ImportTitleDoneFunc    func(c *ImportContext) error
	ImportTitleCancelFunc  func(c *ImportContext) error
	FindInstalledTMDFunc   func(titleID uint64) TMD
	StoredContentsFunc     func(tmd TMD) []Content
	DeviceIDFunc           func() (uint32, error)
}

// ImportTicket is a mock implementation of the Store interface ImportTicket method
func (m *MockStore) ImportTicket(ticket, certs []byte, policy SignaturePolicy) error {
	if m.ImportTicketFunc != nil {
		return m.ImportTicketFunc(ticket, certs, policy)
	}
	return nil
}

// ImportTitleInit is a mock implementation of the Store interface ImportTitleInit method
func (m *MockStore) ImportTitleInit(tmd TMD, certs []byte, policy SignaturePolicy) (*ImportContext, error) {
	if m.ImportTitleInitFunc != nil {
		return m.ImportTitleInitFunc(tmd, certs, policy)
	}
	return &ImportContext{TitleID: tmd.TitleID(), TMD: tmd}, nil
}

// ImportContentBegin is a mock implementation of the Store interface ImportContentBegin method
func (m *MockStore) ImportContentBegin(c *ImportContext, titleID uint64, contentID uint32) error {
	if m.ImportContentBeginFunc != nil {
		return m.ImportContentBeginFunc(c, titleID, contentID)
	}
	return nil
}

// ImportContentData is a mock implementation of the Store interface ImportContentData method
func (m *MockStore) ImportContentData(c *ImportContext, data []byte) error {
	if m.ImportContentDataFunc != nil {
		return m.ImportContentDataFunc(c, data)
	}
	return nil
}

// ImportContentEnd is a mock implementation of the Store interface ImportContentEnd method
func (m *MockStore) ImportContentEnd(c *ImportContext) error {
	if m.ImportContentEndFunc != nil {
		return m.ImportContentEndFunc(c)
	}
	return nil
}

// ImportTitleDone is a mock implementation of the Store interface ImportTitleDone method
func (m *MockStore) ImportTitleDone(c *ImportContext) error {
	if m.ImportTitleDoneFunc != nil {
		return m.ImportTitleDoneFunc(c)
	}
	return nil
}

// ImportTitleCancel is a mock implementation of the Store interface ImportTitleCancel method
func (m *MockStore) ImportTitleCancel(c *ImportContext) error {
	if m.ImportTitleCancelFunc != nil {
		return m.ImportTitleCancelFunc(c)
	}
	return nil
}

// FindInstalledTMD is a mock implementation of the Store interface FindInstalledTMD method
func (m *MockStore) FindInstalledTMD(titleID uint64) TMD {
	if m.FindInstalledTMDFunc != nil {
		return m.FindInstalledTMDFunc(titleID)
	}
	return TMD{}
}

// StoredContents is a mock implementation of the Store interface StoredContents method
func (m *MockStore) StoredContents(tmd TMD) []Content {
	if m.StoredContentsFunc != nil {
		return m.StoredContentsFunc(tmd)
	}
	return nil
}

// DeviceID is a mock implementation of the Store interface DeviceID method
func (m *MockStore) DeviceID() (uint32, error) {
	if m.DeviceIDFunc != nil {
		return m.DeviceIDFunc()
	}
	return 0, nil
}
