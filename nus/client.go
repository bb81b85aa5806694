// Package nus talks to the system update service: the SOAP endpoint that
// lists the titles a region expects, and the plain HTTP store the title
// files are fetched from.
package nus

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/nandsync/nandsync/es"
)

const (
	// DefaultUpdateURL is the production update service endpoint.
	DefaultUpdateURL = "http://nus.shop.wii.com/nus/services/NetUpdateSOAP"

	soapAction = "urn:nus.wsapi.broadon.com/GetSystemUpdate"
	userAgent  = "wii libnup/1.0"

	// requestTimeout bounds every request against the service. Content files
	// can reach tens of megabytes over slow links.
	requestTimeout = 3 * time.Minute
)

// HTTPClient is the transport used for service requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// TitleVersion identifies one entry of an update list. Version zero stands
// for whatever version the store currently serves.
type TitleVersion struct {
	ID      uint64
	Version uint16
}

// UpdateInfo is the parsed reply of a GetSystemUpdate call.
type UpdateInfo struct {
	// ContentPrefixURL is the base URL all title files are fetched under.
	ContentPrefixURL string
	// Titles lists the update in the order the service wants it installed.
	Titles []TitleVersion
}

// Client talks to one update service endpoint.
type Client struct {
	updateURL string
	http      HTTPClient
}

// NewClient returns a client for the given SOAP endpoint with the default
// transport and timeout. An empty updateURL selects DefaultUpdateURL.
func NewClient(updateURL string) *Client {
	return NewClientWithHTTP(updateURL, &http.Client{Timeout: requestTimeout})
}

// NewClientWithHTTP returns a client using a caller-supplied transport.
func NewClientWithHTTP(updateURL string, httpClient HTTPClient) *Client {
	if updateURL == "" {
		updateURL = DefaultUpdateURL
	}
	return &Client{updateURL: updateURL, http: httpClient}
}

// GetSystemUpdate asks the service which titles a device of the given region
// should be running.
func (c *Client) GetSystemUpdate(ctx context.Context, deviceID, region string) (*UpdateInfo, error) {
	payload, err := buildUpdateRequest(deviceID, region)
	if err != nil {
		return nil, fmt.Errorf("build update request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.updateURL, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("SOAPAction", soapAction)
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/xml; charset=utf-8")

	log.Debugf("requesting update list for device %s, region %s", deviceID, region)
	body, err := c.do(req)
	if err != nil {
		return nil, fmt.Errorf("get system update: %w", err)
	}

	info, err := parseUpdateResponse(body)
	if err != nil {
		return nil, err
	}
	log.Debugf("update list has %d titles under %s", len(info.Titles), info.ContentPrefixURL)
	return info, nil
}

// DownloadTMD fetches the metadata record of a title, split into the record
// itself and its trailing certificate chain.
func (c *Client) DownloadTMD(ctx context.Context, prefixURL string, title TitleVersion) (es.TMD, []byte, error) {
	url := fmt.Sprintf("%s/%016x/tmd", prefixURL, title.ID)
	if title.Version != 0 {
		url = fmt.Sprintf("%s/%016x/tmd.%d", prefixURL, title.ID, title.Version)
	}

	body, err := c.get(ctx, url)
	if err != nil {
		return es.TMD{}, nil, fmt.Errorf("download metadata for %016x: %w", title.ID, err)
	}
	tmd, certs, ok := es.SplitTMD(body)
	if !ok {
		return es.TMD{}, nil, fmt.Errorf("metadata response for %016x is malformed", title.ID)
	}
	return tmd, certs, nil
}

// DownloadTicket fetches the common ticket of a title, split into the ticket
// record and its trailing certificate chain.
func (c *Client) DownloadTicket(ctx context.Context, prefixURL string, titleID uint64) (es.Ticket, []byte, error) {
	body, err := c.get(ctx, fmt.Sprintf("%s/%016x/cetk", prefixURL, titleID))
	if err != nil {
		return es.Ticket{}, nil, fmt.Errorf("download ticket for %016x: %w", titleID, err)
	}
	ticket, certs, ok := es.SplitTicket(body)
	if !ok {
		return es.Ticket{}, nil, fmt.Errorf("ticket response for %016x is malformed", titleID)
	}
	return ticket, certs, nil
}

// DownloadContent fetches one content block of a title.
func (c *Client) DownloadContent(ctx context.Context, prefixURL string, titleID uint64, contentID uint32) ([]byte, error) {
	body, err := c.get(ctx, fmt.Sprintf("%s/%016x/%08x", prefixURL, titleID, contentID))
	if err != nil {
		return nil, fmt.Errorf("download content %08x of %016x: %w", contentID, titleID, err)
	}
	return body, nil
}

func (c *Client) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	return c.do(req)
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s returned status %d", req.URL, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response of %s: %w", req.URL, err)
	}
	return body, nil
}
