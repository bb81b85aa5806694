package nus

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/beevik/etree"
)

// buildUpdateRequest renders the GetSystemUpdate SOAP envelope. The service
// does not verify that we are the device we claim to be, it only wants a
// well-formed device id and region.
func buildUpdateRequest(deviceID, region string) ([]byte, error) {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)

	envelope := doc.CreateElement("soapenv:Envelope")
	envelope.CreateAttr("xmlns:soapenv", "http://schemas.xmlsoap.org/soap/envelope/")
	envelope.CreateAttr("xmlns:xsd", "http://www.w3.org/2001/XMLSchema")
	envelope.CreateAttr("xmlns:xsi", "http://www.w3.org/2001/XMLSchema-instance")

	request := envelope.CreateElement("soapenv:Body").CreateElement("GetSystemUpdateRequest")
	request.CreateAttr("xmlns", "urn:nus.wsapi.broadon.com")
	request.CreateElement("Version").SetText("1.0")
	request.CreateElement("MessageId").SetText("0")
	request.CreateElement("DeviceId").SetText(deviceID)
	request.CreateElement("RegionId").SetText(region)

	return doc.WriteToBytes()
}

// parseUpdateResponse extracts the title list from a GetSystemUpdate reply.
func parseUpdateResponse(body []byte) (*UpdateInfo, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(body); err != nil {
		return nil, fmt.Errorf("parse update response: %w", err)
	}

	node := doc.FindElement("//GetSystemUpdateResponse")
	if node == nil {
		return nil, fmt.Errorf("update response has no GetSystemUpdateResponse node")
	}

	if code := childText(node, "ErrorCode"); code != "" && code != "0" {
		return nil, fmt.Errorf("update service returned error code %s", code)
	}

	// libnup uses the uncached prefix, the one with an HTTPS scheme. We have
	// no device certificate to authenticate with, so downgrade to plain HTTP
	// and rely on the store's signature checks instead.
	prefix := strings.ReplaceAll(childText(node, "ContentPrefixURL"), "https://", "http://")
	if prefix == "" {
		return nil, fmt.Errorf("update response has an empty content prefix URL")
	}

	info := &UpdateInfo{ContentPrefixURL: prefix}
	for _, titleNode := range node.SelectElements("TitleVersion") {
		id, err := strconv.ParseUint(childText(titleNode, "TitleId"), 16, 64)
		if err != nil {
			return nil, fmt.Errorf("parse title id: %w", err)
		}
		version, err := strconv.ParseUint(childText(titleNode, "Version"), 10, 16)
		if err != nil {
			return nil, fmt.Errorf("parse version of title %016x: %w", id, err)
		}
		info.Titles = append(info.Titles, TitleVersion{ID: id, Version: uint16(version)})
	}
	return info, nil
}

func childText(e *etree.Element, tag string) string {
	child := e.SelectElement(tag)
	if child == nil {
		return ""
	}
	return strings.TrimSpace(child.Text())
}
