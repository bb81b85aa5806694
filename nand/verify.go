package nand

import (
	"encoding/binary"
	"fmt"

	"github.com/nandsync/nandsync/es"
)

// VerifyFunc checks a signed record against its trailing certificate chain.
// A rejection must be, or wrap, es.ErrSignatureCheckFailed so the install
// engine can offer its one-shot downgrade.
type VerifyFunc func(record, certs []byte) error

// Signature types a signed record may open with.
const (
	signatureRSA4096 = 0x00010000
	signatureRSA2048 = 0x00010001
	signatureECC     = 0x00010002
)

// structuralVerify stands in for real signature verification: it accepts
// records with a known signature type and a non-empty certificate chain.
// Embedders with key material install their own VerifyFunc.
func structuralVerify(record, certs []byte) error {
	if len(certs) == 0 {
		return fmt.Errorf("%w: no certificate chain", es.ErrSignatureCheckFailed)
	}
	if len(record) < 4 {
		return fmt.Errorf("%w: record too short to carry a signature", es.ErrSignatureCheckFailed)
	}
	switch sigType := binary.BigEndian.Uint32(record); sigType {
	case signatureRSA4096, signatureRSA2048, signatureECC:
		return nil
	default:
		return fmt.Errorf("%w: unknown signature type 0x%08x", es.ErrSignatureCheckFailed, sigType)
	}
}
