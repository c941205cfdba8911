package offline

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/gowebpki/jcs"
	"golang.org/x/crypto/hkdf"

	"github.com/obanteq/open-mmb-go/internal/core/money"
)

// Verifier checks the device signature on an operation before it may enter
// the queue.
type Verifier interface {
	Verify(ctx context.Context, op Operation) error
}

// KeySource resolves the shared secret for a device.
type KeySource interface {
	SecretFor(ctx context.Context, tenant money.TenantID, deviceID string) ([]byte, error)
}

// DerivedKeySource derives per-device secrets from a root key with
// HKDF-SHA256, salted by tenant. The same derivation runs on the device at
// provisioning time (see cmd/devicekeygen).
type DerivedKeySource struct {
	root []byte
}

func NewDerivedKeySource(root []byte) *DerivedKeySource {
	return &DerivedKeySource{root: root}
}

func (s *DerivedKeySource) SecretFor(_ context.Context, tenant money.TenantID, deviceID string) ([]byte, error) {
	return DeriveDeviceSecret(s.root, tenant, deviceID)
}

// DeriveDeviceSecret is the canonical derivation shared with devicekeygen.
func DeriveDeviceSecret(root []byte, tenant money.TenantID, deviceID string) ([]byte, error) {
	r := hkdf.New(sha256.New, root, []byte(tenant), []byte("device:"+deviceID))
	secret := make([]byte, 32)
	if _, err := io.ReadFull(r, secret); err != nil {
		return nil, fmt.Errorf("derive device secret: %w", err)
	}
	return secret, nil
}

// HMACVerifier implements Verifier over HMAC-SHA256 with canonical (RFC 8785)
// payload bytes, so JSON key order on the device cannot break verification.
type HMACVerifier struct {
	keys KeySource
}

func NewHMACVerifier(keys KeySource) *HMACVerifier {
	return &HMACVerifier{keys: keys}
}

// Sign computes the signature a device would attach. Used by tests and by
// device provisioning tooling.
func (v *HMACVerifier) Sign(ctx context.Context, op Operation) (string, error) {
	secret, err := v.keys.SecretFor(ctx, op.Tenant, op.DeviceID)
	if err != nil {
		return "", err
	}
	mac, err := computeMAC(secret, op)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(mac), nil
}

func (v *HMACVerifier) Verify(ctx context.Context, op Operation) error {
	secret, err := v.keys.SecretFor(ctx, op.Tenant, op.DeviceID)
	if err != nil {
		return err
	}
	want, err := computeMAC(secret, op)
	if err != nil {
		return err
	}
	got, err := hex.DecodeString(op.Signature)
	if err != nil {
		return fmt.Errorf("%w: not hex", ErrBadSignature)
	}
	if !hmac.Equal(want, got) {
		return ErrBadSignature
	}
	return nil
}

func computeMAC(secret []byte, op Operation) ([]byte, error) {
	canonical, err := jcs.Transform(op.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: payload not canonicalizable", ErrBadSignature)
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(op.DeviceID))
	mac.Write([]byte{0x1f})
	mac.Write(canonical)
	mac.Write([]byte{0x1f})
	mac.Write([]byte(op.Nonce))
	mac.Write([]byte{0x1f})
	mac.Write([]byte(op.Tenant))
	return mac.Sum(nil), nil
}
