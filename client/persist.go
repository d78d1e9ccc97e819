package client

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// PairingState is the credential set that survives restarts. It is written
// as CBOR with integer keys to keep the on-disk file compact and to avoid
// field-name churn breaking old files.
type PairingState struct {
	SessionID          string    `cbor:"1,keyasint"`
	DeviceID           string    `cbor:"2,keyasint"`
	DeviceSessionToken string    `cbor:"3,keyasint"`
	WSURL              string    `cbor:"4,keyasint"`
	RelayBaseURL       string    `cbor:"5,keyasint"`
	PairedAt           time.Time `cbor:"6,keyasint"`
}

// savePairingState writes st to path atomically with owner-only permissions.
func savePairingState(path string, st *PairingState) error {
	encoded, err := cbor.Marshal(st)
	if err != nil {
		return fmt.Errorf("client: encode pairing state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("client: create state dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, encoded, 0o600); err != nil {
		return fmt.Errorf("client: write pairing state: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("client: install pairing state: %w", err)
	}
	return nil
}

// loadPairingState returns nil with no error when no state file exists.
func loadPairingState(path string) (*PairingState, error) {
	encoded, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("client: read pairing state: %w", err)
	}
	var st PairingState
	if err := cbor.Unmarshal(encoded, &st); err != nil {
		return nil, fmt.Errorf("client: decode pairing state: %w", err)
	}
	if st.SessionID == "" || st.DeviceSessionToken == "" || st.WSURL == "" {
		return nil, fmt.Errorf("client: pairing state file is incomplete")
	}
	return &st, nil
}

// clearPairingState removes the state file. Missing files are not an error.
func clearPairingState(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("client: remove pairing state: %w", err)
	}
	return nil
}
