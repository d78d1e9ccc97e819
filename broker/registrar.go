package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"
)

// Version is stamped at build time and sent in the User-Agent.
var Version = ""

// Device is one entry on the relay's trusted-device roster.
type Device struct {
	DeviceID   string    `json:"deviceID"`
	DeviceName string    `json:"deviceName"`
	Connected  bool      `json:"connected"`
	JoinedAt   time.Time `json:"joinedAt"`
	LastSeenAt time.Time `json:"lastSeenAt"`
}

// StartRequest registers a freshly minted session with the relay.
type StartRequest struct {
	SessionID           string `json:"sessionID"`
	JoinToken           string `json:"joinToken"`
	DesktopSessionToken string `json:"desktopSessionToken"`
	JoinTokenExpiresAt  string `json:"joinTokenExpiresAt"`
	IdleTimeoutSeconds  int    `json:"idleTimeoutSeconds"`
	RelayWebSocketURL   string `json:"relayWebSocketURL"`
}

// RefreshRequest replaces the relay's join-token lease for a live session.
type RefreshRequest struct {
	SessionID           string `json:"sessionID"`
	DesktopSessionToken string `json:"desktopSessionToken"`
	JoinToken           string `json:"joinToken"`
	JoinTokenExpiresAt  string `json:"joinTokenExpiresAt"`
}

// Registrar is the relay's pairing contract as seen from the desktop.
type Registrar interface {
	StartPairing(ctx context.Context, req StartRequest) (wsURL string, err error)
	RefreshPairing(ctx context.Context, req RefreshRequest) error
	StopPairing(ctx context.Context, sessionID, desktopSessionToken string) error
	ListDevices(ctx context.Context, sessionID, desktopSessionToken string) ([]Device, error)
	RevokeDevice(ctx context.Context, sessionID, desktopSessionToken, deviceID string) error
}

// RegistrarError carries the relay's structured rejection.
type RegistrarError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *RegistrarError) Error() string {
	return fmt.Sprintf("relay returned HTTP %d (%s): %s", e.StatusCode, e.Code, e.Message)
}

// HTTPRegistrar talks to the relay's pairing endpoints. One registrar can be
// shared by everything on the desktop side.
type HTTPRegistrar struct {
	Client       *http.Client
	RelayBaseURL string
}

func (r *HTTPRegistrar) StartPairing(ctx context.Context, req StartRequest) (string, error) {
	body, err := r.post(ctx, "/pair/start", req)
	if err != nil {
		return "", err
	}
	return gjson.GetBytes(body, "wsURL").Str, nil
}

func (r *HTTPRegistrar) RefreshPairing(ctx context.Context, req RefreshRequest) error {
	_, err := r.post(ctx, "/pair/refresh", req)
	return err
}

func (r *HTTPRegistrar) StopPairing(ctx context.Context, sessionID, desktopSessionToken string) error {
	_, err := r.post(ctx, "/pair/stop", map[string]string{
		"sessionID":           sessionID,
		"desktopSessionToken": desktopSessionToken,
	})
	return err
}

func (r *HTTPRegistrar) ListDevices(ctx context.Context, sessionID, desktopSessionToken string) ([]Device, error) {
	body, err := r.post(ctx, "/devices/list", map[string]string{
		"sessionID":           sessionID,
		"desktopSessionToken": desktopSessionToken,
	})
	if err != nil {
		return nil, err
	}
	var parsed struct {
		Devices []Device `json:"devices"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("ListDevices: response body decode JSON failed: %w", err)
	}
	return parsed.Devices, nil
}

func (r *HTTPRegistrar) RevokeDevice(ctx context.Context, sessionID, desktopSessionToken, deviceID string) error {
	_, err := r.post(ctx, "/devices/revoke", map[string]string{
		"sessionID":           sessionID,
		"desktopSessionToken": desktopSessionToken,
		"deviceID":            deviceID,
	})
	return err
}

func (r *HTTPRegistrar) post(ctx context.Context, path string, payload interface{}) ([]byte, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("registrar: encode %s request: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, "POST", r.RelayBaseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("registrar: NewRequest %s failed: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "tether-desktop-"+Version)

	res, err := r.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("registrar: %s request failed: %w", path, err)
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("registrar: read %s response: %w", path, err)
	}
	if res.StatusCode != 200 {
		parsed := gjson.ParseBytes(body)
		return nil, &RegistrarError{
			StatusCode: res.StatusCode,
			Code:       parsed.Get("error").Str,
			Message:    parsed.Get("message").Str,
		}
	}
	return body, nil
}
