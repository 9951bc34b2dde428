// Copyright 2026 The Meridian Authors
// SPDX-License-Identifier: Apache-2.0

package federation

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/meridian-im/meridian/lib/ref"
)

// maxDeviceResponseSize caps the device query response body. A user
// with thousands of devices is either broken or hostile.
const maxDeviceResponseSize = 4 * 1024 * 1024

// HTTPDeviceLister queries a remote homeserver's device list endpoint
// (GET /_matrix/federation/v1/user/devices/{userId}).
type HTTPDeviceLister struct {
	client  *http.Client
	baseURL func(server ref.ServerName) string
}

// NewHTTPDeviceLister creates a lister using the given HTTP client. A
// nil client gets a default with a 30 second timeout. baseURL maps a
// server name to its federation base URL; nil means
// "https://<server>" (server-name resolution and delegation are
// handled by the deployment's reverse proxy or DNS).
func NewHTTPDeviceLister(client *http.Client, baseURL func(server ref.ServerName) string) *HTTPDeviceLister {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if baseURL == nil {
		baseURL = func(server ref.ServerName) string {
			return "https://" + server.String()
		}
	}
	return &HTTPDeviceLister{client: client, baseURL: baseURL}
}

// QueryUserDevices implements DeviceLister.
func (l *HTTPDeviceLister) QueryUserDevices(ctx context.Context, user ref.UserID) ([]ref.DeviceID, error) {
	endpoint := l.baseURL(user.Domain()) +
		"/_matrix/federation/v1/user/devices/" + url.PathEscape(user.String())

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("building device query for %s: %w", user, err)
	}

	httpResponse, err := l.client.Do(request)
	if err != nil {
		return nil, fmt.Errorf("querying devices of %s: %w", user, err)
	}
	defer httpResponse.Body.Close()

	if httpResponse.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("device query for %s: %s from %s", user, httpResponse.Status, user.Domain())
	}

	body, err := io.ReadAll(io.LimitReader(httpResponse.Body, maxDeviceResponseSize))
	if err != nil {
		return nil, fmt.Errorf("reading device query response for %s: %w", user, err)
	}

	var decoded struct {
		Devices []struct {
			DeviceID ref.DeviceID `json:"device_id"`
		} `json:"devices"`
	}
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("decoding device query response for %s: %w", user, err)
	}

	devices := make([]ref.DeviceID, 0, len(decoded.Devices))
	for _, device := range decoded.Devices {
		if device.DeviceID.IsZero() {
			continue
		}
		devices = append(devices, device.DeviceID)
	}
	return devices, nil
}
