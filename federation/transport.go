// Copyright 2026 The Meridian Authors
// SPDX-License-Identifier: Apache-2.0

package federation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/meridian-im/meridian/lib/clock"
	"github.com/meridian-im/meridian/lib/ref"
)

// transactionBody is the wire form of a federation transaction
// carrying only EDUs.
type transactionBody struct {
	Origin         string    `json:"origin"`
	OriginServerTS int64     `json:"origin_server_ts"`
	PDUs           []any     `json:"pdus"`
	EDUs           []wireEDU `json:"edus"`
}

// wireEDU is the transaction-level EDU envelope: the type repeated
// outside the content so receivers can route without decoding it.
type wireEDU struct {
	EDUType string `json:"edu_type"`
	Content *EDU   `json:"content"`
}

// HTTPTransport sends federation transactions over HTTP
// (PUT /_matrix/federation/v1/send/{txnId}).
type HTTPTransport struct {
	origin  ref.ServerName
	client  *http.Client
	clock   clock.Clock
	baseURL func(server ref.ServerName) string

	// txnCounter disambiguates transactions created within one
	// millisecond.
	txnCounter atomic.Int64
}

// NewHTTPTransport creates a transport identifying as origin. A nil
// client gets a default with a 30 second timeout; a nil baseURL maps
// a server name to "https://<server>"; a nil clk uses the real clock.
func NewHTTPTransport(origin ref.ServerName, client *http.Client, clk clock.Clock, baseURL func(server ref.ServerName) string) *HTTPTransport {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if clk == nil {
		clk = clock.Real()
	}
	if baseURL == nil {
		baseURL = func(server ref.ServerName) string {
			return "https://" + server.String()
		}
	}
	return &HTTPTransport{origin: origin, client: client, clock: clk, baseURL: baseURL}
}

// SendTransaction implements Transport.
func (t *HTTPTransport) SendTransaction(ctx context.Context, destination ref.ServerName, edus []*EDU) error {
	now := t.clock.Now().UnixMilli()
	body := transactionBody{
		Origin:         t.origin.String(),
		OriginServerTS: now,
		PDUs:           []any{},
		EDUs:           make([]wireEDU, len(edus)),
	}
	for i, edu := range edus {
		body.EDUs[i] = wireEDU{EDUType: EDUTypeDirectToDevice, Content: edu}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal transaction for %s: %w", destination, err)
	}

	transactionID := fmt.Sprintf("%d.%d", now, t.txnCounter.Add(1))
	endpoint := t.baseURL(destination) + "/_matrix/federation/v1/send/" + transactionID

	request, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building transaction request for %s: %w", destination, err)
	}
	request.Header.Set("Content-Type", "application/json")

	httpResponse, err := t.client.Do(request)
	if err != nil {
		return fmt.Errorf("sending transaction to %s: %w", destination, err)
	}
	defer httpResponse.Body.Close()
	io.Copy(io.Discard, io.LimitReader(httpResponse.Body, 64*1024))

	if httpResponse.StatusCode != http.StatusOK {
		return fmt.Errorf("transaction to %s: %s", destination, httpResponse.Status)
	}
	return nil
}
