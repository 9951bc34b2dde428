// Copyright 2026 The Meridian Authors
// SPDX-License-Identifier: Apache-2.0

package federation

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/meridian-im/meridian/lib/ref"
)

const transactionJSON = `{
	"origin": "remote.example",
	"origin_server_ts": 1700000000000,
	"pdus": [],
	"edus": [
		{
			"edu_type": "m.direct_to_device",
			"content": {
				"sender": "@carol:remote.example",
				"type": "m.room.encrypted",
				"message_id": "aaaabbbbccccdddd",
				"messages": {
					"@bob:meridian.example": {"BOBPHONE": {"ciphertext": "aaa"}}
				}
			}
		},
		{
			"edu_type": "m.presence",
			"content": {"push": []}
		}
	]
}`

func TestReceiverDispatchesEDUs(t *testing.T) {
	registry := NewRegistry(nil)
	var dispatched []*EDU
	var origins []ref.ServerName
	registry.RegisterEDUHandler(EDUTypeDirectToDevice, func(ctx context.Context, origin ref.ServerName, edu *EDU) error {
		dispatched = append(dispatched, edu)
		origins = append(origins, origin)
		return nil
	})
	receiver := NewReceiver(registry, nil)

	request := httptest.NewRequest(http.MethodPut,
		"/_matrix/federation/v1/send/txn1", strings.NewReader(transactionJSON))
	recorder := httptest.NewRecorder()
	receiver.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusOK {
		t.Fatalf("status %d, body %s", recorder.Code, recorder.Body)
	}
	// The presence EDU has no handler and is dropped; only the
	// direct-to-device EDU reaches the registry's handler.
	if len(dispatched) != 1 {
		t.Fatalf("dispatched %d EDUs, want 1", len(dispatched))
	}
	if dispatched[0].MessageID != "aaaabbbbccccdddd" {
		t.Errorf("dispatched EDU %+v", dispatched[0])
	}
	if origins[0] != remoteServer {
		t.Errorf("dispatched origin %s", origins[0])
	}
}

func TestReceiverSurfacesHandlerStatus(t *testing.T) {
	registry := NewRegistry(nil)
	registry.RegisterEDUHandler(EDUTypeDirectToDevice, func(ctx context.Context, origin ref.ServerName, edu *EDU) error {
		return &statusError{status: http.StatusBadRequest, message: "not a user here"}
	})
	receiver := NewReceiver(registry, nil)

	request := httptest.NewRequest(http.MethodPut,
		"/_matrix/federation/v1/send/txn2", strings.NewReader(transactionJSON))
	recorder := httptest.NewRecorder()
	receiver.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusBadRequest {
		t.Errorf("status %d, want 400", recorder.Code)
	}
}

type statusError struct {
	status  int
	message string
}

func (e *statusError) Error() string   { return e.message }
func (e *statusError) HTTPStatus() int { return e.status }

func TestReceiverRejectsBadRequests(t *testing.T) {
	receiver := NewReceiver(NewRegistry(nil), nil)

	cases := []struct {
		name       string
		method     string
		path       string
		body       string
		wantStatus int
	}{
		{"wrong method", http.MethodGet, "/_matrix/federation/v1/send/txn1", transactionJSON, http.StatusMethodNotAllowed},
		{"missing transaction id", http.MethodPut, "/_matrix/federation/v1/send/", transactionJSON, http.StatusNotFound},
		{"malformed body", http.MethodPut, "/_matrix/federation/v1/send/txn1", "{", http.StatusBadRequest},
		{"missing origin", http.MethodPut, "/_matrix/federation/v1/send/txn1", "{}", http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			request := httptest.NewRequest(tc.method, tc.path, strings.NewReader(tc.body))
			recorder := httptest.NewRecorder()
			receiver.ServeHTTP(recorder, request)
			if recorder.Code != tc.wantStatus {
				t.Errorf("status %d, want %d", recorder.Code, tc.wantStatus)
			}
		})
	}
}
