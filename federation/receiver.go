// Copyright 2026 The Meridian Authors
// SPDX-License-Identifier: Apache-2.0

package federation

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/meridian-im/meridian/lib/ref"
)

// maxTransactionSize caps an inbound transaction body, mirroring the
// federation specification's transaction limits.
const maxTransactionSize = 4 * 1024 * 1024

// statusCoder lets error values carry their own HTTP status without
// this package importing the packages that define them.
type statusCoder interface {
	HTTPStatus() int
}

// Receiver is the inbound side of the federation transaction
// endpoint (PUT /_matrix/federation/v1/send/{txnId}). It decodes the
// transaction, dispatches each EDU through the registry, and answers
// with an empty JSON object on success.
//
// Request signature verification is expected to happen in front of
// this handler; the deployment terminates and authenticates
// federation traffic before it reaches the delivery core.
type Receiver struct {
	registry *Registry
	logger   *slog.Logger
}

// NewReceiver creates a Receiver dispatching into registry. A nil
// logger is replaced with a no-op one.
func NewReceiver(registry *Registry, logger *slog.Logger) *Receiver {
	if registry == nil {
		panic("federation: NewReceiver requires a registry")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Receiver{registry: registry, logger: logger}
}

// ServeHTTP implements http.Handler.
func (r *Receiver) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodPut {
		writeJSONError(writer, http.StatusMethodNotAllowed, "M_UNRECOGNIZED", "transactions are sent with PUT")
		return
	}
	transactionID := strings.TrimPrefix(request.URL.Path, "/_matrix/federation/v1/send/")
	if transactionID == "" || strings.Contains(transactionID, "/") {
		writeJSONError(writer, http.StatusNotFound, "M_UNRECOGNIZED", "missing transaction ID")
		return
	}

	body, err := io.ReadAll(io.LimitReader(request.Body, maxTransactionSize))
	if err != nil {
		writeJSONError(writer, http.StatusBadRequest, "M_UNKNOWN", "reading transaction body")
		return
	}

	var transaction struct {
		Origin string `json:"origin"`
		EDUs   []struct {
			EDUType string          `json:"edu_type"`
			Content json.RawMessage `json:"content"`
		} `json:"edus"`
	}
	if err := json.Unmarshal(body, &transaction); err != nil {
		writeJSONError(writer, http.StatusBadRequest, "M_NOT_JSON", "malformed transaction")
		return
	}
	origin, err := ref.ParseServerName(transaction.Origin)
	if err != nil {
		writeJSONError(writer, http.StatusBadRequest, "M_UNKNOWN", fmt.Sprintf("invalid origin: %v", err))
		return
	}

	for _, entry := range transaction.EDUs {
		var edu EDU
		if err := json.Unmarshal(entry.Content, &edu); err != nil {
			r.logger.Warn("dropping undecodable EDU",
				"origin", origin.String(),
				"edu_type", entry.EDUType,
				"error", err,
			)
			continue
		}
		if err := r.registry.Dispatch(request.Context(), origin, entry.EDUType, &edu); err != nil {
			status := http.StatusInternalServerError
			var coded statusCoder
			if errors.As(err, &coded) {
				status = coded.HTTPStatus()
			}
			r.logger.Error("transaction EDU failed",
				"origin", origin.String(),
				"transaction_id", transactionID,
				"edu_type", entry.EDUType,
				"error", err,
			)
			writeJSONError(writer, status, "M_UNKNOWN", err.Error())
			return
		}
	}

	writer.Header().Set("Content-Type", "application/json")
	writer.Write([]byte(`{}`))
}

func writeJSONError(writer http.ResponseWriter, status int, code, message string) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	json.NewEncoder(writer).Encode(map[string]string{
		"errcode": code,
		"error":   message,
	})
}
