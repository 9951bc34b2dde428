// Copyright 2026 The Meridian Authors
// SPDX-License-Identifier: Apache-2.0

package replication

import (
	"context"
	"sync"

	"github.com/meridian-im/meridian/federation"
	"github.com/meridian-im/meridian/lib/ref"
	"github.com/meridian-im/meridian/topology"
)

// Forwarder routes inbound to-device EDUs to their owning writer
// instance. It is the EDU handler registered on instances that are
// not to-device writers themselves. Writer selection is by origin, so
// retransmissions of one EDU always reach the same writer and its
// replay ledger.
type Forwarder struct {
	topo      *topology.Topology
	socketDir string

	mu      sync.Mutex
	clients map[string]*Client
}

// NewForwarder creates a forwarder using the given topology and
// socket directory.
func NewForwarder(topo *topology.Topology, socketDir string) *Forwarder {
	return &Forwarder{
		topo:      topo,
		socketDir: socketDir,
		clients:   make(map[string]*Client),
	}
}

// HandleDirectToDevice implements federation.EDUHandler by forwarding
// to the writer owning the EDU's origin.
func (f *Forwarder) HandleDirectToDevice(ctx context.Context, origin ref.ServerName, edu *federation.EDU) error {
	writer := f.topo.PickToDeviceWriter(origin.String())
	return f.client(writer).ForwardEDU(ctx, origin, edu)
}

func (f *Forwarder) client(instance string) *Client {
	f.mu.Lock()
	defer f.mu.Unlock()
	client, exists := f.clients[instance]
	if !exists {
		client = NewClient(topology.SocketPath(f.socketDir, instance))
		f.clients[instance] = client
	}
	return client
}
