// Copyright 2026 The Meridian Authors
// SPDX-License-Identifier: Apache-2.0

// Package topology describes writer affinity in a sharded deployment.
// The to-device inbox and the remote device-list cache are
// single-writer resources: only designated instances mutate them, and
// every other instance reaches them through the internal replication
// channel. The Topology value is built once from configuration and
// injected where routing decisions are made, so instance-name checks
// do not leak into the request path.
package topology

import (
	"fmt"
	"hash/fnv"
	"path/filepath"
	"slices"
)

// Topology captures which instances own which single-writer
// resources. Immutable after construction.
type Topology struct {
	instanceName    string
	toDeviceWriters []string
	resyncInstance  string
}

// Config holds the raw topology parameters.
type Config struct {
	// InstanceName is this process's name.
	InstanceName string

	// ToDeviceWriters lists the instances allowed to mutate the
	// to-device inbox. Must be non-empty.
	ToDeviceWriters []string

	// ResyncInstance is the single instance performing device-list
	// resync.
	ResyncInstance string
}

// New validates the configuration and returns a Topology.
func New(cfg Config) (*Topology, error) {
	if cfg.InstanceName == "" {
		return nil, fmt.Errorf("topology: instance name is required")
	}
	if len(cfg.ToDeviceWriters) == 0 {
		return nil, fmt.Errorf("topology: at least one to-device writer is required")
	}
	if cfg.ResyncInstance == "" {
		return nil, fmt.Errorf("topology: resync instance is required")
	}
	return &Topology{
		instanceName:    cfg.InstanceName,
		toDeviceWriters: slices.Clone(cfg.ToDeviceWriters),
		resyncInstance:  cfg.ResyncInstance,
	}, nil
}

// InstanceName returns this process's name.
func (t *Topology) InstanceName() string { return t.instanceName }

// IsToDeviceWriter reports whether this instance may mutate the
// to-device inbox. Writers handle inbound EDUs locally; everyone else
// forwards them.
func (t *Topology) IsToDeviceWriter() bool {
	return slices.Contains(t.toDeviceWriters, t.instanceName)
}

// IsResyncInstance reports whether this instance performs device-list
// resync locally.
func (t *Topology) IsResyncInstance() bool {
	return t.instanceName == t.resyncInstance
}

// ResyncInstance returns the name of the designated resync instance.
func (t *Topology) ResyncInstance() string { return t.resyncInstance }

// PickToDeviceWriter deterministically selects a writer instance for
// the given affinity key (e.g. the EDU origin). The same key always
// lands on the same writer, which keeps a retransmitted EDU's
// idempotency check on one instance.
func (t *Topology) PickToDeviceWriter(key string) string {
	if len(t.toDeviceWriters) == 1 {
		return t.toDeviceWriters[0]
	}
	hash := fnv.New32a()
	hash.Write([]byte(key))
	return t.toDeviceWriters[int(hash.Sum32())%len(t.toDeviceWriters)]
}

// SocketPath returns the replication socket path for an instance
// within the configured socket directory.
func SocketPath(socketDir, instance string) string {
	return filepath.Join(socketDir, instance+".sock")
}
