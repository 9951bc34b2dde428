// Copyright 2026 The Meridian Authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/meridian-im/meridian/delivery"
	"github.com/meridian-im/meridian/federation"
	"github.com/meridian-im/meridian/lib/clock"
	"github.com/meridian-im/meridian/lib/ref"
	"github.com/meridian-im/meridian/lib/testutil"
)

var (
	alice      = ref.MustParseUserID("@alice:meridian.example")
	bob        = ref.MustParseUserID("@bob:meridian.example")
	carol      = ref.MustParseUserID("@carol:remote.example")
	alicePhone = ref.MustParseDeviceID("ALICEPHONE")
	bobPhone   = ref.MustParseDeviceID("BOBPHONE")
	remote     = ref.MustParseServerName("remote.example")
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(Config{
		Path:  testutil.TempDBPath(t),
		Clock: clock.Fake(time.Unix(1700000000, 0)),
	})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("Close failed: %v", err)
		}
	})
	return store
}

func message(sender ref.UserID, body string) delivery.DeviceMessage {
	return delivery.DeviceMessage{
		Type:    "m.room.encrypted",
		Sender:  sender,
		Content: map[string]any{"ciphertext": body},
	}
}

func TestAppendAndReadBack(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	batch := delivery.LocalBatch{
		alice: {alicePhone: message(bob, "first")},
		bob:   {bobPhone: message(alice, "second")},
	}
	lastStreamID, err := store.AppendLocalAndRemoteMessages(ctx, batch, nil)
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if lastStreamID != 2 {
		t.Errorf("last stream ID %d, want 2", lastStreamID)
	}

	pending, err := store.GetAllDeviceMessages(ctx, alice, alicePhone)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("got %d messages, want 1", len(pending))
	}
	got := pending[0].Message
	if got.Type != "m.room.encrypted" || got.Sender != bob {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if ciphertext, _ := got.Content["ciphertext"].(string); ciphertext != "first" {
		t.Errorf("content %v", got.Content)
	}
}

func TestStreamIDsStrictlyIncrease(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	var previous int64
	for i := 0; i < 5; i++ {
		streamID, err := store.AppendLocalAndRemoteMessages(ctx, delivery.LocalBatch{
			alice: {alicePhone: message(bob, "m")},
		}, nil)
		if err != nil {
			t.Fatalf("append %d failed: %v", i, err)
		}
		if streamID <= previous {
			t.Fatalf("stream ID %d not greater than %d", streamID, previous)
		}
		previous = streamID
	}

	current, err := store.CurrentStreamID(ctx)
	if err != nil {
		t.Fatalf("CurrentStreamID failed: %v", err)
	}
	if current != previous {
		t.Errorf("CurrentStreamID %d, want %d", current, previous)
	}
}

func TestLargePayloadRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// Well past the compression threshold, and compressible.
	body := strings.Repeat("meridian to-device payload ", 200)
	_, err := store.AppendLocalAndRemoteMessages(ctx, delivery.LocalBatch{
		alice: {alicePhone: message(bob, body)},
	}, nil)
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}

	pending, err := store.GetAllDeviceMessages(ctx, alice, alicePhone)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("got %d messages, want 1", len(pending))
	}
	if ciphertext, _ := pending[0].Message.Content["ciphertext"].(string); ciphertext != body {
		t.Errorf("large payload corrupted in round trip")
	}
}

func TestOutboxQueueAndDrain(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	edu := &federation.EDU{
		Sender:    alice,
		Type:      "m.room.encrypted",
		MessageID: "0123456789abcdef",
		Messages: map[ref.UserID]map[ref.DeviceID]map[string]any{
			carol: {ref.MustParseDeviceID("CAROLDEV"): {"ciphertext": "aaa"}},
		},
	}
	lastStreamID, err := store.AppendLocalAndRemoteMessages(ctx, nil,
		map[ref.ServerName]*federation.EDU{remote: edu})
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}

	destinations, err := store.PendingDestinations(ctx)
	if err != nil {
		t.Fatalf("PendingDestinations failed: %v", err)
	}
	if len(destinations) != 1 || destinations[0] != remote {
		t.Errorf("pending destinations %v", destinations)
	}

	queued, err := store.GetPendingEDUs(ctx, remote, 10)
	if err != nil {
		t.Fatalf("GetPendingEDUs failed: %v", err)
	}
	if len(queued) != 1 {
		t.Fatalf("got %d queued EDUs, want 1", len(queued))
	}
	if queued[0].StreamID != lastStreamID {
		t.Errorf("queued at %d, want %d", queued[0].StreamID, lastStreamID)
	}
	if queued[0].EDU.MessageID != edu.MessageID || queued[0].EDU.Sender != alice {
		t.Errorf("EDU round trip mismatch: %+v", queued[0].EDU)
	}
	if _, ok := queued[0].EDU.Messages[carol]; !ok {
		t.Errorf("EDU messages lost recipient: %v", queued[0].EDU.Messages)
	}

	removed, err := store.DeleteQueuedEDUs(ctx, remote, lastStreamID)
	if err != nil {
		t.Fatalf("DeleteQueuedEDUs failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed %d rows, want 1", removed)
	}
	queued, err = store.GetPendingEDUs(ctx, remote, 10)
	if err != nil {
		t.Fatalf("GetPendingEDUs failed: %v", err)
	}
	if len(queued) != 0 {
		t.Errorf("outbox not drained: %d EDUs remain", len(queued))
	}
}

func TestRemoteAppendReplay(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	batch := delivery.LocalBatch{
		alice: {alicePhone: message(carol, "once")},
	}
	first, err := store.AppendRemoteInboxMessages(ctx, remote, "aaaabbbbccccdddd", batch)
	if err != nil {
		t.Fatalf("first append failed: %v", err)
	}
	second, err := store.AppendRemoteInboxMessages(ctx, remote, "aaaabbbbccccdddd", batch)
	if err != nil {
		t.Fatalf("replay append failed: %v", err)
	}
	if second != first {
		t.Errorf("replay returned stream ID %d, want %d", second, first)
	}

	pending, err := store.GetAllDeviceMessages(ctx, alice, alicePhone)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(pending) != 1 {
		t.Errorf("replay duplicated messages: got %d, want 1", len(pending))
	}

	// A different message ID from the same origin is new traffic.
	third, err := store.AppendRemoteInboxMessages(ctx, remote, "ddddccccbbbbaaaa", batch)
	if err != nil {
		t.Fatalf("third append failed: %v", err)
	}
	if third <= first {
		t.Errorf("new EDU got stream ID %d, want greater than %d", third, first)
	}
}

func TestRemoteAppendEmptyBatchStillRecordsReceipt(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first, err := store.AppendRemoteInboxMessages(ctx, remote, "aaaabbbbccccdddd", nil)
	if err != nil {
		t.Fatalf("empty append failed: %v", err)
	}
	second, err := store.AppendRemoteInboxMessages(ctx, remote, "aaaabbbbccccdddd", delivery.LocalBatch{
		alice: {alicePhone: message(carol, "late")},
	})
	if err != nil {
		t.Fatalf("replay append failed: %v", err)
	}
	if second != first {
		t.Errorf("replay of empty-batch EDU returned %d, want %d", second, first)
	}
	pending, err := store.GetAllDeviceMessages(ctx, alice, alicePhone)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("replayed EDU delivered %d messages, want 0", len(pending))
	}
}

func TestDeleteDeviceMessage(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	streamID, err := store.AppendLocalAndRemoteMessages(ctx, delivery.LocalBatch{
		alice: {alicePhone: message(bob, "m")},
	}, nil)
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}

	removed, err := store.DeleteDeviceMessage(ctx, alice, alicePhone, streamID)
	if err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if !removed {
		t.Error("delete of existing message reported no rows")
	}

	removed, err = store.DeleteDeviceMessage(ctx, alice, alicePhone, streamID)
	if err != nil {
		t.Fatalf("second delete failed: %v", err)
	}
	if removed {
		t.Error("delete of missing message reported a row")
	}
}

func TestDeleteDeviceMessagesUpTo(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	var streamIDs []int64
	for i := 0; i < 3; i++ {
		streamID, err := store.AppendLocalAndRemoteMessages(ctx, delivery.LocalBatch{
			alice: {alicePhone: message(bob, "m")},
		}, nil)
		if err != nil {
			t.Fatalf("append %d failed: %v", i, err)
		}
		streamIDs = append(streamIDs, streamID)
	}

	removed, err := store.DeleteDeviceMessagesUpTo(ctx, alice, alicePhone, streamIDs[1])
	if err != nil {
		t.Fatalf("DeleteDeviceMessagesUpTo failed: %v", err)
	}
	if removed != 2 {
		t.Errorf("removed %d rows, want 2", removed)
	}

	pending, err := store.GetAllDeviceMessages(ctx, alice, alicePhone)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(pending) != 1 || pending[0].StreamID != streamIDs[2] {
		t.Errorf("remaining messages %+v, want only stream %d", pending, streamIDs[2])
	}
}

func TestDeviceListCacheLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	devices := []ref.DeviceID{
		ref.MustParseDeviceID("CAROLDEV1"),
		ref.MustParseDeviceID("CAROLDEV2"),
	}
	if err := store.UpdateCachedDevices(ctx, carol, devices); err != nil {
		t.Fatalf("UpdateCachedDevices failed: %v", err)
	}

	cached, err := store.GetCachedDevicesForUser(ctx, carol)
	if err != nil {
		t.Fatalf("GetCachedDevicesForUser failed: %v", err)
	}
	if len(cached) != 2 {
		t.Fatalf("got %d cached devices, want 2", len(cached))
	}

	if err := store.MarkDeviceCachesStale(ctx, []ref.UserID{carol}); err != nil {
		t.Fatalf("MarkDeviceCachesStale failed: %v", err)
	}
	stale, err := store.UsersNeedingResync(ctx)
	if err != nil {
		t.Fatalf("UsersNeedingResync failed: %v", err)
	}
	if len(stale) != 1 || stale[0] != carol {
		t.Errorf("stale users %v, want [%s]", stale, carol)
	}

	// A completed resync replaces the cache and clears the flag.
	if err := store.UpdateCachedDevices(ctx, carol, devices[:1]); err != nil {
		t.Fatalf("second UpdateCachedDevices failed: %v", err)
	}
	cached, err = store.GetCachedDevicesForUser(ctx, carol)
	if err != nil {
		t.Fatalf("GetCachedDevicesForUser failed: %v", err)
	}
	if len(cached) != 1 {
		t.Errorf("got %d cached devices after resync, want 1", len(cached))
	}
	stale, err = store.UsersNeedingResync(ctx)
	if err != nil {
		t.Fatalf("UsersNeedingResync failed: %v", err)
	}
	if len(stale) != 0 {
		t.Errorf("stale flag not cleared: %v", stale)
	}
}

func TestRoomMemberships(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	room := ref.MustParseRoomID("!general:meridian.example")
	if err := store.AddRoomMembership(ctx, room, carol); err != nil {
		t.Fatalf("AddRoomMembership failed: %v", err)
	}
	// Re-adding is idempotent.
	if err := store.AddRoomMembership(ctx, room, carol); err != nil {
		t.Fatalf("duplicate AddRoomMembership failed: %v", err)
	}

	rooms, err := store.GetRoomsForUser(ctx, carol)
	if err != nil {
		t.Fatalf("GetRoomsForUser failed: %v", err)
	}
	if len(rooms) != 1 || rooms[0] != room {
		t.Errorf("rooms %v, want [%s]", rooms, room)
	}

	if err := store.RemoveRoomMembership(ctx, room, carol); err != nil {
		t.Fatalf("RemoveRoomMembership failed: %v", err)
	}
	rooms, err = store.GetRoomsForUser(ctx, carol)
	if err != nil {
		t.Fatalf("GetRoomsForUser failed: %v", err)
	}
	if len(rooms) != 0 {
		t.Errorf("rooms after leave %v, want none", rooms)
	}
}
