// Copyright 2026 The Meridian Authors
// SPDX-License-Identifier: Apache-2.0

package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/meridian-im/meridian/federation"
	"github.com/meridian-im/meridian/lib/clock"
	"github.com/meridian-im/meridian/lib/ref"
	"github.com/meridian-im/meridian/notify"
	"github.com/meridian-im/meridian/ratelimit"
)

type deviceKey struct {
	user   ref.UserID
	device ref.DeviceID
}

// fakeStore is an in-memory Store with the same stream and replay
// semantics as the SQLite implementation.
type fakeStore struct {
	mu           sync.Mutex
	nextStreamID int64
	inbox        map[deviceKey][]StoredMessage
	outbox       map[ref.ServerName][]*federation.EDU
	seenEDUs     map[string]int64
	rooms        map[ref.UserID][]ref.RoomID
	cached       map[ref.UserID][]ref.DeviceID
	staleMarked  []ref.UserID

	appendCalls int
	appendErr   error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		inbox:    make(map[deviceKey][]StoredMessage),
		outbox:   make(map[ref.ServerName][]*federation.EDU),
		seenEDUs: make(map[string]int64),
		rooms:    make(map[ref.UserID][]ref.RoomID),
		cached:   make(map[ref.UserID][]ref.DeviceID),
	}
}

func (s *fakeStore) appendBatch(batch LocalBatch) int64 {
	for user, byDevice := range batch {
		for device, message := range byDevice {
			s.nextStreamID++
			key := deviceKey{user, device}
			s.inbox[key] = append(s.inbox[key], StoredMessage{StreamID: s.nextStreamID, Message: message})
		}
	}
	return s.nextStreamID
}

func (s *fakeStore) AppendRemoteInboxMessages(ctx context.Context, origin ref.ServerName, messageID string, batch LocalBatch) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendCalls++
	if s.appendErr != nil {
		return 0, s.appendErr
	}
	replayKey := origin.String() + "|" + messageID
	if streamID, seen := s.seenEDUs[replayKey]; seen {
		return streamID, nil
	}
	streamID := s.appendBatch(batch)
	if streamID == 0 {
		s.nextStreamID++
		streamID = s.nextStreamID
	}
	s.seenEDUs[replayKey] = streamID
	return streamID, nil
}

func (s *fakeStore) AppendLocalAndRemoteMessages(ctx context.Context, batch LocalBatch, edus map[ref.ServerName]*federation.EDU) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendCalls++
	if s.appendErr != nil {
		return 0, s.appendErr
	}
	streamID := s.appendBatch(batch)
	for destination, edu := range edus {
		s.outbox[destination] = append(s.outbox[destination], edu)
	}
	if streamID == 0 {
		s.nextStreamID++
		streamID = s.nextStreamID
	}
	return streamID, nil
}

func (s *fakeStore) GetAllDeviceMessages(ctx context.Context, user ref.UserID, device ref.DeviceID) ([]StoredMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	messages := s.inbox[deviceKey{user, device}]
	out := make([]StoredMessage, len(messages))
	copy(out, messages)
	return out, nil
}

func (s *fakeStore) DeleteDeviceMessage(ctx context.Context, user ref.UserID, device ref.DeviceID, streamID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := deviceKey{user, device}
	for i, stored := range s.inbox[key] {
		if stored.StreamID == streamID {
			s.inbox[key] = append(s.inbox[key][:i], s.inbox[key][i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (s *fakeStore) GetRoomsForUser(ctx context.Context, user ref.UserID) ([]ref.RoomID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rooms[user], nil
}

func (s *fakeStore) GetCachedDevicesForUser(ctx context.Context, user ref.UserID) ([]ref.DeviceID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cached[user], nil
}

func (s *fakeStore) MarkDeviceCachesStale(ctx context.Context, users []ref.UserID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.staleMarked = append(s.staleMarked, users...)
	return nil
}

func (s *fakeStore) pendingFor(user ref.UserID, device ref.DeviceID) []StoredMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]StoredMessage(nil), s.inbox[deviceKey{user, device}]...)
}

type notification struct {
	kind     notify.StreamKind
	position int64
	users    []ref.UserID
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []notification
}

func (n *fakeNotifier) OnNewEvent(kind notify.StreamKind, position int64, users []ref.UserID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, notification{kind, position, users})
}

func (n *fakeNotifier) all() []notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notification(nil), n.events...)
}

type fakeFederationSender struct {
	mu    sync.Mutex
	poked []ref.ServerName
}

func (f *fakeFederationSender) SendDeviceMessages(destination ref.ServerName) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.poked = append(f.poked, destination)
}

type fakeResyncer struct {
	mu     sync.Mutex
	users  []ref.UserID
	err    error
	called chan struct{}
}

func newFakeResyncer() *fakeResyncer {
	return &fakeResyncer{called: make(chan struct{}, 16)}
}

func (r *fakeResyncer) ResyncDevices(ctx context.Context, users []ref.UserID) error {
	r.mu.Lock()
	r.users = append(r.users, users...)
	err := r.err
	r.mu.Unlock()
	r.called <- struct{}{}
	return err
}

func (r *fakeResyncer) resynced() []ref.UserID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ref.UserID(nil), r.users...)
}

// testHandler bundles a Handler with its fakes.
type testHandler struct {
	handler  *Handler
	store    *fakeStore
	notifier *fakeNotifier
	sender   *fakeFederationSender
	resyncer *fakeResyncer
	limiter  *ratelimit.Limiter
}

func newTestHandler(t *testing.T, burst int) *testHandler {
	t.Helper()
	store := newFakeStore()
	notifier := &fakeNotifier{}
	sender := &fakeFederationSender{}
	resyncer := newFakeResyncer()
	// Zero refill: the burst is all a key ever gets, which makes
	// limit exhaustion deterministic.
	limiter := ratelimit.New(ratelimit.Config{
		PerSecond:  0,
		BurstCount: burst,
		Clock:      clock.Fake(time.Unix(1700000000, 0)),
	})
	handler := NewHandler(Config{
		ServerName:        ref.MustParseServerName("meridian.example"),
		Store:             store,
		Notifier:          notifier,
		FederationSender:  sender,
		Resyncer:          resyncer,
		KeyRequestLimiter: limiter,
		DedupKeyRequests:  true,
	})
	return &testHandler{
		handler:  handler,
		store:    store,
		notifier: notifier,
		sender:   sender,
		resyncer: resyncer,
		limiter:  limiter,
	}
}

var (
	alice       = ref.MustParseUserID("@alice:meridian.example")
	bob         = ref.MustParseUserID("@bob:meridian.example")
	remoteCarol = ref.MustParseUserID("@carol:remote.example")
	remoteDave  = ref.MustParseUserID("@dave:remote.example")
	remoteErin  = ref.MustParseUserID("@erin:other.example")

	aliceLaptop = ref.MustParseDeviceID("ALICELAPTOP")
	alicePhone  = ref.MustParseDeviceID("ALICEPHONE")
	bobPhone    = ref.MustParseDeviceID("BOBPHONE")
)

func TestSendDeliversLocally(t *testing.T) {
	th := newTestHandler(t, 10)

	err := th.handler.SendDeviceMessages(context.Background(), alice, aliceLaptop, "m.room.encrypted",
		map[string]map[string]map[string]any{
			bob.String(): {
				bobPhone.String(): {"algorithm": "m.olm.v1"},
			},
		})
	if err != nil {
		t.Fatalf("SendDeviceMessages failed: %v", err)
	}

	pending := th.store.pendingFor(bob, bobPhone)
	if len(pending) != 1 {
		t.Fatalf("got %d pending messages, want 1", len(pending))
	}
	message := pending[0].Message
	if message.Type != "m.room.encrypted" {
		t.Errorf("stored type %q", message.Type)
	}
	if message.Sender != alice {
		t.Errorf("stored sender %s, want %s", message.Sender, alice)
	}

	events := th.notifier.all()
	if len(events) != 1 {
		t.Fatalf("got %d notifications, want 1", len(events))
	}
	if events[0].kind != notify.StreamToDevice {
		t.Errorf("notified stream %q", events[0].kind)
	}
	if events[0].position != pending[0].StreamID {
		t.Errorf("notified position %d, want %d", events[0].position, pending[0].StreamID)
	}
	if len(events[0].users) != 1 || events[0].users[0] != bob {
		t.Errorf("notified users %v", events[0].users)
	}

	if len(th.sender.poked) != 0 {
		t.Errorf("federation sender poked for purely local send: %v", th.sender.poked)
	}
}

func TestSendSplitsLocalAndRemote(t *testing.T) {
	th := newTestHandler(t, 10)

	ctx := WithTraceContext(context.Background(), json.RawMessage(`{"span":"s1"}`))
	err := th.handler.SendDeviceMessages(ctx, alice, aliceLaptop, "m.room.encrypted",
		map[string]map[string]map[string]any{
			bob.String():         {bobPhone.String(): {"ciphertext": "aaa"}},
			remoteCarol.String(): {"CAROLDEV": {"ciphertext": "bbb"}},
		})
	if err != nil {
		t.Fatalf("SendDeviceMessages failed: %v", err)
	}

	if got := len(th.store.pendingFor(bob, bobPhone)); got != 1 {
		t.Errorf("got %d local messages, want 1", got)
	}

	destination := ref.MustParseServerName("remote.example")
	queued := th.store.outbox[destination]
	if len(queued) != 1 {
		t.Fatalf("got %d queued EDUs for %s, want 1", len(queued), destination)
	}
	edu := queued[0]
	if edu.Sender != alice || edu.Type != "m.room.encrypted" {
		t.Errorf("EDU header: sender=%s type=%s", edu.Sender, edu.Type)
	}
	if err := edu.Validate(); err != nil {
		t.Errorf("queued EDU invalid: %v", err)
	}
	if _, ok := edu.Messages[remoteCarol]; !ok {
		t.Errorf("EDU missing recipient %s: %v", remoteCarol, edu.Messages)
	}
	if string(edu.TraceContext) != `{"span":"s1"}` {
		t.Errorf("EDU trace context %q", edu.TraceContext)
	}

	if th.store.appendCalls != 1 {
		t.Errorf("local and remote persisted in %d store calls, want 1", th.store.appendCalls)
	}
	if len(th.sender.poked) != 1 || th.sender.poked[0] != destination {
		t.Errorf("federation sender poked with %v", th.sender.poked)
	}
}

func TestSendBatchesRemotePerDestination(t *testing.T) {
	th := newTestHandler(t, 10)

	err := th.handler.SendDeviceMessages(context.Background(), alice, aliceLaptop, "m.room.encrypted",
		map[string]map[string]map[string]any{
			remoteCarol.String(): {"CAROLDEV": {"ciphertext": "aaa"}},
			remoteDave.String():  {"DAVEDEV": {"ciphertext": "bbb"}},
			remoteErin.String():  {"ERINDEV": {"ciphertext": "ccc"}},
		})
	if err != nil {
		t.Fatalf("SendDeviceMessages failed: %v", err)
	}

	if len(th.store.outbox) != 2 {
		t.Fatalf("got EDUs for %d destinations, want 2: %v", len(th.store.outbox), th.store.outbox)
	}

	sharedDestination := ref.MustParseServerName("remote.example")
	shared := th.store.outbox[sharedDestination]
	if len(shared) != 1 {
		t.Fatalf("got %d EDUs for %s, want 1", len(shared), sharedDestination)
	}
	if len(shared[0].Messages) != 2 {
		t.Errorf("shared-destination EDU carries %d recipients, want 2: %v",
			len(shared[0].Messages), shared[0].Messages)
	}
	for _, recipient := range []ref.UserID{remoteCarol, remoteDave} {
		if _, ok := shared[0].Messages[recipient]; !ok {
			t.Errorf("shared-destination EDU missing recipient %s", recipient)
		}
	}

	other := th.store.outbox[ref.MustParseServerName("other.example")]
	if len(other) != 1 {
		t.Fatalf("got %d EDUs for other.example, want 1", len(other))
	}
	if _, ok := other[0].Messages[remoteErin]; !ok {
		t.Errorf("other-destination EDU missing recipient %s", remoteErin)
	}

	if shared[0].MessageID == other[0].MessageID {
		t.Errorf("both EDUs share message_id %q", shared[0].MessageID)
	}
	for _, edu := range []*federation.EDU{shared[0], other[0]} {
		if err := edu.Validate(); err != nil {
			t.Errorf("queued EDU invalid: %v", err)
		}
	}

	if th.store.appendCalls != 1 {
		t.Errorf("EDUs persisted in %d store calls, want 1", th.store.appendCalls)
	}
	poked := map[ref.ServerName]bool{}
	for _, destination := range th.sender.poked {
		poked[destination] = true
	}
	if len(poked) != 2 || !poked[sharedDestination] || !poked[ref.MustParseServerName("other.example")] {
		t.Errorf("federation sender poked with %v, want both destinations", th.sender.poked)
	}
}

func TestSendExcludesMalformedRecipients(t *testing.T) {
	th := newTestHandler(t, 10)

	err := th.handler.SendDeviceMessages(context.Background(), alice, aliceLaptop, "m.room.encrypted",
		map[string]map[string]map[string]any{
			"not-a-user-id": {"DEV": {"ciphertext": "aaa"}},
			bob.String():    {bobPhone.String(): {"ciphertext": "bbb"}},
		})
	if err != nil {
		t.Fatalf("SendDeviceMessages failed: %v", err)
	}

	if got := len(th.store.pendingFor(bob, bobPhone)); got != 1 {
		t.Errorf("valid recipient got %d messages, want 1", got)
	}
}

func TestSendRateLimitsCrossUserKeyRequests(t *testing.T) {
	th := newTestHandler(t, 1)

	send := func(recipient ref.UserID) error {
		return th.handler.SendDeviceMessages(context.Background(), alice, aliceLaptop, MessageTypeRoomKeyRequest,
			map[string]map[string]map[string]any{
				recipient.String(): {bobPhone.String(): {
					"action":               "request",
					"request_id":           "r1",
					"requesting_device_id": aliceLaptop.String(),
				}},
			})
	}

	if err := send(bob); err != nil {
		t.Fatalf("first send failed: %v", err)
	}
	if err := send(bob); err != nil {
		t.Fatalf("rate-limited send returned error: %v", err)
	}
	if got := len(th.store.pendingFor(bob, bobPhone)); got != 1 {
		t.Errorf("got %d delivered key requests, want 1 (second dropped)", got)
	}

	// Requests to the sender's own devices are never limited.
	for i := 0; i < 3; i++ {
		err := th.handler.SendDeviceMessages(context.Background(), alice, aliceLaptop, MessageTypeRoomKeyRequest,
			map[string]map[string]map[string]any{
				alice.String(): {alicePhone.String(): {
					"action":               "request",
					"request_id":           "self",
					"requesting_device_id": aliceLaptop.String(),
				}},
			})
		if err != nil {
			t.Fatalf("self key request %d failed: %v", i, err)
		}
	}
	if got := len(th.store.pendingFor(alice, alicePhone)); got != 1 {
		// Identical requests dedup down to one pending copy.
		t.Errorf("got %d pending self requests, want 1", got)
	}
}

func TestSendKeyRequestDedup(t *testing.T) {
	th := newTestHandler(t, 10)

	request := map[string]map[string]map[string]any{
		alice.String(): {alicePhone.String(): {
			"action":               "request",
			"request_id":           "r42",
			"requesting_device_id": aliceLaptop.String(),
		}},
	}

	if err := th.handler.SendDeviceMessages(context.Background(), alice, aliceLaptop, MessageTypeRoomKeyRequest, request); err != nil {
		t.Fatalf("first request failed: %v", err)
	}
	if err := th.handler.SendDeviceMessages(context.Background(), alice, aliceLaptop, MessageTypeRoomKeyRequest, request); err != nil {
		t.Fatalf("duplicate request failed: %v", err)
	}

	pending := th.store.pendingFor(alice, alicePhone)
	if len(pending) != 1 {
		t.Fatalf("got %d pending requests after duplicate, want 1", len(pending))
	}
}

func TestSendKeyRequestCancellationSuppressesPair(t *testing.T) {
	th := newTestHandler(t, 10)

	content := func(action string) map[string]map[string]map[string]any {
		return map[string]map[string]map[string]any{
			alice.String(): {alicePhone.String(): {
				"action":               action,
				"request_id":           "r42",
				"requesting_device_id": aliceLaptop.String(),
			}},
		}
	}

	if err := th.handler.SendDeviceMessages(context.Background(), alice, aliceLaptop, MessageTypeRoomKeyRequest, content("request")); err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if err := th.handler.SendDeviceMessages(context.Background(), alice, aliceLaptop, MessageTypeRoomKeyRequest, content(ActionRequestCancellation)); err != nil {
		t.Fatalf("cancellation failed: %v", err)
	}

	if pending := th.store.pendingFor(alice, alicePhone); len(pending) != 0 {
		t.Errorf("got %d pending messages after cancellation, want 0: %+v", len(pending), pending)
	}
}

func TestSendCancellationOfDeliveredRequestIsKept(t *testing.T) {
	th := newTestHandler(t, 10)

	// Nothing pending: the original request was already delivered, so
	// the cancellation must go through for the device to see it.
	err := th.handler.SendDeviceMessages(context.Background(), alice, aliceLaptop, MessageTypeRoomKeyRequest,
		map[string]map[string]map[string]any{
			alice.String(): {alicePhone.String(): {
				"action":               ActionRequestCancellation,
				"request_id":           "r42",
				"requesting_device_id": aliceLaptop.String(),
			}},
		})
	if err != nil {
		t.Fatalf("cancellation failed: %v", err)
	}

	pending := th.store.pendingFor(alice, alicePhone)
	if len(pending) != 1 {
		t.Fatalf("got %d pending messages, want the cancellation", len(pending))
	}
	if action, _ := pending[0].Message.Content["action"].(string); action != ActionRequestCancellation {
		t.Errorf("pending action %q", action)
	}
}

func TestSendRejectsOverlyNestedContent(t *testing.T) {
	th := newTestHandler(t, 10)

	content := map[string]any{"leaf": "v"}
	for i := 0; i < maxContentDepth+2; i++ {
		content = map[string]any{"nested": content}
	}

	err := th.handler.SendDeviceMessages(context.Background(), alice, aliceLaptop, "m.room.encrypted",
		map[string]map[string]map[string]any{
			bob.String(): {bobPhone.String(): content},
		})
	if err != nil {
		t.Fatalf("SendDeviceMessages failed: %v", err)
	}
	if pending := th.store.pendingFor(bob, bobPhone); len(pending) != 0 {
		t.Errorf("overly nested content was delivered")
	}
}

func TestSendStoreFailurePropagates(t *testing.T) {
	th := newTestHandler(t, 10)
	th.store.appendErr = errors.New("disk full")

	err := th.handler.SendDeviceMessages(context.Background(), alice, aliceLaptop, "m.room.encrypted",
		map[string]map[string]map[string]any{
			bob.String(): {bobPhone.String(): {"ciphertext": "aaa"}},
		})
	if err == nil {
		t.Fatal("store failure did not propagate")
	}
	var clientErr *Error
	if errors.As(err, &clientErr) {
		t.Errorf("store failure surfaced as client error %v", clientErr)
	}
	if len(th.notifier.all()) != 0 {
		t.Errorf("notifier woken despite failed append")
	}
}
