package session

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/openperimeter/sdpc/internal/credentials"
	"github.com/openperimeter/sdpc/internal/directory"
	"github.com/openperimeter/sdpc/internal/registry"
	"github.com/openperimeter/sdpc/internal/wire"
)

type fakeStore struct {
	mu sync.Mutex

	members map[uint32]*directory.Member

	memberErr  error
	updateErr  error
	accessRows []directory.AccessRow
	accessErr  error
	svcRows    []directory.ServiceRow
	svcErr     error
	flowErr    error

	updatedKeys []string
	openFlows   []wire.FlowRecord
	closedFlows []wire.FlowRecord
	flowsClosed int
}

func (f *fakeStore) MemberBySDPID(ctx context.Context, sdpID uint32) (*directory.Member, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.memberErr != nil {
		return nil, f.memberErr
	}
	m, ok := f.members[sdpID]
	if !ok {
		return nil, directory.ErrMemberNotFound
	}
	cp := *m
	return &cp, nil
}

func (f *fakeStore) UpdateMemberKeys(ctx context.Context, sdpID uint32, encryptKey, hmacKey string, updated, due time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return f.updateErr
	}
	f.updatedKeys = append(f.updatedKeys, encryptKey, hmacKey)
	return nil
}

func (f *fakeStore) AccessRowsForGateways(ctx context.Context, gatewayIDs []uint32, clientSDPID *uint32, legacyDetail bool) ([]directory.AccessRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.accessErr != nil {
		return nil, f.accessErr
	}
	return f.accessRows, nil
}

func (f *fakeStore) ServiceRowsForGateway(ctx context.Context, gatewaySDPID uint32) ([]directory.ServiceRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.svcErr != nil {
		return nil, f.svcErr
	}
	return f.svcRows, nil
}

func (f *fakeStore) InsertOpenFlow(ctx context.Context, connID uint64, gatewaySDPID uint32, rec *wire.FlowRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.flowErr != nil {
		return f.flowErr
	}
	f.openFlows = append(f.openFlows, *rec)
	return nil
}

func (f *fakeStore) InsertClosedFlow(ctx context.Context, connID uint64, gatewaySDPID uint32, rec *wire.FlowRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.flowErr != nil {
		return f.flowErr
	}
	f.closedFlows = append(f.closedFlows, *rec)
	return nil
}

func (f *fakeStore) CloseFlowsForConn(ctx context.Context, connID uint64, endTimestamp int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flowsClosed++
	return len(f.openFlows), nil
}

type fakeRotator struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (f *fakeRotator) Rotate(ctx context.Context, subject credentials.Subject) (*credentials.Credentials, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	now := time.Now()
	return &credentials.Credentials{
		EncryptionKeyBase64: "new-enc",
		HMACKeyBase64:       "new-hmac",
		TLSCert:             "CERT",
		TLSKey:              "KEY",
		Updated:             now,
		Expires:             now.AddDate(0, 0, 31),
	}, nil
}

type fakeFanout struct {
	mu       sync.Mutex
	notified []uint32
}

func (f *fakeFanout) AccessUpdateForClient(ctx context.Context, clientSDPID uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notified = append(f.notified, clientSDPID)
	return nil
}

func (f *fakeFanout) clientsNotified() []uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint32(nil), f.notified...)
}

func testConfig() Config {
	return Config{
		KeepClientsConnected:    true,
		MaxDataTransmitTries:    3,
		MaxCredentialMakerTries: 3,
		MaxBadMessages:          3,
		DatabaseRetryInterval:   time.Millisecond,
		DatabaseMaxRetries:      2,
	}
}

func member(sdpID uint32, role string, due time.Time) *directory.Member {
	return &directory.Member{
		SDPID:          sdpID,
		Role:           role,
		Valid:          true,
		EncryptKey:     "old-enc",
		HMACKey:        "old-hmac",
		LastCredUpdate: time.Now().Add(-24 * time.Hour),
		CredUpdateDue:  due,
	}
}

// peer is the member end of an in-memory connection.
type peer struct {
	conn   net.Conn
	framer *wire.Framer
	writer *wire.MessageWriter
}

func (p *peer) read(t *testing.T) *wire.Message {
	t.Helper()
	_ = p.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	msg, _, err := p.framer.ReadMessage()
	if err != nil {
		t.Fatalf("peer read failed: %v", err)
	}
	return msg
}

func (p *peer) send(t *testing.T, action string, data any) {
	t.Helper()
	msg, err := wire.NewMessage(action, data)
	if err != nil {
		t.Fatalf("build %s: %v", action, err)
	}
	if err := p.writer.WriteMessage(msg); err != nil {
		t.Fatalf("peer write failed: %v", err)
	}
}

func (p *peer) sendRaw(t *testing.T, payload []byte) {
	t.Helper()
	buf := make([]byte, 4+len(payload))
	buf[0] = byte(len(payload) >> 24)
	buf[1] = byte(len(payload) >> 16)
	buf[2] = byte(len(payload) >> 8)
	buf[3] = byte(len(payload))
	copy(buf[4:], payload)
	if _, err := p.conn.Write(buf); err != nil {
		t.Fatalf("peer raw write failed: %v", err)
	}
}

func (p *peer) expectClosed(t *testing.T) {
	t.Helper()
	_ = p.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := p.framer.ReadMessage(); err == nil {
		t.Fatal("expected connection to be closed")
	}
}

type fixture struct {
	store   *fakeStore
	rotator *fakeRotator
	fanout  *fakeFanout
	reg     *registry.Registry
	peer    *peer
	done    chan struct{}
}

// startSession runs a Session over net.Pipe and returns the peer end.
func startSession(t *testing.T, cn string, cfg Config, store *fakeStore) *fixture {
	t.Helper()
	serverEnd, memberEnd := net.Pipe()

	f := &fixture{
		store:   store,
		rotator: &fakeRotator{},
		fanout:  &fakeFanout{},
		reg:     registry.New(),
		peer: &peer{
			conn:   memberEnd,
			framer: wire.NewFramer(memberEnd),
			writer: wire.NewMessageWriter(memberEnd),
		},
		done: make(chan struct{}),
	}

	sess := New(1, serverEnd, cn, cfg, store, f.rotator, f.fanout, f.reg, zap.NewNop())
	go func() {
		sess.Run(context.Background())
		close(f.done)
	}()

	t.Cleanup(func() {
		memberEnd.Close()
		select {
		case <-f.done:
		case <-time.After(5 * time.Second):
			t.Error("session did not shut down")
		}
	})
	return f
}

func (f *fixture) waitDone(t *testing.T) {
	t.Helper()
	select {
	case <-f.done:
	case <-time.After(5 * time.Second):
		t.Fatal("session still running")
	}
}

func TestIdentifyNonNumericCN(t *testing.T) {
	f := startSession(t, "not-a-number", testConfig(), &fakeStore{})

	msg := f.peer.read(t)
	if msg.Action != wire.ActionUnknownSDPID {
		t.Errorf("action = %q, want %q", msg.Action, wire.ActionUnknownSDPID)
	}
	f.waitDone(t)
}

func TestIdentifyUnknownMember(t *testing.T) {
	f := startSession(t, "42", testConfig(), &fakeStore{members: map[uint32]*directory.Member{}})

	msg := f.peer.read(t)
	if msg.Action != wire.ActionUnknownSDPID {
		t.Errorf("action = %q, want %q", msg.Action, wire.ActionUnknownSDPID)
	}
	f.waitDone(t)
}

func TestIdentifyUnauthorizedMember(t *testing.T) {
	m := member(42, directory.RoleClient, time.Now().Add(time.Hour))
	m.Valid = false
	f := startSession(t, "42", testConfig(), &fakeStore{members: map[uint32]*directory.Member{42: m}})

	msg := f.peer.read(t)
	if msg.Action != wire.ActionSDPIDUnauthorized {
		t.Errorf("action = %q, want %q", msg.Action, wire.ActionSDPIDUnauthorized)
	}
	f.waitDone(t)
}

func TestIdentifyDirectoryError(t *testing.T) {
	f := startSession(t, "42", testConfig(), &fakeStore{memberErr: errors.New("db down")})

	msg := f.peer.read(t)
	if msg.Action != wire.ActionDatabaseError {
		t.Errorf("action = %q, want %q", msg.Action, wire.ActionDatabaseError)
	}
	f.waitDone(t)
}

func TestIdentifyCredentialsGoodWhenNotDue(t *testing.T) {
	m := member(42, directory.RoleClient, time.Now().Add(time.Hour))
	f := startSession(t, "42", testConfig(), &fakeStore{members: map[uint32]*directory.Member{42: m}})

	msg := f.peer.read(t)
	if msg.Action != wire.ActionCredentialsGood {
		t.Fatalf("action = %q, want %q", msg.Action, wire.ActionCredentialsGood)
	}

	if _, ok := f.reg.Find(registry.RoleClient, 42); !ok {
		t.Error("identified client not registered")
	}
}

func TestKeepAliveEcho(t *testing.T) {
	m := member(42, directory.RoleClient, time.Now().Add(time.Hour))
	f := startSession(t, "42", testConfig(), &fakeStore{members: map[uint32]*directory.Member{42: m}})
	f.peer.read(t) // credentials_good

	f.peer.send(t, wire.ActionKeepAlive, nil)
	msg := f.peer.read(t)
	if msg.Action != wire.ActionKeepAlive {
		t.Errorf("action = %q, want keep_alive", msg.Action)
	}
}

func TestKeepAliveManyMessagesKnob(t *testing.T) {
	cfg := testConfig()
	cfg.TestManyMessages = 3
	m := member(42, directory.RoleClient, time.Now().Add(time.Hour))
	f := startSession(t, "42", cfg, &fakeStore{members: map[uint32]*directory.Member{42: m}})
	f.peer.read(t) // credentials_good

	f.peer.send(t, wire.ActionKeepAlive, nil)
	for i := 0; i < 4; i++ {
		msg := f.peer.read(t)
		if msg.Action != wire.ActionKeepAlive {
			t.Fatalf("reply %d: action = %q, want keep_alive", i, msg.Action)
		}
	}
}

func TestRotationDueOnConnect(t *testing.T) {
	m := member(42, directory.RoleClient, time.Now().Add(-time.Hour))
	store := &fakeStore{members: map[uint32]*directory.Member{42: m}}
	f := startSession(t, "42", testConfig(), store)

	msg := f.peer.read(t)
	if msg.Action != wire.ActionCredentialUpdate {
		t.Fatalf("action = %q, want %q", msg.Action, wire.ActionCredentialUpdate)
	}

	var data wire.CredentialData
	if err := msg.Unmarshal(&data); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if data.SPAEncryptionKeyBase64 != "new-enc" || data.SPAHMACKeyBase64 != "new-hmac" {
		t.Errorf("keys = %+v", data)
	}
	if data.TLSCert != "CERT" || data.TLSKey != "KEY" {
		t.Errorf("cert material = %+v", data)
	}

	f.peer.send(t, wire.ActionCredentialUpdateAck, nil)

	// The client stays connected and the keys are persisted; a follow-up
	// keep_alive proves the session is back in its idle state.
	f.peer.send(t, wire.ActionKeepAlive, nil)
	if got := f.peer.read(t); got.Action != wire.ActionKeepAlive {
		t.Fatalf("after ack: action = %q", got.Action)
	}

	store.mu.Lock()
	updated := append([]string(nil), store.updatedKeys...)
	store.mu.Unlock()
	if len(updated) != 2 || updated[0] != "new-enc" || updated[1] != "new-hmac" {
		t.Errorf("persisted keys = %v", updated)
	}

	if got := f.fanout.clientsNotified(); len(got) != 1 || got[0] != 42 {
		t.Errorf("gateways notified for clients %v, want [42]", got)
	}
}

func TestRotationDisconnectsClientWhenConfigured(t *testing.T) {
	cfg := testConfig()
	cfg.KeepClientsConnected = false
	m := member(42, directory.RoleClient, time.Now().Add(-time.Hour))
	f := startSession(t, "42", cfg, &fakeStore{members: map[uint32]*directory.Member{42: m}})

	if msg := f.peer.read(t); msg.Action != wire.ActionCredentialUpdate {
		t.Fatalf("action = %q", msg.Action)
	}
	f.peer.send(t, wire.ActionCredentialUpdateAck, nil)

	f.peer.expectClosed(t)
	f.waitDone(t)
}

func TestRotationGenerateFailureBelowCeiling(t *testing.T) {
	m := member(42, directory.RoleClient, time.Now().Add(time.Hour))
	f := startSession(t, "42", testConfig(), &fakeStore{members: map[uint32]*directory.Member{42: m}})
	f.peer.read(t) // credentials_good

	f.rotator.mu.Lock()
	f.rotator.err = errors.New("signer offline")
	f.rotator.mu.Unlock()

	f.peer.send(t, wire.ActionCredentialUpdateRequest, nil)
	msg := f.peer.read(t)
	if msg.Action != wire.ActionCredentialUpdateError {
		t.Fatalf("action = %q, want %q", msg.Action, wire.ActionCredentialUpdateError)
	}

	// The session stays up; the peer may re-request.
	f.peer.send(t, wire.ActionKeepAlive, nil)
	if got := f.peer.read(t); got.Action != wire.ActionKeepAlive {
		t.Errorf("action = %q", got.Action)
	}
}

func TestRotationGenerateFailureAtCeilingDisconnects(t *testing.T) {
	cfg := testConfig()
	cfg.MaxCredentialMakerTries = 2
	m := member(42, directory.RoleClient, time.Now().Add(time.Hour))
	f := startSession(t, "42", cfg, &fakeStore{members: map[uint32]*directory.Member{42: m}})
	f.peer.read(t) // credentials_good

	f.rotator.mu.Lock()
	f.rotator.err = errors.New("signer offline")
	f.rotator.mu.Unlock()

	f.peer.send(t, wire.ActionCredentialUpdateRequest, nil)
	if msg := f.peer.read(t); msg.Action != wire.ActionCredentialUpdateError {
		t.Fatalf("first failure: action = %q", msg.Action)
	}

	f.peer.send(t, wire.ActionCredentialUpdateRequest, nil)
	if msg := f.peer.read(t); msg.Action != wire.ActionCredentialUpdateError {
		t.Fatalf("second failure: action = %q", msg.Action)
	}

	f.peer.expectClosed(t)
	f.waitDone(t)
}

func TestDuplicateConnectionEvicted(t *testing.T) {
	m := member(42, directory.RoleClient, time.Now().Add(time.Hour))
	store := &fakeStore{members: map[uint32]*directory.Member{42: m}}

	first := startSession(t, "42", testConfig(), store)
	first.peer.read(t) // credentials_good

	serverEnd, memberEnd := net.Pipe()
	secondPeer := &peer{
		conn:   memberEnd,
		framer: wire.NewFramer(memberEnd),
		writer: wire.NewMessageWriter(memberEnd),
	}
	sess := New(2, serverEnd, "42", testConfig(), store, first.rotator, first.fanout, first.reg, zap.NewNop())
	done := make(chan struct{})
	go func() {
		sess.Run(context.Background())
		close(done)
	}()
	t.Cleanup(func() { memberEnd.Close(); <-done })

	// The first connection is told it was superseded and closed. Pipe
	// writes rendezvous, so this read must come before the second
	// connection's greeting is consumed.
	if msg := first.peer.read(t); msg.Action != wire.ActionDuplicateConnection {
		t.Fatalf("first connection: action = %q, want %q", msg.Action, wire.ActionDuplicateConnection)
	}

	if msg := secondPeer.read(t); msg.Action != wire.ActionCredentialsGood {
		t.Fatalf("second connection: action = %q", msg.Action)
	}
	first.peer.expectClosed(t)
	first.waitDone(t)

	if _, ok := first.reg.Find(registry.RoleClient, 42); !ok {
		t.Error("replacement connection missing from registry")
	}
}

func TestBadMessageEchoAndCeiling(t *testing.T) {
	m := member(42, directory.RoleClient, time.Now().Add(time.Hour))
	f := startSession(t, "42", testConfig(), &fakeStore{members: map[uint32]*directory.Member{42: m}})
	f.peer.read(t) // credentials_good

	// Two bad messages below the ceiling of three are echoed back.
	for i := 0; i < 2; i++ {
		f.peer.sendRaw(t, []byte("garbage"))
		msg := f.peer.read(t)
		if msg.Action != wire.ActionBadMessage {
			t.Fatalf("bad message %d: action = %q", i, msg.Action)
		}
		var echoed string
		if err := msg.Unmarshal(&echoed); err != nil {
			t.Fatalf("decode echo: %v", err)
		}
		if echoed != "garbage" {
			t.Errorf("echo = %q, want garbage", echoed)
		}
	}

	// The third reaches the ceiling: no reply, connection closed.
	f.peer.sendRaw(t, []byte("garbage"))
	f.peer.expectClosed(t)
	f.waitDone(t)
}

func TestBadMessageCounterResetsOnCompletedExchange(t *testing.T) {
	m := member(42, directory.RoleGateway, time.Now().Add(time.Hour))
	f := startSession(t, "42", testConfig(), &fakeStore{members: map[uint32]*directory.Member{42: m}})
	f.peer.read(t) // credentials_good

	for i := 0; i < 2; i++ {
		f.peer.sendRaw(t, []byte("junk"))
		if msg := f.peer.read(t); msg.Action != wire.ActionBadMessage {
			t.Fatalf("action = %q", msg.Action)
		}
	}

	// A completed refresh exchange clears the counter, so two more bad
	// messages are tolerated again.
	f.peer.send(t, wire.ActionAccessRefreshRequest, nil)
	if msg := f.peer.read(t); msg.Action != wire.ActionAccessRefresh {
		t.Fatalf("action = %q", msg.Action)
	}
	f.peer.send(t, wire.ActionAccessAck, nil)

	f.peer.send(t, wire.ActionKeepAlive, nil)
	if msg := f.peer.read(t); msg.Action != wire.ActionKeepAlive {
		t.Fatalf("action = %q", msg.Action)
	}

	f.peer.sendRaw(t, []byte("junk"))
	if msg := f.peer.read(t); msg.Action != wire.ActionBadMessage {
		t.Errorf("counter did not reset: action = %q", msg.Action)
	}
}

func TestUnknownActionCountsAsBadMessage(t *testing.T) {
	m := member(42, directory.RoleClient, time.Now().Add(time.Hour))
	f := startSession(t, "42", testConfig(), &fakeStore{members: map[uint32]*directory.Member{42: m}})
	f.peer.read(t) // credentials_good

	f.peer.send(t, "no_such_action", nil)
	msg := f.peer.read(t)
	if msg.Action != wire.ActionBadMessage {
		t.Errorf("action = %q, want %q", msg.Action, wire.ActionBadMessage)
	}
}
