package session

import (
	"testing"
	"time"

	"github.com/openperimeter/sdpc/internal/directory"
	"github.com/openperimeter/sdpc/internal/wire"
)

func flowRecord(start, end int64) wire.FlowRecord {
	return wire.FlowRecord{
		SDPID:           100,
		ServiceID:       1,
		Protocol:        "tcp",
		SourceIP:        "192.0.2.10",
		SourcePort:      40000,
		DestinationIP:   "198.51.100.5",
		DestinationPort: 22,
		StartTimestamp:  start,
		EndTimestamp:    end,
	}
}

func TestConnectionUpdatePersistsBatch(t *testing.T) {
	m := member(10, directory.RoleGateway, time.Now().Add(time.Hour))
	store := &fakeStore{members: map[uint32]*directory.Member{10: m}}
	f := startSession(t, "10", testConfig(), store)
	f.peer.read(t) // credentials_good

	invalid := flowRecord(1000, 0)
	invalid.Protocol = ""

	f.peer.send(t, wire.ActionConnectionUpdate, []wire.FlowRecord{
		flowRecord(1000, 0),    // open
		flowRecord(1000, 2000), // closed
		invalid,                // dropped
	})

	// A keep_alive round trip confirms the batch has been processed.
	f.peer.send(t, wire.ActionKeepAlive, nil)
	if msg := f.peer.read(t); msg.Action != wire.ActionKeepAlive {
		t.Fatalf("action = %q", msg.Action)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.openFlows) != 1 {
		t.Errorf("open flows = %d, want 1", len(store.openFlows))
	}
	if len(store.closedFlows) != 1 {
		t.Errorf("closed flows = %d, want 1", len(store.closedFlows))
	}
}

func TestConnectionUpdateFromClientIsBadMessage(t *testing.T) {
	m := member(42, directory.RoleClient, time.Now().Add(time.Hour))
	store := &fakeStore{members: map[uint32]*directory.Member{42: m}}
	f := startSession(t, "42", testConfig(), store)
	f.peer.read(t) // credentials_good

	f.peer.send(t, wire.ActionConnectionUpdate, []wire.FlowRecord{flowRecord(1000, 0)})
	msg := f.peer.read(t)
	if msg.Action != wire.ActionBadMessage {
		t.Errorf("action = %q, want %q", msg.Action, wire.ActionBadMessage)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.openFlows) != 0 {
		t.Errorf("client flow records persisted: %d", len(store.openFlows))
	}
}

func TestValidateFlowRecord(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*wire.FlowRecord)
		wantOK bool
	}{
		{"valid open", func(r *wire.FlowRecord) {}, true},
		{"valid closed", func(r *wire.FlowRecord) { r.EndTimestamp = 2000 }, true},
		{"missing sdp id", func(r *wire.FlowRecord) { r.SDPID = 0 }, false},
		{"missing service", func(r *wire.FlowRecord) { r.ServiceID = 0 }, false},
		{"missing protocol", func(r *wire.FlowRecord) { r.Protocol = "" }, false},
		{"missing source ip", func(r *wire.FlowRecord) { r.SourceIP = "" }, false},
		{"missing dest port", func(r *wire.FlowRecord) { r.DestinationPort = 0 }, false},
		{"missing start", func(r *wire.FlowRecord) { r.StartTimestamp = 0 }, false},
		{"end before start", func(r *wire.FlowRecord) { r.EndTimestamp = 500 }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := flowRecord(1000, 0)
			tt.mutate(&rec)
			reason := validateFlowRecord(&rec)
			if (reason == "") != tt.wantOK {
				t.Errorf("validateFlowRecord = %q, wantOK %v", reason, tt.wantOK)
			}
		})
	}
}

func TestGatewayDisconnectReconcilesFlows(t *testing.T) {
	m := member(10, directory.RoleGateway, time.Now().Add(time.Hour))
	store := &fakeStore{members: map[uint32]*directory.Member{10: m}}
	f := startSession(t, "10", testConfig(), store)
	f.peer.read(t) // credentials_good

	f.peer.conn.Close()
	f.waitDone(t)

	store.mu.Lock()
	defer store.mu.Unlock()
	if store.flowsClosed != 1 {
		t.Errorf("CloseFlowsForConn called %d times, want 1", store.flowsClosed)
	}
}
