package channel

import (
	"bytes"
	"context"
	"testing"
	"time"

	"avaneesh/ddcmp-go/pkg/ddcmp"
)

// TestTCPChannelLoopback tests framing and carrier over a local TCP connection
func TestTCPChannelLoopback(t *testing.T) {
	server, err := NewTCPChannel(TCPChannelConfig{Address: "127.0.0.1:0", IsServer: true})
	if err != nil {
		t.Fatalf("NewTCPChannel(server) error = %v", err)
	}
	defer server.Close()

	serverCarrier := newRecordingListener()
	server.SetConnectionStateListener(serverCarrier)

	client, err := NewTCPChannel(TCPChannelConfig{Address: server.LocalAddr().String()})
	if err != nil {
		t.Fatalf("NewTCPChannel(client) error = %v", err)
	}

	clientCarrier := newRecordingListener()
	client.SetConnectionStateListener(clientCarrier)
	clientCarrier.expect(t, true)
	serverCarrier.expect(t, true)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	frames := [][]byte{
		ddcmp.BuildStart(ddcmp.FlagSelect | ddcmp.FlagQSync),
		mustData(t, bytes.Repeat([]byte("tcp"), 500), 1),
		ddcmp.BuildAck(1, 0),
	}
	for _, f := range frames {
		if err := client.Write(ctx, f); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
	}
	for i, want := range frames {
		got, err := server.Read(ctx)
		if err != nil {
			t.Fatalf("frame %d: Read() error = %v", i, err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("frame %d = % X, want % X", i, got, want)
		}
	}

	reply := ddcmp.BuildStartAck(ddcmp.FlagSelect | ddcmp.FlagQSync)
	if err := server.Write(ctx, reply); err != nil {
		t.Fatalf("server Write() error = %v", err)
	}
	got, err := client.Read(ctx)
	if err != nil || !bytes.Equal(got, reply) {
		t.Fatalf("client Read() = % X, %v", got, err)
	}

	client.Close()

	// The server notices the loss on its next read
	readCtx, readCancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer readCancel()
	if _, err := server.Read(readCtx); err == nil {
		t.Error("server Read() after client close succeeded")
	}
	serverCarrier.expect(t, false)

	stats := server.Statistics()
	if stats.Connects != 1 || stats.Disconnects != 1 {
		t.Errorf("server connects/disconnects = %d/%d, want 1/1", stats.Connects, stats.Disconnects)
	}
}

// TestTCPChannelConfig tests constructor validation
func TestTCPChannelConfig(t *testing.T) {
	if _, err := NewTCPChannel(TCPChannelConfig{}); err == nil {
		t.Error("NewTCPChannel() without address succeeded")
	}
}

// TestUDPChannelLoopback tests one frame per datagram and peer learning
func TestUDPChannelLoopback(t *testing.T) {
	server, err := NewUDPChannel(UDPChannelConfig{Address: "127.0.0.1:0", IsServer: true})
	if err != nil {
		t.Fatalf("NewUDPChannel(server) error = %v", err)
	}
	defer server.Close()

	client, err := NewUDPChannel(UDPChannelConfig{Address: server.LocalAddr().String()})
	if err != nil {
		t.Fatalf("NewUDPChannel(client) error = %v", err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Write(ctx, ddcmp.BuildAck(0, 0)); err == nil {
		t.Error("server Write() before any peer succeeded")
	}

	serverCarrier := newRecordingListener()
	server.SetConnectionStateListener(serverCarrier)

	if err := client.Write(ctx, []byte{0x01, 0x02}); err != nil {
		t.Fatalf("client Write(noise) error = %v", err)
	}
	data := mustData(t, []byte("datagram"), 1)
	if err := client.Write(ctx, data); err != nil {
		t.Fatalf("client Write() error = %v", err)
	}

	got, err := server.Read(ctx)
	if err != nil || !bytes.Equal(got, data) {
		t.Fatalf("server Read() = % X, %v", got, err)
	}
	serverCarrier.expect(t, true)
	if server.Statistics().SkippedBytes != 2 {
		t.Errorf("SkippedBytes = %d, want 2", server.Statistics().SkippedBytes)
	}

	ack := ddcmp.BuildAck(1, 0)
	if err := server.Write(ctx, ack); err != nil {
		t.Fatalf("server Write() error = %v", err)
	}
	got, err = client.Read(ctx)
	if err != nil || !bytes.Equal(got, ack) {
		t.Fatalf("client Read() = % X, %v", got, err)
	}
}
