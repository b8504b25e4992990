package wire_test

import (
	"context"
	"net"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/netmeasure/replaycore/internal/wire"
)

func TestSendReceiveRoundTrip(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	cc := wire.NewConn(client)
	sc := wire.NewConn(server)

	want := "realID0001;1;youtube-360p;extra;0;true;1.2.3.4;3.0"

	errc := make(chan error, 1)
	go func() {
		errc <- cc.SendString(context.Background(), want)
	}()

	got, err := sc.ReceiveString(context.Background())
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if err := <-errc; err != nil {
		t.Fatalf("Send: %v", err)
	}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("frame mismatch (-want +got):\n%s", diff)
	}
}

func TestReceiveMalformedLength(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	sc := wire.NewConn(server)

	go func() {
		client.Write([]byte("notanumber"))
	}()

	if _, err := sc.Receive(context.Background()); err == nil {
		t.Fatal("expected an error decoding a malformed length prefix, got nil")
	}
}

func TestSendFrameTooLarge(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	cc := wire.NewConn(client)

	err := cc.Send(context.Background(), make([]byte, wire.MaxFrameLength+1))
	if err == nil {
		t.Fatal("expected an error for an oversized frame, got nil")
	}
}
