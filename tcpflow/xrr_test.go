package tcpflow

import (
	"bytes"
	"testing"
)

func TestParseInlineXRR(t *testing.T) {
	data := []byte("X-rr;client0001;06030;1.2.3.4.5000-5.6.7.8.80;X-rrpayload-bytes")

	realID, code, flowKey, rest, ok := parseInlineXRR(data)
	if !ok {
		t.Fatal("expected the inline header to parse")
	}
	if realID != "client0001" || code != "06030" || flowKey != "1.2.3.4.5000-5.6.7.8.80" {
		t.Fatalf("parsed %q %q %q", realID, code, flowKey)
	}
	if !bytes.Equal(rest, []byte("payload-bytes")) {
		t.Fatalf("rest = %q, want the header stripped", rest)
	}
}

func TestParseInlineXRRRejectsMalformed(t *testing.T) {
	for _, data := range [][]byte{
		[]byte("GET / HTTP/1.1\r\n\r\n"),
		[]byte("X-rr;only;two;X-r"),
		[]byte("X-rr;a;b;c;d;X-rr"),
	} {
		if _, _, _, _, ok := parseInlineXRR(data); ok {
			t.Fatalf("expected %q to be rejected", data)
		}
	}
}

func TestExtractHeaderXRR(t *testing.T) {
	req := []byte("GET /video HTTP/1.1\r\nHost: example.com\r\nX-rr: client0001;06030;1.2.3.4.5000-5.6.7.8.80\r\n\r\n")

	realID, code, flowKey, ok := extractHeaderXRR(req)
	if !ok {
		t.Fatal("expected the X-rr header to be found")
	}
	if realID != "client0001" || code != "06030" || flowKey != "1.2.3.4.5000-5.6.7.8.80" {
		t.Fatalf("parsed %q %q %q", realID, code, flowKey)
	}
}

func TestExtractHeaderXRRMissing(t *testing.T) {
	req := []byte("GET /video HTTP/1.1\r\nHost: example.com\r\n\r\n")
	if _, _, _, ok := extractHeaderXRR(req); ok {
		t.Fatal("expected no X-rr header")
	}
}

func TestIsProbe(t *testing.T) {
	if !isProbe([]byte("GET /WHATSMYIPMAN HTTP/1.1\r\n\r\n")) {
		t.Fatal("expected the GET probe form to match")
	}
	if !isProbe([]byte("WHATSMYIPMAN?")) {
		t.Fatal("expected the raw probe form to match")
	}
	if isProbe([]byte("GET /video HTTP/1.1\r\n\r\n")) {
		t.Fatal("an ordinary GET is not a probe")
	}
}
