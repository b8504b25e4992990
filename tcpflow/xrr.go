package tcpflow

import (
	"bytes"
	"strings"
)

// parseInlineXRR recognizes the raw, non-HTTP inline identification
// header a reconnecting client prepends to its first packet when its
// data-plane source IP no longer matches the side channel's:
// "X-rr;<realID>;<replayCode>;<flowKey>;X-rr". rest is data with the
// header bytes stripped, so length accounting against the script's
// declared request length stays correct.
func parseInlineXRR(data []byte) (realID, replayCode, flowKey string, rest []byte, ok bool) {
	const prefix = "X-rr;"
	const suffix = ";X-rr"
	if !bytes.HasPrefix(data, []byte(prefix)) {
		return "", "", "", nil, false
	}
	s := string(data)
	tail := s[len(prefix):]
	end := strings.Index(tail, suffix)
	if end < 0 {
		return "", "", "", nil, false
	}
	header := tail[:end]
	fields := strings.Split(header, ";")
	if len(fields) != 3 {
		return "", "", "", nil, false
	}
	headerLen := len(prefix) + end + len(suffix)
	return fields[0], fields[1], fields[2], data[headerLen:], true
}

// extractHeaderXRR extracts the X-rr header's value from an HTTP
// request's header block: "<realID>;<replayCode>;<flowKey>". Used for
// the unknown-client branch, where the identity only shows up as a
// normal HTTP header rather than a raw inline prefix.
func extractHeaderXRR(data []byte) (realID, replayCode, flowKey string, ok bool) {
	lines := bytes.Split(data, []byte("\n"))
	for _, line := range lines {
		line = bytes.TrimRight(line, "\r")
		s := string(line)
		idx := strings.Index(s, ":")
		if idx <= 0 {
			continue
		}
		name := strings.TrimSpace(s[:idx])
		if !strings.EqualFold(name, "X-rr") {
			continue
		}
		value := strings.TrimSpace(s[idx+1:])
		fields := strings.Split(value, ";")
		if len(fields) != 3 {
			return "", "", "", false
		}
		return fields[0], fields[1], fields[2], true
	}
	return "", "", "", false
}
