// Package tcpflow implements the data-plane TCP side of a replay: one
// listener per original (or merged) server port, replaying the
// scripted request/response exchange recorded for the flow a
// connecting client is identified as belonging to.
package tcpflow

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/netmeasure/replaycore/mutate"
	"github.com/netmeasure/replaycore/replaycode"
	"github.com/netmeasure/replaycore/sidechannel"
	"github.com/netmeasure/replaycore/trace"
)

const (
	// maxPeekBytes is the most a single identification read will
	// consume, matching the original's recv(4096).
	maxPeekBytes = 4096

	// extraGETWait is the short extra read GET requests get,
	// tolerating a middlebox that grew or shrank the header block.
	extraGETWait = 10 * time.Millisecond

	// defaultFlowCeiling is the greenlet-cleaner's hard ceiling on one
	// scripted exchange, independent of the session's own lifetime.
	defaultFlowCeiling = 5 * time.Minute

	probePath = "/WHATSMYIPMAN"
)

// Server runs the TCP data plane for every replay a Store can load:
// it accepts connections, identifies which client/flow each belongs
// to, and drives the scripted exchange.
type Server struct {
	Registry *sidechannel.Registry
	Store    *trace.Store
	Log      *logrus.Entry

	// FlowCeiling bounds one connection's scripted exchange; defaults
	// to defaultFlowCeiling.
	FlowCeiling time.Duration
}

func (s *Server) logger() *logrus.Entry {
	if s.Log == nil {
		return logrus.NewEntry(logrus.StandardLogger())
	}
	return s.Log
}

func (s *Server) flowCeiling() time.Duration {
	if s.FlowCeiling > 0 {
		return s.FlowCeiling
	}
	return defaultFlowCeiling
}

// ListenAndServe listens on addr with SO_REUSEADDR set (so a restart
// doesn't have to wait out TIME_WAIT on a busy replay port) and serves
// connections until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	lc := net.ListenConfig{Control: reuseAddrControl}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("tcpflow: listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// reuseAddrControl sets SO_REUSEADDR on the listening socket before
// bind, the net.ListenConfig.Control hook idiom for per-socket options
// stdlib's net package doesn't expose directly.
func reuseAddrControl(network, address string, c syscall.RawConn) error {
	var sockErr error
	if err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	}); err != nil {
		return err
	}
	return sockErr
}

// Serve accepts and handles connections from an already-constructed
// listener until ctx is cancelled or Accept fails.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		nc, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		if tcpConn, ok := nc.(*net.TCPConn); ok {
			tcpConn.SetNoDelay(true)
		}
		go s.handle(ctx, nc)
	}
}

func (s *Server) handle(ctx context.Context, nc net.Conn) {
	defer nc.Close()

	observedIP := remoteIP(nc.RemoteAddr())
	log := s.logger().WithField("remote", observedIP)

	br := bufio.NewReaderSize(nc, maxPeekBytes)
	data, err := readInitial(nc, br)
	if err != nil {
		log.WithError(err).Debug("tcpflow: reading initial request")
		return
	}

	if isProbe(data) {
		respondProbe(nc, observedIP)
		return
	}

	session, replay, flowKey, request, exception, ok := s.resolveFlow(observedIP, data)
	if !ok {
		log.Warn("tcpflow: unknown packet from unknown client")
		respondSuspicious(nc, observedIP)
		return
	}
	if exception != "" {
		session.AddException(exception)
	}
	s.Registry.Touch(session.ObservedIP)
	checkFingerprint(session, replay, flowKey, request, log)

	flowCtx, cancel := context.WithTimeout(session.Context(), s.flowCeiling())
	defer cancel()
	go func() {
		<-flowCtx.Done()
		nc.Close()
	}()

	if session.SessionID != "" {
		taskID := s.Registry.RegisterFlowTask(session.SessionID)
		defer s.Registry.UnregisterFlowTask(session.SessionID, taskID)
	}

	s.runScript(flowCtx, nc, br, session, replay, flowKey, request, log)
}

// resolveFlow identifies which session and flow a connection belongs
// to, trying the inline X-rr prefix, then the admitted-client table by
// source IP, then an X-rr header buried in a GET request. It returns
// ok = false when none apply, the "unknown packet from unknown client"
// case that must be refused.
func (s *Server) resolveFlow(observedIP string, data []byte) (session *sidechannel.ClientSession, replay *trace.Replay, flowKey trace.FlowKey, request []byte, exception string, ok bool) {
	if id, code, fk, rest, inlineOK := parseInlineXRR(data); inlineOK {
		session, replay, flowKey, ok = s.lookupByCode(id, code, fk)
		return session, replay, flowKey, rest, "", ok
	}

	if known, knownOK := s.Registry.Lookup(observedIP); knownOK {
		r, err := s.Store.Load(known.ReplayName)
		if err != nil {
			return nil, nil, "", nil, "", false
		}
		// Fingerprint (or GET-similarity) pins down the exact flow
		// within the admitted replay; a miss falls back to the replay's
		// sole TCP flow, the ContentModification case checkFingerprint
		// annotates.
		if ref, hit := trace.LookupTCP([]*trace.Replay{r}, data); hit && ref.ReplayName == r.Name {
			return known, r, ref.FlowKey, data, "", true
		}
		fk, soleOK := soleFlowKey(r)
		if !soleOK {
			return nil, nil, "", nil, "", false
		}
		return known, r, fk, data, "", true
	}

	if bytes.HasPrefix(data, []byte("GET")) {
		if id, code, fk, headerOK := extractHeaderXRR(data); headerOK {
			session, replay, flowKey, ok = s.lookupByCode(id, code, fk)
			return session, replay, flowKey, data, "ipFlip-resolved", ok
		}
	}

	return nil, nil, "", nil, "", false
}

func (s *Server) lookupByCode(realID, replayCode, flowKeyStr string) (*sidechannel.ClientSession, *trace.Replay, trace.FlowKey, bool) {
	name, ok := replaycode.Decode(replayCode)
	if !ok {
		name = replayCode
	}
	session, ok := s.Registry.LookupByRealID(realID, name)
	if !ok {
		return nil, nil, "", false
	}
	replay, err := s.Store.Load(session.ReplayName)
	if err != nil {
		return nil, nil, "", false
	}
	return session, replay, trace.FlowKey(flowKeyStr), true
}

func soleFlowKey(r *trace.Replay) (trace.FlowKey, bool) {
	for fk := range r.TCPScript {
		return fk, true
	}
	return "", false
}

// checkFingerprint verifies the first packet's hash matches the
// stored fingerprint for this flow. A mismatch does not abort the
// exchange: it is expected behavior when a DPI-evading test
// deliberately reshapes the first packet.
func checkFingerprint(session *sidechannel.ClientSession, replay *trace.Replay, flowKey trace.FlowKey, request []byte, log *logrus.Entry) {
	fp := trace.ComputeFingerprint(request)
	ref, ok := replay.Fingerprints[fp]
	if !ok || ref.FlowKey != flowKey || ref.ReplayName != replay.Name {
		session.AddException("ContentModification")
		log.Debug("tcpflow: first-packet fingerprint mismatch, continuing")
	}
}

// runScript drives the per-ResponseSet request/response exchange for
// one TCP flow.
func (s *Server) runScript(ctx context.Context, nc net.Conn, br *bufio.Reader, session *sidechannel.ClientSession, replay *trace.Replay, flowKey trace.FlowKey, firstRequest []byte, log *logrus.Entry) {
	sets := replay.TCPScript[flowKey]
	if len(sets) == 0 {
		return
	}

	applier := mutate.NewApplier(session.RealID+"/"+strconv.Itoa(session.TestID), log)
	mutation := session.Mutation()
	origin := time.Now()
	timingEnabled := !strings.Contains(session.ReplayName, "port")

	respIndex := 0
	for i, set := range sets {
		if i > 0 {
			if _, err := readRequest(nc, br, set.RequestLen); err != nil {
				log.WithError(err).Debug("tcpflow: reading scripted request")
				return
			}
		}

		for _, resp := range set.Responses {
			payload := resp.Payload
			if mutation != nil && mutation.PacketIndex == respIndex {
				out, deleted, err := applier.Apply(payload, mutation.Action, respIndex == 0)
				if err != nil {
					log.WithError(err).Warn("tcpflow: applying mutation")
				} else if deleted {
					respIndex++
					continue
				} else {
					payload = out
				}
			}
			respIndex++

			if timingEnabled && !sleepUntil(ctx, origin.Add(resp.Timestamp)) {
				return
			}
			if ctx.Err() != nil {
				return
			}
			if _, err := nc.Write(payload); err != nil {
				log.WithError(err).Debug("tcpflow: sending response")
				return
			}
		}
	}
}

func readInitial(nc net.Conn, br *bufio.Reader) ([]byte, error) {
	buf := make([]byte, maxPeekBytes)
	n, err := br.Read(buf)
	if err != nil {
		return nil, err
	}
	data := buf[:n]
	if bytes.HasPrefix(data, []byte("GET")) {
		data = append(data, readShortExtra(nc, br)...)
	}
	return data, nil
}

// readRequest reads the next scripted request: GET-tolerant (whatever
// is buffered plus one short extra read) or an exact requestLen read
// for anything else. The non-GET read never consumes past requestLen:
// the client may already have written the following request onto the
// same flow, and those bytes must stay in the stream for the next
// call.
func readRequest(nc net.Conn, br *bufio.Reader, requestLen int) ([]byte, error) {
	if requestLen >= 3 {
		prefix, err := br.Peek(3)
		if err != nil {
			return nil, err
		}
		if bytes.Equal(prefix, []byte("GET")) {
			buf := make([]byte, maxPeekBytes)
			n, err := br.Read(buf)
			if err != nil {
				return nil, err
			}
			return append(buf[:n], readShortExtra(nc, br)...), nil
		}
	}
	if requestLen <= 0 {
		return nil, nil
	}
	data := make([]byte, requestLen)
	if _, err := io.ReadFull(br, data); err != nil {
		return nil, err
	}
	return data, nil
}

func readShortExtra(nc net.Conn, br *bufio.Reader) []byte {
	nc.SetReadDeadline(time.Now().Add(extraGETWait))
	defer nc.SetReadDeadline(time.Time{})
	buf := make([]byte, maxPeekBytes)
	n, err := br.Read(buf)
	if err != nil || n == 0 {
		return nil
	}
	return buf[:n]
}

func sleepUntil(ctx context.Context, t time.Time) bool {
	d := time.Until(t)
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func isProbe(data []byte) bool {
	if bytes.HasPrefix(data, []byte("GET "+probePath)) {
		return true
	}
	return strings.TrimSpace(string(bytes.TrimRight(data, "\x00"))) == "WHATSMYIPMAN?"
}

func respondProbe(nc net.Conn, observedIP string) {
	_, _ = nc.Write([]byte(fmt.Sprintf("HTTP/1.1 200 OK\r\n\r\n%s", observedIP)))
}

func respondSuspicious(nc net.Conn, observedIP string) {
	_, _ = nc.Write([]byte(fmt.Sprintf("SuspiciousClientIP!;%s", observedIP)))
}

func remoteIP(addr net.Addr) string {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return strings.TrimSpace(addr.String())
	}
	return host
}
