package sidechannel

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/rs/xid"
	"github.com/sirupsen/logrus"

	"github.com/netmeasure/replaycore/analyzerio"
	"github.com/netmeasure/replaycore/internal/procrunner"
	"github.com/netmeasure/replaycore/internal/wire"
	"github.com/netmeasure/replaycore/trace"
)

// DefaultBucketCount is the number of throughput-sampling buckets
// advertised to the client when Server.BucketCount is unset.
const DefaultBucketCount = 100

// Server runs the side-channel listener: it accepts connections,
// drives each one through the admission and result-reporting protocol,
// and keeps Registry current so the TCP and UDP flow servers can find
// the session behind a later data-plane connection.
type Server struct {
	Registry   *Registry
	Store      *trace.Store
	PublicIP   string
	PcapFolder string
	Interface  string // network interface tcpdump should capture on; empty disables capture
	Log        *logrus.Entry

	BucketCount int // defaults to DefaultBucketCount

	// RequestTimeout bounds how long the server waits for each client
	// message; zero means no deadline.
	RequestTimeout time.Duration

	// Analyzer, when non-nil, persists the xput sample and replayInfo
	// record the analyzer service watches for, on secondary success.
	// Nil disables analyzer output entirely.
	Analyzer *analyzerio.Writer

	// CleanPcap, when non-nil, is run over a finished capture before it
	// is moved into the analyzer's tcpdumpsResults tree.
	CleanPcap func(src, dst string) error
}

// ListenAndServe accepts plaintext TCP side-channel connections on
// addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("sidechannel: listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// ListenAndServeTLS is the TLS-terminated variant used for clients
// behind middleboxes that interfere with plaintext control traffic.
// No client certificate is requested: this channel authenticates by
// admission rules, not PKI.
func (s *Server) ListenAndServeTLS(ctx context.Context, addr string, cert tls.Certificate) error {
	lc := net.ListenConfig{}
	inner, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("sidechannel: listen %s: %w", addr, err)
	}
	ln := tls.NewListener(inner, &tls.Config{Certificates: []tls.Certificate{cert}})
	return s.Serve(ctx, ln)
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
		go s.handle(ctx, nc)
	}
}

func (s *Server) logger() *logrus.Entry {
	if s.Log == nil {
		return logrus.NewEntry(logrus.StandardLogger())
	}
	return s.Log
}

func (s *Server) bucketCount() int {
	if s.BucketCount > 0 {
		return s.BucketCount
	}
	return DefaultBucketCount
}

func (s *Server) handle(ctx context.Context, nc net.Conn) {
	conn := wire.NewConn(nc)
	defer conn.Close()

	sessionID := xid.New().String()
	log := s.logger().WithField("session", sessionID)

	session, err := s.handshake(ctx, conn, sessionID, log)
	if err != nil {
		log.WithError(err).Warn("sidechannel: handshake failed")
		return
	}
	if session == nil {
		// Admission refused; the reply was already sent.
		return
	}

	defer func() {
		realID, udpPorts := s.Registry.Close(sessionID)
		log.WithFields(logrus.Fields{"real_id": realID, "udp_ports": udpPorts}).Info("sidechannel: session closed")
		if session.TCPDump != nil {
			if err := session.TCPDump.Stop(); err != nil {
				log.WithError(err).Warn("sidechannel: stopping tcpdump")
			}
			if session.SecondarySuccess() && s.Analyzer != nil {
				if _, err := s.Analyzer.FinalizePcap(session.TCPDump.PcapPath, s.CleanPcap); err != nil {
					log.WithError(err).Warn("sidechannel: finalizing pcap")
				}
			}
		}
	}()

	s.serveSession(ctx, conn, sessionID, session, log)
}

// handshake runs steps 1-3 of the session protocol: hello, mutation
// spec, and the admission verdict. It returns a nil session (not an
// error) when admission was refused, since the connection is expected
// to close normally in that case.
func (s *Server) handshake(parentCtx context.Context, conn *wire.Conn, sessionID string, log *logrus.Entry) (*ClientSession, error) {
	ctx, cancel := withTimeout(parentCtx, s.RequestTimeout)
	defer cancel()

	helloFrame, err := conn.ReceiveString(ctx)
	if err != nil {
		return nil, fmt.Errorf("receive hello: %w", err)
	}
	hello, err := decodeHello(helloFrame)
	if err != nil {
		return nil, err
	}

	mutationFrame, err := conn.ReceiveString(ctx)
	if err != nil {
		return nil, fmt.Errorf("receive mutation spec: %w", err)
	}
	var spec MutationSpec
	if err := decodeJSON(mutationFrame, &spec); err != nil {
		return nil, fmt.Errorf("decode mutation spec: %w", err)
	}
	mutation, err := ParseMutationSpec(spec)
	if err != nil {
		return nil, err
	}

	observedIP := remoteIP(conn.RemoteAddr())
	// Rooted in parentCtx (the server's lifetime), not the short-lived
	// per-request ctx above, so the session outlives this handshake.
	session := NewClientSession(parentCtx, hello.RealID, observedIP, hello.ReplayName, hello.TestID, hello.Extra, hello.ClientVersion, hello.HistoryCount)
	session.SessionID = sessionID
	session.DataPlaneIP = hello.RealIP
	session.EndOfTest = hello.EndOfTest
	if mutation != nil {
		session.SetMutation(mutation)
	}

	code, err := s.Registry.Admit(ctx, sessionID, session, s.Store)
	if err != nil {
		return nil, fmt.Errorf("admit: %w", err)
	}
	if err := conn.SendString(ctx, encodeAdmit(code, s.PublicIP, s.bucketCount())); err != nil {
		return nil, fmt.Errorf("send admit reply: %w", err)
	}
	if code != AdmitOK {
		log.WithFields(logrus.Fields{"real_id": hello.RealID, "replay": hello.ReplayName, "code": code}).Info("sidechannel: admission refused")
		return nil, nil
	}

	if s.Interface != "" {
		pcapPath := fmt.Sprintf("%s/%s_%d_%s.pcap", s.PcapFolder, hello.ReplayName, hello.TestID, sessionID)
		bpf := fmt.Sprintf("host %s", observedIP)
		dump, err := procrunner.Start(parentCtx, s.Interface, bpf, pcapPath)
		if err != nil {
			log.WithError(err).Warn("sidechannel: tcpdump failed to start, continuing without capture")
		} else {
			session.TCPDump = dump
		}
	}

	log.WithFields(logrus.Fields{"real_id": hello.RealID, "replay": hello.ReplayName, "test_id": hello.TestID}).Info("sidechannel: admitted")
	return session, nil
}

// serveSession handles steps 4-11: iperf/mobile-stats reporting, the
// port mapping and bucket count, notification forwarding, and the
// final results report.
func (s *Server) serveSession(ctx context.Context, conn *wire.Conn, sessionID string, session *ClientSession, log *logrus.Entry) {
	sessionCtx := session.Context()

	// Step 4: iperf report.
	iperfRaw, err := s.readOptionalReport(sessionCtx, conn, "WillSendIperf", "NoIperf")
	if err != nil {
		log.WithError(err).Debug("sidechannel: iperf report")
		return
	}
	if iperfRaw != "" {
		rate, err := strconv.ParseFloat(strings.TrimSpace(iperfRaw), 64)
		if err != nil {
			log.WithField("iperf", iperfRaw).Warn("sidechannel: unparseable iperf rate")
		} else {
			session.SetIperfMbps(rate)
		}
	}

	// Step 5: mobile stats report.
	mobileRaw, err := s.readOptionalReport(sessionCtx, conn, "WillSendMobileStats", "NoMobileStats")
	if err != nil {
		log.WithError(err).Debug("sidechannel: mobile stats report")
		return
	}
	if mobileRaw != "" {
		session.SetMobileStats([]byte(mobileRaw))
	}

	replay, err := s.Store.Load(session.ReplayName)
	if err != nil {
		log.WithError(err).Warn("sidechannel: loading replay for port mapping")
		return
	}

	// Step 6: port mapping.
	mappingJSON, err := encodePortMapping(BuildPortMapping(replay, s.PublicIP))
	if err != nil {
		log.WithError(err).Warn("sidechannel: encode port mapping")
		return
	}
	if err := conn.SendString(sessionCtx, mappingJSON); err != nil {
		log.WithError(err).Debug("sidechannel: send port mapping")
		return
	}

	// Step 7: UDP sender count.
	if err := conn.SendString(sessionCtx, fmt.Sprintf("%d", replay.UDPSenderScripts)); err != nil {
		log.WithError(err).Debug("sidechannel: send sender count")
		return
	}

	// Step 8: notification forwarding runs for the lifetime of the
	// session, concurrently with the blocking reads below — wire.Conn
	// permits one concurrent Send alongside one concurrent Receive.
	// This goroutine exits once the session's context is cancelled,
	// which happens in the close callback (Registry.Close) after this
	// function returns — it is not joined here.
	go func() {
		for {
			select {
			case <-sessionCtx.Done():
				return
			case n := <-session.NotifyChan():
				if err := conn.SendString(sessionCtx, n.Encode()); err != nil {
					return
				}
			}
		}
	}()

	// Step 9: test outcome.
	outcomeFrame, err := conn.ReceiveString(sessionCtx)
	if err != nil {
		log.WithError(err).Debug("sidechannel: receive test outcome")
		return
	}
	outcome, err := decodeTestOutcome(outcomeFrame)
	if err != nil {
		log.WithError(err).Warn("sidechannel: decode test outcome")
		return
	}
	s.Registry.Touch(session.ObservedIP)
	switch outcome.Kind {
	case "ipFlip":
		session.AddException("ipFlip-resolved")
	case "timeout":
		session.AddException("timeout")
	}

	// Step 10: throughput sample.
	sampleFrame, err := conn.ReceiveString(sessionCtx)
	if err != nil {
		log.WithError(err).Debug("sidechannel: receive throughput sample")
		return
	}
	sample, hasSample, err := decodeThroughputSample(sampleFrame)
	if err != nil {
		log.WithError(err).Warn("sidechannel: decode throughput sample")
	}
	if err := conn.SendString(sessionCtx, "OK"); err != nil {
		log.WithError(err).Debug("sidechannel: ack throughput sample")
		return
	}

	// Step 11: result report.
	resultFrame, err := conn.ReceiveString(sessionCtx)
	if err != nil {
		log.WithError(err).Debug("sidechannel: receive result report")
		return
	}
	result, err := decodeResultReport(resultFrame)
	if err != nil {
		log.WithError(err).Warn("sidechannel: decode result report")
		if sendErr := conn.SendString(sessionCtx, "OK"); sendErr != nil {
			return
		}
		return
	}
	session.SetSuccess(result.Success)
	// The wire protocol carries only one result flag; secondary success
	// (which gates pcap cleanup and analyzer output) is success with no
	// recorded exceptions, since no separate wire field distinguishes
	// them.
	session.SetSecondarySuccess(result.Success && len(session.Exceptions()) == 0)
	if err := conn.SendString(sessionCtx, "OK"); err != nil {
		log.WithError(err).Debug("sidechannel: ack result report")
		return
	}

	if session.SecondarySuccess() && s.Analyzer != nil {
		s.writeAnalyzerArtifacts(session, sample, hasSample, outcome, log)
	}

	if session.EndOfTest || session.TestID == 1 {
		s.Registry.Release(session.ObservedIP)
	}
}

// writeAnalyzerArtifacts persists the xput sample and the 17-field
// replayInfo record. Failures are logged, not fatal to the session:
// the client has already gotten its "OK".
func (s *Server) writeAnalyzerArtifacts(session *ClientSession, sample ThroughputSample, hasSample bool, outcome TestOutcome, log *logrus.Entry) {
	if hasSample {
		if err := s.Analyzer.WriteXput(session.RealID, session.HistoryCount, session.TestID, analyzerio.ThroughputSample{
			Xput: sample.Xput,
			T:    sample.T,
		}); err != nil {
			log.WithError(err).Warn("sidechannel: writing xput artifact")
		}
	}

	info := analyzerio.ReplayInfo{
		IncomingTimeUnix: float64(session.StartTime.Unix()),
		RealID:           session.RealID,
		ReplayName:       session.ReplayName,
		ObservedIP:       session.ObservedIP,
		ExtraString:      session.Extra,
		HistoryCount:     session.HistoryCount,
		TestID:           session.TestID,
		Exceptions:       session.Exceptions(),
		Success:          session.Success(),
		SecondarySuccess: session.SecondarySuccess(),
		IperfMbps:        session.IperfMbps(),
		ElapsedSeconds:   outcome.DurationSeconds,
		ClientTimeUnix:   float64(session.StartTime.Unix()),
		ClientVersion:    session.ClientVersion,
	}
	if mobile := session.MobileStats(); len(mobile) > 0 {
		info.MobileStats = mobile
	}
	if err := s.Analyzer.WriteReplayInfo(info); err != nil {
		log.WithError(err).Warn("sidechannel: writing replayInfo artifact")
	}
}

// readOptionalReport reads one "will send"/"none" frame; if the
// "will send" sentinel was received, it reads and returns one more
// frame carrying the reported payload.
func (s *Server) readOptionalReport(ctx context.Context, conn *wire.Conn, willSend, none string) (string, error) {
	frame, err := conn.ReceiveString(ctx)
	if err != nil {
		return "", err
	}
	switch frame {
	case none:
		return "", nil
	case willSend:
		payload, err := conn.ReceiveString(ctx)
		if err != nil {
			return "", err
		}
		return payload, nil
	default:
		return "", fmt.Errorf("sidechannel: expected %q or %q, got %q", willSend, none, frame)
	}
}

// Notify pushes a UDP sender lifecycle event to a live session, used
// by the UDP flow server to tell the client when its data-plane sender
// has started or finished.
func (s *Server) Notify(session *ClientSession, started bool, serverPort int) {
	session.Notify(NotifyBody{Started: started, ServerPort: serverPort})
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func remoteIP(addr net.Addr) string {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return strings.TrimSpace(addr.String())
	}
	return host
}
