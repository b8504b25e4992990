// Package udpflow implements the data-plane UDP side of a replay: one
// bound socket per distinct (or merged) server port, recognizing a
// client by the source IP of its first datagram and streaming the
// scripted server-side datagrams back to it with original timing.
package udpflow

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/netmeasure/replaycore/sidechannel"
	"github.com/netmeasure/replaycore/trace"
)

// defaultSenderCap is the hard ceiling on one sender's total elapsed
// time, independent of how long the script itself runs.
const defaultSenderCap = 45 * time.Second

// Notifier forwards a UDP sender's start/done lifecycle to the client
// over the side channel. *sidechannel.Server satisfies this.
type Notifier interface {
	Notify(session *sidechannel.ClientSession, started bool, serverPort int)
}

// Server runs the UDP data plane for one or more server ports. One
// Server may be reused across several ListenAndServe/Serve calls, one
// per distinct port the replay store advertises.
type Server struct {
	Registry *sidechannel.Registry
	Store    *trace.Store
	Notifier Notifier
	Log      *logrus.Entry

	// SenderCap bounds one sender's total elapsed time; defaults to
	// defaultSenderCap.
	SenderCap time.Duration
}

func (s *Server) logger() *logrus.Entry {
	if s.Log == nil {
		return logrus.NewEntry(logrus.StandardLogger())
	}
	return s.Log
}

func (s *Server) senderCap() time.Duration {
	if s.SenderCap > 0 {
		return s.SenderCap
	}
	return defaultSenderCap
}

// ListenAndServe binds a UDP socket on addr and serves it as the
// listener for original server port serverPort until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string, serverPort int) error {
	lc := net.ListenConfig{}
	pc, err := lc.ListenPacket(ctx, "udp", addr)
	if err != nil {
		return fmt.Errorf("udpflow: listen %s: %w", addr, err)
	}
	conn, ok := pc.(*net.UDPConn)
	if !ok {
		pc.Close()
		return fmt.Errorf("udpflow: listen %s: not a UDP socket", addr)
	}
	return s.Serve(ctx, conn, serverPort)
}

// Serve reads datagrams from an already-bound socket representing
// original server port serverPort until ctx is cancelled or the read
// loop fails. The first datagram from an unrecognized (clientIP,
// clientPort) pair spawns a sender goroutine for that flow; later
// datagrams from the same pair are ignored (the scripted flow never
// reads client payloads beyond the first).
func (s *Server) Serve(ctx context.Context, conn *net.UDPConn, serverPort int) error {
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	var writeMu sync.Mutex
	owned := &ownedSet{m: make(map[string]bool)}

	buf := make([]byte, 65535)
	for {
		_, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}

		if !owned.claim(addr.String()) {
			continue
		}
		go s.admitFlow(ctx, conn, &writeMu, owned, addr, serverPort)
	}
}

// ownedSet tracks which (clientIP, clientPort) pairs already have a
// spawned sender, so a retransmitted or stray first datagram doesn't
// start a second one.
type ownedSet struct {
	mu sync.Mutex
	m  map[string]bool
}

// claim reports whether key was newly claimed (false if already owned).
func (o *ownedSet) claim(key string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.m[key] {
		return false
	}
	o.m[key] = true
	return true
}

func (o *ownedSet) release(key string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.m, key)
}

// admitFlow handles the first datagram of a new flow: an unknown
// source IP is dropped; a known one resolves to its admitted replay
// and the canonical scripted flow for serverPort, then runs the sender
// for the lifetime of the client's session.
func (s *Server) admitFlow(ctx context.Context, conn *net.UDPConn, writeMu *sync.Mutex, owned *ownedSet, addr *net.UDPAddr, serverPort int) {
	key := addr.String()
	defer owned.release(key)

	log := s.logger().WithField("remote", key)

	session, ok := s.Registry.Lookup(addr.IP.String())
	if !ok {
		log.Warn("udpflow: unknown datagram from unknown client")
		return
	}

	replay, err := s.Store.Load(session.ReplayName)
	if err != nil {
		log.WithError(err).Warn("udpflow: loading replay")
		return
	}

	_, events, ok := replay.CanonicalUDPFlow(serverPort)
	if !ok {
		log.WithField("server_port", serverPort).Warn("udpflow: no scripted flow for server port")
		return
	}

	listenerKey := fmt.Sprintf("%d", serverPort)
	s.Registry.RegisterUDPPort(listenerKey, addr.Port, session.SessionID)
	s.Registry.Touch(session.ObservedIP)
	session.RecordDataPlanePort(addr.Port)

	if s.Notifier != nil {
		s.Notifier.Notify(session, true, serverPort)
	}
	s.runSender(session.Context(), conn, writeMu, addr, replay.Name, events, log)
	if s.Notifier != nil {
		s.Notifier.Notify(session, false, serverPort)
	}
}

// runSender streams events in script order under writeMu (so datagrams
// of this flow never interleave with another flow's on the same
// socket), honoring timing when the replay name doesn't contain
// "port", and capping total elapsed time regardless of script length.
func (s *Server) runSender(ctx context.Context, conn *net.UDPConn, writeMu *sync.Mutex, addr *net.UDPAddr, replayName string, events []trace.UDPEvent, log *logrus.Entry) {
	timingEnabled := !strings.Contains(replayName, "port")
	origin := time.Now()
	deadline := origin.Add(s.senderCap())

	for _, ev := range events {
		if time.Now().After(deadline) {
			log.Debug("udpflow: sender cap reached, stopping early")
			return
		}
		if timingEnabled && !sleepUntil(ctx, origin.Add(ev.Timestamp)) {
			return
		}
		if ctx.Err() != nil {
			return
		}

		writeMu.Lock()
		_, err := conn.WriteToUDP(ev.Payload, addr)
		writeMu.Unlock()
		if err != nil {
			log.WithError(err).Debug("udpflow: sending datagram")
			return
		}
	}
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
