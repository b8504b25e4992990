// Package replayclient implements the initiator side of a replay: the
// mirror of tcpflow/udpflow/sidechannel's server-side logic run from
// the measurement client, driving the side channel handshake, opening
// one socket per original flow, sending scripted client events with
// original timing, sampling throughput, and watching for stalls or an
// IP flip.
package replayclient

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/netmeasure/replaycore/mutate"
	"github.com/netmeasure/replaycore/sidechannel"
	"github.com/netmeasure/replaycore/trace"
)

// Exit codes reported by the replay-client binary.
const (
	ExitSuccess         = 0
	ExitIdleTimeout     = 1
	ExitIPFlip          = 2
	ExitAdmissionDenied = 3
)

// defaultIdleTimeout is the watchdog's default stall threshold.
const defaultIdleTimeout = 30 * time.Second

// Config configures one replay run.
type Config struct {
	SideChannelAddr string
	TLSConfig       *tls.Config // nil dials plaintext

	Store      *trace.Store
	ReplayName string

	RealID        string
	TestID        int
	HistoryCount  int
	Extra         string
	ClientVersion string
	EndOfTest     bool
	RealIP        string // reported what-is-my-IP value; empty when not behind a proxy

	Mutation sidechannel.MutationSpec

	// BindIP, if set, is the local address outgoing data-plane sockets
	// bind to (the client's advertised public IP when it has more than
	// one interface); empty uses an unspecified local address.
	BindIP string

	IdleTimeout    time.Duration // defaults to defaultIdleTimeout
	RequestTimeout time.Duration // side-channel round-trip timeout

	Log *logrus.Entry
}

func (c Config) idleTimeout() time.Duration {
	if c.IdleTimeout > 0 {
		return c.IdleTimeout
	}
	return defaultIdleTimeout
}

// Result is the outcome of one Run.
type Result struct {
	ExitCode   int
	Outcome    sidechannel.TestOutcome
	Sample     *sidechannel.ThroughputSample
	FlippedIP  string
	Exceptions []string
}

// Driver runs one replay against a side-channel server.
type Driver struct {
	Config Config
}

func (d *Driver) logger() *logrus.Entry {
	if d.Config.Log == nil {
		return logrus.NewEntry(logrus.StandardLogger())
	}
	return d.Config.Log
}

// Run drives the full client-side sequence: side channel handshake,
// socket setup, the scripted send loop with a background throughput
// sampler and idle/ip-flip watchdog, and the final result report.
func (d *Driver) Run(ctx context.Context) (Result, error) {
	log := d.logger().WithFields(logrus.Fields{"replay": d.Config.ReplayName, "real_id": d.Config.RealID})

	replay, err := d.Config.Store.Load(d.Config.ReplayName)
	if err != nil {
		return Result{}, fmt.Errorf("replayclient: loading replay %q: %w", d.Config.ReplayName, err)
	}

	sc, err := d.dialSideChannel(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("replayclient: dialing side channel: %w", err)
	}
	defer sc.Close()

	code, publicIP, bucketCount, err := sc.Hello(ctx, sidechannel.HelloBody{
		RealID:        d.Config.RealID,
		TestID:        d.Config.TestID,
		ReplayName:    d.Config.ReplayName,
		Extra:         d.Config.Extra,
		HistoryCount:  d.Config.HistoryCount,
		EndOfTest:     d.Config.EndOfTest,
		RealIP:        d.Config.RealIP,
		ClientVersion: d.Config.ClientVersion,
	}, d.Config.Mutation)
	if err != nil {
		return Result{}, fmt.Errorf("replayclient: hello: %w", err)
	}
	if code != sidechannel.AdmitOK {
		log.WithField("code", code).Warn("replayclient: admission refused")
		return Result{ExitCode: ExitAdmissionDenied}, nil
	}

	if err := sc.ReportIperf(ctx, sidechannel.IperfReport{WillSend: false}); err != nil {
		return Result{}, fmt.Errorf("replayclient: report iperf: %w", err)
	}
	if err := sc.ReportMobileStats(ctx, sidechannel.MobileStatsReport{WillSend: false}); err != nil {
		return Result{}, fmt.Errorf("replayclient: report mobile stats: %w", err)
	}

	mapping, _, err := sc.ReceivePortMapping(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("replayclient: receive port mapping: %w", err)
	}
	_ = publicIP

	tcpSockets, udpSockets, err := d.openSockets(ctx, replay, mapping)
	if err != nil {
		return Result{}, fmt.Errorf("replayclient: opening sockets: %w", err)
	}
	defer closeAll(tcpSockets, udpSockets)

	notifyCtx, stopNotify := context.WithCancel(ctx)
	defer stopNotify()
	notifyDone := make(chan struct{})
	go func() {
		defer close(notifyDone)
		drainNotifications(notifyCtx, sc, log)
	}()

	var bytesReceived int64
	activity := make(chan struct{}, 64)
	ipFlip := make(chan string, 1)
	doneSending := make(chan struct{})

	mutation, err := sidechannel.ParseMutationSpec(d.Config.Mutation)
	if err != nil {
		return Result{}, fmt.Errorf("replayclient: parsing mutation spec: %w", err)
	}
	applier := mutate.NewApplier(fmt.Sprintf("%s/%d", d.Config.RealID, d.Config.TestID), log)

	sampleCh := runSampler(ctx, bucketCount, replay.Duration, &bytesReceived, doneSending)

	sendStart := time.Now()
	go func() {
		defer close(doneSending)
		runSendLoop(ctx, replay, mapping, d.Config.BindIP, tcpSockets, udpSockets, mutation, applier, &bytesReceived, activity, ipFlip, log)
	}()

	outcomeKind, flippedIP := runWatchdog(ctx, d.Config.idleTimeout(), activity, ipFlip, doneSending)

	var outcome sidechannel.TestOutcome
	switch outcomeKind {
	case "timeout":
		outcome = sidechannel.TestOutcome{Kind: "timeout"}
	case "ipFlip":
		outcome = sidechannel.TestOutcome{Kind: "ipFlip"}
	default:
		outcome = sidechannel.TestOutcome{Kind: "done", DurationSeconds: time.Since(sendStart).Seconds()}
	}

	// The notification drain owns the connection's receive half while it
	// runs; its in-flight poll read could otherwise swallow the acks the
	// reports below wait for. Stop it and wait for it to fully exit
	// before issuing any call that reads.
	stopNotify()
	<-notifyDone

	if err := sc.ReportOutcome(ctx, outcome); err != nil {
		return Result{}, fmt.Errorf("replayclient: report outcome: %w", err)
	}

	sample := <-sampleCh
	var reportSample *sidechannel.ThroughputSample
	if outcome.Kind == "done" {
		reportSample = &sample
	}
	if err := sc.ReportThroughput(ctx, reportSample); err != nil {
		return Result{}, fmt.Errorf("replayclient: report throughput: %w", err)
	}

	success := outcome.Kind == "done"
	if err := sc.ReportResult(ctx, success); err != nil {
		return Result{}, fmt.Errorf("replayclient: report result: %w", err)
	}

	switch outcome.Kind {
	case "timeout":
		return Result{ExitCode: ExitIdleTimeout, Outcome: outcome}, nil
	case "ipFlip":
		return Result{ExitCode: ExitIPFlip, Outcome: outcome, FlippedIP: flippedIP}, nil
	default:
		return Result{ExitCode: ExitSuccess, Outcome: outcome, Sample: reportSample}, nil
	}
}

func (d *Driver) dialSideChannel(ctx context.Context) (*sidechannel.Client, error) {
	opts := []sidechannel.ClientOption{}
	if d.Config.RequestTimeout > 0 {
		opts = append(opts, sidechannel.WithTimeout(d.Config.RequestTimeout))
	}
	if d.Config.TLSConfig != nil {
		return sidechannel.DialTLS(ctx, d.Config.SideChannelAddr, d.Config.TLSConfig, opts...)
	}
	return sidechannel.Dial(ctx, d.Config.SideChannelAddr, opts...)
}

func drainNotifications(ctx context.Context, sc *sidechannel.Client, log *logrus.Entry) {
	for n := range sc.Notifications(ctx) {
		log.WithFields(logrus.Fields{"started": n.Started, "server_port": n.ServerPort}).Debug("replayclient: udp sender notification")
	}
}

func closeAll(tcp map[trace.FlowKey]*tcpSocket, udp map[int]*udpSocket) {
	for _, s := range tcp {
		s.conn.Close()
	}
	for _, s := range udp {
		s.conn.Close()
	}
}

func localAddr(bindIP string) *net.TCPAddr {
	if bindIP == "" {
		return nil
	}
	return &net.TCPAddr{IP: net.ParseIP(bindIP)}
}

