package sidechannel

import (
	"context"
	"sync"
	"time"

	"github.com/netmeasure/replaycore/internal/procrunner"
	"github.com/netmeasure/replaycore/mutate"
)

// AdmissionSlot is the exclusive claim, keyed by observed data-plane
// source IP, that one real ID holds on replay capacity.
type AdmissionSlot struct {
	RealID     string
	ReplayName string
	TestID     int
	LastActive time.Time
}

// Mutation is the per-test mutation spec the client declares:
// (packetIndex, action, params).
type Mutation struct {
	PacketIndex int
	Action      mutate.Action
}

// ClientSession is the transient, per-replay state held for one
// connected client, from side-channel accept to the close callback.
type ClientSession struct {
	// SessionID is the side channel connection's own id (an xid),
	// set once by the server during handshake. Flow servers pass it
	// back into Registry.RegisterFlowTask/UnregisterFlowTask so the
	// greenlet-cleaner bookkeeping stays attached to the right
	// session even though a data-plane connection only ever learns
	// the client's RealID, not this id.
	SessionID string

	RealID        string // opaque 10-char client token
	ObservedIP    string // IP observed on the SC transport
	DataPlaneIP   string // optional distinct IP from the what-is-my-IP probe
	ReplayName    string
	TestID        int
	HistoryCount  int
	Extra         string
	ClientVersion string
	EndOfTest     bool
	StartTime     time.Time

	mu               sync.Mutex
	exceptions       []string
	success          bool
	secondarySuccess bool
	iperfMbps        float64
	mobileStats      []byte
	dataPlanePorts   []int
	dataPlaneHosts   []string
	mutation         *Mutation

	TCPDump *procrunner.TCPDump

	notifyCh chan NotifyBody

	ctx    context.Context
	cancel context.CancelFunc
}

// NewClientSession creates a session rooted under parent, cancelled
// when the side channel closes or is killed.
func NewClientSession(parent context.Context, realID, observedIP, replayName string, testID int, extra, clientVersion string, historyCount int) *ClientSession {
	ctx, cancel := context.WithCancel(parent)
	return &ClientSession{
		RealID:        realID,
		ObservedIP:    observedIP,
		ReplayName:    replayName,
		TestID:        testID,
		HistoryCount:  historyCount,
		Extra:         extra,
		ClientVersion: clientVersion,
		StartTime:     time.Now(),
		notifyCh:      make(chan NotifyBody, 16),
		ctx:           ctx,
		cancel:        cancel,
	}
}

// NotifyChan streams UDP-sender start/done events for forwarding to
// the client on the side channel. The channel is never closed; a
// reader stops by also selecting on the session's Context.
func (c *ClientSession) NotifyChan() <-chan NotifyBody { return c.notifyCh }

// Notify queues a UDP-sender lifecycle event for delivery to the
// client. Non-blocking: a slow or unread channel drops the oldest
// pending notification rather than stalling the caller (typically a
// UDP flow-sender goroutine).
func (c *ClientSession) Notify(n NotifyBody) {
	select {
	case c.notifyCh <- n:
	default:
		select {
		case <-c.notifyCh:
		default:
		}
		select {
		case c.notifyCh <- n:
		default:
		}
	}
}

// Context is cancelled when this client's side channel session ends,
// normally or via kill. Flow servers select on it to abort blocked
// reads, writes, and timing sleeps.
func (c *ClientSession) Context() context.Context { return c.ctx }

// Kill cancels the session's context, the single cancellation trigger
// shared by SC-close, the greenlet-cleaner, and admission eviction.
func (c *ClientSession) Kill() { c.cancel() }

// AddException records an exception tag (ContentModification,
// ipFlip-resolved, UnknownRelplayName, ...).
func (c *ClientSession) AddException(tag string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exceptions = append(c.exceptions, tag)
}

// Exceptions returns a copy of the exception tags recorded so far.
func (c *ClientSession) Exceptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.exceptions...)
}

func (c *ClientSession) SetSuccess(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.success = v
}

func (c *ClientSession) Success() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.success
}

func (c *ClientSession) SetSecondarySuccess(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.secondarySuccess = v
}

func (c *ClientSession) SecondarySuccess() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.secondarySuccess
}

func (c *ClientSession) SetIperfMbps(v float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.iperfMbps = v
}

func (c *ClientSession) IperfMbps() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.iperfMbps
}

func (c *ClientSession) SetMobileStats(raw []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mobileStats = append([]byte(nil), raw...)
}

func (c *ClientSession) MobileStats() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.mobileStats...)
}

// RecordDataPlanePort notes a port the client's data-plane sockets
// used, for later UDP-mapping purge on cleanup.
func (c *ClientSession) RecordDataPlanePort(port int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dataPlanePorts = append(c.dataPlanePorts, port)
}

func (c *ClientSession) DataPlanePorts() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.dataPlanePorts...)
}

func (c *ClientSession) SetMutation(m *Mutation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mutation = m
}

func (c *ClientSession) Mutation() *Mutation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mutation
}
