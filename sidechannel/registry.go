// Package sidechannel implements the out-of-band control connection:
// admission control, the client/replay/test metadata exchange, and the
// coordination that lets the TCP and UDP flow servers (and the
// analyzer) find the right client session for a data-plane connection.
package sidechannel

import (
	"context"
	"sync"
	"time"

	"github.com/rs/xid"
	"github.com/sirupsen/logrus"

	"github.com/netmeasure/replaycore/trace"
)

// ResourceProbe reports a current load fraction in [0, 1]; Registry
// calls it to decide AdmitOverloaded. Exposed as a field so tests can
// inject deterministic load without touching the real machine.
type ResourceProbe func() float64

// Registry holds every piece of shared, cross-connection state a
// running server needs: the admission slot per observed source IP, the
// live client sessions keyed by real ID and by replay, and the
// bookkeeping flow servers use to find a session and to clean up after
// it ends.
//
// One Registry is shared by the side channel, the TCP flow server, and
// the UDP flow server; all of its methods are safe for concurrent use.
type Registry struct {
	mu sync.Mutex

	// admission is keyed by the data-plane source IP that currently
	// holds the exclusive replay slot.
	admission map[string]*AdmissionSlot

	// byRealID indexes every session currently known for a real ID,
	// by replay name, so a late-arriving data-plane connection from
	// the same client can be matched even under a different id.
	byRealID map[string]map[string]*ClientSession

	// bySessionID indexes every open side-channel connection by its
	// per-connection id (an xid), independent of real ID.
	bySessionID map[string]*ClientSession

	// flowTasks tracks outstanding flow-server goroutines registered
	// against a session, with their start times. It is bookkeeping
	// only: SweepIdle does not consult it, and Close drops a session's
	// entries.
	flowTasks map[string]map[xid.ID]time.Time

	// udpMappings tracks, per flow-server listener key, which client
	// ports belong to which session ID, so a session's close callback can
	// ask the UDP server to drop its sockets.
	udpMappings map[string]map[int]string

	idleTimeout time.Duration
	cpuProbe    ResourceProbe
	overloadAt  float64

	log *logrus.Entry
}

// NewRegistry constructs an empty Registry. idleTimeout is both the
// admission-slot staleness threshold and the cleaner sweep interval
// (default 5 minutes); cpuProbe, when non-nil, gates admission under
// AdmitOverloaded once it reports at or above overloadAt (default
// 0.95 when overloadAt is 0).
func NewRegistry(idleTimeout time.Duration, cpuProbe ResourceProbe, overloadAt float64, log *logrus.Entry) *Registry {
	if idleTimeout <= 0 {
		idleTimeout = 5 * time.Minute
	}
	if overloadAt <= 0 {
		overloadAt = 0.95
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Registry{
		admission:   make(map[string]*AdmissionSlot),
		byRealID:    make(map[string]map[string]*ClientSession),
		bySessionID: make(map[string]*ClientSession),
		flowTasks:   make(map[string]map[xid.ID]time.Time),
		udpMappings: make(map[string]map[int]string),
		idleTimeout: idleTimeout,
		cpuProbe:    cpuProbe,
		overloadAt:  overloadAt,
		log:         log,
	}
}

// Admit decides whether session may start replay replayName, enforcing
// a single exclusive slot per observed source IP. A real ID that still
// holds a slot under a different address (the client's IP changed
// between tests) has that slot killed first. A different real ID
// already holding this address is refused as busy unless its slot has
// gone stale, in which case it is killed and the new request accepted.
// An unknown replay name or an overloaded host are both refused before
// the slot is ever claimed.
func (r *Registry) Admit(ctx context.Context, sessionID string, session *ClientSession, store *trace.Store) (code int, err error) {
	if _, loadErr := store.Load(session.ReplayName); loadErr != nil {
		return AdmitUnknownReplay, nil
	}

	if r.cpuProbe != nil && r.cpuProbe() >= r.overloadAt {
		return AdmitOverloaded, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// The same real ID reappearing from a different address means its
	// old claim is dead weight; kill it before judging this request.
	for ip, slot := range r.admission {
		if slot.RealID == session.RealID && ip != session.ObservedIP {
			delete(r.admission, ip)
			r.evictLocked(slot.RealID)
		}
	}

	if existing, ok := r.admission[session.ObservedIP]; ok {
		if existing.RealID != session.RealID {
			if time.Since(existing.LastActive) < r.idleTimeout {
				return AdmitBusy, nil
			}
			// Stale holder: reclaim the address for the new client.
			delete(r.admission, session.ObservedIP)
			r.evictLocked(existing.RealID)
		} else {
			// Same client reconnecting (e.g. after an ipFlip or a
			// retried test): evict its own slot rather than refuse it.
			r.evictLocked(existing.RealID)
		}
	}

	r.admission[session.ObservedIP] = &AdmissionSlot{
		RealID:     session.RealID,
		ReplayName: session.ReplayName,
		TestID:     session.TestID,
		LastActive: time.Now(),
	}
	r.registerLocked(sessionID, session)
	return AdmitOK, nil
}

// registerLocked must be called with mu held.
func (r *Registry) registerLocked(sessionID string, session *ClientSession) {
	r.bySessionID[sessionID] = session
	byReplay, ok := r.byRealID[session.RealID]
	if !ok {
		byReplay = make(map[string]*ClientSession)
		r.byRealID[session.RealID] = byReplay
	}
	byReplay[session.ReplayName] = session
}

// evictLocked kills and forgets every session registered under realID.
// Callers must hold mu.
func (r *Registry) evictLocked(realID string) {
	for _, session := range r.byRealID[realID] {
		session.Kill()
	}
	delete(r.byRealID, realID)
}

// Touch refreshes the admission slot's LastActive timestamp, keeping a
// long-running replay from being swept by the idle cleaner.
func (r *Registry) Touch(observedIP string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if slot, ok := r.admission[observedIP]; ok {
		slot.LastActive = time.Now()
	}
}

// Lookup finds the session a data-plane connection from sourceIP
// belongs to, by consulting the admission table for the replay that IP
// currently holds a slot for.
func (r *Registry) Lookup(sourceIP string) (*ClientSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	slot, ok := r.admission[sourceIP]
	if !ok {
		return nil, false
	}
	byReplay, ok := r.byRealID[slot.RealID]
	if !ok {
		return nil, false
	}
	session, ok := byReplay[slot.ReplayName]
	return session, ok
}

// LookupByRealID finds a client's session by the identity it declared
// at hello time, independent of the IP a later data-plane connection
// is observed from. The TCP flow server needs this for a reconnecting
// client whose data-plane source IP no longer matches the side
// channel's (an IP flip), where the client instead declares its
// identity inline via an X-rr header.
func (r *Registry) LookupByRealID(realID, replayName string) (*ClientSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	byReplay, ok := r.byRealID[realID]
	if !ok {
		return nil, false
	}
	session, ok := byReplay[replayName]
	return session, ok
}

// Release ends session's admission claim without killing it, used on
// the normal end-of-test handshake so the address frees up for the
// next client immediately.
func (r *Registry) Release(observedIP string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.admission, observedIP)
}

// Close runs the full close-callback cleanup for one side-channel
// session: it forgets the session's registry entries, cancels its
// context, and returns the UDP client ports, if any, that a UDP flow
// server should also forget. The admission slot is released only when
// the session marked its test sequence finished (or was the baseline
// test); otherwise it is kept so the same real ID can run
// back-to-back tests without re-contending for its address.
func (r *Registry) Close(sessionID string) (realID string, udpPorts []int) {
	r.mu.Lock()
	session, ok := r.bySessionID[sessionID]
	if !ok {
		r.mu.Unlock()
		return "", nil
	}
	delete(r.bySessionID, sessionID)
	delete(r.byRealID[session.RealID], session.ReplayName)
	if len(r.byRealID[session.RealID]) == 0 {
		delete(r.byRealID, session.RealID)
	}
	if session.EndOfTest || session.TestID == 1 {
		if slot, ok := r.admission[session.ObservedIP]; ok && slot.RealID == session.RealID {
			delete(r.admission, session.ObservedIP)
		}
	}
	delete(r.flowTasks, sessionID)
	udpPorts = r.purgeUDPMappingsLocked(sessionID)
	r.mu.Unlock()

	session.Kill()
	return session.RealID, udpPorts
}

// purgeUDPMappingsLocked removes every UDP port mapping owned by
// sessionID and returns the purged ports. Callers must hold mu.
func (r *Registry) purgeUDPMappingsLocked(sessionID string) []int {
	var ports []int
	for key, byPort := range r.udpMappings {
		for port, id := range byPort {
			if id == sessionID {
				ports = append(ports, port)
				delete(byPort, port)
			}
		}
		if len(byPort) == 0 {
			delete(r.udpMappings, key)
		}
	}
	return ports
}

// RegisterUDPPort records that client port belongs to sessionID on the
// flow-server listener identified by listenerKey, so Close can later
// tell the UDP server which sockets to tear down.
func (r *Registry) RegisterUDPPort(listenerKey string, port int, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.udpMappings[listenerKey] == nil {
		r.udpMappings[listenerKey] = make(map[int]string)
	}
	r.udpMappings[listenerKey][port] = sessionID
}

// RegisterFlowTask records a flow-server goroutine started on behalf
// of sessionID, with its start time, until a matching
// UnregisterFlowTask or the session's Close. SweepIdle does not look
// at these records; a flow's running time is bounded by the flow
// server itself (tcpflow's FlowCeiling, udpflow's SenderCap).
func (r *Registry) RegisterFlowTask(sessionID string) xid.ID {
	id := xid.New()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.flowTasks[sessionID] == nil {
		r.flowTasks[sessionID] = make(map[xid.ID]time.Time)
	}
	r.flowTasks[sessionID][id] = time.Now()
	return id
}

// UnregisterFlowTask marks a flow-server goroutine as finished.
func (r *Registry) UnregisterFlowTask(sessionID string, id xid.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.flowTasks[sessionID], id)
}

// SweepIdle kills every session whose admission slot has not been
// Touch-ed within idleTimeout. It returns the real IDs it killed.
func (r *Registry) SweepIdle() []string {
	r.mu.Lock()
	cutoff := time.Now().Add(-r.idleTimeout)
	var stale []string
	for ip, slot := range r.admission {
		if slot.LastActive.Before(cutoff) {
			stale = append(stale, slot.RealID)
			delete(r.admission, ip)
		}
	}
	r.mu.Unlock()

	for _, realID := range stale {
		r.mu.Lock()
		r.evictLocked(realID)
		r.mu.Unlock()
	}
	return stale
}

// RunIdleSweeper runs SweepIdle on a ticker until ctx is cancelled.
func (r *Registry) RunIdleSweeper(ctx context.Context) {
	ticker := time.NewTicker(r.idleTimeout)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if killed := r.SweepIdle(); len(killed) > 0 {
				r.log.WithField("count", len(killed)).Info("sidechannel: idle sweep killed stale sessions")
			}
		}
	}
}
