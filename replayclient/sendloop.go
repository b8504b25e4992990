package replayclient

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/netmeasure/replaycore/mutate"
	"github.com/netmeasure/replaycore/sidechannel"
	"github.com/netmeasure/replaycore/trace"
)

// flowIndex tracks the Nth client-sent packet on one flow, for
// matching the test's mutation spec against the right outgoing
// packet; mirrors tcpflow.runScript's respIndex on the sending side.
type flowIndex struct {
	counts map[trace.FlowKey]int
}

func newFlowIndex() *flowIndex {
	return &flowIndex{counts: map[trace.FlowKey]int{}}
}

func (f *flowIndex) next(fk trace.FlowKey) int {
	i := f.counts[fk]
	f.counts[fk] = i + 1
	return i
}

// runSendLoop replays replay.ClientEvents in recorded order, each
// delayed until origin+event.Timestamp, dispatching TCP events to
// their pre-opened socket and UDP events to a lazily-created one.
func runSendLoop(
	ctx context.Context,
	replay *trace.Replay,
	mapping sidechannel.PortMapping,
	bindIP string,
	tcpSockets map[trace.FlowKey]*tcpSocket,
	udpSockets map[int]*udpSocket,
	mutation *sidechannel.Mutation,
	applier *mutate.Applier,
	counter *int64,
	activity chan<- struct{},
	ipFlip chan<- string,
	log *logrus.Entry,
) {
	origin := time.Now()
	idx := newFlowIndex()

	for _, ev := range replay.ClientEvents {
		if ctx.Err() != nil {
			return
		}

		fk := ev.FlowKey()
		packetIndex := idx.next(fk)

		payload := ev.Payload
		if mutation != nil && mutation.PacketIndex == packetIndex {
			out, deleted, err := applier.Apply(payload, mutation.Action, packetIndex == 0)
			if err != nil {
				log.WithError(err).Warn("replayclient: applying mutation")
			} else if deleted {
				continue
			} else {
				payload = out
			}
		}

		if !sleepUntil(ctx, origin.Add(ev.Timestamp)) {
			return
		}

		switch ev.Proto {
		case trace.TCP:
			sock, ok := tcpSockets[fk]
			if !ok {
				log.WithField("flow", fk).Warn("replayclient: no socket for tcp flow")
				continue
			}
			if err := sendTCP(ctx, sock, payload, ev.ExpectedResponseLen, counter, activity, ipFlip, log); err != nil {
				log.WithError(err).Debug("replayclient: sending tcp request")
				return
			}

		case trace.UDP:
			addr, ok := mapping.UDP[ev.Server.IP][ev.Server.Port]
			if !ok {
				log.WithField("flow", fk).Warn("replayclient: no port mapping for udp flow")
				continue
			}
			sock, err := udpSocketFor(ctx, bindIP, udpSockets, ev.Client.Port, addr, counter, activity, log)
			if err != nil {
				log.WithError(err).Debug("replayclient: dialing udp flow")
				continue
			}
			if _, err := sock.conn.Write(payload); err != nil {
				log.WithError(err).Debug("replayclient: sending udp datagram")
				continue
			}
			pushActivity(activity)
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
