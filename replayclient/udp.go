package replayclient

import (
	"context"
	"net"
	"strconv"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/netmeasure/replaycore/sidechannel"
)

// udpSocket is one lazily-dialed UDP socket for an original client
// port. It both sends the client's own scripted datagrams and, via its
// receiver goroutine, counts bytes from the server's scripted stream
// for the throughput sampler.
type udpSocket struct {
	conn *net.UDPConn
}

// udpSocketFor returns the socket for clientPort, dialing and starting
// its receiver on first use.
func udpSocketFor(ctx context.Context, bindIP string, sockets map[int]*udpSocket, clientPort int, addr sidechannel.Addr, counter *int64, activity chan<- struct{}, log *logrus.Entry) (*udpSocket, error) {
	if s, ok := sockets[clientPort]; ok {
		return s, nil
	}

	dialer := &net.Dialer{LocalAddr: udpLocalAddr(bindIP)}
	nc, err := dialer.DialContext(ctx, "udp", net.JoinHostPort(addr.IP, strconv.Itoa(addr.Port)))
	if err != nil {
		return nil, err
	}
	conn := nc.(*net.UDPConn)
	s := &udpSocket{conn: conn}
	sockets[clientPort] = s

	go runUDPReceiver(ctx, conn, counter, activity, log)
	return s, nil
}

// runUDPReceiver reads the server's scripted datagram stream off one
// flow's socket until ctx is cancelled or the socket closes, feeding
// the throughput counter and watchdog activity channel.
func runUDPReceiver(ctx context.Context, conn *net.UDPConn, counter *int64, activity chan<- struct{}, log *logrus.Entry) {
	buf := make([]byte, 65536)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			if ctx.Err() == nil {
				log.WithError(err).Debug("replayclient: udp receiver stopped")
			}
			return
		}
		atomic.AddInt64(counter, int64(n))
		pushActivity(activity)
	}
}

func udpLocalAddr(bindIP string) *net.UDPAddr {
	if bindIP == "" {
		return nil
	}
	return &net.UDPAddr{IP: net.ParseIP(bindIP)}
}
