package replayclient

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/netmeasure/replaycore/sidechannel"
	"github.com/netmeasure/replaycore/trace"
)

// responseTolerance mirrors tcpflow's GET-request leniency on the
// other side of the wire: a scripted response may arrive a handful of
// bytes short or long of its declared length when a middlebox has
// reshaped it, so the receiver settles for "close enough" rather than
// blocking forever on an exact count.
const responseTolerance = 100

// responsePoll is how long the receiver waits for the last few
// tolerance bytes once most of a response has already arrived.
const responsePoll = 10 * time.Millisecond

// tcpSocket is one dialed connection for a single original flow key.
// ready is a 1-buffered gate: a token means the socket is free to send
// the next scripted request; the spawned receiver returns the token
// once it has finished reading the current response.
type tcpSocket struct {
	conn  net.Conn
	ready chan struct{}
}

func newTCPSocket(conn net.Conn) *tcpSocket {
	s := &tcpSocket{conn: conn, ready: make(chan struct{}, 1)}
	s.ready <- struct{}{}
	return s
}

// openSockets dials one TCP connection per distinct flow key in
// replay.ClientEvents against its mapped data-plane address. UDP
// sockets are created lazily during the send loop and the returned
// map starts empty.
func (d *Driver) openSockets(ctx context.Context, replay *trace.Replay, mapping sidechannel.PortMapping) (map[trace.FlowKey]*tcpSocket, map[int]*udpSocket, error) {
	tcpSockets := make(map[trace.FlowKey]*tcpSocket)
	for _, ev := range replay.ClientEvents {
		if ev.Proto != trace.TCP {
			continue
		}
		fk := ev.FlowKey()
		if _, ok := tcpSockets[fk]; ok {
			continue
		}
		addr, ok := mapping.TCP[ev.Server.IP][ev.Server.Port]
		if !ok {
			return nil, nil, fmt.Errorf("replayclient: no port mapping for tcp flow %s", fk)
		}
		conn, err := d.dialData(ctx, "tcp", addr)
		if err != nil {
			for _, s := range tcpSockets {
				s.conn.Close()
			}
			return nil, nil, fmt.Errorf("replayclient: dialing tcp flow %s: %w", fk, err)
		}
		if tc, ok := conn.(*net.TCPConn); ok {
			tc.SetNoDelay(true)
		}
		tcpSockets[fk] = newTCPSocket(conn)
	}
	return tcpSockets, make(map[int]*udpSocket), nil
}

func (d *Driver) dialData(ctx context.Context, network string, addr sidechannel.Addr) (net.Conn, error) {
	dialer := &net.Dialer{LocalAddr: localAddr(d.Config.BindIP)}
	return dialer.DialContext(ctx, network, net.JoinHostPort(addr.IP, strconv.Itoa(addr.Port)))
}

// sendTCP writes one scripted client request on sock, then spawns a
// receiver for its declared response (if any) and returns once the
// request itself has been sent; the receiver runs in the background
// and re-arms sock.ready when it finishes.
func sendTCP(ctx context.Context, sock *tcpSocket, payload []byte, expectedResponseLen int, counter *int64, activity chan<- struct{}, ipFlip chan<- string, log *logrus.Entry) error {
	select {
	case <-sock.ready:
	case <-ctx.Done():
		return ctx.Err()
	}

	if _, err := sock.conn.Write(payload); err != nil {
		sock.ready <- struct{}{}
		return fmt.Errorf("replayclient: writing tcp request: %w", err)
	}
	pushActivity(activity)

	if expectedResponseLen <= 0 {
		sock.ready <- struct{}{}
		return nil
	}

	go func() {
		n, data := readTolerant(sock.conn, expectedResponseLen)
		if n > 0 {
			atomic.AddInt64(counter, int64(n))
			pushActivity(activity)
			if ip, ok := detectSuspiciousIP(data); ok {
				select {
				case ipFlip <- ip:
				default:
				}
			}
		}
		sock.ready <- struct{}{}
	}()
	return nil
}

// readTolerant reads up to want bytes from conn. Once at most
// responseTolerance bytes remain to reach want, it polls for
// responsePoll instead of blocking indefinitely, and returns whatever
// arrived either way.
func readTolerant(conn net.Conn, want int) (int, []byte) {
	buf := make([]byte, want)
	n := 0
	for n < want {
		remaining := want - n
		if remaining <= responseTolerance {
			conn.SetReadDeadline(time.Now().Add(responsePoll))
		} else {
			conn.SetReadDeadline(time.Time{})
		}
		m, err := conn.Read(buf[n:])
		n += m
		if err != nil {
			break
		}
	}
	conn.SetReadDeadline(time.Time{})
	return n, buf[:n]
}

func detectSuspiciousIP(data []byte) (string, bool) {
	const prefix = "SuspiciousClientIP!;"
	s := string(data)
	if len(s) <= len(prefix) || s[:len(prefix)] != prefix {
		return "", false
	}
	return s[len(prefix):], true
}

func pushActivity(activity chan<- struct{}) {
	select {
	case activity <- struct{}{}:
	default:
	}
}
