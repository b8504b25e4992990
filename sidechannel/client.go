package sidechannel

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/netmeasure/replaycore/internal/wire"
)

// Client is the replay client's side of the side channel, driving the
// session sequence from hello through the final result report.
type Client struct {
	conn    *wire.Conn
	timeout time.Duration
}

// ClientOption configures a Client constructed by Dial or New.
type ClientOption func(*Client)

// WithTimeout bounds every Client request/response round trip.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.timeout = d }
}

// Dial connects to a plaintext side-channel server at addr.
func Dial(ctx context.Context, addr string, opts ...ClientOption) (*Client, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("sidechannel: dial %s: %w", addr, err)
	}
	return New(nc, opts...), nil
}

// DialTLS connects to a TLS-terminated side-channel server.
func DialTLS(ctx context.Context, addr string, tlsConfig *tls.Config, opts ...ClientOption) (*Client, error) {
	var d net.Dialer
	nc, err := tls.DialWithDialer(&d, "tcp", addr, tlsConfig)
	if err != nil {
		return nil, fmt.Errorf("sidechannel: dial tls %s: %w", addr, err)
	}
	return New(nc, opts...), nil
}

// New wraps an already-established connection as a Client.
func New(nc net.Conn, opts ...ClientOption) *Client {
	c := &Client{conn: wire.NewConn(nc)}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Close closes the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }

// Hello drives steps 1-3: send the client's identity and the test's
// mutation spec, and return the admission verdict.
func (c *Client) Hello(ctx context.Context, hello HelloBody, mutation MutationSpec) (code int, publicIP string, bucketCount int, err error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	if err := c.conn.SendString(ctx, hello.Encode()); err != nil {
		return 0, "", 0, fmt.Errorf("sidechannel: send hello: %w", err)
	}

	mutationJSON, err := json.Marshal(mutation)
	if err != nil {
		return 0, "", 0, fmt.Errorf("sidechannel: encode mutation spec: %w", err)
	}
	if err := c.conn.SendString(ctx, string(mutationJSON)); err != nil {
		return 0, "", 0, fmt.Errorf("sidechannel: send mutation spec: %w", err)
	}

	reply, err := c.conn.ReceiveString(ctx)
	if err != nil {
		return 0, "", 0, fmt.Errorf("sidechannel: receive admit reply: %w", err)
	}
	return decodeAdmit(reply)
}

// ReportIperf drives step 4.
func (c *Client) ReportIperf(ctx context.Context, report IperfReport) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	for _, line := range report.Encode() {
		if err := c.conn.SendString(ctx, line); err != nil {
			return fmt.Errorf("sidechannel: send iperf report: %w", err)
		}
	}
	return nil
}

// ReportMobileStats drives step 5.
func (c *Client) ReportMobileStats(ctx context.Context, report MobileStatsReport) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	for _, line := range report.Encode() {
		if err := c.conn.SendString(ctx, line); err != nil {
			return fmt.Errorf("sidechannel: send mobile stats report: %w", err)
		}
	}
	return nil
}

// ReceivePortMapping drives steps 6-7: the port mapping and the UDP
// sender count.
func (c *Client) ReceivePortMapping(ctx context.Context) (PortMapping, int, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	mappingFrame, err := c.conn.ReceiveString(ctx)
	if err != nil {
		return PortMapping{}, 0, fmt.Errorf("sidechannel: receive port mapping: %w", err)
	}
	var wire struct {
		TCP map[string]map[string]Addr `json:"tcp"`
		UDP map[string]map[string]Addr `json:"udp"`
	}
	if err := json.Unmarshal([]byte(mappingFrame), &wire); err != nil {
		return PortMapping{}, 0, fmt.Errorf("sidechannel: decode port mapping: %w", err)
	}
	pm := PortMapping{TCP: map[string]map[int]Addr{}, UDP: map[string]map[int]Addr{}}
	for ip, byPort := range wire.TCP {
		pm.TCP[ip] = map[int]Addr{}
		for portStr, addr := range byPort {
			var port int
			fmt.Sscanf(portStr, "%d", &port)
			pm.TCP[ip][port] = addr
		}
	}
	for ip, byPort := range wire.UDP {
		pm.UDP[ip] = map[int]Addr{}
		for portStr, addr := range byPort {
			var port int
			fmt.Sscanf(portStr, "%d", &port)
			pm.UDP[ip][port] = addr
		}
	}

	countFrame, err := c.conn.ReceiveString(ctx)
	if err != nil {
		return pm, 0, fmt.Errorf("sidechannel: receive sender count: %w", err)
	}
	var count int
	if _, err := fmt.Sscanf(countFrame, "%d", &count); err != nil {
		return pm, 0, fmt.Errorf("sidechannel: decode sender count %q: %w", countFrame, err)
	}
	return pm, count, nil
}

// notifyPollInterval bounds how long Notifications blocks on one read
// before checking ctx again. wire.Conn's Receive only honors
// cancellation via a deadline set when the call starts, so a
// still-blocked read would otherwise outlive ctx being cancelled;
// polling keeps the goroutine responsive to Stop.
const notifyPollInterval = 250 * time.Millisecond

// Notifications streams step 8's server-pushed UDP sender lifecycle
// events until ctx is cancelled or the connection ends. The returned
// channel is closed only after the reading goroutine has fully
// stopped. The caller MUST cancel ctx AND wait for the channel to
// close before issuing the step 9-11 calls below: cancelling alone
// does not cut short an in-flight poll read, which could still
// consume a reply frame meant for those calls. Once the channel
// closes, the connection's receive half is free again.
func (c *Client) Notifications(ctx context.Context) <-chan NotifyBody {
	out := make(chan NotifyBody)
	go func() {
		defer close(out)
		for {
			if ctx.Err() != nil {
				return
			}
			pollCtx, cancel := context.WithTimeout(ctx, notifyPollInterval)
			frame, err := c.conn.ReceiveString(pollCtx)
			cancel()
			if err != nil {
				if ne, ok := err.(net.Error); ok && ne.Timeout() {
					continue
				}
				return
			}
			if body, ok := decodeNotify(frame); ok {
				select {
				case out <- body:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// ReportOutcome drives step 9.
func (c *Client) ReportOutcome(ctx context.Context, outcome TestOutcome) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.conn.SendString(ctx, outcome.Encode())
}

// ReportThroughput drives step 10: send the sample (or "NoJitter") and
// wait for the server's acknowledgement.
func (c *Client) ReportThroughput(ctx context.Context, sample *ThroughputSample) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	var frame string
	if sample == nil {
		frame = "NoJitter"
	} else {
		var err error
		frame, err = encodeThroughputSample(*sample)
		if err != nil {
			return fmt.Errorf("sidechannel: encode throughput sample: %w", err)
		}
	}
	if err := c.conn.SendString(ctx, frame); err != nil {
		return fmt.Errorf("sidechannel: send throughput sample: %w", err)
	}
	if _, err := c.conn.ReceiveString(ctx); err != nil {
		return fmt.Errorf("sidechannel: receive throughput ack: %w", err)
	}
	return nil
}

// ReportResult drives step 11.
func (c *Client) ReportResult(ctx context.Context, success bool) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	if err := c.conn.SendString(ctx, ResultReport{Success: success}.Encode()); err != nil {
		return fmt.Errorf("sidechannel: send result report: %w", err)
	}
	if _, err := c.conn.ReceiveString(ctx); err != nil {
		return fmt.Errorf("sidechannel: receive result ack: %w", err)
	}
	return nil
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return withTimeout(ctx, c.timeout)
}
