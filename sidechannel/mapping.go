package sidechannel

import (
	"strings"

	"github.com/netmeasure/replaycore/trace"
)

// BuildPortMapping constructs step 6's reply: for every original
// server port this replay uses, the address the client should
// actually connect/send to. Since the runtime always serves a replay
// from one public address (regardless of whether the trace recorded
// original_ips=true/false — that flag only controls how the UDP
// script is indexed internally, not how sockets are exposed), both
// TCP and UDP entries resolve to publicIP with the port unchanged.
func BuildPortMapping(r *trace.Replay, publicIP string) PortMapping {
	pm := PortMapping{
		TCP: map[string]map[int]Addr{},
		UDP: map[string]map[int]Addr{},
	}

	tcpIPs := tcpServerIPs(r)
	if len(tcpIPs) == 0 {
		tcpIPs = []string{publicIP}
	}
	for _, ip := range tcpIPs {
		byPort := map[int]Addr{}
		for _, port := range r.TCPServerPorts {
			byPort[port] = Addr{IP: publicIP, Port: port}
		}
		pm.TCP[ip] = byPort
	}

	udpIPs := r.MergedOriginalServerIPs
	if len(udpIPs) == 0 {
		udpIPs = []string{publicIP}
	}
	for _, ip := range udpIPs {
		byPort := map[int]Addr{}
		for _, port := range r.UDPServerPorts {
			byPort[port] = Addr{IP: publicIP, Port: port}
		}
		pm.UDP[ip] = byPort
	}

	return pm
}

// tcpServerIPs recovers the distinct original server IPs referenced by
// this replay's TCP flow keys ("<clientIP>.<clientPort>-<serverIP>.<serverPort>").
func tcpServerIPs(r *trace.Replay) []string {
	seen := map[string]bool{}
	var ips []string
	for fk := range r.TCPScript {
		parts := strings.SplitN(string(fk), "-", 2)
		if len(parts) != 2 {
			continue
		}
		dot := strings.LastIndex(parts[1], ".")
		if dot < 0 {
			continue
		}
		ip := parts[1][:dot]
		if !seen[ip] {
			seen[ip] = true
			ips = append(ips, ip)
		}
	}
	return ips
}
