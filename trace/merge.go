package trace

import "sort"

// mergeOriginalIPs folds a Replay's per-server-IP UDP scripts together
// keyed by original server port only, because the runtime will serve
// them from a single public address. Event lists for a given
// (serverPort, clientPort) pair across different original IPs are
// concatenated and re-sorted by timestamp; the sort is stable so
// same-timestamp events keep their original relative ordering.
func mergeOriginalIPs(r *Replay, serverIPs []string) {
	if len(r.UDPScript) <= 1 {
		// Nothing to fold; normalize to the "" key for a uniform
		// lookup surface regardless of whether the parser already
		// emitted a single unnamed script.
		for ip, byPort := range r.UDPScript {
			r.UDPScript = map[string]map[int]map[int][]UDPEvent{"": byPort}
			_ = ip
			break
		}
		r.MergedOriginalServerIPs = append([]string(nil), serverIPs...)
		return
	}

	merged := make(map[int]map[int][]UDPEvent)
	for _, byPort := range r.UDPScript {
		for serverPort, byClientPort := range byPort {
			if _, ok := merged[serverPort]; !ok {
				merged[serverPort] = make(map[int][]UDPEvent)
			}
			for clientPort, events := range byClientPort {
				merged[serverPort][clientPort] = append(merged[serverPort][clientPort], events...)
			}
		}
	}

	for _, byClientPort := range merged {
		for clientPort, events := range byClientPort {
			sorted := append([]UDPEvent(nil), events...)
			sort.SliceStable(sorted, func(i, j int) bool {
				return sorted[i].Timestamp < sorted[j].Timestamp
			})
			byClientPort[clientPort] = sorted
		}
	}

	r.UDPScript = map[string]map[int]map[int][]UDPEvent{"": merged}
	r.MergedOriginalServerIPs = append([]string(nil), serverIPs...)
}
