package sidechannel

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// This file implements the literal wire vocabulary of the side-channel
// session sequence: each frame is either a semicolon-delimited ASCII
// line or a bare JSON value, never a wrapped envelope — matching the
// original protocol's ad hoc but precisely specified field layout.

// HelloBody is step 1: "realID;testID;replayName;extra;historyCount;endOfTest;realIP;version".
type HelloBody struct {
	RealID        string
	TestID        int
	ReplayName    string
	Extra         string
	HistoryCount  int
	EndOfTest     bool
	RealIP        string
	ClientVersion string
}

func (h HelloBody) Encode() string {
	return strings.Join([]string{
		h.RealID,
		strconv.Itoa(h.TestID),
		h.ReplayName,
		h.Extra,
		strconv.Itoa(h.HistoryCount),
		boolField(h.EndOfTest),
		h.RealIP,
		h.ClientVersion,
	}, ";")
}

func decodeHello(s string) (HelloBody, error) {
	fields := strings.Split(s, ";")
	if len(fields) != 8 {
		return HelloBody{}, fmt.Errorf("sidechannel: hello has %d fields, want 8", len(fields))
	}
	testID, err := strconv.Atoi(fields[1])
	if err != nil {
		return HelloBody{}, fmt.Errorf("sidechannel: hello testID: %w", err)
	}
	historyCount, err := strconv.Atoi(fields[4])
	if err != nil {
		return HelloBody{}, fmt.Errorf("sidechannel: hello historyCount: %w", err)
	}
	return HelloBody{
		RealID:        fields[0],
		TestID:        testID,
		ReplayName:    fields[2],
		Extra:         fields[3],
		HistoryCount:  historyCount,
		EndOfTest:     fields[5] == "1",
		RealIP:        fields[6],
		ClientVersion: fields[7],
	}, nil
}

func decodeJSON(s string, v interface{}) error {
	return json.Unmarshal([]byte(s), v)
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// MutationSpec is step 2's JSON triple [packetIndex, action, params].
type MutationSpec struct {
	PacketIndex int
	Action      string
	Params      []json.RawMessage
}

func (m MutationSpec) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{m.PacketIndex, m.Action, m.Params})
}

func (m *MutationSpec) UnmarshalJSON(b []byte) error {
	var raw [3]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("sidechannel: mutation spec: %w", err)
	}
	if err := json.Unmarshal(raw[0], &m.PacketIndex); err != nil {
		return fmt.Errorf("sidechannel: mutation spec packetIndex: %w", err)
	}
	if err := json.Unmarshal(raw[1], &m.Action); err != nil {
		return fmt.Errorf("sidechannel: mutation spec action: %w", err)
	}
	var params []json.RawMessage
	if err := json.Unmarshal(raw[2], &params); err != nil {
		return fmt.Errorf("sidechannel: mutation spec params: %w", err)
	}
	m.Params = params
	return nil
}

// Admission verdict codes sent on step 3.
const (
	AdmitOK = iota
	AdmitUnknownReplay
	AdmitBusy
	AdmitOverloaded
)

// encodeAdmit renders step 3: "1;<publicIP>;<bucketCount>" on success,
// "0;<code>;<bucketCount>" on refusal.
func encodeAdmit(code int, publicIP string, bucketCount int) string {
	if code == AdmitOK {
		return fmt.Sprintf("1;%s;%d", publicIP, bucketCount)
	}
	return fmt.Sprintf("0;%d;%d", code, bucketCount)
}

func decodeAdmit(s string) (code int, publicIP string, bucketCount int, err error) {
	fields := strings.Split(s, ";")
	if len(fields) == 0 {
		return 0, "", 0, fmt.Errorf("sidechannel: empty admit reply")
	}
	ok, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0, "", 0, fmt.Errorf("sidechannel: admit reply leading field: %w", err)
	}
	if ok == 1 {
		if len(fields) != 3 {
			return 0, "", 0, fmt.Errorf("sidechannel: admit-ok reply has %d fields, want 3", len(fields))
		}
		bucketCount, err := strconv.Atoi(fields[2])
		if err != nil {
			return 0, "", 0, fmt.Errorf("sidechannel: admit reply bucketCount: %w", err)
		}
		return AdmitOK, fields[1], bucketCount, nil
	}
	if len(fields) < 2 {
		return 0, "", 0, fmt.Errorf("sidechannel: admit-refuse reply missing code")
	}
	code, err = strconv.Atoi(fields[1])
	if err != nil {
		return 0, "", 0, fmt.Errorf("sidechannel: admit reply code: %w", err)
	}
	return code, "", 0, nil
}

// IperfReport is step 4.
type IperfReport struct {
	WillSend bool
	Result   string // raw iperf result text, only meaningful when WillSend
}

func (r IperfReport) Encode() []string {
	if !r.WillSend {
		return []string{"NoIperf"}
	}
	return []string{"WillSendIperf", r.Result}
}

// MobileStatsReport is step 5.
type MobileStatsReport struct {
	WillSend bool
	Stats    json.RawMessage
}

func (r MobileStatsReport) Encode() []string {
	if !r.WillSend {
		return []string{"NoMobileStats"}
	}
	return []string{"WillSendMobileStats", string(r.Stats)}
}

// Addr is one endpoint of a port-mapping entry: [ip, port].
type Addr struct {
	IP   string
	Port int
}

func (a Addr) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]interface{}{a.IP, a.Port})
}

func (a *Addr) UnmarshalJSON(b []byte) error {
	var pair [2]interface{}
	if err := json.Unmarshal(b, &pair); err != nil {
		return err
	}
	ip, ok := pair[0].(string)
	if !ok {
		return fmt.Errorf("sidechannel: addr ip is not a string")
	}
	portF, ok := pair[1].(float64)
	if !ok {
		return fmt.Errorf("sidechannel: addr port is not a number")
	}
	a.IP, a.Port = ip, int(portF)
	return nil
}

// PortMapping is step 6's JSON body: {tcp:{ip:{port:[ip,port]}}, udp:{...}}.
type PortMapping struct {
	TCP map[string]map[int]Addr `json:"tcp"`
	UDP map[string]map[int]Addr `json:"udp"`
}

func encodePortMapping(m PortMapping) (string, error) {
	type wire struct {
		TCP map[string]map[string]Addr `json:"tcp"`
		UDP map[string]map[string]Addr `json:"udp"`
	}
	w := wire{TCP: map[string]map[string]Addr{}, UDP: map[string]map[string]Addr{}}
	for ip, byPort := range m.TCP {
		w.TCP[ip] = map[string]Addr{}
		for port, addr := range byPort {
			w.TCP[ip][strconv.Itoa(port)] = addr
		}
	}
	for ip, byPort := range m.UDP {
		w.UDP[ip] = map[string]Addr{}
		for port, addr := range byPort {
			w.UDP[ip][strconv.Itoa(port)] = addr
		}
	}
	b, err := json.Marshal(w)
	return string(b), err
}

// NotifyBody is one of step 8's interleaved notifications:
// "STARTED;<port>" or "DONE;<port>".
type NotifyBody struct {
	Started    bool
	ServerPort int
}

func (n NotifyBody) Encode() string {
	verb := "DONE"
	if n.Started {
		verb = "STARTED"
	}
	return fmt.Sprintf("%s;%d", verb, n.ServerPort)
}

func decodeNotify(s string) (NotifyBody, bool) {
	fields := strings.SplitN(s, ";", 2)
	if len(fields) != 2 {
		return NotifyBody{}, false
	}
	port, err := strconv.Atoi(fields[1])
	if err != nil {
		return NotifyBody{}, false
	}
	switch fields[0] {
	case "STARTED":
		return NotifyBody{Started: true, ServerPort: port}, true
	case "DONE":
		return NotifyBody{Started: false, ServerPort: port}, true
	default:
		return NotifyBody{}, false
	}
}

// TestOutcome is step 9: "DONE;<durationSeconds>", "ipFlip", or "timeout".
type TestOutcome struct {
	Kind            string // "done", "ipFlip", "timeout"
	DurationSeconds float64
}

func (o TestOutcome) Encode() string {
	switch o.Kind {
	case "done":
		return fmt.Sprintf("DONE;%g", o.DurationSeconds)
	case "ipFlip":
		return "ipFlip"
	default:
		return "timeout"
	}
}

func decodeTestOutcome(s string) (TestOutcome, error) {
	if s == "ipFlip" || s == "timeout" {
		return TestOutcome{Kind: s}, nil
	}
	fields := strings.SplitN(s, ";", 2)
	if len(fields) != 2 || fields[0] != "DONE" {
		return TestOutcome{}, fmt.Errorf("sidechannel: unrecognized test outcome %q", s)
	}
	seconds, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return TestOutcome{}, fmt.Errorf("sidechannel: test outcome duration: %w", err)
	}
	return TestOutcome{Kind: "done", DurationSeconds: seconds}, nil
}

// ThroughputSample is step 10's body: [[xput...],[t...]], or the
// client may instead send the literal "NoJitter".
type ThroughputSample struct {
	Xput []float64
	T    []float64
}

func encodeThroughputSample(s ThroughputSample) (string, error) {
	b, err := json.Marshal([2][]float64{s.Xput, s.T})
	return string(b), err
}

func decodeThroughputSample(s string) (ThroughputSample, bool, error) {
	if s == "NoJitter" {
		return ThroughputSample{}, false, nil
	}
	var pair [2][]float64
	if err := json.Unmarshal([]byte(s), &pair); err != nil {
		return ThroughputSample{}, false, fmt.Errorf("sidechannel: throughput sample: %w", err)
	}
	return ThroughputSample{Xput: pair[0], T: pair[1]}, true, nil
}

// ResultReport is step 11: "Result;Yes" or "Result;No".
type ResultReport struct {
	Success bool
}

func (r ResultReport) Encode() string {
	if r.Success {
		return "Result;Yes"
	}
	return "Result;No"
}

func decodeResultReport(s string) (ResultReport, error) {
	switch s {
	case "Result;Yes":
		return ResultReport{Success: true}, nil
	case "Result;No":
		return ResultReport{Success: false}, nil
	default:
		return ResultReport{}, fmt.Errorf("sidechannel: unrecognized result report %q", s)
	}
}
