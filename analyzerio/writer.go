// Package analyzerio persists the two per-test artifacts the external
// analyzer service watches for: the throughput sample
// and a 17-field replay-info record, plus finalizing a capture's pcap
// into the results tree. This package is the only part of the core
// that writes to the analyzer's directory contract; it has no
// knowledge of how the analyzer reads or scores what it writes.
package analyzerio

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/netmeasure/replaycore/internal/procrunner"
)

// ThroughputSample is the [[xput...],[t...]] pair written to
// clientXputs/, mirroring sidechannel.ThroughputSample's wire shape.
type ThroughputSample struct {
	Xput []float64
	T    []float64
}

// ReplayInfo holds the values WriteReplayInfo lays out as the
// 17-field positional replayInfo array. The anonymized ID and IP and
// the alertedARCEP flag are derived when the row is built, so they
// have no field here, and the field order differs from the row's.
type ReplayInfo struct {
	IncomingTimeUnix float64
	RealID           string
	ExtraString      string
	HistoryCount     int
	TestID           int
	Exceptions       []string
	Success          bool
	SecondarySuccess bool
	IperfMbps        float64
	ElapsedSeconds   float64
	ClientTimeUnix   float64
	MobileStats      json.RawMessage
	ClientVersion    string

	// ObservedIP feeds the anonymized IP field and is never itself
	// written to disk; ReplayName is written as-is.
	ReplayName string
	ObservedIP string
}

// alertedARCEP is always false: the field belongs to a French
// regulatory reporting integration that lives outside the replay core.
const alertedARCEP = false

// Writer persists analyzer artifacts under Root:
// "tmpResults/<realID>/{clientXputs,replayInfo}/" and a sibling
// "tcpdumpsResults/" for finalized captures.
type Writer struct {
	Root string
	Log  *logrus.Entry
}

func (w *Writer) logger() *logrus.Entry {
	if w.Log == nil {
		return logrus.NewEntry(logrus.StandardLogger())
	}
	return w.Log
}

// WriteXput writes clientXputs/Xput_<realID>_<historyCount>_<testID>.json.
func (w *Writer) WriteXput(realID string, historyCount, testID int, sample ThroughputSample) error {
	dir := filepath.Join(w.Root, "tmpResults", realID, "clientXputs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("analyzerio: creating %s: %w", dir, err)
	}

	b, err := json.Marshal([2][]float64{sample.Xput, sample.T})
	if err != nil {
		return fmt.Errorf("analyzerio: encoding xput: %w", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("Xput_%s_%d_%d.json", realID, historyCount, testID))
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("analyzerio: writing %s: %w", path, err)
	}
	w.logger().WithField("path", path).Debug("analyzerio: wrote xput sample")
	return nil
}

// WriteReplayInfo writes replayInfo/replayInfo_<realID>_<historyCount>_<testID>.json,
// the 17-field positional array.
func (w *Writer) WriteReplayInfo(info ReplayInfo) error {
	dir := filepath.Join(w.Root, "tmpResults", info.RealID, "replayInfo")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("analyzerio: creating %s: %w", dir, err)
	}

	mobile := info.MobileStats
	if mobile == nil {
		mobile = json.RawMessage("null")
	}

	row := [17]interface{}{
		info.IncomingTimeUnix,
		info.RealID,
		AnonymizeID(info.RealID),
		AnonymizeIP(info.ObservedIP),
		info.ReplayName,
		info.ExtraString,
		info.HistoryCount,
		info.TestID,
		info.Exceptions,
		info.Success,
		info.SecondarySuccess,
		info.IperfMbps,
		info.ElapsedSeconds,
		info.ClientTimeUnix,
		mobile,
		alertedARCEP,
		info.ClientVersion,
	}

	b, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("analyzerio: encoding replayInfo: %w", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("replayInfo_%s_%d_%d.json", info.RealID, info.HistoryCount, info.TestID))
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("analyzerio: writing %s: %w", path, err)
	}
	w.logger().WithField("path", path).Debug("analyzerio: wrote replayInfo")
	return nil
}

// FinalizePcap runs an external pcap-cleaning hook (e.g. a
// clean_pcap-equivalent that strips payload bytes the analyzer
// doesn't need) over srcPath, then moves the result into
// "tcpdumpsResults/" under Root. clean is invoked as
// clean(srcPath, dstPath); pass nil to skip cleaning and just move the
// file verbatim.
func (w *Writer) FinalizePcap(srcPath string, clean func(src, dst string) error) (string, error) {
	dir := filepath.Join(w.Root, "tcpdumpsResults")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("analyzerio: creating %s: %w", dir, err)
	}
	dst := filepath.Join(dir, filepath.Base(srcPath))

	if clean != nil {
		if err := clean(srcPath, dst); err != nil {
			return "", fmt.Errorf("analyzerio: cleaning pcap %s: %w", srcPath, err)
		}
		if err := os.Remove(srcPath); err != nil && !os.IsNotExist(err) {
			w.logger().WithError(err).Warn("analyzerio: removing cleaned source pcap")
		}
		return dst, nil
	}

	if err := os.Rename(srcPath, dst); err != nil {
		return "", fmt.Errorf("analyzerio: moving pcap %s to %s: %w", srcPath, dst, err)
	}
	return dst, nil
}

// CleanPcapCommand returns a FinalizePcap clean hook that shells out to
// an external program (name, e.g. a Python clean_pcap.py or compiled
// helper) invoked as "name <src> <dst>".
func CleanPcapCommand(name string, extraArgs ...string) func(src, dst string) error {
	return func(src, dst string) error {
		args := append(append([]string(nil), extraArgs...), src, dst)
		_, err := procrunner.Run(context.Background(), name, args...)
		return err
	}
}

// AnonymizeIP truncates an address: IPv4 to a /24 (zero the last
// octet), IPv6 to a /48.
func AnonymizeIP(raw string) string {
	ip := net.ParseIP(raw)
	if ip == nil {
		return raw
	}
	if v4 := ip.To4(); v4 != nil {
		masked := v4.Mask(net.CIDRMask(24, 32))
		return masked.String()
	}
	masked := ip.Mask(net.CIDRMask(48, 128))
	return masked.String()
}

// AnonymizeID one-way hashes a client real ID for the analyzer's
// idAnonymized field, so the on-disk artifact doesn't carry the raw
// token itself.
func AnonymizeID(realID string) string {
	sum := sha1.Sum([]byte(realID))
	return hex.EncodeToString(sum[:])[:16]
}
