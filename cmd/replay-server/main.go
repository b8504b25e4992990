// Command replay-server runs the side channel and TCP/UDP data-plane
// listeners for a directory of recorded replays.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/netmeasure/replaycore/analyzerio"
	"github.com/netmeasure/replaycore/internal/loadprobe"
	"github.com/netmeasure/replaycore/internal/rconfig"
	"github.com/netmeasure/replaycore/sidechannel"
	"github.com/netmeasure/replaycore/tcpflow"
	"github.com/netmeasure/replaycore/trace"
	"github.com/netmeasure/replaycore/udpflow"
)

func main() {
	cfg, err := rconfig.Parse(os.Args[1:])
	if err != nil {
		logrus.Fatalf("replay-server: %v", err)
	}

	log := logrus.NewEntry(logrus.StandardLogger())
	if level, ok := cfg.Get("log_level"); ok {
		lvl, err := logrus.ParseLevel(level)
		if err != nil {
			logrus.Fatalf("replay-server: log_level: %v", err)
		}
		logrus.SetLevel(lvl)
	}

	pcapFolder, err := cfg.MustGet("pcap_folder")
	if err != nil {
		logrus.Fatalf("replay-server: %v", err)
	}
	originalIPs, err := cfg.GetBoolDefault("original_ips", false)
	if err != nil {
		logrus.Fatalf("replay-server: %v", err)
	}

	publicIP := cfg.GetDefault("public_ip", "")
	if publicIP == "" {
		publicIP, err = detectOutboundIP()
		if err != nil {
			logrus.Fatalf("replay-server: detecting public_ip: %v", err)
		}
	}

	sideChannelAddr := cfg.GetDefault("side_channel_addr", ":55555")
	idleMinutes, err := cfg.GetIntDefault("idle_timeout_minutes", 5)
	if err != nil {
		logrus.Fatalf("replay-server: %v", err)
	}
	overloadAt, err := cfg.GetIntDefault("overload_at_percent", 95)
	if err != nil {
		logrus.Fatalf("replay-server: %v", err)
	}
	bucketCount, err := cfg.GetIntDefault("bucket_count", sidechannel.DefaultBucketCount)
	if err != nil {
		logrus.Fatalf("replay-server: %v", err)
	}
	requestTimeoutSeconds, err := cfg.GetIntDefault("request_timeout_seconds", 5)
	if err != nil {
		logrus.Fatalf("replay-server: %v", err)
	}
	iface := cfg.GetDefault("capture_interface", "")

	store := trace.NewStore(pcapFolder, originalIPs)
	tcpPorts, udpPorts, err := preloadReplays(store, pcapFolder, log)
	if err != nil {
		logrus.Fatalf("replay-server: scanning %s: %v", pcapFolder, err)
	}
	if len(tcpPorts) == 0 && len(udpPorts) == 0 {
		logrus.Fatalf("replay-server: %s contains no replays", pcapFolder)
	}

	var analyzer *analyzerio.Writer
	if root := cfg.GetDefault("analyzer_root", ""); root != "" {
		analyzer = &analyzerio.Writer{Root: root, Log: log}
	}

	probe := loadprobe.New(cfg.GetDefault("disk_path", "/"), log)
	registry := sidechannel.NewRegistry(time.Duration(idleMinutes)*time.Minute, probe.Load, float64(overloadAt)/100, log)

	scServer := &sidechannel.Server{
		Registry:       registry,
		Store:          store,
		PublicIP:       publicIP,
		Interface:      iface,
		Log:            log,
		BucketCount:    bucketCount,
		RequestTimeout: time.Duration(requestTimeoutSeconds) * time.Second,
		Analyzer:       analyzer,
	}

	tcpServer := &tcpflow.Server{Registry: registry, Store: store, Log: log}
	udpServer := &udpflow.Server{Registry: registry, Store: store, Notifier: scServer, Log: log}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go registry.RunIdleSweeper(ctx)

	errCh := make(chan error, 1+len(tcpPorts)+len(udpPorts))

	certFile := cfg.GetDefault("tls_cert_file", "")
	keyFile := cfg.GetDefault("tls_key_file", "")
	go func() {
		if certFile != "" && keyFile != "" {
			cert, err := tls.LoadX509KeyPair(certFile, keyFile)
			if err != nil {
				errCh <- err
				return
			}
			errCh <- scServer.ListenAndServeTLS(ctx, sideChannelAddr, cert)
			return
		}
		errCh <- scServer.ListenAndServe(ctx, sideChannelAddr)
	}()

	for _, port := range tcpPorts {
		port := port
		go func() {
			errCh <- tcpServer.ListenAndServe(ctx, ":"+strconv.Itoa(port))
		}()
	}
	for _, port := range udpPorts {
		port := port
		go func() {
			errCh <- udpServer.ListenAndServe(ctx, ":"+strconv.Itoa(port), port)
		}()
	}

	log.WithFields(logrus.Fields{
		"pcap_folder": pcapFolder,
		"public_ip":   publicIP,
		"tcp_ports":   len(tcpPorts),
		"udp_ports":   len(udpPorts),
	}).Info("replay-server: listening")

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logrus.Fatalf("replay-server: %v", err)
		}
	case <-ctx.Done():
	}
}

// preloadReplays walks pcapFolder's immediate subdirectories, loading
// each as a replay so the server knows every TCP/UDP port it must
// listen on before accepting its first connection.
func preloadReplays(store *trace.Store, pcapFolder string, log *logrus.Entry) (tcpPorts, udpPorts []int, err error) {
	entries, err := os.ReadDir(pcapFolder)
	if err != nil {
		return nil, nil, err
	}

	seenTCP := map[int]bool{}
	seenUDP := map[int]bool{}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name := filepath.Base(e.Name())
		replay, err := store.Load(name)
		if err != nil {
			log.WithError(err).WithField("replay", name).Warn("replay-server: skipping unloadable replay")
			continue
		}
		for _, p := range replay.TCPServerPorts {
			if !seenTCP[p] {
				seenTCP[p] = true
				tcpPorts = append(tcpPorts, p)
			}
		}
		for _, p := range replay.UDPServerPorts {
			if !seenUDP[p] {
				seenUDP[p] = true
				udpPorts = append(udpPorts, p)
			}
		}
	}
	return tcpPorts, udpPorts, nil
}

// detectOutboundIP finds the local address the OS would route a
// public-internet packet out of, without sending any traffic.
func detectOutboundIP() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String(), nil
}
