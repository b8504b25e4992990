// Command replay-client drives one scripted replay against a
// replay-server instance over the side channel, exiting 0 on success,
// 1 on idle timeout, 2 on a detected IP flip, 3 on admission denial.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/netmeasure/replaycore/internal/rconfig"
	"github.com/netmeasure/replaycore/replayclient"
	"github.com/netmeasure/replaycore/sidechannel"
	"github.com/netmeasure/replaycore/trace"
)

func main() {
	cfg, err := rconfig.Parse(os.Args[1:])
	if err != nil {
		logrus.Fatalf("replay-client: %v", err)
	}

	log := logrus.NewEntry(logrus.StandardLogger())
	if level, ok := cfg.Get("log_level"); ok {
		lvl, err := logrus.ParseLevel(level)
		if err != nil {
			logrus.Fatalf("replay-client: log_level: %v", err)
		}
		logrus.SetLevel(lvl)
	}

	pcapFolder, err := cfg.MustGet("pcap_folder")
	if err != nil {
		logrus.Fatalf("replay-client: %v", err)
	}
	serverInstance, err := cfg.MustGet("serverInstance")
	if err != nil {
		logrus.Fatalf("replay-client: %v", err)
	}
	replayName, err := cfg.MustGet("replay_name")
	if err != nil {
		logrus.Fatalf("replay-client: %v", err)
	}

	sidePort, err := cfg.GetIntDefault("side_channel_port", 55555)
	if err != nil {
		logrus.Fatalf("replay-client: %v", err)
	}
	useTLS, err := cfg.GetBoolDefault("tls", false)
	if err != nil {
		logrus.Fatalf("replay-client: %v", err)
	}

	realID := cfg.GetDefault("real_id", "anonymous")
	testID, err := cfg.GetIntDefault("test_id", 0)
	if err != nil {
		logrus.Fatalf("replay-client: %v", err)
	}
	historyCount, err := cfg.GetIntDefault("history_count", 0)
	if err != nil {
		logrus.Fatalf("replay-client: %v", err)
	}
	endOfTest, err := cfg.GetBoolDefault("end_of_test", true)
	if err != nil {
		logrus.Fatalf("replay-client: %v", err)
	}
	idleTimeoutSeconds, err := cfg.GetIntDefault("idle_timeout_seconds", 30)
	if err != nil {
		logrus.Fatalf("replay-client: %v", err)
	}
	requestTimeoutSeconds, err := cfg.GetIntDefault("request_timeout_seconds", 5)
	if err != nil {
		logrus.Fatalf("replay-client: %v", err)
	}
	mutationAction := cfg.GetDefault("mutation_action", "None")
	mutationPacketIndex, err := cfg.GetIntDefault("mutation_packet_index", 0)
	if err != nil {
		logrus.Fatalf("replay-client: %v", err)
	}

	store := trace.NewStore(pcapFolder, false)

	var tlsConfig *tls.Config
	if useTLS {
		// The side channel authenticates admitted clients by its own
		// admission rules, not PKI: the server presents no CA-signed
		// certificate in practice, so verification is disabled here
		// to match.
		tlsConfig = &tls.Config{InsecureSkipVerify: true} // nolint:gosec
	}

	driver := &replayclient.Driver{Config: replayclient.Config{
		SideChannelAddr: net.JoinHostPort(serverInstance, fmt.Sprintf("%d", sidePort)),
		TLSConfig:       tlsConfig,
		Store:           store,
		ReplayName:      replayName,
		RealID:          realID,
		TestID:          testID,
		HistoryCount:    historyCount,
		Extra:           cfg.GetDefault("extra", ""),
		ClientVersion:   cfg.GetDefault("client_version", ""),
		EndOfTest:       endOfTest,
		RealIP:          cfg.GetDefault("real_ip", ""),
		Mutation:        sidechannel.MutationSpec{PacketIndex: mutationPacketIndex, Action: mutationAction},
		BindIP:          cfg.GetDefault("bind_ip", ""),
		IdleTimeout:     time.Duration(idleTimeoutSeconds) * time.Second,
		RequestTimeout:  time.Duration(requestTimeoutSeconds) * time.Second,
		Log:             log,
	}}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result, err := driver.Run(ctx)
	if err != nil {
		logrus.Fatalf("replay-client: %v", err)
	}

	log.WithFields(logrus.Fields{
		"exit_code": result.ExitCode,
		"outcome":   result.Outcome.Kind,
	}).Info("replay-client: done")

	os.Exit(result.ExitCode)
}
