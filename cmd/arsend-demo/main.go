// Command arsend-demo wires a SenderConfig into a running Sender: it dials
// the configured UDP peer, starts the optional archiver and diagnostics
// reporter, and submits synthetic frames on a ticker until interrupted. It
// exists to exercise the library end to end, the same role
// cmd/nbackup-agent/main.go plays for the teacher's backup pipeline.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/streamforge/arsend/internal/archive"
	"github.com/streamforge/arsend/internal/config"
	"github.com/streamforge/arsend/internal/diagnostics"
	"github.com/streamforge/arsend/internal/frameio"
	"github.com/streamforge/arsend/internal/logging"
	"github.com/streamforge/arsend/internal/netmgr"
	"github.com/streamforge/arsend/internal/sender"
)

func main() {
	configPath := flag.String("config", "/etc/arsend/sender.yaml", "path to sender config file")
	frameIntervalMS := flag.Int("frame-interval-ms", 100, "how often to submit a synthetic frame")
	frameBytes := flag.Int("frame-bytes", 4000, "size of each synthetic frame")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, "")
	defer logCloser.Close()

	runID := fmt.Sprintf("run-%d", time.Now().UnixNano())
	streamLogger, streamCloser, streamLogPath, err := logging.NewStreamLogger(logger, cfg.Logging.StreamLogDir, cfg.Stream.Name, runID)
	if err != nil {
		logger.Error("starting stream log file, continuing without it", "error", err)
		streamLogger, streamCloser = logger, logCloser
	}
	defer streamCloser.Close()
	if streamLogPath != "" {
		streamLogger.Info("stream log file opened", "path", streamLogPath)
	}

	runErr := run(cfg, streamLogger, time.Duration(*frameIntervalMS)*time.Millisecond, *frameBytes)
	if runErr != nil {
		streamLogger.Error("arsend-demo exited with error", "error", runErr)
		os.Exit(1)
	}

	// Clean exit: the stream log file served its purpose for this run and
	// doesn't need to linger.
	logging.RemoveStreamLog(cfg.Logging.StreamLogDir, cfg.Stream.Name, runID)
}

func run(cfg *config.SenderConfig, logger *slog.Logger, frameInterval time.Duration, frameSize int) error {
	manager, err := netmgr.Dial(cfg.Network.LocalAddr, cfg.Network.PeerAddr, netmgr.Options{
		DSCP:           cfg.Network.DSCP,
		MaxBytesPerSec: cfg.Network.MaxBytesPerSecRaw,
	})
	if err != nil {
		return fmt.Errorf("dialing peer: %w", err)
	}
	defer manager.Close()

	var codec *frameio.Codec
	if cfg.Compression.Algorithm != "" {
		mode, err := frameio.ParseMode(cfg.Compression.Algorithm)
		if err != nil {
			return fmt.Errorf("compression config: %w", err)
		}
		threshold := cfg.Compression.Threshold
		if threshold <= 0 {
			threshold = sender.FragmentSize
		}
		codec = frameio.NewCodec(mode, cfg.Compression.Level, threshold)
	}

	var archiver *archive.Archiver
	if cfg.Archive.Enabled {
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(cfg.Archive.Region))
		if err != nil {
			return fmt.Errorf("loading AWS config for archive: %w", err)
		}
		s3Client := s3.NewFromConfig(awsCfg)
		archiver, err = archive.New(s3Client, archive.Options{
			Bucket: cfg.Archive.Bucket,
			Prefix: cfg.Archive.Prefix,
			Logger: logger,
		})
		if err != nil {
			return fmt.Errorf("starting archiver: %w", err)
		}
		defer archiver.Stop()
	}

	callback := func(status sender.Status, frameNumber uint16, buf []byte) {
		if status == sender.FrameCancel && archiver != nil {
			archiver.ArchiveCancelled(cfg.Stream.Name, frameNumber, time.Now(), buf)
		}
	}

	snd, err := sender.New(manager, sender.Options{
		Callback:        callback,
		QueueCapacity:   cfg.Queue.Capacity,
		AckWaitDisabled: cfg.Queue.AckWaitDisabled,
		RetriesDisabled: cfg.Queue.RetriesDisabled,
		Logger:          logger,
		Codec:           codec,
	})
	if err != nil {
		return fmt.Errorf("starting sender: %w", err)
	}

	var reporter *diagnostics.Reporter
	if cfg.Diagnostics.Enabled {
		reporter, err = diagnostics.New(snd, diagnostics.Options{
			StreamName: cfg.Stream.Name,
			Schedule:   cfg.Diagnostics.Schedule,
			Logger:     logger,
		})
		if err != nil {
			return fmt.Errorf("starting diagnostics reporter: %w", err)
		}
		reporter.Start()
		defer reporter.Stop()
	}

	logger.Info("arsend-demo started", "stream", cfg.Stream.Name, "peer", cfg.Network.PeerAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	ticker := time.NewTicker(frameInterval)
	defer ticker.Stop()

	for {
		select {
		case sig := <-sigCh:
			logger.Info("received signal, shutting down", "signal", sig)
			snd.Stop()
			if err := snd.Delete(); err != nil {
				logger.Error("sender did not shut down cleanly", "error", err)
			}
			return nil
		case <-ticker.C:
			frame := make([]byte, frameSize)
			rand.Read(frame)
			if _, err := snd.Submit(frame, false); err != nil {
				logger.Error("submitting synthetic frame", "error", err)
			}
		}
	}
}
