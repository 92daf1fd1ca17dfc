// Command nbd-mem exports a RAM disk (or a file-backed disk) on an NBD
// device node.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"

	nbd "github.com/ehrlich-b/go-nbd"
	"github.com/ehrlich-b/go-nbd/backend"
	"github.com/ehrlich-b/go-nbd/internal/logging"
)

func main() {
	var (
		dev       = flag.String("dev", "/dev/nbd0", "NBD device node to bind")
		sizeStr   = flag.String("size", "64M", "Device size (e.g. 64M, 1G)")
		file      = flag.String("file", "", "Back the device with this file instead of RAM")
		blockSize = flag.Uint("bs", nbd.DefaultBlockSize, "Logical block size in bytes")
		readOnly  = flag.Bool("readonly", false, "Export the device read-only")
		verbose   = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	size, err := parseSize(*sizeStr)
	if err != nil {
		log.Fatalf("invalid size %q: %v", *sizeStr, err)
	}
	if size%int64(*blockSize) != 0 {
		log.Fatalf("size %d is not a multiple of block size %d", size, *blockSize)
	}

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	var store nbd.TrimBackend
	if *file != "" {
		store, err = backend.NewFile(*file, size)
		if err != nil {
			logger.Error("failed to open backing file", "file", *file, "error", err)
			os.Exit(1)
		}
		logger.Info("using file backend", "file", *file, "size", formatSize(size))
	} else {
		store = backend.NewMemory(size, int64(*blockSize))
		logger.Info("using memory backend", "size", formatSize(size))
	}

	metrics := nbd.NewMetrics()
	opts := &nbd.Options{
		BlockSize: uint32(*blockSize),
		ReadOnly:  *readOnly,
		Logger:    logger,
		Observer:  nbd.NewMetricsObserver(metrics),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fmt.Printf("Serving %s on %s\n", formatSize(size), *dev)
	fmt.Printf("Press Ctrl+C to stop...\n")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return nbd.RunDevice(ctx, *dev, store, opts)
	})
	g.Go(func() error {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)

		select {
		case sig := <-sigCh:
			logger.Info("received signal, disconnecting", "signal", sig)
			// Forcing a disconnect makes the kernel terminate the
			// session; RunDevice then drains and returns.
			_ = nbd.Disconnect(*dev)
			cancel()
		case <-ctx.Done():
		}
		return nil
	})

	err = g.Wait()
	metrics.Stop()

	snap := metrics.Snapshot()
	logger.Info("session finished",
		"reads", snap.ReadOps, "writes", snap.WriteOps,
		"read_bytes", snap.ReadBytes, "write_bytes", snap.WriteBytes,
		"errors", snap.Errors, "max_inflight", snap.MaxInflight)

	if err != nil {
		logger.Error("device exited with error", "error", err)
		os.Exit(1)
	}
}

// parseSize parses a size string like "64M", "1G", "512K"
func parseSize(s string) (int64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))

	var multiplier int64 = 1
	switch {
	case strings.HasSuffix(s, "K"):
		multiplier = 1 << 10
		s = strings.TrimSuffix(s, "K")
	case strings.HasSuffix(s, "M"):
		multiplier = 1 << 20
		s = strings.TrimSuffix(s, "M")
	case strings.HasSuffix(s, "G"):
		multiplier = 1 << 30
		s = strings.TrimSuffix(s, "G")
	}

	num, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return num * multiplier, nil
}

// formatSize formats a byte count as a human-readable string
func formatSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}

	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}

	units := []string{"K", "M", "G", "T"}
	return fmt.Sprintf("%.1f %sB", float64(bytes)/float64(div), units[exp])
}
