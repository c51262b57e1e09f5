// Command thin-pool-daemon runs a thin-provisioning pool: it opens the
// data device, starts the pool's worker, exposes one thin device as a
// real ublk block device, and serves administrative messages
// (spec.md §6) over a Unix domain socket.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	ublk "github.com/behrlich/thinpool"
	"github.com/behrlich/thinpool/backend"
	"github.com/behrlich/thinpool/internal/admin"
	"github.com/behrlich/thinpool/internal/logging"
	"github.com/behrlich/thinpool/internal/tabline"
	thinpoolint "github.com/behrlich/thinpool/internal/thinpool"
)

func main() {
	var (
		tableLine  = flag.String("table", "", "pool target argument line: <metadata_dev> <data_dev> <block_size_sectors> <low_water_sectors> [<nfeat> <feat>...]")
		dataSize   = flag.String("data-size", "256M", "size of the in-memory data device, when data_dev is \"-\"")
		devID      = flag.Uint("dev-id", 0, "thin device id to open and serve")
		thinSize   = flag.String("thin-size", "64M", "virtual size of the thin device")
		socketPath = flag.String("socket", "/tmp/thin-pool.sock", "administrative message channel socket")
		verbose    = flag.Bool("v", false, "verbose logging")
	)
	flag.Parse()

	if *tableLine == "" {
		log.Fatal("thin-pool-daemon: -table is required")
	}

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	args, err := tabline.ParsePool(*tableLine)
	if err != nil {
		log.Fatalf("thin-pool-daemon: %v", err)
	}

	dataSizeBytes, err := parseSize(*dataSize)
	if err != nil {
		log.Fatalf("thin-pool-daemon: invalid -data-size %q: %v", *dataSize, err)
	}
	dataDevice := backend.NewMemory(dataSizeBytes)

	cfg := thinpoolint.DefaultConfig(dataDevice)
	cfg.BlockSectors = args.BlockSizeSectors
	cfg.LowWaterSectors = args.LowWaterSectors
	cfg.ZeroNewBlocks = !args.SkipBlockZeroing
	if args.MetadataDev != "-" {
		cfg.MetadataLogPath = args.MetadataDev
	}
	cfg.Logger = logger

	pool, err := thinpoolint.New(cfg)
	if err != nil {
		log.Fatalf("thin-pool-daemon: creating pool: %v", err)
	}
	pool.Start()
	logger.Info("pool started", "table", pool.TableLine())

	if err := pool.CreateThinDevice(uint32(*devID)); err != nil {
		logger.Warn("create_thin at startup failed, assuming device already exists", "dev_id", *devID, "error", err)
	} else if err := pool.Commit(); err != nil {
		log.Fatalf("thin-pool-daemon: committing new thin device: %v", err)
	}

	thinSizeBytes, err := parseSize(*thinSize)
	if err != nil {
		log.Fatalf("thin-pool-daemon: invalid -thin-size %q: %v", *thinSize, err)
	}
	thin, err := thinpoolint.OpenThin(pool, uint32(*devID), thinSizeBytes)
	if err != nil {
		log.Fatalf("thin-pool-daemon: opening thin device %d: %v", *devID, err)
	}

	listener, err := net.Listen("unix", *socketPath)
	if err != nil {
		log.Fatalf("thin-pool-daemon: listening on %s: %v", *socketPath, err)
	}
	defer os.Remove(*socketPath)

	ctx, cancel := context.WithCancel(context.Background())
	go serveAdmin(ctx, listener, pool, logger)

	events := pool.Events()
	go func() {
		for ev := range events {
			switch ev.Kind {
			case thinpoolint.EventLowWater:
				logger.Warn("pool crossed low-water mark")
			case thinpoolint.EventNoSpace:
				logger.Error("pool is out of data space")
			}
		}
	}()

	params := ublk.DefaultParams(thin)
	device, err := ublk.CreateAndServe(ctx, params, &ublk.Options{
		Context: ctx,
		Logger:  logger,
	})
	if err != nil {
		log.Fatalf("thin-pool-daemon: serving thin device %d over ublk: %v", *devID, err)
	}
	logger.Info("serving thin device over ublk", "dev_id", *devID, "path", device.Path)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	cancel()
	listener.Close()
	if err := thin.Close(); err != nil {
		logger.Error("closing thin device failed", "error", err)
	}
	if err := pool.Postsuspend(); err != nil {
		logger.Error("postsuspend failed", "error", err)
	}
	if err := pool.Destroy(); err != nil {
		logger.Error("destroy failed", "error", err)
	}
}

// serveAdmin accepts one connection per command: a line of the form
// "cmd arg1 arg2...", dispatched via internal/admin and answered with
// "ok" or "error: ...".
func serveAdmin(ctx context.Context, listener net.Listener, pool *thinpoolint.Pool, logger *logging.Logger) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				logger.Error("admin accept failed", "error", err)
				return
			}
		}
		go handleAdminConn(conn, pool, logger)
	}
}

func handleAdminConn(conn net.Conn, pool *thinpoolint.Pool, logger *logging.Logger) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		return
	}
	line := strings.Fields(scanner.Text())
	if len(line) == 0 {
		fmt.Fprintln(conn, "error: empty command")
		return
	}

	if err := admin.Dispatch(pool, line[0], line[1:]); err != nil {
		logger.Warn("admin command failed", "cmd", line[0], "error", err)
		fmt.Fprintf(conn, "error: %v\n", err)
		return
	}
	fmt.Fprintln(conn, "ok")
}

func parseSize(s string) (int64, error) {
	s = strings.ToUpper(s)
	multiplier := int64(1)
	numStr := s
	switch {
	case strings.HasSuffix(s, "K"):
		multiplier, numStr = 1024, strings.TrimSuffix(s, "K")
	case strings.HasSuffix(s, "M"):
		multiplier, numStr = 1024*1024, strings.TrimSuffix(s, "M")
	case strings.HasSuffix(s, "G"):
		multiplier, numStr = 1024*1024*1024, strings.TrimSuffix(s, "G")
	}
	num, err := strconv.ParseInt(numStr, 10, 64)
	if err != nil {
		return 0, err
	}
	return num * multiplier, nil
}
