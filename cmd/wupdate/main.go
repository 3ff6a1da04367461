// Command wupdate drives a WUP firmware/image update session against a
// connected device: it locates the vendor interface, streams every regular
// file under a path through the protocol engine, and reports per-file and
// aggregate results.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	wup "github.com/usbwup/wupdate"
)

// Positional arguments, matching the original tool's
// [DIRECTORY|FILENAME] [BufferSize(16)] [ForceFlag(1)] [UpdateFlag(0)]
// [SyncFlag(1)] [VersionNumber] ordering, adapted to Go flags plus a
// required positional path.
var (
	bufferKiB   = flag.Int("buffer", wup.DefaultBufferKiB, "bulk write buffer size in KiB (max 1024)")
	forced      = flag.Bool("forced", true, "force the device to accept the image regardless of current version")
	doUpdate    = flag.Bool("update", false, "trigger device apply (START_UPDATE) after a successful transfer")
	sync        = flag.Bool("sync", true, "enable mid-transfer sync-block checkpoints")
	swVersion   = flag.String("version", "", "software version string reported to the device")
	deviceInfo  = flag.Bool("d", false, "print device info and exit")
	verbose     = flag.Bool("v", false, "enable debug logging")
)

func main() {
	flag.Parse()
	os.Exit(run())
}

func run() int {
	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	transport, info, err := openPlatformTransport(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to find the available device: %v\n", err)
		return 1
	}
	defer transport.Close()

	if *deviceInfo {
		printDeviceInfo(info)
		return 0
	}

	if flag.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: wupdate [flags] PATH")
		flag.PrintDefaults()
		return 1
	}
	path := flag.Arg(0)

	cfg := wup.Config{
		SWVersion: *swVersion,
		BufferKiB: *bufferKiB,
		Forced:    *forced,
		Sync:      *sync,
		DoUpdate:  *doUpdate,
		Logger:    logger,
	}

	fmt.Printf("Buffer size: %d KB, Sync mode: %v, Update mode: %v, Forced: %v, Version: %q\n",
		cfg.BufferKiB, cfg.Sync, cfg.DoUpdate, cfg.Forced, cfg.SWVersion)

	entries, skipped, err := wup.CollectFiles(ctx, path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to enumerate %s: %v\n", path, err)
		return 1
	}
	for _, s := range skipped {
		fmt.Printf("Skipping empty file: %s\n", s)
	}

	passed, failed := 0, 0
	for _, entry := range entries {
		res := wup.RunFile(ctx, transport, entry.Path, cfg, progressPrinter())
		if res.Err != nil {
			fmt.Fprintf(os.Stderr, "Failed to transfer file: %s: %v\n", entry.Path, res.Err)
			failed++
			continue
		}
		passed++
	}

	fmt.Printf("Test results: passed: %d, failed: %d\n", passed, failed)
	if failed > 0 {
		return 1
	}
	return 0
}

// progressPrinter renders a 50-column progress bar per file, matching the
// source tool's progress_show layout.
func progressPrinter() wup.ProgressFunc {
	var lastPath string
	var count int
	return func(fileName string, total, written int64, done, failed bool) {
		if fileName != lastPath {
			lastPath = fileName
			count++
			fmt.Printf("\nCount   : %d\n", count)
			fmt.Printf("File Name: %s\n", fileName)
			fmt.Printf("File Size: %d\n", total)
		}

		percent := float64(0)
		if total > 0 {
			percent = float64(written) / float64(total) * 100
		}

		var bar strings.Builder
		bar.WriteString("\rProgress: [")
		filled := int(percent / 2)
		for i := 0; i < 50; i++ {
			if i < filled {
				bar.WriteByte('=')
			} else {
				bar.WriteByte(' ')
			}
		}
		fmt.Printf("%s] %.1f%%", bar.String(), percent)

		if done {
			fmt.Print("  Done\n")
		}
		if failed {
			fmt.Print("  Error\n")
		}
	}
}

func printDeviceInfo(info wup.DeviceInfo) {
	fmt.Println("Got Device Info:")
	fmt.Printf("\tVendor ID: 0x%04x\n", info.VendorID)
	fmt.Printf("\tProduct ID: 0x%04x\n", info.ProductID)
	fmt.Printf("\tManufacturer: %s\n", info.Manufacturer)
	fmt.Printf("\tProduct: %s\n", info.Product)
	fmt.Printf("\tSerial Number: %s\n", info.SerialNumber)
	fmt.Printf("\tInterface: %d\n", info.InterfaceNum)
}

// openTimeout bounds device discovery; a device that never shows up must
// not hang the CLI forever.
const openTimeout = 10 * time.Second
