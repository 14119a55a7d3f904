//go:build linux
// +build linux

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/buildbarn/bb-storage/pkg/clock"
	"github.com/interposefs/interposefs/pkg/configuration"
	ifs_fuse "github.com/interposefs/interposefs/pkg/filesystem/fuse"
	"github.com/interposefs/interposefs/pkg/throttle"
	"github.com/spf13/pflag"

	"golang.org/x/sync/errgroup"
)

// ifs_mount exposes a source directory through an interposing FUSE
// mount. The layer stack between the kernel and the source directory
// is selected by the configuration file; with no configuration the
// mount is a plain passthrough.

type mountOptions struct {
	writeback  bool
	flock      bool
	xattr      bool
	timeout    float64
	timeoutSet bool
	cache      ifs_fuse.CacheMode
	source     string
}

func parseMountOptions(values []string, opts *mountOptions) error {
	for _, value := range values {
		for _, option := range strings.Split(value, ",") {
			switch {
			case option == "writeback":
				opts.writeback = true
			case option == "no_writeback":
				opts.writeback = false
			case option == "flock":
				opts.flock = true
			case option == "no_flock":
				opts.flock = false
			case option == "xattr":
				opts.xattr = true
			case option == "no_xattr":
				opts.xattr = false
			case strings.HasPrefix(option, "timeout="):
				timeout, err := strconv.ParseFloat(strings.TrimPrefix(option, "timeout="), 64)
				if err != nil {
					return fmt.Errorf("invalid timeout %#v", option)
				}
				opts.timeout = timeout
				opts.timeoutSet = true
			case option == "cache=never":
				opts.cache = ifs_fuse.CacheNever
			case option == "cache=auto":
				opts.cache = ifs_fuse.CacheAuto
			case option == "cache=always":
				opts.cache = ifs_fuse.CacheAlways
			case strings.HasPrefix(option, "source="):
				opts.source = strings.TrimPrefix(option, "source=")
			default:
				return fmt.Errorf("unknown mount option %#v", option)
			}
		}
	}
	return nil
}

func main() {
	flags := pflag.NewFlagSet("ifs_mount", pflag.ContinueOnError)
	var rawOptions []string
	flags.StringArrayVarP(&rawOptions, "option", "o", nil, "Mount options")
	configPath := flags.String("config", "", "Path to the JSON configuration file (default: $CONFIG)")
	foreground := flags.Bool("foreground", false, "Stay in the foreground (the process always runs in the foreground; accepted for compatibility)")
	debug := flags.Bool("debug", false, "Enable debug logging of the kernel protocol")
	singleThreaded := flags.Bool("single-threaded", false, "Process requests on a single worker")
	cloneFD := flags.Bool("clone-fd", false, "Accepted for compatibility; workers share one kernel channel")
	maxThreads := flags.Int("max-threads", 0, "Accepted for compatibility; the worker pool sizes itself")
	if err := flags.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "usage: ifs_mount [options] <mountpoint>\n%s", flags.FlagUsages())
		os.Exit(1)
	}
	_ = foreground
	_ = cloneFD
	_ = maxThreads
	if flags.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "usage: ifs_mount [options] <mountpoint>\n%s", flags.FlagUsages())
		os.Exit(1)
	}
	mountPath := flags.Arg(0)

	opts := mountOptions{
		xattr:  true,
		cache:  ifs_fuse.CacheAuto,
		source: "/",
	}
	if err := parseMountOptions(rawOptions, &opts); err != nil {
		log.Fatal("Failed to parse mount options: ", err)
	}
	timeout := opts.cache.DefaultTimeout()
	if opts.timeoutSet {
		if opts.timeout < 0 {
			log.Fatalf("Timeout is negative (%f)", opts.timeout)
		}
		timeout = time.Duration(opts.timeout * float64(time.Second))
	}

	cfg, err := configuration.Load(*configPath)
	if err != nil {
		log.Fatal("Failed to load configuration: ", err)
	}
	if cfg.OTLPEndpoint != "" {
		// The endpoint is opaque to the core; the telemetry
		// collaborator that installs the global providers is the
		// one that dials it.
		log.Printf("Telemetry endpoint: %s", cfg.OTLPEndpoint)
	}

	replenisher := throttle.NewReplenisher(
		clock.SystemClock,
		time.Duration(cfg.ThrottleIO.ReplenishIntervalMilliseconds)*time.Millisecond)

	server, session, err := ifs_fuse.NewMountFromConfiguration(
		ifs_fuse.MountConfiguration{
			MountPath:      mountPath,
			SourcePath:     opts.source,
			FSName:         opts.source,
			Debug:          *debug,
			SingleThreaded: *singleThreaded,
			Passthrough: ifs_fuse.PassthroughOptions{
				Writeback: opts.writeback,
				Flock:     opts.flock,
				XAttr:     opts.xattr,
				Cache:     opts.cache,
				Timeout:   timeout,
			},
		},
		cfg,
		clock.SystemClock,
		replenisher)
	if err != nil {
		log.Fatal("Failed to create FUSE mount: ", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := replenisher.Run(groupCtx); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	go server.Serve()
	if err := server.WaitMount(); err != nil {
		log.Fatal("Failed to mount: ", err)
	}
	log.Printf("Mounted %s onto %s", opts.source, mountPath)

	// Unmount on SIGINT/SIGTERM. Request interruption is disabled;
	// shutdown happens only through unmounting.
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-signals
		log.Printf("Received %s, unmounting", sig)
		if err := server.Unmount(); err != nil {
			log.Print("Failed to unmount: ", err)
		}
	}()

	server.Wait()
	session.Destroy()

	// Stop replenishing once no more requests can arrive.
	cancel()
	if err := group.Wait(); err != nil {
		log.Fatal("Replenisher failure: ", err)
	}
}
