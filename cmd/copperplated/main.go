// Command copperplated boots one Copperplate session: it parses the
// runtime's CLI flags, creates the session's shared arena, and serves
// until a termination signal arrives.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"syscall"
	"time"

	"github.com/coppercore/copperplate/internal/logging"
	copperruntime "github.com/coppercore/copperplate/internal/runtime"
)

func main() {
	cfg, err := copperruntime.ParseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logCfg := logging.DefaultConfig()
	logger := logging.NewLogger(logCfg)
	logging.SetDefault(logger)

	session, err := copperruntime.New(cfg)
	if err != nil {
		logger.Error("failed to initialize session", "error", err)
		os.Exit(1)
	}

	logger.Info("copperplated session running",
		"session", session.Label(),
		"mem_pool_kib", cfg.MemPoolSizeKiB,
		"registry", session.Registry().Enabled())

	if session.Registry().Enabled() {
		fmt.Printf("registry mounted at %s\n", session.Registry().Mountpoint())
	}
	fmt.Printf("session %q running, press Ctrl+C to stop\n", session.Label())
	fmt.Printf("send SIGUSR1 (kill -USR1 %d) to dump goroutine stacks\n", os.Getpid())

	stackDumpCh := make(chan os.Signal, 1)
	signal.Notify(stackDumpCh, syscall.SIGUSR1)
	go func() {
		for range stackDumpCh {
			buf := make([]byte, 1<<20)
			n := runtime.Stack(buf, true)
			fmt.Fprintf(os.Stderr, "=== GOROUTINE STACK DUMP ===\n%s\n", buf[:n])
			pprof.Lookup("goroutine").WriteTo(os.Stderr, 2)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("received shutdown signal")

	done := make(chan struct{})
	go func() {
		if err := session.Destroy(); err != nil {
			logger.Error("error tearing down session", "error", err)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		logger.Warn("session teardown timed out, exiting anyway")
	}
}
