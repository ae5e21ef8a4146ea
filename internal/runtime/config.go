// Package runtime implements runtime init and configuration (component
// J): CLI flag parsing, session binding to a shared arena, memory
// locking, and CPU affinity — the glue that wires every other component
// into one running session.
package runtime

import (
	"flag"
	"strconv"
	"strings"

	copperrors "github.com/coppercore/copperplate/internal/errors"
)

// MinMemPoolKiB is the smallest arena size Config accepts.
const MinMemPoolKiB = 64

// Config holds the parsed, validated command-line configuration.
type Config struct {
	MemPoolSizeKiB  int64
	NoMlock         bool
	RegistryMountpt string
	NoRegistry      bool
	Session         string
	ResetSession    bool
	CPUAffinity     []int
}

// ParseFlags parses args (typically os.Args[1:]) into a validated Config.
// A flag.NewFlagSet is used instead of the package-level flag.CommandLine
// so that it can be called more than once within a process, e.g. from
// tests.
func ParseFlags(args []string) (*Config, error) {
	fs := flag.NewFlagSet("copperplated", flag.ContinueOnError)

	memPoolSize := fs.Int64("mem-pool-size", MinMemPoolKiB, "Size of the shared arena, in KiB (minimum 64)")
	noMlock := fs.Bool("no-mlock", false, "Do not mlockall at startup")
	registryMountpt := fs.String("registry-mountpt", "", "User-space FS mount for object inspection (optional)")
	noRegistry := fs.Bool("no-registry", false, "Disable the registry subsystem")
	session := fs.String("session", "anon", "Name of the shared session")
	resetSession := fs.Bool("reset-session", false, "Tear down any prior session of that name before init")
	cpuAffinity := fs.String("cpu-affinity", "", "CPU pin set for all threads (comma-separated CPU IDs)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if *memPoolSize < MinMemPoolKiB {
		return nil, copperrors.New("runtime.config", copperrors.InvalidHandle, "mem-pool-size must be at least 64 KiB")
	}

	affinity, err := parseCPUList(*cpuAffinity)
	if err != nil {
		return nil, err
	}

	return &Config{
		MemPoolSizeKiB:  *memPoolSize,
		NoMlock:         *noMlock,
		RegistryMountpt: *registryMountpt,
		NoRegistry:      *noRegistry,
		Session:         *session,
		ResetSession:    *resetSession,
		CPUAffinity:     affinity,
	}, nil
}

// parseCPUList parses a comma-separated CPU id list, e.g. "0,2,3". An
// empty string yields a nil (unset) affinity.
func parseCPUList(csv string) ([]int, error) {
	csv = strings.TrimSpace(csv)
	if csv == "" {
		return nil, nil
	}
	parts := strings.Split(csv, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return nil, copperrors.New("runtime.config", copperrors.InvalidHandle, "cpu-affinity must be a comma-separated list of non-negative integers")
		}
		out = append(out, n)
	}
	return out, nil
}
