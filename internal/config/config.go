// Package config parses the work server's command-line flags and optional
// INI config file into a normalized Config, the way the teacher's miner
// config package layers a pre-parse pass (to find --configfile) over a full
// flags.NewIniParser pass, with post-parse normalization of compound flags
// like the GPU spec string.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/jessevdk/go-flags"
)

// GPUSpec is one --gpu PLATFORM:DEVICE[:LOCAL_WORK_SIZE] flag, resolved to
// its three integer fields.
type GPUSpec struct {
	Platform      int
	Device        int
	LocalWorkSize int
}

// defaultLocalWorkSize mirrors the GPU worker's own default, used when a
// --gpu spec omits the third field.
const defaultLocalWorkSize = 1024

// rawOptions is the flat set of flags go-flags parses directly; GPU specs
// are normalized into GPUSpec values afterward since go-flags has no
// compound-slice-of-struct tag syntax.
type rawOptions struct {
	ConfigFile string `short:"C" long:"configfile" description:"path to an INI config file"`

	CPUThreads int      `long:"cpu-threads" description:"number of CPU workers" default:"0"`
	GPUSpecs   []string `long:"gpu" description:"add a GPU worker: PLATFORM:DEVICE[:LOCAL_WORK_SIZE] (repeatable)"`

	ListenAddress string `long:"listen-address" description:"RPC bind address" default:"127.0.0.1:7777"`
	Shuffle       bool   `long:"shuffle" description:"randomize Job activation order instead of FIFO"`

	DebugLevel    string `long:"debuglevel" description:"trace|debug|info|warn|error|crit" default:"info"`
	LogDir        string `long:"logdir" description:"directory for rotating log files"`
	NoFileLogging bool   `long:"nofilelogging" description:"disable file logging even if --logdir is set"`

	Version bool `long:"version" description:"print the version and exit"`
}

// Config is the normalized, validated configuration the rest of the
// process is built from.
type Config struct {
	CPUThreads    int
	GPUs          []GPUSpec
	ListenAddress string
	Shuffle       bool
	DebugLevel    string
	LogDir        string
	NoFileLogging bool
	Version       bool
}

// Load parses os.Args (and, if given, an INI config file) into a Config.
// Command-line flags always take precedence over the config file, matching
// the teacher's two-pass preParser convention.
func Load() (*Config, error) {
	return load(os.Args[1:])
}

func load(args []string) (*Config, error) {
	var raw rawOptions

	preParser := flags.NewParser(&raw, (flags.Default&^flags.HelpFlag)|flags.IgnoreUnknown)
	if _, err := preParser.ParseArgs(args); err != nil {
		return nil, fmt.Errorf("config: pre-parse: %w", err)
	}

	if raw.ConfigFile != "" {
		iniParser := flags.NewIniParser(preParser)
		if err := iniParser.ParseFile(raw.ConfigFile); err != nil {
			if _, ok := err.(*os.PathError); !ok {
				return nil, fmt.Errorf("config: reading %s: %w", raw.ConfigFile, err)
			}
		}
	}

	fullParser := flags.NewParser(&raw, flags.Default)
	if _, err := fullParser.ParseArgs(args); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	gpus, err := parseGPUSpecs(raw.GPUSpecs)
	if err != nil {
		return nil, err
	}

	if raw.CPUThreads == 0 && len(gpus) == 0 {
		return nil, fmt.Errorf("config: no workers configured, pass --cpu-threads and/or --gpu")
	}

	return &Config{
		CPUThreads:    raw.CPUThreads,
		GPUs:          gpus,
		ListenAddress: raw.ListenAddress,
		Shuffle:       raw.Shuffle,
		DebugLevel:    raw.DebugLevel,
		LogDir:        raw.LogDir,
		NoFileLogging: raw.NoFileLogging,
		Version:       raw.Version,
	}, nil
}

// parseGPUSpecs resolves a slice of PLATFORM:DEVICE[:LOCAL_WORK_SIZE]
// strings into GPUSpec values.
func parseGPUSpecs(specs []string) ([]GPUSpec, error) {
	result := make([]GPUSpec, 0, len(specs))
	for _, s := range specs {
		spec, err := parseGPUSpec(s)
		if err != nil {
			return nil, fmt.Errorf("config: bad --gpu %q: %w", s, err)
		}
		result = append(result, spec)
	}
	return result, nil
}

func parseGPUSpec(s string) (GPUSpec, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return GPUSpec{}, fmt.Errorf("expected PLATFORM:DEVICE[:LOCAL_WORK_SIZE]")
	}

	platform, err := strconv.Atoi(parts[0])
	if err != nil {
		return GPUSpec{}, fmt.Errorf("bad platform index: %w", err)
	}
	device, err := strconv.Atoi(parts[1])
	if err != nil {
		return GPUSpec{}, fmt.Errorf("bad device index: %w", err)
	}

	localWorkSize := defaultLocalWorkSize
	if len(parts) == 3 {
		localWorkSize, err = strconv.Atoi(parts[2])
		if err != nil {
			return GPUSpec{}, fmt.Errorf("bad local work size: %w", err)
		}
	}

	return GPUSpec{Platform: platform, Device: device, LocalWorkSize: localWorkSize}, nil
}
