package rcache

import (
	"encoding"
	"errors"
	"fmt"
	"os"
	"reflect"
	"runtime/debug"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/ShoshinNikita/rcache/pkg/rlog"
	"github.com/spf13/pflag"
)

type Config struct {
	BuildInfo BuildInfo

	ServerPort int
	Dir        string

	Cache     CacheConfig
	Transport TransportConfig

	WorkersCount int

	// Debug options

	LogLevel rlog.Level
}

type CacheConfig struct {
	MaxSize      MiB
	LargeMaxSize MiB
	// UseLargeMaxSize switches the capacity budget between MaxSize and LargeMaxSize.
	UseLargeMaxSize bool
	// RetentionWindow is the max age of cached files. Older files are removed regardless
	// of the total cache size.
	RetentionWindow time.Duration
	CleanupInterval time.Duration
}

// Budget returns the capacity budget in bytes.
func (cfg CacheConfig) Budget() int64 {
	if cfg.UseLargeMaxSize {
		return cfg.LargeMaxSize.Bytes()
	}
	return cfg.MaxSize.Bytes()
}

type TransportConfig struct {
	UserAgent string
	Timeout   time.Duration
}

type BuildInfo struct {
	ShortGitHash string
	CommitTime   string
}

type MiB int

func (mb MiB) Bytes() int64 {
	return int64(mb) << 20
}

func (mb MiB) String() string {
	text, _ := mb.MarshalText()
	return string(text)
}

func (mb MiB) MarshalText() (text []byte, err error) {
	if mb >= 1024 && mb%1024 == 0 {
		return []byte(strconv.Itoa(int(mb/1024)) + "Gi"), nil
	}
	return []byte(strconv.Itoa(int(mb)) + "Mi"), nil
}

func (mb *MiB) UnmarshalText(data []byte) error {
	text := string(data)

	mul := 1
	switch {
	case strings.HasSuffix(text, "Mi"):
	case strings.HasSuffix(text, "Gi"):
		mul = 1024
	default:
		return fmt.Errorf("valid suffixes: Mi, Gi")
	}
	n, err := strconv.Atoi(text[:len(text)-2])
	if err != nil {
		return fmt.Errorf("invalid size: %w", err)
	}

	*mb = MiB(n * mul)
	return nil
}

type flagParams struct {
	// p is a pointer to a value.
	p            any
	defaultValue any
	desc         string
}

func (cfg *Config) getFlagParams() map[string]flagParams {
	return map[string]flagParams{
		"port": {
			p: &cfg.ServerPort, defaultValue: 8080, desc: "Server port",
		},
		"dir": {
			p: &cfg.Dir, defaultValue: "./var", desc: "Directory for app data, cached files are stored in <dir>/cache",
		},
		//
		"cache-size": {
			p: &cfg.Cache.MaxSize, defaultValue: MiB(100), desc: "Max total size of cached files",
		},
		"cache-size-large": {
			p: &cfg.Cache.LargeMaxSize, defaultValue: MiB(500), desc: "Max total size of cached files when --large-cache is set",
		},
		"large-cache": {
			p: &cfg.Cache.UseLargeMaxSize, defaultValue: false, desc: "Use --cache-size-large as the max total size of cached files",
		},
		"cache-retention": {
			p: &cfg.Cache.RetentionWindow, defaultValue: 6 * time.Hour, desc: "" +
				"Max age of cached files. Older files are removed regardless\n" +
				"of the total cache size",
		},
		"cache-cleanup-interval": {
			p: &cfg.Cache.CleanupInterval, defaultValue: 5 * time.Minute, desc: "Interval between periodic cache cleanups",
		},
		//
		"workers-count": {
			p: &cfg.WorkersCount, defaultValue: 4, desc: "Max number of concurrent downloads",
		},
		"user-agent": {
			p: &cfg.Transport.UserAgent, defaultValue: "rcache/" + cfg.BuildInfo.ShortGitHash, desc: "User-Agent of download requests",
		},
		"request-timeout": {
			p: &cfg.Transport.Timeout, defaultValue: 2 * time.Minute, desc: "Timeout of a single download request",
		},
		//
		"log-level": {
			p: &cfg.LogLevel, defaultValue: rlog.LevelInfo, desc: "Set the minimal log level. One of: debug, info, warn, error",
		},
	}
}

// NewConfig returns a config with build info. Flags must be registered with [Config.RegisterFlags].
func NewConfig() Config {
	return Config{
		BuildInfo: readBuildInfo(),
	}
}

// RegisterFlags binds all config fields to flags of the passed set and fills fields
// with default values.
func (cfg *Config) RegisterFlags(fs *pflag.FlagSet) error {
	for name, params := range cfg.getFlagParams() {
		switch p := params.p.(type) {
		case *bool:
			fs.BoolVar(p, name, params.defaultValue.(bool), params.desc)
		case *int:
			fs.IntVar(p, name, params.defaultValue.(int), params.desc)
		case *int64:
			fs.Int64Var(p, name, params.defaultValue.(int64), params.desc)
		case *string:
			fs.StringVar(p, name, params.defaultValue.(string), params.desc)
		case *time.Duration:
			fs.DurationVar(p, name, params.defaultValue.(time.Duration), params.desc)
		case textVar:
			v, err := newTextValue(p, params.defaultValue.(encoding.TextMarshaler))
			if err != nil {
				return fmt.Errorf("invalid default value of flag %q: %w", name, err)
			}
			fs.Var(v, name, params.desc)
		default:
			return fmt.Errorf("flag %q has unsupported type: %T", name, p)
		}
	}
	return nil
}

func (cfg Config) Validate() error {
	if cfg.ServerPort <= 0 {
		return errors.New("server port must be > 0")
	}
	if cfg.Dir == "" {
		return errors.New("dir can't be empty")
	}
	if cfg.Cache.Budget() <= 0 {
		return errors.New("cache size must be > 0")
	}
	if cfg.Cache.RetentionWindow <= 0 {
		return errors.New("cache retention must be > 0")
	}
	if cfg.Cache.CleanupInterval <= 0 {
		return errors.New("cache cleanup interval must be > 0")
	}
	if cfg.WorkersCount <= 0 {
		return errors.New("workers count must be > 0")
	}
	return nil
}

type textVar interface {
	encoding.TextMarshaler
	encoding.TextUnmarshaler
}

// textValue adapts types implementing [encoding.TextUnmarshaler] to [pflag.Value].
type textValue struct {
	p textVar
}

func newTextValue(p textVar, defaultValue encoding.TextMarshaler) (textValue, error) {
	text, err := defaultValue.MarshalText()
	if err != nil {
		return textValue{}, err
	}
	if err := p.UnmarshalText(text); err != nil {
		return textValue{}, err
	}
	return textValue{p: p}, nil
}

func (v textValue) String() string {
	if v.p == nil {
		return ""
	}
	text, _ := v.p.MarshalText()
	return string(text)
}

func (v textValue) Set(s string) error {
	return v.p.UnmarshalText([]byte(s))
}

func (v textValue) Type() string {
	return "string"
}

func readBuildInfo() BuildInfo {
	res := BuildInfo{
		ShortGitHash: "unknown",
		CommitTime:   "unknown",
	}

	info, ok := debug.ReadBuildInfo()
	if !ok {
		return res
	}

	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			res.ShortGitHash = s.Value
			if len(res.ShortGitHash) > 7 {
				res.ShortGitHash = res.ShortGitHash[:7]
			}

		case "vcs.time":
			t, err := time.Parse(time.RFC3339, s.Value)
			if err == nil {
				res.CommitTime = t.UTC().Format("2006-01-02 15:04:05 UTC")
			}
		}
	}
	return res
}

func (info BuildInfo) Print() {
	fmt.Fprintf(os.Stderr, `
                        _
     _ __ ___ __ _  ___| |__   ___
    | '__/ __/ _`+"`"+` |/ __| '_ \ / _ \
    | | | (_| (_| | (__| | | |  __/
    |_|  \___\__,_|\___|_| |_|\___|

    Commit Hash: %q
    Commit Time: %q

`,
		info.ShortGitHash,
		info.CommitTime,
	)
}

func (cfg Config) Print() {
	flags := cfg.getFlagParams()

	var (
		names         = make([]string, 0, len(flags))
		maxNameLength int
	)
	for name := range flags {
		if len(name) > maxNameLength {
			maxNameLength = len(name)
		}
		names = append(names, name)
	}
	slices.Sort(names)

	fmt.Fprint(os.Stderr, "    Config:\n\n")
	for _, name := range names {
		fmt.Fprintf(os.Stderr, "        --%-*s = %v\n", maxNameLength, name, reflect.ValueOf(flags[name].p).Elem())
	}
	fmt.Fprint(os.Stderr, "\n")
}
