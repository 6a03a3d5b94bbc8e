// Package config loads UnifyCR's daemon configuration through
// spf13/viper bound to spf13/cobra flags, grounded on the teacher
// repo's phenix sub-tree, which wires the same cobra+viper stack for a
// daemon with flags, environment variables, and an optional config
// file.
package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/unifycr/unifycr/index"
	"github.com/unifycr/unifycr/internal/minilog"
)

// Config holds every option spec.md §6 lists as recognized
// configuration, plus the superblock sizing knobs and listen/peer
// topology a Go rendition needs to actually bind a transport.Node.
type Config struct {
	Rank          int
	ListenAddr    string
	Peers         map[int]string // rank -> "host:port", parsed from --peers
	NumDelegators int
	NumKVServers  int // derived from NumDelegators and MetaServerRatio

	MetaDBPath      string
	MetaDBName      string
	MetaServerRatio float64
	MetaRangeSize   uint64
	ExternalSpillDir string

	LogLevel string
	LogFile  string
	Verbose  bool

	SyslogNetwork string // "", "local", "udp", or "tcp"
	SyslogAddr    string
	SyslogTag     string

	SuperblockDataLogSize   uint64
	SuperblockIndexCapacity int
	SuperblockReplyCapacity uint64
}

// BindFlags registers every recognized flag on cmd and binds it into v,
// so CLI flags, environment variables (UNIFYCR_*), and a config file
// all resolve through one *viper.Viper, per phenix's convention.
func BindFlags(cmd *cobra.Command, v *viper.Viper) {
	flags := cmd.Flags()

	flags.Int("rank", 0, "this delegator's rank")
	flags.String("listen", "127.0.0.1:0", "address to listen for peer/client RPCs on")
	flags.StringSlice("peers", nil, "rank=host:port pairs for every delegator in the job")
	flags.Int("num-delegators", 1, "number of delegators in the job")
	flags.Float64("meta-server-ratio", 1.0, "fraction of delegators that also host a KV server shard")

	flags.String("meta-db-path", "/tmp/unifycr", "directory holding each KV server's bbolt shard")
	flags.String("meta-db-name", "unifycr-meta.db", "bbolt file name prefix within meta-db-path (\".<rank>\" is appended)")
	flags.Uint64("meta-range-size", 1<<20, "slice width in bytes for the extent-index range router")
	flags.String("external-spill-dir", "/tmp/unifycr/spill", "directory for client data-log spill files")

	flags.String("log-level", "info", "debug, info, warn, error, or fatal")
	flags.String("log-file", "", "optional log file path, in addition to stderr")
	flags.Bool("verbose", true, "also log to stderr")
	flags.String("syslog-network", "", "also log to syslog over this network (\"local\", \"udp\", \"tcp\"); empty disables syslog")
	flags.String("syslog-addr", "", "syslog daemon address, required unless syslog-network is \"local\"")
	flags.String("syslog-tag", "unifycrd", "tag syslog entries are logged under")

	flags.Uint64("superblock-data-log-size", 64<<20, "bytes of shared-memory log per client before spilling")
	flags.Int("superblock-index-capacity", 4096, "pending extents a client's shm ring holds before a forced fsync")
	flags.Uint64("superblock-reply-capacity", 4<<20, "bytes available in a client's shm read-reply region")

	v.BindPFlags(flags)
	for _, name := range []string{
		"rank", "listen", "peers", "num-delegators", "meta-server-ratio",
		"meta-db-path", "meta-db-name", "meta-range-size", "external-spill-dir",
		"log-level", "log-file", "verbose",
		"syslog-network", "syslog-addr", "syslog-tag",
		"superblock-data-log-size", "superblock-index-capacity", "superblock-reply-capacity",
	} {
		v.BindEnv(name, "UNIFYCR_"+strings.ToUpper(strings.ReplaceAll(name, "-", "_")))
	}
}

// Load reads every bound value out of v into a Config, deriving
// NumKVServers from NumDelegators and MetaServerRatio per spec.md §6.
func Load(v *viper.Viper) (*Config, error) {
	peers, err := parsePeers(v.GetStringSlice("peers"))
	if err != nil {
		return nil, err
	}

	numDelegators := v.GetInt("num-delegators")
	ratio := v.GetFloat64("meta-server-ratio")
	numKV := int(float64(numDelegators) * ratio)
	if numKV < 1 {
		numKV = 1
	}

	level, err := minilog.ParseLevel(v.GetString("log-level"))
	if err != nil {
		return nil, fmt.Errorf("config: log-level: %w", err)
	}

	return &Config{
		Rank:          v.GetInt("rank"),
		ListenAddr:    v.GetString("listen"),
		Peers:         peers,
		NumDelegators: numDelegators,
		NumKVServers:  numKV,

		MetaDBPath:       v.GetString("meta-db-path"),
		MetaDBName:       v.GetString("meta-db-name"),
		MetaServerRatio:  ratio,
		MetaRangeSize:    v.GetUint64("meta-range-size"),
		ExternalSpillDir: v.GetString("external-spill-dir"),

		LogLevel: level.String(),
		LogFile:  v.GetString("log-file"),
		Verbose:  v.GetBool("verbose"),

		SyslogNetwork: v.GetString("syslog-network"),
		SyslogAddr:    v.GetString("syslog-addr"),
		SyslogTag:     v.GetString("syslog-tag"),

		SuperblockDataLogSize:   v.GetUint64("superblock-data-log-size"),
		SuperblockIndexCapacity: v.GetInt("superblock-index-capacity"),
		SuperblockReplyCapacity: v.GetUint64("superblock-reply-capacity"),
	}, nil
}

// LogLevelValue parses c.LogLevel into a minilog.Level for Init.
func (c *Config) LogLevelValue() minilog.Level {
	lvl, err := minilog.ParseLevel(c.LogLevel)
	if err != nil {
		return minilog.INFO
	}
	return lvl
}

// SliceWidth returns MetaRangeSize as the index package's SliceWidth
// type.
func (c *Config) SliceWidth() index.SliceWidth { return index.SliceWidth(c.MetaRangeSize) }

func parsePeers(raw []string) (map[int]string, error) {
	peers := make(map[int]string, len(raw))
	for _, entry := range raw {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("config: malformed --peers entry %q, want rank=host:port", entry)
		}
		rank, err := strconv.Atoi(parts[0])
		if err != nil {
			return nil, fmt.Errorf("config: malformed --peers entry %q: %w", entry, err)
		}
		peers[rank] = parts[1]
	}
	return peers, nil
}
