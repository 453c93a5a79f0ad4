// Package binlogctlcmd implements the sub-commands of binlogctl, a tool for
// appending to, reading, inspecting and maintaining a binlog directory.
package binlogctlcmd

import (
	"context"

	"github.com/dustin/go-humanize"
	"github.com/jessevdk/go-flags"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"
	"go.gazette.dev/binlog/binlog"
	"go.gazette.dev/binlog/gtid"
	mbp "go.gazette.dev/binlog/mainboilerplate"
	"go.gazette.dev/binlog/metrics"
	"go.gazette.dev/binlog/protocol"
	"go.gazette.dev/binlog/redo"
)

const iniFilename = "binlogctl.ini"

var (
	baseCfg = new(struct {
		Log         mbp.LogConfig         `group:"Logging" namespace:"log" env-namespace:"LOG"`
		Diagnostics mbp.DiagnosticsConfig `group:"Debug" namespace:"debug" env-namespace:"DEBUG"`
		Binlog      StoreConfig           `group:"Binlog" namespace:"binlog" env-namespace:"BINLOG"`
	})

	// CommandRegistry holds the sub-commands of binlogctl.
	CommandRegistry = mbp.NewCommandRegistry()

	// Filesystem of binlog directories.
	fs = afero.NewOsFs()
)

// StoreConfig configures the binlog directory which commands operate upon.
type StoreConfig struct {
	Dir            string `long:"dir" env:"DIR" default:"binlog" description:"Directory of binlog generation files"`
	PageSizeShift  uint32 `long:"page-size-shift" env:"PAGE_SIZE_SHIFT" default:"14" description:"Log2 of the page size"`
	GenerationSize string `long:"generation-size" env:"GENERATION_SIZE" default:"1GiB" description:"Size of each generation file"`
	StateInterval  string `long:"state-interval" env:"STATE_INTERVAL" default:"1MiB" description:"Bytes between differential GTID states, or zero to disable"`
	BufferedPages  int    `long:"buffered-pages" env:"BUFFERED_PAGES" default:"0" description:"Maximum pages buffered in memory. If zero, a quarter of a generation"`
	MaxRecordSize  string `long:"max-record-size" env:"MAX_RECORD_SIZE" default:"0" description:"Largest record; larger commit data is written out-of-band. If zero, a quarter of a generation"`
	ForceRecovery  bool   `long:"force-recovery" env:"FORCE_RECOVERY" description:"Skip generations which fail recovery"`
}

// BuildConfig returns the binlog.Config of the StoreConfig.
func (c StoreConfig) BuildConfig() (binlog.Config, error) {
	var genSize, err = humanize.ParseBytes(c.GenerationSize)
	if err != nil {
		return binlog.Config{}, protocol.NewValidationError("invalid generation-size %q: %s", c.GenerationSize, err)
	}
	var interval uint64
	if interval, err = humanize.ParseBytes(c.StateInterval); err != nil {
		return binlog.Config{}, protocol.NewValidationError("invalid state-interval %q: %s", c.StateInterval, err)
	}
	var maxRecord uint64
	if maxRecord, err = humanize.ParseBytes(c.MaxRecordSize); err != nil {
		return binlog.Config{}, protocol.NewValidationError("invalid max-record-size %q: %s", c.MaxRecordSize, err)
	}
	var cfg = binlog.Config{
		Dir:              c.Dir,
		PageSizeShift:    c.PageSizeShift,
		GenerationSize:   genSize,
		StateInterval:    interval,
		MaxBufferedPages: c.BufferedPages,
		MaxRecordSize:    int(maxRecord),
		ForceRecovery:    c.ForceRecovery,
	}
	return cfg, cfg.Validate()
}

// openStore opens the configured binlog. The redo log is held in memory:
// the Store must be closed, which flushes every page to its generation file.
func openStore(ctx context.Context) (*binlog.Store, *gtid.MemTracker) {
	var cfg, err = baseCfg.Binlog.BuildConfig()
	mbp.Must(err, "invalid binlog configuration")

	var tracker = gtid.NewMemTracker()
	store, err := binlog.Open(ctx, cfg, fs, redo.NewMemLog(), tracker)
	mbp.Must(err, "failed to open binlog", "dir", cfg.Dir)

	return store, tracker
}

func startup() {
	mbp.InitLog(baseCfg.Log)
	prometheus.MustRegister(metrics.BinlogCollectors()...)
	mbp.InitDiagnostics(baseCfg.Diagnostics)
}

// Execute parses arguments and runs the selected sub-command.
func Execute() {
	var parser = flags.NewParser(baseCfg, flags.Default)

	mbp.AddPrintConfigCmd(parser, iniFilename)
	parser.LongDescription = `binlogctl is a tool for appending to, reading, and maintaining a binlog.

	See --help pages of each sub-command for documentation and usage examples.
	Optionally configure binlogctl with a '` + iniFilename + `' file in the current working directory,
	or with '~/.config/binlog/` + iniFilename + `'. Use the 'print-config' sub-command to inspect
	the tool's current configuration.
	`
	mbp.Must(CommandRegistry.AddCommands("", parser.Command), "could not add subcommand")

	defer mbp.RecoverAndExit()
	mbp.MustParseConfig(parser, iniFilename)
}
