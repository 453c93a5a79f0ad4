package mainboilerplate

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/jessevdk/go-flags"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// ConfigDirEnv names an environment variable which, if set, is the only
// directory searched for an INI configuration file.
const ConfigDirEnv = "BINLOG_CONFIG_DIR"

// ConfigSearchPaths returns candidate paths of the INI file |configName|,
// in order of preference: the directory of ConfigDirEnv if set, or else the
// current working directory followed by ~/.config/binlog under $HOME or
// %UserProfile%.
func ConfigSearchPaths(configName string) []string {
	if dir := os.Getenv(ConfigDirEnv); dir != "" {
		return []string{filepath.Join(dir, configName)}
	}
	var out = []string{configName}
	for _, home := range []string{os.Getenv("HOME"), os.Getenv("UserProfile")} {
		if home != "" {
			out = append(out, filepath.Join(home, ".config", "binlog", configName))
		}
	}
	return out
}

// ParseConfigFile parses the first existing file of |paths| into |parser|.
// Options of the file which |parser| doesn't know are ignored. It returns
// the parsed path, or "" if no file exists.
func ParseConfigFile(parser *flags.Parser, paths []string) (string, error) {
	var origOptions = parser.Options
	parser.Options |= flags.IgnoreUnknown
	defer func() { parser.Options = origOptions }()

	var ini = flags.NewIniParser(parser)
	for _, path := range paths {
		if err := ini.ParseFile(path); os.IsNotExist(err) {
			continue
		} else if err != nil {
			return path, errors.WithMessagef(err, "parsing %s", path)
		}
		return path, nil
	}
	return "", nil
}

// MustParseConfig requires that the Parser parse from the combination of an
// optional INI file (see ConfigSearchPaths), environment bindings, and
// explicit flags, which take precedence in that order.
func MustParseConfig(parser *flags.Parser, configName string) {
	var path, err = ParseConfigFile(parser, ConfigSearchPaths(configName))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log.WithField("path", path).Debug("parsed configuration file")

	MustParseArgs(parser)
}

// MustParseArgs requires that Parser be able to ParseArgs without error.
func MustParseArgs(parser *flags.Parser) {
	var _, err = parser.ParseArgs(os.Args[1:])
	if err == nil {
		return
	}
	var flagErr, ok = err.(*flags.Error)
	if !ok {
		Must(err, "fatal error")
	}

	switch flagErr.Type {
	case flags.ErrDuplicatedFlag, flags.ErrTag, flags.ErrInvalidTag, flags.ErrShortNameTooLong, flags.ErrMarshal:
		panic(err) // The configuration struct itself is malformed.

	case flags.ErrCommandRequired, flags.ErrHelp:
		if flagErr.Type == flags.ErrCommandRequired || parser.Options&flags.PrintErrors == 0 {
			os.Stderr.WriteString("\n")
			parser.WriteHelp(os.Stderr)
		}
		fmt.Fprintf(os.Stderr, "\nVersion %s, built at %s.\n", Version, BuildDate)
		os.Exit(1)

	default:
		os.Exit(1) // go-flags has already printed the input error.
	}
}

// AddPrintConfigCmd adds a "print-config" command to the Parser, which
// writes the combined configuration of |configName|, flags and environment
// in INI format.
func AddPrintConfigCmd(parser *flags.Parser, configName string) {
	_, _ = parser.AddCommand("print-config", "Print combined configuration and exit", `
print-config parses the combined configuration from `+configName+`, flags,
and environment variables, and then writes the configuration to stdout in INI format.
`, &printConfig{parser})
}

type printConfig struct {
	*flags.Parser `no-flag:"t"`
}

func (p printConfig) Execute([]string) error {
	flags.NewIniParser(p.Parser).Write(os.Stdout,
		flags.IniIncludeComments|flags.IniCommentDefaults|flags.IniIncludeDefaults)
	return nil
}
