// Package mainboilerplate contains shared initialization of this project's
// binaries: configuration parsing, logging setup, and diagnostics.
package mainboilerplate

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/jessevdk/go-flags"
)

// MustParseConfig parses the combination of an optional INI file, configured
// environment bindings, and explicit flags. An INI file named |configName|
// is searched for in:
//   - The current working directory.
//   - ~/.config/sqlite-mcp (under $HOME or %UserProfile%).
func MustParseConfig(parser *flags.Parser, configName string) {
	// Allow unknown options while parsing the INI file.
	var origOptions = parser.Options
	parser.Options |= flags.IgnoreUnknown

	var iniParser = flags.NewIniParser(parser)
	var prefixes = []string{
		".",
		filepath.Join(os.Getenv("HOME"), ".config", "sqlite-mcp"),
		filepath.Join(os.Getenv("UserProfile"), ".config", "sqlite-mcp"),
	}
	for _, prefix := range prefixes {
		var err = iniParser.ParseFile(filepath.Join(prefix, configName))
		if err == nil {
			break
		} else if !os.IsNotExist(err) {
			fmt.Println(err)
			os.Exit(1)
		}
	}
	parser.Options = origOptions
	MustParseArgs(parser)
}

// MustParseArgs requires that the parser accept program arguments.
func MustParseArgs(parser *flags.Parser) {
	if _, err := parser.ParseArgs(os.Args[1:]); err != nil {
		var flagErr, ok = err.(*flags.Error)
		if !ok {
			Must(err, "fatal error")
		}
		switch flagErr.Type {
		case flags.ErrDuplicatedFlag, flags.ErrTag, flags.ErrInvalidTag,
			flags.ErrShortNameTooLong, flags.ErrMarshal:
			// A problem of the configuration object itself, not of input.
			panic(err)
		case flags.ErrCommandRequired:
			os.Stderr.WriteString("\n")
			parser.WriteHelp(os.Stderr)
			os.Exit(1)
		case flags.ErrHelp:
			if parser.Options&flags.PrintErrors == 0 {
				parser.WriteHelp(os.Stderr)
			}
			os.Exit(1)
		default:
			// `go-flags` has already printed a helpful message.
			os.Exit(1)
		}
	}
}

// AddPrintConfigCmd adds a "print-config" command which writes the combined
// runtime configuration to stdout in INI format and exits.
func AddPrintConfigCmd(parser *flags.Parser, configName string) {
	parser.AddCommand("print-config", "Print combined configuration and exit", `
print-config parses the combined configuration from `+configName+`, flags,
and environment variables, and writes it to stdout in INI format.
`, &printConfig{parser})
}

type printConfig struct {
	*flags.Parser `no-flag:"t"`
}

func (p printConfig) Execute([]string) error {
	var ini = flags.NewIniParser(p.Parser)
	ini.Write(os.Stdout, flags.IniIncludeDefaults|flags.IniCommentDefaults|flags.IniIncludeComments)
	return nil
}
