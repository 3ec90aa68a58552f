// Command asarbypass disables the ASAR integrity check of an Electron
// executable.
package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/apex/log"
	"github.com/apex/log/handlers/cli"
	"github.com/apex/log/handlers/multi"
	"github.com/apex/log/handlers/text"
	"github.com/fatih/color"
	"github.com/pgaskin/asarbypass/bypass"
	"github.com/pgaskin/asarbypass/funcbounds"
	"github.com/pgaskin/asarbypass/patchlib"
	"github.com/pgaskin/asarbypass/xref"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

var version = "unknown"

type config struct {
	In             string `yaml:"in"`
	Out            string `yaml:"out"`
	String         string `yaml:"string"`
	StringFormat   string `yaml:"stringFormat"`
	Backup         bool   `yaml:"backup"`
	UpdateChecksum bool   `yaml:"updateChecksum"`
	Log            string `yaml:"log"`
}

type options struct {
	config
	DryRun  bool
	Verbose bool
}

// stringFormats parse the --string argument.
var stringFormats = map[string]func(string) (patchlib.Pattern, error){
	"string": func(s string) (patchlib.Pattern, error) {
		return patchlib.StringPattern(s), nil
	},
	"hex": patchlib.ParsePattern,
}

var errHelp = errors.New("help requested")

var (
	cyan  = color.New(color.FgCyan)
	green = color.New(color.FgGreen)
	red   = color.New(color.FgRed, color.Bold)
)

func errexit(format string, a ...interface{}) {
	_, _ = red.Fprintf(os.Stderr, format, a...)
	os.Exit(1)
}

func main() {
	opts, err := parseArgs(os.Args[1:], os.Stderr)
	if errors.Is(err, errHelp) {
		os.Exit(1)
	} else if err != nil {
		errexit("Error: %v. See --help for more info.\n", err)
	}

	pat, err := opts.pattern()
	if err != nil {
		errexit("Error: invalid string: %v\n", err)
	}

	closeLog, err := setupLog(opts)
	if err != nil {
		errexit("Error: could not open log file: %v\n", err)
	}
	defer closeLog()

	log.Debugf("asarbypass %s", version)
	log.Debugf("cfg: %#v", opts.config)

	_, _ = cyan.Printf("Patching %s\n", opts.In)
	r, err := bypass.PatchFile(opts.In, opts.Out, bypass.Options{
		Pattern:        pat,
		Backup:         opts.Backup,
		UpdateChecksum: opts.UpdateChecksum,
		DryRun:         opts.DryRun,
	})
	if err != nil {
		closeLog()
		errexit("Error: %s: %v\n", bypass.KindOf(err), err)
	}

	_, _ = green.Printf("Found ValidateIntegrityOrDie at 0x%x-0x%x (0x%x bytes, referenced from va 0x%x)\n", r.Start, r.End, r.Len(), r.RefVA)
	switch {
	case opts.DryRun:
		_, _ = green.Printf("Dry run, not writing output\n")
	case opts.Out == "" || opts.Out == opts.In:
		_, _ = green.Printf("Successfully patched '%s'\n", opts.In)
	default:
		_, _ = green.Printf("Successfully patched '%s' to '%s'\n", opts.In, opts.Out)
	}
}

// parseArgs parses the command line, merging it over the config file if one
// is given. The usage is written to w if requested.
func parseArgs(args []string, w io.Writer) (*options, error) {
	fs := pflag.NewFlagSet("asarbypass", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configFile := fs.StringP("config", "c", "", "read options from a YAML file (flags take precedence)")
	input := fs.StringP("input", "i", "", "the executable to patch (required)")
	output := fs.StringP("output", "o", "", "the file to write the patched output to (default: overwrite input)")
	str := fs.StringP("string", "s", "", "the message referenced by the function to stub (default: "+bypass.DefaultString+")")
	strFormat := fs.StringP("string-format", "f", "string", fmt.Sprintf("the format of --string (one of: %s)", strings.Join(formatNames(), ",")))
	backup := fs.BoolP("backup", "b", false, "back up the output to OUTPUT.bak before overwriting it")
	checksum := fs.Bool("update-checksum", false, "recompute the PE checksum after patching")
	dryRun := fs.BoolP("dry-run", "n", false, "find the function without writing anything")
	logFile := fs.StringP("log", "l", "", "write a detailed log to a file")
	verbose := fs.BoolP("verbose", "v", false, "show verbose output")
	help := fs.BoolP("help", "h", false, "show this help text")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if *help || fs.NArg() > 2 {
		fmt.Fprintf(w, "Usage: asarbypass [OPTIONS] [INPUT [OUTPUT]]\n")
		fmt.Fprintf(w, "\nVersion: %s\n\nOptions:\n", version)
		fmt.Fprint(w, fs.FlagUsages())
		return nil, errHelp
	}

	opts := &options{config: config{StringFormat: "string"}}
	if *configFile != "" {
		if err := loadConfig(*configFile, &opts.config); err != nil {
			return nil, err
		}
	}

	if fs.NArg() >= 1 {
		opts.In = fs.Arg(0)
	}
	if fs.NArg() >= 2 {
		opts.Out = fs.Arg(1)
	}
	for name, fn := range map[string]func(){
		"input":           func() { opts.In = *input },
		"output":          func() { opts.Out = *output },
		"string":          func() { opts.String = *str },
		"string-format":   func() { opts.StringFormat = *strFormat },
		"backup":          func() { opts.Backup = *backup },
		"update-checksum": func() { opts.UpdateChecksum = *checksum },
		"log":             func() { opts.Log = *logFile },
	} {
		if fs.Changed(name) {
			fn()
		}
	}
	opts.DryRun, opts.Verbose = *dryRun, *verbose

	if opts.In == "" {
		return nil, errors.New("input is required")
	}
	if _, ok := stringFormats[opts.StringFormat]; !ok {
		return nil, fmt.Errorf("invalid string format %s", opts.StringFormat)
	}
	return opts, nil
}

func loadConfig(fn string, cfg *config) error {
	buf, err := os.ReadFile(fn)
	if err != nil {
		return fmt.Errorf("could not read config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(buf))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("could not parse config %s: %w", fn, err)
	}
	return nil
}

func (o *options) pattern() (patchlib.Pattern, error) {
	if o.String == "" {
		return bypass.DefaultPattern(), nil
	}
	return stringFormats[o.StringFormat](o.String)
}

// setupLog sends the debug hooks of the patching packages to the terminal
// and/or the log file.
func setupLog(o *options) (func(), error) {
	var hs []log.Handler
	closeFn := func() {}
	if o.Verbose {
		hs = append(hs, cli.New(os.Stderr))
	}
	if o.Log != "" {
		f, err := os.Create(o.Log)
		if err != nil {
			return nil, err
		}
		hs = append(hs, text.New(f))
		closeFn = func() { f.Close() }
	}
	switch len(hs) {
	case 0:
		return closeFn, nil
	case 1:
		log.SetHandler(hs[0])
	default:
		log.SetHandler(multi.New(hs...))
	}
	log.SetLevel(log.DebugLevel)

	hook := func(format string, a ...interface{}) {
		log.Debugf(strings.TrimSuffix(format, "\n"), a...)
	}
	bypass.Log, xref.Log, funcbounds.Log = hook, hook, hook
	return closeFn, nil
}

func formatNames() []string {
	var names []string
	for name := range stringFormats {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
