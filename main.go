// Package main is the command line front end of the API surface engine. It
// runs YAML call scenarios against a fresh session, optionally through a
// unicorn CPU, or drops into an interactive prompt.
package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/pflag"

	"github.com/carbonblack/apisurface/script"
	"github.com/carbonblack/apisurface/ucbridge"
	"github.com/carbonblack/apisurface/util"
	"github.com/carbonblack/apisurface/windows"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// session is whatever the front end drives: a bare WinEmulator, or one
// whose calls go through a unicorn CPU
type session struct {
	emu    *windows.WinEmulator
	bridge *ucbridge.Bridge
	call   script.CallFunc
}

func (s *session) Close() {
	if s.bridge != nil {
		s.bridge.Close()
		return
	}
	s.emu.Close()
}

func run(args []string, stdout, stderr io.Writer) int {
	flags := pflag.NewFlagSet("apisurface", pflag.ContinueOnError)
	flags.SetOutput(stderr)
	configFilePath := flags.StringP("config", "c", "", "path to configuration file")
	scripts := flags.StringArrayP("script", "s", nil, "YAML call scenario to run, may be repeated")
	outputJSON := flags.BoolP("json", "j", false, "output the call log as json lines")
	verbose := flags.CountP("verbose", "v", "verbosity, -vv also dumps registers and traces instructions under --cpu")
	interactive := flags.BoolP("interactive", "i", false, "start an interactive prompt")
	useCPU := flags.Bool("cpu", false, "route calls through a unicorn CPU instead of calling handlers directly")
	eventsPath := flags.String("events", "", "write behavioural events here, CBOR when the name ends in .cbor, json otherwise")
	ptrSize := flags.Uint64("ptr-size", 0, "guest pointer width, 4 or 8; otherwise taken from the script or the config file")
	listHooks := flags.BoolP("list", "l", false, "list every emulated entry point and exit")

	if err := flags.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return 0
		}
		return 2
	}
	if len(*scripts) == 0 && !*interactive && !*listHooks {
		fmt.Fprintln(stderr, "usage: apisurface [-c config] [-s script.yaml]... [-i] [--cpu]")
		flags.PrintDefaults()
		return 2
	}

	width, err := pickPtrSize(*ptrSize, *configFilePath, *scripts)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}

	options := windows.InitWinEmulatorOptions()
	options.ConfigPath = *configFilePath
	options.PtrSize = width
	options.VerboseLevel = *verbose
	options.Output = stdout
	options.LogType = windows.LogTypeStdout
	if *outputJSON {
		options.LogType = windows.LogTypeJSON
	}

	sess, err := open(options, *useCPU)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer sess.Close()

	if *listHooks {
		for _, name := range sess.emu.HookNames() {
			hook := sess.emu.GetHook(name)
			fmt.Fprintf(stdout, "%s!%s(%s)\n", hook.Lib, name, strings.Join(hook.Parameters, ", "))
		}
		return 0
	}

	status := 0
	// scenario summaries stay off stdout when it carries json
	report := stdout
	if *outputJSON {
		report = stderr
	}
	for _, path := range *scripts {
		sc, err := script.Load(path)
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		res, err := script.Run(sess.emu, sess.call, sc)
		if err != nil {
			fmt.Fprintf(stderr, "%s: %v\n", path, err)
			status = 1
			continue
		}
		printResult(report, path, res)
		if !res.Passed() {
			status = 1
		}
	}

	if *interactive {
		if err := repl(sess, stdout); err != nil {
			fmt.Fprintln(stderr, err)
			status = 1
		}
	}

	if *eventsPath != "" {
		if err := writeEvents(sess.emu, *eventsPath); err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
	}
	return status
}

// pickPtrSize settles the guest width before anything is built: the flag
// wins, then the first script that names one, then the config file
func pickPtrSize(flag uint64, configPath string, scripts []string) (uint64, error) {
	if flag != 0 {
		if flag != 4 && flag != 8 {
			return 0, fmt.Errorf("--ptr-size must be 4 or 8, got %d", flag)
		}
		return flag, nil
	}
	for _, path := range scripts {
		sc, err := script.Load(path)
		if err != nil {
			return 0, err
		}
		if sc.PtrSize != 0 {
			return sc.PtrSize, nil
		}
	}
	if configPath != "" {
		conf, err := util.ReadGenericConfig(configPath)
		if err != nil {
			return 0, err
		}
		if conf.PtrSize != 0 {
			return conf.PtrSize, nil
		}
	}
	return 4, nil
}

func open(options *windows.WinEmulatorOptions, useCPU bool) (*session, error) {
	if useCPU {
		b, err := ucbridge.New(options)
		if err != nil {
			return nil, err
		}
		return &session{emu: b.Emu, bridge: b, call: b.Invoke}, nil
	}
	emu, err := windows.New(options)
	if err != nil {
		return nil, err
	}
	return &session{emu: emu, call: emu.Call}, nil
}

func printResult(w io.Writer, path string, res *script.Result) {
	name := res.Name
	if name == "" {
		name = path
	}
	verdict := "ok"
	if !res.Passed() {
		verdict = "FAIL"
	}
	fmt.Fprintf(w, "--- %s: %s (%d calls)\n", verdict, name, len(res.Steps))
	for _, s := range res.Steps {
		if len(s.Failures) > 0 {
			fmt.Fprintf(w, "    %s\n", s)
		}
	}
}

func writeEvents(emu *windows.WinEmulator, path string) error {
	if strings.HasSuffix(strings.ToLower(path), ".cbor") {
		buf, err := emu.Events.ExportCBOR()
		if err != nil {
			return fmt.Errorf("encoding events: %w", err)
		}
		return os.WriteFile(path, buf, 0644)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return emu.Events.ExportJSON(f)
}
