package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/chzyer/readline"

	"github.com/carbonblack/apisurface/script"
	"github.com/carbonblack/apisurface/ucbridge"
	"github.com/carbonblack/apisurface/util"
	"github.com/carbonblack/apisurface/windows"
)

var completer = []readline.PrefixCompleterInterface{
	readline.PcItem("quit"),
	readline.PcItem("help"),
	readline.PcItem("call"),
	readline.PcItem("alloc"),
	readline.PcItem("str"),
	readline.PcItem("wstr"),
	readline.PcItem("dword"),
	readline.PcItem("dump"),
	readline.PcItem("lasterror"),
	readline.PcItem("setreg"),
	readline.PcItem("show",
		readline.PcItem("buffers"),
		readline.PcItem("events"),
		readline.PcItem("handles"),
		readline.PcItem("hooks"),
		readline.PcItem("processes"),
		readline.PcItem("registers"),
		readline.PcItem("registry"),
		readline.PcItem("services"),
		readline.PcItem("stack")),
}

const replHelp = `call <fn> [args...]     invoke an entry point; args as in scripts (@buf, *buf, $saved, HKLM, 0x10)
alloc <name> <size>     zeroed guest buffer
str|wstr <name> <text>  narrow or wide string buffer
dword <name> <value>    4 byte buffer
dump <name> [n]         hex dump of a buffer
lasterror               last error of the calling thread
show <what>             buffers, events, handles, hooks, processes, registry [path], services
                        registers, stack (--cpu only)
setreg <reg> <value>    write a CPU register (--cpu only)
quit`

func filterInput(r rune) (rune, bool) {
	switch r {
	case readline.CharCtrlZ:
		return r, false
	}
	return r, true
}

// console is the command interpreter behind the prompt
type console struct {
	sess        *session
	calls       *script.Session
	out         io.Writer
	lastCommand string
}

func newConsole(sess *session, out io.Writer) *console {
	return &console{sess: sess, calls: script.NewSession(sess.emu, sess.call), out: out}
}

func repl(sess *session, out io.Writer) error {
	l, err := readline.NewEx(&readline.Config{
		Prompt:              "apisurface > ",
		HistoryFile:         filepath.Join(os.TempDir(), "apisurface.tmp"),
		AutoComplete:        readline.NewPrefixCompleter(completer...),
		InterruptPrompt:     "^C",
		EOFPrompt:           "exit",
		HistorySearchFold:   true,
		FuncFilterInputRune: filterInput,
	})
	if err != nil {
		return err
	}
	defer l.Close()

	c := newConsole(sess, out)
	for {
		line, err := l.Readline()
		if err == readline.ErrInterrupt {
			continue
		} else if err != nil {
			return nil
		}
		if c.exec(line) {
			return nil
		}
	}
}

// exec runs one command line and reports whether the user asked to quit.
// An empty line repeats the previous command.
func (c *console) exec(line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		line = c.lastCommand
	}
	words := strings.Fields(line)
	if len(words) == 0 {
		return false
	}
	c.lastCommand = line

	var err error
	switch words[0] {
	case "q", "quit", "exit":
		return true
	case "h", "help":
		fmt.Fprintln(c.out, replHelp)
	case "c", "call":
		err = c.call(words[1:])
	case "alloc":
		err = c.alloc(words[1:])
	case "str", "wstr":
		if len(words) < 3 {
			err = fmt.Errorf("usage: %s <name> <text>", words[0])
			break
		}
		text := strings.Join(words[2:], " ")
		_, err = c.calls.Alloc(words[1], script.Buffer{String: &text, Wide: words[0] == "wstr"})
	case "dword":
		err = c.dword(words[1:])
	case "dump":
		err = c.dump(words[1:])
	case "lasterror":
		fmt.Fprintf(c.out, "%d (0x%x)\n", c.sess.emu.GetLastError(), c.sess.emu.GetLastError())
	case "s", "show":
		err = c.show(words[1:])
	case "setreg", "sr":
		err = c.setreg(words[1:])
	default:
		err = fmt.Errorf("unknown command %q, try help", words[0])
	}
	if err != nil {
		fmt.Fprintln(c.out, "error:", err)
	}
	return false
}

func (c *console) call(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: call <fn> [args...]")
	}
	step := script.Step{Fn: args[0]}
	for _, a := range args[1:] {
		step.Args = append(step.Args, a)
	}
	res, err := c.calls.Exec(step)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "= 0x%x (last error %d)\n", res.Return, res.LastError)
	return nil
}

func (c *console) alloc(args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: alloc <name> <size>")
	}
	size, err := strconv.ParseUint(args[1], 0, 64)
	if err != nil {
		return err
	}
	addr, err := c.calls.Alloc(args[0], script.Buffer{Size: size})
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%s = 0x%x\n", args[0], addr)
	return nil
}

func (c *console) dword(args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: dword <name> <value>")
	}
	v, err := strconv.ParseUint(args[1], 0, 32)
	if err != nil {
		return err
	}
	d := uint32(v)
	_, err = c.calls.Alloc(args[0], script.Buffer{Dword: &d})
	return err
}

func (c *console) dump(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: dump <name> [n]")
	}
	addr, ok := c.calls.Buffer(args[0])
	if !ok {
		return fmt.Errorf("no buffer named %s", args[0])
	}
	n := uint64(64)
	if len(args) > 1 {
		var err error
		if n, err = strconv.ParseUint(args[1], 0, 64); err != nil {
			return err
		}
	}
	if heap, ok := c.sess.emu.Heap.(interface{ Size(uint64) uint64 }); ok {
		if s := heap.Size(addr); s != 0 && s < n {
			n = s
		}
	}
	buf, err := util.ReadBytes(c.sess.emu.Mem, addr, n)
	if err != nil {
		return err
	}
	fmt.Fprint(c.out, hex.Dump(buf))
	return nil
}

func (c *console) show(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: show <what>")
	}
	emu := c.sess.emu
	switch args[0] {
	case "buffers":
		for _, name := range c.calls.Buffers() {
			addr, _ := c.calls.Buffer(name)
			fmt.Fprintf(c.out, "%-16s 0x%x\n", name, addr)
		}
	case "events":
		for _, e := range emu.Events.Events() {
			fmt.Fprintln(c.out, e)
		}
	case "handles":
		for _, h := range emu.Handles.Handles() {
			obj, _ := emu.Handles.Resolve(h)
			fmt.Fprintf(c.out, "%s  %s\n", h, describe(obj))
		}
	case "hooks":
		for _, name := range emu.HookNames() {
			fmt.Fprintln(c.out, name)
		}
	case "processes":
		pm, ok := emu.Processes.(*windows.ProcessManager)
		if !ok {
			return fmt.Errorf("process model %T cannot list processes", emu.Processes)
		}
		for _, p := range pm.Processes() {
			fmt.Fprintf(c.out, "%6d %6d  %s\n", p.PID, p.ParentPID, p.Path)
		}
	case "registry":
		if len(args) == 1 {
			for _, root := range emu.Registry.Roots() {
				fmt.Fprintln(c.out, root.Path())
			}
			return nil
		}
		key, ok := emu.Registry.KeyByPath(strings.Join(args[1:], " "))
		if !ok {
			return fmt.Errorf("no key %s", strings.Join(args[1:], " "))
		}
		printKey(c.out, key, "")
	case "services":
		for _, s := range emu.Services.Services() {
			fmt.Fprintf(c.out, "%-24s state %d  %s\n", s.Name, s.State, s.BinaryPath)
		}
	case "registers":
		cpu, err := c.cpu()
		if err != nil {
			return err
		}
		fmt.Fprintln(c.out, cpu.ReadRegisters())
	case "stack":
		cpu, err := c.cpu()
		if err != nil {
			return err
		}
		cpu.PrintStack(c.out, 10)
	default:
		return fmt.Errorf("nothing called %q to show", args[0])
	}
	return nil
}

func (c *console) cpu() (*ucbridge.CPU, error) {
	if c.sess.bridge == nil {
		return nil, fmt.Errorf("no CPU, start with --cpu")
	}
	return c.sess.bridge.CPU, nil
}

func (c *console) setreg(args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: setreg <reg> <value>")
	}
	if _, err := c.cpu(); err != nil {
		return err
	}
	d, err := strconv.ParseUint(args[1], 0, 64)
	if err != nil {
		return fmt.Errorf("error parsing value: %s", args[1])
	}
	reg, err := ucbridge.ResolveRegisterByName(args[0])
	if err != nil {
		return err
	}
	return c.sess.bridge.Uc.RegWrite(reg, d)
}

func describe(obj interface{}) string {
	switch o := obj.(type) {
	case *windows.KeyHandle:
		return "key " + o.Key.Path()
	case *windows.Process:
		return "process " + o.String()
	case *windows.Thread:
		return fmt.Sprintf("thread %d", o.TID)
	case *windows.Token:
		return "token " + o.User.String()
	case *windows.ServiceHandle:
		if o.Service == nil {
			return "scmanager " + o.Machine
		}
		return "service " + o.Service.Name
	case *windows.HashContext:
		return "hash " + o.Alg.Name
	case *windows.CryptContext:
		return "provider"
	}
	return fmt.Sprintf("%T", obj)
}

func printKey(w io.Writer, k *windows.Key, indent string) {
	fmt.Fprintf(w, "%s%s\n", indent, k.Name())
	for _, v := range k.Values() {
		fmt.Fprintf(w, "%s  %s\n", indent, v)
	}
	for _, child := range k.Children() {
		printKey(w, child, indent+"  ")
	}
}
