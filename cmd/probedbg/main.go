// Command probedbg is a small on-host harness exercising the probe, session,
// flash and debuginfo packages from the command line: list attached probes,
// attach to a target described by a YAML file, flash an image, and print a
// backtrace.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"
	flag "github.com/spf13/pflag"

	"github.com/probe-rs/probe-rs-sub011/debuginfo"
	"github.com/probe-rs/probe-rs-sub011/flash"
	"github.com/probe-rs/probe-rs-sub011/internal/pflagenv"
	"github.com/probe-rs/probe-rs-sub011/memrange"
	"github.com/probe-rs/probe-rs-sub011/probe"
	_ "github.com/probe-rs/probe-rs-sub011/probe/hidbackend"
	_ "github.com/probe-rs/probe-rs-sub011/probe/serialbackend"
	_ "github.com/probe-rs/probe-rs-sub011/probe/usb"
	"github.com/probe-rs/probe-rs-sub011/rtt"
	"github.com/probe-rs/probe-rs-sub011/session"
	"github.com/probe-rs/probe-rs-sub011/target"
)

const envPrefix = "PROBEDBG_"

var (
	chipFile   = flag.String("chip", "", "Path to the target description YAML file")
	coreName   = flag.String("core", "", "Core name to operate on (defaults to the first core in the chip file)")
	vendorID   = flag.Uint16("vid", 0, "Probe USB vendor ID filter")
	productID  = flag.Uint16("pid", 0, "Probe USB product ID filter")
	serial     = flag.String("serial", "", "Probe serial number filter")
	elfFile    = flag.String("elf", "", "ELF file to flash and/or read debug info from")
	timeout    = flag.Duration("timeout", 2*time.Second, "Attach/connect timeout")
	resetOnRun = flag.Bool("reset", false, "Assert target reset during attach")

	versionFlag = flag.Bool("version", false, "Print version and exit")
	helpFull    = flag.Bool("helpfull", false, "Show full help, including advanced flags")
)

type handler func(ctx context.Context) error

type command struct {
	name     string
	handler  handler
	short    string
	required []string
}

var commands = []command{
	{"probes", listProbes, `List probes visible to every registered family`, nil},
	{"flash", flashImage, `Write the image file's bytes as-is (no ELF parsing) at the start of the first flash region`, []string{"chip", "elf"}},
	{"backtrace", printBacktrace, `Halt the core and print a backtrace using the ELF's debug info`, []string{"chip", "elf"}},
	{"rtt-find", findRTT, `Scan the target's RAM regions for a SEGGER RTT control block`, []string{"chip"}},
}

func getCommand() *command {
	for i, c := range commands {
		if c.name == flag.Arg(0) {
			return &commands[i]
		}
	}
	return nil
}

func checkFlags(required []string) error {
	missing := []string{}
	for _, name := range required {
		f := flag.Lookup(name)
		if f == nil || (!f.Changed && f.Value.String() == "") {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return errors.Errorf("missing required flag(s): %v", missing)
	}
	return nil
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: probedbg <command> [flags]")
	for _, c := range commands {
		fmt.Fprintf(os.Stderr, "  %-12s %s\n", c.name, c.short)
	}
	flag.PrintDefaults()
}

func loadDescription() (*target.Description, error) {
	desc, err := target.LoadYAMLFile(*chipFile)
	if err != nil {
		return nil, errors.Annotatef(err, "load chip description %q", *chipFile)
	}
	return desc, nil
}

func attach(ctx context.Context) (*session.Session, error) {
	desc, err := loadDescription()
	if err != nil {
		return nil, errors.Trace(err)
	}

	sel := probe.Selector{VendorID: *vendorID, ProductID: *productID, SerialNumber: *serial}
	descs, err := probe.Find(ctx, sel)
	if err != nil {
		return nil, errors.Annotatef(err, "enumerate probes")
	}
	if len(descs) == 0 {
		return nil, errors.Errorf("no probe matching %+v found", sel)
	}

	p, err := probe.Open(ctx, descs[0], probe.OpenOptions{})
	if err != nil {
		return nil, errors.Annotatef(err, "open probe %+v", descs[0])
	}

	s, err := session.Attach(ctx, p, desc, session.Options{
		ResetOnAttach:  *resetOnRun,
		ConnectTimeout: *timeout,
	})
	if err != nil {
		p.Close()
		return nil, errors.Annotatef(err, "attach to %q", desc.Name)
	}
	return s, nil
}

func selectCore(s *session.Session) (string, error) {
	name := *coreName
	if name == "" {
		name = s.Description().Cores[0].Name
	}
	if s.Core(name) == nil {
		return "", errors.Errorf("no such core %q", name)
	}
	return name, nil
}

func listProbes(ctx context.Context) error {
	descs, err := probe.List(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	if len(descs) == 0 {
		fmt.Println("no probes found")
		return nil
	}
	for _, d := range descs {
		fmt.Printf("%s  %04x:%04x  serial=%q  path=%s\n", d.Family, d.VendorID, d.ProductID, d.SerialNumber, d.Path)
	}
	return nil
}

func flashImage(ctx context.Context) error {
	s, err := attach(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	defer s.Detach(ctx)

	name, err := selectCore(s)
	if err != nil {
		return errors.Trace(err)
	}
	c := s.Core(name)

	data, err := os.ReadFile(*elfFile)
	if err != nil {
		return errors.Annotatef(err, "read %q", *elfFile)
	}

	loader := flash.NewLoader(s.Description())
	if err := loader.AddData(s.Description().FlashRegions()[0].Range.Start, data); err != nil {
		return errors.Trace(err)
	}

	progress := func(phase flash.Phase, addr uint64, n int) {
		glog.V(1).Infof("flash: %s at 0x%x (%d bytes)", phase, addr, n)
	}
	if err := loader.Commit(ctx, c, name, flash.Options{}, progress); err != nil {
		return errors.Annotatef(err, "flash %q", *elfFile)
	}
	fmt.Println("flash complete")
	return nil
}

func printBacktrace(ctx context.Context) error {
	s, err := attach(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	defer s.Detach(ctx)

	name, err := selectCore(s)
	if err != nil {
		return errors.Trace(err)
	}
	c := s.Core(name)

	if err := c.Halt(ctx, *timeout); err != nil {
		return errors.Annotatef(err, "halt core %q", name)
	}

	img, err := debuginfo.Load(*elfFile)
	if err != nil {
		return errors.Annotatef(err, "load debug info from %q", *elfFile)
	}
	defer img.Close()

	frames, err := debuginfo.Unwind(ctx, c, img, 64)
	if err != nil {
		return errors.Annotatef(err, "unwind core %q", name)
	}
	for i, f := range frames {
		loc := "??"
		text := ""
		if f.Source != nil {
			loc = fmt.Sprintf("%s:%d", f.Source.Path, f.Source.Line)
			if t, err := img.SourceText(f.Source); err == nil {
				text = strings.TrimSpace(t)
			}
		}
		fn := f.Function
		if fn == "" {
			fn = "??"
		}
		inlined := ""
		if f.IsInlined {
			inlined = " (inlined)"
		}
		fmt.Printf("#%-2d 0x%08x %s%s (%s)\n", i, f.PC, fn, inlined, loc)
		if text != "" {
			fmt.Printf("       %s\n", text)
		}
	}
	return nil
}

func findRTT(ctx context.Context) error {
	s, err := attach(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	defer s.Detach(ctx)

	name, err := selectCore(s)
	if err != nil {
		return errors.Trace(err)
	}
	c := s.Core(name)

	var ranges []memrange.Range
	for _, r := range s.Description().RAMRegions() {
		ranges = append(ranges, r.Range)
	}
	addr, err := rtt.FindControlBlock(ctx, c, ranges)
	if err != nil {
		return errors.Annotatef(err, "find rtt control block on %q", name)
	}
	fmt.Printf("rtt control block at 0x%08x\n", addr)
	return nil
}

func main() {
	flag.Parse()
	pflagenv.Parse(envPrefix)

	if *helpFull {
		usage()
		return
	}
	if *versionFlag {
		fmt.Println("probedbg (probe-rs-sub011)")
		return
	}

	cmd := getCommand()
	if cmd == nil {
		usage()
		os.Exit(1)
	}
	if err := checkFlags(cmd.required); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}

	if err := cmd.handler(context.Background()); err != nil {
		glog.Infof("Error: %+v", err)
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
