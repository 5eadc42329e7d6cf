// Kestrel CLI - loads bytecode modules, links them and runs an entry method.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/chazu/kestrel/bytecode"
	"github.com/chazu/kestrel/manifest"
	"github.com/chazu/kestrel/module"
	"github.com/chazu/kestrel/profile"
	"github.com/chazu/kestrel/vm"
	"github.com/chazu/kestrel/vm/snapshot"
)

const (
	exitLoad  = 1
	exitFault = 2
)

var (
	red    = color.New(color.FgRed).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
)

func fatal(code int, format string, args ...any) {
	fmt.Fprintf(os.Stderr, "%s\n", red(fmt.Sprintf(format, args...)))
	os.Exit(code)
}

func warn(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "%s\n", yellow(fmt.Sprintf(format, args...)))
}

func main() {
	entry := flag.String("entry", "", "Entry point as Class.method (default from kestrel.toml, else Main.main)")
	configDir := flag.String("config", "", "Directory holding kestrel.toml (default: search upward from cwd)")
	verbosity := flag.Int("v", 0, "Log verbosity (0 errors only, 1 info, 2 debug)")
	dumpHeap := flag.String("dump-heap", "", "Write a CBOR heap snapshot to this file after the run")
	profilePath := flag.String("profile", "", "Profile the run and save counts to this SQLite database")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: kestrel [options] <module>...\n\n")
		fmt.Fprintf(os.Stderr, "Links the given bytecode modules and runs the entry method.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  kestrel hello.kbc                      # run Main.main\n")
		fmt.Fprintf(os.Stderr, "  kestrel -entry App.start app.kbc lib.kbc\n")
		fmt.Fprintf(os.Stderr, "  kestrel -profile prof.db -dump-heap heap.cbor app.kbc\n")
	}
	flag.Parse()

	m, err := loadManifest(*configDir)
	if err != nil {
		fatal(exitLoad, "Error: %v", err)
	}
	if *entry != "" {
		m.Program.Entry = *entry
	}
	if *verbosity > 0 {
		m.Log.Verbosity = *verbosity
	}
	configureLogging(m)
	log := commonlog.GetLogger("kestrel")

	class, method, err := m.EntryPoint()
	if err != nil {
		fatal(exitLoad, "Error: %v", err)
	}

	paths := append(m.ModulePaths(), flag.Args()...)
	if len(paths) == 0 {
		flag.Usage()
		os.Exit(exitLoad)
	}

	rt := vm.NewRuntime()
	linker := vm.NewLinker(rt)
	for _, path := range paths {
		headers, err := loadModule(path)
		if err != nil {
			fatal(exitLoad, "Error: %v", err)
		}
		log.Infof("loaded %s: %d classes", path, len(headers))
		linker.Add(headers...)
	}
	boot, err := linker.Link(class, method)
	if err != nil {
		fatal(exitLoad, "Link error: %v", err)
	}

	opts := []vm.Option{
		vm.WithGC(m.GCEnabled()),
		vm.WithGCThreshold(m.GC.Threshold),
		vm.WithMaxFrames(m.Machine.MaxFrames),
		vm.WithDispatchCacheSize(m.Machine.DispatchCache),
	}
	var prof *vm.Profiler
	if *profilePath != "" {
		prof = vm.NewProfiler()
		opts = append(opts, vm.WithProfiler(prof))
	}

	machine, err := vm.NewMachine(rt, opts...)
	if err != nil {
		fatal(exitLoad, "Error: %v", err)
	}

	started := time.Now()
	result, runErr := machine.Run(boot)

	if *dumpHeap != "" {
		if err := snapshot.WriteFile(*dumpHeap, snapshot.Capture(machine)); err != nil {
			warn("Warning: heap dump: %v", err)
		}
	}
	if prof != nil {
		if err := saveProfile(*profilePath, machine.ID.String(), programName(m, paths), started, prof); err != nil {
			warn("Warning: profile: %v", err)
		}
	}

	if runErr != nil {
		var fault *vm.RuntimeFault
		if errors.As(runErr, &fault) {
			fatal(exitFault, "Runtime fault: %v", fault)
		}
		fatal(exitFault, "Error: %v", runErr)
	}
	if result.Type != bytecode.Unit {
		fmt.Println(result)
	}
}

// loadManifest reads kestrel.toml from dir, or searches upward from the
// working directory when dir is empty. Without a manifest the defaults
// apply.
func loadManifest(dir string) (*manifest.Manifest, error) {
	if dir != "" {
		return manifest.Load(dir)
	}
	m, err := manifest.FindAndLoad(".")
	if err != nil {
		return nil, err
	}
	if m == nil {
		m = manifest.Default()
	}
	return m, nil
}

func configureLogging(m *manifest.Manifest) {
	var path *string
	if p := m.LogPath(); p != "" {
		path = &p
	}
	commonlog.Configure(m.Log.Verbosity, path)
}

// loadModule decodes one module file and builds its class headers. The
// module is named after the file.
func loadModule(path string) ([]*vm.ClassHeader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	mod, err := module.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	headers, err := vm.Load(moduleName(path), mod)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return headers, nil
}

func moduleName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func programName(m *manifest.Manifest, paths []string) string {
	if m.Program.Name != "" {
		return m.Program.Name
	}
	return moduleName(paths[0])
}

func saveProfile(path, id, program string, started time.Time, prof *vm.Profiler) error {
	store, err := profile.Open(path)
	if err != nil {
		return err
	}
	defer store.Close()
	return store.Save(id, program, started, prof)
}
