// kmodinfo prints a readable YAML view of Kestrel bytecode modules.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"

	"github.com/chazu/kestrel/module"
)

var red = color.New(color.FgRed).SprintFunc()

func main() {
	brief := flag.Bool("brief", false, "Print one line of table sizes per module instead of YAML")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: kmodinfo [options] <module>...\n\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(1)
	}

	failed := false
	for _, path := range flag.Args() {
		if err := describe(os.Stdout, path, *brief, flag.NArg() > 1); err != nil {
			fmt.Fprintf(os.Stderr, "%s\n", red(fmt.Sprintf("%s: %v", path, err)))
			failed = true
		}
	}
	if failed {
		os.Exit(1)
	}
}

func describe(w io.Writer, path string, brief, header bool) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	m, err := module.Decode(f)
	if err != nil {
		return err
	}
	if brief {
		_, err := fmt.Fprintf(w, "%s: %d constants, %d functions, %d structs\n",
			path, len(m.Pool), len(m.Functions), len(m.Structs))
		return err
	}
	if header {
		if _, err := fmt.Fprintf(w, "# %s\n", path); err != nil {
			return err
		}
	}
	return module.DumpYAML(w, m)
}
