// xmrc compiles and runs LSL scripts with the xmr engine.
package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/chazu/xmr/compiler"
	"github.com/chazu/xmr/engine"
	"github.com/chazu/xmr/manifest"
	"github.com/chazu/xmr/pkg/bytecode"
	"github.com/chazu/xmr/sched"
	"github.com/chazu/xmr/server"
	"github.com/chazu/xmr/vm"
)

func main() {
	dir := flag.String("C", ".", "Directory to search for xmr.toml")
	verbose := flag.Int("v", -1, "Log verbosity (overrides [log] verbosity)")
	logFile := flag.String("log", "", "Log file (overrides [log] file)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: xmrc [options] <command> [args...]\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  compile [files...]   Compile scripts into the artifact store\n")
		fmt.Fprintf(os.Stderr, "  list <file>          Print the bytecode listing of a script\n")
		fmt.Fprintf(os.Stderr, "  run [files...]       Compile and run scripts in a reference world\n")
		fmt.Fprintf(os.Stderr, "  lsp                  Start the language server on stdio\n")
		fmt.Fprintf(os.Stderr, "\nWith no files, compile and run use every .lsl file under [scripts] dirs.\n")
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	m, err := manifest.FindAndLoad(*dir)
	if err != nil {
		fatalf("%v", err)
	}
	if m == nil {
		abs, err := filepath.Abs(*dir)
		if err != nil {
			fatalf("%v", err)
		}
		m = manifest.Default(abs)
	}
	configureLogging(m, *verbose, *logFile)

	cmd, args := flag.Arg(0), flag.Args()[1:]
	switch cmd {
	case "compile":
		err = runCompile(m, args)
	case "list":
		err = runList(args)
	case "run":
		err = runRun(m, args)
	case "lsp":
		err = server.NewLSP(vm.DefaultEnvironment()).Run()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		fatalf("%v", err)
	}
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func configureLogging(m *manifest.Manifest, verbose int, logFile string) {
	verbosity := m.Log.Verbosity
	if verbose >= 0 {
		verbosity = verbose
	}
	path := m.Log.File
	if logFile != "" {
		path = logFile
	}
	if path == "" {
		commonlog.Configure(verbosity, nil)
	} else {
		commonlog.Configure(verbosity, &path)
	}
}

// scriptFiles returns args, or every script the manifest knows when args is
// empty.
func scriptFiles(m *manifest.Manifest, args []string) ([]string, error) {
	if len(args) > 0 {
		return args, nil
	}
	files, err := m.ScriptFiles()
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no scripts found in %s", strings.Join(m.ScriptDirPaths(), ", "))
	}
	return files, nil
}

func scriptName(path string) string {
	return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
}

// loadAll compiles every file, printing diagnostics. It fails if any file
// failed.
func loadAll(ctx context.Context, e *engine.Engine, files []string) ([]*engine.Program, error) {
	var progs []*engine.Program
	failed := 0
	for _, path := range files {
		src, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		var sink compiler.ErrorList
		p, err := e.Load(ctx, scriptName(path), "", string(src), &sink)
		if err != nil {
			failed++
			if len(sink.Errs) == 0 {
				fmt.Fprintf(os.Stderr, "%s: %v\n", path, err)
			}
			for _, d := range sink.Errs {
				fmt.Fprintf(os.Stderr, "%s:%v\n", path, d)
			}
			continue
		}
		progs = append(progs, p)
	}
	if failed > 0 {
		return progs, fmt.Errorf("%d of %d scripts failed to compile", failed, len(files))
	}
	return progs, nil
}

func runCompile(m *manifest.Manifest, args []string) error {
	files, err := scriptFiles(m, args)
	if err != nil {
		return err
	}
	e, err := engine.Open(m, afero.NewOsFs())
	if err != nil {
		return err
	}
	defer e.Close()

	progs, err := loadAll(context.Background(), e, files)
	for _, p := range progs {
		fmt.Printf("%s -> %s\n", p.Name(), p.AssetID())
	}
	if err != nil {
		return err
	}
	fmt.Printf("compiled %d scripts (%d generated)\n", len(progs), e.Compiler.Generations())
	return nil
}

func runList(args []string) error {
	if len(args) != 1 {
		return errors.New("list takes exactly one script file")
	}
	src, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	var sink compiler.ErrorList
	script, err := compiler.Parse(string(src), &sink)
	if err == nil {
		var buf bytes.Buffer
		if err = compiler.Generate(script, vm.DefaultEnvironment(), &buf, &sink); err == nil {
			return bytecode.Disassemble(&buf, os.Stdout)
		}
	}
	for _, d := range sink.Errs {
		fmt.Fprintf(os.Stderr, "%s:%v\n", args[0], d)
	}
	return fmt.Errorf("%s: %w", args[0], engine.ErrCompileFailed)
}

func runRun(m *manifest.Manifest, args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	runFor := fs.Duration("for", 0, "Run for this long (0 = until every script is quiet)")
	touch := fs.Bool("touch", false, "Touch every script once after it starts")
	if err := fs.Parse(args); err != nil {
		return err
	}

	files, err := scriptFiles(m, fs.Args())
	if err != nil {
		return err
	}
	e, err := engine.Open(m, afero.NewOsFs())
	if err != nil {
		return err
	}
	defer e.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	progs, err := loadAll(ctx, e, files)
	if err != nil {
		return err
	}

	s := sched.New(nil, os.Stdout)
	for _, p := range progs {
		in, err := s.Spawn(p.Script(), vm.Config{Name: p.Name(), Quantum: e.Quantum})
		if err != nil {
			return fmt.Errorf("%s: %w", p.Name(), err)
		}
		if *touch {
			toucher := &vm.DetectParams{Key: vm.NullKey, Name: "xmrc", Owner: vm.NullKey, Group: vm.NullKey, Type: 1, LinkNum: 1}
			if err := s.Touch(in.Key(), toucher); err != nil {
				return err
			}
		}
	}

	if *runFor > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *runFor)
		defer cancel()
		err = s.Run(ctx)
	} else {
		err = s.RunUntilQuiet(ctx)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		err = nil
	}
	if n := len(s.Instances()); n > 0 && *runFor > 0 {
		fmt.Fprintf(os.Stderr, "stopped after %v with %d scripts alive\n", *runFor, n)
	}
	return err
}
