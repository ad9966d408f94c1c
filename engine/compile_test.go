package engine

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/spf13/afero"

	"github.com/chazu/xmr/compiler"
	"github.com/chazu/xmr/pkg/bytecode"
	"github.com/chazu/xmr/vm"
)

const basePath = "/scripts"

const greeter = `
integer count = 2;

default {
    state_entry() {
        integer i;
        for (i = 0; i < count; i++) {
            llOwnerSay("hello " + (string)i);
        }
    }
}
`

func newTestCompiler(opts Options) (*Compiler, afero.Fs) {
	if opts.Fs == nil {
		opts.Fs = afero.NewMemMapFs()
	}
	return NewCompiler(opts), opts.Fs
}

func compileOK(t *testing.T, c *Compiler, req Request) *Program {
	t.Helper()
	var sink compiler.ErrorList
	p, err := c.Compile(context.Background(), req, &sink)
	if err != nil {
		t.Fatalf("Compile() error = %v\n%s", err, sink.String())
	}
	return p
}

func readArtifact(t *testing.T, fs afero.Fs, id string) []byte {
	t.Helper()
	data, err := afero.ReadFile(fs, filepath.Join(basePath, id+ArtifactExt))
	if err != nil {
		t.Fatalf("reading artifact: %v", err)
	}
	return data
}

func dirNames(t *testing.T, fs afero.Fs) []string {
	t.Helper()
	infos, err := afero.ReadDir(fs, basePath)
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	var names []string
	for _, fi := range infos {
		names = append(names, fi.Name())
	}
	return names
}

type consoleHost struct {
	vm.NopHost
	lines []string
}

func (h *consoleHost) Console(_ *vm.Instance, line string) {
	h.lines = append(h.lines, line)
}

func TestCompileWritesArtifactAndRuns(t *testing.T) {
	c, fs := newTestCompiler(Options{})
	p := compileOK(t, c, Request{Source: greeter, DescName: "greeter", AssetID: "g1", BasePath: basePath})

	if p.AssetID() != "g1" || p.Name() != "greeter" {
		t.Errorf("program = %s/%s, want g1/greeter", p.AssetID(), p.Name())
	}
	if got := dirNames(t, fs); len(got) != 1 || got[0] != "g1"+ArtifactExt {
		t.Errorf("base path holds %v, want [g1.xmrobj]", got)
	}

	host := &consoleHost{}
	clk := clock.NewMock()
	in, err := p.NewInstance(vm.Config{Host: host, Clock: clk})
	if err != nil {
		t.Fatalf("NewInstance() error = %v", err)
	}
	if in.Name() != "greeter" {
		t.Errorf("instance name = %q, want greeter", in.Name())
	}
	for i := 0; i < 100 && (in.State() != vm.Idle || in.QueueLen() > 0); i++ {
		in.Step(clk.Now())
	}
	want := "greeter: hello 0|greeter: hello 1"
	if got := strings.Join(host.lines, "|"); got != want {
		t.Errorf("console = %q, want %q", got, want)
	}
}

func TestCompileReusesArtifact(t *testing.T) {
	c, fs := newTestCompiler(Options{})
	req := Request{Source: greeter, DescName: "greeter", AssetID: "g1", BasePath: basePath}
	compileOK(t, c, req)
	first := readArtifact(t, fs, "g1")

	// Garbage source proves the second compile never parses.
	req.Source = "this is not a script"
	p := compileOK(t, c, req)
	if p.Script().Routine(compiler.HandlerName("default", "state_entry")) == nil {
		t.Error("reloaded program has no state_entry handler")
	}
	if n := c.Generations(); n != 1 {
		t.Errorf("Generations() = %d, want 1", n)
	}
	if !bytes.Equal(readArtifact(t, fs, "g1"), first) {
		t.Error("artifact changed on reuse")
	}
}

func TestCompileIsDeterministic(t *testing.T) {
	c, fs := newTestCompiler(Options{})
	compileOK(t, c, Request{Source: greeter, AssetID: "a", BasePath: basePath})
	compileOK(t, c, Request{Source: greeter, AssetID: "b", BasePath: basePath})
	if !bytes.Equal(readArtifact(t, fs, "a"), readArtifact(t, fs, "b")) {
		t.Error("two compiles of one source produced different artifacts")
	}
}

func TestCompileDerivesAssetID(t *testing.T) {
	c, _ := newTestCompiler(Options{})
	p := compileOK(t, c, Request{Source: greeter, BasePath: basePath})
	if p.AssetID() != AssetIDFor(greeter) {
		t.Errorf("AssetID() = %q, want %q", p.AssetID(), AssetIDFor(greeter))
	}
	if p.Name() != p.AssetID() {
		t.Errorf("Name() = %q, want the asset id", p.Name())
	}
}

func TestCompileSyntaxError(t *testing.T) {
	c, fs := newTestCompiler(Options{})
	var sink compiler.ErrorList
	_, err := c.Compile(context.Background(), Request{
		Source:   "default { state_entry() { integer x = ; } }",
		DescName: "broken",
		AssetID:  "bad",
		BasePath: basePath,
	}, &sink)

	if !errors.Is(err, ErrCompileFailed) {
		t.Fatalf("error = %v, want ErrCompileFailed", err)
	}
	var se *compiler.SyntaxError
	if !errors.As(err, &se) {
		t.Fatalf("error = %v, want a SyntaxError", err)
	}
	if !strings.Contains(err.Error(), "broken") {
		t.Errorf("error %q does not name the script", err)
	}
	if len(sink.Errs) == 0 {
		t.Error("nothing reported to the sink")
	}
	if got := dirNames(t, fs); len(got) != 0 {
		t.Errorf("failed compile left %v", got)
	}
	if c.Generations() != 0 {
		t.Errorf("Generations() = %d, want 0", c.Generations())
	}
}

func TestCompileCodeGenErrorLeavesNothing(t *testing.T) {
	c, fs := newTestCompiler(Options{SaveSource: true, SaveListing: true})
	var sink compiler.ErrorList
	_, err := c.Compile(context.Background(), Request{
		Source:   "f() { x = 1; }\ndefault { state_entry() { y = 2; } }",
		AssetID:  "bad",
		BasePath: basePath,
	}, &sink)

	var ce *compiler.CodeGenError
	if !errors.As(err, &ce) {
		t.Fatalf("error = %v, want a CodeGenError", err)
	}
	if len(sink.Errs) != 2 {
		t.Errorf("sink got %d errors, want 2: %s", len(sink.Errs), sink.String())
	}
	if got := dirNames(t, fs); len(got) != 0 {
		t.Errorf("failed compile left %v", got)
	}
}

func TestCompileRegeneratesStaleVersion(t *testing.T) {
	c, fs := newTestCompiler(Options{})
	compileOK(t, c, Request{Source: greeter, AssetID: "g1", BasePath: basePath})
	good := readArtifact(t, fs, "g1")

	stale := append([]byte(nil), good...)
	stale[5] = byte(bytecode.FormatVersion + 1)
	if err := afero.WriteFile(fs, filepath.Join(basePath, "g1"+ArtifactExt), stale, 0644); err != nil {
		t.Fatal(err)
	}

	compileOK(t, c, Request{Source: greeter, AssetID: "g1", BasePath: basePath})
	if n := c.Generations(); n != 2 {
		t.Errorf("Generations() = %d, want 2", n)
	}
	if !bytes.Equal(readArtifact(t, fs, "g1"), good) {
		t.Error("regenerated artifact differs from the first build")
	}
}

func TestCompileCorruptArtifactFails(t *testing.T) {
	c, fs := newTestCompiler(Options{})
	if err := fs.MkdirAll(basePath, 0755); err != nil {
		t.Fatal(err)
	}
	if err := afero.WriteFile(fs, filepath.Join(basePath, "g1"+ArtifactExt), []byte("JUNKJUNKJUNK"), 0644); err != nil {
		t.Fatal(err)
	}

	_, err := c.Compile(context.Background(), Request{Source: greeter, AssetID: "g1", BasePath: basePath}, nil)
	if !errors.Is(err, ErrCompileFailed) {
		t.Fatalf("error = %v, want ErrCompileFailed", err)
	}
	var me *bytecode.MalformedStreamError
	if !errors.As(err, &me) {
		t.Errorf("error = %v, want a MalformedStreamError", err)
	}
	if c.Generations() != 0 {
		t.Errorf("Generations() = %d, want 0", c.Generations())
	}
}

func TestCompileWritesSidecars(t *testing.T) {
	c, fs := newTestCompiler(Options{SaveSource: true, SaveListing: true})
	compileOK(t, c, Request{Source: greeter, AssetID: "g1", BasePath: basePath})

	src, err := afero.ReadFile(fs, filepath.Join(basePath, "g1"+SourceExt))
	if err != nil {
		t.Fatalf("source sidecar: %v", err)
	}
	if string(src) != greeter {
		t.Errorf("source sidecar = %q, want the script source", src)
	}

	listing, err := afero.ReadFile(fs, filepath.Join(basePath, "g1"+ListingExt))
	if err != nil {
		t.Fatalf("listing sidecar: %v", err)
	}
	if !strings.Contains(string(listing), "default$state_entry") {
		t.Errorf("listing does not mention the handler:\n%s", listing)
	}
}

func TestCompileSidecarsOffByDefault(t *testing.T) {
	c, fs := newTestCompiler(Options{})
	compileOK(t, c, Request{Source: greeter, AssetID: "g1", BasePath: basePath})
	if got := dirNames(t, fs); len(got) != 1 {
		t.Errorf("base path holds %v, want only the artifact", got)
	}
}

func TestCompileConcurrent(t *testing.T) {
	c, _ := newTestCompiler(Options{})
	req := Request{Source: greeter, AssetID: "g1", BasePath: basePath}

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.Compile(context.Background(), req, nil)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("compile %d: %v", i, err)
		}
	}
	if n := c.Generations(); n != 1 {
		t.Errorf("Generations() = %d, want 1", n)
	}
}

func TestCompileInvalidAssetID(t *testing.T) {
	c, _ := newTestCompiler(Options{})
	_, err := c.Compile(context.Background(), Request{Source: greeter, AssetID: "../escape", BasePath: basePath}, nil)
	if !errors.Is(err, ErrCompileFailed) {
		t.Errorf("error = %v, want ErrCompileFailed", err)
	}
}

func TestCompileCanceled(t *testing.T) {
	c, _ := newTestCompiler(Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Compile(ctx, Request{Source: greeter, BasePath: basePath}, nil)
	if !errors.Is(err, context.Canceled) || !errors.Is(err, ErrCompileFailed) {
		t.Errorf("error = %v, want context.Canceled and ErrCompileFailed", err)
	}
}

// gatedStore blocks Open until gate is closed and counts the calls.
type gatedStore struct {
	ArtifactStore
	entered chan struct{}
	gate    chan struct{}
	once    sync.Once
	mu      sync.Mutex
	opens   int
}

func (s *gatedStore) Open(ctx context.Context, id string) (io.ReadCloser, error) {
	s.mu.Lock()
	s.opens++
	s.mu.Unlock()
	s.once.Do(func() { close(s.entered) })
	<-s.gate
	return s.ArtifactStore.Open(ctx, id)
}

func TestCompileSharedLoadSurvivesCallerCancel(t *testing.T) {
	fs := afero.NewMemMapFs()
	fsStore, err := NewFSStore(fs, basePath)
	if err != nil {
		t.Fatalf("NewFSStore() error = %v", err)
	}
	store := &gatedStore{ArtifactStore: fsStore, entered: make(chan struct{}), gate: make(chan struct{})}
	c := NewCompiler(Options{Store: store, Fs: fs})
	req := Request{Source: greeter, DescName: "greeter", BasePath: basePath}

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := c.Compile(ctxA, req, nil)
		errA <- err
	}()
	<-store.entered
	cancelA()
	if err := <-errA; !errors.Is(err, context.Canceled) || !errors.Is(err, ErrCompileFailed) {
		t.Fatalf("canceled caller error = %v, want context.Canceled and ErrCompileFailed", err)
	}

	// The first load is still blocked in Open; this caller joins it.
	type result struct {
		p   *Program
		err error
	}
	resB := make(chan result, 1)
	go func() {
		p, err := c.Compile(context.Background(), req, nil)
		resB <- result{p, err}
	}()
	close(store.gate)

	res := <-resB
	if res.err != nil {
		t.Fatalf("live caller error = %v", res.err)
	}
	if res.p == nil || res.p.Name() != "greeter" {
		t.Errorf("program = %v, want greeter", res.p)
	}
	if got := c.Generations(); got != 1 {
		t.Errorf("Generations() = %d, want 1", got)
	}
}

func TestCompileSQLiteStore(t *testing.T) {
	store, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	defer store.Close()

	c, fs := newTestCompiler(Options{Store: store, SaveListing: true})
	req := Request{Source: greeter, AssetID: "g1", BasePath: basePath}
	compileOK(t, c, req)
	compileOK(t, c, req)

	if n := c.Generations(); n != 1 {
		t.Errorf("Generations() = %d, want 1", n)
	}
	if ok, _ := afero.Exists(fs, basePath); ok {
		t.Error("sqlite store touched the filesystem")
	}
	listing, err := store.Sidecar(context.Background(), "g1", ListingExt)
	if err != nil {
		t.Fatalf("Sidecar() error = %v", err)
	}
	if !bytes.Contains(listing, []byte("default$state_entry")) {
		t.Errorf("listing does not mention the handler:\n%s", listing)
	}

	_, err = c.Compile(context.Background(), Request{Source: "default {", AssetID: "bad", BasePath: basePath}, nil)
	if err == nil {
		t.Fatal("Compile() of bad source succeeded")
	}
	if _, err := store.Open(context.Background(), "bad"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Open(bad) error = %v, want ErrNotFound", err)
	}
}
