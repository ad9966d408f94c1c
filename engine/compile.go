package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/spf13/afero"
	"github.com/tliron/commonlog"
	"golang.org/x/sync/singleflight"

	"github.com/chazu/xmr/compiler"
	"github.com/chazu/xmr/pkg/bytecode"
	"github.com/chazu/xmr/vm"
)

var log = commonlog.GetLogger("xmr.engine")

// ErrCompileFailed is wrapped by every error Compile returns for a script
// that could not be turned into a program. The underlying SyntaxError,
// CodeGenError, MalformedStreamError or ResolutionError is wrapped too.
var ErrCompileFailed = errors.New("compile failed")

// Request describes one script to compile.
type Request struct {
	Source   string // script source text
	DescName string // descriptive name for diagnostics and instances
	AssetID  string // artifact key; derived from Source if empty
	BasePath string // artifact directory for the filesystem store
}

// Options configures a Compiler.
type Options struct {
	// Env is the environment scripts are checked and linked against.
	// vm.DefaultEnvironment() if nil.
	Env *vm.Environment

	// Store holds artifacts. If nil, each request uses a filesystem store
	// rooted at its BasePath on Fs.
	Store ArtifactStore

	// Fs backs the per-request filesystem store. The OS filesystem if nil.
	Fs afero.Fs

	SaveSource  bool // write <id>.lsl next to each new artifact
	SaveListing bool // write <id>.xmrasm next to each new artifact
}

// Compiler turns script source into programs, reusing stored artifacts.
// It is safe for concurrent use; concurrent compiles of one asset id share
// a single code generation.
type Compiler struct {
	env         *vm.Environment
	store       ArtifactStore
	fs          afero.Fs
	saveSource  bool
	saveListing bool

	group       singleflight.Group
	generations atomic.Int64
}

// NewCompiler creates a Compiler.
func NewCompiler(opts Options) *Compiler {
	c := &Compiler{
		env:         opts.Env,
		store:       opts.Store,
		fs:          opts.Fs,
		saveSource:  opts.SaveSource,
		saveListing: opts.SaveListing,
	}
	if c.env == nil {
		c.env = vm.DefaultEnvironment()
	}
	if c.fs == nil {
		c.fs = afero.NewOsFs()
	}
	return c
}

// Env returns the environment programs are linked against.
func (c *Compiler) Env() *vm.Environment { return c.env }

// Generations returns how many artifacts this compiler has generated.
func (c *Compiler) Generations() int64 { return c.generations.Load() }

// Compile returns the program for req. If an artifact already exists under
// the asset id it is materialized without parsing or code generation.
// Otherwise the source is parsed and compiled into a new artifact first.
// Every diagnostic goes to sink; on failure no artifact is left behind.
//
// When several callers compile the same asset id at once, only the first
// caller's sink receives diagnostics.
func (c *Compiler) Compile(ctx context.Context, req Request, sink compiler.ErrorSink) (*Program, error) {
	if req.AssetID == "" {
		req.AssetID = AssetIDFor(req.Source)
	}
	if req.DescName == "" {
		req.DescName = req.AssetID
	}
	if err := ValidateAssetID(req.AssetID); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCompileFailed, err)
	}

	store, err := c.storeFor(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrCompileFailed, req.DescName, err)
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrCompileFailed, req.DescName, err)
	}

	// The shared load outlives any one caller; each caller stops waiting
	// when its own context ends.
	key := req.BasePath + "\x00" + req.AssetID
	shared := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (interface{}, error) {
		return c.load(shared, store, req, sink)
	})
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %s: %w", ErrCompileFailed, req.DescName, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Program), nil
	}
}

func (c *Compiler) storeFor(req Request) (ArtifactStore, error) {
	if c.store != nil {
		return c.store, nil
	}
	return NewFSStore(c.fs, req.BasePath)
}

// load materializes the artifact for req, generating it first if needed. An
// artifact from another format version is deleted and regenerated once.
func (c *Compiler) load(ctx context.Context, store ArtifactStore, req Request, sink compiler.ErrorSink) (*Program, error) {
	generated, regenerated := false, false
	for {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrCompileFailed, req.DescName, err)
		}

		rc, err := store.Open(ctx, req.AssetID)
		if errors.Is(err, ErrNotFound) && !generated {
			if err := c.generate(ctx, store, req, sink); err != nil {
				return nil, err
			}
			generated = true
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %s: opening artifact: %w", ErrCompileFailed, req.DescName, err)
		}

		prog, err := c.materialize(rc, req)
		rc.Close()
		if err == nil {
			return prog, nil
		}

		var ve *bytecode.VersionError
		if errors.As(err, &ve) && !regenerated {
			log.Warningf("%s: artifact %s has format version %d, regenerating", req.DescName, req.AssetID, ve.Got)
			if err := store.Delete(ctx, req.AssetID); err != nil {
				return nil, fmt.Errorf("%w: %s: deleting stale artifact: %w", ErrCompileFailed, req.DescName, err)
			}
			regenerated, generated = true, false
			continue
		}
		return nil, fmt.Errorf("%w: %s: %w", ErrCompileFailed, req.DescName, err)
	}
}

// generate parses and compiles req into a new artifact. A panic anywhere in
// the front end becomes a CodeGenError.
func (c *Compiler) generate(ctx context.Context, store ArtifactStore, req Request, sink compiler.ErrorSink) (err error) {
	var w ArtifactWriter
	defer func() {
		if r := recover(); r != nil {
			ce := &compiler.CodeGenError{Msg: fmt.Sprintf("internal compiler error: %v", r)}
			if sink != nil {
				sink.Report(ce)
			}
			err = ce
		}
		if err == nil {
			return
		}
		if w != nil {
			w.Abort()
		}
		if derr := store.Delete(ctx, req.AssetID); derr != nil {
			log.Errorf("%s: removing artifact after failed compile: %v", req.DescName, derr)
		}
		err = fmt.Errorf("%w: %s: %w", ErrCompileFailed, req.DescName, err)
	}()

	script, err := compiler.Parse(req.Source, sink)
	if err != nil {
		return err
	}

	w, err = store.Create(ctx, req.AssetID)
	if err != nil {
		return err
	}
	if err := compiler.Generate(script, c.env, w, sink); err != nil {
		return err
	}
	if err := w.Commit(); err != nil {
		w = nil
		return err
	}
	w = nil

	c.generations.Add(1)
	log.Infof("%s: compiled artifact %s", req.DescName, req.AssetID)
	c.writeSidecars(ctx, store, req)
	return nil
}

// writeSidecars writes the optional debug files. Failures are only logged.
func (c *Compiler) writeSidecars(ctx context.Context, store ArtifactStore, req Request) {
	if c.saveSource {
		if err := store.WriteSidecar(ctx, req.AssetID, SourceExt, []byte(req.Source)); err != nil {
			log.Warningf("%s: saving source: %v", req.DescName, err)
		}
	}
	if c.saveListing {
		listing, err := c.listing(ctx, store, req.AssetID)
		if err == nil {
			err = store.WriteSidecar(ctx, req.AssetID, ListingExt, listing)
		}
		if err != nil {
			log.Warningf("%s: saving listing: %v", req.DescName, err)
		}
	}
}

func (c *Compiler) listing(ctx context.Context, store ArtifactStore, id string) ([]byte, error) {
	rc, err := store.Open(ctx, id)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	var buf bytes.Buffer
	if err := bytecode.Disassemble(rc, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *Compiler) materialize(r io.Reader, req Request) (*Program, error) {
	rd, err := bytecode.NewReader(r)
	if err != nil {
		return nil, err
	}
	routines, err := vm.Materialize(rd, c.env, nil, nil)
	if err != nil {
		return nil, err
	}
	s, err := vm.NewScript(rd.Meta(), routines, c.env.Types())
	if err != nil {
		return nil, err
	}
	log.Debugf("%s: materialized %d routines from %s", req.DescName, len(routines), req.AssetID)
	return &Program{assetID: req.AssetID, name: req.DescName, script: s}, nil
}
