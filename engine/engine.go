package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/spf13/afero"

	"github.com/chazu/xmr/compiler"
	"github.com/chazu/xmr/manifest"
	"github.com/chazu/xmr/vm"
)

// Engine compiles scripts with the settings of a manifest and keeps the
// programs it has loaded, one per asset id.
type Engine struct {
	Compiler *Compiler
	BasePath string
	Quantum  int

	closer func() error

	mu       sync.Mutex
	programs map[string]*Program
}

// Open builds an Engine from m. The artifact store is chosen by
// m.Engine.Store.
func Open(m *manifest.Manifest, fs afero.Fs) (*Engine, error) {
	opts := Options{
		Fs:          fs,
		SaveSource:  m.Engine.SaveSource,
		SaveListing: m.Engine.SaveListing,
	}
	e := &Engine{
		BasePath: m.ScriptBasePath(),
		Quantum:  m.Engine.Quantum,
		programs: make(map[string]*Program),
	}

	switch m.Engine.Store {
	case manifest.StoreSQLite:
		store, err := NewSQLiteStore(m.DatabasePath())
		if err != nil {
			return nil, fmt.Errorf("opening artifact store: %w", err)
		}
		opts.Store = store
		e.closer = store.Close
		log.Infof("using sqlite artifact store %s", m.DatabasePath())
	case manifest.StoreFS, "":
		log.Infof("using artifact directory %s", e.BasePath)
	default:
		return nil, fmt.Errorf("unknown artifact store %q", m.Engine.Store)
	}

	e.Compiler = NewCompiler(opts)
	return e, nil
}

// Close releases the artifact store.
func (e *Engine) Close() error {
	if e.closer == nil {
		return nil
	}
	return e.closer()
}

// Load returns the program for source, compiling it if this engine has not
// loaded its asset id yet. An empty assetID is derived from the source.
func (e *Engine) Load(ctx context.Context, name, assetID, source string, sink compiler.ErrorSink) (*Program, error) {
	if assetID == "" {
		assetID = AssetIDFor(source)
	}

	e.mu.Lock()
	p, ok := e.programs[assetID]
	e.mu.Unlock()
	if ok {
		return p, nil
	}

	p, err := e.Compiler.Compile(ctx, Request{
		Source:   source,
		DescName: name,
		AssetID:  assetID,
		BasePath: e.BasePath,
	}, sink)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prev, ok := e.programs[assetID]; ok {
		return prev, nil
	}
	e.programs[assetID] = p
	return p, nil
}

// Loaded returns how many programs the engine holds.
func (e *Engine) Loaded() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.programs)
}

// Start creates an instance of p. A zero cfg.Quantum takes the engine's.
func (e *Engine) Start(p *Program, cfg vm.Config) (*vm.Instance, error) {
	if cfg.Quantum == 0 {
		cfg.Quantum = e.Quantum
	}
	return p.NewInstance(cfg)
}
