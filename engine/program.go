package engine

import (
	"github.com/chazu/xmr/vm"
)

// Program is a compiled and materialized script. Its routines are immutable
// and shared by every instance created from it.
type Program struct {
	assetID string
	name    string
	script  *vm.Script
}

// AssetID returns the id the program's artifact is stored under.
func (p *Program) AssetID() string { return p.assetID }

// Name returns the descriptive name given at compile time.
func (p *Program) Name() string { return p.name }

// Script returns the materialized script.
func (p *Program) Script() *vm.Script { return p.script }

// NewInstance starts a new instance of the program. An empty cfg.Name
// defaults to the program name.
func (p *Program) NewInstance(cfg vm.Config) (*vm.Instance, error) {
	if cfg.Name == "" {
		cfg.Name = p.name
	}
	return vm.NewInstance(p.script, cfg)
}
