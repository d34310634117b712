// Package runtime wires storage and the durable stores for a
// single-node instance.
package runtime

import (
	"context"
	"errors"

	cfgpkg "github.com/corveehq/corvee/internal/config"
	pebblestore "github.com/corveehq/corvee/internal/storage/pebble"
	"github.com/corveehq/corvee/internal/taskstore"
	"github.com/corveehq/corvee/internal/userstore"
	"github.com/corveehq/corvee/pkg/log"
)

// Options for building the Runtime.
type Options struct {
	DataDir string
	Fsync   pebblestore.FsyncMode
	Config  cfgpkg.Config
	Logger  log.Logger
}

// Runtime owns the database and the stores built on it.
type Runtime struct {
	db     *pebblestore.DB
	tasks  *taskstore.Store
	users  *userstore.Store
	config cfgpkg.Config
}

// Open initializes the underlying storage and returns a Runtime.
func Open(opts Options) (*Runtime, error) {
	db, err := pebblestore.Open(pebblestore.Options{DataDir: opts.DataDir, Fsync: opts.Fsync})
	if err != nil {
		return nil, err
	}
	return &Runtime{
		db:     db,
		tasks:  taskstore.NewStore(db, opts.Logger),
		users:  userstore.NewStore(db, opts.Logger),
		config: opts.Config,
	}, nil
}

// Close closes underlying resources.
func (r *Runtime) Close() error {
	if r.db == nil {
		return nil
	}
	return r.db.Close()
}

// CheckHealth performs a simple storage health check.
func (r *Runtime) CheckHealth(ctx context.Context) error {
	if r.db == nil {
		return errors.New("db not open")
	}
	it, err := r.db.NewIter(nil)
	if err != nil {
		return err
	}
	return it.Close()
}

// Tasks returns the durable unit and submission store.
func (r *Runtime) Tasks() *taskstore.Store { return r.tasks }

// Users returns the account store.
func (r *Runtime) Users() *userstore.Store { return r.users }

// DB exposes the underlying DB for advanced operations (internal use only).
func (r *Runtime) DB() *pebblestore.DB { return r.db }

// Config returns the runtime configuration.
func (r *Runtime) Config() cfgpkg.Config { return r.config }
