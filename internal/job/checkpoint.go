package job

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dgraph-io/badger/v4"

	"github.com/copyleftdev/esbench/internal/config"
	"github.com/copyleftdev/esbench/internal/errors"
	"github.com/copyleftdev/esbench/internal/logging"
)

// CheckpointFile is the file name of a repetition's optimizer state.
const CheckpointFile = "optimizer.ckpt"

// ErrCheckpointNotFound is returned by Load when a repetition has no
// checkpoint yet.
var ErrCheckpointNotFound = errors.New(errors.KindCheckpointIO, "checkpoint not found")

// CheckpointStore persists one opaque optimizer blob per repetition. A Save
// replaces the previous blob of the same repetition.
type CheckpointStore interface {
	Save(ctx context.Context, rep int, blob []byte) error
	Load(ctx context.Context, rep int) ([]byte, error)
	Close() error
}

// OpenStore opens the backend selected by cfg.Checkpoint.Backend under
// cfg.LogPath.
func OpenStore(cfg *config.Config, logger *logging.Logger) (CheckpointStore, error) {
	switch cfg.Checkpoint.Backend {
	case config.BackendBadger:
		return OpenBadgerStore(BadgerOptions{Path: filepath.Join(cfg.LogPath, "checkpoints.db"), Logger: logger})
	case config.BackendFS, "":
		return NewFSStore(cfg.LogPath), nil
	default:
		return nil, errors.Errorf(errors.KindConfiguration, "unknown checkpoint backend %q", cfg.Checkpoint.Backend)
	}
}

// FSStore writes <root>/rep_<NN>/optimizer.ckpt. Writes go to a temporary
// file that is renamed over the previous checkpoint, so a crash leaves
// either the old or the new blob.
type FSStore struct {
	root string
}

// NewFSStore returns a store rooted at root.
func NewFSStore(root string) *FSStore {
	return &FSStore{root: root}
}

// Path returns the checkpoint file of rep.
func (s *FSStore) Path(rep int) string {
	return filepath.Join(s.root, config.RepName(rep), CheckpointFile)
}

// Save implements CheckpointStore.
func (s *FSStore) Save(ctx context.Context, rep int, blob []byte) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, errors.KindCheckpointIO, "save checkpoint")
	}

	path := s.Path(rep)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, errors.KindCheckpointIO, "create checkpoint directory for rep %d", rep)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o644); err != nil {
		return errors.Wrapf(err, errors.KindCheckpointIO, "write checkpoint %s", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return errors.Wrapf(err, errors.KindCheckpointIO, "replace checkpoint %s", path)
	}
	return nil
}

// Load implements CheckpointStore.
func (s *FSStore) Load(ctx context.Context, rep int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, errors.KindCheckpointIO, "load checkpoint")
	}

	blob, err := os.ReadFile(s.Path(rep))
	if os.IsNotExist(err) {
		return nil, ErrCheckpointNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindCheckpointIO, "read checkpoint for rep %d", rep)
	}
	return blob, nil
}

// Close implements CheckpointStore.
func (s *FSStore) Close() error { return nil }

// BadgerOptions configures a BadgerStore.
type BadgerOptions struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path string
	// InMemory keeps everything in memory.
	InMemory bool
	// Logger receives badger's own log output. Nil disables it.
	Logger *logging.Logger
}

// BadgerStore keeps every repetition's checkpoint in one badger database
// under the key rep_<NN>/optimizer. It is safe for concurrent use by the
// jobs of one run.
type BadgerStore struct {
	db *badger.DB
}

// OpenBadgerStore opens, or creates, the database described by opts.
func OpenBadgerStore(opts BadgerOptions) (*BadgerStore, error) {
	var bo badger.Options
	if opts.InMemory {
		bo = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if opts.Path == "" {
			return nil, errors.New(errors.KindConfiguration, "badger checkpoint store needs a path")
		}
		if err := os.MkdirAll(opts.Path, 0o750); err != nil {
			return nil, errors.Wrapf(err, errors.KindCheckpointIO, "create database directory %s", opts.Path)
		}
		bo = badger.DefaultOptions(opts.Path).WithSyncWrites(true)
	}
	bo = bo.WithNumVersionsToKeep(1)
	if opts.Logger != nil {
		bo = bo.WithLogger(&badgerLogger{logger: opts.Logger.WithField("component", "badger")})
	} else {
		bo = bo.WithLogger(nil)
	}

	db, err := badger.Open(bo)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindCheckpointIO, "open badger database")
	}
	return &BadgerStore{db: db}, nil
}

func checkpointKey(rep int) []byte {
	return []byte(config.RepName(rep) + "/optimizer")
}

// Save implements CheckpointStore.
func (s *BadgerStore) Save(ctx context.Context, rep int, blob []byte) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, errors.KindCheckpointIO, "save checkpoint")
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(checkpointKey(rep), blob)
	})
	return errors.Wrapf(err, errors.KindCheckpointIO, "store checkpoint for rep %d", rep)
}

// Load implements CheckpointStore.
func (s *BadgerStore) Load(ctx context.Context, rep int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, errors.KindCheckpointIO, "load checkpoint")
	}

	var blob []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(checkpointKey(rep))
		if err != nil {
			return err
		}
		blob, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrCheckpointNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindCheckpointIO, "read checkpoint for rep %d", rep)
	}
	return blob, nil
}

// Close implements CheckpointStore.
func (s *BadgerStore) Close() error {
	return errors.Wrap(s.db.Close(), errors.KindCheckpointIO, "close badger database")
}

// badgerLogger forwards badger's printf-style logging.
type badgerLogger struct {
	logger *logging.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(trim(format, args))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(trim(format, args))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(trim(format, args))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(trim(format, args))
}

func trim(format string, args []interface{}) string {
	return strings.TrimSpace(fmt.Sprintf(format, args...))
}
