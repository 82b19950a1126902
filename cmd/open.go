package cmd

import (
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/leftmike/walkv/engine"
	"github.com/leftmike/walkv/mvcc"
	"github.com/leftmike/walkv/storage/kv"
)

func openStore() (mvcc.Store, error) {
	if cfg.Store == "memory" {
		return mvcc.NewMemStore(), nil
	}

	err := os.MkdirAll(cfg.Data, 0755)
	if err != nil {
		return nil, err
	}
	st, err := kv.Open(cfg.Store, cfg.Data, log.StandardLogger())
	if err != nil {
		return nil, err
	}
	return mvcc.NewKVStore(st, cfg.SyncWrites), nil
}

// openEngine opens the engine described by the config, running recovery if necessary.
func openEngine() (*engine.Engine, error) {
	st, err := openStore()
	if err != nil {
		return nil, err
	}

	e, err := engine.Open(engine.Options{
		Dir:                cfg.Data,
		PageFile:           cfg.PageFile,
		WALFile:            cfg.WALFile,
		Store:              st,
		NoSync:             !cfg.SyncWrites,
		CheckpointInterval: cfg.CheckpointInterval,
		Logger:             log.StandardLogger(),
	})
	if err != nil {
		st.Close()
		return nil, err
	}
	return e, nil
}
