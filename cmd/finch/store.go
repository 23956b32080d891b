package main

import (
	"fmt"

	"github.com/mitchellh/mapstructure"

	"github.com/finchdb/finch/pkg/config"
	"github.com/finchdb/finch/pkg/store"
	badgerstore "github.com/finchdb/finch/pkg/store/badger"
	memorystore "github.com/finchdb/finch/pkg/store/memory"
)

// buildStore instantiates the keyspace store selected by the
// configuration.
func buildStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Type {
	case "memory":
		return memorystore.New(), nil

	case "badger":
		var opts badgerstore.Options
		if err := mapstructure.Decode(cfg.Store.Badger, &opts); err != nil {
			return nil, fmt.Errorf("invalid badger options: %w", err)
		}
		if opts.Dir == "" && !opts.InMemory {
			return nil, fmt.Errorf("badger store requires a dir")
		}
		return badgerstore.New(opts)

	default:
		return nil, fmt.Errorf("unknown store type %q", cfg.Store.Type)
	}
}
