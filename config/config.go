// Package config holds the settings of walkv. Each setting is a flag; a setting can also be
// given in an HCL config file, but a flag set on the command line always wins.
package config

import (
	"fmt"
	"os"
	"sort"

	"github.com/hashicorp/hcl"
	"github.com/spf13/pflag"
)

type Config struct {
	Data               string
	Store              string
	PageFile           string
	WALFile            string
	SyncWrites         bool
	CheckpointInterval int
	LogLevel           string
	LogFile            string

	vars map[string]*pflag.Flag
	cfg  map[string]interface{}
	used map[string]struct{}
}

// Stores are the names accepted by the store setting.
var Stores = []string{"memory", "btree", "badger", "bbolt", "pebble"}

func Default() *Config {
	return &Config{
		Data:               "walkv-data",
		Store:              "memory",
		PageFile:           "walkv.pages",
		WALFile:            "walkv.wal",
		SyncWrites:         true,
		CheckpointInterval: 1000,
		LogLevel:           "info",
		LogFile:            "walkv.log",
		vars:               map[string]*pflag.Flag{},
		cfg:                map[string]interface{}{},
		used:               map[string]struct{}{},
	}
}

// Flags defines a flag in fs for every setting.
func (c *Config) Flags(fs *pflag.FlagSet) {
	fs.StringVar(&c.Data, "data", c.Data, "`directory` containing the page file and the log")
	c.vars["data"] = fs.Lookup("data")

	fs.StringVar(&c.Store, "store", c.Store,
		"multi-version store: memory, btree, badger, bbolt, or pebble")
	c.vars["store"] = fs.Lookup("store")

	fs.StringVar(&c.PageFile, "page-file", c.PageFile, "`file` in the data directory for pages")
	c.vars["page-file"] = fs.Lookup("page-file")

	fs.StringVar(&c.WALFile, "wal-file", c.WALFile, "`file` in the data directory for the log")
	c.vars["wal-file"] = fs.Lookup("wal-file")

	fs.BoolVar(&c.SyncWrites, "sync-writes", c.SyncWrites, "fsync the log on every flush")
	c.vars["sync-writes"] = fs.Lookup("sync-writes")

	fs.IntVar(&c.CheckpointInterval, "checkpoint-interval", c.CheckpointInterval,
		"log records between automatic checkpoints; 0 disables them")
	c.vars["checkpoint-interval"] = fs.Lookup("checkpoint-interval")

	fs.StringVar(&c.LogFile, "log-file", c.LogFile, "`file` to use for logging")
	c.vars["log-file"] = fs.Lookup("log-file")

	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel,
		"log level: trace, debug, info, warn, error, fatal, or panic")
	c.vars["log-level"] = fs.Lookup("log-level")
}

// Used records the flags of fs which were set on the command line; Load leaves them alone.
func (c *Config) Used(fs *pflag.FlagSet) {
	fs.Visit(
		func(flg *pflag.Flag) {
			c.used[flg.Name] = struct{}{}
		})
}

// Load sets the settings from an HCL config.
func (c *Config) Load(s string) error {
	var cfg map[string]interface{}
	err := hcl.Decode(&cfg, s)
	if err != nil {
		return err
	}

	for name, val := range cfg {
		flg, ok := c.vars[name]
		if !ok {
			return fmt.Errorf("%s is not a config variable", name)
		}
		c.cfg[name] = val
		if _, ok := c.used[flg.Name]; ok {
			continue
		}
		if _, ok := val.([]map[string]interface{}); ok {
			return fmt.Errorf("%s: expected a value; got a block", name)
		}
		err := flg.Value.Set(fmt.Sprintf("%v", val))
		if err != nil {
			return fmt.Errorf("%s: %s", name, err)
		}
	}

	return c.Validate()
}

func (c *Config) LoadFile(configFile string) error {
	b, err := os.ReadFile(configFile)
	if err != nil {
		return err
	}
	return c.Load(string(b))
}

func (c *Config) Validate() error {
	for _, st := range Stores {
		if c.Store == st {
			return nil
		}
	}
	return fmt.Errorf("store: %s is not one of %v", c.Store, Stores)
}

type Setting struct {
	Name  string
	Value string
	By    string
}

// Settings returns every setting, sorted by name, along with where its value came from:
// flag, config, or default.
func (c *Config) Settings() []Setting {
	var settings []Setting
	for name, flg := range c.vars {
		by := "default"
		if _, ok := c.used[flg.Name]; ok {
			by = "flag"
		} else if _, ok := c.cfg[name]; ok {
			by = "config"
		}
		settings = append(settings, Setting{Name: name, Value: flg.Value.String(), By: by})
	}

	sort.Slice(settings, func(i, j int) bool {
		return settings[i].Name < settings[j].Name
	})
	return settings
}
