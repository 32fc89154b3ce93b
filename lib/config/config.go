/*package config parses the driver's configuration files. Config files are
gcfg-style ini files, e.g.:

    [grid]
    x-length = 8
    y-length = 8
    z-length = 8
    max-refinement-level = -1
    neighborhood-size = 1
    periodic-x = true
    load-balancer-method = HSFC

    [run]
    ranks = 4
    steps = 32
    balance-every = 8
    output-prefix = out/frame
*/
package config

import (
	"gopkg.in/gcfg.v1"
)

// Config holds the parsed driver configuration.
type Config struct {
	Grid struct {
		XLength            uint64 `gcfg:"x-length"`
		YLength            uint64 `gcfg:"y-length"`
		ZLength            uint64 `gcfg:"z-length"`
		MaxRefinementLevel int    `gcfg:"max-refinement-level"`
		NeighborhoodSize   int    `gcfg:"neighborhood-size"`
		PeriodicX          bool   `gcfg:"periodic-x"`
		PeriodicY          bool   `gcfg:"periodic-y"`
		PeriodicZ          bool   `gcfg:"periodic-z"`
		LoadBalancerMethod string `gcfg:"load-balancer-method"`
		SfcCachingBatches  uint64 `gcfg:"sfc-caching-batches"`
		OneMessagePerPeer  bool   `gcfg:"one-message-per-peer"`
	}
	Run struct {
		Ranks          int    `gcfg:"ranks"`
		Steps          int    `gcfg:"steps"`
		BalanceEvery   int    `gcfg:"balance-every"`
		OutputPrefix   string `gcfg:"output-prefix"`
		SnapshotPrefix string `gcfg:"snapshot-prefix"`
	}
}

// Parse reads the named config file. Unset variables keep their defaults;
// unknown sections or variables are an error.
func Parse(fileName string) (*Config, error) {
	cfg := &Config{}

	// defaults
	cfg.Grid.XLength, cfg.Grid.YLength, cfg.Grid.ZLength = 8, 8, 8
	cfg.Grid.MaxRefinementLevel = -1
	cfg.Grid.NeighborhoodSize = 1
	cfg.Grid.LoadBalancerMethod = "NONE"
	cfg.Grid.SfcCachingBatches = 1
	cfg.Run.Ranks = 1
	cfg.Run.Steps = 16
	cfg.Run.BalanceEvery = 8

	if err := gcfg.ReadFileInto(cfg, fileName); err != nil {
		return nil, err
	}
	return cfg, nil
}
