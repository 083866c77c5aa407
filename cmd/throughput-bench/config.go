// Copyright 2026 TiKV Project Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/docker/go-units"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/spf13/pflag"

	"github.com/tikv/throughput-control/pkg/errs"
	"github.com/tikv/throughput-control/pkg/throughput"
	"github.com/tikv/throughput-control/pkg/utils/configutil"
	"github.com/tikv/throughput-control/pkg/utils/logutil"
	"github.com/tikv/throughput-control/pkg/utils/typeutil"
)

const (
	defaultContainer             = "bench"
	defaultRanges                = 4
	defaultProvisionedThroughput = 10000
	defaultDuration              = 10 * time.Second
	defaultConcurrency           = 16
	defaultRequestCost           = 10
	defaultLogLevel              = "info"
	defaultLogFormat             = "text"
	defaultBudget                = "1k"
)

// config is the throughput-bench configuration.
type config struct {
	flagSet    *pflag.FlagSet
	configFile string

	StatusAddr    string     `toml:"status-addr" json:"status-addr"`
	Log           log.Config `toml:"log" json:"log"`
	RedactInfoLog bool       `toml:"redact-info-log" json:"redact-info-log"`

	Container string `toml:"container" json:"container"`
	// Ranges is the number of partition key ranges the container starts with.
	Ranges                int     `toml:"ranges" json:"ranges"`
	ProvisionedThroughput float64 `toml:"provisioned-throughput" json:"provisioned-throughput"`

	Duration    typeutil.Duration `toml:"duration" json:"duration"`
	Concurrency int               `toml:"concurrency" json:"concurrency"`
	// QPS limits the requests issued by all workers, 0 means unlimited.
	QPS         float64 `toml:"qps" json:"qps"`
	RequestCost float64 `toml:"request-cost" json:"request-cost"`
	// HotRangeRatio is the fraction of requests sent to the first range.
	HotRangeRatio float64 `toml:"hot-range-ratio" json:"hot-range-ratio"`
	// SplitAfter splits the first range once the time has elapsed, 0 disables it.
	SplitAfter typeutil.Duration `toml:"split-after" json:"split-after"`

	Groups []*throughput.Config `toml:"group" json:"group"`
}

func newConfig(flagSet *pflag.FlagSet) *config {
	return &config{flagSet: flagSet}
}

func registerFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "config file")
	fs.String("status-addr", "", "address serving the metrics, empty to disable")
	fs.String("log-level", "", "log level: debug, info, warn, error, fatal")
	fs.String("log-file", "", "log file path")
	fs.String("container", "", "container the requests are sent to")
	fs.Int("ranges", 0, "number of partition key ranges")
	fs.Duration("duration", 0, "how long the workload runs")
	fs.Int("concurrency", 0, "number of workers")
	fs.Float64("qps", 0, "requests per second of all workers, 0 means unlimited")
	fs.Float64("request-cost", 0, "request units of every request")
	fs.Float64("hot-range-ratio", 0, "fraction of requests sent to the first range")
	fs.Duration("split-after", 0, "split the first range after the duration, 0 disables it")
	fs.String("mode", "", "mode of the default group: global or pk-ranges")
	fs.String("budget", "", "budget per cycle of the default group, e.g. 1k, 2.5M")
}

// parse loads the config file and applies the command line flags over it.
func (c *config) parse() error {
	configFile, err := c.flagSet.GetString("config")
	if err != nil {
		return errors.WithStack(err)
	}
	var meta *toml.MetaData
	if configFile != "" {
		c.configFile = configFile
		meta, err = configutil.ConfigFromFile(c, configFile)
		if err != nil {
			return err
		}
		if err := configutil.NewConfigMetadata(meta).CheckUndecoded(); err != nil {
			return err
		}
	}

	configutil.AdjustCommandlineString(c.flagSet, &c.StatusAddr, "status-addr")
	configutil.AdjustCommandlineString(c.flagSet, &c.Log.Level, "log-level")
	configutil.AdjustCommandlineString(c.flagSet, &c.Log.File.Filename, "log-file")
	configutil.AdjustCommandlineString(c.flagSet, &c.Container, "container")
	configutil.AdjustCommandlineInt(c.flagSet, &c.Ranges, "ranges")
	configutil.AdjustCommandlineDuration(c.flagSet, &c.Duration, "duration")
	configutil.AdjustCommandlineInt(c.flagSet, &c.Concurrency, "concurrency")
	configutil.AdjustCommandlineFloat64(c.flagSet, &c.QPS, "qps")
	configutil.AdjustCommandlineFloat64(c.flagSet, &c.RequestCost, "request-cost")
	configutil.AdjustCommandlineFloat64(c.flagSet, &c.HotRangeRatio, "hot-range-ratio")
	configutil.AdjustCommandlineDuration(c.flagSet, &c.SplitAfter, "split-after")

	if err := c.adjust(meta); err != nil {
		return err
	}
	return c.validate()
}

func (c *config) adjust(meta *toml.MetaData) error {
	configMeta := configutil.NewConfigMetadata(meta)
	configutil.AdjustString(&c.Log.Level, defaultLogLevel)
	configutil.AdjustString(&c.Log.Format, defaultLogFormat)
	configutil.AdjustString(&c.Container, defaultContainer)
	configutil.AdjustInt(&c.Ranges, defaultRanges)
	configutil.AdjustInt(&c.Concurrency, defaultConcurrency)
	configutil.AdjustDuration(&c.Duration, defaultDuration)
	if !configMeta.IsDefined("provisioned-throughput") {
		configutil.AdjustFloat64(&c.ProvisionedThroughput, defaultProvisionedThroughput)
	}
	configutil.AdjustFloat64(&c.RequestCost, defaultRequestCost)

	if len(c.Groups) == 0 {
		group, err := c.defaultGroup()
		if err != nil {
			return err
		}
		c.Groups = append(c.Groups, group)
	}
	for _, group := range c.Groups {
		configutil.AdjustString(&group.Container, c.Container)
		group.Adjust()
		// The split ranges are only throttled once the group picks them up.
		if c.SplitAfter.Duration > 0 && group.Mode == throughput.PkRangesMode {
			configutil.AdjustDuration(&group.TopologyRefreshInterval, group.RenewCycle.Duration)
		}
	}
	return nil
}

func (c *config) defaultGroup() (*throughput.Config, error) {
	budget := defaultBudget
	if c.flagSet.Changed("budget") {
		budget, _ = c.flagSet.GetString("budget")
	}
	target, err := parseBudget(budget)
	if err != nil {
		return nil, err
	}
	mode, _ := c.flagSet.GetString("mode")
	return &throughput.Config{
		Container:        c.Container,
		Mode:             throughput.ControllerMode(mode),
		TargetThroughput: target,
	}, nil
}

// parseBudget parses a budget, either a plain number or a human readable one
// such as "1.5k" in decimal units.
func parseBudget(s string) (float64, error) {
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		return v, nil
	}
	v, err := units.FromHumanSize(s)
	if err != nil {
		return 0, errs.ErrParseBudget.Wrap(err).GenWithStackByArgs(s)
	}
	return float64(v), nil
}

func (c *config) validate() error {
	if !logutil.IsLevelLegal(c.Log.Level) {
		return errors.Errorf("illegal log level %s", c.Log.Level)
	}
	if c.Ranges < 1 || c.Ranges > 256 {
		return errors.Errorf("ranges must be in [1, 256]")
	}
	if c.Concurrency <= 0 {
		return errors.Errorf("concurrency must be positive")
	}
	if c.QPS < 0 {
		return errors.Errorf("qps can not be negative")
	}
	if c.RequestCost <= 0 {
		return errors.Errorf("request-cost must be positive")
	}
	if c.HotRangeRatio < 0 || c.HotRangeRatio > 1 {
		return errors.Errorf("hot-range-ratio must be in [0, 1]")
	}
	if c.ProvisionedThroughput < 0 {
		return errors.Errorf("provisioned-throughput can not be negative")
	}
	for _, group := range c.Groups {
		if group.Container != c.Container {
			return errors.Errorf("group %s belongs to container %s, only %s is simulated",
				group.GroupName, group.Container, c.Container)
		}
		if err := group.Validate(); err != nil {
			return err
		}
	}
	return nil
}
