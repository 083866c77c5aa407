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

package throughput

import (
	"math"

	"github.com/tikv/throughput-control/pkg/errs"
	"github.com/tikv/throughput-control/pkg/utils/configutil"
	"github.com/tikv/throughput-control/pkg/utils/typeutil"
)

// ControllerMode decides how the budget of a group is split.
type ControllerMode string

const (
	// GlobalMode shares one budget among all requests of the container.
	GlobalMode ControllerMode = "global"
	// PkRangesMode splits the budget evenly over the partition key ranges.
	PkRangesMode ControllerMode = "pk-ranges"
)

// Config is the configuration of a throughput control group.
type Config struct {
	GroupName string         `toml:"group-name" json:"group-name"`
	Container string         `toml:"container" json:"container"`
	Mode      ControllerMode `toml:"mode" json:"mode"`
	// TargetThroughput is the absolute budget in request units per cycle.
	TargetThroughput float64 `toml:"target-throughput" json:"target-throughput"`
	// TargetThroughputThreshold is the fraction of the provisioned throughput
	// used as budget. Only one of the two targets can be set.
	TargetThroughputThreshold float64           `toml:"target-throughput-threshold" json:"target-throughput-threshold"`
	RenewCycle                typeutil.Duration `toml:"renew-cycle" json:"renew-cycle"`
	// TopologyRefreshInterval is how often the partition key ranges are checked
	// for splits and merges. Zero disables the check.
	TopologyRefreshInterval typeutil.Duration `toml:"topology-refresh-interval" json:"topology-refresh-interval"`
	EnableTraceLog          bool              `toml:"enable-trace-log" json:"enable-trace-log"`
}

// DefaultConfig returns the config of a global group without a target.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.Adjust()
	return cfg
}

// Adjust fills the unset items with default values.
func (c *Config) Adjust() {
	configutil.AdjustString(&c.GroupName, defaultGroupName)
	if len(c.Mode) == 0 {
		c.Mode = GlobalMode
	}
	configutil.AdjustDuration(&c.RenewCycle, defaultRenewCycle)
	if c.TopologyRefreshInterval.Duration < 0 {
		c.TopologyRefreshInterval.Duration = 0
	}
}

// Validate checks the config after Adjust.
func (c *Config) Validate() error {
	switch {
	case len(c.GroupName) == 0:
		return errs.ErrInvalidThroughputConfig.FastGenByArgs("group name is empty")
	case len(c.Container) == 0:
		return errs.ErrInvalidThroughputConfig.FastGenByArgs("container is empty")
	case c.Mode != GlobalMode && c.Mode != PkRangesMode:
		return errs.ErrInvalidThroughputConfig.FastGenByArgs("unknown mode " + string(c.Mode))
	case c.RenewCycle.Duration <= 0:
		return errs.ErrInvalidThroughputConfig.FastGenByArgs("renew cycle must be positive")
	}
	if err := validateBudget(c.TargetThroughput); err != nil {
		return err
	}
	hasTarget, hasThreshold := c.TargetThroughput > 0, c.TargetThroughputThreshold != 0
	switch {
	case hasTarget && hasThreshold:
		return errs.ErrInvalidThroughputConfig.FastGenByArgs("only one of target throughput and target throughput threshold can be set")
	case !hasTarget && !hasThreshold:
		return errs.ErrInvalidThroughputConfig.FastGenByArgs("target throughput or target throughput threshold must be set")
	case hasThreshold && (math.IsNaN(c.TargetThroughputThreshold) ||
		c.TargetThroughputThreshold <= 0 || c.TargetThroughputThreshold > 1):
		return errs.ErrInvalidThroughputConfig.FastGenByArgs("target throughput threshold must be in (0, 1]")
	}
	return nil
}

// UseThreshold reports whether the budget is derived from the provisioned throughput.
func (c *Config) UseThreshold() bool {
	return c.TargetThroughput == 0 && c.TargetThroughputThreshold > 0
}
