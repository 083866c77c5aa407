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

package configutil

import (
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/pflag"

	"github.com/tikv/throughput-control/pkg/errs"
	"github.com/tikv/throughput-control/pkg/utils/typeutil"
)

// ConfigMetaData is the utility to test if a configuration is defined.
type ConfigMetaData struct {
	meta *toml.MetaData
	path []string
}

// NewConfigMetadata creates a new ConfigMetaData.
func NewConfigMetadata(meta *toml.MetaData) *ConfigMetaData {
	return &ConfigMetaData{meta: meta}
}

// IsDefined checks if the key is defined in the configuration.
func (m *ConfigMetaData) IsDefined(key string) bool {
	if m.meta == nil {
		return false
	}
	keys := append([]string(nil), m.path...)
	keys = append(keys, key)
	return m.meta.IsDefined(keys...)
}

// Child returns the metadata of a nested table.
func (m *ConfigMetaData) Child(path ...string) *ConfigMetaData {
	newPath := append([]string(nil), m.path...)
	newPath = append(newPath, path...)
	return &ConfigMetaData{
		meta: m.meta,
		path: newPath,
	}
}

// CheckUndecoded returns an error listing the keys which match no config field.
func (m *ConfigMetaData) CheckUndecoded() error {
	if m.meta == nil {
		return nil
	}
	undecoded := m.meta.Undecoded()
	if len(undecoded) == 0 {
		return nil
	}
	keys := make([]string, 0, len(undecoded))
	for _, key := range undecoded {
		keys = append(keys, key.String())
	}
	return errs.ErrLoadConfig.GenWithStack("config contains undefined item: %s", strings.Join(keys, ", "))
}

// ConfigFromFile loads config from file.
func ConfigFromFile(config any, path string) (*toml.MetaData, error) {
	meta, err := toml.DecodeFile(path, config)
	if err != nil {
		return &meta, errs.ErrLoadConfig.Wrap(err).GenWithStackByCause()
	}
	return &meta, nil
}

// AdjustCommandlineString overrides v with the flag value if the flag is set.
func AdjustCommandlineString(flagSet *pflag.FlagSet, v *string, name string) {
	if value, _ := flagSet.GetString(name); value != "" {
		*v = value
	}
}

// AdjustCommandlineFloat64 overrides v with the flag value if the flag is set.
func AdjustCommandlineFloat64(flagSet *pflag.FlagSet, v *float64, name string) {
	if flagSet.Changed(name) {
		if value, err := flagSet.GetFloat64(name); err == nil {
			*v = value
		}
	}
}

// AdjustString adjusts the value of a string variable.
func AdjustString(v *string, defValue string) {
	if len(*v) == 0 {
		*v = defValue
	}
}

// AdjustFloat64 adjusts the value of a float64 variable.
func AdjustFloat64(v *float64, defValue float64) {
	if *v == 0 {
		*v = defValue
	}
}

// AdjustDuration adjusts the value of a Duration variable.
func AdjustDuration(v *typeutil.Duration, defValue time.Duration) {
	if v.Duration <= 0 {
		v.Duration = defValue
	}
}

// AdjustInt adjusts the value of an int variable.
func AdjustInt(v *int, defValue int) {
	if *v == 0 {
		*v = defValue
	}
}

// AdjustCommandlineInt overrides v with the flag value if the flag is set.
func AdjustCommandlineInt(flagSet *pflag.FlagSet, v *int, name string) {
	if flagSet.Changed(name) {
		if value, err := flagSet.GetInt(name); err == nil {
			*v = value
		}
	}
}

// AdjustCommandlineDuration overrides v with the flag value if the flag is set.
func AdjustCommandlineDuration(flagSet *pflag.FlagSet, v *typeutil.Duration, name string) {
	if flagSet.Changed(name) {
		if value, err := flagSet.GetDuration(name); err == nil {
			v.Duration = value
		}
	}
}
