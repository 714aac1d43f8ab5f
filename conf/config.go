// Copyright 2020 Northern.tech AS
//
//    Licensed under the Apache License, Version 2.0 (the "License");
//    you may not use this file except in compliance with the License.
//    You may obtain a copy of the License at
//
//        http://www.apache.org/licenses/LICENSE-2.0
//
//    Unless required by applicable law or agreed to in writing, software
//    distributed under the License is distributed on an "AS IS" BASIS,
//    WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//    See the License for the specific language governing permissions and
//    limitations under the License.

// Package conf holds the daemon's runtime configuration: the settle-timer
// duration, helper-partition size floor, external builder path, and the
// bootstamp directory name. Values are loaded from a JSON file and overlaid
// on defaults.
package conf

import (
	"encoding/json"
	"os"
	"time"

	"github.com/pkg/errors"
)

// Config is the daemon's runtime configuration.
type Config struct {
	// SettleDelay is how long the controller waits after the last
	// filesystem notification on a volume before checking staleness.
	SettleDelay time.Duration `json:"SettleDelay"`

	// MinHelperPartitionBytes rejects helper partitions smaller than this.
	MinHelperPartitionBytes int64 `json:"MinHelperPartitionBytes"`

	// BuilderPath is the external cache-builder binary (kextcache
	// equivalent).
	BuilderPath string `json:"BuilderPath"`

	// BootstampDirName names the directory under
	// System/Library/Caches holding per-volume bootstamp trees.
	BootstampDirName string `json:"BootstampDirName"`

	// IgnoreBSDNamePatterns excludes matching disk BSD names from
	// watching (glob syntax, matched with path.Match).
	IgnoreBSDNamePatterns []string `json:"IgnoreBSDNamePatterns,omitempty"`

	// MaxErrCount is the consecutive-failure threshold past which a
	// volume no longer blocks the reboot lock.
	MaxErrCount int `json:"MaxErrCount"`

	// DiskPollInterval is how often diskinfo.Arbiter.ListVolumes is
	// polled for arrival/departure, in lieu of native disk-arbitration
	// callbacks.
	DiskPollInterval time.Duration `json:"DiskPollInterval"`
}

// NewConfig returns the default configuration.
func NewConfig() *Config {
	return &Config{
		SettleDelay:             5 * time.Second,
		MinHelperPartitionBytes: 128 * 1024 * 1024,
		BuilderPath:             "kextcache",
		BootstampDirName:        "com.apple.bootstamps",
		MaxErrCount:             5,
		DiskPollInterval:        2 * time.Second,
	}
}

// Load reads a JSON config file at path and overlays it on the defaults.
// A missing file is not an error; it simply yields the defaults.
func Load(path string) (*Config, error) {
	cfg := NewConfig()
	if path == "" {
		return cfg, nil
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, errors.Wrapf(err, "conf: opening %s", path)
	}
	defer f.Close()

	if err := json.NewDecoder(f).Decode(cfg); err != nil {
		return nil, errors.Wrapf(err, "conf: parsing %s", path)
	}
	return cfg, nil
}
