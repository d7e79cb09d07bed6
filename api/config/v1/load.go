/*
 * Copyright (c) 2025, The ULSR Authors.  All rights reserved.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package v1

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/kballard/go-shellquote"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"sigs.k8s.io/yaml"
)

// Load reads a YAML or JSON configuration file and applies defaults. The
// caller validates after applying command line overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file %q: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes configuration bytes and applies defaults. Capabilities
// default to enabled when the document omits them.
func Parse(data []byte) (*Config, error) {
	c := &Config{
		Capabilities: Capabilities{Allocator: true, Fabric: true},
		Slurm:        SlurmConfig{CheckPartitionState: true},
	}
	if err := yaml.UnmarshalStrict(data, c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	c.SetDefaults()
	return c, nil
}

// Validate checks the configuration for values no component can work with.
// All problems are reported together.
func (c *Config) Validate() error {
	var errs []error

	if !strings.HasSuffix(c.Reservation.Prefix, "_") {
		errs = append(errs, fmt.Errorf("reservation.prefix %q must end with '_'", c.Reservation.Prefix))
	}
	if c.Reservation.GracePeriod.Duration < 0 {
		errs = append(errs, fmt.Errorf("reservation.gracePeriod must not be negative"))
	}
	if c.Reservation.DefaultDuration.Duration <= 0 {
		errs = append(errs, fmt.Errorf("reservation.defaultDuration must be positive"))
	}

	if c.Capabilities.Allocator {
		if c.HIL.Endpoint == "" {
			errs = append(errs, fmt.Errorf("hil.endpoint is required when the allocator capability is enabled"))
		} else if _, err := url.ParseRequestURI(c.HIL.Endpoint); err != nil {
			errs = append(errs, fmt.Errorf("hil.endpoint: %w", err))
		}
		if c.HIL.LoanerProject == c.HIL.MaintenanceProject {
			errs = append(errs, fmt.Errorf("hil.loanerProject and hil.maintenanceProject must differ"))
		}
	}
	if c.HIL.DetachRetries < 1 {
		errs = append(errs, fmt.Errorf("hil.detachRetries must be at least 1"))
	}
	if c.HIL.PollInterval.Duration <= 0 || c.HIL.ActionTimeout.Duration < c.HIL.PollInterval.Duration {
		errs = append(errs, fmt.Errorf("hil.actionTimeout must be at least hil.pollInterval, which must be positive"))
	}

	switch c.Infiniband.DownLinkPolicy {
	case DownLinkStrict, DownLinkLenient:
	default:
		errs = append(errs, fmt.Errorf("infiniband.downLinkPolicy %q: must be %q or %q", c.Infiniband.DownLinkPolicy, DownLinkStrict, DownLinkLenient))
	}

	if c.Capabilities.Fabric {
		ib := c.Infiniband
		for field, line := range map[string]string{
			"ibstatCommand":          ib.IBStatCommand,
			"linkInfoCommand":        ib.LinkInfoCommand,
			"portStateCommand":       ib.PortStateCommand,
			"helperLinkInfoCommand":  ib.HelperLinkInfoCommand,
			"helperPortStateCommand": ib.HelperPortStateCommand,
		} {
			if words, err := shellquote.Split(line); err != nil {
				errs = append(errs, fmt.Errorf("infiniband.%s: %w", field, err))
			} else if len(words) == 0 {
				errs = append(errs, fmt.Errorf("infiniband.%s must not be empty", field))
			}
		}

		switch c.LinkState.Backend {
		case LinkStateHTTP:
			if c.LinkState.URL == "" {
				errs = append(errs, fmt.Errorf("linkState.url is required for the http backend"))
			}
		case LinkStateRedis:
			if c.LinkState.RedisAddr == "" {
				errs = append(errs, fmt.Errorf("linkState.redisAddr is required for the redis backend"))
			}
		case LinkStateFile:
			if c.LinkState.Dir == "" {
				errs = append(errs, fmt.Errorf("linkState.dir is required for the file backend"))
			}
		case LinkStateMemory:
		default:
			errs = append(errs, fmt.Errorf("linkState.backend %q is not supported", c.LinkState.Backend))
		}
	}

	switch c.SSH.Transport {
	case SSHExec, SSHNative:
	default:
		errs = append(errs, fmt.Errorf("ssh.transport %q: must be %q or %q", c.SSH.Transport, SSHExec, SSHNative))
	}
	if c.SSH.Transport == SSHNative && c.SSH.KeyFile == "" {
		errs = append(errs, fmt.Errorf("ssh.keyFile is required for the native transport"))
	}

	return utilerrors.NewAggregate(errs)
}
