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
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// Config is the top-level configuration shared by the monitor, the link
// tool and the prolog.
type Config struct {
	// Capabilities declares which external systems are present. An absent
	// system turns its operations into logged no-ops.
	Capabilities Capabilities      `json:"capabilities" yaml:"capabilities"`
	Reservation  ReservationConfig `json:"reservation" yaml:"reservation"`
	Slurm        SlurmConfig       `json:"slurm" yaml:"slurm"`
	HIL          HILConfig         `json:"hil" yaml:"hil"`
	Infiniband   InfinibandConfig  `json:"infiniband" yaml:"infiniband"`
	LinkState    LinkStateConfig   `json:"linkState" yaml:"linkState"`
	SSH          SSHConfig         `json:"ssh" yaml:"ssh"`
	Metrics      MetricsConfig     `json:"metrics" yaml:"metrics"`
	Prolog       PrologConfig      `json:"prolog" yaml:"prolog"`
}

// Capabilities replaces the process-wide availability switches. It is
// passed to each component at construction time.
type Capabilities struct {
	// Allocator is false when no bare-metal allocator is reachable; node
	// moves then succeed without doing anything.
	Allocator bool `json:"allocator" yaml:"allocator"`
	// Fabric is false when the cluster has no InfiniBand fabric to manage.
	Fabric bool `json:"fabric" yaml:"fabric"`
	// VerifyOwner requires the user and UID in a reservation name to
	// resolve to the same local account.
	VerifyOwner bool `json:"verifyOwner" yaml:"verifyOwner"`
}

// ReservationConfig controls reservation naming and the release window.
type ReservationConfig struct {
	// Prefix starts every reservation name owned by this system.
	Prefix string `json:"prefix" yaml:"prefix"`
	// Flags and Features are passed verbatim to reservation create.
	Flags    string `json:"flags" yaml:"flags"`
	Features string `json:"features" yaml:"features"`
	// GracePeriod is added to the reserve reservation's end time to
	// compute the release reservation's end time.
	GracePeriod metav1.Duration `json:"gracePeriod" yaml:"gracePeriod"`
	// DefaultDuration is used when the computed end time is already past,
	// and by the prolog when neither job nor partition bound the run time.
	DefaultDuration metav1.Duration `json:"defaultDuration" yaml:"defaultDuration"`
}

// SlurmConfig locates the scheduler command line tools.
type SlurmConfig struct {
	InstallDir          string          `json:"installDir" yaml:"installDir"`
	CommandTimeout      metav1.Duration `json:"commandTimeout" yaml:"commandTimeout"`
	PartitionPrefix     string          `json:"partitionPrefix" yaml:"partitionPrefix"`
	CheckPartitionState bool            `json:"checkPartitionState" yaml:"checkPartitionState"`

	// CheckDefaultPartition refuses reserve requests submitted to the
	// default partition.
	CheckDefaultPartition bool `json:"checkDefaultPartition" yaml:"checkDefaultPartition"`
}

// HILConfig describes the bare-metal allocator endpoint and the projects
// and networks the node pool protocol uses.
type HILConfig struct {
	Endpoint string `json:"endpoint" yaml:"endpoint"`
	User     string `json:"user" yaml:"user"`
	Password string `json:"password" yaml:"password"`

	// LoanerProject owns nodes while the batch scheduler may use them.
	LoanerProject string `json:"loanerProject" yaml:"loanerProject"`
	// MaintenanceProject is where nodes are parked while they are power
	// cycled between projects.
	MaintenanceProject string `json:"maintenanceProject" yaml:"maintenanceProject"`

	// OBMNic, OBMNetwork and OBMChannel identify the out-of-band
	// management network attachment used for power control.
	OBMNic     string `json:"obmNic" yaml:"obmNic"`
	OBMNetwork string `json:"obmNetwork" yaml:"obmNetwork"`
	OBMChannel string `json:"obmChannel" yaml:"obmChannel"`

	RequestTimeout metav1.Duration `json:"requestTimeout" yaml:"requestTimeout"`
	ActionTimeout  metav1.Duration `json:"actionTimeout" yaml:"actionTimeout"`
	PollInterval   metav1.Duration `json:"pollInterval" yaml:"pollInterval"`
	DetachRetries  int             `json:"detachRetries" yaml:"detachRetries"`
	DetachBackoff  metav1.Duration `json:"detachBackoff" yaml:"detachBackoff"`
}

// DownLinkPolicy decides what a survey does with a link that is not up.
type DownLinkPolicy string

const (
	// DownLinkStrict aborts the survey when any link is down.
	DownLinkStrict DownLinkPolicy = "strict"
	// DownLinkLenient records the link as down and continues.
	DownLinkLenient DownLinkPolicy = "lenient"
)

// InfinibandConfig configures fabric survey and link control.
type InfinibandConfig struct {
	// PrivilegedAccess enables the direct strategy when the local UMAD
	// devices are also read/write accessible.
	PrivilegedAccess bool           `json:"privilegedAccess" yaml:"privilegedAccess"`
	PermitFile       string         `json:"permitFile" yaml:"permitFile"`
	DownLinkPolicy   DownLinkPolicy `json:"downLinkPolicy" yaml:"downLinkPolicy"`
	// VerifyDelegatedPermits also checks the permit file locally when the
	// indirect strategy is in use, in addition to the helper's own check.
	VerifyDelegatedPermits bool `json:"verifyDelegatedPermits" yaml:"verifyDelegatedPermits"`

	UMADDevicePattern string `json:"umadDevicePattern" yaml:"umadDevicePattern"`

	// Direct strategy commands. IBStatCommand and LinkInfoCommand run on
	// each node; PortStateCommand runs locally.
	IBStatCommand    string `json:"ibstatCommand" yaml:"ibstatCommand"`
	LinkInfoCommand  string `json:"linkInfoCommand" yaml:"linkInfoCommand"`
	PortStateCommand string `json:"portStateCommand" yaml:"portStateCommand"`

	// Indirect strategy helpers. The link info helper runs on each node;
	// the port state helper runs locally and reads "<guid> <port> <verb>"
	// lines on stdin.
	HelperLinkInfoCommand  string `json:"helperLinkInfoCommand" yaml:"helperLinkInfoCommand"`
	HelperPortStateCommand string `json:"helperPortStateCommand" yaml:"helperPortStateCommand"`
}

// LinkStateBackend selects where surveyed link state is persisted.
type LinkStateBackend string

const (
	LinkStateHTTP   LinkStateBackend = "http"
	LinkStateRedis  LinkStateBackend = "redis"
	LinkStateFile   LinkStateBackend = "file"
	LinkStateMemory LinkStateBackend = "memory"
)

// LinkStateConfig configures the link-state store.
type LinkStateConfig struct {
	Backend     LinkStateBackend `json:"backend" yaml:"backend"`
	URL         string           `json:"url" yaml:"url"`
	APIKey      string           `json:"apiKey" yaml:"apiKey"`
	Timeout     metav1.Duration  `json:"timeout" yaml:"timeout"`
	RedisAddr   string           `json:"redisAddr" yaml:"redisAddr"`
	RedisPrefix string           `json:"redisPrefix" yaml:"redisPrefix"`
	Dir         string           `json:"dir" yaml:"dir"`
}

// SSHTransport selects how remote commands are run.
type SSHTransport string

const (
	// SSHExec runs the system ssh client.
	SSHExec SSHTransport = "exec"
	// SSHNative uses an in-process SSH client.
	SSHNative SSHTransport = "native"
)

// SSHConfig configures remote command execution on cluster nodes.
type SSHConfig struct {
	Transport      SSHTransport    `json:"transport" yaml:"transport"`
	User           string          `json:"user" yaml:"user"`
	Port           int             `json:"port" yaml:"port"`
	KeyFile        string          `json:"keyFile" yaml:"keyFile"`
	KnownHostsFile string          `json:"knownHostsFile" yaml:"knownHostsFile"`
	Options        []string        `json:"options,omitempty" yaml:"options,omitempty"`
	Timeout        metav1.Duration `json:"timeout" yaml:"timeout"`
}

// MetricsConfig configures the textfile metrics export.
type MetricsConfig struct {
	// TextfilePath is written after each pass. Empty disables export.
	TextfilePath string `json:"textfilePath" yaml:"textfilePath"`
}

// PrologConfig configures the scheduler controller prolog/epilog hook.
type PrologConfig struct {
	LogFile string `json:"logFile" yaml:"logFile"`
	// ReserveCommand and ReleaseCommand are the job names that trigger the
	// prolog and epilog respectively.
	ReserveCommand string `json:"reserveCommand" yaml:"reserveCommand"`
	ReleaseCommand string `json:"releaseCommand" yaml:"releaseCommand"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	c := &Config{
		Capabilities: Capabilities{Allocator: true, Fabric: true},
		Slurm:        SlurmConfig{CheckPartitionState: true},
	}
	c.SetDefaults()
	return c
}

// SetDefaults fills zero-valued fields with their defaults.
func (c *Config) SetDefaults() {
	setString(&c.Reservation.Prefix, "flexalloc_MOC_")
	setString(&c.Reservation.Flags, "MAINT,IGNORE_JOBS")
	setString(&c.Reservation.Features, "HIL")
	setDuration(&c.Reservation.GracePeriod, 4*time.Hour)
	setDuration(&c.Reservation.DefaultDuration, 24*time.Hour)

	setString(&c.Slurm.InstallDir, "/usr/bin")
	setDuration(&c.Slurm.CommandTimeout, 30*time.Second)
	setString(&c.Slurm.PartitionPrefix, "ULSR_partition")

	setString(&c.HIL.LoanerProject, "slurm")
	setString(&c.HIL.MaintenanceProject, "maintenance")
	setString(&c.HIL.OBMNic, "ipmi")
	setString(&c.HIL.OBMNetwork, "obm")
	setString(&c.HIL.OBMChannel, "vlan/native")
	setDuration(&c.HIL.RequestTimeout, 30*time.Second)
	setDuration(&c.HIL.ActionTimeout, 20*time.Second)
	setDuration(&c.HIL.PollInterval, 500*time.Millisecond)
	if c.HIL.DetachRetries == 0 {
		c.HIL.DetachRetries = 5
	}
	setDuration(&c.HIL.DetachBackoff, 2*time.Second)

	if c.Infiniband.DownLinkPolicy == "" {
		c.Infiniband.DownLinkPolicy = DownLinkStrict
	}
	setString(&c.Infiniband.PermitFile, "/etc/ulsr/ib_permit.cfg")
	setString(&c.Infiniband.UMADDevicePattern, "/dev/infiniband/umad*")
	setString(&c.Infiniband.IBStatCommand, "ibstat -p")
	setString(&c.Infiniband.LinkInfoCommand, "/usr/local/bin/iblinkinfo.sh")
	setString(&c.Infiniband.PortStateCommand, "/usr/sbin/ibportstate")
	setString(&c.Infiniband.HelperLinkInfoCommand, "sudo /usr/local/bin/ulsr_linkinfo.sh")
	setString(&c.Infiniband.HelperPortStateCommand, "sudo /usr/local/bin/ulsr_portstate.sh")

	if c.LinkState.Backend == "" {
		c.LinkState.Backend = LinkStateHTTP
	}
	setDuration(&c.LinkState.Timeout, 10*time.Second)
	setString(&c.LinkState.RedisPrefix, "ulsr:ibstate")
	setString(&c.LinkState.Dir, "/var/lib/ulsr/ibstate")

	if c.SSH.Transport == "" {
		c.SSH.Transport = SSHExec
	}
	if c.SSH.Port == 0 {
		c.SSH.Port = 22
	}
	if c.SSH.Options == nil {
		c.SSH.Options = []string{"-o", "BatchMode=yes", "-o", "ConnectTimeout=10"}
	}
	setDuration(&c.SSH.Timeout, 30*time.Second)

	setString(&c.Prolog.LogFile, "/var/log/ulsr/ulsr_prolog.log")
	setString(&c.Prolog.ReserveCommand, "hil_reserve")
	setString(&c.Prolog.ReleaseCommand, "hil_release")
}

func setString(s *string, def string) {
	if *s == "" {
		*s = def
	}
}

func setDuration(d *metav1.Duration, def time.Duration) {
	if d.Duration == 0 {
		d.Duration = def
	}
}
