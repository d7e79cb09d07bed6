package app

import (
	"flag"
	"fmt"
	"strconv"

	"k8s.io/klog/v2"

	configv1 "github.com/CCI-MOC/ulsr/api/config/v1"
)

// InitLogging configures klog. A non-empty logFile sends output there
// instead of stderr.
func InitLogging(verbosity int, logFile string) error {
	fs := flag.NewFlagSet("klog", flag.ContinueOnError)
	klog.InitFlags(fs)
	settings := map[string]string{"v": strconv.Itoa(verbosity)}
	if logFile != "" {
		settings["logtostderr"] = "false"
		settings["alsologtostderr"] = "false"
		settings["log_file"] = logFile
	}
	for k, v := range settings {
		if err := fs.Set(k, v); err != nil {
			return err
		}
	}
	return nil
}

// LoadConfig reads path, lets override adjust the result and validates it.
func LoadConfig(path string, override func(*configv1.Config)) (*configv1.Config, error) {
	cfg, err := configv1.Load(path)
	if err != nil {
		return nil, err
	}
	if override != nil {
		override(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}
