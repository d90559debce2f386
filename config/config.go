package config

import (
	"fmt"
	"time"

	coretypes "github.com/projecteru2/core/types"

	"github.com/projecteru2/xenops/boot"
)

const (
	BackendXen       = "xen"
	BackendSimulated = "simulated"
)

// Config holds global xenops configuration.
type Config struct {
	// Backend selects the hypervisor handle: "xen" (libxenctrl) or
	// "simulated" (in-memory, for dry runs).
	// Env: XENOPS_BACKEND. Default: xen.
	Backend string `json:"backend" mapstructure:"backend"`
	// RunDir holds the lock files that serialize xenops processes.
	// Env: XENOPS_RUN_DIR. Default: /run/xenops.
	RunDir string `json:"run_dir" mapstructure:"run_dir"`
	// XenstoreSocket is the xenstored unix socket, preferred when present.
	XenstoreSocket string `json:"xenstore_socket" mapstructure:"xenstore_socket"`
	// XenbusDevice is the kernel xenbus device, used when the socket is absent.
	XenbusDevice string `json:"xenbus_device" mapstructure:"xenbus_device"`
	// StoreWaitSeconds is how long to wait for the xenstored socket to
	// appear before falling back. 0 means don't wait.
	StoreWaitSeconds int `json:"store_wait_seconds" mapstructure:"store_wait_seconds"`
	// LockTimeoutSeconds bounds acquisition of a session lock.
	// Default: 30.
	LockTimeoutSeconds int `json:"lock_timeout_seconds" mapstructure:"lock_timeout_seconds"`
	// Listen is the JSON-RPC daemon address.
	// Env: XENOPS_LISTEN. Default: 0.0.0.0:3030.
	Listen string `json:"listen" mapstructure:"listen"`
	// BootLoadAddress is the guest-physical address the image is copied to
	// and executed from. Default: 0x100000.
	BootLoadAddress uint64 `json:"boot_load_address" mapstructure:"boot_load_address"`
	// BootFrames is the number of 4 KiB frames populated for the image.
	// Default: 16.
	BootFrames int `json:"boot_frames" mapstructure:"boot_frames"`
	// ShutdownRetries is how many times a conflicting shutdown transaction
	// is re-run. Default: 3.
	ShutdownRetries uint `json:"shutdown_retries" mapstructure:"shutdown_retries"`
	// Log configuration, uses eru core's ServerLogConfig.
	Log coretypes.ServerLogConfig `json:"log" mapstructure:"log"`
}

// DefaultConfig returns the configuration used when nothing overrides it.
func DefaultConfig() *Config {
	p := boot.DefaultProfile()
	return &Config{
		Backend:            BackendXen,
		RunDir:             "/run/xenops",
		XenstoreSocket:     "/run/xenstored/socket",
		XenbusDevice:       "/dev/xen/xenbus",
		LockTimeoutSeconds: 30, //nolint:mnd
		Listen:             "0.0.0.0:3030",
		BootLoadAddress:    p.LoadAddress,
		BootFrames:         p.Frames,
		ShutdownRetries:    3, //nolint:mnd
		Log:                coretypes.ServerLogConfig{Level: "info"},
	}
}

// Validate rejects values no component can run with.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendXen, BackendSimulated:
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
	if err := c.BootProfile().Validate(); err != nil {
		return fmt.Errorf("boot profile: %w", err)
	}
	return nil
}

// BootProfile is the guest layout the orchestrator boots with.
func (c *Config) BootProfile() boot.Profile {
	return boot.Profile{LoadAddress: c.BootLoadAddress, Frames: c.BootFrames}
}

// LockTimeout is LockTimeoutSeconds as a duration.
func (c *Config) LockTimeout() time.Duration {
	return time.Duration(c.LockTimeoutSeconds) * time.Second
}

// StoreWait is StoreWaitSeconds as a duration.
func (c *Config) StoreWait() time.Duration {
	return time.Duration(c.StoreWaitSeconds) * time.Second
}
