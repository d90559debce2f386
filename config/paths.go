package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// EnsureDirs creates the runtime directory.
func (c *Config) EnsureDirs() error {
	if err := os.MkdirAll(c.RunDir, 0o750); err != nil {
		return fmt.Errorf("create directory %s: %w", c.RunDir, err)
	}
	return nil
}

// Derived path helpers.

func (c *Config) HypervisorLockFile() string {
	return filepath.Join(c.RunDir, "hypervisor.lock")
}

func (c *Config) StoreLockFile() string {
	return filepath.Join(c.RunDir, "xenstore.lock")
}

// StorePath is the xenstored socket when it exists, else the xenbus device.
func (c *Config) StorePath() string {
	if _, err := os.Stat(c.XenstoreSocket); err == nil {
		return c.XenstoreSocket
	}
	return c.XenbusDevice
}
