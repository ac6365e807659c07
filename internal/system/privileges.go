package system

import (
	"fmt"
	"os"
)

// IsRoot checks if running as root
func IsRoot() bool {
	return os.Geteuid() == 0
}

// RequireRoot refuses to proceed without root. Loop devices, NBD and
// device-mapper nodes are all privileged; nothing here mounts unprivileged.
func RequireRoot() error {
	if !IsRoot() {
		return fmt.Errorf("mounting evidence requires root privileges (try with sudo)")
	}
	return nil
}
