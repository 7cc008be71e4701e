//go:build !linux

package netconn

import "fmt"

// setTCPMD5 is only implemented on Linux, the only platform this engine
// targets for production deployment.
func setTCPMD5(_ int, _, _ string) error {
	return fmt.Errorf("TCP MD5SIG is not supported on this platform")
}
