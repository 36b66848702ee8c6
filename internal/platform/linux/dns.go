//go:build linux

package linux

import (
	"fmt"
	"net/netip"
	"os/exec"
	"strings"

	"slipstream-vpn/internal/core"
)

// setLinkDNS routes all lookups ("~.") to servers on the given link.
func setLinkDNS(ifName string, servers []netip.Addr) error {
	args := []string{"dns", ifName}
	for _, s := range servers {
		args = append(args, s.String())
	}
	if err := resolvectl(args...); err != nil {
		return err
	}
	if err := resolvectl("domain", ifName, "~."); err != nil {
		return err
	}
	core.Log.Infof("DNS", "DNS for %s set to %v", ifName, servers)
	return nil
}

func revertLinkDNS(ifName string) {
	if err := resolvectl("revert", ifName); err != nil {
		core.Log.Debugf("DNS", "revert %s: %v", ifName, err)
	}
}

// flushSystemDNS flushes the systemd-resolved cache.
func flushSystemDNS() error {
	return resolvectl("flush-caches")
}

func resolvectl(args ...string) error {
	out, err := exec.Command("resolvectl", args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("resolvectl %s: %s: %w", strings.Join(args, " "), strings.TrimSpace(string(out)), err)
	}
	return nil
}
