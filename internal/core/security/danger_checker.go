package security

import (
	"regexp"
	"strings"
)

// Heuristic names reported in Verdict.Matches
const (
	HeuristicRecursiveDelete = "recursive forced deletion"
	HeuristicPipeToShell     = "pipe to shell"
	HeuristicDeviceWrite     = "write to device file"
	HeuristicPrivilege       = "privilege escalation"
	HeuristicDiskFormat      = "disk formatting"
	HeuristicForkBomb        = "fork bomb"
)

var (
	pipeToShellRe = regexp.MustCompile(`\|\s*(?:(?:sudo|doas)\s+(?:-\S+\s+)*)?(?:/\S*/)?(?:ba|z|da|k|fi|c|tc)?sh\b`)
	deviceWriteRe = regexp.MustCompile(`(?:>\|?|\bof=)\s*/dev/([A-Za-z0-9/_.-]+)`)
	forkBombRe    = regexp.MustCompile(`:\s*\(\s*\)\s*\{[^}]*:\s*\|\s*:`)
)

// harmlessDevices may be written to without triggering the device heuristic
var harmlessDevices = map[string]struct{}{
	"null": {}, "zero": {}, "stdout": {}, "stderr": {}, "tty": {},
}

var privilegePrefixes = map[string]struct{}{
	"sudo": {}, "su": {}, "doas": {}, "pkexec": {},
}

// DangerousCommandChecker detects destructive idioms in a shell line.
type DangerousCommandChecker struct {
	sensitiveCommands []string
}

// NewDangerousCommandChecker creates a new danger checker.
func NewDangerousCommandChecker() *DangerousCommandChecker {
	return &DangerousCommandChecker{
		sensitiveCommands: []string{
			"rm", "rmdir", "del", "dd", "format", "chmod", "chown", "passwd",
			"iptables", "systemctl", "service", "kill", "pkill", "killall",
			"shutdown", "reboot", "mount", "umount", "crontab", "userdel", "groupdel",
		},
	}
}

// Matches returns the names of every heuristic the line triggers, in a
// fixed order.
func (dc *DangerousCommandChecker) Matches(line string, segments []Segment) []string {
	var matches []string

	if hasRecursiveForcedDelete(segments) {
		matches = append(matches, HeuristicRecursiveDelete)
	}
	if pipeToShellRe.MatchString(line) {
		matches = append(matches, HeuristicPipeToShell)
	}
	if writesToDevice(line) {
		matches = append(matches, HeuristicDeviceWrite)
	}
	for _, seg := range segments {
		if _, ok := privilegePrefixes[seg.Executable()]; ok {
			matches = append(matches, HeuristicPrivilege)
			break
		}
	}
	for _, seg := range segments {
		exe := seg.Executable()
		if strings.HasPrefix(exe, "mkfs") || exe == "fdisk" || exe == "wipefs" || exe == "mkswap" {
			matches = append(matches, HeuristicDiskFormat)
			break
		}
	}
	if forkBombRe.MatchString(line) {
		matches = append(matches, HeuristicForkBomb)
	}

	return matches
}

// IsSensitive reports whether an executable changes system state enough
// to warrant confirmation even when allow-listed.
func (dc *DangerousCommandChecker) IsSensitive(exe string) bool {
	for _, s := range dc.sensitiveCommands {
		if exe == s {
			return true
		}
	}
	return false
}

func hasRecursiveForcedDelete(segments []Segment) bool {
	for _, seg := range segments {
		words := seg.Words
		exe := seg.Executable()
		if _, ok := privilegePrefixes[exe]; ok {
			// look through "sudo rm -rf"
			words = seg.Args()
			exe = Segment{Words: words}.Executable()
		}
		if exe != "rm" {
			continue
		}

		var recursive, force, endOfFlags bool
		for _, w := range (Segment{Words: words}).Args() {
			switch {
			case endOfFlags:
			case w == "--":
				endOfFlags = true
			case w == "--recursive":
				recursive = true
			case w == "--force":
				force = true
			case strings.HasPrefix(w, "-") && !strings.HasPrefix(w, "--"):
				flags := w[1:]
				if strings.ContainsAny(flags, "rR") {
					recursive = true
				}
				if strings.ContainsRune(flags, 'f') {
					force = true
				}
			}
		}
		if recursive && force {
			return true
		}
	}
	return false
}

func writesToDevice(line string) bool {
	for _, m := range deviceWriteRe.FindAllStringSubmatch(line, -1) {
		dev := m[1]
		if _, ok := harmlessDevices[dev]; ok {
			continue
		}
		if strings.HasPrefix(dev, "fd/") {
			continue
		}
		return true
	}
	return false
}
