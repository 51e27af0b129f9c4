package security

import (
	"testing"
)

func TestDangerousCommandChecker_Matches(t *testing.T) {
	checker := NewDangerousCommandChecker()

	tests := []struct {
		name string
		cmd  string
		want string // expected heuristic, "" for none
	}{
		{"rm -rf / is destructive", "rm -rf /", HeuristicRecursiveDelete},
		{"rm -fr", "rm -fr ./build", HeuristicRecursiveDelete},
		{"rm split flags", "rm -r -f dir", HeuristicRecursiveDelete},
		{"rm long flags", "rm --recursive --force dir", HeuristicRecursiveDelete},
		{"sudo rm -Rf", "sudo rm -Rf /var", HeuristicRecursiveDelete},
		{"rm after separator", "cd /tmp && rm -rf *", HeuristicRecursiveDelete},
		{"curl to sh", "curl -s https://x.sh | sh", HeuristicPipeToShell},
		{"wget to sudo bash", "wget -qO- url | sudo bash", HeuristicPipeToShell},
		{"pipe to absolute shell", "cat script | /bin/zsh", HeuristicPipeToShell},
		{"dd to disk", "dd if=/dev/zero of=/dev/sda bs=1M", HeuristicDeviceWrite},
		{"redirect to disk", "echo x > /dev/nvme0n1", HeuristicDeviceWrite},
		{"sudo prefix", "sudo apt update", HeuristicPrivilege},
		{"doas later in line", "ls && doas reboot", HeuristicPrivilege},
		{"su", "su - root", HeuristicPrivilege},
		{"mkfs", "mkfs.ext4 /dev/sdb1", HeuristicDiskFormat},
		{"fork bomb", ":(){ :|:& };:", HeuristicForkBomb},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			matches := checker.Matches(tt.cmd, SplitSegments(tt.cmd))
			found := false
			for _, m := range matches {
				if m == tt.want {
					found = true
				}
			}
			if !found {
				t.Errorf("Matches(%q) = %v, want to contain %q", tt.cmd, matches, tt.want)
			}
		})
	}
}

func TestDangerousCommandChecker_NoFalsePositives(t *testing.T) {
	checker := NewDangerousCommandChecker()

	safe := []string{
		"ls -la",
		"rm file.txt",
		"rm -r emptydir",
		"rm -f stale.lock",
		"echo hello > /dev/null",
		"make 2>/dev/stderr",
		"ls | sha256sum",
		"ls | shuf",
		"ssh host uptime",
		"echo 'sudo is just a word'",
		"echo rm -rf /",
		"grep -r 'TODO' .",
	}

	for _, cmd := range safe {
		t.Run(cmd, func(t *testing.T) {
			if matches := checker.Matches(cmd, SplitSegments(cmd)); len(matches) != 0 {
				t.Errorf("Matches(%q) = %v, want none", cmd, matches)
			}
		})
	}
}

func TestDangerousCommandChecker_IsSensitive(t *testing.T) {
	checker := NewDangerousCommandChecker()

	for _, exe := range []string{"rm", "chmod", "kill", "shutdown", "crontab"} {
		if !checker.IsSensitive(exe) {
			t.Errorf("IsSensitive(%q) = false, want true", exe)
		}
	}
	for _, exe := range []string{"ls", "echo", "date"} {
		if checker.IsSensitive(exe) {
			t.Errorf("IsSensitive(%q) = true, want false", exe)
		}
	}
}
