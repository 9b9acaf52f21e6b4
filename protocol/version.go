package protocol

import "fmt"

// Version packs a major and minor interface version as major<<16 | minor.
type Version uint32

func MakeVersion(major, minor uint16) Version {
	return Version(uint32(major)<<16 | uint32(minor))
}

func (v Version) Major() uint16 { return uint16(v >> 16) }
func (v Version) Minor() uint16 { return uint16(v) }

func (v Version) String() string {
	return fmt.Sprintf("%d.%d", v.Major(), v.Minor())
}

// Supported daemon interface window.
var (
	MinDaemonVersion = MakeVersion(0, 2)
	MaxDaemonVersion = MakeVersion(0, 0xFFFF)
)

// CheckDaemonVersion reports whether the daemon interface version lies in the
// supported window, with a message describing the outcome.
func CheckDaemonVersion(v Version) (bool, string) {
	if v < MinDaemonVersion || v > MaxDaemonVersion {
		return false, fmt.Sprintf("daemon interface version %s not supported, need %s to %s",
			v, MinDaemonVersion, MaxDaemonVersion)
	}
	return true, fmt.Sprintf("daemon interface version %s ok", v)
}
