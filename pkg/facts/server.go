package facts

import (
	"strings"
	"time"
)

func init() {
	Register(Home{})
	Register(Hostname{})
	Register(Os{})
	Register(OsVersion{})
	Register(Arch{})
	Register(Command{})
	Register(Which{})
	Register(Date{})
	Register(Mounts{})
}

// firstLine returns the first output line, trimmed, or the empty string.
func firstLine(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	return strings.TrimSpace(lines[0])
}

// Home returns the home directory of the current user.
type Home struct{}

func (Home) Name() string { return "home" }
func (Home) BuildCommand(args ...string) string { return "echo $HOME" }
func (Home) Default() any { return nil }
func (Home) Parse(lines []string) (any, error) { return firstLine(lines), nil }

// Hostname returns the current hostname of the server.
type Hostname struct{}

func (Hostname) Name() string { return "hostname" }
func (Hostname) BuildCommand(args ...string) string { return "hostname" }
func (Hostname) Default() any { return nil }
func (Hostname) Parse(lines []string) (any, error) { return firstLine(lines), nil }

// Os returns the OS name according to uname.
type Os struct{}

func (Os) Name() string { return "os" }
func (Os) BuildCommand(args ...string) string { return "uname -s" }
func (Os) Default() any { return nil }
func (Os) Parse(lines []string) (any, error) { return firstLine(lines), nil }

// OsVersion returns the OS version according to uname.
type OsVersion struct{}

func (OsVersion) Name() string { return "os_version" }
func (OsVersion) BuildCommand(args ...string) string { return "uname -r" }
func (OsVersion) Default() any { return nil }
func (OsVersion) Parse(lines []string) (any, error) { return firstLine(lines), nil }

// Arch returns the system architecture according to uname.
type Arch struct{}

func (Arch) Name() string { return "arch" }
func (Arch) BuildCommand(args ...string) string { return "uname -p" }
func (Arch) Default() any { return nil }
func (Arch) Parse(lines []string) (any, error) { return firstLine(lines), nil }

// Command returns the raw output lines of a given command.
type Command struct{}

func (Command) Name() string { return "command" }
func (Command) RequiredArgs() int { return 1 }
func (Command) BuildCommand(args ...string) string {
	return strings.Join(args, " ")
}
func (Command) Default() any { return nil }
func (Command) Parse(lines []string) (any, error) {
	return lines, nil
}

// Which returns the path of a given command, if available.
type Which struct{}

func (Which) Name() string { return "which" }
func (Which) RequiredArgs() int { return 1 }
func (Which) BuildCommand(args ...string) string {
	return "command -v " + args[0] + " || true"
}
func (Which) Default() any { return nil }
func (Which) Parse(lines []string) (any, error) {
	return firstLine(lines), nil
}

// Date returns the current datetime on the server.
type Date struct{}

func (Date) Name() string { return "date" }
func (Date) BuildCommand(args ...string) string { return "LANG=C date" }
func (Date) Default() any { return nil }
func (Date) Parse(lines []string) (any, error) {
	return time.Parse(time.UnixDate, firstLine(lines))
}

// Mount describes one mounted filesystem.
type Mount struct {
	Device  string   `json:"device"`
	Type    string   `json:"type"`
	Options []string `json:"options"`
}

// Mounts returns a mapping of mount point to filesystem information.
type Mounts struct{}

func (Mounts) Name() string { return "mounts" }
func (Mounts) BuildCommand(args ...string) string { return "mount" }
func (Mounts) Default() any { return map[string]Mount{} }

// Parse handles the Linux mount format "device on path type fstype (options)"
// and the BSD form without the type field.
func (Mounts) Parse(lines []string) (any, error) {
	mounts := make(map[string]Mount)

	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "map ") {
			line = line[4:]
		}

		fields := strings.Fields(line)
		// device on path [type fstype] (opts)
		if len(fields) < 4 || fields[1] != "on" {
			continue
		}

		mount := Mount{Device: fields[0]}
		path := fields[2]
		rest := fields[3:]

		if len(rest) >= 2 && rest[0] == "type" {
			mount.Type = rest[1]
			rest = rest[2:]
		}
		if len(rest) > 0 {
			opts := strings.Trim(strings.Join(rest, " "), "()")
			for _, opt := range strings.Split(opts, ",") {
				if opt = strings.TrimSpace(opt); opt != "" {
					mount.Options = append(mount.Options, opt)
				}
			}
		}

		mounts[path] = mount
	}

	return mounts, nil
}
