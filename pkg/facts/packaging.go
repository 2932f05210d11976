package facts

import (
	"regexp"
	"strings"
)

func init() {
	Register(DebPackages{})
	Register(DebPackage{})
	Register(RpmPackages{})
	Register(NpmPackages{})
}

// parsePackages matches each output line against a regex whose first group is
// the package name and second group a version, collecting versions per
// package. Multiple versions of one package accumulate in order.
func parsePackages(re *regexp.Regexp, lines []string) map[string][]string {
	packages := make(map[string][]string)

	for _, line := range lines {
		matches := re.FindStringSubmatch(strings.TrimSpace(line))
		if matches == nil {
			continue
		}
		packages[matches[1]] = append(packages[matches[1]], matches[2])
	}

	return packages
}

var debPackagesRegex = regexp.MustCompile(
	`^ii\s+([a-zA-Z0-9+\-.]+):?[a-zA-Z0-9]*\s+([a-zA-Z0-9:~.\-+]+).+$`)

// DebPackages returns a mapping of installed dpkg package name to versions.
type DebPackages struct{}

func (DebPackages) Name() string { return "deb_packages" }
func (DebPackages) RequiresTool() string { return "dpkg" }
func (DebPackages) BuildCommand(args ...string) string { return "dpkg -l" }
func (DebPackages) Default() any { return map[string][]string{} }
func (DebPackages) Parse(lines []string) (any, error) {
	return parsePackages(debPackagesRegex, lines), nil
}

var debPackageRegexes = map[string]*regexp.Regexp{
	"name":    regexp.MustCompile(`^Package: ([a-zA-Z0-9\-]+)$`),
	"version": regexp.MustCompile(`^Version: ([0-9:.\-]+)$`),
}

// DebPackage returns information on a .deb archive or installed package.
type DebPackage struct{}

func (DebPackage) Name() string { return "deb_package" }
func (DebPackage) RequiredArgs() int { return 1 }
func (DebPackage) RequiresTool() string { return "dpkg" }
func (DebPackage) BuildCommand(args ...string) string {
	return "dpkg -I " + args[0] + " 2> /dev/null || dpkg -s " + args[0]
}
func (DebPackage) Default() any { return nil }
func (DebPackage) Parse(lines []string) (any, error) {
	data := make(map[string]string)

	for _, line := range lines {
		line = strings.TrimSpace(line)
		for key, re := range debPackageRegexes {
			if matches := re.FindStringSubmatch(line); matches != nil {
				data[key] = matches[1]
				break
			}
		}
	}

	return data, nil
}

var rpmPackagesRegex = regexp.MustCompile(`^([a-zA-Z0-9_+\-.]+) ([a-zA-Z0-9:~.\-+]+)$`)

// RpmPackages returns a mapping of installed rpm package name to versions.
type RpmPackages struct{}

func (RpmPackages) Name() string { return "rpm_packages" }
func (RpmPackages) RequiresTool() string { return "rpm" }
func (RpmPackages) BuildCommand(args ...string) string {
	return `rpm -qa --queryformat '%{NAME} %{VERSION}-%{RELEASE}\n'`
}
func (RpmPackages) Default() any { return map[string][]string{} }
func (RpmPackages) Parse(lines []string) (any, error) {
	return parsePackages(rpmPackagesRegex, lines), nil
}

var npmPackagesRegex = regexp.MustCompile(`^[└├]─+\s([a-zA-Z0-9\-]+)@([0-9.]+)$`)

// NpmPackages returns a mapping of globally installed npm package name to
// versions, or the packages under a given directory when one is passed.
type NpmPackages struct{}

func (NpmPackages) Name() string { return "npm_packages" }
func (NpmPackages) RequiresTool() string { return "npm" }
func (NpmPackages) BuildCommand(args ...string) string {
	if len(args) > 0 && args[0] != "" {
		return "cd " + args[0] + " && npm list -g --depth=0"
	}
	return "npm list -g --depth=0"
}
func (NpmPackages) Default() any { return map[string][]string{} }
func (NpmPackages) Parse(lines []string) (any, error) {
	return parsePackages(npmPackagesRegex, lines), nil
}
