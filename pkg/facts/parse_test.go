package facts

import (
	"reflect"
	"testing"
	"time"
)

func TestServerFactCommands(t *testing.T) {
	cases := []struct {
		fact Fact
		args []string
		want string
	}{
		{Home{}, nil, "echo $HOME"},
		{Hostname{}, nil, "hostname"},
		{Os{}, nil, "uname -s"},
		{OsVersion{}, nil, "uname -r"},
		{Arch{}, nil, "uname -p"},
		{Which{}, []string{"curl"}, "command -v curl || true"},
		{Command{}, []string{"cat", "/etc/hostname"}, "cat /etc/hostname"},
		{Date{}, nil, "LANG=C date"},
		{Mounts{}, nil, "mount"},
	}
	for _, tc := range cases {
		if got := tc.fact.BuildCommand(tc.args...); got != tc.want {
			t.Errorf("%s: command = %q, want %q", tc.fact.Name(), got, tc.want)
		}
	}
}

func TestSingleLineFactParsing(t *testing.T) {
	cases := []struct {
		fact  Fact
		lines []string
		want  any
	}{
		{Hostname{}, []string{"web1.example.com"}, "web1.example.com"},
		{Hostname{}, nil, ""},
		{Os{}, []string{"Linux"}, "Linux"},
		{OsVersion{}, []string{"5.15.0-91-generic"}, "5.15.0-91-generic"},
		{Arch{}, []string{"x86_64"}, "x86_64"},
		{Home{}, []string{"/home/deploy"}, "/home/deploy"},
		{Which{}, []string{"/usr/bin/curl"}, "/usr/bin/curl"},
		{Which{}, nil, ""},
	}
	for _, tc := range cases {
		got, err := tc.fact.Parse(tc.lines)
		if err != nil {
			t.Errorf("%s: parse failed: %v", tc.fact.Name(), err)
			continue
		}
		if got != tc.want {
			t.Errorf("%s: got %v, want %v", tc.fact.Name(), got, tc.want)
		}
	}
}

func TestDateParsing(t *testing.T) {
	got, err := Date{}.Parse([]string{"Sat Aug 29 14:03:05 UTC 2026"})
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	ts, ok := got.(time.Time)
	if !ok {
		t.Fatalf("got %T, want time.Time", got)
	}
	if ts.Year() != 2026 || ts.Month() != time.August || ts.Day() != 29 {
		t.Errorf("got %v, want Aug 29 2026", ts)
	}
}

func TestMountsParsing(t *testing.T) {
	lines := []string{
		"/dev/sda1 on / type ext4 (rw,relatime,errors=remount-ro)",
		"proc on /proc type proc (rw,nosuid,nodev,noexec)",
		"map auto_home on /System/Volumes/Data/home (autofs, automounted, nobrowse)",
		"",
		"not a mount line",
	}
	got, err := Mounts{}.Parse(lines)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	mounts := got.(map[string]Mount)

	root, ok := mounts["/"]
	if !ok {
		t.Fatal("missing / mount")
	}
	if root.Device != "/dev/sda1" || root.Type != "ext4" {
		t.Errorf("root mount = %+v", root)
	}
	if !reflect.DeepEqual(root.Options, []string{"rw", "relatime", "errors=remount-ro"}) {
		t.Errorf("root options = %v", root.Options)
	}

	if _, ok := mounts["/proc"]; !ok {
		t.Error("missing /proc mount")
	}
	home, ok := mounts["/System/Volumes/Data/home"]
	if !ok {
		t.Fatal("missing autofs mount")
	}
	if home.Device != "auto_home" || home.Type != "" {
		t.Errorf("autofs mount = %+v", home)
	}
}

func TestDebPackagesParsing(t *testing.T) {
	lines := []string{
		"Desired=Unknown/Install/Remove/Purge/Hold",
		"| Status=Not/Inst/Conf-files/Unpacked/halF-conf/Half-inst/trig-aWait/Trig-pend",
		"ii  adduser        3.118ubuntu5    all          add and remove users and groups",
		"ii  libc6:amd64    2.35-0ubuntu3.4 amd64        GNU C Library: Shared libraries",
		"rc  old-package    1.0-1           all          removed, config files remain",
	}
	got, err := DebPackages{}.Parse(lines)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	pkgs := got.(map[string][]string)

	if !reflect.DeepEqual(pkgs["adduser"], []string{"3.118ubuntu5"}) {
		t.Errorf("adduser = %v", pkgs["adduser"])
	}
	if !reflect.DeepEqual(pkgs["libc6"], []string{"2.35-0ubuntu3.4"}) {
		t.Errorf("libc6 = %v", pkgs["libc6"])
	}
	if _, ok := pkgs["old-package"]; ok {
		t.Error("rc state packages must not be reported as installed")
	}
}

func TestDebPackageParsing(t *testing.T) {
	lines := []string{
		"Package: nginx",
		"Status: install ok installed",
		"Version: 1.18.0-6",
		"Depends: nginx-core | nginx-full",
	}
	got, err := DebPackage{}.Parse(lines)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	data := got.(map[string]string)
	if data["name"] != "nginx" {
		t.Errorf("name = %q", data["name"])
	}
	if data["version"] != "1.18.0-6" {
		t.Errorf("version = %q, want 1.18.0-6", data["version"])
	}
}

func TestRpmPackagesParsing(t *testing.T) {
	lines := []string{
		"bash 5.1.8-6.el9",
		"coreutils 8.32-34.el9",
		"garbage line without version pattern here",
	}
	got, err := RpmPackages{}.Parse(lines)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	pkgs := got.(map[string][]string)
	if !reflect.DeepEqual(pkgs["bash"], []string{"5.1.8-6.el9"}) {
		t.Errorf("bash = %v", pkgs["bash"])
	}
	if len(pkgs) != 2 {
		t.Errorf("parsed %d packages, want 2", len(pkgs))
	}
}

func TestNpmPackagesParsing(t *testing.T) {
	lines := []string{
		"/usr/local/lib",
		"├── corepack@0.19.0",
		"└── npm@10.2.3",
	}
	got, err := NpmPackages{}.Parse(lines)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	pkgs := got.(map[string][]string)
	if !reflect.DeepEqual(pkgs["npm"], []string{"10.2.3"}) {
		t.Errorf("npm = %v", pkgs["npm"])
	}
	if !reflect.DeepEqual(pkgs["corepack"], []string{"0.19.0"}) {
		t.Errorf("corepack = %v", pkgs["corepack"])
	}
}

func TestRegistryNames(t *testing.T) {
	names := Names()
	want := map[string]bool{
		"hostname": false, "os": false, "deb_packages": false,
		"npm_packages": false, "rpm_packages": false, "mounts": false,
	}
	for _, n := range names {
		if _, ok := want[n]; ok {
			want[n] = true
		}
	}
	for n, seen := range want {
		if !seen {
			t.Errorf("registry is missing fact %q", n)
		}
	}
	for i := 1; i < len(names); i++ {
		if names[i-1] > names[i] {
			t.Errorf("names are not sorted: %v", names)
			break
		}
	}
}
