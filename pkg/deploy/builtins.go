package deploy

import (
	"fmt"
	"os"
	"path/filepath"

	"go.starlark.net/starlark"

	"github.com/opsmith/opsmith/pkg/inventory"
	"github.com/opsmith/opsmith/pkg/operr"
	"github.com/opsmith/opsmith/pkg/plan"
)

// builtinOp records a shell operation: op(name, commands, hosts=None).
func builtinOp(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	var commands *starlark.List
	var hostsArg starlark.Value
	if err := starlark.UnpackArgs(b.Name(), args, kwargs,
		"name", &name, "commands", &commands, "hosts?", &hostsArg); err != nil {
		return nil, err
	}

	env, err := threadEnv(thread)
	if err != nil {
		return nil, err
	}

	lines, err := stringList(commands)
	if err != nil {
		return nil, fmt.Errorf("op %q: %w", name, err)
	}
	targets, err := resolveHosts(env, hostsArg)
	if err != nil {
		return nil, err
	}

	names := append(append([]string{}, env.nameStack...), name)
	opArgs := map[string]any{"commands": lines}
	hash, err := env.State.Record(names, opArgs, callSite(thread), plan.ExecCommands(lines...), targets...)
	if err != nil {
		return nil, err
	}
	return starlark.String(hash), nil
}

// builtinUpload records a file transfer: upload(src, dest, mode=0o644, name=None, hosts=None).
func builtinUpload(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var src, dest string
	var mode = 0o644
	var name string
	var hostsArg starlark.Value
	if err := starlark.UnpackArgs(b.Name(), args, kwargs,
		"src", &src, "dest", &dest, "mode?", &mode, "name?", &name, "hosts?", &hostsArg); err != nil {
		return nil, err
	}

	env, err := threadEnv(thread)
	if err != nil {
		return nil, err
	}
	targets, err := resolveHosts(env, hostsArg)
	if err != nil {
		return nil, err
	}

	if name == "" {
		name = fmt.Sprintf("upload %s", dest)
	}
	if !filepath.IsAbs(src) {
		src = filepath.Join(env.dir, src)
	}

	names := append(append([]string{}, env.nameStack...), name)
	opArgs := map[string]any{"src": src, "dest": dest, "mode": mode}
	gen := plan.StaticCommands(plan.Command{
		Kind:       plan.KindUpload,
		LocalPath:  src,
		RemotePath: dest,
		Mode:       uint32(mode),
	})
	hash, err := env.State.Record(names, opArgs, callSite(thread), gen, targets...)
	if err != nil {
		return nil, err
	}
	return starlark.String(hash), nil
}

// builtinFact gathers a fact during evaluation: fact(host, name, *args).
// Transport failures propagate and abort the evaluation.
func builtinFact(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if len(kwargs) > 0 {
		return nil, fmt.Errorf("%s: unexpected keyword arguments", b.Name())
	}
	if len(args) < 2 {
		return nil, fmt.Errorf("%s: want host, fact name and optional args", b.Name())
	}

	env, err := threadEnv(thread)
	if err != nil {
		return nil, err
	}

	hostName, ok := starlark.AsString(args[0])
	if !ok {
		return nil, fmt.Errorf("%s: host must be a string", b.Name())
	}
	factName, ok := starlark.AsString(args[1])
	if !ok {
		return nil, fmt.Errorf("%s: fact name must be a string", b.Name())
	}
	host, ok := env.Inventory.Get(hostName)
	if !ok {
		return nil, operr.NewDefinitionError(fmt.Sprintf("unknown host %q", hostName), nil)
	}

	factArgs := make([]string, 0, len(args)-2)
	for _, a := range args[2:] {
		s, ok := starlark.AsString(a)
		if !ok {
			return nil, fmt.Errorf("%s: fact arguments must be strings", b.Name())
		}
		factArgs = append(factArgs, s)
	}

	value, err := env.Gatherer.FactByName(threadContext(thread), host, factName, factArgs...)
	if err != nil {
		return nil, err
	}
	return toStarlark(value)
}

// builtinHosts returns the active inventory's host names.
func builtinHosts(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackArgs(b.Name(), args, kwargs); err != nil {
		return nil, err
	}
	env, err := threadEnv(thread)
	if err != nil {
		return nil, err
	}
	names := make([]starlark.Value, 0, env.Inventory.Len())
	for _, h := range env.Inventory.Hosts() {
		names = append(names, starlark.String(h.Name()))
	}
	return starlark.NewList(names), nil
}

// builtinHostData looks up merged host data: host_data(host, key, default=None).
func builtinHostData(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var hostName, key string
	var fallback starlark.Value = starlark.None
	if err := starlark.UnpackArgs(b.Name(), args, kwargs,
		"host", &hostName, "key", &key, "default?", &fallback); err != nil {
		return nil, err
	}

	env, err := threadEnv(thread)
	if err != nil {
		return nil, err
	}
	host, ok := env.Inventory.Get(hostName)
	if !ok {
		return nil, operr.NewDefinitionError(fmt.Sprintf("unknown host %q", hostName), nil)
	}
	value, ok := host.Var(key)
	if !ok {
		return fallback, nil
	}
	return toStarlark(value)
}

// builtinInclude evaluates another deploy file in place, nesting its
// recorded names under the included file's base name.
func builtinInclude(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var path string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "path", &path); err != nil {
		return nil, err
	}

	env, err := threadEnv(thread)
	if err != nil {
		return nil, err
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(env.dir, path)
	}
	if _, err := os.Stat(path); err != nil {
		return nil, operr.NewDefinitionError(fmt.Sprintf("No deploy file: %s", path), err)
	}

	savedStack, savedDir := env.nameStack, env.dir
	env.nameStack = append(append([]string{}, savedStack...), filepath.Base(path))
	env.dir = filepath.Dir(path)
	defer func() {
		env.nameStack, env.dir = savedStack, savedDir
	}()

	if err := execFile(threadContext(thread), path, env); err != nil {
		return nil, err
	}
	return starlark.None, nil
}

// resolveHosts turns the hosts= argument into inventory hosts. None or
// absent means every active host; strings may name a host or a group.
func resolveHosts(env *Env, arg starlark.Value) ([]*inventory.Host, error) {
	if arg == nil || arg == starlark.None {
		return env.Inventory.Hosts(), nil
	}

	var names []string
	switch v := arg.(type) {
	case starlark.String:
		names = []string{string(v)}
	case *starlark.List:
		var err error
		names, err = stringList(v)
		if err != nil {
			return nil, fmt.Errorf("hosts: %w", err)
		}
	default:
		return nil, fmt.Errorf("hosts must be a string or list of strings, got %s", arg.Type())
	}

	var hosts []*inventory.Host
	seen := make(map[string]struct{})
	for _, name := range names {
		if h, ok := env.Inventory.Get(name); ok {
			if _, dup := seen[h.Name()]; !dup {
				seen[h.Name()] = struct{}{}
				hosts = append(hosts, h)
			}
			continue
		}
		group := env.Inventory.Group(name)
		if len(group) == 0 {
			return nil, operr.NewDefinitionError(fmt.Sprintf("unknown host or group %q", name), nil)
		}
		for _, h := range group {
			if _, dup := seen[h.Name()]; !dup {
				seen[h.Name()] = struct{}{}
				hosts = append(hosts, h)
			}
		}
	}
	return hosts, nil
}

func stringList(list *starlark.List) ([]string, error) {
	if list == nil {
		return nil, fmt.Errorf("expected a list of strings")
	}
	out := make([]string, 0, list.Len())
	for i := 0; i < list.Len(); i++ {
		s, ok := starlark.AsString(list.Index(i))
		if !ok {
			return nil, fmt.Errorf("element %d is %s, want string", i, list.Index(i).Type())
		}
		out = append(out, s)
	}
	return out, nil
}
