package inventory

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/opsmith/opsmith/pkg/operr"
)

// groupDef is the YAML shape of a single group.
type groupDef struct {
	Hosts []string       `yaml:"hosts" validate:"required,min=1,dive,required"`
	Data  map[string]any `yaml:"data"`
}

// hostDef is the YAML shape of a single host entry.
type hostDef struct {
	Data map[string]any `yaml:"data"`
}

// fileDef is the YAML shape of an inventory file. Hosts are kept as a raw
// node so that definition order survives decoding.
type fileDef struct {
	Groups map[string]groupDef `yaml:"groups"`
	Hosts  yaml.Node           `yaml:"hosts"`
}

var validate = validator.New()

// Load reads an inventory definition from a YAML file and builds the host
// set with data precedence group < host < run override. A missing or
// malformed file is a definition error.
func Load(path string, overrides map[string]any) (*Inventory, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, operr.NewDefinitionError("cannot read inventory: "+path, err)
	}
	return Parse(raw, overrides)
}

// Parse builds an inventory from raw YAML inventory source.
func Parse(raw []byte, overrides map[string]any) (*Inventory, error) {
	var def fileDef
	if err := yaml.Unmarshal(raw, &def); err != nil {
		return nil, operr.NewDefinitionError("invalid inventory source", err)
	}

	for name, group := range def.Groups {
		if err := validate.Struct(group); err != nil {
			return nil, operr.NewDefinitionError("invalid group: "+name, err)
		}
	}

	names, hostDefs, err := decodeHosts(&def.Hosts)
	if err != nil {
		return nil, err
	}

	// Group membership and group-level data, keyed by host name.
	hostGroups := make(map[string][]string)
	groupData := make(map[string]map[string]any)
	for groupName, group := range def.Groups {
		for _, hostName := range group.Hosts {
			if _, known := hostDefs[hostName]; !known {
				return nil, operr.NewDefinitionError(
					fmt.Sprintf("group %q references unknown host %q", groupName, hostName), nil)
			}
			hostGroups[hostName] = append(hostGroups[hostName], groupName)
			if len(group.Data) > 0 {
				if groupData[hostName] == nil {
					groupData[hostName] = make(map[string]any)
				}
				for k, v := range group.Data {
					groupData[hostName][k] = v
				}
			}
		}
	}

	hosts := make([]*Host, 0, len(names))
	for _, name := range names {
		data := make(map[string]any)
		for k, v := range groupData[name] {
			data[k] = v
		}
		for k, v := range hostDefs[name].Data {
			data[k] = v
		}
		for k, v := range overrides {
			data[k] = v
		}
		hosts = append(hosts, NewHost(name, hostGroups[name], data))
	}

	return New(hosts...)
}

// decodeHosts decodes the hosts node, which may be a mapping of host name to
// definition or a plain sequence of names, preserving definition order.
func decodeHosts(node *yaml.Node) ([]string, map[string]hostDef, error) {
	names := make([]string, 0)
	defs := make(map[string]hostDef)

	switch node.Kind {
	case yaml.MappingNode:
		for i := 0; i+1 < len(node.Content); i += 2 {
			keyNode, valNode := node.Content[i], node.Content[i+1]
			var def hostDef
			if valNode.Kind != 0 && valNode.Tag != "!!null" {
				if err := valNode.Decode(&def); err != nil {
					return nil, nil, operr.NewDefinitionError("invalid host entry: "+keyNode.Value, err)
				}
			}
			names = append(names, keyNode.Value)
			defs[keyNode.Value] = def
		}
	case yaml.SequenceNode:
		for _, item := range node.Content {
			names = append(names, item.Value)
			defs[item.Value] = hostDef{}
		}
	case 0:
		return nil, nil, operr.NewDefinitionError("inventory defines no hosts", nil)
	default:
		return nil, nil, operr.NewDefinitionError("hosts must be a mapping or a list", nil)
	}

	if len(names) == 0 {
		return nil, nil, operr.NewDefinitionError("inventory defines no hosts", nil)
	}
	return names, defs, nil
}
