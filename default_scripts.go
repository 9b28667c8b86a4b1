package tactivo

import (
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
)

// BuiltinScripts contains the bundled replay scripts.
//
//go:embed scripts/*.yaml
var BuiltinScripts embed.FS

// BuiltinScriptNames lists the bundled scripts by name, without extension.
func BuiltinScriptNames() []string {
	entries, err := fs.ReadDir(BuiltinScripts, "scripts")
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, strings.TrimSuffix(e.Name(), path.Ext(e.Name())))
	}
	sort.Strings(names)
	return names
}

// BuiltinScript returns the YAML source of a bundled script.
func BuiltinScript(name string) ([]byte, error) {
	data, err := BuiltinScripts.ReadFile(path.Join("scripts", name+".yaml"))
	if err != nil {
		return nil, fmt.Errorf("unknown builtin script %q (available: %s)", name, strings.Join(BuiltinScriptNames(), ", "))
	}
	return data, nil
}
