package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"
	"unicode"

	toml "github.com/pelletier/go-toml"
	yaml "gopkg.in/yaml.v3"

	"github.com/upsip/upsip/internal/configpaths"
)

// ConfigCommand groups config-related subcommands.
type ConfigCommand struct {
	Init ConfigInit `cmd:"" help:"Generate a configuration template"`
}

// ConfigInit writes a template for the server or proxy command, filled with
// the defaults declared on the command structs.
type ConfigInit struct {
	Command string `arg:"" name:"command" help:"Command to generate config for" enum:"server,proxy"`
	Format  string `help:"Output format" enum:"json,yaml,yml,toml" default:"json"`
	Output  string `help:"Destination file path (defaults to <command>.<ext> in the user config dir)" type:"path"`
	Force   bool   `help:"Overwrite if the file already exists"`
}

// Run is called by Kong when config init is executed.
func (c *ConfigInit) Run() error {
	data, err := RenderConfig(c.Command, c.Format)
	if err != nil {
		return err
	}

	dest := c.Output
	if dest == "" {
		if dest, err = configpaths.DefaultNamedConfigPath(c.Command, c.Format); err != nil {
			return err
		}
	}
	if !c.Force {
		if _, err := os.Stat(dest); err == nil {
			return fmt.Errorf("%s exists; use --force to overwrite", dest)
		}
	}
	if err := configpaths.EnsureDir(dest); err != nil {
		return err
	}
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		return err
	}
	fmt.Println(dest)
	return nil
}

// RenderConfig marshals the defaults of a command in the given format.
func RenderConfig(command, format string) ([]byte, error) {
	var root map[string]any
	switch command {
	case "server":
		root = defaultsOf(reflect.TypeFor[Server]())
	case "proxy":
		root = defaultsOf(reflect.TypeFor[Proxy]())
	default:
		return nil, errors.New("unknown command; expected 'server' or 'proxy'")
	}

	switch configpaths.Extension(strings.ToLower(format)) {
	case "yaml":
		return yaml.Marshal(root)
	case "toml":
		tree, err := toml.TreeFromMap(root)
		if err != nil {
			return nil, err
		}
		return tree.Marshal()
	}
	if f := strings.ToLower(format); f != "json" && f != "" {
		return nil, fmt.Errorf("unsupported format: %s", format)
	}
	return json.MarshalIndent(root, "", "  ")
}

// defaultsOf maps the kong-visible fields of t to their default values, keyed
// the way the config loaders expect (embedded prefixes become nested maps).
func defaultsOf(t reflect.Type) map[string]any {
	out := map[string]any{}
	for i := range t.NumField() {
		f := t.Field(i)
		if !f.IsExported() || f.Tag.Get("kong") == "-" || f.Tag.Get("help") == "-" {
			continue
		}
		if _, ok := f.Tag.Lookup("embed"); ok {
			sub := defaultsOf(f.Type)
			if name := strings.TrimSuffix(f.Tag.Get("prefix"), "."); name != "" {
				out[name] = sub
			} else {
				for k, v := range sub {
					out[k] = v
				}
			}
			continue
		}
		if v := defaultValue(f.Type, f.Tag.Get("default")); v != nil {
			out[lowerFirst(f.Name)] = v
		}
	}
	return out
}

func defaultValue(t reflect.Type, def string) any {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == reflect.TypeFor[time.Duration]() {
		if def == "" {
			return "0s"
		}
		return def
	}
	switch t.Kind() {
	case reflect.String:
		return def
	case reflect.Bool:
		b, _ := strconv.ParseBool(def)
		return b
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, _ := strconv.ParseInt(def, 10, 64)
		return n
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, _ := strconv.ParseUint(def, 10, 64)
		return n
	case reflect.Float32, reflect.Float64:
		f, _ := strconv.ParseFloat(def, 64)
		return f
	case reflect.Struct:
		return defaultsOf(t)
	}
	return nil
}

func lowerFirst(s string) string {
	r := []rune(s)
	if len(r) == 0 {
		return s
	}
	r[0] = unicode.ToLower(r[0])
	return string(r)
}
