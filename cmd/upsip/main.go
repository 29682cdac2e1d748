package main

import (
	"os"
	"strings"

	"github.com/alecthomas/kong"
	kongtoml "github.com/alecthomas/kong-toml"
	kongyaml "github.com/alecthomas/kong-yaml"

	"github.com/upsip/upsip/internal/config"
	"github.com/upsip/upsip/internal/configpaths"
	"github.com/upsip/upsip/internal/log"

	_ "github.com/upsip/upsip/internal/registry" // Register all device handlers
)

func main() {
	candidates := configpaths.ConfigCandidatePaths(findUserConfig(os.Args[1:]))

	var cli config.CLI
	ctx := kong.Parse(&cli,
		kong.Name("upsip"),
		kong.Description("Richcomm UPS emulator over USB/IP"),
		kong.UsageOnError(),
		// Files in priority order; flags and env override them.
		kong.Configuration(kong.JSON, candidates.JSON...),
		kong.Configuration(kongyaml.Loader, candidates.YAML...),
		kong.Configuration(kongtoml.Loader, candidates.TOML...),
	)

	logger, closers, err := log.SetupLogger(cli.Log.Level, cli.Log.File)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to setup logger: " + err.Error() + "\n")
		os.Exit(2)
	}
	defer func() {
		for _, c := range closers {
			_ = c.Close()
		}
	}()

	rawLogger := log.NewRaw(nil)
	switch {
	case cli.Log.RawFile != "":
		raw, c, err := log.OpenRaw(cli.Log.RawFile)
		if err != nil {
			logger.Error("failed to open raw log file", "file", cli.Log.RawFile, "error", err)
		} else {
			rawLogger = raw
			closers = append(closers, c)
		}
	case cli.Log.Level == "trace":
		rawLogger = log.NewRaw(os.Stdout)
	}

	ctx.Bind(logger)
	ctx.BindTo(rawLogger, (*log.RawLogger)(nil))
	ctx.FatalIfErrorf(ctx.Run())
}

func findUserConfig(args []string) string {
	for i, a := range args {
		if v, ok := strings.CutPrefix(a, "--config="); ok {
			return v
		}
		if a == "--config" && i+1 < len(args) {
			return args[i+1]
		}
	}
	return os.Getenv("UPSIP_CONFIG")
}
