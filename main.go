package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
)

// Version is set at build time via -ldflags
var Version = "dev"

// Runner is the set of modes main can dispatch to. *App implements it.
type Runner interface {
	ApplyOptions(opts AppOptions)
	RunRenderMap()
	RunReplay()
	RunService()
}

var errNoMode = errors.New("no mode selected (use --mqtt, --http, --replay or --render-map)")

func main() {
	if err := run(os.Args[1:], os.Stdout, NewApp()); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
}

// run parses args and starts the selected mode.
func run(args []string, out io.Writer, app Runner) error {
	fs := flag.NewFlagSet("scanloc", flag.ContinueOnError)
	fs.SetOutput(out)

	configFile := fs.String("config", defaultConfigFile, "Path to configuration file")
	mapFile := fs.String("map", "", "PCD map file (overrides map.path)")
	mqttMode := fs.Bool("mqtt", false, "Run MQTT service mode for real-time localization")
	httpMode := fs.Bool("http", false, "Enable HTTP server for pose, trajectory and map views")
	httpPort := fs.Int("http-port", 8080, "HTTP server port (default 8080)")
	replayDir := fs.String("replay", "", "Localize every *.pcd scan in this directory and exit")
	seed := fs.String("seed", "", "Seed position x,y,z in the map frame for --replay")
	outputFile := fs.String("output", "", "CSV result log for --replay (overrides result.csvPath)")
	renderOutput := fs.String("render-map", "", "Render the downsampled map to this file and exit")
	renderFormat := fs.String("format", "raster", "Render format for --render-map: raster or vector")

	if err := fs.Parse(args); err != nil {
		return err
	}

	_, _ = fmt.Fprintf(out, "scanloc version: %s\n", Version)

	opts := AppOptions{
		ConfigFile:   *configFile,
		MapFile:      *mapFile,
		ReplayDir:    *replayDir,
		Seed:         *seed,
		RenderOutput: *renderOutput,
		RenderFormat: *renderFormat,
		OutputFile:   *outputFile,
		HttpPort:     *httpPort,
		MqttMode:     *mqttMode,
		HttpMode:     *httpMode,
	}
	app.ApplyOptions(opts)

	switch {
	case opts.RenderOutput != "":
		app.RunRenderMap()
	case opts.ReplayDir != "":
		app.RunReplay()
	case opts.MqttMode || opts.HttpMode:
		_, _ = fmt.Fprintln(out, "scanloc service starting...")
		app.RunService()
	default:
		_, _ = fmt.Fprintln(out, "\nUsage:")
		_, _ = fmt.Fprintln(out, "  scanloc --mqtt [--http] [--config config.yaml]   Run the localization service")
		_, _ = fmt.Fprintln(out, "  scanloc --replay DIR --seed x,y,z --map map.pcd   Localize recorded scans")
		_, _ = fmt.Fprintln(out, "  scanloc --render-map out.png --map map.pcd        Render the map")
		_, _ = fmt.Fprintln(out)
		fs.PrintDefaults()
		return errNoMode
	}
	return nil
}
