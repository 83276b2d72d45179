package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/golang/geo/r3"
	"github.com/kwv/scanloc/localize"
)

const defaultConfigFile = "config.yaml"

// AppOptions carries the parsed command line.
type AppOptions struct {
	ConfigFile   string
	MapFile      string
	ReplayDir    string
	Seed         string
	RenderOutput string
	RenderFormat string
	OutputFile   string
	HttpPort     int
	MqttMode     bool
	HttpMode     bool
}

// App encapsulates the application state and dependencies
type App struct {
	Config     *localize.Config
	Inputs     *localize.Inputs
	Tracker    *localize.Tracker
	Queue      *localize.ScanQueue
	Trajectory *localize.Trajectory
	ResultLog  *localize.ResultLog
	PoseStore  *localize.PoseStore
	MQTTClient *localize.MQTTClient
	Publisher  *localize.Publisher

	// pubMu guards Publisher, which MQTT callbacks may read while it is set.
	pubMu sync.RWMutex

	// CLI Flags (effectively dependencies)
	ConfigFile   string
	MapFile      string
	ReplayDir    string
	Seed         string
	RenderOutput string
	RenderFormat string
	OutputFile   string
	HttpPort     int
	MqttMode     bool
	HttpMode     bool
}

// NewApp creates a new App instance
func NewApp() *App {
	return &App{
		ConfigFile:   defaultConfigFile,
		RenderFormat: "raster",
		HttpPort:     8080,
	}
}

// ApplyOptions applies CLI options to the App instance
func (a *App) ApplyOptions(opts AppOptions) {
	a.ConfigFile = opts.ConfigFile
	a.MapFile = opts.MapFile
	a.ReplayDir = opts.ReplayDir
	a.Seed = opts.Seed
	a.RenderOutput = opts.RenderOutput
	a.RenderFormat = opts.RenderFormat
	a.OutputFile = opts.OutputFile
	a.HttpPort = opts.HttpPort
	a.MqttMode = opts.MqttMode
	a.HttpMode = opts.HttpMode
}

// loadConfig reads the config file. Only the default path may be absent, in
// which case the built-in defaults are used.
func (a *App) loadConfig() (*localize.Config, error) {
	path := a.ConfigFile
	if path == "" {
		path = defaultConfigFile
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) && path == defaultConfigFile {
		log.Printf("No %s found, using defaults", path)
		return localize.DefaultConfig(), nil
	}
	config, err := localize.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	log.Printf("Loaded config from %s", path)
	return config, nil
}

// setupInputs loads the configuration and the map if one is configured.
func (a *App) setupInputs(ctx context.Context) error {
	if a.Config == nil {
		config, err := a.loadConfig()
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		a.Config = config
	}
	if a.MapFile != "" {
		a.Config.Map.Path = a.MapFile
	}
	if a.OutputFile != "" {
		a.Config.Result.CSVPath = a.OutputFile
	}
	if err := a.Config.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	a.Inputs = localize.NewInputs(a.Config.Downsample.MapLeafSize)
	return a.loadMap(ctx)
}

// loadMap reads the map from map.path or map.url. Without either the map is
// expected over MQTT.
func (a *App) loadMap(ctx context.Context) error {
	var (
		cloud  localize.PointCloud
		source string
		err    error
	)
	switch {
	case a.Config.Map.Path != "":
		source = a.Config.Map.Path
		cloud, err = localize.LoadPCDFile(source)
	case a.Config.Map.URL != "":
		source = a.Config.Map.URL
		cloud, err = localize.FetchMap(ctx, source)
	default:
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading map from %s: %w", source, err)
	}

	pm, err := a.Inputs.SetMap(cloud)
	if err != nil {
		return fmt.Errorf("preparing map from %s: %w", source, err)
	}
	log.Printf("Loaded map from %s: %d points, %d after downsampling", source, pm.Raw, len(pm.Cloud()))
	return nil
}

// setupTracker opens the outputs and builds the tracker and its queue.
// setupInputs must have run first.
func (a *App) setupTracker() error {
	tc, err := a.Config.TrackerConfig()
	if err != nil {
		return fmt.Errorf("invalid tracker config: %w", err)
	}

	resultLog, err := localize.OpenResultLog(a.Config.Result.CSVPath, a.Config.Result.FlattenZ)
	if err != nil {
		return fmt.Errorf("opening result log: %w", err)
	}
	a.ResultLog = resultLog

	tracker, err := localize.NewTracker(a.Inputs, tc, resultLog)
	if err != nil {
		return err
	}
	a.Tracker = tracker

	a.Trajectory = localize.NewTrajectory(tracker.SessionID(), a.Config.Trajectory.MaxPoses)
	tracker.AddSink(a.Trajectory)

	if path := a.Config.Result.SQLitePath; path != "" {
		store, err := localize.OpenPoseStore(path)
		if err != nil {
			return fmt.Errorf("opening pose store: %w", err)
		}
		a.PoseStore = store
		if err := store.StartSession(tracker.SessionID(), a.Config.Frames.Map, a.sessionNotes()); err != nil {
			return err
		}
		tracker.AddSink(store)
	}

	a.Queue = localize.NewScanQueue(a.Config.QueueSize)
	log.Printf("Tracker session %s", tracker.SessionID())
	return nil
}

func (a *App) sessionNotes() string {
	switch {
	case a.ReplayDir != "":
		return "replay " + a.ReplayDir
	case a.MqttMode:
		return "mqtt " + a.Config.MQTT.Broker
	default:
		return ""
	}
}

// inputHandlers routes MQTT inputs into the tracker.
func (a *App) inputHandlers() localize.InputHandlers {
	return localize.InputHandlers{
		OnMap: func(cloud localize.PointCloud) {
			pm, err := a.Inputs.SetMap(cloud)
			if err != nil {
				log.Printf("Error preparing map: %v", err)
				return
			}
			log.Printf("Received map: %d points, %d after downsampling", pm.Raw, len(pm.Cloud()))
		},
		OnScan: func(scan localize.Scan) {
			a.Queue.Push(scan)
		},
		OnSeed: func(fix localize.SeedFix) {
			a.Inputs.SetSeed(fix)
			pub := a.publisher()
			if pub == nil {
				return
			}
			a.Tracker.BeforeInitialized(func() {
				if err := pub.PublishSeedPose(fix); err != nil {
					log.Printf("Error publishing seed pose: %v", err)
				}
			})
		},
	}
}

func (a *App) publisher() *localize.Publisher {
	a.pubMu.RLock()
	defer a.pubMu.RUnlock()
	return a.Publisher
}

func (a *App) setPublisher(p *localize.Publisher) {
	a.pubMu.Lock()
	a.Publisher = p
	a.pubMu.Unlock()
}

// Close releases the outputs.
func (a *App) Close() {
	if a.Queue != nil {
		a.Queue.Close()
	}
	if a.MQTTClient != nil {
		a.MQTTClient.Disconnect()
	}
	if a.ResultLog != nil {
		if err := a.ResultLog.Close(); err != nil {
			log.Printf("Error closing result log: %v", err)
		}
	}
	if a.PoseStore != nil {
		if err := a.PoseStore.Close(); err != nil {
			log.Printf("Error closing pose store: %v", err)
		}
	}
}

// parseSeed parses "x,y,z". A missing z is 0.
func parseSeed(s string) (r3.Vector, error) {
	parts := strings.Split(s, ",")
	if len(parts) < 2 || len(parts) > 3 {
		return r3.Vector{}, fmt.Errorf("invalid seed %q (expected x,y[,z])", s)
	}
	vals := make([]float64, 3)
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return r3.Vector{}, fmt.Errorf("invalid seed %q: %w", s, err)
		}
		vals[i] = v
	}
	return r3.Vector{X: vals[0], Y: vals[1], Z: vals[2]}, nil
}

// replayFiles lists the PCD scans in dir in lexical order.
func replayFiles(dir string) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*.pcd"))
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

// replay localizes every scan in a.ReplayDir and returns the number of poses
// produced. Scans that fail are logged and skipped.
func (a *App) replay(ctx context.Context) (int, error) {
	if a.Seed == "" {
		return 0, errors.New("-replay needs -seed x,y,z")
	}
	seed, err := parseSeed(a.Seed)
	if err != nil {
		return 0, err
	}
	if err := a.setupInputs(ctx); err != nil {
		return 0, err
	}
	if a.Inputs.Map() == nil {
		return 0, errors.New("-replay needs a map (-map or map.path/map.url)")
	}
	if err := a.setupTracker(); err != nil {
		return 0, err
	}
	a.Inputs.SetSeed(localize.SeedFix{Stamp: time.Now(), FrameID: a.Config.Frames.Map, Point: seed})

	files, err := replayFiles(a.ReplayDir)
	if err != nil {
		return 0, err
	}
	if len(files) == 0 {
		return 0, fmt.Errorf("no *.pcd files in %s", a.ReplayDir)
	}
	fmt.Printf("Replaying %d scan(s) from %s\n", len(files), a.ReplayDir)

	processed := 0
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return processed, err
		}
		cloud, err := localize.LoadPCDFile(file)
		if err != nil {
			log.Printf("Warning: skipping %s: %v", file, err)
			continue
		}
		stamp := time.Now()
		if info, err := os.Stat(file); err == nil {
			stamp = info.ModTime()
		}
		rec, err := a.Tracker.Process(ctx, localize.Scan{Stamp: stamp, FrameID: a.Config.Frames.Sensor, Cloud: cloud})
		if err != nil {
			log.Printf("Warning: %s: %v", filepath.Base(file), err)
			continue
		}
		processed++
		fmt.Printf("  %4d %-30s (%.3f, %.3f, %.3f) yaw=%.3f fitness=%.5f\n",
			rec.Seq, filepath.Base(file), rec.Position.X, rec.Position.Y, rec.Position.Z, rec.Yaw, rec.Fitness)
	}
	return processed, nil
}

// RunReplay localizes a directory of PCD scans and writes the result log.
func (a *App) RunReplay() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer a.Close()

	n, err := a.replay(ctx)
	if err != nil {
		log.Fatalf("Replay failed: %v", err)
	}
	fmt.Printf("\n%d pose(s) written to %s\n", n, a.Config.Result.CSVPath)
	if a.Trajectory != nil {
		fmt.Printf("Trajectory length: %.2f m\n", a.Trajectory.Length())
	}
}

// renderMap renders the downsampled map to a.RenderOutput.
func (a *App) renderMap(ctx context.Context) error {
	if err := a.setupInputs(ctx); err != nil {
		return err
	}
	pm := a.Inputs.Map()
	if pm == nil {
		return errors.New("-render-map needs a map (-map or map.path/map.url)")
	}

	f, err := os.Create(a.RenderOutput)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	switch a.RenderFormat {
	case "", "raster":
		err = localize.NewMapRenderer(pm.Cloud()).EncodePNG(f)
	case "vector":
		r := localize.NewVectorRenderer(pm.Cloud())
		if strings.EqualFold(filepath.Ext(a.RenderOutput), ".svg") {
			err = r.RenderToSVG(f)
		} else {
			err = r.RenderToPNG(f)
		}
	default:
		err = fmt.Errorf("unknown render format %q (raster or vector)", a.RenderFormat)
	}
	if err != nil {
		return err
	}
	return f.Close()
}

// RunRenderMap renders the map and exits.
func (a *App) RunRenderMap() {
	if err := a.renderMap(context.Background()); err != nil {
		log.Fatalf("Render failed: %v", err)
	}
	fmt.Printf("Map written to %s\n", a.RenderOutput)
}

// RunService runs the MQTT and/or HTTP service until interrupted.
func (a *App) RunService() {
	fmt.Println("Starting scanloc service...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := a.setupInputs(ctx); err != nil {
		log.Fatalf("Failed to load inputs: %v", err)
	}
	if a.MqttMode {
		if err := a.Config.ValidateMQTT(); err != nil && os.Getenv("MQTT_BROKER") == "" {
			log.Fatalf("Invalid MQTT config: %v", err)
		}
	}
	if err := a.setupTracker(); err != nil {
		log.Fatalf("Failed to start tracker: %v", err)
	}

	workerDone := make(chan error, 1)
	go func() { workerDone <- a.Queue.Run(ctx, a.Tracker) }()

	if a.MqttMode {
		mqttClient, err := localize.InitMQTT(a.Config, a.inputHandlers())
		if err != nil {
			log.Fatalf("Failed to initialize MQTT: %v", err)
		}
		if mqttClient == nil {
			log.Fatal("MQTT broker not configured in config.yaml")
		}
		a.MQTTClient = mqttClient

		publisher := localize.NewPublisher(mqttClient.GetClient(), a.Config.MQTT.PublishPrefix, a.Config.Frames)
		a.setPublisher(publisher)
		a.Tracker.AddSink(publisher)
		fmt.Println("MQTT pose publisher initialized")
	}

	var httpServer *http.Server
	if a.HttpMode {
		httpServer = &http.Server{
			Addr:              fmt.Sprintf("0.0.0.0:%d", a.HttpPort),
			Handler:           newHTTPServer(a.Tracker, a.Trajectory, a.Config),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Printf("[HTTP] Starting server on %s", httpServer.Addr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Fatalf("[HTTP] Server error: %v", err)
			}
		}()
	}

	fmt.Println("\nService Running")
	fmt.Println("===============")

	if a.MqttMode {
		fmt.Println("\nMQTT:")
		fmt.Println("  Subscribed topics:")
		fmt.Printf("    - %s (map)\n", a.Config.Topics.Map)
		fmt.Printf("    - %s (scan)\n", a.Config.Topics.Scan)
		fmt.Printf("    - %s (seed)\n", a.Config.Topics.Seed)
		fmt.Println("  Publishing to:")
		for _, suffix := range []string{"pose", "tf", "transformed_points"} {
			fmt.Printf("    - %s\n", a.Publisher.Topic(suffix))
		}
	}

	if a.HttpMode {
		fmt.Printf("\nHTTP endpoints (port %d):\n", a.HttpPort)
		fmt.Println("  GET /health              - Health check and tracker state")
		fmt.Println("  GET /pose                - Latest pose record")
		fmt.Println("  GET /trajectory.geojson  - Trajectory as GeoJSON")
		fmt.Println("  GET /trajectory.svg      - Vector map with trajectory")
		fmt.Println("  GET /trajectory.png      - Rasterized vector map with trajectory")
		fmt.Println("  GET /map.png             - Top-down map with trajectory")
		fmt.Println("  GET /map.pcd             - Downsampled map as ASCII PCD")
	}

	fmt.Println("\nPress Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
	case err := <-workerDone:
		log.Printf("Scan worker stopped: %v", err)
	}

	fmt.Println("\nShutting down service...")
	cancel()
	if httpServer != nil {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("[HTTP] Shutdown error: %v", err)
		}
		done()
	}
	a.Close()
	fmt.Printf("Service stopped after %d scan(s), %d dropped\n", a.Queue.Handled(), a.Queue.Dropped())
}
