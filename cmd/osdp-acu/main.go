package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"osdp-acu/internal/journal"
	"osdp-acu/internal/panel"
	"osdp-acu/internal/store"
	"osdp-acu/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

// DeviceConfig describes one PD on a bus.
type DeviceConfig struct {
	Address       uint8  `yaml:"address"`
	UseCRC        bool   `yaml:"use_crc"`
	SecureChannel bool   `yaml:"secure_channel"`
	Key           string `yaml:"key,omitempty"` // 32 hex chars
}

// BusConfig describes one serial or TCP bus.
type BusConfig struct {
	Name      string         `yaml:"name"`
	Transport string         `yaml:"transport"` // "serial" or "tcp"
	Port      string         `yaml:"port,omitempty"`
	Baud      int            `yaml:"baud,omitempty"`
	Addr      string         `yaml:"addr,omitempty"` // host:port for tcp
	Devices   []DeviceConfig `yaml:"devices"`
}

type Config struct {
	Buses []BusConfig `yaml:"buses"`
	Web   struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Store struct {
		Path       string `yaml:"path"`
		MaxEntries int    `yaml:"max_entries"`
	} `yaml:"store"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		TopicPrefix string `yaml:"topic_prefix"`
	} `yaml:"mqtt"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	ScriptsDir string `yaml:"scripts_dir"`
}

func (c *Config) validate() error {
	if len(c.Buses) == 0 {
		return fmt.Errorf("at least one bus is required")
	}
	for i, bus := range c.Buses {
		switch bus.Transport {
		case "serial", "":
			if bus.Port == "" {
				return fmt.Errorf("bus %d: port is required for serial transport", i)
			}
		case "tcp":
			if bus.Addr == "" {
				return fmt.Errorf("bus %d: addr is required for tcp transport", i)
			}
		default:
			return fmt.Errorf("bus %d: unknown transport %q (supported: serial, tcp)", i, bus.Transport)
		}
		for _, dev := range bus.Devices {
			if dev.Address > 0x7F {
				return fmt.Errorf("bus %d: device address 0x%02X out of range", i, dev.Address)
			}
			if dev.SecureChannel {
				if key, err := hex.DecodeString(dev.Key); err != nil || len(key) != 16 {
					return fmt.Errorf("bus %d device 0x%02X: secure_channel requires a 32-hex-char key", i, dev.Address)
				}
			}
		}
	}
	return nil
}

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}
	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("osdp-acu starting", "version", version)

	// Open the journal store.
	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	// Bring up the panel and its buses.
	p := panel.NewControlPanel(logger)
	defer p.Shutdown()

	for _, busCfg := range cfg.Buses {
		conn := createConnection(busCfg)
		id, err := p.StartConnection(conn)
		if err != nil {
			logger.Error("start bus", "name", busCfg.Name, "err", err)
			os.Exit(1)
		}
		logger.Info("bus started", "name", busCfg.Name, "conn", uint32(id))

		for _, devCfg := range busCfg.Devices {
			var key []byte
			if devCfg.SecureChannel {
				key, _ = hex.DecodeString(devCfg.Key)
			}
			if err := p.AddDevice(id, devCfg.Address, devCfg.UseCRC, devCfg.SecureChannel, key); err != nil {
				logger.Error("add device", "bus", busCfg.Name, "addr", devCfg.Address, "err", err)
				os.Exit(1)
			}
		}
	}

	// Journal recorder.
	rec := journal.NewRecorder(db, p.Events(), logger)
	rec.MaxEntries = cfg.Store.MaxEntries
	rec.Start()
	defer rec.Stop()

	// Automation engine (no-op when built with no_automation tag).
	auto := initAutomation(p, cfg, logger)

	// Web server.
	webServer := web.NewServer(p, db, logger,
		web.WithAPIKey(cfg.Web.APIKey),
		web.WithAllowedOrigins(cfg.Web.AllowedOrigins),
		web.WithVersion(version),
	)

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", "err", err)
		}
	}()

	// MQTT bridge (no-op when built with no_mqtt tag).
	mqttBridge := initMQTT(p, cfg, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	auto.Stop()
	mqttBridge.Stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()
	p.Shutdown()

	logger.Info("goodbye")
}

func createConnection(cfg BusConfig) panel.Connection {
	if cfg.Transport == "tcp" {
		return panel.NewTCPConnection(cfg.Addr)
	}
	return panel.NewSerialConnection(cfg.Port, cfg.Baud)
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "osdp-acu.db"
	}
	if cfg.Store.MaxEntries == 0 {
		cfg.Store.MaxEntries = 10000
	}
	for i := range cfg.Buses {
		if cfg.Buses[i].Baud == 0 {
			cfg.Buses[i].Baud = 9600
		}
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "osdp"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	if cfg.ScriptsDir == "" {
		cfg.ScriptsDir = "scripts"
	}
	return &cfg, nil
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
