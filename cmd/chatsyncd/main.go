// chatsyncd runs the conversation sync engine as a local daemon: it owns
// the message log under the data dir and serves the HTTP gateway.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/mlago/chatsync/internal/config"
	"github.com/mlago/chatsync/internal/daemon"
	"go.uber.org/fx"
)

func main() {
	_ = godotenv.Load()

	configFlag := flag.String("config", "", "path to config.toml (default: <data-dir>/config.toml)")
	dataDirFlag := flag.String("data-dir", "", "data directory override")
	addrFlag := flag.String("addr", "", "gateway listen address override")
	selfFlag := flag.String("self", "", "local user id override")
	flag.Parse()

	cfg, err := resolveConfig(*configFlag, *dataDirFlag, *addrFlag, *selfFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{Config: cfg}),
	)

	app.Run()
}

// resolveConfig layers settings: file, then environment, then flags. The
// local user id is generated on first run and persisted so restarts keep
// the same identity.
func resolveConfig(configPath, dataDir, addr, selfID string) (*config.Config, error) {
	if dataDir == "" {
		dataDir = os.Getenv("CHATSYNC_DATA_DIR")
	}
	if dataDir == "" {
		dataDir = config.Default().Engine.DataDir
	}

	explicit := configPath != ""
	if configPath == "" {
		configPath = filepath.Join(dataDir, "config.toml")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		if explicit || !os.IsNotExist(err) {
			return nil, fmt.Errorf("load config %s: %w", configPath, err)
		}
		cfg = config.Default()
	}
	cfg.Engine.DataDir = dataDir

	if v := os.Getenv("CHATSYNC_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("CHATSYNC_SELF_ID"); v != "" {
		cfg.Engine.SelfID = v
	}
	if addr != "" {
		cfg.Server.Addr = addr
	}
	if selfID != "" {
		cfg.Engine.SelfID = selfID
	}

	if cfg.Engine.SelfID == "" {
		cfg.Engine.SelfID = uuid.NewString()
		if err := config.Save(configPath, cfg); err != nil {
			return nil, fmt.Errorf("persist generated identity: %w", err)
		}
	}
	return cfg, nil
}
