package cmd

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/nandsync/nandsync/util"
)

// ConfigInput carries configuration changes from flags and env vars. Empty
// fields leave the stored value untouched.
type ConfigInput struct {
	ConfigPath string
	NUSURL     string
	NANDDir    string
	Region     string
}

// Config holds the engine settings persisted between runs.
type Config struct {
	// NUSURL is the update service endpoint. Empty selects the production
	// endpoint.
	NUSURL string
	// NANDDir is the root of the NAND storage tree.
	NANDDir string
	// Region pins the update region. Empty derives it from the installed
	// system menu.
	Region string
	// EnableSignatureChecks makes the store verify record signatures on
	// import. Installs may still downgrade it for one confirmed attempt.
	EnableSignatureChecks bool
	// HardwareID is the 32-bit device id reported to the update service,
	// generated on first run.
	HardwareID uint32
}

// UpdateOrCreateConfig reads the existing config applying the input on top,
// or generates a new one
func UpdateOrCreateConfig(input ConfigInput) (*Config, error) {
	if !configFileIsExists(input.ConfigPath) {
		log.Infof("generating new config %s", input.ConfigPath)
		cfg, err := createNewConfig(input)
		if err != nil {
			return nil, err
		}
		err = WriteOutConfig(input.ConfigPath, cfg)
		return cfg, err
	}
	return updateConfig(input)
}

// WriteOutConfig writes the prepared config to the given path
func WriteOutConfig(path string, config *Config) error {
	return util.WriteJson(context.Background(), path, config)
}

// createNewConfig creates a new config with defaults and a fresh hardware id
func createNewConfig(input ConfigInput) (*Config, error) {
	hwID, err := newHardwareID()
	if err != nil {
		return nil, err
	}
	config := &Config{
		NANDDir:               defaultNANDDir,
		EnableSignatureChecks: true,
		HardwareID:            hwID,
	}
	if _, err := config.apply(input); err != nil {
		return nil, err
	}
	return config, nil
}

func updateConfig(input ConfigInput) (*Config, error) {
	config := &Config{}

	if _, err := util.ReadJson(input.ConfigPath, config); err != nil {
		return nil, err
	}

	updated, err := config.apply(input)
	if err != nil {
		return nil, err
	}

	if updated {
		if err := util.WriteJson(context.Background(), input.ConfigPath, config); err != nil {
			return nil, err
		}
	}

	return config, nil
}

func (config *Config) apply(input ConfigInput) (updated bool, err error) {
	if input.NUSURL != "" && input.NUSURL != config.NUSURL {
		log.Infof("new update service URL provided, updated to %s (old value %s)", input.NUSURL, config.NUSURL)
		config.NUSURL = input.NUSURL
		updated = true
	}
	if input.NANDDir != "" && input.NANDDir != config.NANDDir {
		log.Infof("new NAND directory provided, updated to %s (old value %s)", input.NANDDir, config.NANDDir)
		config.NANDDir = input.NANDDir
		updated = true
	}
	if input.Region != "" && input.Region != config.Region {
		if !validRegion(input.Region) {
			return false, fmt.Errorf("unknown region %q, expected JPN, USA, EUR or KOR", input.Region)
		}
		log.Infof("new region provided, updated to %s (old value %s)", input.Region, config.Region)
		config.Region = input.Region
		updated = true
	}
	if config.NANDDir == "" {
		config.NANDDir = defaultNANDDir
		updated = true
	}
	if config.HardwareID == 0 {
		if config.HardwareID, err = newHardwareID(); err != nil {
			return false, err
		}
		updated = true
	}
	return updated, nil
}

func validRegion(region string) bool {
	switch region {
	case "JPN", "USA", "EUR", "KOR":
		return true
	default:
		return false
	}
}

// newHardwareID draws a random 32-bit device id. The update service only
// wants a stable, well-formed id, not a provisioned one.
func newHardwareID() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("generate hardware id: %w", err)
	}
	id := binary.BigEndian.Uint32(b[:])
	if id == 0 {
		id = 1
	}
	return id, nil
}

func configFileIsExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
