package config

import (
	"fmt"

	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Structs

// Config holds all information parsed from
// supplied config file.
type Config struct {
	PrometheusAddr string
	Maildir        Maildir
	Auth           Auth
}

// Maildir is the message store related part
// of the TOML config file.
type Maildir struct {
	Root            string
	CreateMode      uint32
	LockTimeoutSec  int
	UIDListFileName string
}

// Auth describes how to reach the pool of external
// authentication worker processes over local sockets.
type Auth struct {
	SocketDir          string
	ClientPID          uint32
	ReconnectEverySec  int
	MaxInflightPerConn int
}

// Functions

// LoadConfig takes in the path to the main config
// file of plume in TOML syntax and places the values
// from the file in the corresponding struct.
func LoadConfig(configFile string) (*Config, error) {

	conf := new(Config)

	// Parse values from TOML file into struct.
	_, err := toml.DecodeFile(configFile, conf)
	if err != nil {
		return nil, fmt.Errorf("failed to read in TOML config file at '%s' with: %v", configFile, err)
	}

	// Maildir.Root
	if filepath.IsAbs(conf.Maildir.Root) != true {

		conf.Maildir.Root, err = filepath.Abs(conf.Maildir.Root)
		if err != nil {
			return nil, fmt.Errorf("could not get absolute path of maildir root: %v", err)
		}
	}

	// Auth.SocketDir
	if filepath.IsAbs(conf.Auth.SocketDir) != true {

		conf.Auth.SocketDir, err = filepath.Abs(conf.Auth.SocketDir)
		if err != nil {
			return nil, fmt.Errorf("could not get absolute path of auth socket directory: %v", err)
		}
	}

	// Fill in defaults for values the file left unset.

	if conf.Maildir.CreateMode == 0 {
		conf.Maildir.CreateMode = 0600
	}

	if conf.Maildir.LockTimeoutSec == 0 {
		conf.Maildir.LockTimeoutSec = 120
	}

	if conf.Maildir.UIDListFileName == "" {
		conf.Maildir.UIDListFileName = "plume-uidlist"
	}

	if conf.Auth.ReconnectEverySec == 0 {
		conf.Auth.ReconnectEverySec = 1
	}

	if conf.Auth.MaxInflightPerConn == 0 {
		conf.Auth.MaxInflightPerConn = 64
	}

	return conf, nil
}
