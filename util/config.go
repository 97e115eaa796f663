package util

import (
	_ "embed"
	"fmt"
	"gopkg.in/yaml.v3"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/fedipress/fedipress/domain"
)

const Name = "fedipress"
const ConfigFileName = "config.yaml"

//go:embed config_default.yaml
var embeddedConfig []byte

type AppConfig struct {
	Conf struct {
		Host                        string
		HttpPort                    int    `yaml:"httpPort"`
		SslDomain                   string `yaml:"sslDomain"`
		WithAp                      bool   `yaml:"withAp"`
		ManualApproval              bool   `yaml:"manualApproval"`
		DisableReactions            bool   `yaml:"disableReactions"`
		DisableIncomingInteractions bool   `yaml:"disableIncomingInteractions"`
		AllowUnsignedDelete         bool   `yaml:"allowUnsignedDelete"`
		RequirePublicAudience       bool   `yaml:"requirePublicAudience"`
		SharedInbox                 bool   `yaml:"sharedInbox"`
		DeliveryWorkers             int    `yaml:"deliveryWorkers"`
		MaxDeliveryAttempts         int    `yaml:"maxDeliveryAttempts"`
		DeliveryTimeoutSec          int    `yaml:"deliveryTimeoutSec"`
		FailureThreshold            int    `yaml:"failureThreshold"`
		MaxClockSkewHours           int    `yaml:"maxClockSkewHours"`
	}
}

// Policy builds the federation policy handed to the dispatcher, the
// outbox and the delivery engine. Zero config values fall back to the
// defaults so a partial config file stays usable.
func (c *AppConfig) Policy() domain.FederationPolicy {
	p := domain.DefaultPolicy()
	p.ManualApproval = c.Conf.ManualApproval
	p.DisableReactions = c.Conf.DisableReactions
	p.DisableIncomingInteractions = c.Conf.DisableIncomingInteractions
	p.AllowUnsignedDelete = c.Conf.AllowUnsignedDelete
	p.RequirePublicAudience = c.Conf.RequirePublicAudience
	p.SharedInbox = c.Conf.SharedInbox
	if c.Conf.DeliveryWorkers > 0 {
		p.DeliveryWorkers = c.Conf.DeliveryWorkers
	}
	if c.Conf.MaxDeliveryAttempts > 0 {
		p.MaxDeliveryAttempts = c.Conf.MaxDeliveryAttempts
	}
	if c.Conf.DeliveryTimeoutSec > 0 {
		p.DeliveryTimeout = time.Duration(c.Conf.DeliveryTimeoutSec) * time.Second
	}
	if c.Conf.FailureThreshold > 0 {
		p.FailureThreshold = c.Conf.FailureThreshold
	}
	if c.Conf.MaxClockSkewHours > 0 {
		p.MaxClockSkew = time.Duration(c.Conf.MaxClockSkewHours) * time.Hour
	}
	return p
}

func ReadConf() (*AppConfig, error) {

	c := &AppConfig{}

	// Try to resolve config file path (local first, then user dir)
	configPath := ResolveFilePath(ConfigFileName)

	var buf []byte
	var err error

	buf, err = os.ReadFile(configPath)
	if err != nil {
		// If file doesn't exist, use embedded config and create user config file
		log.Printf("Config file not found at %s, using embedded defaults", configPath)
		buf = embeddedConfig

		configDir, dirErr := GetConfigDir()
		if dirErr == nil {
			userConfigPath := configDir + "/" + ConfigFileName
			writeErr := os.WriteFile(userConfigPath, embeddedConfig, 0644)
			if writeErr != nil {
				log.Printf("Warning: could not write default config to %s: %v", userConfigPath, writeErr)
			} else {
				log.Printf("Created default config file at %s", userConfigPath)
			}
		}
	}

	err = yaml.Unmarshal(buf, c)
	if err != nil {
		return nil, fmt.Errorf("in config file: %w", err)
	}

	applyEnvOverrides(c)

	return c, nil
}

func applyEnvOverrides(c *AppConfig) {
	if v := os.Getenv("FEDIPRESS_HOST"); v != "" {
		c.Conf.Host = v
	}
	if v := os.Getenv("FEDIPRESS_HTTPPORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			fmt.Println(err)
		} else {
			c.Conf.HttpPort = port
		}
	}
	if v := os.Getenv("FEDIPRESS_SSLDOMAIN"); v != "" {
		c.Conf.SslDomain = v
	}
	if v := os.Getenv("FEDIPRESS_WITH_AP"); v == "true" {
		c.Conf.WithAp = true
	}
	if v := os.Getenv("FEDIPRESS_MANUAL_APPROVAL"); v == "true" {
		c.Conf.ManualApproval = true
	}
	if v := os.Getenv("FEDIPRESS_DISABLE_REACTIONS"); v == "true" {
		c.Conf.DisableReactions = true
	}
	if v := os.Getenv("FEDIPRESS_DISABLE_INCOMING"); v == "true" {
		c.Conf.DisableIncomingInteractions = true
	}
	if v := os.Getenv("FEDIPRESS_ALLOW_UNSIGNED_DELETE"); v == "true" {
		c.Conf.AllowUnsignedDelete = true
	}
	if v := os.Getenv("FEDIPRESS_SHARED_INBOX"); v == "false" {
		c.Conf.SharedInbox = false
	}
	if v := os.Getenv("FEDIPRESS_DELIVERY_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			fmt.Println(err)
		} else {
			c.Conf.DeliveryWorkers = n
		}
	}
}
