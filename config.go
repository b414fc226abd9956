// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/vbridge/usbip-bridge/mockplugin"
)

// initConfig defines config flags, config file, and envs, grounded on
// the same pflag/viper wiring as the original usbip-device-plugin.
func initConfig() error {
	cfgFile := flag.String("config", "", "Path to the config file.")
	flag.Uint32("vid", 0, "USB vendor ID of the device to bridge (live backing).")
	flag.Uint32("pid", 0, "USB product ID of the device to bridge (live backing).")
	flag.String("mock-plugin", "", "Name of a statically-linked mock plugin to bridge instead of a live device.")
	flag.String("descriptor-file", "", "Path to the descriptor tree file (required; written by the companion descriptor-dump tool).")
	flag.String("vhci-sysfs-root", "/sys", "Root of the sysfs tree the local VHCI driver is mounted under.")
	flag.String("speed", "high", fmt.Sprintf("USB speed class to attach at. Possible values: %s", availableSpeeds))
	flag.String("log-level", logLevelInfo, fmt.Sprintf("Log level to use. Possible values: %s", availableLogLevels))
	flag.String("listen", ":8080", "The address at which to listen for health and metrics.")

	flag.Parse()
	if err := viper.BindPFlags(flag.CommandLine); err != nil {
		return fmt.Errorf("failed to bind config: %w", err)
	}

	if *cfgFile != "" {
		viper.SetConfigFile(*cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath("/etc/usbip-bridge/")
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found; ignore error
		} else {
			// Config file was found but another error was produced
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}

	return nil
}

// getMockPluginConfig decodes the optional "mock-plugin-config" block
// into a mockplugin.LoopbackConfig, the same decode-one-structured-block
// pattern the original uses for its per-resource device groups.
func getMockPluginConfig() (mockplugin.LoopbackConfig, error) {
	var cfg mockplugin.LoopbackConfig
	raw := viper.Get("mock-plugin-config")
	if raw == nil {
		return cfg, nil
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{Result: &cfg})
	if err != nil {
		return cfg, err
	}
	if err := decoder.Decode(raw); err != nil {
		return cfg, fmt.Errorf("failed to decode mock-plugin-config: %w", err)
	}
	return cfg, nil
}
