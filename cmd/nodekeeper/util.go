package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/viper"

	"github.com/loykin/nodekeeper"
	"github.com/loykin/nodekeeper/internal/config"
	"github.com/loykin/nodekeeper/internal/logger"
)

// loadSettings builds Settings from defaults, the config file, NODEKEEPER_*
// env and any overrides the caller sets on the viper instance.
func loadSettings(g *GlobalFlags, override func(v *viper.Viper)) (nodekeeper.Settings, error) {
	home := g.Home
	if home == "" {
		h, err := os.UserHomeDir()
		if err != nil {
			return nodekeeper.Settings{}, fmt.Errorf("cannot determine home directory: %w", err)
		}
		home = h
	}
	v := config.NewViper(home)
	if g.LogLevel != "" {
		v.Set("log.level", g.LogLevel)
	}
	if override != nil {
		override(v)
	}
	return config.Load(v, g.ConfigPath)
}

func newLogger(s nodekeeper.Settings, console io.Writer) (*slog.Logger, io.Closer, error) {
	return logger.New(logger.Config{
		Level:      s.Log.Level,
		File:       s.Log.SupervisorFile,
		MaxSizeMB:  s.Log.MaxSizeMB,
		MaxBackups: s.Log.MaxBackups,
		MaxAgeDays: s.Log.MaxAgeDays,
		Compress:   s.Log.Compress,
	}, console)
}

func printJSON(w io.Writer, v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	_, _ = fmt.Fprintln(w, string(b))
}
