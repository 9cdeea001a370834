package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/velchev/marky/common/environment"
	"github.com/velchev/marky/common/version"
	"github.com/velchev/marky/internal/marky/app"
	"github.com/velchev/marky/internal/marky/settings"
)

func main() {
	fmt.Printf("marky\n")
	fmt.Printf("Version: %s\n", version.Version)
	fmt.Printf("Commit: %s\n", version.GitCommit)
	fmt.Printf("Build Time: %s\n", version.BuildTime)
	fmt.Println()

	config, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	// Validate required configuration
	if config.Matrix.Homeserver == "" {
		fmt.Fprintf(os.Stderr, "Error: MATRIX_HOMESERVER is required\n")
		os.Exit(1)
	}
	if config.Matrix.UserID == "" {
		fmt.Fprintf(os.Stderr, "Error: MATRIX_USER_ID is required\n")
		os.Exit(1)
	}
	if config.Matrix.AccessToken == "" {
		fmt.Fprintf(os.Stderr, "Error: MATRIX_ACCESS_TOKEN is required\n")
		os.Exit(1)
	}

	marky, err := app.New(config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize marky: %v\n", err)
		os.Exit(1)
	}
	defer marky.Stop()

	if err := marky.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error running marky: %v\n", err)
		os.Exit(1)
	}
}

// fileConfig mirrors app.Config for the optional YAML config file named by
// MARKY_CONFIG. Environment variables override file values.
type fileConfig struct {
	DatabasePath string `yaml:"database_path"`
	HTTPAddr     string `yaml:"http_addr"`
	Matrix       struct {
		Homeserver  string   `yaml:"homeserver"`
		UserID      string   `yaml:"user_id"`
		AccessToken string   `yaml:"access_token"`
		Rooms       []string `yaml:"rooms"`
	} `yaml:"matrix"`
	Defaults struct {
		Order             int     `yaml:"order"`
		RandomReplyChance float64 `yaml:"random_reply_chance"`
		SeedWordChance    float64 `yaml:"seed_word_chance"`
		NudgeAfter        string  `yaml:"nudge_after"`
	} `yaml:"defaults"`
	MentionKeywords []string `yaml:"mention_keywords"`
	NudgeInterval   string   `yaml:"nudge_interval"`
}

// loadConfig builds the app configuration: built-in defaults, then the
// optional YAML file, then environment variables on top.
func loadConfig() (*app.Config, error) {
	cfg := &app.Config{
		DatabasePath: "./marky.db",
		Defaults:     settings.DefaultDefaults(),
	}

	if path := os.Getenv("MARKY_CONFIG"); path != "" {
		if err := applyFile(cfg, path); err != nil {
			return nil, err
		}
	}

	cfg.DatabasePath = environment.StringOr("DATABASE_PATH", cfg.DatabasePath)
	cfg.HTTPAddr = environment.StringOr("HTTP_ADDR", cfg.HTTPAddr)
	cfg.Matrix.Homeserver = environment.StringOr("MATRIX_HOMESERVER", cfg.Matrix.Homeserver)
	cfg.Matrix.UserID = environment.StringOr("MATRIX_USER_ID", cfg.Matrix.UserID)
	cfg.Matrix.AccessToken = environment.StringOr("MATRIX_ACCESS_TOKEN", cfg.Matrix.AccessToken)
	cfg.Matrix.LearningRooms = environment.StringSliceOr("MARKY_ROOMS", cfg.Matrix.LearningRooms)
	cfg.MentionKeywords = environment.StringSliceOr("MARKY_KEYWORDS", cfg.MentionKeywords)
	cfg.NudgeInterval = environment.DurationOr("MARKY_NUDGE_INTERVAL", cfg.NudgeInterval)

	cfg.Defaults.ChainOrder = environment.IntOr("MARKY_ORDER", cfg.Defaults.ChainOrder)
	cfg.Defaults.RandomReplyChance = environment.FloatOr("MARKY_RANDOM_REPLY_CHANCE", cfg.Defaults.RandomReplyChance)
	cfg.Defaults.SeedWordChance = environment.FloatOr("MARKY_SEED_WORD_CHANCE", cfg.Defaults.SeedWordChance)
	cfg.Defaults.NudgeAfter = environment.DurationOr("MARKY_NUDGE_AFTER", cfg.Defaults.NudgeAfter)

	return cfg, nil
}

// applyFile overlays the YAML file at path onto cfg. Absent file keys leave
// the existing values untouched.
func applyFile(cfg *app.Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if fc.DatabasePath != "" {
		cfg.DatabasePath = fc.DatabasePath
	}
	if fc.HTTPAddr != "" {
		cfg.HTTPAddr = fc.HTTPAddr
	}
	if fc.Matrix.Homeserver != "" {
		cfg.Matrix.Homeserver = fc.Matrix.Homeserver
	}
	if fc.Matrix.UserID != "" {
		cfg.Matrix.UserID = fc.Matrix.UserID
	}
	if fc.Matrix.AccessToken != "" {
		cfg.Matrix.AccessToken = fc.Matrix.AccessToken
	}
	if len(fc.Matrix.Rooms) > 0 {
		cfg.Matrix.LearningRooms = fc.Matrix.Rooms
	}
	if len(fc.MentionKeywords) > 0 {
		cfg.MentionKeywords = fc.MentionKeywords
	}
	if fc.Defaults.Order != 0 {
		cfg.Defaults.ChainOrder = fc.Defaults.Order
	}
	if fc.Defaults.RandomReplyChance != 0 {
		cfg.Defaults.RandomReplyChance = fc.Defaults.RandomReplyChance
	}
	if fc.Defaults.SeedWordChance != 0 {
		cfg.Defaults.SeedWordChance = fc.Defaults.SeedWordChance
	}
	if fc.Defaults.NudgeAfter != "" {
		d, err := time.ParseDuration(fc.Defaults.NudgeAfter)
		if err != nil {
			return fmt.Errorf("invalid defaults.nudge_after %q: %w", fc.Defaults.NudgeAfter, err)
		}
		cfg.Defaults.NudgeAfter = d
	}
	if fc.NudgeInterval != "" {
		d, err := time.ParseDuration(fc.NudgeInterval)
		if err != nil {
			return fmt.Errorf("invalid nudge_interval %q: %w", fc.NudgeInterval, err)
		}
		cfg.NudgeInterval = d
	}
	return nil
}
