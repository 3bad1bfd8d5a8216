package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gosuda/roomchat/room"
	"github.com/gosuda/roomchat/upload"
)

const (
	keyServerURL    = "server-url"
	keyRoom         = "room"
	keyName         = "name"
	keyUploadURL    = "upload-url"
	keyUploadPreset = "upload-preset"
	keyLogLevel     = "log-level"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "roomchat",
	Short: "Terminal client for roomchat rooms",
	RunE:  runChat,
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.roomchat.yaml)")
	flags.String(keyServerURL, "ws://127.0.0.1:8080/ws", "room relay websocket URL")
	flags.String(keyRoom, "lobby", "room to join")
	flags.String(keyName, "", "display name (default: $USER)")
	flags.String(keyUploadURL, "", "media upload endpoint (attachments disabled when empty)")
	flags.String(keyUploadPreset, "", "upload preset sent with every file")
	flags.String(keyLogLevel, "warn", "log level (debug, info, warn, error)")

	for _, key := range []string{keyServerURL, keyRoom, keyName, keyUploadURL, keyUploadPreset, keyLogLevel} {
		_ = viper.BindPFlag(key, flags.Lookup(key))
	}
	viper.SetDefault(keyName, os.Getenv("USER"))
}

// initConfig reads the optional config file and ROOMCHAT_* environment
// variables.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else if home, err := os.UserHomeDir(); err == nil {
		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".roomchat")
	}
	viper.SetEnvPrefix("ROOMCHAT")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			log.Warn().Err(err).Msg("[roomchat] read config")
		}
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupLogger(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.WarnLevel
	}
	zerolog.SetGlobalLevel(lvl)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
}

func runChat(cmd *cobra.Command, args []string) error {
	setupLogger(viper.GetString(keyLogLevel))

	roomID, name := viper.GetString(keyRoom), viper.GetString(keyName)
	if strings.TrimSpace(name) == "" {
		return errors.New("a display name is required: pass --name")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	session := room.NewSession(room.Config{ServerURL: viper.GetString(keyServerURL)})
	var uploads *upload.Manager
	if endpoint := viper.GetString(keyUploadURL); endpoint != "" {
		uploads = upload.NewManager(upload.Config{
			Endpoint: endpoint,
			Preset:   viper.GetString(keyUploadPreset),
		})
	}

	if err := session.Join(ctx, roomID, name); err != nil {
		return fmt.Errorf("join %s: %w", roomID, err)
	}
	defer session.Leave()
	log.Info().Str("room", roomID).Str("user", name).Msg("[roomchat] joining")

	r := newREPL(session, uploads, os.Stdout)
	return r.run(ctx, os.Stdin)
}
