package main

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gosuda.org/portal/portal/core/cryptoops"
	"gosuda.org/portal/sdk"

	"github.com/gosuda/roomchat/relay"
)

const (
	keyPort        = "port"
	keyDataPath    = "data-path"
	keyMediaDir    = "media-dir"
	keyPublicURL   = "public-url"
	keyPreset      = "upload-preset"
	keyBacklog     = "backlog"
	keyServerURL   = "server-url"
	keyName        = "name"
	keyDescription = "description"
	keyOwner       = "owner"
	keyTags        = "tags"
	keyHide        = "hide"
	keyCredKey     = "cred-key"
	keyLogLevel    = "log-level"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "roomrelay",
	Short: "Room chat relay with media hosting",
	RunE:  runRelay,
}

func defaultRelayList() []string {
	for _, key := range []string{"PORTAL_RELAY", "RELAY", "RELAY_URL"} {
		if val := os.Getenv(key); val != "" {
			return strings.Split(val, ",")
		}
	}
	return nil
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "optional YAML config file")
	flags.Int(keyPort, 8080, "local HTTP port (negative to disable)")
	flags.String(keyDataPath, "", "optional directory to persist room history via PebbleDB")
	flags.String(keyMediaDir, "", "directory for uploaded media (uploads disabled when empty)")
	flags.String(keyPublicURL, "", "public base URL used in upload responses (default: request host)")
	flags.String(keyPreset, "", "upload preset clients must send (any when empty)")
	flags.Int(keyBacklog, 100, "messages replayed to a joining client")
	flags.StringSlice(keyServerURL, defaultRelayList(), "Portal relay base URL(s); repeat or comma-separated (from env PORTAL_RELAY/RELAY/RELAY_URL)")
	flags.String(keyName, "roomrelay", "Portal lease display name")
	flags.String(keyDescription, "Realtime room chat", "Portal lease description")
	flags.String(keyOwner, "roomchat", "Portal lease owner")
	flags.String(keyTags, "chat,websocket", "comma-separated Portal lease tags")
	flags.Bool(keyHide, false, "hide this lease from Portal listings")
	flags.String(keyCredKey, "", "optional credential key for the Portal listener (base64 private key)")
	flags.String(keyLogLevel, "info", "log level (debug, info, warn, error)")

	for _, key := range []string{
		keyPort, keyDataPath, keyMediaDir, keyPublicURL, keyPreset, keyBacklog,
		keyServerURL, keyName, keyDescription, keyOwner, keyTags, keyHide,
		keyCredKey, keyLogLevel,
	} {
		_ = viper.BindPFlag(key, flags.Lookup(key))
	}
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err != nil {
			log.Warn().Err(err).Str("file", cfgFile).Msg("[roomrelay] read config")
		}
	}
	viper.SetEnvPrefix("ROOMCHAT")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("execute relay command")
	}
}

func setupLogger(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
}

func runRelay(cmd *cobra.Command, args []string) error {
	setupLogger(viper.GetString(keyLogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := relay.New(relay.Config{
		Backlog:      viper.GetInt(keyBacklog),
		DataPath:     viper.GetString(keyDataPath),
		MediaDir:     viper.GetString(keyMediaDir),
		PublicURL:    viper.GetString(keyPublicURL),
		UploadPreset: viper.GetString(keyPreset),
	})
	if err != nil {
		return fmt.Errorf("start relay: %w", err)
	}
	handler := srv.Handler()
	errCh := make(chan error, 2)

	portalClose, err := startPortalBridge(handler, errCh)
	if err != nil {
		_ = srv.Close()
		return err
	}

	var httpSrv *http.Server
	if port := viper.GetInt(keyPort); port >= 0 {
		httpSrv = &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		log.Info().Msgf("[roomrelay] serving locally at http://127.0.0.1:%d", port)
		go func() {
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	} else if portalClose == nil {
		_ = srv.Close()
		return errors.New("nothing to serve: set --port or --server-url")
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	if httpSrv != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := httpSrv.Shutdown(sctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Warn().Err(err).Msg("[roomrelay] http shutdown")
		}
		cancel()
	}
	if portalClose != nil {
		portalClose()
	}
	if err := srv.Close(); err != nil {
		log.Warn().Err(err).Msg("[roomrelay] close relay")
	}
	log.Info().Msg("[roomrelay] shutdown complete")
	return runErr
}

func cleanServerURLs(raw []string) []string {
	var out []string
	for _, entry := range raw {
		for _, part := range strings.Split(entry, ",") {
			if u := strings.TrimSpace(part); u != "" {
				out = append(out, u)
			}
		}
	}
	return out
}

func portalTags() []string {
	var tags []string
	for _, t := range strings.Split(viper.GetString(keyTags), ",") {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}

// startPortalBridge exposes handler through the configured Portal relays. It
// returns a nil closer when no relay is configured.
func startPortalBridge(handler http.Handler, errCh chan<- error) (func(), error) {
	serverURLs := cleanServerURLs(viper.GetStringSlice(keyServerURL))
	if len(serverURLs) == 0 {
		return nil, nil
	}
	cred := sdk.NewCredential()
	if key := viper.GetString(keyCredKey); key != "" {
		raw, err := base64.StdEncoding.DecodeString(key)
		if err != nil {
			return nil, fmt.Errorf("decode cred key: %w", err)
		}
		cred, err = cryptoops.NewCredentialFromPrivateKey(raw)
		if err != nil {
			return nil, fmt.Errorf("credential from key: %w", err)
		}
	}
	client, err := sdk.NewClient(func(c *sdk.RDClientConfig) {
		c.BootstrapServers = serverURLs
	})
	if err != nil {
		return nil, fmt.Errorf("portal client: %w", err)
	}
	name := viper.GetString(keyName)
	ln, err := client.Listen(cred, name, []string{"http/1.1"},
		sdk.WithDescription(viper.GetString(keyDescription)),
		sdk.WithHide(viper.GetBool(keyHide)),
		sdk.WithOwner(viper.GetString(keyOwner)),
		sdk.WithTags(portalTags()),
	)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("portal listen: %w", err)
	}
	log.Info().
		Str("name", name).
		Strs("servers", serverURLs).
		Msg("[roomrelay] serving through Portal relay")
	go func() {
		if err := http.Serve(ln, handler); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("portal http serve: %w", err)
		}
	}()
	return func() {
		_ = ln.Close()
		_ = client.Close()
	}, nil
}
