// Command agentprotod runs the protocol-service instance: handshake and
// session crypto, the per-connection state machine, the capability
// router, extended-API fan-out, and the control channel. The CLI follows
// cmd/synnergy/main.go's shape (a cobra root with subcommands) instead of
// walletserver's bare main, since this process has more than one thing an
// operator needs to ask of it (serve, inspect config, print version).
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"agentproto/internal/adminhttp"
	"agentproto/internal/config"
	"agentproto/internal/instance"
)

// errConfig tags an error as originating from configuration loading, for
// classifyError to map onto ExitConfigError.
var errConfig = errors.New("config error")

// Exit codes, named per SPEC_FULL.md §7.
const (
	ExitOK                 = 0
	ExitIPCInit            = 1
	ExitChildSocketNoblock = 2
	ExitDataServiceLost    = 3
	ExitControlChannelLost = 4
	ExitConfigError        = 5
)

var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	var cfgPath string
	var seedPath string

	log := logrus.New()

	root := &cobra.Command{
		Use:   "agentprotod",
		Short: "permissioned agent protocol service",
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "path to a YAML config file")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "boot the instance and serve connections until signaled",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), log, cfgPath, seedPath)
		},
	}
	serveCmd.Flags().StringVar(&seedPath, "entity-seed", "", "optional bootstrap entity seed file (overrides config)")
	root.AddCommand(serveCmd)

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "print the build version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "config",
		Short: "print the resolved configuration as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	root.SetContext(ctx)

	exitCode := ExitOK
	if err := root.Execute(); err != nil {
		log.WithError(err).Error("agentprotod failed")
		exitCode = classifyError(err)
	}
	return exitCode
}

func serve(ctx context.Context, log *logrus.Logger, cfgPath, seedOverride string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("%w: %v", errConfig, err)
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}

	in := instance.New(log)

	seedPath := cfg.EntitySeedFile
	if seedOverride != "" {
		seedPath = seedOverride
	}
	if seedPath != "" {
		n, err := config.LoadEntitySeed(seedPath, in.Entities)
		if err != nil {
			return fmt.Errorf("%w: %v", errConfig, err)
		}
		log.WithField("count", n).Info("installed bootstrap entities")
	}

	adminRouter := adminhttp.NewRouter(in, log)
	adminSrv := &http.Server{Addr: cfg.AdminAddr, Handler: adminRouter}
	go func() {
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Warn("admin http server stopped")
		}
	}()
	defer adminSrv.Close()

	err = in.Start(ctx, instance.Config{
		AcceptAddr:        cfg.AcceptAddr,
		ControlAddr:       cfg.ControlAddr,
		DataServiceAddr:   cfg.DataServiceAddr,
		NotifyServiceAddr: cfg.NotifyServiceAddr,
		MetricsAddr:       cfg.MetricsAddr,
		Logger:            log,
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// classifyError maps a returned error onto one of SPEC_FULL.md §7's exit
// code classes. Anything unrecognized is a generic IPC/init failure,
// since almost every startup error in this process originates from
// dialing or listening on one of its four endpoints.
func classifyError(err error) int {
	switch {
	case errors.Is(err, errConfig):
		return ExitConfigError
	case strings.Contains(err.Error(), "data service"):
		return ExitDataServiceLost
	case strings.Contains(err.Error(), "control"):
		return ExitControlChannelLost
	default:
		return ExitIPCInit
	}
}
