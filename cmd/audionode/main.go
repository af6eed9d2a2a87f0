package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/nupi-ai/audionode/internal/config"
	"github.com/nupi-ai/audionode/internal/daemon"
	"github.com/nupi-ai/audionode/internal/version"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	v := viper.New()
	var configFile string

	rootCmd := &cobra.Command{
		Use:           "audionode",
		Short:         "Audio playback node for voice-chat bots",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runNode(v, configFile)
		},
	}
	rootCmd.Version = version.String()
	rootCmd.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configFile, "config", "c", "", "config file (default: ./audionode.yaml or ~/.audionode/audionode.yaml)")
	flags.String("address", "", "client-facing listen address (host:port)")
	flags.String("home", "", "node home directory (default ~/.audionode)")
	if err := config.BindFlags(v, flags.Lookup("address"), flags.Lookup("home")); err != nil {
		panic(err)
	}

	rootCmd.AddCommand(newVersionCommand(), newStopCommand(v, &configFile))
	return rootCmd
}

func runNode(v *viper.Viper, configFile string) error {
	cfg, err := config.Load(v, configFile)
	if err != nil {
		return err
	}
	paths := cfg.Paths()

	if err := setupLogging(paths); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialise logging: %v\n", err)
	}
	if cfg.File != "" {
		log.Printf("Config file: %s", cfg.File)
	}

	if daemon.IsRunning(paths) {
		return fmt.Errorf("node is already running")
	}

	d, err := daemon.New(daemon.Options{Config: cfg})
	if err != nil {
		return fmt.Errorf("failed to create node: %w", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	errChan := make(chan error, 1)
	go func() { errChan <- d.Start() }()

	log.Printf("audionode %s started (PID: %d)", version.FormatVersion(version.String()), os.Getpid())

	select {
	case sig := <-sigChan:
		log.Printf("Received signal %s, shutting down...", sig)
		d.Shutdown()
		if err := <-errChan; err != nil {
			log.Printf("Node stopped with error: %v", err)
			return err
		}
	case err := <-errChan:
		if err != nil {
			log.Printf("Node error: %v", err)
			return err
		}
	}

	log.Println("Node stopped")
	return nil
}

func setupLogging(paths config.Paths) error {
	if err := config.EnsureDirs(paths); err != nil {
		return fmt.Errorf("initialise home directories: %w", err)
	}

	logFile, err := os.OpenFile(paths.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}

	log.SetOutput(io.MultiWriter(os.Stdout, logFile))
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	log.Printf("=== audionode starting (PID: %d) ===", os.Getpid())
	log.Printf("Log file: %s", paths.LogFile)
	return nil
}
