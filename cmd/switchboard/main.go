package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/strayhat/switchboard/internal/profile"
	"github.com/strayhat/switchboard/internal/version"
	"github.com/strayhat/switchboard/server"
	"github.com/strayhat/switchboard/store"
	"github.com/strayhat/switchboard/store/db"
	"github.com/strayhat/switchboard/store/db/memory"
)

var rootCmd = &cobra.Command{
	Use:          "switchboard",
	Short:        `A conversational request router. Routes user messages to registered handlers, collects required information turn by turn, and keeps every conversation recoverable.`,
	SilenceUsage: true,
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		// Only load .env for direct binary execution; a systemd service
		// gets its environment from the unit file.
		if !isRunningAsSystemdService() {
			_ = godotenv.Load()
		}
		return nil
	},
	RunE: func(_ *cobra.Command, _ []string) error {
		instanceProfile := &profile.Profile{
			Mode:         viper.GetString("mode"),
			Addr:         viper.GetString("addr"),
			Port:         viper.GetInt("port"),
			Data:         viper.GetString("data"),
			Driver:       viper.GetString("driver"),
			DSN:          viper.GetString("dsn"),
			HandlersFile: viper.GetString("handlers"),
			Version:      version.String(),
		}
		instanceProfile.FromEnv()
		if err := instanceProfile.Validate(); err != nil {
			slog.Error("invalid configuration", "error", err)
			return err
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		dbDriver, err := db.NewDBDriver(instanceProfile)
		if err == nil {
			err = dbDriver.Ping(ctx)
		}
		if err != nil {
			if instanceProfile.RequirePersistence {
				printDatabaseError(err, instanceProfile)
				slog.Error("storage unreachable and persistence is required", "error", err)
				return err
			}
			slog.Warn("storage unreachable, continuing with in-memory state",
				"driver", instanceProfile.Driver,
				"error", err,
			)
			instanceProfile.Driver = "memory"
			dbDriver = memory.NewDB()
		}

		storeInstance := store.New(dbDriver, instanceProfile)
		if err := storeInstance.Migrate(ctx); err != nil {
			slog.Error("failed to migrate", "error", err)
			return err
		}

		s, err := server.NewServer(ctx, instanceProfile, storeInstance)
		if err != nil {
			slog.Error("failed to create server", "error", err)
			return err
		}

		c := make(chan os.Signal, 1)
		// SIGTERM is the graceful shutdown request sent by most process
		// managers; SIGINT covers interactive CTRL-C.
		signal.Notify(c, terminationSignals...)

		if err := s.Start(ctx); err != nil {
			slog.Error("failed to start server", "error", err)
			return err
		}

		printGreetings(instanceProfile)

		go func() {
			<-c
			s.Shutdown(ctx)
			cancel()
		}()

		<-ctx.Done()
		return nil
	},
}

func init() {
	viper.SetDefault("mode", "dev")
	viper.SetDefault("driver", "memory")
	viper.SetDefault("port", 28080)

	rootCmd.PersistentFlags().String("mode", "dev", `mode of server, can be "prod" or "dev" or "demo"`)
	rootCmd.PersistentFlags().String("addr", "", "address of server")
	rootCmd.PersistentFlags().Int("port", 28080, "port of server")
	rootCmd.PersistentFlags().String("data", "", "data directory")
	rootCmd.PersistentFlags().String("driver", "memory", "database driver (memory, sqlite, postgres)")
	rootCmd.PersistentFlags().String("dsn", "", "database source name(aka. DSN)")
	rootCmd.PersistentFlags().String("handlers", "", "path to a JSON file of handler definitions registered at startup")

	for _, key := range []string{"mode", "addr", "port", "data", "driver", "dsn", "handlers"} {
		if err := viper.BindPFlag(key, rootCmd.PersistentFlags().Lookup(key)); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("switchboard")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
}

func printGreetings(profile *profile.Profile) {
	fmt.Printf("Switchboard %s started successfully!\n", profile.Version)

	if profile.IsDev() {
		fmt.Fprint(os.Stderr, "Development mode is enabled\n")
	}

	fmt.Printf("Mode: %s\n", profile.Mode)
	fmt.Printf("Storage driver: %s\n", profile.Driver)
	if !profile.IsLLMEnabled() {
		fmt.Println("LLM: disabled (deterministic rendering only)")
	} else {
		fmt.Printf("LLM: %s (%s)\n", profile.LLMProvider, profile.LLMModel)
	}

	if len(profile.Addr) == 0 {
		fmt.Printf("Server running on port %d\n", profile.Port)
	} else {
		fmt.Printf("Server running on %s:%d\n", profile.Addr, profile.Port)
	}
}

// isRunningAsSystemdService detects if the process is running under systemd.
func isRunningAsSystemdService() bool {
	return os.Getenv("INVOCATION_ID") != "" || os.Getenv("WATCHDOG_USEC") != ""
}

// printDatabaseError gives the operator something actionable before the
// process exits with a storage failure.
func printDatabaseError(err error, profile *profile.Profile) {
	errMsg := err.Error()
	fmt.Fprintln(os.Stderr, "\nDatabase connection failed.")

	switch {
	case strings.Contains(errMsg, "connection refused") || strings.Contains(errMsg, "no such host"):
		fmt.Fprintf(os.Stderr, "The %s server is not reachable. Check that it is running and the DSN host is correct.\n", profile.Driver)
	case strings.Contains(errMsg, "SSL is not enabled") || strings.Contains(errMsg, "sslmode"):
		fmt.Fprintln(os.Stderr, "TLS configuration mismatch. Try adding ?sslmode=disable to the DSN for a local server.")
	case strings.Contains(errMsg, "password authentication failed"):
		fmt.Fprintln(os.Stderr, "Authentication failed. Check the credentials in the DSN or .env file.")
	default:
		fmt.Fprintln(os.Stderr, "Error:", errMsg)
	}

	fmt.Fprintln(os.Stderr, "To run without persistence, unset SWITCHBOARD_REQUIRE_PERSISTENCE or use --driver=memory.")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
