// Copyright (c) 2025 Michael D Henderson. All rights reserved.

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/mdhender/photoxfer"
	"github.com/mdhender/photoxfer/config"
	"github.com/mdhender/photoxfer/pipelines/stages"
	sqlite "github.com/mdhender/photoxfer/stores/sqlite"
	"github.com/mdhender/photoxfer/web/handlers"
	"github.com/spf13/cobra"
)

var (
	configFile = "photoxfer.yaml"
	logger     = hclog.NewNullLogger()
)

func main() {
	addFlags := func(cmd *cobra.Command) error {
		cmd.PersistentFlags().StringVarP(&configFile, "config", "c", configFile, "configuration file")
		cmd.PersistentFlags().Bool("debug", false, "log debugging information")
		cmd.PersistentFlags().Bool("log-with-default-flags", false, "log with default flags")
		cmd.PersistentFlags().Bool("log-with-shortfile", true, "log with short file name")
		cmd.PersistentFlags().Bool("log-with-timestamp", false, "log with timestamp")
		cmd.PersistentFlags().Bool("quiet", false, "log less information")
		cmd.PersistentFlags().Bool("show-version", false, "show version")
		cmd.PersistentFlags().Bool("verbose", false, "log more information")
		return nil
	}
	var cmdRoot = &cobra.Command{
		Use:   "photoxfer",
		Short: "Photo transfer pipeline",
		Long:  `Stage photos, send them to the import host and record what it imported`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logWithDefaultFlags, _ := cmd.Flags().GetBool("log-with-default-flags")
			logWithShortFileName, _ := cmd.Flags().GetBool("log-with-shortfile")
			logWithTimestamp, _ := cmd.Flags().GetBool("log-with-timestamp")
			logFlags := 0
			if logWithShortFileName {
				logFlags |= log.Lshortfile
			}
			if logWithTimestamp {
				logFlags |= log.Ltime
			}
			if logWithDefaultFlags || logFlags == 0 {
				logFlags = log.LstdFlags
			}
			log.SetFlags(logFlags)

			level := hclog.Info
			quiet, _ := cmd.Flags().GetBool("quiet")
			verbose, _ := cmd.Flags().GetBool("verbose")
			debug, _ := cmd.Flags().GetBool("debug")
			if quiet {
				level = hclog.Warn
			} else if debug {
				level = hclog.Trace
			} else if verbose {
				level = hclog.Debug
			}
			logger = hclog.New(&hclog.LoggerOptions{
				Name:        "photoxfer",
				Level:       level,
				Output:      os.Stderr,
				DisableTime: !logWithTimestamp && !logWithDefaultFlags,
			})

			if showVersion, _ := cmd.Flags().GetBool("show-version"); showVersion {
				fmt.Printf("photoxfer: version %q\n", photoxfer.Version().Core())
			}

			return nil
		},
	}
	cmdRoot.AddCommand(cmdServe())
	cmdRoot.AddCommand(cmdSubmit())
	cmdRoot.AddCommand(cmdRun())
	cmdRoot.AddCommand(cmdRunPending())
	cmdRoot.AddCommand(cmdCleanupOrphans())
	cmdRoot.AddCommand(cmdInitConfig())
	cmdRoot.AddCommand(cmdInitDB())
	cmdRoot.AddCommand(cmdCompactDB())
	cmdRoot.AddCommand(cmdVersion())
	if err := addFlags(cmdRoot); err != nil {
		log.Fatal(err)
	}

	if err := cmdRoot.Execute(); err != nil {
		os.Exit(1)
	}
}

// cancelOnSignal requests pipeline cancellation on the first interrupt and
// cancels ctx on the second.
func cancelOnSignal(ctx context.Context, svc *stages.ImportService) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-sigs:
			log.Printf("interrupt: %s (interrupt again to abort)", svc.Cancel())
		case <-ctx.Done():
			return
		}
		select {
		case <-sigs:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, func() {
		signal.Stop(sigs)
		cancel()
	}
}

func cmdServe() *cobra.Command {
	var addr string
	runPending := true
	addFlags := func(cmd *cobra.Command) error {
		cmd.Flags().StringVar(&addr, "addr", addr, "HTTP listen address (overrides server.listen_addr)")
		cmd.Flags().BoolVar(&runPending, "run-pending", runPending, "queue unfinished batches at startup")
		return nil
	}
	var cmd = &cobra.Command{
		Use:          "serve",
		Short:        "run the import pipeline and its HTTP API",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(configFile, logger)
			if err != nil {
				return err
			}
			defer a.close()
			if addr == "" {
				addr = a.cfg.Server.ListenAddr
			}

			ctx, stop := context.WithCancel(context.Background())
			defer stop()

			a.pool.Start(ctx)
			if runPending {
				if n, err := a.svc.RunPending(ctx); err != nil {
					log.Printf("run-pending: %v", err)
				} else if n > 0 {
					log.Printf("run-pending: queued %d batches", n)
				}
			}
			sweeper := stages.NewOrphanSweeper(a.orch.Cleaner(), a.cfg.Cleanup.OrphanMaxAge(), a.pool.Busy)
			go sweeper.Run(ctx)
			go a.recycle(ctx)

			mux := http.NewServeMux()
			handlers.New(a.svc, logger).Routes(mux)

			server := &http.Server{
				Addr:         addr,
				Handler:      mux,
				ReadTimeout:  15 * time.Second,
				WriteTimeout: 15 * time.Second,
				IdleTimeout:  60 * time.Second,
			}

			shutdown := make(chan os.Signal, 1)
			signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

			go func() {
				log.Printf("server: listening on %s", addr)
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatalf("server: %v", err)
				}
			}()

			<-shutdown
			log.Printf("server: shutting down gracefully")
			a.svc.Cancel()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			if err := server.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("server shutdown: %w", err)
			}
			log.Printf("server: stopped")
			return nil
		},
	}
	if err := addFlags(cmd); err != nil {
		log.Fatal(err)
	}
	return cmd
}

func cmdSubmit() *cobra.Command {
	var cmd = &cobra.Command{
		Use:          "submit <photo> [<photo>...]",
		Short:        "record a new batch without running it",
		SilenceUsage: true,
		Args:         cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(configFile, logger)
			if err != nil {
				return err
			}
			defer a.close()

			batchID, count, err := a.svc.Submit(context.Background(), args)
			if err != nil {
				return err
			}
			fmt.Printf("%s: %d files queued\n", batchID, count)
			return nil
		},
	}
	return cmd
}

func cmdRun() *cobra.Command {
	var batchID string
	addFlags := func(cmd *cobra.Command) error {
		cmd.Flags().StringVar(&batchID, "batch", batchID, "run an existing batch instead of submitting files")
		return nil
	}
	var cmd = &cobra.Command{
		Use:          "run [<photo>...]",
		Short:        "submit photos and import them in the foreground",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if batchID == "" && len(args) == 0 {
				return fmt.Errorf("run: photos or --batch are required")
			}
			a, err := openApp(configFile, logger)
			if err != nil {
				return err
			}
			defer a.close()

			ctx, stop := cancelOnSignal(context.Background(), a.svc)
			defer stop()

			if batchID == "" {
				var count int
				batchID, count, err = a.svc.Submit(ctx, args)
				if err != nil {
					return err
				}
				log.Printf("%s: %d files submitted", batchID, count)
			}
			started := time.Now()
			status, err := a.process(ctx, batchID)
			log.Printf("%s: %s in %v", batchID, status, time.Since(started).Round(time.Millisecond))
			return err
		},
	}
	if err := addFlags(cmd); err != nil {
		log.Fatal(err)
	}
	return cmd
}

func cmdRunPending() *cobra.Command {
	var cmd = &cobra.Command{
		Use:          "run-pending",
		Short:        "run every batch left unfinished by an earlier process",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(configFile, logger)
			if err != nil {
				return err
			}
			defer a.close()

			ctx, stop := cancelOnSignal(context.Background(), a.svc)
			defer stop()

			ids, err := a.store.PendingBatches(ctx)
			if err != nil {
				return err
			}
			if len(ids) == 0 {
				log.Printf("run-pending: nothing to do")
				return nil
			}
			var failed int
			for _, id := range ids {
				if a.pc.Cancel.Cancelled() {
					log.Printf("run-pending: cancelled, %s and later batches left queued", id)
					break
				}
				status, err := a.process(ctx, id)
				if err != nil {
					failed++
					log.Printf("%s: %s: %v", id, status, err)
					continue
				}
				log.Printf("%s: %s", id, status)
			}
			if failed > 0 {
				return fmt.Errorf("run-pending: %d of %d batches failed", failed, len(ids))
			}
			return nil
		},
	}
	return cmd
}

func cmdCleanupOrphans() *cobra.Command {
	var cmd = &cobra.Command{
		Use:          "cleanup-orphans",
		Short:        "remove stale batch directories from the import host",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(configFile, logger)
			if err != nil {
				return err
			}
			defer a.close()

			ctx, stop := cancelOnSignal(context.Background(), a.svc)
			defer stop()
			return a.orch.Cleaner().CleanupOrphans(ctx)
		},
	}
	return cmd
}

func cmdInitConfig() *cobra.Command {
	var cmd = &cobra.Command{
		Use:   "init-config",
		Short: "write a default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.Save(configFile, config.Default()); err != nil {
				return err
			}
			log.Printf("%s: created; set remote.hardware_address before running", configFile)
			return nil
		},
	}
	return cmd
}

// dbPathFor returns the --db flag, falling back to the config file.
func dbPathFor(flag string) (string, error) {
	if flag != "" {
		return config.ExpandHome(flag)
	}
	cfg, err := config.Load(configFile)
	if err != nil {
		return "", err
	}
	return cfg.Server.DBPath, nil
}

func cmdInitDB() *cobra.Command {
	var dbPath string
	addFlags := func(cmd *cobra.Command) error {
		cmd.Flags().StringVar(&dbPath, "db", dbPath, "database file (defaults to server.db_path)")
		return nil
	}
	var cmd = &cobra.Command{
		Use:          "init-db",
		Short:        "create the pipeline database",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := dbPathFor(dbPath)
			if err != nil {
				return err
			}
			if err := sqlite.InitDatabase(path); err != nil {
				return err
			}
			log.Printf("%s: created database", path)
			return nil
		},
	}
	if err := addFlags(cmd); err != nil {
		log.Fatal(err)
	}
	return cmd
}

func cmdCompactDB() *cobra.Command {
	var dbPath string
	addFlags := func(cmd *cobra.Command) error {
		cmd.Flags().StringVar(&dbPath, "db", dbPath, "database file (defaults to server.db_path)")
		return nil
	}
	var cmd = &cobra.Command{
		Use:          "compact-db",
		Short:        "checkpoint the WAL and vacuum the database",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := dbPathFor(dbPath)
			if err != nil {
				return err
			}
			started := time.Now()
			if err := sqlite.CompactDatabase(path); err != nil {
				return err
			}
			log.Printf("%s: compacted in %v", path, time.Since(started))
			return nil
		},
	}
	if err := addFlags(cmd); err != nil {
		log.Fatal(err)
	}
	return cmd
}

func cmdVersion() *cobra.Command {
	showBuildInfo := false
	addFlags := func(cmd *cobra.Command) error {
		cmd.Flags().BoolVar(&showBuildInfo, "build-info", showBuildInfo, "show build information")
		return nil
	}
	var cmd = &cobra.Command{
		Use:   "version",
		Short: "display the application's version number",
		RunE: func(cmd *cobra.Command, args []string) error {
			if showBuildInfo {
				fmt.Println(photoxfer.Version().String())
				return nil
			}
			fmt.Println(photoxfer.Version().Core())
			return nil
		},
	}
	if err := addFlags(cmd); err != nil {
		log.Fatal(err)
	}
	return cmd
}
