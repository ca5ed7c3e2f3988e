package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	httpapi "manifold/internal/api/http"
	"manifold/internal/core/reconciler"
	"manifold/internal/core/resolver"
	"manifold/internal/core/topology"
	"manifold/internal/dns"
	"manifold/internal/runtime/docker"
	"manifold/internal/store/rsm"
	"manifold/internal/utils"
)

func main() {
	root := &cobra.Command{
		Use:           "manifold",
		Short:         "service topology reconciler",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newReconcileCommand())
	root.AddCommand(newValidateCommand())

	if err := root.Execute(); err != nil {
		log.Fatal(err)
	}
}

func newReconcileCommand() *cobra.Command {
	var (
		configPath string
		interval   time.Duration
		once       bool
		listenAddr string
		dnsAddr    string
		stateDir   string
		watch      bool
	)

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "drive the runtime toward the desired topology",
		RunE: func(cmd *cobra.Command, args []string) error {
			topologyService := topology.NewTopologyService()
			resolverService := resolver.NewResolverService()

			desired, err := topologyService.LoadFile(configPath)
			if err != nil {
				return err
			}
			if _, err := resolverService.Order(desired); err != nil {
				return err
			}

			driver, err := docker.NewDockerDriver()
			if err != nil {
				return fmt.Errorf("runtime driver: %w", err)
			}

			controller := reconciler.NewController(driver, reconciler.Options{
				Interval: interval,
			})

			if err := os.MkdirAll(stateDir, 0o755); err != nil {
				return fmt.Errorf("state dir: %w", err)
			}
			statusStore := rsm.NewRsmManager(rsm.NewRsmStore(filepath.Join(stateDir, utils.StatusStoreFile)))
			controller.SetStatusStore(statusStore)

			controller.SetTopology(desired)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if once {
				log.Printf("[*] reconciling once: topology=%s services=%d", desired.Name, desired.Len())
				return controller.RunToConvergence(ctx)
			}

			// == rest api ==
			router := httpapi.NewApiRouter(controller, configPath)
			go func() {
				log.Printf("[*] status api listening on %s", listenAddr)
				if err := http.ListenAndServe(listenAddr, router); err != nil {
					log.Fatal(err)
				}
			}()

			// == dns ==
			dns.StartDnsResponder(dnsAddr, controller)

			// == config watch ==
			if watch {
				watcher := topology.NewConfigWatcher(configPath, func() {
					next, err := topologyService.LoadFile(configPath)
					if err != nil {
						log.Printf("config reload rejected: path=%s err=%v", configPath, err)
						return
					}
					if _, err := resolverService.Order(next); err != nil {
						log.Printf("config reload rejected: path=%s err=%v", configPath, err)
						return
					}
					log.Printf("[*] config reload: topology=%s services=%d", next.Name, next.Len())
					controller.SetTopology(next)
				})
				go func() {
					if err := watcher.Watch(ctx); err != nil && ctx.Err() == nil {
						log.Printf("config watch stopped: err=%v", err)
					}
				}()
			}

			log.Printf("[*] reconcile loop start: topology=%s interval=%s", desired.Name, interval)
			err = controller.Run(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}

	cmd.Flags().StringVar(&configPath, "config", utils.DefaultConfig, "topology manifest path")
	cmd.Flags().DurationVar(&interval, "interval", 5*time.Second, "reconcile interval")
	cmd.Flags().BoolVar(&once, "once", false, "reconcile to convergence and exit")
	cmd.Flags().StringVar(&listenAddr, "listen", utils.DefaultListen, "status api listen address")
	cmd.Flags().StringVar(&dnsAddr, "dns-listen", utils.DefaultDnsListen, "dns responder listen address")
	cmd.Flags().StringVar(&stateDir, "state-dir", utils.DefaultStateDir, "status store directory")
	cmd.Flags().BoolVar(&watch, "watch", false, "reload the manifest on change")
	_ = cmd.MarkFlagRequired("config")

	return cmd
}

func newValidateCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "validate a topology manifest",
		RunE: func(cmd *cobra.Command, args []string) error {
			topologyService := topology.NewTopologyService()
			resolverService := resolver.NewResolverService()

			t, err := topologyService.LoadFile(configPath)
			if err != nil {
				return err
			}
			levels, err := resolverService.Levels(t)
			if err != nil {
				return err
			}

			fmt.Printf("topology %s: %d services, %d start waves\n", t.Name, t.Len(), len(levels))
			for i, level := range levels {
				names := make([]string, 0, len(level))
				for _, spec := range level {
					names = append(names, spec.Name)
				}
				fmt.Printf("  wave %d: %v\n", i+1, names)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", utils.DefaultConfig, "topology manifest path")
	return cmd
}
