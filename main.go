package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/deemkeen/fedcore/activitypub"
	"github.com/deemkeen/fedcore/db"
	"github.com/deemkeen/fedcore/domain"
	"github.com/deemkeen/fedcore/markup"
	"github.com/deemkeen/fedcore/policy"
	"github.com/deemkeen/fedcore/stream"
	"github.com/deemkeen/fedcore/util"
	"github.com/deemkeen/fedcore/web"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:     util.Name,
		Short:   "ActivityPub federation server",
		Version: util.GetVersion(),
	}
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")

	rootCmd.AddCommand(
		serveCmd(),
		migrateCmd(),
		resolveCmd(),
		keygenCmd(),
		addUserCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConf() (*util.AppConfig, error) {
	if configFile == "" {
		return util.ReadConf()
	}
	buf, err := os.ReadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return util.ParseConf(buf)
}

// app is everything a command needs to talk to the network and the database.
type app struct {
	conf   *util.AppConfig
	log    *zap.Logger
	store  *db.DB
	policy *policy.Lists
	hub    *stream.Hub
	fed    *activitypub.Federator
}

func openApp(ctx context.Context) (*app, error) {
	conf, err := loadConf()
	if err != nil {
		return nil, err
	}
	log, err := util.NewLogger(conf.Conf.LogLevel)
	if err != nil {
		return nil, err
	}
	store, err := db.Open(conf.Conf.DbDriver, conf.Conf.DbDsn, db.WithLogger(log.Named("db")))
	if err != nil {
		return nil, err
	}
	lists, err := policy.Load(conf.Conf.PolicyFile)
	if err != nil {
		store.Close()
		return nil, err
	}

	hub := stream.NewHub(log.Named("stream"))
	fed := activitypub.NewFederator(conf, store, lists, markup.NewTranscoder(), hub, log)
	if _, err := fed.EnsureInstanceActor(ctx); err != nil {
		store.Close()
		return nil, err
	}
	return &app{conf: conf, log: log, store: store, policy: lists, hub: hub, fed: fed}, nil
}

func (a *app) Close() {
	a.fed.Wait()
	a.store.Close()
	_ = a.log.Sync()
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server, the inbox workers and the delivery worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			a.log.Info("Configuration", zap.String("domain", a.conf.Conf.SslDomain), zap.Bool("withAp", a.conf.Conf.WithAp),
				zap.String("db", a.conf.Conf.DbDriver), zap.Bool("syncDelivery", a.conf.Federation.SyncDelivery))

			if path := a.conf.Conf.PolicyFile; path != "" {
				if err := a.policy.Watch(ctx, path, a.log.Named("policy")); err != nil {
					a.log.Warn("Host policy will not be reloaded", zap.Error(err))
				}
			}

			inbox := activitypub.NewInbox(a.fed)
			server := web.NewServer(a.conf, a.store, a.fed, inbox, a.hub, a.log)

			g, ctx := errgroup.WithContext(ctx)
			if a.conf.Conf.WithAp {
				a.fed.StartDeliveryWorker(ctx)
				g.Go(func() error { return inbox.Run(ctx) })
			}
			g.Go(func() error { return server.ListenAndServe(ctx) })
			return g.Wait()
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create missing database tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := loadConf()
			if err != nil {
				return err
			}
			store, err := db.Open(conf.Conf.DbDriver, conf.Conf.DbDsn)
			if err != nil {
				return err
			}
			defer store.Close()
			fmt.Println("Database migrations complete")
			return nil
		},
	}
}

func resolveCmd() *cobra.Command {
	var resync bool
	cmd := &cobra.Command{
		Use:   "resolve <user@host | uri>",
		Short: "Resolve a remote account or object and print it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			query := args[0]
			if strings.HasPrefix(query, "https://") || strings.HasPrefix(query, "http://") {
				obj, err := a.fed.Resolve(ctx, query)
				if err != nil {
					return err
				}
				return printJSON(obj)
			}

			username, host, _ := strings.Cut(strings.TrimPrefix(strings.TrimPrefix(query, "acct:"), "@"), "@")
			acc, err := a.fed.ResolveUser(ctx, username, host, resync)
			if err != nil {
				return err
			}
			if acc == nil {
				return fmt.Errorf("%s not found", query)
			}
			acc.PrivateKeyPem = ""
			return printJSON(acc)
		},
	}
	cmd.Flags().BoolVar(&resync, "resync", false, "refetch the profile even if it is fresh")
	return cmd
}

func keygenCmd() *cobra.Command {
	var bits int
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an RSA key pair in PEM form",
		RunE: func(cmd *cobra.Command, args []string) error {
			keys, err := util.GeneratePemKeypair(bits)
			if err != nil {
				return err
			}
			fmt.Print(keys.Private)
			fmt.Print(keys.Public)
			return nil
		},
	}
	cmd.Flags().IntVar(&bits, "bits", 2048, "key size")
	return cmd
}

func addUserCmd() *cobra.Command {
	var displayName string
	var locked bool
	cmd := &cobra.Command{
		Use:   "adduser <username>",
		Short: "Create a local account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			acc := &domain.Account{Username: args[0], DisplayName: displayName, IsLocked: locked}
			if err := a.fed.PrepareLocalAccount(acc); err != nil {
				return err
			}
			if err := a.store.CreateAccount(ctx, acc); err != nil {
				return fmt.Errorf("failed to create %s: %w", acc.Username, err)
			}
			fmt.Printf("Created %s (%s)\n", acc.Username, acc.URI)
			return nil
		},
	}
	cmd.Flags().StringVar(&displayName, "name", "", "display name")
	cmd.Flags().BoolVar(&locked, "locked", false, "require follow approval")
	return cmd
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
