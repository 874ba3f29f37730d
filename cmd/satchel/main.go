/*
satchel is the embedded document store's standalone CLI and replication
daemon, structured the way cuemby-warren/cmd/warren's rootCmd is: one
root command carrying persistent flags, cobra.OnInitialize wiring the
global logger, and a tree of subcommand groups each owning its own
RunE.

Unlike warren, satchel has no cluster/raft layer to join — "satchel
serve" simply opens a named datastore and exposes its replication
interface (pkg/replicator.Server) over HTTP, the daemon-mode analog of
warren's manager/worker start commands.
*/
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/satchel/pkg/attachment"
	"github.com/cuemby/satchel/pkg/conflict"
	"github.com/cuemby/satchel/pkg/config"
	"github.com/cuemby/satchel/pkg/datastore"
	"github.com/cuemby/satchel/pkg/log"
	"github.com/cuemby/satchel/pkg/metrics"
	"github.com/cuemby/satchel/pkg/query"
	"github.com/cuemby/satchel/pkg/replicator"
	"github.com/cuemby/satchel/pkg/revision"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "satchel",
	Short: "satchel - embedded MVCC document store with peer-to-peer sync",
	Long: `satchel is an embedded, revision-tracked document store: every write
creates a new revision on a branching history tree, conflicts are kept
rather than silently overwritten, and two stores can sync directly over
HTTP with no central server.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"satchel version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("config", "", "path to satchel config file (defaults to built-in defaults if omitted)")
	rootCmd.PersistentFlags().String("root-dir", "", "datastore root directory (overrides config root_dir)")
	rootCmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error (overrides config)")
	rootCmd.PersistentFlags().Bool("log-json", false, "output logs in JSON format (overrides config)")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(docCmd)
	rootCmd.AddCommand(compactCmd)
	rootCmd.AddCommand(indexCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(conflictCmd)
	rootCmd.AddCommand(replicateCmd)
	rootCmd.AddCommand(serveCmd)
}

func loadConfig() config.Config {
	path, _ := rootCmd.PersistentFlags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if rootDir, _ := rootCmd.PersistentFlags().GetString("root-dir"); rootDir != "" {
		cfg.RootDir = rootDir
	}
	if level, _ := rootCmd.PersistentFlags().GetString("log-level"); level != "" {
		cfg.Log.Level = level
	}
	if rootCmd.PersistentFlags().Changed("log-json") {
		cfg.Log.JSON, _ = rootCmd.PersistentFlags().GetBool("log-json")
	}
	return cfg
}

func initLogging() {
	loadConfig().InitLogging()
}

// openDatastore opens name under the configured root directory, returning
// a Manager the caller must Close alongside the Datastore once done.
func openDatastore(name string) (*datastore.Manager, *datastore.Datastore, error) {
	cfg := loadConfig()
	mgr, err := datastore.NewManager(cfg.RootDir)
	if err != nil {
		return nil, nil, err
	}
	ds, err := mgr.Datastore(name)
	if err != nil {
		_ = mgr.Close()
		return nil, nil, err
	}
	return mgr, ds, nil
}

func storeNameFlag(cmd *cobra.Command) {
	cmd.Flags().String("store", "default", "name of the datastore to operate on")
}

func storeName(cmd *cobra.Command) string {
	name, _ := cmd.Flags().GetString("store")
	return name
}

// --- doc ---

var docCmd = &cobra.Command{
	Use:   "doc",
	Short: "Create, read, update, and delete documents",
}

func init() {
	docCmd.AddCommand(docPutCmd)
	docCmd.AddCommand(docGetCmd)
	docCmd.AddCommand(docDeleteCmd)
	docCmd.AddCommand(docHistoryCmd)

	for _, c := range []*cobra.Command{docPutCmd, docGetCmd, docDeleteCmd, docHistoryCmd} {
		storeNameFlag(c)
	}
	docPutCmd.Flags().String("rev", "", "parent revision id; omit to create a new document")
	docDeleteCmd.Flags().String("rev", "", "revision id to delete on top of")
	docGetCmd.Flags().Bool("attachments", false, "include attachment content in the output")
}

var docPutCmd = &cobra.Command{
	Use:   "put <doc-id> <json-body>",
	Short: "Create or update a document",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, ds, err := openDatastore(storeName(cmd))
		if err != nil {
			return err
		}
		defer mgr.Close()

		var parent *revision.RevID
		if rs, _ := cmd.Flags().GetString("rev"); rs != "" {
			parsed, err := revision.ParseRevID(rs)
			if err != nil {
				return err
			}
			parent = &parsed
		}

		rev, err := ds.PutDocument(args[0], []byte(args[1]), parent)
		if err != nil {
			return err
		}
		fmt.Println(rev.RevID.String())
		return nil
	},
}

var docGetCmd = &cobra.Command{
	Use:   "get <doc-id>",
	Short: "Fetch a document's winning revision",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, ds, err := openDatastore(storeName(cmd))
		if err != nil {
			return err
		}
		defer mgr.Close()

		opts := attachment.ContentOptions(0)
		if include, _ := cmd.Flags().GetBool("attachments"); include {
			opts = attachment.IncludeAttachments
		}
		rev, attachments, err := ds.GetDocument(args[0], opts)
		if err != nil {
			return err
		}
		fmt.Printf("rev: %s\n", rev.RevID.String())
		fmt.Printf("body: %s\n", string(rev.Body))
		for name, a := range attachments {
			fmt.Printf("attachment %s: digest=%s length=%d\n", name, a.Digest, a.Length)
			if a.DataBase64 != "" {
				fmt.Printf("  data: %s\n", a.DataBase64)
			}
		}
		return nil
	},
}

var docDeleteCmd = &cobra.Command{
	Use:   "delete <doc-id>",
	Short: "Tombstone a document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, ds, err := openDatastore(storeName(cmd))
		if err != nil {
			return err
		}
		defer mgr.Close()

		rs, _ := cmd.Flags().GetString("rev")
		parent, err := revision.ParseRevID(rs)
		if err != nil {
			return fmt.Errorf("--rev is required: %w", err)
		}
		rev, err := ds.DeleteDocument(args[0], parent)
		if err != nil {
			return err
		}
		fmt.Println(rev.RevID.String())
		return nil
	},
}

var docHistoryCmd = &cobra.Command{
	Use:   "history <doc-id>",
	Short: "List a document's revision history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, ds, err := openDatastore(storeName(cmd))
		if err != nil {
			return err
		}
		defer mgr.Close()

		winner, err := ds.Revisions.GetWinner(args[0])
		if err != nil {
			return err
		}
		history, err := ds.Revisions.History(args[0], winner.RevID)
		if err != nil {
			return err
		}
		for _, rev := range history {
			fmt.Println(rev.RevID.String())
		}
		return nil
	},
}

// --- compact ---

var compactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Run revision and blob compaction",
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, ds, err := openDatastore(storeName(cmd))
		if err != nil {
			return err
		}
		defer mgr.Close()
		return ds.Compact()
	},
}

func init() {
	storeNameFlag(compactCmd)
}

// --- index ---

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Manage query indexes",
}

var indexEnsureCmd = &cobra.Command{
	Use:   "ensure <name> <field> [field...]",
	Short: "Ensure a JSON field index exists",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, ds, err := openDatastore(storeName(cmd))
		if err != nil {
			return err
		}
		defer mgr.Close()

		name, err := ds.Catalog.EnsureIndexed(args[0], query.IndexKindJSON, args[1:], "")
		if err != nil {
			return err
		}
		fmt.Println(name)
		return nil
	},
}

func init() {
	indexCmd.AddCommand(indexEnsureCmd)
	storeNameFlag(indexEnsureCmd)
}

// --- query ---

var queryCmd = &cobra.Command{
	Use:   "query <selector-json>",
	Short: "Run a query selector against the datastore",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, ds, err := openDatastore(storeName(cmd))
		if err != nil {
			return err
		}
		defer mgr.Close()

		var selector map[string]interface{}
		if err := json.Unmarshal([]byte(args[0]), &selector); err != nil {
			return fmt.Errorf("invalid selector JSON: %w", err)
		}
		limit, _ := cmd.Flags().GetInt("limit")
		results, err := ds.Query.Query(selector, nil, limit)
		if err != nil {
			return err
		}
		for _, rev := range results {
			fmt.Printf("%s %s\n", rev.DocID, string(rev.Body))
		}
		return nil
	},
}

func init() {
	storeNameFlag(queryCmd)
	queryCmd.Flags().Int("limit", 0, "maximum number of results (0 = unlimited)")
}

// --- conflict ---

var conflictCmd = &cobra.Command{
	Use:   "conflict",
	Short: "Inspect and resolve conflicting document revisions",
}

var conflictLeavesCmd = &cobra.Command{
	Use:   "leaves <doc-id>",
	Short: "List a document's conflicting leaf revisions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, ds, err := openDatastore(storeName(cmd))
		if err != nil {
			return err
		}
		defer mgr.Close()

		leaves, err := ds.Conflicts.Leaves(args[0])
		if err != nil {
			return err
		}
		for _, leaf := range leaves {
			fmt.Printf("%s %s\n", leaf.RevID.String(), string(leaf.Body))
		}
		return nil
	},
}

var conflictResolveCmd = &cobra.Command{
	Use:   "resolve <doc-id>",
	Short: "Resolve a document's conflicting leaves",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, ds, err := openDatastore(storeName(cmd))
		if err != nil {
			return err
		}
		defer mgr.Close()

		var decision conflict.Decision
		if rs, _ := cmd.Flags().GetString("pick"); rs != "" {
			parsed, err := revision.ParseRevID(rs)
			if err != nil {
				return err
			}
			decision.PickLeaf = &parsed
		} else if body, _ := cmd.Flags().GetString("body"); body != "" {
			parentRs, _ := cmd.Flags().GetString("parent")
			parent, err := revision.ParseRevID(parentRs)
			if err != nil {
				return fmt.Errorf("--parent is required with --body: %w", err)
			}
			decision.NewBody = []byte(body)
			decision.NewBodyParent = parent
		} else {
			return fmt.Errorf("either --pick or --body must be set")
		}

		rev, err := ds.Conflicts.Resolve(args[0], decision)
		if err != nil {
			return err
		}
		fmt.Println(rev.RevID.String())
		return nil
	},
}

func init() {
	conflictCmd.AddCommand(conflictLeavesCmd)
	conflictCmd.AddCommand(conflictResolveCmd)
	storeNameFlag(conflictLeavesCmd)
	storeNameFlag(conflictResolveCmd)
	conflictResolveCmd.Flags().String("pick", "", "revision id of the leaf to keep")
	conflictResolveCmd.Flags().String("body", "", "JSON body for a brand new resolving revision")
	conflictResolveCmd.Flags().String("parent", "", "parent revision id for --body")
}

// --- replicate ---

var replicateCmd = &cobra.Command{
	Use:   "replicate",
	Short: "Pull or push changes against a remote satchel instance",
}

var replicatePullCmd = &cobra.Command{
	Use:   "pull <remote-url>",
	Short: "Pull remote changes into the local datastore",
	Args:  cobra.ExactArgs(1),
	RunE:  runReplicate(false),
}

var replicatePushCmd = &cobra.Command{
	Use:   "push <remote-url>",
	Short: "Push local changes to a remote datastore",
	Args:  cobra.ExactArgs(1),
	RunE:  runReplicate(true),
}

func runReplicate(push bool) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		mgr, ds, err := openDatastore(storeName(cmd))
		if err != nil {
			return err
		}
		defer mgr.Close()

		cfg := loadConfig()
		sourceID, _ := cmd.Flags().GetString("source-id")
		targetID, _ := cmd.Flags().GetString("target-id")
		headerFlags, _ := cmd.Flags().GetStringToString("header")
		userAgent, _ := cmd.Flags().GetString("user-agent")
		if userAgent == "" {
			userAgent = cfg.Replication.UserAgent
		}
		headers := make(map[string]interface{}, len(headerFlags))
		for k, v := range headerFlags {
			headers[k] = v
		}
		repCfg := replicator.Config{
			SourceID:       sourceID,
			TargetID:       targetID,
			RequestTimeout: cfg.Replication.RequestTimeout,
			Parallelism:    cfg.Replication.Parallelism,
			Headers:        headers,
			UserAgent:      userAgent,
		}
		pipeline := replicator.NewHTTPPipeline(cfg.Replication.RequestTimeout)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		if push {
			pusher, err := ds.Push(repCfg, args[0], pipeline)
			if err != nil {
				return err
			}
			if err := pusher.RunOnce(ctx); err != nil {
				return err
			}
			fmt.Printf("pushed %d revisions\n", pusher.Progress().RevsInstalled)
			return nil
		}

		puller, err := ds.Pull(repCfg, args[0], pipeline)
		if err != nil {
			return err
		}
		if err := puller.RunOnce(ctx); err != nil {
			return err
		}
		fmt.Printf("pulled %d revisions\n", puller.Progress().RevsInstalled)
		return nil
	}
}

func init() {
	replicateCmd.AddCommand(replicatePullCmd)
	replicateCmd.AddCommand(replicatePushCmd)
	for _, c := range []*cobra.Command{replicatePullCmd, replicatePushCmd} {
		storeNameFlag(c)
		c.Flags().String("source-id", "remote", "opaque identifier for the source side of this replication")
		c.Flags().String("target-id", "local", "opaque identifier for the target side of this replication")
		c.Flags().StringToString("header", nil, "extra header to send with every replication request (key=value, repeatable)")
		c.Flags().String("user-agent", "", "override the default User-Agent sent with every replication request")
	}
}

// --- serve ---

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve a datastore's replication interface over HTTP",
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, ds, err := openDatastore(storeName(cmd))
		if err != nil {
			return err
		}
		defer mgr.Close()

		addr, _ := cmd.Flags().GetString("addr")
		srv := &http.Server{Addr: addr, Handler: ds.Server()}

		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
		metrics.SetVersion(Version)
		metrics.RegisterComponent("replication", true, "ready")
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			mux.Handle("/health", metrics.HealthHandler())
			mux.Handle("/ready", metrics.ReadyHandler())
			mux.Handle("/live", metrics.LivenessHandler())
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				log.Error(fmt.Sprintf("metrics server error: %v", err))
			}
		}()
		log.Info(fmt.Sprintf("satchel metrics endpoint listening on %s", metricsAddr))

		errCh := make(chan error, 1)
		go func() {
			log.Info(fmt.Sprintf("satchel replication server listening on %s", addr))
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			fmt.Println("\nShutting down...")
		case err := <-errCh:
			return fmt.Errorf("replication server error: %w", err)
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	},
}

func init() {
	storeNameFlag(serveCmd)
	serveCmd.Flags().String("addr", "127.0.0.1:5984", "address to listen on")
	serveCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "address to serve /metrics, /health, /ready, /live on")
}
