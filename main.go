// main.go
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/petervdpas/callkit/internal/app"
	"github.com/petervdpas/callkit/internal/auth"
	"github.com/petervdpas/callkit/internal/config"
	"github.com/petervdpas/callkit/internal/storage"
	"github.com/petervdpas/callkit/internal/transport"
	"github.com/petervdpas/callkit/internal/util"
)

const cfgName = "callkit.json"

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
	openUI   = flag.Bool("open", false, "Open the call API in the browser once it is up")
	tokenTTL = flag.Duration("ttl", 0, "Lifetime of tokens minted by the token command (0 = no expiry)")
	limit    = flag.Int("n", 50, "Number of calls listed by the history command")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("callkit v%s\n", appVersion)
		return
	}

	args := flag.Args()
	if *showHelp || len(args) == 0 {
		showUsage()
		return
	}

	command := args[0]
	needDir := func(usage string) string {
		if len(args) < 2 {
			fmt.Fprintf(os.Stderr, "Error: %s command requires directory path\n", command)
			fmt.Fprintf(os.Stderr, "Usage: callkit %s\n", usage)
			os.Exit(1)
		}
		return endpointDir(args[1])
	}

	switch command {
	case "run":
		runEndpoint(needDir("run <directory>"))

	case "history":
		showHistory(needDir("history <directory>"))

	case "relay":
		runRelay(needDir("relay <directory>"))

	case "token":
		dir := needDir("token <directory> <user-id> [display-name]")
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "Error: token command requires a user id")
			os.Exit(1)
		}
		name := ""
		if len(args) > 3 {
			name = args[3]
		}
		mintToken(dir, args[2], name)

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", command)
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
}

func endpointDir(arg string) string {
	absDir, err := filepath.Abs(arg)
	if err != nil {
		log.Fatalf("Invalid directory: %v", err)
	}
	if stat, err := os.Stat(absDir); err != nil || !stat.IsDir() {
		log.Fatalf("Directory does not exist: %s", absDir)
	}
	return absDir
}

// loadConfig reads (or creates) the directory's config, applies the .env
// file and CALLKIT_* variables, and validates the result.
func loadConfig(dir string, validate bool) (config.Config, string, map[string]string) {
	cfgPath := filepath.Join(dir, cfgName)
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if created {
		fmt.Printf("Wrote default config to %s\n", cfgPath)
	}
	env, err := config.Env(filepath.Join(dir, ".env"))
	if err != nil {
		log.Fatalf("Failed to read .env: %v", err)
	}
	if err := cfg.ApplyEnv(env); err != nil {
		log.Fatalf("Invalid environment: %v", err)
	}
	if validate {
		if err := cfg.Validate(); err != nil {
			log.Fatalf("Invalid config %s: %v", cfgPath, err)
		}
	}
	return cfg, cfgPath, env
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		fmt.Println("\nShutting down gracefully...")
		cancel()
	}()
	return ctx, cancel
}

func runEndpoint(dir string) {
	cfg, cfgPath, env := loadConfig(dir, true)
	printBanner(dir, cfgPath, cfg)

	ctx, cancel := signalContext()
	defer cancel()

	opt := app.Options{
		Dir:     dir,
		CfgPath: cfgPath,
		Cfg:     cfg,
		Env:     env,
	}
	if *openUI {
		opt.Ready = func(url string) {
			if err := util.OpenURL(url + "/api/call/state"); err != nil {
				log.Printf("open browser: %v", err)
			}
		}
	}
	if err := app.Run(ctx, opt); err != nil {
		log.Fatalf("Endpoint failed: %v", err)
	}
}

func showHistory(dir string) {
	cfg, _, _ := loadConfig(dir, false)
	db, err := storage.Open(util.ResolvePath(dir, cfg.Storage.Dir))
	if err != nil {
		log.Fatalf("Failed to open storage: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	calls, err := db.ListCalls(ctx, *limit)
	if err != nil {
		log.Fatalf("Failed to list calls: %v", err)
	}
	missed, err := db.CountMissed(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		log.Fatalf("Failed to count missed calls: %v", err)
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tDIRECTION\tTYPE\tPEER\tSTATE\tDURATION")
	for _, c := range calls {
		peer := c.PeerName
		if peer == "" {
			peer = util.ShortID(c.PeerID)
		}
		state := string(c.State)
		if c.Missed() {
			state = "missed"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			c.StartedAt.Local().Format("2006-01-02 15:04"),
			c.Direction, c.Type, peer, state, c.Duration().Round(time.Second))
	}
	_ = tw.Flush()
	fmt.Printf("\n%d calls shown, %d missed in the last 24h\n", len(calls), missed)
}

func runRelay(dir string) {
	cfg, _, _ := loadConfig(dir, false)
	if cfg.Signaling.RelaySecret == "" {
		log.Fatalf("signaling.relay_secret (or CALLKIT_RELAY_SECRET) is required to run a relay")
	}
	stopLogs, err := app.SetupLogging(cfg.Log, io.Discard)
	if err != nil {
		log.Fatalf("Logging: %v", err)
	}
	defer stopLogs()

	relay := transport.NewRelay(transport.BearerIdentity([]byte(cfg.Signaling.RelaySecret)))
	mux := http.NewServeMux()
	mux.Handle("/signal", relay)
	mux.HandleFunc("/online", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		for _, id := range relay.Online() {
			fmt.Fprintln(w, id)
		}
	})

	srv := &http.Server{
		Addr:              cfg.Signaling.RelayAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, cancel := signalContext()
	defer cancel()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	fmt.Printf("Signaling relay on ws://%s/signal (Press Ctrl+C to stop)\n", cfg.Signaling.RelayAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("Relay failed: %v", err)
	}
}

func mintToken(dir, userID, name string) {
	cfg, _, _ := loadConfig(dir, false)
	if cfg.Signaling.RelaySecret == "" {
		log.Fatalf("signaling.relay_secret (or CALLKIT_RELAY_SECRET) is required to mint tokens")
	}
	id, err := util.ValidateUserID(userID)
	if err != nil {
		log.Fatalf("Invalid user id: %v", err)
	}
	tok, err := auth.Issue([]byte(cfg.Signaling.RelaySecret), auth.Identity{ID: id, DisplayName: name}, *tokenTTL)
	if err != nil {
		log.Fatalf("Failed to issue token: %v", err)
	}
	fmt.Println(tok)
}

func showUsage() {
	fmt.Println("callkit - 1:1 voice and video calls")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  callkit [options] <command> <directory> [args]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  run <directory>")
	fmt.Println("        Run a call endpoint from the specified directory")
	fmt.Println("        A default " + cfgName + " is written if none exists")
	fmt.Println()
	fmt.Println("  history <directory>")
	fmt.Println("        List recent calls of the endpoint")
	fmt.Println()
	fmt.Println("  relay <directory>")
	fmt.Println("        Run the WebSocket signaling relay")
	fmt.Println("        Requires signaling.relay_secret in " + cfgName)
	fmt.Println()
	fmt.Println("  token <directory> <user-id> [display-name]")
	fmt.Println("        Mint a signaling token signed with the relay secret")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version information")
	fmt.Println("  -open     Open the call API in the browser (run)")
	fmt.Println("  -n N      Calls listed by history (default 50)")
	fmt.Println("  -ttl D    Token lifetime, e.g. 720h (default: no expiry)")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  CALLKIT_* variables and a .env file in the directory override " + cfgName)
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  callkit relay ./relay")
	fmt.Println("  callkit token ./relay alice Alice")
	fmt.Println("  CALLKIT_TOKEN=... callkit run ./alice")
}

func printBanner(dir, cfgPath string, cfg config.Config) {
	fmt.Println("╔════════════════════════════════════════════════════════╗")
	fmt.Println("║                   callkit endpoint                     ║")
	fmt.Println("╚════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("Directory:   %s\n", dir)
	fmt.Printf("Config File: %s\n", cfgPath)
	if cfg.Identity.DisplayName != "" {
		fmt.Printf("User:        %s\n", cfg.Identity.DisplayName)
	}
	fmt.Printf("Signaling:   %s", cfg.Signaling.Transport)
	if cfg.Signaling.Transport == config.TransportWebSocket {
		fmt.Printf(" (%s)", cfg.Signaling.URL)
	}
	fmt.Println()
	fmt.Println()

	_, url, _ := app.NormalizeLocalViewer(cfg.Viewer.HTTPAddr)
	fmt.Printf("📞 Call API:  %s\n", url)
	fmt.Println()
	fmt.Println("Starting endpoint... (Press Ctrl+C to stop)")
	fmt.Println("────────────────────────────────────────────────────────")
	fmt.Println()
}
