// Command termdemo is a smoke-test harness: it opens one account's
// connection, waits for the initial synchronize to complete, prints a
// snapshot of the mirrored terminal state, and shuts down cleanly on
// SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coachpo/termconnect"
	"github.com/coachpo/termconnect/config"
	"github.com/coachpo/termconnect/internal/observability"
	"github.com/coachpo/termconnect/internal/syncengine"
	"github.com/coachpo/termconnect/internal/telemetry"
)

const telemetryShutdownTimeout = 5 * time.Second

func main() {
	url, accountID, copyFactory, configPath := parseFlags()

	observability.SetLogger(observability.NewLogrusLogger(observability.LogrusConfig{AlsoStderr: true}))
	logger := log.New(os.Stdout, "termdemo ", log.LstdFlags)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	telemetryProvider, err := telemetry.NewProvider(ctx, telemetry.DefaultConfig())
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
		defer shutdownCancel()
		if err := telemetryProvider.Shutdown(shutdownCtx); err != nil {
			logger.Printf("shutdown telemetry: %v", err)
		}
	}()

	cfg := config.FromEnv()
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
		if err != nil {
			logger.Fatalf("load config file %s: %v", configPath, err)
		}
	}

	client, err := termconnect.New(termconnect.Options{URL: url, Config: cfg})
	if err != nil {
		logger.Fatalf("connect transport: %v", err)
	}

	conn, err := client.Connect(ctx, termconnect.ConnectOptions{
		AccountID:     accountID,
		IsCopyFactory: copyFactory,
	})
	if err != nil {
		logger.Fatalf("open connection for account %s: %v", accountID, err)
	}
	logger.Printf("connection opened for account %s", accountID)

	waitCtx, waitCancel := context.WithTimeout(ctx, 60*time.Second)
	err = conn.WaitSynchronized(waitCtx, syncengine.WaitOptions{TimeoutInSeconds: 60})
	waitCancel()
	if err != nil {
		logger.Printf("wait for synchronization: %v", err)
	} else {
		logger.Print("synchronization complete")
	}

	printSnapshot(logger, conn)

	logger.Print("termdemo running; press ctrl-c to exit")
	<-ctx.Done()
	logger.Print("shutdown signal received")

	if err := conn.Close(); err != nil {
		logger.Printf("close connection: %v", err)
	}
	client.Close()
	logger.Print("shutdown complete")
}

func printSnapshot(logger *log.Logger, conn *termconnect.Connection) {
	info, ok := conn.Mirror().AccountInformation()
	if !ok {
		logger.Print("account information not yet received")
		return
	}
	logger.Printf("account %s: currency=%s balance=%s equity=%s positions=%d orders=%d",
		conn.AccountID(), info.Currency, info.Balance.String(), info.Equity.String(),
		len(conn.Mirror().Positions()), len(conn.Mirror().Orders()))
}

func parseFlags() (url, accountID string, copyFactory bool, configPath string) {
	u := flag.String("url", os.Getenv("TERMCONNECT_URL"), "terminal server websocket URL")
	a := flag.String("account", os.Getenv("TERMCONNECT_ACCOUNT_ID"), "account id to connect")
	cf := flag.Bool("copy-factory", false, "use the CopyFactory applicationPattern for waitSynchronized")
	c := flag.String("config", os.Getenv("TERMCONNECT_CONFIG_FILE"), "optional YAML config file overriding env defaults")
	flag.Parse()
	if *u == "" || *a == "" {
		fmt.Fprintln(os.Stderr, "usage: termdemo -url <ws url> -account <account id> [-copy-factory] [-config <path>]")
		os.Exit(2)
	}
	return *u, *a, *cf, *c
}
