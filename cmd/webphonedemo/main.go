// Command webphonedemo is a terminal reference client for the webphone
// library: it registers one SIP account over secure WebSocket and exposes
// dial/accept/hold/transfer/DTMF as interactive console commands. It exists
// to exercise the library end to end, not as a production softphone.
package main

import (
	"context"
	"flag"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"webphone"
	"webphone/internal/democonsole"
	"webphone/internal/logging"
)

func main() {
	log.SetFlags(0)
	log.SetPrefix(time.Now().Format("2006-01-02 15:04:05 "))

	if err := democonsole.Init(); err != nil {
		log.Fatalf("failed to initialize console: %v", err)
	}

	envPath := flag.String("env", ".env", "path to .env file")
	flag.Parse()

	cfg, warnings, err := loadDemoConfig(*envPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	rotate := &lumberjack.Logger{
		Filename:   cfg.LogFile,
		MaxSize:    10, // megabytes
		MaxBackups: 3,
		MaxAge:     28, // days
	}
	defer rotate.Close()

	logging.Init(cfg.LogLevel)
	logging.SetWriters(io.MultiWriter(democonsole.Stdout(), rotate), io.MultiWriter(democonsole.Stderr(), rotate))
	for _, msg := range warnings {
		logging.Warn(msg)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	client, err := webphone.NewClient(cfg.Transport)
	if err != nil {
		stop()
		log.Fatalf("failed to build client: %v", err)
	}
	defer client.Close()

	console := democonsole.NewService(client, stop)
	console.Start(ctx)

	<-ctx.Done()
	console.Stop()
	stop()
	log.Println("Graceful shutdown complete")
}
