// Command scanner is the gate device client. Codes typed (or piped from a
// barcode reader) on stdin are verified against the hub; scans that cannot
// reach it are parked in a local queue file and replayed automatically.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"tickethub/internal/scanqueue"
	"tickethub/models"

	"github.com/google/uuid"
)

func main() {
	var (
		serverURL   = flag.String("server", "http://localhost:8090", "hub base URL")
		deviceID    = flag.String("device-id", "", "scanner device id")
		deviceKey   = flag.String("device-key", "", "scanner device key")
		dbPath      = flag.String("db", "scanner.db", "offline queue file")
		maxAttempts = flag.Int("max-attempts", 8, "delivery attempts before operator escalation")
	)
	flag.Parse()

	if *deviceID == "" || *deviceKey == "" {
		log.Fatal("device-id and device-key are required")
	}

	store, err := scanqueue.Open(*dbPath)
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	verifier := scanqueue.NewHTTPVerifier(*serverURL, *deviceID, *deviceKey)
	queue := scanqueue.NewQueue(store, verifier, *deviceID, scanqueue.Options{
		MaxAttempts: *maxAttempts,
		OnEscalated: func(rec *models.ScanRecord) {
			fmt.Printf("!! ESCALATED %s - hold the ticket and call the operator\n", rec.TicketRef)
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	queue.Start(ctx)

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan

		fmt.Println("\nSyncing queue before exit...")
		cancel()
		queue.Shutdown()
		store.Close()
		os.Exit(0)
	}()

	if escalated, err := store.Escalated(); err == nil && len(escalated) > 0 {
		fmt.Printf("!! %d escalated scans need the operator\n", len(escalated))
	}

	fmt.Println("Scan a code and press enter (Ctrl+C to quit)")
	in := bufio.NewScanner(os.Stdin)
	for in.Scan() {
		code := strings.TrimSpace(in.Text())
		if code == "" {
			continue
		}

		ack, queued, err := queue.Scan(ctx, models.ScanRequest{
			Code:      code,
			ScannerID: *deviceID,
			ScannedAt: time.Now(),
			DedupKey:  uuid.NewString(),
		})
		switch {
		case err != nil:
			fmt.Printf("?? %s: %v\n", code, err)
		case queued:
			fmt.Printf(".. %s queued for sync\n", code)
		default:
			fmt.Printf("=> %s: %s\n", code, ack.Verdict)
		}
	}
}
