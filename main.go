package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/joho/godotenv"
)

// SafeGo launches a goroutine with panic recovery.
// If the goroutine panics, the context is cancelled and the panic is logged.
func SafeGo(
	ctx context.Context,
	cancel context.CancelFunc,
	name string,
	fn func(ctx context.Context),
) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("Panic in %s: %v\n", name, r)
				cancel()
			}
		}()
		fn(ctx)
	}()
}

func main() {
	log.Println("Starting chargectl...")

	// Load .env file for MQTT credential fallback
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: Error loading .env file: %v\n", err)
	}

	cfg, err := LoadConfig(os.Args[1:])
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	solax := NewSolaxClient(cfg.Solax.IPAddress, cfg.Solax.SerialNumber)

	emporia, err := NewEmporiaClient(cfg.System.CredsFile)
	if err != nil {
		log.Fatalf("Failed to create charger API client: %v", err)
	}

	worker, err := NewControlWorker(cfg, solax, emporia)
	if err != nil {
		log.Fatalf("Failed to create control worker: %v", err)
	}

	// Charger identity is resolved once; a missing charger is fatal
	resolveCtx, cancelResolve := context.WithTimeout(ctx, 30*time.Second)
	err = worker.ResolveChargers(resolveCtx)
	cancelResolve()
	if err != nil {
		log.Fatalf("Failed to resolve chargers: %v", err)
	}

	// Channels for communication between workers
	snapshotChan := make(chan Snapshot, 10)
	displayChan := make(chan Snapshot, 10)
	publishChan := make(chan Snapshot, 10)
	debugChan := make(chan Snapshot, 10)
	switchChan := make(chan SwitchCommand, 10)
	mqttOutgoingChan := make(chan MQTTMessage, 100) // Larger buffer for queuing
	mqttClientChan := make(chan mqtt.Client, 1)     // Buffered to prevent blocking onConnect

	sender := NewMQTTSender(mqttOutgoingChan)

	SafeGo(ctx, cancel, "mqtt-sender-worker", func(ctx context.Context) {
		mqttSenderWorker(ctx, mqttOutgoingChan, mqttClientChan)
	})
	log.Println("MQTT sender worker started")

	// Discovery configs queue in the sender until the broker connects
	log.Println("Creating Home Assistant entities...")
	if err := registerEntities(sender, cfg); err != nil {
		log.Fatalf("Failed to create Home Assistant entities: %v", err)
	}
	log.Println("Home Assistant entities created")

	SafeGo(ctx, cancel, "display-worker", func(ctx context.Context) {
		displayWorker(ctx, displayChan)
	})
	log.Println("Display worker started")

	SafeGo(ctx, cancel, "publish-worker", func(ctx context.Context) {
		publishWorker(ctx, publishChan, sender)
	})
	log.Println("Publish worker started")

	SafeGo(ctx, cancel, "debug-worker", func(ctx context.Context) {
		debugWorker(ctx, cancel, debugChan)
	})
	log.Println("Debug worker started")

	downstreamChans := []chan<- Snapshot{
		displayChan,
		publishChan,
		debugChan,
	}
	SafeGo(ctx, cancel, "broadcast-worker", func(ctx context.Context) {
		broadcastWorker(ctx, snapshotChan, downstreamChans)
	})
	log.Println("Broadcast worker started")

	SafeGo(ctx, cancel, "mqtt-worker", func(ctx context.Context) {
		mqttWorker(ctx, cfg, switchChan, mqttClientChan)
	})
	log.Println("MQTT worker started")

	SafeGo(ctx, cancel, "control-worker", func(ctx context.Context) {
		worker.run(ctx, switchChan, snapshotChan)
	})
	log.Println("Control worker started")

	// Wait for interrupt signal or context cancellation (from panic)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		log.Println("\nShutting down...")
	case <-ctx.Done():
		log.Println("\nShutting down due to error...")
	}
}
