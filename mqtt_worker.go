package main

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// mqttWorker manages the broker connection. It subscribes to each charger's
// use-excess command topic, translating payloads into SwitchCommands for the
// control worker, and hands every (re)connected client to the sender worker.
func mqttWorker(
	ctx context.Context,
	cfg *Config,
	switchChan chan<- SwitchCommand,
	clientChan chan<- mqtt.Client,
) {
	commandTopics := make(map[string]string, len(cfg.Chargers)) // topic -> charger ID
	for _, ch := range cfg.Chargers {
		commandTopics[switchCommandTopic(ch.ID())] = ch.ID()
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:1883", cfg.MQTT.Broker))
	opts.SetClientID("chargectl")
	opts.SetUsername(cfg.MQTT.Username)
	opts.SetPassword(cfg.MQTT.Password)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetryInterval(5 * time.Second)

	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.Printf("MQTT connection lost: %v\n", err)
	})

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		log.Printf("Connected to MQTT broker at %s\n", cfg.MQTT.Broker)

		select {
		case clientChan <- client:
		case <-ctx.Done():
			return
		}

		for topic, chargerID := range commandTopics {
			id := chargerID
			token := client.Subscribe(topic, 1, func(client mqtt.Client, msg mqtt.Message) {
				cmd := SwitchCommand{
					ChargerID: id,
					UseExcess: strings.EqualFold(string(msg.Payload()), "ON"),
				}
				select {
				case switchChan <- cmd:
				case <-ctx.Done():
				}
			})

			if token.Wait() && token.Error() != nil {
				log.Printf("Failed to subscribe to %s: %v\n", topic, token.Error())
			} else {
				log.Printf("Subscribed to %s\n", topic)
			}
		}
	})

	client := mqtt.NewClient(opts)

	log.Printf("Connecting to MQTT broker at %s...\n", cfg.MQTT.Broker)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		log.Printf("Failed to connect to MQTT broker: %v\n", token.Error())
		return
	}

	<-ctx.Done()

	if client.IsConnected() {
		client.Disconnect(250)
		log.Println("Disconnected from MQTT broker")
	}
}
