package main

import (
	"context"
	"log"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTMessage represents an outgoing MQTT message
type MQTTMessage struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

// MQTTSender wraps the outgoing message channel with helper methods
type MQTTSender struct {
	ch chan<- MQTTMessage
}

func NewMQTTSender(ch chan<- MQTTMessage) *MQTTSender {
	return &MQTTSender{ch: ch}
}

// Send sends a raw MQTTMessage
func (s *MQTTSender) Send(msg MQTTMessage) {
	s.ch <- msg
}

// mqttSenderWorker handles outgoing MQTT messages with queuing. Messages
// sent before the connection is up (discovery configs, mostly) are held and
// flushed once the worker receives a connected client.
func mqttSenderWorker(ctx context.Context, outgoingChan <-chan MQTTMessage, clientChan <-chan mqtt.Client) {
	var client mqtt.Client
	var queue []MQTTMessage

	publish := func(msg MQTTMessage) {
		token := client.Publish(msg.Topic, msg.QoS, msg.Retain, msg.Payload)
		token.Wait()
		if token.Error() != nil {
			log.Printf("Failed to publish to %s: %v\n", msg.Topic, token.Error())
		}
	}

	for {
		select {
		case newClient := <-clientChan:
			client = newClient
			if client != nil && client.IsConnected() && len(queue) > 0 {
				for _, msg := range queue {
					publish(msg)
				}
				log.Printf("MQTT sender flushed %d queued messages\n", len(queue))
				queue = nil
			}

		case msg := <-outgoingChan:
			if client != nil && client.IsConnected() {
				publish(msg)
			} else {
				queue = append(queue, msg)
			}

		case <-ctx.Done():
			log.Println("MQTT sender worker stopped")
			return
		}
	}
}
