package main

import (
	"context"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"github.com/ryansname/regctl/src/config"
)

// forwardTapCommand queues a tap command received on topic. It never blocks,
// as it runs on the paho delivery goroutine.
func forwardTapCommand(sender *MQTTSender, topic string, payload []byte, tapChan chan<- TapCommand, log logrus.FieldLogger) bool {
	cmd, err := sender.ParseTapCommand(topic, payload)
	if err != nil {
		log.WithError(err).Warnf("Ignoring message on %s", topic)
		return false
	}

	select {
	case tapChan <- cmd:
		return true
	default:
		log.Warnf("Tap command queue full, dropping %s", topic)
		return false
	}
}

// mqttWorker manages the MQTT connection and forwards tap commands to the simulation
func mqttWorker(
	ctx context.Context,
	cfg config.MQTTConfig,
	clientID string,
	topics []string,
	sender *MQTTSender,
	tapChan chan<- TapCommand,
	clientChan chan<- mqtt.Client,
	log logrus.FieldLogger,
) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(clientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetryInterval(5 * time.Second)

	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.WithError(err).Warn("MQTT connection lost")
	})

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		log.Infof("Connected to MQTT broker at %s", cfg.Broker)

		// Send the new client to the sender worker
		select {
		case clientChan <- client:
		case <-ctx.Done():
			return
		}

		for _, topic := range topics {
			token := client.Subscribe(topic, 1, func(client mqtt.Client, msg mqtt.Message) {
				forwardTapCommand(sender, msg.Topic(), msg.Payload(), tapChan, log)
			})

			if token.Wait() && token.Error() != nil {
				log.WithError(token.Error()).Errorf("Failed to subscribe to topic %s", topic)
			} else {
				log.Debugf("Subscribed to topic: %s", topic)
			}
		}
	})

	client := mqtt.NewClient(opts)

	log.Infof("Connecting to MQTT broker at %s...", cfg.Broker)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		log.WithError(token.Error()).Error("Failed to connect to MQTT broker")
		return
	}

	// Keep worker alive until context is done
	<-ctx.Done()

	if client.IsConnected() {
		client.Disconnect(250)
		log.Info("Disconnected from MQTT broker")
	}
}
