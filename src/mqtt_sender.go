package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"github.com/ryansname/regctl/src/phasor"
	"github.com/ryansname/regctl/src/regulator"
)

// MQTTMessage represents an outgoing MQTT message
type MQTTMessage struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

// MQTTSender wraps a channel for sending MQTT messages with helper methods
type MQTTSender struct {
	ch              chan<- MQTTMessage
	topicPrefix     string
	discoveryPrefix string
}

// NewMQTTSender creates a new MQTTSender wrapping the given channel
func NewMQTTSender(ch chan<- MQTTMessage, topicPrefix, discoveryPrefix string) *MQTTSender {
	return &MQTTSender{ch: ch, topicPrefix: topicPrefix, discoveryPrefix: discoveryPrefix}
}

// Send sends a raw MQTTMessage
func (s *MQTTSender) Send(msg MQTTMessage) {
	s.ch <- msg
}

func deviceID(name string) string {
	return "regctl_" + strings.ReplaceAll(strings.ToLower(name), " ", "_")
}

func phaseSuffix(phase int) string {
	return strings.ToLower(phasor.Names[phase])
}

func (s *MQTTSender) stateTopic(name string) string {
	return s.topicPrefix + "/" + name + "/state"
}

func (s *MQTTSender) alarmTopic(name string) string {
	return s.topicPrefix + "/" + name + "/alarm"
}

func (s *MQTTSender) tapCommandTopic(name string, phase int) string {
	return s.topicPrefix + "/" + name + "/" + phaseSuffix(phase) + "/tap/set"
}

// CommandTopics lists the tap command topics of every manually controlled regulator
func (s *MQTTSender) CommandTopics(regulators []*regulator.Regulator) []string {
	var topics []string
	for _, r := range regulators {
		if r.Config == nil || r.Config.Control.Automatic() {
			continue
		}
		for phase := range 3 {
			topics = append(topics, s.tapCommandTopic(r.Name(), phase))
		}
	}
	return topics
}

// ParseTapCommand decodes a message on a tap command topic
func (s *MQTTSender) ParseTapCommand(topic string, payload []byte) (TapCommand, error) {
	rest, ok := strings.CutPrefix(topic, s.topicPrefix+"/")
	if !ok {
		return TapCommand{}, fmt.Errorf("topic %s is outside %s", topic, s.topicPrefix)
	}
	rest, ok = strings.CutSuffix(rest, "/tap/set")
	if !ok {
		return TapCommand{}, fmt.Errorf("topic %s is not a tap command", topic)
	}
	name, phaseName, ok := strings.Cut(rest, "/")
	if !ok || name == "" {
		return TapCommand{}, fmt.Errorf("topic %s has no regulator and phase", topic)
	}

	phase := -1
	for i, n := range phasor.Names {
		if strings.EqualFold(n, phaseName) {
			phase = i
		}
	}
	if phase < 0 {
		return TapCommand{}, fmt.Errorf("unknown phase %q", phaseName)
	}

	// Home Assistant number entities send floats
	value, err := strconv.ParseFloat(strings.TrimSpace(string(payload)), 64)
	if err != nil {
		return TapCommand{}, fmt.Errorf("invalid tap %q: %w", payload, err)
	}
	if value != math.Trunc(value) {
		return TapCommand{}, fmt.Errorf("tap %v is not a whole step", value)
	}

	return TapCommand{Regulator: name, Phase: phase, Tap: int(value)}, nil
}

type haDeviceConfig struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
}

type haEntityConfig struct {
	Name             string         `json:"name,omitempty"`
	DeviceClass      string         `json:"device_class,omitempty"`
	StateTopic       string         `json:"state_topic"`
	CommandTopic     string         `json:"command_topic,omitempty"`
	UnitOfMeasure    string         `json:"unit_of_measurement,omitempty"`
	ValueTemplate    string         `json:"value_template"`
	UniqueId         string         `json:"unique_id"`
	StateClass       string         `json:"state_class,omitempty"`
	DisplayPrecision int            `json:"suggested_display_precision,omitempty"`
	Min              *float64       `json:"min,omitempty"`
	Max              *float64       `json:"max,omitempty"`
	Icon             string         `json:"icon,omitempty"`
	PayloadOn        string         `json:"payload_on,omitempty"`
	PayloadOff       string         `json:"payload_off,omitempty"`
	Device           haDeviceConfig `json:"device"`
}

func (s *MQTTSender) sendDiscovery(component, objectID string, config haEntityConfig) error {
	payload, err := json.Marshal(config)
	if err != nil {
		return err
	}

	s.Send(MQTTMessage{
		Topic:   s.discoveryPrefix + "/" + component + "/" + objectID + "/config",
		Payload: payload,
		QoS:     2,
		Retain:  true,
	})
	return nil
}

// CreateRegulatorEntities creates Home Assistant entities for a regulator via MQTT discovery:
// tap, check voltage and stage sensors per phase, an alarm binary sensor, and
// tap number controls when the regulator is under manual control.
func (s *MQTTSender) CreateRegulatorEntities(name string, cfg *regulator.Configuration) error {
	id := deviceID(name)
	device := haDeviceConfig{
		Identifiers:  []string{id},
		Name:         name,
		Manufacturer: "regctl",
	}
	if cfg != nil {
		device.Model = fmt.Sprintf("%s %s %s", cfg.Type, cfg.Connection, cfg.Control)
	}

	for phase := range 3 {
		suffix := phaseSuffix(phase)
		label := "Phase " + phasor.Names[phase]

		sensors := []struct {
			key, name, class, unit string
			precision              int
		}{
			{"tap_" + suffix, label + " tap", "", "", 0},
			{"check_voltage_" + suffix, label + " check voltage", "voltage", "V", 2},
			{"stage_" + suffix, label + " stage", "", "", 0},
		}
		for _, sensor := range sensors {
			config := haEntityConfig{
				Name:             sensor.name,
				DeviceClass:      sensor.class,
				StateTopic:       s.stateTopic(name),
				UnitOfMeasure:    sensor.unit,
				ValueTemplate:    "{{ value_json." + sensor.key + " }}",
				UniqueId:         id + "_" + sensor.key,
				DisplayPrecision: sensor.precision,
				Device:           device,
			}
			if sensor.class != "" {
				config.StateClass = "measurement"
			}
			if err := s.sendDiscovery("sensor", id+"_"+sensor.key, config); err != nil {
				return err
			}
		}

		if cfg == nil || cfg.Control.Automatic() {
			continue
		}
		lower, raise := float64(-cfg.LowerTaps), float64(cfg.RaiseTaps)
		number := haEntityConfig{
			Name:          label + " tap setpoint",
			StateTopic:    s.stateTopic(name),
			CommandTopic:  s.tapCommandTopic(name, phase),
			ValueTemplate: "{{ value_json.tap_" + suffix + " }}",
			UniqueId:      id + "_tap_set_" + suffix,
			Min:           &lower,
			Max:           &raise,
			Icon:          "mdi:tune-vertical",
			Device:        device,
		}
		if err := s.sendDiscovery("number", id+"_tap_set_"+suffix, number); err != nil {
			return err
		}
	}

	alarm := haEntityConfig{
		Name:          "Check voltage alarm",
		DeviceClass:   "problem",
		StateTopic:    s.alarmTopic(name),
		ValueTemplate: "{{ 'ON' if value_json.level != '" + AlarmNone + "' else 'OFF' }}",
		UniqueId:      id + "_alarm",
		PayloadOn:     "ON",
		PayloadOff:    "OFF",
		Device:        device,
	}
	return s.sendDiscovery("binary_sensor", id+"_alarm", alarm)
}

// statePayload flattens a regulator status into the JSON published on its state topic
func statePayload(data SimData, status regulator.Status) map[string]any {
	payload := map[string]any{
		"run_id": data.RunID,
		"time":   int64(data.Time),
	}
	if !status.Next.IsNever() {
		payload["next"] = int64(status.Next)
	}
	if status.Err != nil {
		payload["error"] = status.Err.Error()
	}
	for phase, ps := range status.Phases {
		suffix := phaseSuffix(phase)
		payload["tap_"+suffix] = ps.Tap
		payload["check_voltage_"+suffix] = math.Round(ps.CheckVoltage*100) / 100
		payload["stage_"+suffix] = ps.Stage.String()
	}
	return payload
}

// PublishState publishes the state of every regulator in data
func (s *MQTTSender) PublishState(data SimData) error {
	for _, status := range data.Regulators {
		payload, err := json.Marshal(statePayload(data, status))
		if err != nil {
			return err
		}
		s.Send(MQTTMessage{
			Topic:   s.stateTopic(status.Name),
			Payload: payload,
			QoS:     0,
			Retain:  true,
		})
	}
	return nil
}

// PublishAlarm publishes a regulator's alarm state
func (s *MQTTSender) PublishAlarm(name string, alarm VoltageAlarm) error {
	payload, err := json.Marshal(map[string]any{
		"level": alarm.Level,
		"phase": phasor.Names[alarm.Phase],
		"volts": math.Round(alarm.Volts*100) / 100,
		"since": int64(alarm.Since),
	})
	if err != nil {
		return err
	}

	s.Send(MQTTMessage{
		Topic:   s.alarmTopic(name),
		Payload: payload,
		QoS:     1,
		Retain:  true,
	})
	return nil
}

// mqttStateWorker publishes regulator state for every timestep it receives
func mqttStateWorker(ctx context.Context, dataChan <-chan SimData, sender *MQTTSender, log logrus.FieldLogger) {
	for {
		select {
		case data := <-dataChan:
			if err := sender.PublishState(data); err != nil {
				log.WithError(err).Error("Failed to publish regulator state")
			}
		case <-ctx.Done():
			return
		}
	}
}

// isDiscoveryTopic checks if a topic is an MQTT discovery config topic
func isDiscoveryTopic(topic string) bool {
	return strings.HasSuffix(topic, "/config")
}

// mqttSenderWorker handles outgoing MQTT messages, queuing them until a client connects
func mqttSenderWorker(
	ctx context.Context,
	outgoingChan <-chan MQTTMessage,
	clientChan <-chan mqtt.Client,
	log logrus.FieldLogger,
) {
	log.Info("MQTT sender worker started")

	var client mqtt.Client
	var messageQueue []MQTTMessage

	publish := func(msg MQTTMessage) {
		token := client.Publish(msg.Topic, msg.QoS, msg.Retain, msg.Payload)
		token.Wait()
		if token.Error() != nil {
			log.WithError(token.Error()).Errorf("Failed to publish to %s", msg.Topic)
		}
	}

	for {
		select {
		case newClient := <-clientChan:
			log.Info("MQTT sender worker received new client")
			client = newClient

			// Process any queued messages now that we have a client
			if client != nil && client.IsConnected() {
				queuedCount := len(messageQueue)
				for _, msg := range messageQueue {
					publish(msg)
				}
				messageQueue = nil
				if queuedCount > 0 {
					log.Infof("MQTT sender worker processed %d queued messages", queuedCount)
				}
			}

		case msg := <-outgoingChan:
			if client != nil && client.IsConnected() {
				publish(msg)
				continue
			}

			// Only discovery and retained state survive until a client connects.
			// Retained topics keep just their latest payload.
			if !isDiscoveryTopic(msg.Topic) && !msg.Retain {
				continue
			}
			replaced := false
			for i := range messageQueue {
				if messageQueue[i].Topic == msg.Topic {
					messageQueue[i] = msg
					replaced = true
				}
			}
			if !replaced {
				messageQueue = append(messageQueue, msg)
				log.Debugf("MQTT sender worker queued message (total queued: %d)", len(messageQueue))
			}

		case <-ctx.Done():
			log.Info("MQTT sender worker stopped")
			return
		}
	}
}
