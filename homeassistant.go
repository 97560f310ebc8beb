package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
)

// Home Assistant MQTT discovery. The engine registers one device for the
// inverter-side values and one device per charger, then publishes JSON state
// payloads that the discovery configs pick apart with value templates.

const engineDeviceID = "chargectl"

func engineStateTopic() string {
	return "homeassistant/sensor/" + engineDeviceID + "/state"
}

func chargerStateTopic(id string) string {
	return "homeassistant/sensor/" + id + "/state"
}

func switchStateTopic(id string) string {
	return "homeassistant/switch/" + id + "_use_excess/state"
}

func switchCommandTopic(id string) string {
	return "homeassistant/switch/" + id + "_use_excess/set"
}

type haDeviceConfig struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
}

type haSensorConfig struct {
	Name             string         `json:"name,omitempty"`
	DeviceClass      string         `json:"device_class,omitempty"`
	StateTopic       string         `json:"state_topic"`
	UnitOfMeasure    string         `json:"unit_of_measurement,omitempty"`
	ValueTemplate    string         `json:"value_template"`
	UniqueId         string         `json:"unique_id"`
	ExpireAfter      uint           `json:"expire_after,omitempty"`
	StateClass       string         `json:"state_class,omitempty"`
	DisplayPrecision int            `json:"suggested_display_precision,omitempty"`
	Device           haDeviceConfig `json:"device"`
}

type haSwitchConfig struct {
	Name         string         `json:"name"`
	StateTopic   string         `json:"state_topic"`
	CommandTopic string         `json:"command_topic"`
	UniqueId     string         `json:"unique_id"`
	Icon         string         `json:"icon,omitempty"`
	Device       haDeviceConfig `json:"device"`
}

// CreateSensorEntity registers one sensor under a device via MQTT discovery.
// The sensor reads jsonKey out of the device's state topic payload.
func (s *MQTTSender) CreateSensorEntity(
	device haDeviceConfig, stateTopic,
	entityName, deviceClass, unit, jsonKey, stateClass string,
) error {
	deviceID := device.Identifiers[0]
	config := haSensorConfig{
		Name:          entityName,
		DeviceClass:   deviceClass,
		StateTopic:    stateTopic,
		UnitOfMeasure: unit,
		ValueTemplate: "{{ value_json." + jsonKey + " }}",
		UniqueId:      deviceID + "_" + jsonKey,
		ExpireAfter:   60 * 30,
		StateClass:    stateClass,
		Device:        device,
	}

	payload, err := json.Marshal(config)
	if err != nil {
		return err
	}

	s.Send(MQTTMessage{
		Topic:   "homeassistant/sensor/" + deviceID + "_" + jsonKey + "/config",
		Payload: payload,
		QoS:     2,
		Retain:  true,
	})
	return nil
}

// CreateSwitchEntity registers the per-charger "Use Excess Solar" switch.
// The switch is not optimistic: its state follows the engine's published
// state topic, so a command only shows as ON once the engine applied it.
func (s *MQTTSender) CreateSwitchEntity(device haDeviceConfig, chargerID string) error {
	config := haSwitchConfig{
		Name:         "Use Excess Solar",
		StateTopic:   switchStateTopic(chargerID),
		CommandTopic: switchCommandTopic(chargerID),
		UniqueId:     chargerID + "_use_excess",
		Icon:         "mdi:solar-power",
		Device:       device,
	}

	payload, err := json.Marshal(config)
	if err != nil {
		return err
	}

	s.Send(MQTTMessage{
		Topic:   "homeassistant/switch/" + chargerID + "_use_excess/config",
		Payload: payload,
		QoS:     2,
		Retain:  true,
	})
	return nil
}

// registerEntities publishes all discovery configs. Retained, so Home
// Assistant restarts pick them up without the engine resending.
func registerEntities(sender *MQTTSender, cfg *Config) error {
	engine := haDeviceConfig{
		Identifiers:  []string{engineDeviceID},
		Name:         "Solar Charge Controller",
		Manufacturer: "gridsmith",
		Model:        fmt.Sprintf("%.0f kWh battery", cfg.System.BatteryCapacity),
	}

	sensors := []struct {
		name, class, unit, key, stateClass string
	}{
		{"Solar Power", "power", "W", "solar_power", "measurement"},
		{"House Power", "power", "W", "house_power", "measurement"},
		{"Grid Power", "power", "W", "grid_power", "measurement"},
		{"Battery Power", "power", "W", "battery_power", "measurement"},
		{"Battery Power (avg)", "power", "W", "avg_battery_power", "measurement"},
		{"Battery SOC", "battery", "%", "battery_soc", "measurement"},
		{"Battery Voltage", "voltage", "V", "battery_voltage", "measurement"},
		{"Battery Temperature", "temperature", "°C", "battery_temperature", "measurement"},
		{"AC Power", "power", "W", "ac_power", "measurement"},
		{"Excess Power", "power", "W", "excess_power", "measurement"},
		{"Yield Today", "energy", "kWh", "yield_today", "total_increasing"},
		{"Yield Total", "energy", "kWh", "yield_total", "total_increasing"},
		{"Imported Today", "energy", "kWh", "imported_today", "total_increasing"},
		{"Imported Total", "energy", "kWh", "imported_total", "total_increasing"},
		{"Mode", "", "", "mode", ""},
		{"Inverter Run Mode", "", "", "run_mode", ""},
		{"Time To Full", "", "", "time_to_full", ""},
		{"Time To Depleted", "", "", "time_to_depleted", ""},
	}
	for _, e := range sensors {
		if err := sender.CreateSensorEntity(engine, engineStateTopic(),
			e.name, e.class, e.unit, e.key, e.stateClass); err != nil {
			return fmt.Errorf("registering %s: %w", e.name, err)
		}
	}

	for _, ch := range cfg.Chargers {
		id := ch.ID()
		device := haDeviceConfig{
			Identifiers:  []string{id},
			Name:         ch.Name,
			Manufacturer: "Emporia",
			Model:        "EV Charger",
		}

		chargerSensors := []struct {
			name, class, unit, key, stateClass string
		}{
			{"Charging Current", "current", "A", "current", "measurement"},
			{"Charging Power", "power", "W", "power", "measurement"},
			{"Status", "", "", "message", ""},
		}
		for _, e := range chargerSensors {
			if err := sender.CreateSensorEntity(device, chargerStateTopic(id),
				e.name, e.class, e.unit, e.key, e.stateClass); err != nil {
				return fmt.Errorf("registering %s %s: %w", ch.Name, e.name, err)
			}
		}

		if err := sender.CreateSwitchEntity(device, id); err != nil {
			return fmt.Errorf("registering %s switch: %w", ch.Name, err)
		}
	}
	return nil
}

// chargerStatePayload is the per-charger state topic payload.
type chargerStatePayload struct {
	Current   int    `json:"current"`
	Power     int    `json:"power"`
	On        string `json:"on"`
	Connected string `json:"connected"`
	Message   string `json:"message"`
}

func onOff(b bool) string {
	if b {
		return "ON"
	}
	return "OFF"
}

// publishWorker turns each snapshot into retained-free state payloads for
// the discovery entities. Stale snapshots are not published; the entities'
// expire_after handles prolonged outages.
func publishWorker(ctx context.Context, snapshots <-chan Snapshot, sender *MQTTSender) {
	for {
		select {
		case snap := <-snapshots:
			if snap.Stale {
				continue
			}

			payload, err := json.Marshal(snap.Values())
			if err != nil {
				log.Printf("Failed to marshal snapshot: %v\n", err)
				continue
			}
			sender.Send(MQTTMessage{Topic: engineStateTopic(), Payload: payload, QoS: 0})

			for _, c := range snap.Chargers {
				chargerPayload, err := json.Marshal(chargerStatePayload{
					Current:   c.Amps,
					Power:     int(c.PowerWatts),
					On:        onOff(c.On),
					Connected: onOff(c.Connected),
					Message:   c.Message,
				})
				if err != nil {
					log.Printf("Failed to marshal charger %s state: %v\n", c.ID, err)
					continue
				}
				sender.Send(MQTTMessage{Topic: chargerStateTopic(c.ID), Payload: chargerPayload, QoS: 0})

				// Switch state is retained so HA shows it across restarts
				sender.Send(MQTTMessage{
					Topic:   switchStateTopic(c.ID),
					Payload: []byte(onOff(c.UseExcess)),
					QoS:     1,
					Retain:  true,
				})
			}

		case <-ctx.Done():
			return
		}
	}
}
