package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"
)

const (
	emporiaBaseURL = "https://api.emporiaenergy.com"

	// Device model identifying an EV charger in the device list
	chargerModel = "VVDN01"
)

// chargerConnectedMessages are the status messages that mean a vehicle is
// plugged in. Anything else (e.g. "No Vehicle Connected") means commands
// would be accepted but no charging can happen.
var chargerConnectedMessages = map[string]bool{
	"Connected to EV": true,
	"Charging":        true,
	"Please Wait":     true,
}

// ChargerStatus is the observed state of one EV charger.
type ChargerStatus struct {
	Name        string
	DeviceGID   int
	On          bool
	CurrentAmps int
	MaxAmps     int
	Message     string
}

// Connected reports whether a vehicle is plugged in.
func (s ChargerStatus) Connected() bool {
	return chargerConnectedMessages[s.Message]
}

// EmporiaClient talks to the Emporia cloud API for EV charger control.
type EmporiaClient struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewEmporiaClient reads the auth token from the creds file. The file is
// refreshed out of band; we only ever read it.
func NewEmporiaClient(credsFile string) (*EmporiaClient, error) {
	raw, err := os.ReadFile(credsFile)
	if err != nil {
		return nil, fmt.Errorf("charger API creds: %w", err)
	}

	var creds struct {
		IDToken string `json:"id_token"`
		Token   string `json:"token"`
	}
	if err := json.Unmarshal(raw, &creds); err != nil {
		return nil, fmt.Errorf("charger API creds %s: %w", credsFile, err)
	}

	token := creds.IDToken
	if token == "" {
		token = creds.Token
	}
	if token == "" {
		return nil, fmt.Errorf("charger API creds %s: no token", credsFile)
	}

	return &EmporiaClient{
		baseURL: emporiaBaseURL,
		token:   token,
		client:  &http.Client{Timeout: 15 * time.Second},
	}, nil
}

type emporiaDevice struct {
	DeviceGID          int    `json:"deviceGid"`
	Model              string `json:"model"`
	LocationProperties struct {
		DeviceName string `json:"deviceName"`
	} `json:"locationProperties"`
	EVCharger *emporiaCharger `json:"evCharger"`
}

type emporiaCharger struct {
	DeviceGID       int    `json:"deviceGid"`
	ChargerOn       bool   `json:"chargerOn"`
	ChargingRate    int    `json:"chargingRate"`
	MaxChargingRate int    `json:"maxChargingRate"`
	Message         string `json:"message"`
}

func (c *EmporiaClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("authtoken", c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("charger API %s %s: %s", method, path, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Chargers lists all EV chargers on the account with their current state.
func (c *EmporiaClient) Chargers(ctx context.Context) ([]ChargerStatus, error) {
	var payload struct {
		Devices []emporiaDevice `json:"devices"`
	}
	if err := c.do(ctx, http.MethodGet, "/customers/devices", nil, &payload); err != nil {
		return nil, err
	}

	var out []ChargerStatus
	for _, d := range payload.Devices {
		if d.Model != chargerModel || d.EVCharger == nil {
			continue
		}
		out = append(out, ChargerStatus{
			Name:        d.LocationProperties.DeviceName,
			DeviceGID:   d.DeviceGID,
			On:          d.EVCharger.ChargerOn,
			CurrentAmps: d.EVCharger.ChargingRate,
			MaxAmps:     d.EVCharger.MaxChargingRate,
			Message:     d.EVCharger.Message,
		})
	}
	return out, nil
}

// SetCharger commands a charger on or off at the given current and verifies
// the API's echoed state matches what was requested. A mismatch is an error;
// the caller must not assume the command took effect.
func (c *EmporiaClient) SetCharger(ctx context.Context, deviceGID int, on bool, amps int) (ChargerStatus, error) {
	req := emporiaCharger{
		DeviceGID:    deviceGID,
		ChargerOn:    on,
		ChargingRate: amps,
	}

	var echoed emporiaCharger
	if err := c.do(ctx, http.MethodPut, "/devices/evcharger", req, &echoed); err != nil {
		return ChargerStatus{}, err
	}

	status := ChargerStatus{
		DeviceGID:   echoed.DeviceGID,
		On:          echoed.ChargerOn,
		CurrentAmps: echoed.ChargingRate,
		MaxAmps:     echoed.MaxChargingRate,
		Message:     echoed.Message,
	}

	if echoed.ChargerOn != on || (on && echoed.ChargingRate != amps) {
		return status, fmt.Errorf("charger %d did not accept command on=%v %dA, reports on=%v %dA",
			deviceGID, on, amps, echoed.ChargerOn, echoed.ChargingRate)
	}
	return status, nil
}
