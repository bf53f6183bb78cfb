// Command simulator drives the integrity engine with a synthetic fleet whose
// hosts report trips the way real hosts do: mostly right, sometimes with a
// missing reading or a mistyped odometer, with personal miles in between.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"
	"github.com/ukydev/usage-integrity/internal/ingest"
	"github.com/ukydev/usage-integrity/internal/models"
)

// Profile describes how a host reports and uses a vehicle.
type Profile struct {
	MissingStartProb    float64
	MissingEndProb      float64
	TypoProb            float64 // recorded start lower than the true odometer
	PersonalMilesPerDay float64
	ServiceEveryTrips   int
}

var profiles = []Profile{
	{MissingStartProb: 0.05, MissingEndProb: 0.05, TypoProb: 0.01, PersonalMilesPerDay: 0, ServiceEveryTrips: 8},
	{MissingStartProb: 0.2, MissingEndProb: 0.1, TypoProb: 0.05, PersonalMilesPerDay: 30, ServiceEveryTrips: 10},
	{MissingStartProb: 0.4, MissingEndProb: 0.4, TypoProb: 0.1, PersonalMilesPerDay: 120, ServiceEveryTrips: 0},
}

// VehicleState is one simulated vehicle and its true odometer.
type VehicleState struct {
	VehicleID string
	HostID    string
	Odometer  int64
	Clock     time.Time
	TripSeq   int
	Profile   Profile
}

// nextTrip advances the vehicle through an idle stretch and one rental and
// returns the trip as the host would report it.
func (s *VehicleState) nextTrip(rng *rand.Rand) models.Trip {
	idleDays := 1 + rng.Intn(6)
	personal := float64(idleDays) * s.Profile.PersonalMilesPerDay * (0.5 + rng.Float64())
	s.Odometer += int64(personal)

	start := s.Clock.AddDate(0, 0, idleDays)
	tripDays := 1 + rng.Intn(4)
	end := start.AddDate(0, 0, tripDays)
	miles := int64(tripDays * (40 + rng.Intn(160)))

	s.TripSeq++
	trip := models.Trip{
		TripID:    fmt.Sprintf("%s-trip-%04d", s.VehicleID, s.TripSeq),
		VehicleID: s.VehicleID,
		HostID:    s.HostID,
		BookingID: fmt.Sprintf("%s-booking-%04d", s.VehicleID, s.TripSeq),
		StartDate: start,
		EndDate:   end,
	}
	if rng.Float64() >= s.Profile.MissingStartProb {
		recorded := s.Odometer
		if rng.Float64() < s.Profile.TypoProb {
			recorded -= int64(200 + rng.Intn(1000))
			if recorded < 0 {
				recorded = 0
			}
		}
		trip.RecordedStartMileage = models.Miles(recorded)
	}
	s.Odometer += miles
	if rng.Float64() >= s.Profile.MissingEndProb {
		trip.RecordedEndMileage = models.Miles(s.Odometer)
	}
	s.Clock = end
	return trip
}

// serviceDue reports whether a service record follows the latest trip.
func (s *VehicleState) serviceDue() bool {
	return s.Profile.ServiceEveryTrips > 0 && s.TripSeq%s.Profile.ServiceEveryTrips == 0
}

func (s *VehicleState) serviceRecord() models.ServiceRecord {
	return models.ServiceRecord{
		VehicleID:        s.VehicleID,
		ServiceDate:      s.Clock,
		MileageAtService: s.Odometer,
		ServiceType:      models.ServiceOilChange,
	}
}

// Publisher delivers simulated events to the engine.
type Publisher interface {
	PublishTrip(trip models.Trip) error
	PublishServiceRecord(rec models.ServiceRecord) error
}

// --- HTTP ---

var authToken string

func authorizedPost(url string, contentType string, body *bytes.Buffer) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodPost, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	if authToken != "" {
		req.Header.Set("Authorization", "Bearer "+authToken)
	}
	client := &http.Client{Timeout: 10 * time.Second}
	return client.Do(req)
}

// login exchanges operator credentials for a token.
func login(apiURL, username, password string) (string, error) {
	data, err := json.Marshal(models.LoginRequest{Username: username, Password: password})
	if err != nil {
		return "", err
	}
	resp, err := authorizedPost(apiURL+"/auth/login", "application/json", bytes.NewBuffer(data))
	if err != nil {
		return "", fmt.Errorf("login request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("login failed with status: %d", resp.StatusCode)
	}
	var out models.LoginResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode login response: %w", err)
	}
	return out.Token, nil
}

type httpPublisher struct {
	apiURL string
}

func (p httpPublisher) post(path string, v interface{}) (int, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return 0, err
	}
	resp, err := authorizedPost(p.apiURL+path, "application/json", bytes.NewBuffer(data))
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

func (p httpPublisher) PublishTrip(trip models.Trip) error {
	status, err := p.post("/trips", trip)
	if err != nil {
		return err
	}
	switch status {
	case http.StatusCreated, http.StatusAccepted:
		return nil
	default:
		return fmt.Errorf("trip %s rejected with status: %d", trip.TripID, status)
	}
}

func (p httpPublisher) PublishServiceRecord(rec models.ServiceRecord) error {
	status, err := p.post("/service-records", rec)
	if err != nil {
		return err
	}
	if status != http.StatusCreated {
		return fmt.Errorf("service record rejected with status: %d", status)
	}
	return nil
}

// --- MQTT ---

type mqttPublisher struct {
	client mqtt.Client
	prefix string
}

func newMQTTPublisher(broker, prefix string) (*mqttPublisher, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(fmt.Sprintf("usage-simulator-%d", time.Now().UnixNano()))
	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10*time.Second) || token.Error() != nil {
		return nil, fmt.Errorf("connect to %s: %v", broker, token.Error())
	}
	return &mqttPublisher{client: client, prefix: prefix}, nil
}

func (p *mqttPublisher) publish(suffix string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	token := p.client.Publish(p.prefix+"/"+suffix, 1, false, data)
	token.Wait()
	return token.Error()
}

func (p *mqttPublisher) PublishTrip(trip models.Trip) error {
	return p.publish(ingest.TopicTripsClosed, trip)
}

func (p *mqttPublisher) PublishServiceRecord(rec models.ServiceRecord) error {
	return p.publish(ingest.TopicServiceRecords, rec)
}

// --- Fleet ---

func newFleet(size int, start time.Time, rng *rand.Rand) []*VehicleState {
	fleet := make([]*VehicleState, 0, size)
	for i := 0; i < size; i++ {
		fleet = append(fleet, &VehicleState{
			VehicleID: fmt.Sprintf("sim-vehicle-%03d", i+1),
			HostID:    fmt.Sprintf("sim-host-%03d", i%4+1),
			Odometer:  int64(5000 + rng.Intn(60000)),
			Clock:     start,
			Profile:   profiles[i%len(profiles)],
		})
	}
	return fleet
}

// seed sends each vehicle's first attested reading.
func seed(pub Publisher, fleet []*VehicleState) {
	for _, s := range fleet {
		if err := pub.PublishServiceRecord(s.serviceRecord()); err != nil {
			log.WithError(err).WithField("vehicle_id", s.VehicleID).Error("Failed to send baseline service record")
		}
	}
}

// step emits one trip per vehicle, plus any service record that falls due.
func step(pub Publisher, fleet []*VehicleState, rng *rand.Rand) (sent int) {
	for _, s := range fleet {
		trip := s.nextTrip(rng)
		if err := pub.PublishTrip(trip); err != nil {
			log.WithError(err).WithField("trip_id", trip.TripID).Error("Failed to send trip")
			continue
		}
		sent++
		log.WithFields(log.Fields{
			"trip_id":       trip.TripID,
			"true_odometer": s.Odometer,
			"missing_start": trip.RecordedStartMileage == nil,
			"missing_end":   trip.RecordedEndMileage == nil,
		}).Debug("Sent trip")

		if s.serviceDue() {
			if err := pub.PublishServiceRecord(s.serviceRecord()); err != nil {
				log.WithError(err).WithField("vehicle_id", s.VehicleID).Error("Failed to send service record")
			}
		}
	}
	return sent
}

func envInt(key string, def int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func main() {
	authToken = os.Getenv("SIM_AUTH_TOKEN")

	fleetSize := envInt("FLEET_SIZE", 10)
	rounds := envInt("SIM_ROUNDS", 20)
	interval := time.Duration(envInt("SIM_TICK_SECONDS", 2)) * time.Second

	apiURL := os.Getenv("API_BASE_URL")
	if apiURL == "" {
		apiURL = "http://localhost:8080/api"
	}

	if authToken == "" && os.Getenv("SIM_USERNAME") != "" {
		token, err := login(apiURL, os.Getenv("SIM_USERNAME"), os.Getenv("SIM_PASSWORD"))
		if err != nil {
			log.WithError(err).Fatal("Failed to log in")
		}
		authToken = token
	}

	var pub Publisher = httpPublisher{apiURL: apiURL}
	if broker := os.Getenv("SIM_MQTT_BROKER"); broker != "" {
		prefix := os.Getenv("MQTT_TOPIC_PREFIX")
		if prefix == "" {
			prefix = "usage"
		}
		mp, err := newMQTTPublisher(broker, prefix)
		if err != nil {
			log.WithError(err).Fatal("Failed to connect to MQTT broker")
		}
		defer mp.client.Disconnect(250)
		pub = mp
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	start := time.Now().UTC().AddDate(0, 0, -7*rounds).Truncate(24 * time.Hour)
	fleet := newFleet(fleetSize, start, rng)

	log.WithFields(log.Fields{
		"fleet_size": fleetSize,
		"rounds":     rounds,
		"api_url":    apiURL,
		"interval":   interval,
	}).Info("Starting usage simulation")

	seed(pub, fleet)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for round := 1; round <= rounds; round++ {
		sent := step(pub, fleet, rng)
		log.WithFields(log.Fields{"round": round, "trips_sent": sent}).Info("Simulation round complete")
		if round < rounds {
			<-ticker.C
		}
	}
	log.Info("Simulation finished")
}
