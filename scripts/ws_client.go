// Package main submits a demo route plan and follows it over the status WebSocket.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"crewroute/internal/model"
)

type wsMessage struct {
	Type    string           `json:"type"`
	JobID   string           `json:"jobId,omitempty"`
	Status  *model.JobStatus `json:"status,omitempty"`
	Message string           `json:"message,omitempty"`
}

func main() {
	base := flag.String("base", "http://localhost:8080", "API base URL")
	token := flag.String("token", "demo:dispatcher", "bearer token")
	date := flag.String("date", "2026-10-15", "plan date")
	flag.Parse()
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	plan := model.RoutePlanRequest{
		Depot:       model.Coordinates{Lat: 45.5200, Lng: -122.6800},
		CustomerIDs: []string{"c1", "c2", "c3", "c4"},
		Date:        *date,
	}
	body, _ := json.Marshal(plan)
	req, _ := http.NewRequest(http.MethodPost, *base+"/v1/route-plans", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+*token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Fatal().Err(err).Msg("submit route plan")
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusAccepted {
		log.Fatal().Int("status", resp.StatusCode).Msg("route plan rejected")
	}
	var accepted model.SubmitResponse
	if err := json.NewDecoder(resp.Body).Decode(&accepted); err != nil {
		log.Fatal().Err(err).Msg("decode submit response")
	}
	log.Info().Str("job", accepted.JobID).Int("position", accepted.Position).Msg("submitted")

	u, err := url.Parse(*base)
	if err != nil {
		log.Fatal().Err(err).Msg("bad base URL")
	}
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = "/v1/ws"
	u.RawQuery = url.Values{"access_token": {*token}}.Encode()

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		log.Fatal().Err(err).Msg("dial websocket")
	}
	defer func() { _ = conn.Close() }()
	if err := conn.WriteJSON(wsMessage{Type: "subscribe", JobID: accepted.JobID}); err != nil {
		log.Fatal().Err(err).Msg("subscribe")
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Minute))
	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			log.Fatal().Err(err).Msg("read websocket")
		}
		switch msg.Type {
		case "status":
			st := msg.Status
			log.Info().Str("state", string(st.State)).Int("progress", st.Progress).Msg("status")
			if st.Result != nil {
				out, _ := json.MarshalIndent(st.Result, "", "  ")
				fmt.Println(string(out))
			}
		case "error":
			log.Fatal().Str("message", msg.Message).Msg("server error")
		case "complete":
			log.Info().Str("job", msg.JobID).Msg("done")
			return
		}
	}
}
