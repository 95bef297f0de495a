package store

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"crewroute/internal/model"
)

// Seed is the YAML layout accepted by LoadSeed. Times are "HH:MM" or "HH:MM:SS".
type Seed struct {
	Owners []SeedOwner `yaml:"owners"`
}

type SeedOwner struct {
	ID        string         `yaml:"id"`
	Settings  *SeedSettings  `yaml:"settings"`
	Crews     []SeedCrew     `yaml:"crews"`
	Customers []SeedCustomer `yaml:"customers"`
	Visits    []SeedVisit    `yaml:"visits"`
}

type SeedSettings struct {
	WorkStart             string     `yaml:"workStart"`
	WorkEnd               string     `yaml:"workEnd"`
	DefaultServiceMinutes uint       `yaml:"defaultServiceMinutes"`
	BufferPercent         float64    `yaml:"bufferPercent"`
	BufferFixedMinutes    uint       `yaml:"bufferFixedMinutes"`
	Break                 *SeedBreak `yaml:"break"`
}

type SeedBreak struct {
	EarliestStart   string `yaml:"earliestStart"`
	LatestStart     string `yaml:"latestStart"`
	DurationMinutes uint   `yaml:"durationMinutes"`
}

type SeedCrew struct {
	ID                 string  `yaml:"id"`
	Name               string  `yaml:"name"`
	WorkStart          string  `yaml:"workStart"`
	WorkEnd            string  `yaml:"workEnd"`
	BufferPercent      float64 `yaml:"bufferPercent"`
	BufferFixedMinutes uint    `yaml:"bufferFixedMinutes"`
}

type SeedCustomer struct {
	ID             string   `yaml:"id"`
	Name           string   `yaml:"name"`
	Address        string   `yaml:"address"`
	Lat            *float64 `yaml:"lat"`
	Lng            *float64 `yaml:"lng"`
	ServiceMinutes *uint    `yaml:"serviceMinutes"`
	Priority       uint     `yaml:"priority"`
}

// SeedVisit is a visit on a date. Start == End (or End empty) is a fixed appointment.
type SeedVisit struct {
	CustomerID string `yaml:"customerId"`
	Date       string `yaml:"date"`
	Start      string `yaml:"start"`
	End        string `yaml:"end"`
	Soft       bool   `yaml:"soft"`
	Legacy     bool   `yaml:"legacy"`
}

func (m *Memory) LoadSeedFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open seed: %w", err)
	}
	defer f.Close()
	return m.LoadSeed(f)
}

func (m *Memory) LoadSeed(r io.Reader) error {
	var seed Seed
	if err := yaml.NewDecoder(r).Decode(&seed); err != nil {
		return fmt.Errorf("decode seed: %w", err)
	}
	for _, o := range seed.Owners {
		if err := m.applyOwner(o); err != nil {
			return fmt.Errorf("seed owner %s: %w", o.ID, err)
		}
	}
	return nil
}

func (m *Memory) applyOwner(o SeedOwner) error {
	if o.Settings != nil {
		s, err := o.Settings.toModel(o.ID)
		if err != nil {
			return err
		}
		m.PutSettings(s)
	}
	for _, c := range o.Crews {
		start, err := model.ParseTimeOfDay(c.WorkStart)
		if err != nil {
			return fmt.Errorf("crew %s: %w", c.ID, err)
		}
		end, err := model.ParseTimeOfDay(c.WorkEnd)
		if err != nil {
			return fmt.Errorf("crew %s: %w", c.ID, err)
		}
		m.PutCrew(model.Crew{
			ID: c.ID, OwnerID: o.ID, Name: c.Name, WorkStart: start, WorkEnd: end,
			BufferPercent: c.BufferPercent, BufferFixedMinutes: c.BufferFixedMinutes,
		})
	}
	for _, c := range o.Customers {
		cust := model.Customer{
			ID: c.ID, OwnerID: o.ID, Name: c.Name, Address: c.Address,
			ServiceMinutes: c.ServiceMinutes, Priority: c.Priority,
		}
		if c.Lat != nil && c.Lng != nil {
			cust.Location = &model.Coordinates{Lat: *c.Lat, Lng: *c.Lng}
		}
		m.PutCustomer(cust)
	}
	for _, v := range o.Visits {
		w, err := v.window()
		if err != nil {
			return fmt.Errorf("visit %s/%s: %w", v.CustomerID, v.Date, err)
		}
		if v.Legacy {
			m.PutLegacyVisit(o.ID, v.CustomerID, v.Date, w)
		} else {
			m.PutScheduledVisit(o.ID, v.CustomerID, v.Date, w)
		}
	}
	return nil
}

func (s SeedSettings) toModel(ownerID string) (model.PlannerSettings, error) {
	out := model.DefaultSettings(ownerID)
	var err error
	if s.WorkStart != "" {
		if out.WorkStart, err = model.ParseTimeOfDay(s.WorkStart); err != nil {
			return out, err
		}
	}
	if s.WorkEnd != "" {
		if out.WorkEnd, err = model.ParseTimeOfDay(s.WorkEnd); err != nil {
			return out, err
		}
	}
	if s.DefaultServiceMinutes > 0 {
		out.DefaultServiceMinutes = s.DefaultServiceMinutes
	}
	out.BufferPercent = s.BufferPercent
	out.BufferFixedMinutes = s.BufferFixedMinutes
	if s.Break != nil {
		b := model.BreakConfig{DurationMinutes: s.Break.DurationMinutes}
		if b.EarliestStart, err = model.ParseTimeOfDay(s.Break.EarliestStart); err != nil {
			return out, err
		}
		if b.LatestStart, err = model.ParseTimeOfDay(s.Break.LatestStart); err != nil {
			return out, err
		}
		if err := b.Validate(); err != nil {
			return out, err
		}
		out.Break = &b
	}
	return out, nil
}

func (v SeedVisit) window() (model.TimeWindow, error) {
	start, err := model.ParseTimeOfDay(v.Start)
	if err != nil {
		return model.TimeWindow{}, err
	}
	if v.End == "" {
		return model.Point(start), nil
	}
	end, err := model.ParseTimeOfDay(v.End)
	if err != nil {
		return model.TimeWindow{}, err
	}
	return visitWindow(start, end, !v.Soft)
}

// visitWindow turns stored start/end columns into a window; equal bounds are an appointment.
func visitWindow(start, end model.TimeOfDay, hard bool) (model.TimeWindow, error) {
	if start == end {
		return model.Point(start), nil
	}
	w := model.Interval(start, end, hard)
	return w, w.Validate()
}
