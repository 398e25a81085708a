package model

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// TimeLayout is the wire timestamp format, microsecond precision UTC.
const TimeLayout = "2006-01-02T15:04:05.000000Z"

func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

func ParseTimestamp(s string) (time.Time, error) {
	if t, err := time.Parse(TimeLayout, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}

// The document types mirror the configuration file schema. The persisted
// runtime file uses the same shape, populated with server-confirmed ids and
// the latest state data.

type Meta struct {
	ID      string `json:"id,omitempty"`
	Type    string `json:"type,omitempty"`
	Version string `json:"version,omitempty"`
}

type StateDoc struct {
	Meta      Meta   `json:"meta"`
	Type      string `json:"type"`
	Status    string `json:"status,omitempty"`
	Data      string `json:"data"`
	Timestamp string `json:"timestamp,omitempty"`
}

type NumberDoc struct {
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
	Step float64 `json:"step"`
	Unit string  `json:"unit,omitempty"`
}

type StringDoc struct {
	Max      int    `json:"max,omitempty"`
	Encoding string `json:"encoding,omitempty"`
}

type BlobDoc struct {
	Max      int    `json:"max,omitempty"`
	Encoding string `json:"encoding,omitempty"`
}

type XMLDoc struct {
	Xsd       string `json:"xsd,omitempty"`
	Namespace string `json:"namespace,omitempty"`
}

type ValueDoc struct {
	Meta       Meta       `json:"meta"`
	Name       string     `json:"name"`
	Type       string     `json:"type,omitempty"`
	Permission string     `json:"permission,omitempty"`
	Status     string     `json:"status,omitempty"`
	Period     string     `json:"period,omitempty"`
	Delta      string     `json:"delta,omitempty"`
	Number     *NumberDoc `json:"number,omitempty"`
	String     *StringDoc `json:"string,omitempty"`
	Blob       *BlobDoc   `json:"blob,omitempty"`
	XML        *XMLDoc    `json:"xml,omitempty"`
	State      []StateDoc `json:"state,omitempty"`
}

type DeviceDoc struct {
	Meta          Meta       `json:"meta"`
	Name          string     `json:"name"`
	Manufacturer  string     `json:"manufacturer,omitempty"`
	Product       string     `json:"product,omitempty"`
	Version       string     `json:"version,omitempty"`
	Serial        string     `json:"serial,omitempty"`
	Description   string     `json:"description,omitempty"`
	Protocol      string     `json:"protocol,omitempty"`
	Communication string     `json:"communication,omitempty"`
	Value         []ValueDoc `json:"value,omitempty"`
}

// Document is the network root of a configuration or persisted runtime file.
type Document struct {
	Meta   Meta        `json:"meta"`
	Name   string      `json:"name"`
	Device []DeviceDoc `json:"device,omitempty"`
}

func ParseDocument(data []byte) (*Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse model document: %w", err)
	}
	return &doc, nil
}

func (d *Document) Encode() ([]byte, error) {
	return json.MarshalIndent(d, "", "    ")
}

// value docs keep period/delta as strings for compatibility with hand
// written configuration files.
func (vd ValueDoc) period() time.Duration {
	if vd.Period == "" {
		return 0
	}
	secs, err := strconv.Atoi(vd.Period)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func formatInt(n int) string {
	return strconv.Itoa(n)
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func (vd ValueDoc) delta() float64 {
	if vd.Delta == "" {
		return 0
	}
	delta, err := strconv.ParseFloat(vd.Delta, 64)
	if err != nil || delta < 0 {
		return 0
	}
	return delta
}
