package server

import (
	"encoding/xml"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/voyagen/stbgate/internal/models"
	"github.com/voyagen/stbgate/internal/store"
)

// HDHomeRun emulation, one virtual tuner per device.

const xmltvTime = "20060102150405 -0700"

type lineupEntry struct {
	GuideNumber string `json:"GuideNumber"`
	GuideName   string `json:"GuideName"`
	HD          int    `json:"HD,omitempty"`
	URL         string `json:"URL"`
}

func (s *Server) hdhrBase(d *models.DeviceProfile) string {
	return s.baseURL() + "/hdhr/" + d.UID.String()
}

func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	d, ok := s.device(w, r)
	if !ok {
		return
	}
	base := s.hdhrBase(d)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"BaseURL":         base,
		"DeviceAuth":      "stbgate",
		"DeviceID":        deviceID(d),
		"FirmwareName":    "bin_1.2",
		"FirmwareVersion": "1.2",
		"FriendlyName":    "stbgate " + d.MACAddress,
		"LineupURL":       base + "/lineup.json",
		"Manufacturer":    "stbgate",
		"ModelNumber":     "HDTC-2US",
		"TunerCount":      1,
	})
}

func (s *Server) handleLineupStatus(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.device(w, r); !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"ScanInProgress": 0,
		"ScanPossible":   1,
		"Source":         "Cable",
		"Lineup":         "Complete",
	})
}

func (s *Server) handleLineup(w http.ResponseWriter, r *http.Request) {
	d, ok := s.device(w, r)
	if !ok {
		return
	}
	channels, err := s.lineupChannels(r, d)
	if err != nil {
		s.writeErr(w, http.StatusInternalServerError, err)
		return
	}

	out := make([]lineupEntry, 0, len(channels))
	for _, c := range channels {
		e := lineupEntry{
			GuideNumber: strconv.FormatInt(c.ChannelID, 10),
			GuideName:   c.Name,
			URL:         s.proxyURL(d.UID, c.ChannelID, "playlist.m3u8"),
		}
		if c.HD {
			e.HD = 1
		}
		out = append(out, e)
	}
	s.writeJSON(w, http.StatusOK, out)
}

// lineupChannels returns the enabled, non-stale channels of a device.
func (s *Server) lineupChannels(r *http.Request, d *models.DeviceProfile) ([]models.Channel, error) {
	enabled, stale := true, false
	return s.store.ListChannels(r.Context(), store.ChannelFilter{
		DeviceUID: d.UID,
		Enabled:   &enabled,
		Stale:     &stale,
	})
}

type xmltvRoot struct {
	XMLName    xml.Name         `xml:"tv"`
	Source     string           `xml:"source-info-name,attr,omitempty"`
	Generator  string           `xml:"generator-info-name,attr,omitempty"`
	Channels   []xmltvChannel   `xml:"channel"`
	Programmes []xmltvProgramme `xml:"programme"`
}

type xmltvChannel struct {
	ID      string `xml:"id,attr"`
	Display string `xml:"display-name"`
	LCN     string `xml:"lcn,omitempty"`
}

type xmltvProgramme struct {
	Start      string       `xml:"start,attr"`
	Stop       string       `xml:"stop,attr"`
	Channel    string       `xml:"channel,attr"`
	Title      xmltvValue   `xml:"title"`
	Desc       *xmltvValue  `xml:"desc,omitempty"`
	Categories []xmltvValue `xml:"category"`
}

type xmltvValue struct {
	Value string `xml:",chardata"`
}

func (s *Server) handleGuideXML(w http.ResponseWriter, r *http.Request) {
	d, ok := s.device(w, r)
	if !ok {
		return
	}
	channels, err := s.lineupChannels(r, d)
	if err != nil {
		s.writeErr(w, http.StatusInternalServerError, err)
		return
	}
	guides, err := s.store.ListCurrentGuides(r.Context(), d.UID, s.now())
	if err != nil {
		s.writeErr(w, http.StatusInternalServerError, err)
		return
	}

	tv := buildXMLTV(channels, guides, d.Location())
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	_, _ = w.Write([]byte(xml.Header))
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.Encode(tv); err != nil {
		s.log.WithError(err).Warn("encode xmltv")
	}
}

// buildXMLTV renders guides for the given channels only, in the device timezone.
func buildXMLTV(channels []models.Channel, guides []models.ChannelGuide, loc *time.Location) xmltvRoot {
	tv := xmltvRoot{Source: "Stalker portal", Generator: "stbgate"}
	known := make(map[int64]bool, len(channels))
	for _, c := range channels {
		id := strconv.FormatInt(c.ChannelID, 10)
		known[c.ChannelID] = true
		ch := xmltvChannel{ID: id, Display: c.Name}
		if c.Number > 0 {
			ch.LCN = strconv.FormatInt(c.Number, 10)
		}
		tv.Channels = append(tv.Channels, ch)
	}
	for _, g := range guides {
		if !known[g.ChannelID] {
			continue
		}
		p := xmltvProgramme{
			Start:   g.Start.In(loc).Format(xmltvTime),
			Stop:    g.End.In(loc).Format(xmltvTime),
			Channel: strconv.FormatInt(g.ChannelID, 10),
			Title:   xmltvValue{Value: g.Title},
		}
		if desc := strings.TrimSpace(g.Description); desc != "" {
			p.Desc = &xmltvValue{Value: desc}
		}
		for _, c := range g.Categories {
			p.Categories = append(p.Categories, xmltvValue{Value: c})
		}
		tv.Programmes = append(tv.Programmes, p)
	}
	return tv
}

// deviceID is a stable 8-hex HDHomeRun id derived from the device UUID.
func deviceID(d *models.DeviceProfile) string {
	return strings.ToUpper(fmt.Sprintf("%x", d.UID[:4]))
}
