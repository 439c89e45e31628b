package service

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/voyagen/stbgate/internal/models"
)

// ErrInvalidEntry is wrapped by every parse failure.
var ErrInvalidEntry = errors.New("invalid entry")

// noDetailsTitle is the placeholder the portal uses for empty guide slots.
const noDetailsTitle = "No details available"

// Rejection records one portal entry dropped during a sync run.
type Rejection struct {
	Kind   string `json:"kind"` // genre, channel, guide
	Reason string `json:"reason"`
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidEntry, fmt.Sprintf(format, args...))
}

// portalInt accepts the portal's integers whether sent as numbers or numeric strings.
type portalInt struct {
	Value int64
	Set   bool
}

func (p *portalInt) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		return nil
	}
	s = strings.Trim(s, `"`)
	if s == "" {
		return nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		f, ferr := strconv.ParseFloat(s, 64)
		if ferr != nil {
			return fmt.Errorf("not an integer: %q", s)
		}
		v = int64(f)
	}
	p.Value, p.Set = v, true
	return nil
}

type rawGenre struct {
	ID     portalInt `json:"id"`
	Number portalInt `json:"number"`
	Title  *string   `json:"title"`
}

// ParseGenre validates one get_genres entry. id, number and title are required.
func ParseGenre(raw json.RawMessage) (models.Genre, error) {
	var g rawGenre
	if err := json.Unmarshal(raw, &g); err != nil {
		return models.Genre{}, invalid("genre: %v", err)
	}
	switch {
	case !g.ID.Set:
		return models.Genre{}, invalid("genre: missing id")
	case !g.Number.Set:
		return models.Genre{}, invalid("genre %d: missing number", g.ID.Value)
	case g.Title == nil:
		return models.Genre{}, invalid("genre %d: missing title", g.ID.Value)
	}
	return models.Genre{GenreID: g.ID.Value, Number: g.Number.Value, Name: strings.TrimSpace(*g.Title)}, nil
}

type rawChannel struct {
	ID      portalInt `json:"id"`
	Number  portalInt `json:"number"`
	Name    *string   `json:"name"`
	HD      portalInt `json:"hd"`
	GenreID portalInt `json:"tv_genre_id"`
	Cmds    []struct {
		ID portalInt `json:"id"`
	} `json:"cmds"`
}

// ParseChannel validates one get_all_channels entry against the genre ids
// known for this run. Every field is required, hd must be 0 or 1 and the
// genre must be known.
func ParseChannel(raw json.RawMessage, genres map[int64]bool) (models.Channel, error) {
	var c rawChannel
	if err := json.Unmarshal(raw, &c); err != nil {
		return models.Channel{}, invalid("channel: %v", err)
	}
	if !c.ID.Set {
		return models.Channel{}, invalid("channel: missing id")
	}
	id := c.ID.Value
	switch {
	case !c.Number.Set:
		return models.Channel{}, invalid("channel %d: missing number", id)
	case c.Name == nil || strings.TrimSpace(*c.Name) == "":
		return models.Channel{}, invalid("channel %d: missing name", id)
	case !c.HD.Set:
		return models.Channel{}, invalid("channel %d: missing hd flag", id)
	case c.HD.Value != 0 && c.HD.Value != 1:
		return models.Channel{}, invalid("channel %d: hd flag %d is not 0 or 1", id, c.HD.Value)
	case !c.GenreID.Set:
		return models.Channel{}, invalid("channel %d: missing genre", id)
	case !genres[c.GenreID.Value]:
		return models.Channel{}, invalid("channel %d: unknown genre %d", id, c.GenreID.Value)
	case len(c.Cmds) == 0 || !c.Cmds[0].ID.Set:
		return models.Channel{}, invalid("channel %d: missing stream id", id)
	}
	return models.Channel{
		ChannelID: id,
		Number:    c.Number.Value,
		Name:      strings.TrimSpace(*c.Name),
		HD:        c.HD.Value == 1,
		GenreID:   c.GenreID.Value,
		StreamID:  c.Cmds[0].ID.Value,
	}, nil
}

type rawGuide struct {
	ChannelID portalInt `json:"ch_id"`
	Name      *string   `json:"name"`
	Descr     *string   `json:"descr"`
	Category  *string   `json:"category"`
	Start     portalInt `json:"start_timestamp"`
	Stop      portalInt `json:"stop_timestamp"`
}

// GuideOptions control guide normalization.
type GuideOptions struct {
	Location   *time.Location
	RoundTimes bool // snap start and end to the nearest half hour
}

// ParseGuide validates one get_short_epg entry. Timestamps are epoch seconds.
func ParseGuide(raw json.RawMessage, opts GuideOptions) (models.ChannelGuide, error) {
	var g rawGuide
	if err := json.Unmarshal(raw, &g); err != nil {
		return models.ChannelGuide{}, invalid("guide: %v", err)
	}
	if !g.ChannelID.Set {
		return models.ChannelGuide{}, invalid("guide: missing ch_id")
	}
	ch := g.ChannelID.Value
	if !g.Start.Set || !g.Stop.Set || g.Start.Value <= 0 || g.Stop.Value <= 0 {
		return models.ChannelGuide{}, invalid("guide for channel %d: missing timestamps", ch)
	}
	if g.Name == nil {
		return models.ChannelGuide{}, invalid("guide for channel %d: missing title", ch)
	}
	title := NormalizeTitle(*g.Name)
	if title == "" || title == noDetailsTitle {
		return models.ChannelGuide{}, invalid("guide for channel %d: no details", ch)
	}

	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}
	start := time.Unix(g.Start.Value, 0).In(loc)
	end := time.Unix(g.Stop.Value, 0).In(loc)
	if opts.RoundTimes {
		start, end = RoundHalfHour(start), RoundHalfHour(end)
	}
	if !end.After(start) {
		return models.ChannelGuide{}, invalid("guide for channel %d: empty time range", ch)
	}

	var descr, category string
	if g.Descr != nil {
		descr = strings.TrimSpace(*g.Descr)
	}
	if g.Category != nil {
		category = *g.Category
	}
	return models.ChannelGuide{
		ChannelID:   ch,
		Title:       title,
		Categories:  SplitCategories(category),
		Description: descr,
		Start:       start,
		End:         end,
	}, nil
}

// RoundHalfHour snaps t to the nearest :00 or :30 of its wall clock;
// exactly 15 minutes past rounds up.
func RoundHalfHour(t time.Time) time.Time {
	off := time.Duration(t.Minute()%30)*time.Minute +
		time.Duration(t.Second())*time.Second +
		time.Duration(t.Nanosecond())
	t = t.Add(-off)
	if off >= 15*time.Minute {
		t = t.Add(30 * time.Minute)
	}
	return t
}

// NormalizeTitle turns line breaks into spaces and collapses whitespace runs.
func NormalizeTitle(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// SplitCategories splits a comma list, trimming items and dropping empties.
func SplitCategories(s string) []string {
	out := []string{}
	for _, c := range strings.Split(s, ",") {
		if c = strings.TrimSpace(c); c != "" {
			out = append(out, c)
		}
	}
	return out
}
