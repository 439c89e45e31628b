package service

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseGenre(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantID  int64
		wantErr bool
	}{
		{"string fields", `{"id":"3","number":"2","title":"Sports"}`, 3, false},
		{"numeric fields", `{"id":3,"number":2,"title":"Sports"}`, 3, false},
		{"wildcard id", `{"id":"*","number":"0","title":"All"}`, 0, true},
		{"missing title", `{"id":"3","number":"2"}`, 0, true},
		{"missing number", `{"id":"3","title":"Sports"}`, 0, true},
		{"not an object", `"3"`, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := ParseGenre(json.RawMessage(tt.raw))
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidEntry)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantID, g.GenreID)
			assert.Equal(t, "Sports", g.Name)
		})
	}
}

func TestParseChannel(t *testing.T) {
	genres := map[int64]bool{1: true}
	tests := []struct {
		name    string
		raw     string
		wantErr bool
		wantHD  bool
	}{
		{"valid hd", `{"id":"10","number":"5","name":"One","hd":"1","tv_genre_id":"1","cmds":[{"id":"100"}]}`, false, true},
		{"valid sd numeric", `{"id":10,"number":5,"name":"One","hd":0,"tv_genre_id":1,"cmds":[{"id":100}]}`, false, false},
		{"unknown genre", `{"id":"10","number":"5","name":"One","hd":"1","tv_genre_id":"9","cmds":[{"id":"100"}]}`, true, false},
		{"no cmds", `{"id":"10","number":"5","name":"One","hd":"1","tv_genre_id":"1","cmds":[]}`, true, false},
		{"no name", `{"id":"10","number":"5","hd":"1","tv_genre_id":"1","cmds":[{"id":"100"}]}`, true, false},
		{"no hd", `{"id":"10","number":"5","name":"One","tv_genre_id":"1","cmds":[{"id":"100"}]}`, true, false},
		{"hd out of range", `{"id":"10","number":"5","name":"One","hd":"2","tv_genre_id":"1","cmds":[{"id":"100"}]}`, true, false},
		{"hd negative", `{"id":"10","number":"5","name":"One","hd":-1,"tv_genre_id":"1","cmds":[{"id":"100"}]}`, true, false},
		{"no id", `{"number":"5","name":"One","hd":"1","tv_genre_id":"1","cmds":[{"id":"100"}]}`, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := ParseChannel(json.RawMessage(tt.raw), genres)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidEntry)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, int64(10), c.ChannelID)
			assert.Equal(t, int64(5), c.Number)
			assert.Equal(t, int64(1), c.GenreID)
			assert.Equal(t, int64(100), c.StreamID)
			assert.Equal(t, tt.wantHD, c.HD)
		})
	}
}

func TestParseGuide(t *testing.T) {
	// 2024-01-01 10:10:00 UTC and 11:20:00 UTC
	start, stop := int64(1704103800), int64(1704108000)

	raw := json.RawMessage(`{"ch_id":"10","name":" Evening\r\nNews  ","descr":"Headlines","category":"news, ,current affairs ","start_timestamp":"1704103800","stop_timestamp":1704108000}`)
	g, err := ParseGuide(raw, GuideOptions{Location: time.UTC, RoundTimes: true})
	require.NoError(t, err)
	assert.Equal(t, int64(10), g.ChannelID)
	assert.Equal(t, "Evening News", g.Title)
	assert.Equal(t, []string{"news", "current affairs"}, g.Categories)
	assert.Equal(t, time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC), g.Start.UTC())
	assert.Equal(t, time.Date(2024, 1, 1, 11, 30, 0, 0, time.UTC), g.End.UTC())

	g, err = ParseGuide(raw, GuideOptions{})
	require.NoError(t, err)
	assert.Equal(t, start, g.Start.Unix())
	assert.Equal(t, stop, g.End.Unix())
}

func TestParseGuideRejects(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"placeholder title", `{"ch_id":"1","name":"No details available","start_timestamp":1704103800,"stop_timestamp":1704108000}`},
		{"missing stop", `{"ch_id":"1","name":"Show","start_timestamp":1704103800}`},
		{"reversed range", `{"ch_id":"1","name":"Show","start_timestamp":1704108000,"stop_timestamp":1704103800}`},
		{"collapses when rounded", `{"ch_id":"1","name":"Show","start_timestamp":1704103200,"stop_timestamp":1704103500}`},
		{"bad timestamp", `{"ch_id":"1","name":"Show","start_timestamp":"soon","stop_timestamp":1704108000}`},
		{"missing channel", `{"name":"Show","start_timestamp":1704103800,"stop_timestamp":1704108000}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseGuide(json.RawMessage(tt.raw), GuideOptions{RoundTimes: true})
			assert.ErrorIs(t, err, ErrInvalidEntry)
		})
	}
}

func TestRoundHalfHour(t *testing.T) {
	at := func(h, m, s int) time.Time { return time.Date(2024, 1, 1, h, m, s, 0, time.UTC) }
	tests := []struct {
		in, want time.Time
	}{
		{at(10, 0, 0), at(10, 0, 0)},
		{at(10, 14, 59), at(10, 0, 0)},
		{at(10, 15, 0), at(10, 30, 0)},
		{at(10, 44, 59), at(10, 30, 0)},
		{at(10, 45, 0), at(11, 0, 0)},
		{at(23, 50, 0), time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, RoundHalfHour(tt.in), tt.in.Format(time.TimeOnly))
	}
}

func TestNormalizeTitle(t *testing.T) {
	assert.Equal(t, "a b c", NormalizeTitle("a\r\nb \t  c"))
	assert.Equal(t, "", NormalizeTitle(" \n "))
}

func TestSplitCategories(t *testing.T) {
	assert.Equal(t, []string{}, SplitCategories(""))
	assert.Equal(t, []string{"a", "b"}, SplitCategories(" a ,, b,"))
}
