package main

import (
	"bytes"
	"testing"

	"github.com/npezzotti/go-pinboard/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCommand(t *testing.T) {
	tcases := []struct {
		name    string
		line    string
		want    command
		wantErr bool
	}{
		{name: "add", line: "add Flights | book early", want: command{name: "add", text: "Flights | book early"}},
		{name: "move", line: "move 2  10 30", want: command{name: "move", args: []string{"2", "10", "30"}}},
		{name: "edit", line: "edit 1 Hotels", want: command{name: "edit", args: []string{"1"}, text: "Hotels"}},
		{name: "rm", line: " rm abc ", want: command{name: "rm", args: []string{"abc"}}},
		{name: "show", line: "show", want: command{name: "show"}},
		{name: "empty", line: "   ", wantErr: true},
		{name: "unknown", line: "fly away", wantErr: true},
		{name: "add without title", line: "add", wantErr: true},
		{name: "move missing y", line: "move 1 10", wantErr: true},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := parseCommand(tc.line)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestApply(t *testing.T) {
	b := types.NewBoard("Trip", "")

	run := func(line string) (bool, error) {
		cmd, err := parseCommand(line)
		require.NoError(t, err)
		return apply(&b, cmd, "Bo")
	}

	changed, err := run("add Flights | book early")
	require.NoError(t, err)
	assert.True(t, changed)
	require.Len(t, b.Posts, 1)
	assert.Equal(t, "Flights", b.Posts[0].Title)
	assert.Equal(t, "book early", b.Posts[0].Content)
	assert.Equal(t, "Bo", b.Posts[0].AuthorNickname)

	_, err = run("add Hotels")
	require.NoError(t, err)

	_, err = run("move 2 -5 40")
	require.NoError(t, err)
	assert.Equal(t, 0.0, b.Posts[1].X, "expected coordinates to be clamped")
	assert.Equal(t, 40.0, b.Posts[1].Y)

	_, err = run("edit 2 Hostels | cheap")
	require.NoError(t, err)
	assert.Equal(t, "Hostels", b.Posts[1].Title)

	_, err = run("rm " + b.Posts[0].Id)
	require.NoError(t, err)
	require.Len(t, b.Posts, 1)

	_, err = run("rm 5")
	assert.ErrorIs(t, err, errUnknownPost)
	_, err = run("move 1 x 3")
	assert.Error(t, err)

	_, err = run("title  Summer trip ")
	require.NoError(t, err)
	assert.Equal(t, "Summer trip", b.Name)

	_, err = run("bg #000000")
	require.NoError(t, err)
	assert.Equal(t, "#000000", b.Background)

	var out bytes.Buffer
	printBoard(&out, b, "123456", 2)
	assert.Contains(t, out.String(), "Summer trip")
	assert.Contains(t, out.String(), "room 123456, 2 here")
	assert.Contains(t, out.String(), "1. Hostels")
}

func TestLinkWithoutRoom(t *testing.T) {
	tcases := []struct {
		name  string
		input string
		want  string
		ok    bool
	}{
		{name: "bare code", input: "123456"},
		{name: "link", input: "https://pinboard.example/?room=123456", want: "https://pinboard.example/", ok: true},
		{name: "link with other params", input: " https://pinboard.example/?theme=dark&room=123456 ", want: "https://pinboard.example/?theme=dark", ok: true},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := linkWithoutRoom(tc.input)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}
