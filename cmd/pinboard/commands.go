package main

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/npezzotti/go-pinboard/internal/share"
	"github.com/npezzotti/go-pinboard/internal/types"
)

const commandHelp = `commands:
    add <title> [| <content>]   add a post
    edit <post> <title> [| <content>]
    move <post> <x> <y>         reposition a post
    rm <post>                   delete a post
    bg <color>                  set the board background
    title <name>                rename the board
    show                        print the board
    leave                       leave the room and exit
<post> is the post's number in "show" or its id.`

var errUnknownPost = errors.New("no such post")

type command struct {
	name string
	args []string
	text string
}

// parseCommand splits a line into the command name, its leading arguments
// and the free text that follows them.
func parseCommand(line string) (command, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return command{}, errors.New("empty command")
	}
	name, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	nargs := 0
	switch name {
	case "add", "title", "bg":
	case "edit", "rm":
		nargs = 1
	case "move":
		nargs = 3
	case "show", "leave", "help":
		return command{name: name}, nil
	default:
		return command{}, fmt.Errorf("unknown command %q", name)
	}

	cmd := command{name: name}
	for range nargs {
		var arg string
		arg, rest, _ = strings.Cut(rest, " ")
		if arg == "" {
			return command{}, fmt.Errorf("%s: missing argument", name)
		}
		cmd.args = append(cmd.args, arg)
		rest = strings.TrimSpace(rest)
	}
	cmd.text = rest

	if (name == "add" || name == "title" || name == "bg" || name == "edit") && cmd.text == "" {
		return command{}, fmt.Errorf("%s: missing text", name)
	}
	return cmd, nil
}

// resolvePost accepts a 1-based position or a post id.
func resolvePost(b *types.Board, ref string) (string, error) {
	if n, err := strconv.Atoi(ref); err == nil {
		if n < 1 || n > len(b.Posts) {
			return "", fmt.Errorf("%w: %d", errUnknownPost, n)
		}
		return b.Posts[n-1].Id, nil
	}
	if b.PostIndex(ref) < 0 {
		return "", fmt.Errorf("%w: %s", errUnknownPost, ref)
	}
	return ref, nil
}

func splitText(text string) (string, string) {
	title, content, _ := strings.Cut(text, "|")
	return strings.TrimSpace(title), strings.TrimSpace(content)
}

// apply runs an editing command against b and reports whether b changed.
func apply(b *types.Board, cmd command, author string) (bool, error) {
	switch cmd.name {
	case "add":
		title, content := splitText(cmd.text)
		// new posts cascade down the board
		offset := float64(len(b.Posts) * 20)
		return b.AddPost(types.NewPost(title, content, "", 20+offset, 20+offset, author)), nil
	case "edit":
		id, err := resolvePost(b, cmd.args[0])
		if err != nil {
			return false, err
		}
		title, content := splitText(cmd.text)
		return b.UpdatePost(id, title, content, ""), nil
	case "move":
		id, err := resolvePost(b, cmd.args[0])
		if err != nil {
			return false, err
		}
		x, err := strconv.ParseFloat(cmd.args[1], 64)
		if err != nil {
			return false, fmt.Errorf("move: bad x: %w", err)
		}
		y, err := strconv.ParseFloat(cmd.args[2], 64)
		if err != nil {
			return false, fmt.Errorf("move: bad y: %w", err)
		}
		return b.MovePost(id, x, y), nil
	case "rm":
		id, err := resolvePost(b, cmd.args[0])
		if err != nil {
			return false, err
		}
		return b.DeletePost(id), nil
	case "bg":
		b.SetBackground(cmd.text)
		return true, nil
	case "title":
		b.SetName(cmd.text)
		return true, nil
	}
	return false, nil
}

func printBoard(w io.Writer, b types.Board, code string, participants int) {
	fmt.Fprintf(w, "%s [%s, background %s]", b.Name, b.Layout, b.Background)
	if code != "" {
		fmt.Fprintf(w, " room %s, %d here", code, participants)
	}
	fmt.Fprintln(w)
	if len(b.Posts) == 0 {
		fmt.Fprintln(w, "  (no posts)")
	}
	for i, p := range b.Posts {
		fmt.Fprintf(w, "  %d. %s (%g, %g) %s", i+1, p.Title, p.X, p.Y, p.Id)
		if p.AuthorNickname != "" {
			fmt.Fprintf(w, " by %s", p.AuthorNickname)
		}
		fmt.Fprintln(w)
		if p.Content != "" {
			fmt.Fprintf(w, "     %s\n", p.Content)
		}
	}
}

// linkWithoutRoom returns input with its room code removed when input is a
// share link rather than a bare code.
func linkWithoutRoom(input string) (string, bool) {
	input = strings.TrimSpace(input)
	if !strings.Contains(input, "?") {
		return "", false
	}
	link, err := share.Strip(input)
	if err != nil {
		return "", false
	}
	return link, true
}
