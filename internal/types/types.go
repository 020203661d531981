package types

import (
	"slices"
	"strings"
	"time"

	"github.com/teris-io/shortid"
)

type Layout string

const (
	LayoutFree    Layout = "free"
	LayoutGrid    Layout = "grid"
	LayoutColumns Layout = "columns"
)

const (
	DefaultBoardName  = "Untitled Board"
	DefaultBackground = "#f5f5f5"
	DefaultPostColor  = "#fff9c4"
	MaxNicknameLength = 24
)

type Post struct {
	Id             string  `json:"id"`
	Title          string  `json:"title"`
	Content        string  `json:"content"`
	Color          string  `json:"color"`
	X              float64 `json:"x"`
	Y              float64 `json:"y"`
	AuthorNickname string  `json:"authorNickname"`
	CreatedAt      int64   `json:"createdAt"`
}

type Board struct {
	Id         string `json:"id"`
	Name       string `json:"name"`
	Layout     Layout `json:"layout"`
	Background string `json:"background"`
	Posts      []Post `json:"posts"`
	CreatedAt  int64  `json:"createdAt"`
	UpdatedAt  int64  `json:"updatedAt"`
}

// Room is the remote record shared by every participant of a collaboration
// session. Board holds the serialized snapshot, not a types.Board.
type Room struct {
	Code       string         `json:"code"`
	BoardId    string         `json:"boardId"`
	HostId     string         `json:"hostId"`
	Board      map[string]any `json:"board"`
	CreatedAt  int64          `json:"createdAt"`
	UpdatedAt  int64          `json:"updatedAt"`
	LastEditBy string         `json:"lastEditBy"`
}

type PresenceEntry struct {
	SessionId string `json:"sessionId"`
	Nickname  string `json:"nickname"`
	JoinedAt  int64  `json:"joinedAt"`
	Active    bool   `json:"active"`
}

func Now() int64 {
	return time.Now().UnixMilli()
}

func NewId() string {
	id, err := shortid.Generate()
	if err != nil {
		// shortid only fails when its worker clock runs backwards
		return strings.ReplaceAll(time.Now().UTC().Format("20060102150405.000000"), ".", "")
	}
	return id
}

// TruncateNickname trims s and cuts it to MaxNicknameLength runes.
func TruncateNickname(s string) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) > MaxNicknameLength {
		r = r[:MaxNicknameLength]
	}
	return string(r)
}

func NewBoard(name string, layout Layout) Board {
	name = strings.TrimSpace(name)
	if name == "" {
		name = DefaultBoardName
	}
	if layout == "" {
		layout = LayoutFree
	}

	now := Now()
	return Board{
		Id:         NewId(),
		Name:       name,
		Layout:     layout,
		Background: DefaultBackground,
		Posts:      []Post{},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func NewPost(title, content, color string, x, y float64, author string) Post {
	if color == "" {
		color = DefaultPostColor
	}

	return Post{
		Id:             NewId(),
		Title:          strings.TrimSpace(title),
		Content:        strings.TrimSpace(content),
		Color:          color,
		X:              x,
		Y:              y,
		AuthorNickname: TruncateNickname(author),
		CreatedAt:      Now(),
	}
}

// Clone returns a copy of b that shares no memory with it.
func (b Board) Clone() Board {
	if b.Posts != nil {
		b.Posts = slices.Clone(b.Posts)
	}
	return b
}

func (b *Board) Touch() {
	b.UpdatedAt = Now()
}

func (b *Board) PostIndex(id string) int {
	return slices.IndexFunc(b.Posts, func(p Post) bool { return p.Id == id })
}

func (b *Board) AddPost(p Post) bool {
	if b.PostIndex(p.Id) >= 0 {
		return false
	}
	b.Posts = append(b.Posts, p)
	b.Touch()
	return true
}

func (b *Board) UpdatePost(id, title, content, color string) bool {
	i := b.PostIndex(id)
	if i < 0 {
		return false
	}
	b.Posts[i].Title = strings.TrimSpace(title)
	b.Posts[i].Content = strings.TrimSpace(content)
	if color != "" {
		b.Posts[i].Color = color
	}
	b.Touch()
	return true
}

// MovePost repositions a post. Coordinates are clamped at zero.
func (b *Board) MovePost(id string, x, y float64) bool {
	i := b.PostIndex(id)
	if i < 0 {
		return false
	}
	b.Posts[i].X = max(0, x)
	b.Posts[i].Y = max(0, y)
	b.Touch()
	return true
}

func (b *Board) DeletePost(id string) bool {
	i := b.PostIndex(id)
	if i < 0 {
		return false
	}
	b.Posts = slices.Delete(b.Posts, i, i+1)
	b.Touch()
	return true
}

func (b *Board) SetName(name string) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = DefaultBoardName
	}
	b.Name = name
	b.Touch()
}

func (b *Board) SetBackground(bg string) {
	b.Background = bg
	b.Touch()
}
