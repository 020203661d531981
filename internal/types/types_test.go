package types

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewBoard(t *testing.T) {
	tcases := []struct {
		name       string
		boardName  string
		layout     Layout
		wantName   string
		wantLayout Layout
	}{
		{name: "defaults", boardName: "  ", layout: "", wantName: DefaultBoardName, wantLayout: LayoutFree},
		{name: "explicit", boardName: " Trip ", layout: LayoutGrid, wantName: "Trip", wantLayout: LayoutGrid},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			b := NewBoard(tc.boardName, tc.layout)
			assert.NotEmpty(t, b.Id, "expected board id to be generated")
			assert.Equal(t, tc.wantName, b.Name)
			assert.Equal(t, tc.wantLayout, b.Layout)
			assert.Equal(t, DefaultBackground, b.Background)
			assert.NotNil(t, b.Posts, "expected posts to be an empty slice")
			assert.Empty(t, b.Posts)
			assert.Equal(t, b.CreatedAt, b.UpdatedAt)
		})
	}
}

func TestNewPost(t *testing.T) {
	p := NewPost("  Flights ", " book them\n", "", 10, 20, "  "+strings.Repeat("n", 30))
	assert.NotEmpty(t, p.Id)
	assert.Equal(t, "Flights", p.Title)
	assert.Equal(t, "book them", p.Content)
	assert.Equal(t, DefaultPostColor, p.Color)
	assert.Equal(t, strings.Repeat("n", MaxNicknameLength), p.AuthorNickname)
	assert.Equal(t, 10.0, p.X)
	assert.Equal(t, 20.0, p.Y)
}

func TestTruncateNickname(t *testing.T) {
	assert.Equal(t, "Bo", TruncateNickname("  Bo  "))
	assert.Equal(t, "", TruncateNickname("   "))
	assert.Len(t, []rune(TruncateNickname(strings.Repeat("é", 40))), MaxNicknameLength)
}

func TestBoardMutations(t *testing.T) {
	b := NewBoard("Trip", LayoutFree)
	p := NewPost("Flights", "", "", 5, 5, "")

	require.True(t, b.AddPost(p))
	assert.False(t, b.AddPost(p), "expected duplicate post id to be rejected")
	assert.Len(t, b.Posts, 1)

	assert.True(t, b.MovePost(p.Id, -3, 40))
	assert.Equal(t, 0.0, b.Posts[0].X, "expected negative x to be clamped")
	assert.Equal(t, 40.0, b.Posts[0].Y)

	assert.True(t, b.UpdatePost(p.Id, " Hotels ", "x", "#bbdefb"))
	assert.Equal(t, "Hotels", b.Posts[0].Title)
	assert.Equal(t, "#bbdefb", b.Posts[0].Color)

	assert.False(t, b.UpdatePost("missing", "", "", ""))
	assert.False(t, b.MovePost("missing", 0, 0))

	b.SetName("")
	assert.Equal(t, DefaultBoardName, b.Name)
	b.SetBackground("dots")
	assert.Equal(t, "dots", b.Background)

	assert.True(t, b.DeletePost(p.Id))
	assert.Empty(t, b.Posts)
	assert.False(t, b.DeletePost(p.Id))
}

func TestBoardClone(t *testing.T) {
	b := NewBoard("Trip", LayoutFree)
	b.AddPost(NewPost("a", "", "", 0, 0, ""))

	c := b.Clone()
	c.Posts[0].Title = "changed"
	assert.Equal(t, "a", b.Posts[0].Title, "expected clone not to share posts")
}
